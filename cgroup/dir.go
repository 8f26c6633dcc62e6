// Copyright 2024 Warden, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

//go:build linux

// Package cgroup implements a thin wrapper around the
// Linux cgroupv2 filesystem API, plus the handful of
// controller files the supervisor uses to cap a game
// server's memory, task count, and CPU bandwidth.
// For the semantics of the individual files, consult
// the kernel cgroup-v2 documentation.
package cgroup

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Dir is an absolute directory path
// (including the mount path of the cgroup2 mountpoint).
type Dir string

// IsZero returns true if d is the zero value of Dir.
// (The zero value of Dir is not a valid cgroup directory.)
func (d Dir) IsZero() bool { return d == "" }

// Root returns the first found cgroup2
// mountpoint from /proc/mounts.
func Root() (Dir, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) >= 3 &&
			parts[2] == "cgroup2" {
			return Dir(parts[1]), nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", fs.ErrNotExist
}

// Sub returns a new Dir that represents a
// sub-directory of d.
func (d Dir) Sub(dir string) Dir { return Dir(d.join(dir)) }

// Self returns the cgroup of the current process,
// provided that the current process is *only* a member
// of a cgroup2 and not a legacy cgroup1 hierarchy.
func Self() (Dir, error) {
	text, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	if len(text) < 3 || text[0] != '0' || text[1] != ':' || text[2] != ':' {
		return "", fmt.Errorf("don't understand /proc/self/cgroup (are you using systemd?): %s", text)
	}
	text = bytes.TrimSpace(text)
	i := bytes.IndexByte(text, '/')
	if i < 0 {
		return "", fmt.Errorf("%s is not a valid cgroup", text)
	}
	root, err := Root()
	if err != nil {
		return "", err
	}
	return root.Sub(string(text[i:])), nil
}

func (d Dir) join(name string) string { return filepath.Join(string(d), name) }

// WriteInt writes the provided integer value
// plus a newline character to the file
// with the given name within d.
func (d Dir) WriteInt(name string, val int64) error {
	buf := strconv.AppendInt(nil, val, 10)
	return d.WriteLine(name, buf)
}

// WriteLine writes the provided bytes plus
// a newline character to the file with the
// given name within d.
func (d Dir) WriteLine(name string, buf []byte) error {
	f, err := os.OpenFile(d.join(name), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(buf, '\n'))
	return err
}

// IsDelegated returns (true, nil) if a
// process with the given uid+gid can add
// processes to d, or (false, nil) otherwise.
// IsDelegated will report an error if the
// cgroup doesn't exist.
func (d Dir) IsDelegated(uid, gid int) (bool, error) {
	fi, err := os.Stat(d.join("cgroup.procs"))
	if err != nil {
		return false, err
	}
	if uid == 0 {
		return true, nil
	}
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("unexpected fs.FileInfo.Sys: %T", fi.Sys())
	}
	perm := fi.Mode().Perm()
	if perm&2 != 0 {
		// write-other
		return true, nil
	}
	// write-gid
	if sys.Gid == uint32(gid) && (perm>>3)&2 != 0 {
		return true, nil
	}
	// write-owner
	if sys.Uid == uint32(uid) && (perm>>6)&2 != 0 {
		return true, nil
	}
	return false, nil
}

// Move moves an existing process into
// the cgroup specified by into.
func Move(pid int, into Dir) error {
	return into.WriteInt("cgroup.procs", int64(pid))
}

// Kill kills all the processes in a cgroup.
// However, it does not remove the cgroup directory.
func (d Dir) Kill() error {
	return d.WriteInt("cgroup.kill", 1)
}

// Remove removes the cgroup. Only empty cgroups
// may be removed, so the caller may need to call
// Kill first in order to ensure the cgroup is empty.
func (d Dir) Remove() error {
	return os.Remove(string(d))
}

// Procs returns the list of pids that
// currently occupy a cgroup.
// (This corresponds to the cgroup.procs file within the cgroup directory.)
func (d Dir) Procs() ([]int, error) {
	f, err := os.Open(d.join("cgroup.procs"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lst []int
	s := bufio.NewScanner(f)
	for s.Scan() {
		i, err := strconv.Atoi(s.Text())
		if err != nil {
			return lst, err
		}
		lst = append(lst, i)
	}
	return lst, s.Err()
}

// Create creates a new directory sub under
// the existing group d. If the directory
// doesn't already exist, it is created.
// If the directory *does* exist, then the
// behavior of Create depends on the 'kill'
// flag: if kill is set to true, then all
// the sub-processes in the existing cgroup
// are killed. If kill is set to false, then
// an error is returned (matching fs.ErrExist)
// and the cgroup is left unmodified.
func (d Dir) Create(sub string, kill bool) (Dir, error) {
	p := d.join(sub)
	err := os.Mkdir(p, 0755)
	if err != nil {
		if errors.Is(err, fs.ErrExist) && kill {
			pd := d.Sub(sub)
			return pd, pd.Kill()
		}
		return "", err
	}
	return Dir(p), nil
}

// cpuPeriod is the cpu.max accounting period in
// microseconds; quotas are expressed against it.
const cpuPeriod = 100000

// Limits describes the controller values applied to
// one server's cgroup. Zero-valued fields leave the
// corresponding controller at its default (max).
type Limits struct {
	// MemoryMaxBytes is written to memory.max.
	MemoryMaxBytes int64
	// PidsMax is written to pids.max and bounds the
	// number of live tasks in the group.
	PidsMax int64
	// CPUMilli is the hard CPU bandwidth cap in
	// thousandths of one core; 1000 pins the group
	// to a full core's worth of runtime.
	CPUMilli int64
	// KillOnOOM sets memory.oom.group so that the
	// OOM killer takes out the whole group rather
	// than a single task inside it.
	KillOnOOM bool
}

// Apply writes every non-zero limit to its controller
// file. It stops at the first error; the caller is
// expected to treat a partially-limited group as
// unusable and remove it.
func (d Dir) Apply(l *Limits) error {
	if l.MemoryMaxBytes > 0 {
		if err := d.WriteInt("memory.max", l.MemoryMaxBytes); err != nil {
			return fmt.Errorf("memory.max: %w", err)
		}
		if l.KillOnOOM {
			if err := d.WriteInt("memory.oom.group", 1); err != nil {
				return fmt.Errorf("memory.oom.group: %w", err)
			}
		}
	}
	if l.PidsMax > 0 {
		if err := d.WriteInt("pids.max", l.PidsMax); err != nil {
			return fmt.Errorf("pids.max: %w", err)
		}
	}
	if l.CPUMilli > 0 {
		quota := l.CPUMilli * cpuPeriod / 1000
		line := strconv.AppendInt(nil, quota, 10)
		line = append(line, ' ')
		line = strconv.AppendInt(line, cpuPeriod, 10)
		if err := d.WriteLine("cpu.max", line); err != nil {
			return fmt.Errorf("cpu.max: %w", err)
		}
	}
	return nil
}
