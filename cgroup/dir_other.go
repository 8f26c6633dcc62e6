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

//go:build !linux

// Package cgroup implements a thin wrapper around the
// Linux cgroupv2 filesystem API. On non-linux platforms
// every operation reports ErrUnsupported; the isolation
// layer falls back to process groups instead.
package cgroup

import "errors"

// ErrUnsupported is returned by every operation on
// platforms without cgroup2.
var ErrUnsupported = errors.New("cgroup: not supported on this platform")

// Dir is an absolute directory path
// (including the mount path of the cgroup2 mountpoint).
type Dir string

// IsZero returns true if d is the zero value of Dir.
// (The zero value of Dir is not a valid cgroup directory.)
func (d Dir) IsZero() bool { return d == "" }

// Root is unsupported on this platform.
func Root() (Dir, error) { return "", ErrUnsupported }

// Self is unsupported on this platform.
func Self() (Dir, error) { return "", ErrUnsupported }

// Sub returns a new Dir that represents a
// sub-directory of d.
func (d Dir) Sub(dir string) Dir { return d + Dir("/"+dir) }

// IsDelegated is unsupported on this platform.
func (d Dir) IsDelegated(uid, gid int) (bool, error) { return false, ErrUnsupported }

// Move is unsupported on this platform.
func Move(pid int, into Dir) error { return ErrUnsupported }

// Kill is unsupported on this platform.
func (d Dir) Kill() error { return ErrUnsupported }

// Remove is unsupported on this platform.
func (d Dir) Remove() error { return ErrUnsupported }

// Procs is unsupported on this platform.
func (d Dir) Procs() ([]int, error) { return nil, ErrUnsupported }

// Create is unsupported on this platform.
func (d Dir) Create(sub string, kill bool) (Dir, error) { return "", ErrUnsupported }

// Limits describes the controller values applied to
// one server's cgroup.
type Limits struct {
	MemoryMaxBytes int64
	PidsMax        int64
	CPUMilli       int64
	KillOnOOM      bool
}

// Apply is unsupported on this platform.
func (d Dir) Apply(l *Limits) error { return ErrUnsupported }
