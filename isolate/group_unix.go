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

//go:build unix

package isolate

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// pgidBackend is the degraded mode: the child leads its
// own process group, and forced termination signals the
// whole group. No resource caps, but no orphans either.
type pgidBackend struct {
	pgid int
}

func newFallback() backend {
	return &pgidBackend{}
}

func (p *pgidBackend) configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func (p *pgidBackend) assign(pid int) error {
	// Setpgid made the child its own group leader
	// at spawn; just record where to aim the signal
	p.pgid = pid
	return nil
}

func (p *pgidBackend) kill() error {
	if p.pgid == 0 {
		return nil
	}
	err := unix.Kill(-p.pgid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil // already gone
	}
	return err
}

func (p *pgidBackend) release() error { return nil }

func (p *pgidBackend) name() string {
	return fmt.Sprintf("pgid:%d", p.pgid)
}
