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

// Package isolate binds a child process (and everything
// it forks) to a kernel resource group with one kill
// switch.
//
// On Linux the group is a cgroup2 directory: memory,
// task-count, and CPU-bandwidth caps are applied to the
// group, and killing the group reliably takes out the
// whole subtree even if the supervisor crashes between
// spawn and cleanup. Where cgroups are unavailable the
// group degrades to an OS process group: no resource
// caps, but forced shutdown still terminates the tree.
package isolate

import (
	"errors"
	"io"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
)

var errClosed = errors.New("isolate: group is closed")

// Limits are the caps applied to a group.
// Zero-valued fields are unlimited.
type Limits struct {
	// MemoryMb caps the group's total memory.
	MemoryMb int64
	// CPUMilli caps CPU bandwidth in thousandths
	// of one core.
	CPUMilli int64
	// MaxProcs caps the number of live tasks.
	MaxProcs int64
	// KillOnMemoryExceeded kills the whole group on
	// OOM instead of letting the kernel pick one task.
	KillOnMemoryExceeded bool
}

// backend is the platform half of a Group.
type backend interface {
	// configure adjusts the launch descriptor
	// before the child is started
	configure(cmd *exec.Cmd)
	// assign places a freshly spawned pid in the group
	assign(pid int) error
	// kill terminates every process in the group
	kill() error
	// release frees the group's kernel object;
	// the group must already be dead or empty
	release() error
	name() string
}

// Group is one kill-switch-equipped resource group.
//
// The goroutine that created a Group owns it: Assign,
// Kill, and Close are its to call. Close is idempotent
// and safe on every unwind path, including paths where
// the child was never assigned.
type Group struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	closed  bool
	limited bool
	be      backend
}

// New creates a resource group named name.
//
// New never fails: if the platform's isolation
// primitive is unavailable (or limits cannot be
// applied), it logs a warning and returns a group
// backed by a plain OS process group. Limited
// reports which one you got.
func New(name string, limits Limits, log logrus.FieldLogger) *Group {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	be, err := newBackend(name, limits)
	limited := err == nil
	if err != nil {
		log.WithField("group", name).Warnf("isolate: no kernel resource group (%s); falling back to process-group isolation", err)
		be = newFallback()
	}
	return &Group{log: log, be: be, limited: limited}
}

// Limited reports whether the group enforces resource
// limits, as opposed to the kill-only fallback.
func (g *Group) Limited() bool { return g.limited }

// Name identifies the group for diagnostics.
func (g *Group) Name() string { return g.be.name() }

// Configure adjusts cmd so the child can be bound to
// the group. Must be called before cmd starts.
func (g *Group) Configure(cmd *exec.Cmd) {
	g.be.configure(cmd)
}

// Assign places pid into the group. It must be called
// immediately after spawn, before the child has a
// chance to create children of its own; if it fails,
// the caller must kill the child and fail the start.
func (g *Group) Assign(pid int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errClosed
	}
	return g.be.assign(pid)
}

// Kill terminates every process in the group.
// The group remains usable for a later Close.
func (g *Group) Kill() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	return g.be.kill()
}

// Close kills anything still in the group and releases
// the kernel object. It is idempotent; errors are
// logged and swallowed because Close runs on unwind
// paths that already carry their own error.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if err := g.be.kill(); err != nil {
		g.log.WithField("group", g.be.name()).Debugf("isolate: kill on close: %s", err)
	}
	if err := g.be.release(); err != nil {
		g.log.WithField("group", g.be.name()).Debugf("isolate: release: %s", err)
	}
	return nil
}
