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

package isolate

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/wardenhq/warden/cgroup"
)

// cgroupBackend binds children to a dedicated cgroup2
// directory under the supervisor's own cgroup.
type cgroupBackend struct {
	dir cgroup.Dir
}

func newBackend(name string, limits Limits) (backend, error) {
	self, err := cgroup.Self()
	if err != nil {
		return nil, err
	}
	ok, err := self.IsDelegated(os.Getuid(), os.Getgid())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cgroup %s is not delegated to uid %d", self, os.Getuid())
	}
	// a stale group with the same name belongs to a
	// previous incarnation of this server; kill it
	dir, err := self.Create(name, true)
	if err != nil {
		return nil, err
	}
	err = dir.Apply(&cgroup.Limits{
		MemoryMaxBytes: limits.MemoryMb << 20,
		PidsMax:        limits.MaxProcs,
		CPUMilli:       limits.CPUMilli,
		KillOnOOM:      limits.KillOnMemoryExceeded,
	})
	if err != nil {
		dir.Kill()
		dir.Remove()
		return nil, err
	}
	return &cgroupBackend{dir: dir}, nil
}

func (c *cgroupBackend) configure(cmd *exec.Cmd) {}

func (c *cgroupBackend) assign(pid int) error {
	return cgroup.Move(pid, c.dir)
}

func (c *cgroupBackend) kill() error {
	return c.dir.Kill()
}

func (c *cgroupBackend) release() error {
	return c.dir.Remove()
}

func (c *cgroupBackend) name() string { return string(c.dir) }
