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

//go:build windows

package isolate

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

func newBackend(name string, limits Limits) (backend, error) {
	return nil, errors.New("no cgroup support on this platform")
}

// treeBackend terminates the child's process tree with
// taskkill(1). No resource caps.
type treeBackend struct {
	pid int
}

func newFallback() backend {
	return &treeBackend{}
}

func (t *treeBackend) configure(cmd *exec.Cmd) {}

func (t *treeBackend) assign(pid int) error {
	t.pid = pid
	return nil
}

func (t *treeBackend) kill() error {
	if t.pid == 0 {
		return nil
	}
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(t.pid)).Run()
}

func (t *treeBackend) release() error { return nil }

func (t *treeBackend) name() string {
	return fmt.Sprintf("tree:%d", t.pid)
}
