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

package host

import (
	"os"
	"os/exec"
	"strconv"
)

// politeStop asks the child to exit on its own terms.
// taskkill without /F posts WM_CLOSE to the child's
// windows; console-only children that ignore it still
// get the full graceful wait before the group is
// force-killed.
func politeStop(p *os.Process) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(p.Pid)).Run()
}
