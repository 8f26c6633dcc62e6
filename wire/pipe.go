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

package wire

import (
	"net"
	"path/filepath"
	"time"
)

// DefaultPipeDir is where bare pipe names resolve.
// The directory is expected to be created by the agent
// with restrictive permissions; the supervisor never
// creates it.
const DefaultPipeDir = "/run/warden"

// DefaultDialTimeout bounds Dial when the caller
// passes a zero timeout.
const DefaultDialTimeout = 30 * time.Second

// PipePath resolves a pipe name to a socket path.
// Absolute names are used verbatim; bare names land
// under DefaultPipeDir with a .sock suffix.
func PipePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(DefaultPipeDir, name+".sock")
}

// Dial connects to the agent endpoint identified by
// the pipe name and wraps it in a framed Conn.
func Dial(name string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return net.DialTimeout("unix", PipePath(name), timeout)
}

// Listen opens a listening endpoint for the given
// pipe name. Used by the agent side and by the
// reservation control socket.
func Listen(name string) (net.Listener, error) {
	return net.Listen("unix", PipePath(name))
}
