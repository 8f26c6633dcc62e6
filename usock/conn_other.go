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

//go:build !(linux || netbsd || openbsd || solaris || freebsd || aix || darwin || dragonfly)

package usock

import (
	"errors"
	"io"
	"net"
)

const Implemented = false

var errUnimplemented = errors.New("usock: socket pairs not supported on this platform")

// Fd returns -1 on platforms without unix sockets.
func Fd(c io.Closer) int { return -1 }

// SocketPair is unimplemented on this platform.
func SocketPair() (*net.UnixConn, *net.UnixConn, error) {
	return nil, nil, errUnimplemented
}
