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

//go:build linux || netbsd || openbsd || solaris || freebsd || aix || darwin || dragonfly

// Package usock produces connected unix socket pairs.
//
// The supervisor uses socket pairs as anonymous duplex
// byte streams: protocol tests run both ends of the
// framed control connection inside one process, and the
// agent side can hand a pre-connected endpoint to a
// supervisor it spawns instead of publishing a named
// socket.
package usock

import (
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

const Implemented = true

type sysconn interface {
	SyscallConn() (syscall.RawConn, error)
}

// Fd returns the file descriptor backing an *os.File
// or socket-backed net.Conn, or -1 if there is none.
// The descriptor is only valid while the argument
// remains open; use it for diagnostics only.
func Fd(c io.Closer) int {
	sc, ok := c.(sysconn)
	if !ok {
		return -1
	}
	conn, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	var out int
	err = conn.Control(func(fd uintptr) {
		out = int(fd)
	})
	if err != nil {
		return -1
	}
	return out
}

// SocketPair returns a pair of connected unix sockets.
func SocketPair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, err
	}
	left, err := fd2unix(fds[0])
	if err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return nil, nil, err
	}
	right, err := fd2unix(fds[1])
	if err != nil {
		left.Close()
		syscall.Close(fds[1])
		return nil, nil, err
	}
	return left, right, nil
}

func fd2unix(fd int) (*net.UnixConn, error) {
	osf := os.NewFile(uintptr(fd), "")
	if osf == nil {
		return nil, fmt.Errorf("bad file descriptor %d", fd)
	}
	defer osf.Close() // net.FileConn will dup(2) the fd
	fc, err := net.FileConn(osf)
	if err != nil {
		return nil, err
	}
	uc, ok := fc.(*net.UnixConn)
	if !ok {
		fc.Close()
		return nil, fmt.Errorf("couldn't convert %T to net.UnixConn", fc)
	}
	return uc, nil
}
