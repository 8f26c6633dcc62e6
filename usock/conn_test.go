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

package usock

import (
	"bytes"
	"io"
	"testing"
)

func TestSocketPair(t *testing.T) {
	left, right, err := SocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer left.Close()
	defer right.Close()
	if Fd(left) < 0 || Fd(right) < 0 {
		t.Error("socket pair without file descriptors?")
	}
	want := []byte("control traffic")
	go func() {
		left.Write(want)
		left.Close()
	}()
	got, err := io.ReadAll(right)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read %q, want %q", got, want)
	}
}
