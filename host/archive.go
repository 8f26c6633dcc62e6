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

package host

import (
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// archive appends captured console lines to a
// zstd-compressed file. Writes are best-effort from
// the capture path: a failing archive must never take
// the capture goroutines (or the child) with it.
type archive struct {
	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
}

func openArchive(path string) (*archive, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &archive{f: f, enc: enc}, nil
}

func (a *archive) writeLine(line string, isErr bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enc == nil {
		return os.ErrClosed
	}
	buf := make([]byte, 0, len(line)+40)
	buf = time.Now().UTC().AppendFormat(buf, time.RFC3339)
	if isErr {
		buf = append(buf, " E "...)
	} else {
		buf = append(buf, " O "...)
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := a.enc.Write(buf)
	return err
}

func (a *archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enc == nil {
		return nil
	}
	err := a.enc.Close()
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	a.enc = nil
	a.f = nil
	return err
}
