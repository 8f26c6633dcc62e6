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
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/wardenhq/warden/wire"
)

const (
	// maxLineLen bounds one captured line; longer
	// lines are cut and marked.
	maxLineLen = 64 << 10

	// truncMark is the literal suffix appended to a
	// truncated line.
	truncMark = "... [TRUNCATED]"
)

// capture reads one child stream line by line and emits
// each line as an output message. It runs until the
// stream closes (normally: the child exited). Emission
// failures never reach the child: the Emitter is
// fire-and-forget and the whole goroutine is wrapped in
// a recover so a broken transport cannot unwind into
// the scheduler.
func (s *Server) capture(wg *sync.WaitGroup, r io.ReadCloser, isErr bool) {
	defer wg.Done()
	defer func() {
		if e := recover(); e != nil {
			s.log.Debugf("capture: recovered: %v", e)
		}
	}()
	br := bufio.NewReaderSize(r, 32<<10)
	for {
		line, truncated, err := readLine(br)
		if len(line) > 0 || err == nil {
			data := string(line)
			if truncated {
				data += truncMark
			}
			s.emitOutput(data, isErr)
		}
		if err != nil {
			return
		}
	}
}

// readLine reads up to one newline, accumulating at
// most maxLineLen bytes and discarding the remainder
// of an over-long line.
func readLine(br *bufio.Reader) (line []byte, truncated bool, err error) {
	for {
		frag, isPrefix, err := br.ReadLine()
		if len(frag) > 0 && !truncated {
			// a line of exactly maxLineLen bytes is
			// intact; only the overflow is cut
			if len(line)+len(frag) > maxLineLen {
				line = append(line, frag[:maxLineLen-len(line)]...)
				truncated = true
			} else {
				line = append(line, frag...)
			}
		}
		if err != nil {
			return line, truncated, err
		}
		if !isPrefix {
			return line, truncated, nil
		}
	}
}

func (s *Server) emitOutput(data string, isErr bool) {
	s.emit(&wire.Output{
		Data:      data,
		IsError:   isErr,
		Timestamp: time.Now().UTC(),
	})
	s.mu.Lock()
	ar := s.archive
	s.mu.Unlock()
	if ar != nil {
		if err := ar.writeLine(data, isErr); err != nil {
			s.log.Debugf("console archive: %s", err)
		}
	}
}
