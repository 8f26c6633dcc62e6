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

// Package wire implements the framed control protocol
// spoken between the parent agent and a supervisor
// over a local duplex byte stream.
//
// The wire format is a 4-byte little-endian unsigned
// length followed by exactly that many bytes of UTF-8
// JSON. One frame carries exactly one protocol message.
// There is no resynchronization: any frame with an
// out-of-range length poisons the connection, because
// a reader that has lost the length boundary can never
// find it again.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// MaxFrame is the maximum frame payload size.
	// Frames claiming more than this are connection-fatal.
	MaxFrame = 256 << 10

	// WriteTimeout bounds one WriteFrame call,
	// including acquisition of the write guard.
	WriteTimeout = 5 * time.Second
)

// ErrWriteTimeout is returned by WriteFrame when the
// frame could not be written within WriteTimeout.
// The connection is left open; the caller decides
// whether the miss is fatal.
var ErrWriteTimeout = errors.New("wire: frame write timed out")

// A ProtocolError indicates that the peer violated the
// framing rules. Protocol errors are connection-fatal:
// after observing one, the reader must close the
// connection and stop processing input.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "wire: " + e.Msg }

func protoerr(format string, args ...interface{}) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// Conn wraps a duplex byte stream with frame semantics.
//
// One goroutine owns ReadFrame; WriteFrame may be called
// from any number of goroutines and is serialized
// internally so frames never interleave.
type Conn struct {
	conn net.Conn
	log  logrus.FieldLogger

	// wlock serializes writers; acquisition is bounded
	// so a stuck peer cannot wedge every sender
	// (same shape as a child-process availability slot)
	wlock chan struct{}

	pre [4]byte // read-side length prefix scratch
}

// NewConn wraps conn. If log is nil,
// diagnostics are discarded.
func NewConn(conn net.Conn, log logrus.FieldLogger) *Conn {
	wlock := make(chan struct{}, 1)
	wlock <- struct{}{}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Conn{conn: conn, log: log, wlock: wlock}
}

// ReadFrame reads one frame payload.
//
// A timeout of zero blocks indefinitely. A clean close
// at a frame boundary yields io.EOF. A length outside
// (0, MaxFrame], a short read, or garbage where the
// prefix should be yields a *ProtocolError (or the
// underlying I/O error); either way the connection is
// no longer usable for reading.
func (c *Conn) ReadFrame(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	_, err := io.ReadFull(c.conn, c.pre[:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protoerr("stream closed mid-prefix")
		}
		return nil, err
	}
	size := binary.LittleEndian.Uint32(c.pre[:])
	if size == 0 || size > MaxFrame {
		return nil, protoerr("frame length %d out of range (0, %d]", size, MaxFrame)
	}
	buf := make([]byte, size)
	_, err = io.ReadFull(c.conn, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protoerr("stream closed %d bytes into a %d-byte frame", len(buf), size)
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes one frame containing msg.
//
// The whole operation (guard acquisition plus I/O) is
// bounded by WriteTimeout; on timeout the frame is
// abandoned with a warning and ErrWriteTimeout is
// returned, but the connection stays open.
func (c *Conn) WriteFrame(msg []byte) error {
	if len(msg) == 0 || len(msg) > MaxFrame {
		return protoerr("refusing to write frame of %d bytes", len(msg))
	}
	deadline := time.Now().Add(WriteTimeout)
	select {
	case <-c.wlock:
	default:
		t := time.NewTimer(time.Until(deadline))
		select {
		case <-c.wlock:
			t.Stop()
		case <-t.C:
			c.log.Warnf("wire: dropping %d-byte frame: write guard held for %s", len(msg), WriteTimeout)
			return ErrWriteTimeout
		}
	}
	defer func() { c.wlock <- struct{}{} }()

	buf := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)
	c.conn.SetWriteDeadline(deadline)
	_, err := c.conn.Write(buf)
	c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.log.Warnf("wire: dropping %d-byte frame: %s", len(msg), err)
			return ErrWriteTimeout
		}
		return err
	}
	return nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.conn.Close()
}
