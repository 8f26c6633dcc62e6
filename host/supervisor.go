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
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wardenhq/warden/wire"
)

// Supervisor binds one Server to one framed control
// connection: a single reader goroutine parses frames
// and dispatches each message to completion before
// reading the next, and every outbound message funnels
// through the contained send path.
type Supervisor struct {
	serverID string
	conn     *wire.Conn
	srv      *Server
	log      logrus.FieldLogger
}

// NewSupervisor wires a Server for serverID/cfg to conn.
func NewSupervisor(serverID string, cfg *ServerConfig, conn *wire.Conn, log logrus.FieldLogger) *Supervisor {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	sup := &Supervisor{
		serverID: serverID,
		conn:     conn,
		log:      log.WithField("server", serverID),
	}
	sup.srv = NewServer(serverID, cfg, sup.send, log)
	return sup
}

// Server exposes the supervised server, mainly for
// tests and for the binary's final status report.
func (sup *Supervisor) Server() *Server { return sup.srv }

// send is the fire-and-forget emission path: any
// failure (including a panic in the transport) is
// logged at debug and dropped, never propagated.
func (sup *Supervisor) send(msg wire.Message) {
	defer func() {
		if e := recover(); e != nil {
			sup.log.Debugf("send %s: recovered: %v", msg.Kind(), e)
		}
	}()
	if err := wire.Send(sup.conn, msg); err != nil {
		sup.log.Debugf("dropping %s frame: %s", msg.Kind(), err)
	}
}

// Run starts the child and services the connection
// until the parent disconnects, violates the protocol,
// or requests shutdown. The child is stopped (and the
// server disposed) on every exit path. Run returns nil
// on a clean shutdown.
func (sup *Supervisor) Run() error {
	defer sup.srv.Dispose()
	if err := sup.srv.Start(); err != nil {
		// the Failed status has already been emitted
		return err
	}
	for {
		frame, err := sup.conn.ReadFrame(0)
		if err != nil {
			sup.srv.Stop(0)
			if errors.Is(err, io.EOF) {
				sup.log.Info("control connection closed; child stopped")
				return nil
			}
			var pe *wire.ProtocolError
			if errors.As(err, &pe) {
				sup.log.Errorf("closing connection: %s", pe)
			} else {
				sup.log.Errorf("control read: %s", err)
			}
			return err
		}
		msg, err := wire.Decode(frame)
		if err != nil {
			// the frame is consumed; the connection
			// continues
			sup.log.Warnf("ignoring frame: %s", err)
			continue
		}
		if sup.handle(msg) {
			return nil
		}
	}
}

// handle dispatches one inbound message. It returns
// true when the supervisor should terminate.
func (sup *Supervisor) handle(msg wire.Message) bool {
	switch m := msg.(type) {
	case *wire.Command:
		sup.command(m)
	case *wire.Input:
		if err := sup.srv.Input(m.Input); err != nil {
			sup.log.Warnf("dropping input: %s", err)
		}
	case *wire.Heartbeat:
		now := time.Now().UTC()
		sup.send(&wire.Heartbeat{
			Sequence:  m.Sequence,
			Timestamp: &now,
			ServerID:  sup.serverID,
		})
	case *wire.Shutdown:
		reason := m.Reason
		if reason == "" {
			reason = "unspecified"
		}
		sup.log.Infof("shutdown requested: %s", reason)
		sup.srv.Stop(time.Duration(m.GracefulTimeoutSeconds) * time.Second)
		return true
	case *wire.Unknown:
		sup.log.Warnf("ignoring unknown message type %q", m.Type)
	default:
		// valid protocol messages that only flow
		// supervisor -> parent
		sup.log.Warnf("ignoring unexpected %s message", msg.Kind())
	}
	return false
}

func (sup *Supervisor) command(m *wire.Command) {
	var err error
	switch m.Command {
	case wire.CmdGetStatus:
		sup.send(sup.srv.Status())
	case wire.CmdStop:
		err = sup.srv.Stop(time.Duration(m.TimeoutSeconds) * time.Second)
	case wire.CmdKill:
		err = sup.srv.Kill()
	default:
		err = fmt.Errorf("unknown command %q", m.Command)
	}
	if m.CorrelationID == "" {
		if err != nil {
			sup.log.Warnf("command %s: %s", m.Command, err)
		}
		return
	}
	ack := &wire.Ack{
		AcknowledgedID: m.CorrelationID,
		Success:        err == nil,
		Timestamp:      time.Now().UTC(),
	}
	if err != nil {
		ack.ErrorMessage = err.Error()
	}
	sup.send(ack)
}
