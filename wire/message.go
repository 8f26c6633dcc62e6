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
	"encoding/json"
	"fmt"
	"time"
)

// Message is one protocol message. The concrete types
// below form a closed set keyed by the "type" field of
// the JSON object; frames whose type is not in the set
// decode to *Unknown so that dispatchers can skip them
// without tearing down the connection.
type Message interface {
	// Kind returns the wire value of the "type" field.
	Kind() string
}

// Command names accepted in Command.Command.
const (
	CmdGetStatus = "GetStatus"
	CmdStop      = "Stop"
	CmdKill      = "Kill"
)

// Command is an imperative from the parent agent.
// If CorrelationID is set, the supervisor replies
// with an Ack carrying the same ID.
type Command struct {
	Command        string `json:"command"`
	CorrelationID  string `json:"correlationId,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Input carries one line destined for the child's stdin.
// The supervisor appends a newline and flushes.
type Input struct {
	Input string `json:"input"`
}

// Heartbeat is sent by the parent and echoed by the
// supervisor with Timestamp and ServerID filled in.
// The parent's form carries only the sequence.
type Heartbeat struct {
	Sequence  int64      `json:"sequence"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	ServerID  string     `json:"serverId,omitempty"`
}

// Shutdown asks the supervisor to stop the child
// gracefully and then terminate itself.
type Shutdown struct {
	GracefulTimeoutSeconds int    `json:"gracefulTimeoutSeconds,omitempty"`
	Reason                 string `json:"reason,omitempty"`
}

// Status reports a lifecycle state, emitted on every
// transition and in response to GetStatus.
type Status struct {
	State     string    `json:"state"`
	OsPid     *int      `json:"osPid,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Output carries one captured line of child output.
type Output struct {
	Data      string    `json:"data"`
	IsError   bool      `json:"isError"`
	Timestamp time.Time `json:"timestamp"`
}

// Ack is the reply to a correlated Command.
type Ack struct {
	AcknowledgedID string    `json:"acknowledgedId"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Unknown is any syntactically valid message whose
// type is not part of the protocol. Dispatchers log
// and ignore it.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (*Command) Kind() string   { return "command" }
func (*Input) Kind() string     { return "input" }
func (*Heartbeat) Kind() string { return "heartbeat" }
func (*Shutdown) Kind() string  { return "shutdown" }
func (*Status) Kind() string    { return "status" }
func (*Output) Kind() string    { return "output" }
func (*Ack) Kind() string       { return "ack" }
func (u *Unknown) Kind() string { return u.Type }

// Decode parses one frame payload into its message.
//
// Malformed JSON or a missing/empty "type" is reported
// as an error; the frame has been consumed either way,
// so the caller may log and keep reading. A well-formed
// object with an unrecognized type decodes successfully
// to *Unknown.
func Decode(frame []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("wire: frame has no type")
	}
	var msg Message
	switch env.Type {
	case "command":
		msg = &Command{}
	case "input":
		msg = &Input{}
	case "heartbeat":
		msg = &Heartbeat{}
	case "shutdown":
		msg = &Shutdown{}
	case "status":
		msg = &Status{}
	case "output":
		msg = &Output{}
	case "ack":
		msg = &Ack{}
	default:
		return &Unknown{Type: env.Type, Raw: append([]byte(nil), frame...)}, nil
	}
	if err := json.Unmarshal(frame, msg); err != nil {
		return nil, fmt.Errorf("wire: bad %s message: %w", env.Type, err)
	}
	return msg, nil
}

// Encode renders msg as one frame payload,
// splicing the "type" tag into the object.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(msg.Kind())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Send encodes msg and writes it as one frame.
func Send(c *Conn, msg Message) error {
	buf, err := Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(buf)
}
