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
	"strings"
	"testing"
)

func TestDecodeCommand(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"command","command":"Stop","correlationId":"X","timeoutSeconds":2}`))
	if err != nil {
		t.Fatal(err)
	}
	cmd, ok := msg.(*Command)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if cmd.Command != CmdStop || cmd.CorrelationID != "X" || cmd.TimeoutSeconds != 2 {
		t.Errorf("bad command: %+v", cmd)
	}
}

func TestDecodeUnknown(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"telemetry","rss":12345}`))
	if err != nil {
		t.Fatal(err)
	}
	u, ok := msg.(*Unknown)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if u.Type != "telemetry" {
		t.Errorf("unknown type %q", u.Type)
	}
}

func TestDecodeJunk(t *testing.T) {
	for _, frame := range []string{
		`not json at all`,
		`{"sequence":1}`,
		`{"type":""}`,
		`[1,2,3]`,
	} {
		if _, err := Decode([]byte(frame)); err == nil {
			t.Errorf("Decode(%q) succeeded", frame)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	msgs := []Message{
		&Command{Command: CmdGetStatus, CorrelationID: "abc"},
		&Input{Input: "save"},
		&Heartbeat{Sequence: 42},
		&Shutdown{GracefulTimeoutSeconds: 10, Reason: "drain"},
		&Status{State: "Running"},
		&Output{Data: "line", IsError: true},
		&Ack{AcknowledgedID: "abc", Success: true},
	}
	for _, m := range msgs {
		buf, err := Encode(m)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(buf), `"type":"`+m.Kind()+`"`) {
			t.Errorf("%s not tagged: %s", m.Kind(), buf)
		}
		back, err := Decode(buf)
		if err != nil {
			t.Fatalf("%s: %s", m.Kind(), err)
		}
		if back.Kind() != m.Kind() {
			t.Errorf("round trip %s -> %s", m.Kind(), back.Kind())
		}
	}
}

func TestEncodeHeartbeatRequest(t *testing.T) {
	// the parent's form carries only the sequence;
	// no zero-valued timestamp may leak onto the wire
	buf, err := Encode(&Heartbeat{Sequence: 7})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(buf), "timestamp") {
		t.Errorf("request heartbeat carries a timestamp: %s", buf)
	}
	if strings.Contains(string(buf), "serverId") {
		t.Errorf("request heartbeat carries a serverId: %s", buf)
	}
}

func TestEncodeEmptyBody(t *testing.T) {
	buf, err := Encode(&Shutdown{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(buf); err != nil {
		t.Fatalf("Decode(%s): %s", buf, err)
	}
}
