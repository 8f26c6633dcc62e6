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

import "time"

// State is the lifecycle state of a managed server.
// The set is closed; the wire protocol transmits the
// String form.
type State int

const (
	Initializing State = iota
	Starting
	Running
	Stopping
	Stopped
	Failed
	Restarting
)

var stateNames = [...]string{
	Initializing: "Initializing",
	Starting:     "Starting",
	Running:      "Running",
	Stopping:     "Stopping",
	Stopped:      "Stopped",
	Failed:       "Failed",
	Restarting:   "Restarting",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Invalid"
	}
	return stateNames[s]
}

// Terminal reports whether s ends a spawn attempt.
func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}

// canEnter reports whether the transition s -> next is
// part of the lifecycle graph:
//
//	Initializing -> Starting
//	Starting     -> Running | Failed
//	Running      -> Stopping | Stopped | Failed
//	Stopping     -> Stopped | Failed
//	Stopped      -> Restarting
//	Failed       -> Restarting
//	Restarting   -> Starting | Stopped | Failed
//
// (Restarting may land on a terminal state when the
// delay is cancelled or the respawn fails.)
func (s State) canEnter(next State) bool {
	switch s {
	case Initializing:
		return next == Starting
	case Starting:
		return next == Running || next == Failed
	case Running:
		return next == Stopping || next == Stopped || next == Failed
	case Stopping:
		return next == Stopped || next == Failed
	case Stopped, Failed:
		return next == Restarting
	case Restarting:
		return next == Starting || next == Stopped || next == Failed
	}
	return false
}

// ExitNotice is what the OS-level exit callback is
// allowed to produce: a value on a channel. The
// lifecycle goroutine does everything else.
type ExitNotice struct {
	// Code is the exit code, or -1 if the child was
	// terminated by a signal.
	Code int
	// Err is the error from waiting on the child,
	// if the wait itself failed.
	Err error
	// At is when the exit was observed.
	At time.Time
}

// ManagedProcess is the record of one spawn attempt.
// It is exclusively owned by the Server that created it.
type ManagedProcess struct {
	ProcessID    string
	ServerID     string
	OsPid        int
	StartedAt    time.Time
	ExitedAt     time.Time
	ExitCode     *int
	RestartCount int
}
