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

package reserve

import "time"

// EventKind tags a reservation lifecycle event.
type EventKind string

const (
	EventReserved EventKind = "CapacityReserved"
	EventClaimed  EventKind = "CapacityClaimed"
	EventReleased EventKind = "CapacityReleased"
	EventExpired  EventKind = "CapacityReservationExpired"
)

// Event is published once per reservation state
// transition, after the ledger's critical section.
type Event struct {
	Kind            EventKind  `json:"kind"`
	Token           string     `json:"token"`
	NodeID          string     `json:"nodeId"`
	Resources       Resources  `json:"resources"`
	RequestedBy     string     `json:"requestedBy,omitempty"`
	ClaimedServerID string     `json:"claimedServerId,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	At              time.Time  `json:"at"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

// Publisher receives reservation events. Implementations
// must not call back into the Ledger from Publish.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ev Event) { f(ev) }
