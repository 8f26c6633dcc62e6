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

// Package reserve implements the per-node capacity
// ledger of the control plane: time-bounded capacity
// reservations with two-phase claim/release semantics
// and TTL-driven expiry.
//
// A reservation is a hold, not an allocation: it keeps
// capacity from being promised twice while a deployment
// workflow decides where a server lands. Claiming binds
// the hold to a concrete server; releasing (or expiry)
// frees it. Capacity can never be over-committed: at
// every quiescent point, claimed plus reserved is at
// most the configured capacity on every dimension.
package reserve

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

const (
	// DefaultMaxTTL bounds reservation TTLs unless
	// the ledger is configured otherwise.
	DefaultMaxTTL = 15 * time.Minute

	// HardMaxTTL is the ceiling no configuration can
	// exceed.
	HardMaxTTL = 24 * time.Hour

	// DefaultSweepInterval is how often the stale
	// sweeper runs.
	DefaultSweepInterval = time.Minute
)

// Reservation state taxonomy; every error is a sentinel
// the caller can match with errors.Is.
var (
	ErrInsufficientCapacity = errors.New("reserve: insufficient capacity")
	ErrInvalidTTL           = errors.New("reserve: ttl out of range")
	ErrNodeNotAccepting     = errors.New("reserve: node not accepting reservations")
	ErrUnknownNode          = errors.New("reserve: unknown node")
	ErrNotFound             = errors.New("reserve: no such reservation")
	ErrNotPending           = errors.New("reserve: reservation is not pending")
	ErrExpired              = errors.New("reserve: reservation has expired")
	ErrAlreadyTerminal      = errors.New("reserve: reservation already terminal")
)

// Resources is one point in the three-dimensional
// capacity space. A zero dimension means "not
// requested" on input and "none" in accounting.
type Resources struct {
	MemoryMb      int64 `json:"memoryMb"`
	DiskMb        int64 `json:"diskMb"`
	CPUMillicores int64 `json:"cpuMillicores"`
}

func (r Resources) plus(o Resources) Resources {
	return Resources{
		MemoryMb:      r.MemoryMb + o.MemoryMb,
		DiskMb:        r.DiskMb + o.DiskMb,
		CPUMillicores: r.CPUMillicores + o.CPUMillicores,
	}
}

func (r Resources) minus(o Resources) Resources {
	return Resources{
		MemoryMb:      r.MemoryMb - o.MemoryMb,
		DiskMb:        r.DiskMb - o.DiskMb,
		CPUMillicores: r.CPUMillicores - o.CPUMillicores,
	}
}

// covers reports whether r is at least o on every
// dimension.
func (r Resources) covers(o Resources) bool {
	return r.MemoryMb >= o.MemoryMb &&
		r.DiskMb >= o.DiskMb &&
		r.CPUMillicores >= o.CPUMillicores
}

func (r Resources) negative() bool {
	return r.MemoryMb < 0 || r.DiskMb < 0 || r.CPUMillicores < 0
}

// Status is the reservation lifecycle state. A
// reservation is created Pending and transitions
// exactly once, to exactly one of the terminal states.
type Status string

const (
	Pending  Status = "Pending"
	Claimed  Status = "Claimed"
	Released Status = "Released"
	Expired  Status = "Expired"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool { return s != Pending && s != Claimed }

// Reservation is one hold on node capacity. Values
// returned from the ledger are copies; mutating them
// has no effect on the ledger.
type Reservation struct {
	Token           string     `json:"token"`
	NodeID          string     `json:"nodeId"`
	Resources       Resources  `json:"resources"`
	RequestedBy     string     `json:"requestedBy"`
	CorrelationID   string     `json:"correlationId,omitempty"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	ClaimedAt       *time.Time `json:"claimedAt,omitempty"`
	ReleasedAt      *time.Time `json:"releasedAt,omitempty"`
	ClaimedServerID string     `json:"claimedServerId,omitempty"`
}

// node is one ledger entry. Its mutex serializes every
// operation touching the node; operations on different
// nodes proceed in parallel. No lock is ever held
// across event publication.
type node struct {
	mu        sync.Mutex
	capacity  Resources
	reserved  Resources // sum of pending holds
	claimed   Resources // committed to running workloads
	accepting bool
	byToken   map[string]*Reservation
}

// Ledger tracks capacity for a set of nodes.
type Ledger struct {
	log    logrus.FieldLogger
	pub    Publisher
	maxTTL time.Duration
	sweep  time.Duration

	mu    sync.RWMutex
	nodes map[string]*node
	// token -> nodeID, so Claim/Release don't need
	// the node spelled out
	index map[string]string

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Ledger.
type Option func(l *Ledger)

// WithPublisher sets the event publisher.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.pub = p }
}

// WithMaxTTL overrides DefaultMaxTTL; values above
// HardMaxTTL are clamped.
func WithMaxTTL(d time.Duration) Option {
	return func(l *Ledger) { l.maxTTL = d }
}

// WithSweepInterval overrides how often stale
// reservations are expired. Zero disables the
// background sweeper (ExpireStale can still be
// called directly).
func WithSweepInterval(d time.Duration) Option {
	return func(l *Ledger) { l.sweep = d }
}

// WithLogger sets the diagnostic logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

// New creates a Ledger and starts its stale sweeper.
func New(opt ...Option) *Ledger {
	l := &Ledger{
		maxTTL: DefaultMaxTTL,
		sweep:  DefaultSweepInterval,
		nodes:  make(map[string]*node),
		index:  make(map[string]string),
		done:   make(chan struct{}),
	}
	for i := range opt {
		opt[i](l)
	}
	if l.log == nil {
		log := logrus.New()
		log.SetOutput(io.Discard)
		l.log = log
	}
	if l.maxTTL <= 0 || l.maxTTL > HardMaxTTL {
		l.maxTTL = HardMaxTTL
	}
	if l.sweep > 0 {
		go l.sweeper()
	}
	return l
}

// Stop halts the background sweeper. It does not
// release any reservations.
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *Ledger) sweeper() {
	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.ExpireStale(); n > 0 {
				l.log.Infof("expired %d stale reservations", n)
			}
		case <-l.done:
			return
		}
	}
}

// AddNode registers (or re-registers) a node with the
// given total capacity. Existing reservations survive a
// capacity update.
func (l *Ledger) AddNode(nodeID string, capacity Resources) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.nodes[nodeID]; ok {
		n.mu.Lock()
		n.capacity = capacity
		n.accepting = true
		n.mu.Unlock()
		return
	}
	l.nodes[nodeID] = &node{
		capacity:  capacity,
		accepting: true,
		byToken:   make(map[string]*Reservation),
	}
}

// SetAccepting marks a node as accepting (or draining).
// A draining node rejects new reservations but keeps
// serving claims and releases for existing ones.
func (l *Ledger) SetAccepting(nodeID string, ok bool) error {
	n := l.node(nodeID)
	if n == nil {
		return ErrUnknownNode
	}
	n.mu.Lock()
	n.accepting = ok
	n.mu.Unlock()
	return nil
}

func (l *Ledger) node(nodeID string) *node {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nodes[nodeID]
}

func (l *Ledger) lookup(token string) *node {
	l.mu.RLock()
	defer l.mu.RUnlock()
	nodeID, ok := l.index[token]
	if !ok {
		return nil
	}
	return l.nodes[nodeID]
}

// Reserve places a Pending hold of req on nodeID for
// ttl. The hold is granted only if every requested
// dimension fits under capacity minus claimed minus
// existing holds.
func (l *Ledger) Reserve(nodeID string, req Resources, requestedBy string, ttl time.Duration, correlationID string) (*Reservation, error) {
	if req.negative() {
		return nil, fmt.Errorf("reserve: negative resource request %+v", req)
	}
	if ttl <= 0 || ttl > l.maxTTL {
		return nil, fmt.Errorf("%w: %s not in (0, %s]", ErrInvalidTTL, ttl, l.maxTTL)
	}
	n := l.node(nodeID)
	if n == nil {
		return nil, ErrNodeNotAccepting
	}

	n.mu.Lock()
	if !n.accepting {
		n.mu.Unlock()
		return nil, ErrNodeNotAccepting
	}
	avail := n.capacity.minus(n.claimed).minus(n.reserved)
	if !avail.covers(req) {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: node %s has %+v available, want %+v", ErrInsufficientCapacity, nodeID, avail, req)
	}
	now := time.Now().UTC()
	res := &Reservation{
		Token:         uuid.NewString(),
		NodeID:        nodeID,
		Resources:     req,
		RequestedBy:   requestedBy,
		CorrelationID: correlationID,
		Status:        Pending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	n.reserved = n.reserved.plus(req)
	n.byToken[res.Token] = res
	out := *res
	n.mu.Unlock()

	l.mu.Lock()
	l.index[res.Token] = nodeID
	l.mu.Unlock()

	exp := out.ExpiresAt
	l.publish(Event{
		Kind:        EventReserved,
		Token:       out.Token,
		NodeID:      nodeID,
		Resources:   req,
		RequestedBy: requestedBy,
		At:          now,
		ExpiresAt:   &exp,
	})
	return &out, nil
}

// Claim binds a Pending, unexpired reservation to
// serverID, converting the hold into committed
// capacity.
func (l *Ledger) Claim(token, serverID string) (*Reservation, error) {
	n := l.lookup(token)
	if n == nil {
		return nil, ErrNotFound
	}
	n.mu.Lock()
	res, ok := n.byToken[token]
	if !ok {
		n.mu.Unlock()
		return nil, ErrNotFound
	}
	if res.Status != Pending {
		n.mu.Unlock()
		return nil, ErrNotPending
	}
	now := time.Now().UTC()
	if !res.ExpiresAt.After(now) {
		// lazily expire rather than hand out a hold
		// the sweeper is about to revoke
		ev := n.expireLocked(res, now)
		n.mu.Unlock()
		l.publish(ev)
		return nil, ErrExpired
	}
	res.Status = Claimed
	res.ClaimedAt = &now
	res.ClaimedServerID = serverID
	n.reserved = n.reserved.minus(res.Resources)
	n.claimed = n.claimed.plus(res.Resources)
	out := *res
	n.mu.Unlock()

	exp := out.ExpiresAt
	l.publish(Event{
		Kind:            EventClaimed,
		Token:           token,
		NodeID:          out.NodeID,
		Resources:       out.Resources,
		RequestedBy:     out.RequestedBy,
		ClaimedServerID: serverID,
		At:              now,
		ExpiresAt:       &exp,
	})
	return &out, nil
}

// Release frees a Pending or Claimed reservation.
// Terminal reservations report ErrAlreadyTerminal;
// release of a terminal hold is not a silent no-op.
func (l *Ledger) Release(token, reason string) error {
	n := l.lookup(token)
	if n == nil {
		return ErrNotFound
	}
	n.mu.Lock()
	res, ok := n.byToken[token]
	if !ok {
		n.mu.Unlock()
		return ErrNotFound
	}
	if res.Status.Terminal() {
		n.mu.Unlock()
		return ErrAlreadyTerminal
	}
	now := time.Now().UTC()
	switch res.Status {
	case Pending:
		n.reserved = n.reserved.minus(res.Resources)
	case Claimed:
		n.claimed = n.claimed.minus(res.Resources)
	}
	res.Status = Released
	res.ReleasedAt = &now
	out := *res
	n.mu.Unlock()

	l.publish(Event{
		Kind:            EventReleased,
		Token:           token,
		NodeID:          out.NodeID,
		Resources:       out.Resources,
		RequestedBy:     out.RequestedBy,
		ClaimedServerID: out.ClaimedServerID,
		Reason:          reason,
		At:              now,
	})
	return nil
}

// Get returns a copy of the reservation with the given
// token.
func (l *Ledger) Get(token string) (*Reservation, error) {
	n := l.lookup(token)
	if n == nil {
		return nil, ErrNotFound
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	res, ok := n.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	out := *res
	return &out, nil
}

// GetAvailable returns capacity minus committed
// capacity minus pending holds.
func (l *Ledger) GetAvailable(nodeID string) (Resources, error) {
	n := l.node(nodeID)
	if n == nil {
		return Resources{}, ErrUnknownNode
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.capacity.minus(n.claimed).minus(n.reserved), nil
}

// ListActive returns copies of every Pending and
// Claimed reservation on the node, oldest first.
func (l *Ledger) ListActive(nodeID string) ([]Reservation, error) {
	n := l.node(nodeID)
	if n == nil {
		return nil, ErrUnknownNode
	}
	n.mu.Lock()
	var out []Reservation
	for _, res := range n.byToken {
		if !res.Status.Terminal() {
			out = append(out, *res)
		}
	}
	n.mu.Unlock()
	slices.SortFunc(out, func(a, b Reservation) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out, nil
}

// expireLocked transitions a Pending reservation to
// Expired and frees its hold. Caller holds n.mu.
func (n *node) expireLocked(res *Reservation, now time.Time) Event {
	res.Status = Expired
	res.ReleasedAt = &now
	n.reserved = n.reserved.minus(res.Resources)
	exp := res.ExpiresAt
	return Event{
		Kind:        EventExpired,
		Token:       res.Token,
		NodeID:      res.NodeID,
		Resources:   res.Resources,
		RequestedBy: res.RequestedBy,
		At:          now,
		ExpiresAt:   &exp,
	}
}

// ExpireStale expires every Pending reservation whose
// expiry has passed and frees its capacity. It is
// idempotent and safe to call at any time; the
// background sweeper calls it once per interval.
func (l *Ledger) ExpireStale() int {
	l.mu.RLock()
	nodes := make([]*node, 0, len(l.nodes))
	for _, n := range l.nodes {
		nodes = append(nodes, n)
	}
	l.mu.RUnlock()

	now := time.Now().UTC()
	total := 0
	for _, n := range nodes {
		var evs []Event
		n.mu.Lock()
		for _, res := range n.byToken {
			if res.Status == Pending && !res.ExpiresAt.After(now) {
				evs = append(evs, n.expireLocked(res, now))
			}
		}
		n.mu.Unlock()
		// events go out after the critical section
		for i := range evs {
			l.publish(evs[i])
		}
		total += len(evs)
	}
	return total
}

func (l *Ledger) publish(ev Event) {
	if l.pub == nil {
		return
	}
	defer func() {
		if e := recover(); e != nil {
			l.log.Debugf("event publisher panicked on %s: %v", ev.Kind, e)
		}
	}()
	l.pub.Publish(ev)
}
