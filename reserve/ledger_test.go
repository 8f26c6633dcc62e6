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

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLedger(t *testing.T, opt ...Option) *Ledger {
	t.Helper()
	// sweeping is driven explicitly in tests
	l := New(append([]Option{WithSweepInterval(0)}, opt...)...)
	t.Cleanup(l.Stop)
	return l
}

type recorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.evs))
	for i := range r.evs {
		out[i] = r.evs[i].Kind
	}
	return out
}

func TestReserveConcurrent(t *testing.T) {
	l := testLedger(t)
	l.AddNode("node-a", Resources{MemoryMb: 1000})

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Reserve("node-a", Resources{MemoryMb: 200}, "deploy", time.Minute, "")
		}(i)
	}
	wg.Wait()

	granted := 0
	for i := range errs {
		if errs[i] == nil {
			granted++
		} else if !errors.Is(errs[i], ErrInsufficientCapacity) {
			t.Errorf("worker %d: unexpected error %v", i, errs[i])
		}
	}
	if granted != 5 {
		t.Errorf("granted %d reservations, want 5", granted)
	}
	avail, err := l.GetAvailable("node-a")
	if err != nil {
		t.Fatal(err)
	}
	if avail.MemoryMb != 0 {
		t.Errorf("available %d MB, want 0", avail.MemoryMb)
	}
}

func TestReserveMultiDimension(t *testing.T) {
	l := testLedger(t)
	l.AddNode("node-a", Resources{MemoryMb: 1000, DiskMb: 100, CPUMillicores: 4000})

	// memory fits, disk does not
	_, err := l.Reserve("node-a", Resources{MemoryMb: 100, DiskMb: 200}, "deploy", time.Minute, "")
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("got %v, want ErrInsufficientCapacity", err)
	}
	// a failed reserve must not leak a partial hold
	avail, _ := l.GetAvailable("node-a")
	if avail != (Resources{MemoryMb: 1000, DiskMb: 100, CPUMillicores: 4000}) {
		t.Errorf("availability changed after rejected reserve: %+v", avail)
	}
}

func TestReserveValidation(t *testing.T) {
	l := testLedger(t)
	l.AddNode("node-a", Resources{MemoryMb: 1000})

	if _, err := l.Reserve("node-a", Resources{MemoryMb: 10}, "x", 0, ""); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("ttl 0: got %v", err)
	}
	if _, err := l.Reserve("node-a", Resources{MemoryMb: 10}, "x", 16*time.Minute, ""); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("ttl over max: got %v", err)
	}
	if _, err := l.Reserve("node-a", Resources{MemoryMb: -1}, "x", time.Minute, ""); err == nil {
		t.Error("negative request: want error")
	}
	if _, err := l.Reserve("nowhere", Resources{MemoryMb: 10}, "x", time.Minute, ""); !errors.Is(err, ErrNodeNotAccepting) {
		t.Errorf("unknown node: got %v", err)
	}
}

func TestDraining(t *testing.T) {
	l := testLedger(t)
	l.AddNode("node-a", Resources{MemoryMb: 1000})
	res, err := l.Reserve("node-a", Resources{MemoryMb: 100}, "x", time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SetAccepting("node-a", false); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reserve("node-a", Resources{MemoryMb: 100}, "x", time.Minute, ""); !errors.Is(err, ErrNodeNotAccepting) {
		t.Errorf("draining node accepted a reserve: %v", err)
	}
	// existing holds keep working while draining
	if _, err := l.Claim(res.Token, "srv-1"); err != nil {
		t.Errorf("claim on draining node: %v", err)
	}
	if err := l.Release(res.Token, "test"); err != nil {
		t.Errorf("release on draining node: %v", err)
	}
}

func TestClaimRelease(t *testing.T) {
	rec := new(recorder)
	l := testLedger(t, WithPublisher(rec))
	l.AddNode("node-a", Resources{MemoryMb: 1000, CPUMillicores: 4000})

	res, err := l.Reserve("node-a", Resources{MemoryMb: 400, CPUMillicores: 1000}, "deploy", time.Minute, "corr-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Pending {
		t.Fatalf("status %s, want Pending", res.Status)
	}

	claimed, err := l.Claim(res.Token, "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Status != Claimed || claimed.ClaimedServerID != "srv-1" || claimed.ClaimedAt == nil {
		t.Fatalf("bad claimed reservation: %+v", claimed)
	}
	// claiming moves the hold, not frees it
	avail, _ := l.GetAvailable("node-a")
	if avail.MemoryMb != 600 || avail.CPUMillicores != 3000 {
		t.Errorf("availability after claim: %+v", avail)
	}

	// double claim is rejected
	if _, err := l.Claim(res.Token, "srv-2"); !errors.Is(err, ErrNotPending) {
		t.Errorf("second claim: got %v", err)
	}

	if err := l.Release(res.Token, "server stopped"); err != nil {
		t.Fatal(err)
	}
	avail, _ = l.GetAvailable("node-a")
	if avail.MemoryMb != 1000 || avail.CPUMillicores != 4000 {
		t.Errorf("availability after release: %+v", avail)
	}

	// a reservation reaches exactly one terminal state
	if err := l.Release(res.Token, "again"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("double release: got %v", err)
	}
	if _, err := l.Claim(res.Token, "srv-3"); !errors.Is(err, ErrNotPending) {
		t.Errorf("claim after release: got %v", err)
	}

	want := []EventKind{EventReserved, EventClaimed, EventReleased}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events %v, want %v", got, want)
		}
	}
}

func TestReleasePending(t *testing.T) {
	l := testLedger(t)
	l.AddNode("node-a", Resources{MemoryMb: 100})
	res, err := l.Reserve("node-a", Resources{MemoryMb: 100}, "x", time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(res.Token, "cancelled"); err != nil {
		t.Fatal(err)
	}
	avail, _ := l.GetAvailable("node-a")
	if avail.MemoryMb != 100 {
		t.Errorf("availability %d, want 100", avail.MemoryMb)
	}
	got, err := l.Get(res.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != Released || got.ReleasedAt == nil {
		t.Errorf("status %s after release", got.Status)
	}
}

func TestExpiry(t *testing.T) {
	rec := new(recorder)
	l := testLedger(t, WithPublisher(rec))
	l.AddNode("node-a", Resources{MemoryMb: 100})

	res, err := l.Reserve("node-a", Resources{MemoryMb: 100}, "x", 10*time.Millisecond, "")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if n := l.ExpireStale(); n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	// idempotent
	if n := l.ExpireStale(); n != 0 {
		t.Fatalf("second sweep expired %d, want 0", n)
	}
	avail, _ := l.GetAvailable("node-a")
	if avail.MemoryMb != 100 {
		t.Errorf("capacity not restored: %+v", avail)
	}
	got, _ := l.Get(res.Token)
	if got.Status != Expired {
		t.Errorf("status %s, want Expired", got.Status)
	}
	if _, err := l.Claim(res.Token, "srv-1"); !errors.Is(err, ErrNotPending) {
		t.Errorf("claim after expiry: got %v", err)
	}
	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[1] != EventExpired {
		t.Errorf("events %v, want [CapacityReserved CapacityReservationExpired]", kinds)
	}
}

func TestClaimLazyExpiry(t *testing.T) {
	l := testLedger(t)
	l.AddNode("node-a", Resources{MemoryMb: 100})
	res, err := l.Reserve("node-a", Resources{MemoryMb: 100}, "x", 10*time.Millisecond, "")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	// the sweeper hasn't run yet; the claim itself
	// must notice the expiry
	if _, err := l.Claim(res.Token, "srv-1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
	avail, _ := l.GetAvailable("node-a")
	if avail.MemoryMb != 100 {
		t.Errorf("capacity not restored: %+v", avail)
	}
}

func TestClaimedSurvivesSweep(t *testing.T) {
	l := testLedger(t)
	l.AddNode("node-a", Resources{MemoryMb: 100})
	res, err := l.Reserve("node-a", Resources{MemoryMb: 100}, "x", 10*time.Millisecond, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Claim(res.Token, "srv-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	// expiry only applies to pending holds
	if n := l.ExpireStale(); n != 0 {
		t.Errorf("sweep expired %d claimed reservations", n)
	}
	got, _ := l.Get(res.Token)
	if got.Status != Claimed {
		t.Errorf("status %s, want Claimed", got.Status)
	}
}

func TestListActive(t *testing.T) {
	l := testLedger(t)
	l.AddNode("node-a", Resources{MemoryMb: 1000})

	var tokens []string
	for i := 0; i < 3; i++ {
		res, err := l.Reserve("node-a", Resources{MemoryMb: 100}, "x", time.Minute, "")
		if err != nil {
			t.Fatal(err)
		}
		tokens = append(tokens, res.Token)
		time.Sleep(time.Millisecond)
	}
	if _, err := l.Claim(tokens[1], "srv-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(tokens[2], "cancelled"); err != nil {
		t.Fatal(err)
	}

	active, err := l.ListActive("node-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("%d active reservations, want 2", len(active))
	}
	// oldest first
	if active[0].Token != tokens[0] || active[1].Token != tokens[1] {
		t.Errorf("order %s, %s; want %s, %s", active[0].Token, active[1].Token, tokens[0], tokens[1])
	}
	if active[1].Status != Claimed {
		t.Errorf("status %s, want Claimed", active[1].Status)
	}

	if _, err := l.ListActive("nowhere"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("unknown node: got %v", err)
	}
}

func TestEventSerialization(t *testing.T) {
	rec := new(recorder)
	l := testLedger(t, WithPublisher(rec))
	l.AddNode("node-a", Resources{MemoryMb: 100})
	res, err := l.Reserve("node-a", Resources{MemoryMb: 100}, "x", time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(res.Token, "done"); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.evs) != 2 {
		t.Fatalf("%d events, want 2", len(rec.evs))
	}
	reserved, err := json.Marshal(rec.evs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(reserved), `"expiresAt"`) {
		t.Errorf("reserved event has no expiry: %s", reserved)
	}
	// release has no expiry; no zero-valued timestamp
	// may leak into the serialized form
	released, err := json.Marshal(rec.evs[1])
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(released), "expiresAt") {
		t.Errorf("released event carries an expiry: %s", released)
	}
	if strings.Contains(string(released), "0001-01-01") {
		t.Errorf("zero timestamp in released event: %s", released)
	}
}

func TestSweeperRuns(t *testing.T) {
	l := New(WithSweepInterval(10 * time.Millisecond))
	defer l.Stop()
	l.AddNode("node-a", Resources{MemoryMb: 100})
	if _, err := l.Reserve("node-a", Resources{MemoryMb: 100}, "x", 5*time.Millisecond, ""); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		avail, _ := l.GetAvailable("node-a")
		if avail.MemoryMb == 100 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background sweeper never restored capacity")
}
