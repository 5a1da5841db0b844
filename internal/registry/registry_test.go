package registry

import (
	"errors"
	"testing"

	"github.com/soitun/effectai-engine/internal/domain"
	"github.com/soitun/effectai-engine/internal/infra/events"
	"github.com/soitun/effectai-engine/internal/infra/sqlite"
)

func newTestRegistry(t *testing.T, requireAccessCodes bool) (*Registry, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	r, err := New(db, events.NewBus(16), requireAccessCodes)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return r, db
}

// ─── Onboarding ─────────────────────────────────────────────────────────────

func TestOnboard(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	if err := r.Onboard("peer-1", "recip-1", 1, ""); err != nil {
		t.Fatalf("Onboard() error: %v", err)
	}

	w := r.GetWorker("peer-1")
	if w == nil {
		t.Fatal("worker not found after onboarding")
	}
	if w.State != domain.WorkerConnected {
		t.Errorf("state = %s, want CONNECTED", w.State)
	}
	if r.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", r.QueueLen())
	}
}

func TestOnboardIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	r.Onboard("peer-1", "recip-1", 5, "")

	// Same nonce: Ok without state change even while connected.
	if err := r.Onboard("peer-1", "recip-1", 5, ""); err != nil {
		t.Errorf("idempotent re-onboard error: %v", err)
	}
	if r.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", r.QueueLen())
	}
}

func TestOnboardReplayedNonce(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	r.Onboard("peer-1", "recip-1", 5, "")
	r.Disconnect("peer-1")

	if err := r.Onboard("peer-1", "recip-1", 3, ""); !errors.Is(err, domain.ErrReplayedNonce) {
		t.Errorf("Onboard(lower nonce) = %v, want ErrReplayedNonce", err)
	}
}

func TestOnboardWhileConnected(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	r.Onboard("peer-1", "recip-1", 1, "")

	if err := r.Onboard("peer-1", "recip-1", 2, ""); !errors.Is(err, domain.ErrAlreadyOnboarded) {
		t.Errorf("Onboard(fresh nonce, live session) = %v, want ErrAlreadyOnboarded", err)
	}
}

func TestReOnboardAfterDisconnect(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	r.Onboard("peer-1", "recip-1", 1, "")
	r.Disconnect("peer-1")

	if err := r.Onboard("peer-1", "recip-2", 2, ""); err != nil {
		t.Fatalf("re-onboard error: %v", err)
	}
	w := r.GetWorker("peer-1")
	if w.State != domain.WorkerConnected || w.Recipient != "recip-2" {
		t.Errorf("worker after re-onboard = %+v", w)
	}
}

func TestOnboardAccessCodes(t *testing.T) {
	r, db := newTestRegistry(t, true)

	if err := r.Onboard("peer-1", "recip-1", 1, ""); !errors.Is(err, domain.ErrAccessCodesRequired) {
		t.Errorf("Onboard(no code) = %v, want ErrAccessCodesRequired", err)
	}
	if err := r.Onboard("peer-1", "recip-1", 1, "bogus"); !errors.Is(err, domain.ErrBadAccessCode) {
		t.Errorf("Onboard(bad code) = %v, want ErrBadAccessCode", err)
	}

	db.AddAccessCode("golden-ticket")
	if err := r.Onboard("peer-1", "recip-1", 1, "golden-ticket"); err != nil {
		t.Fatalf("Onboard(valid code) error: %v", err)
	}

	// Code is consumed: a second worker cannot reuse it.
	if err := r.Onboard("peer-2", "recip-2", 1, "golden-ticket"); !errors.Is(err, domain.ErrBadAccessCode) {
		t.Errorf("Onboard(consumed code) = %v, want ErrBadAccessCode", err)
	}
}

// ─── Queue rotation ─────────────────────────────────────────────────────────

func TestNextEligibleRoundRobin(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	for i, peer := range []string{"w1", "w2", "w3"} {
		r.Onboard(peer, "r", uint64(i+1), "")
	}

	var order []string
	for i := 0; i < 3; i++ {
		peer, ok := r.NextEligible()
		if !ok {
			t.Fatalf("NextEligible() empty at %d", i)
		}
		order = append(order, peer)
		r.MarkBusy(peer, "t")
		r.MarkIdle(peer)
	}
	want := []string{"w1", "w2", "w3"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("rotation order = %v, want %v", order, want)
			break
		}
	}

	// After a full rotation the queue starts over at w1.
	peer, _ := r.NextEligible()
	if peer != "w1" {
		t.Errorf("after rotation NextEligible() = %s, want w1", peer)
	}
}

func TestNextEligibleSkipsBusy(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	r.Onboard("w1", "r", 1, "")
	r.Onboard("w2", "r", 1, "")

	peer, _ := r.NextEligible()
	r.MarkBusy(peer, "t1")

	next, ok := r.NextEligible()
	if !ok || next == peer {
		t.Errorf("NextEligible() = %s, %v; busy worker must not be returned", next, ok)
	}
	if _, ok := r.NextEligible(); ok {
		t.Error("NextEligible() on empty queue should report false")
	}
}

func TestDisconnectRemovesFromQueue(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	r.Onboard("w1", "r", 1, "")
	r.Disconnect("w1")

	if _, ok := r.NextEligible(); ok {
		t.Error("disconnected worker still eligible")
	}
	w := r.GetWorker("w1")
	if w == nil {
		t.Fatal("durable record deleted on disconnect")
	}
	if w.State != domain.WorkerDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", w.State)
	}
}

func TestMarkIdleReturnsToTail(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	r.Onboard("w1", "r", 1, "")
	r.Onboard("w2", "r", 1, "")

	peer, _ := r.NextEligible() // w1
	r.MarkBusy(peer, "t1")
	r.MarkIdle(peer)

	first, _ := r.NextEligible()
	if first != "w2" {
		t.Errorf("NextEligible() after idle = %s, want w2 (w1 moved to tail)", first)
	}
}

// ─── Persistence ────────────────────────────────────────────────────────────

func TestWorkersLoadDisconnected(t *testing.T) {
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	r1, _ := New(db, events.NewBus(16), false)
	r1.Onboard("w1", "r", 1, "")
	db.Close()

	db2, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db2.Close()

	r2, err := New(db2, events.NewBus(16), false)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	w := r2.GetWorker("w1")
	if w == nil {
		t.Fatal("worker record lost across restart")
	}
	if w.State != domain.WorkerDisconnected {
		t.Errorf("state after restart = %s, want DISCONNECTED", w.State)
	}
	if w.LastNonce != 1 {
		t.Errorf("last nonce after restart = %d, want 1", w.LastNonce)
	}
}
