// Package registry tracks worker identity, onboarding, and queue membership.
// The registry owns worker connection state exclusively; task recovery on
// disconnect is the engine's job.
package registry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/soitun/effectai-engine/internal/domain"
	"github.com/soitun/effectai-engine/internal/infra/events"
	"github.com/soitun/effectai-engine/internal/infra/metrics"
	"github.com/soitun/effectai-engine/internal/infra/sqlite"
)

// Registry manages worker records and the round-robin dispatch queue.
// The queue holds only idle connected workers: NextEligible pops the head,
// MarkIdle appends to the tail, so rotation is deterministic and fair.
type Registry struct {
	mu                 sync.Mutex
	db                 *sqlite.DB
	bus                *events.Bus
	requireAccessCodes bool

	workers map[string]*domain.Worker
	queue   []string // peer ids of idle connected workers, dispatch order
}

// New creates a registry backed by the given store. Persisted workers are
// loaded as Disconnected: connection state never survives a restart.
func New(db *sqlite.DB, bus *events.Bus, requireAccessCodes bool) (*Registry, error) {
	r := &Registry{
		db:                 db,
		bus:                bus,
		requireAccessCodes: requireAccessCodes,
		workers:            make(map[string]*domain.Worker),
	}

	persisted, err := db.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	for i := range persisted {
		w := persisted[i]
		w.State = domain.WorkerDisconnected
		w.CurrentTaskID = ""
		r.workers[w.PeerID] = &w
	}
	return r, nil
}

// Onboard admits a worker. Nonces must strictly increase per peer; replaying
// the last accepted nonce is an idempotent no-op. When access codes are
// required the code is consumed on first success.
func (r *Registry) Onboard(peerID, recipient string, nonce uint64, accessCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.workers[peerID]
	if w != nil {
		if nonce == w.LastNonce {
			return nil // idempotent re-onboard
		}
		if nonce < w.LastNonce {
			return domain.ErrReplayedNonce
		}
		if w.State == domain.WorkerConnected || w.State == domain.WorkerBusy {
			return domain.ErrAlreadyOnboarded
		}
		// Fresh nonce on a disconnected record: reconnecting worker.
		w.Recipient = recipient
		w.LastNonce = nonce
		r.connectLocked(w)
		if err := r.db.PutWorker(*w); err != nil {
			return fmt.Errorf("persist worker: %w", err)
		}
		return nil
	}

	if r.requireAccessCodes {
		if accessCode == "" {
			return domain.ErrAccessCodesRequired
		}
		if err := r.db.ConsumeAccessCode(accessCode, peerID); err != nil {
			return err
		}
	}

	w = &domain.Worker{
		PeerID:    peerID,
		Recipient: recipient,
		State:     domain.WorkerRegistered,
		LastNonce: nonce,
	}
	r.workers[peerID] = w
	r.connectLocked(w)
	if err := r.db.PutWorker(*w); err != nil {
		return fmt.Errorf("persist worker: %w", err)
	}

	log.Printf("[registry] worker onboarded: %s", shortID(peerID))
	return nil
}

// GetWorker returns a copy of the worker record, or nil when unknown.
func (r *Registry) GetWorker(peerID string) *domain.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.workers[peerID]
	if w == nil {
		return nil
	}
	cp := *w
	return &cp
}

// IsRegistered reports whether the peer has ever onboarded.
func (r *Registry) IsRegistered(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[peerID] != nil
}

// Connect marks a known worker connected and queues it for dispatch.
// Fired by the transport; unknown peers are ignored until they onboard.
func (r *Registry) Connect(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.workers[peerID]
	if w == nil {
		return
	}
	r.connectLocked(w)
	if err := r.db.PutWorker(*w); err != nil {
		log.Printf("[registry] persist worker %s: %v", shortID(peerID), err)
	}
}

func (r *Registry) connectLocked(w *domain.Worker) {
	if w.State == domain.WorkerConnected || w.State == domain.WorkerBusy {
		return
	}
	w.State = domain.WorkerConnected
	w.ConnectedAt = time.Now()
	r.enqueueLocked(w.PeerID)
	metrics.WorkersConnected.Inc()
	r.bus.Publish(events.Event{Tag: events.TagWorkerConnected, Payload: w.PeerID})
}

// Disconnect removes the worker from the dispatch queue without deleting
// the durable record. Task recovery happens in the engine's sweep.
func (r *Registry) Disconnect(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.workers[peerID]
	if w == nil || w.State == domain.WorkerDisconnected {
		return
	}
	w.State = domain.WorkerDisconnected
	r.dequeueLocked(peerID)
	metrics.WorkersConnected.Dec()
	if err := r.db.PutWorker(*w); err != nil {
		log.Printf("[registry] persist worker %s: %v", shortID(peerID), err)
	}
	r.bus.Publish(events.Event{Tag: events.TagWorkerDisconnected, Payload: peerID})
}

// NextEligible pops the next idle connected worker from the queue head.
// The worker leaves the queue until MarkIdle re-appends it.
func (r *Registry) NextEligible() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.queue) > 0 {
		peerID := r.queue[0]
		r.queue = r.queue[1:]
		w := r.workers[peerID]
		if w != nil && w.IsEligible() {
			return peerID, true
		}
	}
	return "", false
}

// Requeue returns a popped worker to the tail without changing its state.
// Used when a dispatch candidate turns out to be excluded for a task.
func (r *Registry) Requeue(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.workers[peerID]
	if w != nil && w.IsEligible() {
		r.enqueueLocked(peerID)
	}
}

// MarkBusy binds a worker to a task. Called by the engine after an offer.
func (r *Registry) MarkBusy(peerID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.workers[peerID]
	if w == nil {
		return domain.ErrWorkerNotFound
	}
	w.State = domain.WorkerBusy
	w.CurrentTaskID = taskID
	r.dequeueLocked(peerID)
	return r.db.PutWorker(*w)
}

// MarkIdle releases a worker back to the tail of the dispatch queue.
func (r *Registry) MarkIdle(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.workers[peerID]
	if w == nil {
		return domain.ErrWorkerNotFound
	}
	w.CurrentTaskID = ""
	if w.State == domain.WorkerBusy {
		w.State = domain.WorkerConnected
	}
	if w.IsEligible() {
		r.enqueueLocked(peerID)
	}
	return r.db.PutWorker(*w)
}

// QueueLen returns the number of idle workers awaiting dispatch.
func (r *Registry) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// ConnectedPeers returns the peer ids of all connected or busy workers.
func (r *Registry) ConnectedPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var peers []string
	for id, w := range r.workers {
		if w.State == domain.WorkerConnected || w.State == domain.WorkerBusy {
			peers = append(peers, id)
		}
	}
	return peers
}

// ─── Internal ───────────────────────────────────────────────────────────────

func (r *Registry) enqueueLocked(peerID string) {
	for _, id := range r.queue {
		if id == peerID {
			return
		}
	}
	r.queue = append(r.queue, peerID)
}

func (r *Registry) dequeueLocked(peerID string) {
	for i, id := range r.queue {
		if id == peerID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

func shortID(peerID string) string {
	if len(peerID) > 16 {
		return peerID[:16]
	}
	return peerID
}
