// Package tasks implements the Manager's task lifecycle state machine and
// dispatch algorithm: admit → offer → accept/reject/expire → complete.
//
// The engine owns task state exclusively. All transitions happen under one
// mutex and are persisted before they become observable; a store failure
// aborts the transition and leaves the in-memory state untouched.
package tasks

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soitun/effectai-engine/internal/domain"
	"github.com/soitun/effectai-engine/internal/infra/events"
	"github.com/soitun/effectai-engine/internal/infra/metrics"
	"github.com/soitun/effectai-engine/internal/infra/sqlite"
	"github.com/soitun/effectai-engine/internal/registry"
)

// rejectionCooldown is how many cycles a rejecting worker stays excluded
// from re-offers of the same task.
const rejectionCooldown = 3

const managerActor = "manager"

// OfferSender delivers a task offer to a worker over the transport.
type OfferSender interface {
	SendOffer(peerID string, task domain.Task) error
}

// Accruer is poked whenever a new accrual lands in the outbox.
type Accruer interface {
	Wake()
}

// Config holds engine tunables.
type Config struct {
	AcceptanceTime time.Duration // how long a task may stay offered
}

// DefaultConfig returns production engine defaults.
func DefaultConfig() Config {
	return Config{AcceptanceTime: 30 * time.Second}
}

// Engine is the task lifecycle state machine.
type Engine struct {
	mu       sync.Mutex
	config   Config
	db       *sqlite.DB
	bus      *events.Bus
	registry *registry.Registry
	sender   OfferSender
	accruer  Accruer

	tasks     map[string]*domain.Task
	pending   []string                     // task ids awaiting dispatch, FIFO
	blacklist map[string]map[string]uint64 // taskID → peerID → expiry cycle
	cycle     uint64
	stopped   bool
}

// New creates an engine and loads persisted tasks. Tasks left Offered or
// Accepted by a previous run re-enter the pending queue on the first sweep,
// since no worker connection survives a restart.
func New(cfg Config, db *sqlite.DB, bus *events.Bus, reg *registry.Registry) (*Engine, error) {
	e := &Engine{
		config:    cfg,
		db:        db,
		bus:       bus,
		registry:  reg,
		tasks:     make(map[string]*domain.Task),
		blacklist: make(map[string]map[string]uint64),
	}

	persisted, err := db.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	for i := range persisted {
		t := persisted[i]
		e.tasks[t.ID] = &t
		if t.State == domain.TaskPending {
			e.pending = append(e.pending, t.ID)
		}
	}
	metrics.TasksPending.Set(float64(len(e.pending)))
	return e, nil
}

// SetSender wires the transport used for offers. Must be called before the
// first dispatch.
func (e *Engine) SetSender(s OfferSender) { e.sender = s }

// SetAccruer wires the payment ledger's outbox wake-up.
func (e *Engine) SetAccruer(a Accruer) { e.accruer = a }

// RefuseNew makes the engine reject task creation; part of graceful stop.
func (e *Engine) RefuseNew() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

// ─── Admission ──────────────────────────────────────────────────────────────

// CreateTask admits a task, persists it Pending, and attempts a dispatch.
// An empty id gets a generated one.
func (e *Engine) CreateTask(t domain.Task, providerPeerID string) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return domain.ErrManagerStopped
	}
	if t.Reward < 0 {
		e.mu.Unlock()
		return domain.ErrInvalidReward
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := e.tasks[t.ID]; exists {
		e.mu.Unlock()
		return domain.ErrDuplicateTask
	}

	tpl, err := e.db.GetTemplate(t.TemplateID)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("lookup template: %w", err)
	}
	if tpl == nil {
		e.mu.Unlock()
		return domain.ErrUnknownTemplate
	}

	t.ProviderPeerID = providerPeerID
	t.CreatedAt = time.Now()
	t.State = domain.TaskPending
	t.AssignedWorkerPeerID = ""
	t.Events = nil
	t.AppendEvent(domain.EventCreated, providerPeerID, "")

	if err := e.db.PutTask(t); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("persist task: %w", err)
	}
	e.tasks[t.ID] = &t
	e.pending = append(e.pending, t.ID)
	metrics.TasksCreated.Inc()
	metrics.TasksPending.Set(float64(len(e.pending)))
	e.mu.Unlock()

	e.bus.Publish(events.Event{Tag: events.TagTaskCreated, Payload: t.ID})
	e.Dispatch()
	return nil
}

// RegisterTemplate persists an immutable task template.
func (e *Engine) RegisterTemplate(tpl domain.Template, providerPeerID string) (string, error) {
	if tpl.TemplateID == "" {
		tpl.TemplateID = uuid.NewString()
	}
	tpl.CreatedAt = time.Now()
	if err := e.db.PutTemplate(tpl); err != nil {
		return "", err
	}
	log.Printf("[tasks] template %s registered by %s", tpl.TemplateID, providerPeerID)
	return tpl.TemplateID, nil
}

// ─── Dispatch ───────────────────────────────────────────────────────────────

// Dispatch pairs pending tasks with eligible workers until either side
// empties. Runs on every cycle tick, on task arrival, and when a worker
// becomes idle.
func (e *Engine) Dispatch() {
	for e.dispatchOne() {
	}
}

// dispatchOne offers at most one task. Returns false when nothing more can
// be dispatched right now.
func (e *Engine) dispatchOne() bool {
	e.mu.Lock()

	if e.sender == nil || len(e.pending) == 0 {
		e.mu.Unlock()
		return false
	}

	taskID := e.pending[0]
	t := e.tasks[taskID]
	if t == nil || t.State != domain.TaskPending {
		// Stale queue entry; drop it.
		e.pending = e.pending[1:]
		metrics.TasksPending.Set(float64(len(e.pending)))
		e.mu.Unlock()
		return true
	}

	worker, ok := e.nextWorkerForLocked(taskID)
	if !ok {
		e.mu.Unlock()
		return false
	}
	e.pending = e.pending[1:]
	metrics.TasksPending.Set(float64(len(e.pending)))

	// Stage the transition on a copy, persist durably, then mark and send.
	prev := *t
	prevEvents := append([]domain.TaskEvent(nil), t.Events...)

	t.State = domain.TaskOffered
	t.AssignedWorkerPeerID = worker
	t.OfferedAt = time.Now()
	t.Deadline = t.OfferedAt.Add(e.config.AcceptanceTime)
	t.AppendEvent(domain.EventOffered, managerActor, worker)

	if err := e.db.PutTask(*t); err != nil {
		log.Printf("[tasks] persist offer of %s: %v", t.ID, err)
		*t = prev
		t.Events = prevEvents
		e.pending = append([]string{taskID}, e.pending...)
		metrics.TasksPending.Set(float64(len(e.pending)))
		e.registry.Requeue(worker)
		e.mu.Unlock()
		return false
	}

	if err := e.registry.MarkBusy(worker, t.ID); err != nil {
		log.Printf("[tasks] mark busy %s: %v", shortID(worker), err)
	}
	offered := *t
	e.mu.Unlock()

	if err := e.sender.SendOffer(worker, offered); err != nil {
		// Transport failure: roll the task back to Pending, idle the worker.
		log.Printf("[tasks] offer %s to %s failed: %v", offered.ID, shortID(worker), err)
		e.mu.Lock()
		t := e.tasks[taskID]
		if t != nil && t.State == domain.TaskOffered && t.AssignedWorkerPeerID == worker {
			*t = prev
			t.Events = prevEvents
			if err := e.db.PutTask(*t); err != nil {
				log.Printf("[tasks] persist rollback of %s: %v", t.ID, err)
			}
			e.pending = append(e.pending, taskID)
			metrics.TasksPending.Set(float64(len(e.pending)))
		}
		e.mu.Unlock()
		if err := e.registry.MarkIdle(worker); err != nil {
			log.Printf("[tasks] mark idle %s: %v", shortID(worker), err)
		}
		// Stop this dispatch round; the next tick retries.
		return false
	}

	metrics.TasksOffered.Inc()
	e.bus.Publish(events.Event{Tag: events.TagTaskOffered, Payload: offered.ID})
	return true
}

// nextWorkerForLocked rotates through eligible workers, skipping any the
// task has blacklisted. Skipped workers return to the queue tail.
func (e *Engine) nextWorkerForLocked(taskID string) (string, bool) {
	var skipped []string
	defer func() {
		for _, id := range skipped {
			e.registry.Requeue(id)
		}
	}()

	// Bounded by queue length: every pop either matches or lands in skipped.
	for attempts := e.registry.QueueLen(); attempts > 0; attempts-- {
		worker, ok := e.registry.NextEligible()
		if !ok {
			return "", false
		}
		if e.isBlacklistedLocked(taskID, worker) {
			skipped = append(skipped, worker)
			continue
		}
		return worker, true
	}
	return "", false
}

// ─── Worker responses ───────────────────────────────────────────────────────

// ProcessTaskAcception transitions Offered → Accepted for the assigned worker.
func (e *Engine) ProcessTaskAcception(taskID, workerPeerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.tasks[taskID]
	if t == nil {
		return domain.ErrTaskNotFound
	}
	if t.State != domain.TaskOffered {
		if t.State == domain.TaskAccepted {
			return domain.ErrWrongWorker // second accept claim loses
		}
		return domain.ErrNotOffered
	}
	if t.AssignedWorkerPeerID != workerPeerID {
		return domain.ErrWrongWorker
	}
	if time.Now().After(t.Deadline) {
		return domain.ErrDeadlinePassed
	}

	prevEvents := append([]domain.TaskEvent(nil), t.Events...)
	prevState := t.State
	t.State = domain.TaskAccepted
	t.AppendEvent(domain.EventAccepted, workerPeerID, "")
	if err := e.db.PutTask(*t); err != nil {
		t.State = prevState
		t.Events = prevEvents
		return fmt.Errorf("persist acceptance: %w", err)
	}
	return nil
}

// ProcessTaskRejection records a rejection and returns the task to Pending
// with the rejecter excluded for a few cycles.
func (e *Engine) ProcessTaskRejection(taskID, workerPeerID, reason string) error {
	e.mu.Lock()

	t := e.tasks[taskID]
	if t == nil {
		e.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if t.State != domain.TaskOffered && t.State != domain.TaskAccepted {
		e.mu.Unlock()
		return domain.ErrNotOffered
	}
	if t.AssignedWorkerPeerID != workerPeerID {
		e.mu.Unlock()
		return domain.ErrWrongWorker
	}

	prevEvents := append([]domain.TaskEvent(nil), t.Events...)
	prevState := t.State
	prevWorker := t.AssignedWorkerPeerID
	t.AppendEvent(domain.EventRejected, workerPeerID, reason)
	t.State = domain.TaskPending
	t.AssignedWorkerPeerID = ""
	if err := e.db.PutTask(*t); err != nil {
		t.State = prevState
		t.AssignedWorkerPeerID = prevWorker
		t.Events = prevEvents
		e.mu.Unlock()
		return fmt.Errorf("persist rejection: %w", err)
	}

	if e.blacklist[taskID] == nil {
		e.blacklist[taskID] = make(map[string]uint64)
	}
	e.blacklist[taskID][workerPeerID] = e.cycle + rejectionCooldown
	e.pending = append(e.pending, taskID)
	metrics.TasksPending.Set(float64(len(e.pending)))
	e.mu.Unlock()

	if err := e.registry.MarkIdle(workerPeerID); err != nil {
		log.Printf("[tasks] mark idle %s: %v", shortID(workerPeerID), err)
	}
	e.Dispatch()
	return nil
}

// ProcessTaskSubmission transitions Accepted → Completed, records the
// result, and durably enqueues the payment accrual (outbox pattern).
func (e *Engine) ProcessTaskSubmission(taskID, workerPeerID, result string) error {
	e.mu.Lock()

	t := e.tasks[taskID]
	if t == nil {
		e.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if t.State != domain.TaskAccepted {
		e.mu.Unlock()
		return domain.ErrNotAccepted
	}
	if t.AssignedWorkerPeerID != workerPeerID {
		e.mu.Unlock()
		return domain.ErrWrongWorker
	}

	prevEvents := append([]domain.TaskEvent(nil), t.Events...)
	prevState := t.State
	t.AppendEvent(domain.EventSubmission, workerPeerID, result)
	t.AppendEvent(domain.EventCompleted, managerActor, "")
	t.State = domain.TaskCompleted
	if err := e.db.PutTask(*t); err != nil {
		t.State = prevState
		t.Events = prevEvents
		e.mu.Unlock()
		return fmt.Errorf("persist submission: %w", err)
	}

	// Task transition is durable; enqueue the accrual after it so a crash
	// between the two never pays for an incomplete task.
	reward := t.Reward
	e.mu.Unlock()

	if w := e.registry.GetWorker(workerPeerID); w != nil && reward > 0 {
		if _, err := e.db.EnqueueAccrual(taskID, w.Recipient, reward); err != nil {
			log.Printf("[tasks] enqueue accrual for %s: %v", taskID, err)
		} else if e.accruer != nil {
			e.accruer.Wake()
		}
	}

	if err := e.registry.MarkIdle(workerPeerID); err != nil {
		log.Printf("[tasks] mark idle %s: %v", shortID(workerPeerID), err)
	}
	metrics.TasksCompleted.Inc()
	e.bus.Publish(events.Event{Tag: events.TagTaskCompleted, Payload: taskID})
	e.Dispatch()
	return nil
}

// ─── Timeout sweep ──────────────────────────────────────────────────────────

// Sweep expires overdue offers and recovers tasks held by disconnected
// workers. Runs once per cycle tick before dispatch.
func (e *Engine) Sweep(cycle uint64) {
	e.mu.Lock()
	e.cycle = cycle
	e.pruneBlacklistLocked(cycle)

	now := time.Now()
	type recovery struct {
		taskID string
		worker string
		reason string
	}
	var recovered []recovery

	for _, t := range e.tasks {
		switch t.State {
		case domain.TaskOffered:
			if now.After(t.Deadline) {
				recovered = append(recovered, recovery{t.ID, t.AssignedWorkerPeerID, "timeout"})
				continue
			}
			if w := e.registry.GetWorker(t.AssignedWorkerPeerID); w == nil || !connected(w) {
				recovered = append(recovered, recovery{t.ID, t.AssignedWorkerPeerID, "disconnect"})
			}
		case domain.TaskAccepted:
			if w := e.registry.GetWorker(t.AssignedWorkerPeerID); w == nil || !connected(w) {
				recovered = append(recovered, recovery{t.ID, t.AssignedWorkerPeerID, "disconnect"})
			}
		}
	}

	for _, r := range recovered {
		t := e.tasks[r.taskID]
		prevEvents := append([]domain.TaskEvent(nil), t.Events...)
		prevState := t.State
		prevWorker := t.AssignedWorkerPeerID
		t.AppendEvent(domain.EventExpired, managerActor, r.reason)
		t.State = domain.TaskPending
		t.AssignedWorkerPeerID = ""
		if err := e.db.PutTask(*t); err != nil {
			log.Printf("[tasks] persist expiry of %s: %v", t.ID, err)
			t.State = prevState
			t.AssignedWorkerPeerID = prevWorker
			t.Events = prevEvents
			continue
		}
		e.pending = append(e.pending, t.ID)
		metrics.TasksExpired.WithLabelValues(r.reason).Inc()
	}
	metrics.TasksPending.Set(float64(len(e.pending)))
	e.mu.Unlock()

	for _, r := range recovered {
		if r.worker != "" {
			if err := e.registry.MarkIdle(r.worker); err != nil {
				log.Printf("[tasks] mark idle %s: %v", shortID(r.worker), err)
			}
		}
		e.bus.Publish(events.Event{Tag: events.TagTaskExpired, Payload: r.taskID})
	}
}

func (e *Engine) pruneBlacklistLocked(cycle uint64) {
	for taskID, peers := range e.blacklist {
		for peerID, expiry := range peers {
			if cycle >= expiry {
				delete(peers, peerID)
			}
		}
		if len(peers) == 0 {
			delete(e.blacklist, taskID)
		}
	}
}

func (e *Engine) isBlacklistedLocked(taskID, peerID string) bool {
	peers := e.blacklist[taskID]
	if peers == nil {
		return false
	}
	expiry, ok := peers[peerID]
	return ok && e.cycle < expiry
}

// ─── Read models ────────────────────────────────────────────────────────────

// GetTask returns a copy of a task, or nil.
func (e *Engine) GetTask(taskID string) *domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.tasks[taskID]
	if t == nil {
		return nil
	}
	cp := *t
	cp.Events = append([]domain.TaskEvent(nil), t.Events...)
	return &cp
}

// GetCompletedTasks returns completed tasks ordered by creation time.
func (e *Engine) GetCompletedTasks(offset, limit int) []domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	var completed []domain.Task
	for _, t := range e.tasks {
		if t.State == domain.TaskCompleted {
			completed = append(completed, *t)
		}
	}
	sortTasksByCreation(completed)

	if offset >= len(completed) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(completed) {
		end = len(completed)
	}
	return completed[offset:end]
}

// TaskSummary is the admin read model for template task listings.
type TaskSummary struct {
	TaskID     string `json:"taskId"`
	TemplateID string `json:"templateId"`
	Title      string `json:"title"`
	Result     any    `json:"result"`
}

// TasksByTemplate returns summaries of all tasks under a template. Result is
// the JSON-parsed payload of the latest submission, or null.
func (e *Engine) TasksByTemplate(templateID string) []TaskSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []TaskSummary
	var all []domain.Task
	for _, t := range e.tasks {
		if t.TemplateID == templateID {
			all = append(all, *t)
		}
	}
	sortTasksByCreation(all)
	for i := range all {
		out = append(out, TaskSummary{
			TaskID:     all[i].ID,
			TemplateID: all[i].TemplateID,
			Title:      all[i].Title,
			Result:     all[i].ResultJSON(),
		})
	}
	return out
}

// PendingCount returns the dispatch backlog size.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ActiveAccepted returns how many tasks are currently accepted and
// in-flight. Used by the control loop's graceful drain.
func (e *Engine) ActiveAccepted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.tasks {
		if t.State == domain.TaskAccepted {
			n++
		}
	}
	return n
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func connected(w *domain.Worker) bool {
	return w.State == domain.WorkerConnected || w.State == domain.WorkerBusy
}

func sortTasksByCreation(ts []domain.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

func shortID(peerID string) string {
	if len(peerID) > 16 {
		return peerID[:16]
	}
	return peerID
}
