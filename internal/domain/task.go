// Package domain holds the Manager's core types.
// A Task is a unit of marketplace work that flows through the node:
// create → offer → accept → submit → complete → accrue payment.
package domain

import (
	"encoding/json"
	"time"
)

// TaskState tracks the task lifecycle.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskOffered   TaskState = "OFFERED"
	TaskAccepted  TaskState = "ACCEPTED"
	TaskCompleted TaskState = "COMPLETED"
	TaskRejected  TaskState = "REJECTED"
	TaskExpired   TaskState = "EXPIRED"
)

// EventType classifies task event log entries.
type EventType string

const (
	EventCreated    EventType = "created"
	EventOffered    EventType = "offered"
	EventAccepted   EventType = "accepted"
	EventRejected   EventType = "rejected"
	EventSubmission EventType = "submission"
	EventCompleted  EventType = "completed"
	EventExpired    EventType = "expired"
)

// TaskEvent is one append-only entry in a task's event log.
// Timestamps are non-decreasing within a single task.
type TaskEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Payload   string    `json:"payload,omitempty"`
}

// Task is a unit of work posted by a provider and executed by a worker.
type Task struct {
	ID             string    `json:"taskId"`
	TemplateID     string    `json:"templateId"`
	Title          string    `json:"title"`
	Reward         int64     `json:"reward"`
	ProviderPeerID string    `json:"providerPeerId"`
	Payload        string    `json:"payload,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`

	State                TaskState   `json:"state"`
	AssignedWorkerPeerID string      `json:"assignedWorkerPeerId,omitempty"`
	OfferedAt            time.Time   `json:"offeredAt,omitempty"`
	Deadline             time.Time   `json:"deadline,omitempty"`
	Events               []TaskEvent `json:"events"`
}

// IsTerminal returns true once the task can no longer be dispatched.
func (t *Task) IsTerminal() bool {
	return t.State == TaskCompleted
}

// AppendEvent adds an entry to the event log, clamping the timestamp so the
// log stays monotonic even if the wall clock steps backwards.
func (t *Task) AppendEvent(typ EventType, actor, payload string) {
	ts := time.Now()
	if n := len(t.Events); n > 0 && ts.Before(t.Events[n-1].Timestamp) {
		ts = t.Events[n-1].Timestamp
	}
	t.Events = append(t.Events, TaskEvent{
		Type:      typ,
		Timestamp: ts,
		Actor:     actor,
		Payload:   payload,
	})
}

// Result returns the payload of the most recent submission event,
// or false if the task has no submission yet.
func (t *Task) Result() (string, bool) {
	for i := len(t.Events) - 1; i >= 0; i-- {
		if t.Events[i].Type == EventSubmission {
			return t.Events[i].Payload, true
		}
	}
	return "", false
}

// ResultJSON parses the latest submission payload as JSON, falling back to
// the raw string when the payload is not valid JSON.
func (t *Task) ResultJSON() any {
	raw, ok := t.Result()
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// Template describes a class of tasks. Immutable after registration.
type Template struct {
	TemplateID string    `json:"templateId"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	Schema     string    `json:"schema,omitempty"`
}
