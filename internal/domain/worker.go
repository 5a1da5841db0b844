package domain

import "time"

// WorkerState tracks a worker's connection lifecycle.
type WorkerState string

const (
	WorkerUnknown      WorkerState = "UNKNOWN"
	WorkerRegistered   WorkerState = "REGISTERED"
	WorkerConnected    WorkerState = "CONNECTED"
	WorkerBusy         WorkerState = "BUSY"
	WorkerDisconnected WorkerState = "DISCONNECTED"
)

// Worker is a remote peer that executes tasks. The durable record survives
// disconnects so re-onboarding is idempotent.
type Worker struct {
	PeerID        string      `json:"peerId"`
	Recipient     string      `json:"recipient"` // 32-byte payout address, hex
	State         WorkerState `json:"state"`
	CurrentTaskID string      `json:"currentTaskId,omitempty"`
	ConnectedAt   time.Time   `json:"connectedAt,omitempty"`
	LastNonce     uint64      `json:"lastNonce"` // highest onboarding nonce accepted
}

// IsEligible reports whether the worker can receive an offer.
func (w *Worker) IsEligible() bool {
	return w.State == WorkerConnected
}
