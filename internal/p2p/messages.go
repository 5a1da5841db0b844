// Package p2p implements the Manager's peer-facing transport: a WebSocket
// server with framed typed messages, peer identity established by an
// Ed25519 challenge handshake, and a router dispatching frames onto the
// core subsystems.
package p2p

import (
	"encoding/json"

	"github.com/soitun/effectai-engine/internal/payments"
)

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 1

// Message types. Inbound requests are answered with "<type>Response",
// MsgAck, or MsgError.
const (
	MsgChallenge = "challenge"
	MsgHello     = "hello"

	MsgIdentifyRequest  = "identifyRequest"
	MsgIdentifyResponse = "identifyResponse"

	MsgRequestToWork = "requestToWork"
	MsgTask          = "task"
	MsgTaskOffer     = "taskOffer"
	MsgTaskAccepted  = "taskAccepted"
	MsgTaskCompleted = "taskCompleted"
	MsgTaskRejected  = "taskRejected"

	MsgProofRequest      = "proofRequest"
	MsgBulkProofRequest  = "bulkProofRequest"
	MsgPayoutRequest     = "payoutRequest"
	MsgTemplateRequest   = "templateRequest"
	MsgTemplateResponse  = "templateResponse"
	MsgProofResponse     = "proofResponse"
	MsgBulkProofResponse = "bulkProofResponse"
	MsgPayoutResponse    = "payoutResponse"

	MsgAck   = "ack"
	MsgError = "error"
)

// Envelope is the wire frame: a message type and an opaque payload.
type Envelope struct {
	Type    string          `json:"messageType"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Marshal failures collapse
// to an empty payload; the payload types here cannot fail to encode.
func NewEnvelope(msgType string, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{Type: msgType, Payload: raw}
}

// ─── Handshake ──────────────────────────────────────────────────────────────

// Challenge is the server's first frame on a new connection.
type Challenge struct {
	Challenge string `json:"challenge"`
}

// Hello is the peer's reply: its public key and a signature over the
// challenge. The verified key hex becomes the peer id.
type Hello struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// ─── Requests ───────────────────────────────────────────────────────────────

// RequestToWork asks to onboard as a worker.
type RequestToWork struct {
	Recipient  string `json:"recipient"`
	Nonce      uint64 `json:"nonce"`
	AccessCode string `json:"accessCode,omitempty"`
}

// TaskAccepted acknowledges an offer.
type TaskAccepted struct {
	TaskID string `json:"taskId"`
}

// TaskCompleted submits a result for an accepted task.
type TaskCompleted struct {
	TaskID string `json:"taskId"`
	Result string `json:"result"`
}

// TaskRejected declines an offer.
type TaskRejected struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// ProofRequest asks for a signed authorization over claimed records.
type ProofRequest struct {
	Payments []payments.PaymentRef `json:"payments"`
}

// BulkProofRequest submits Groth16 proofs for settlement.
type BulkProofRequest struct {
	Recipient string                 `json:"recipient"`
	Proofs    []payments.ProofBundle `json:"proofs"`
}

// TemplateRequest reads a registered template.
type TemplateRequest struct {
	TemplateID string `json:"templateId"`
}

// ─── Responses ──────────────────────────────────────────────────────────────

// IdentifyResponse describes the Manager to a connecting peer.
type IdentifyResponse struct {
	PeerID             string `json:"peerId"`
	Version            string `json:"version"`
	Protocol           int    `json:"protocol"`
	RequireAccessCodes bool   `json:"requireAccessCodes"`
	Registered         bool   `json:"registered"`
	PublicKey          string `json:"publicKey"` // payment signing key, compressed hex
}

// ErrorReply is the typed error frame.
type ErrorReply struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}
