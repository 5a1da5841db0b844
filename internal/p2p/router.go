package p2p

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/soitun/effectai-engine/internal/domain"
	"github.com/soitun/effectai-engine/internal/infra/sqlite"
	"github.com/soitun/effectai-engine/internal/payments"
	"github.com/soitun/effectai-engine/internal/registry"
	"github.com/soitun/effectai-engine/internal/tasks"
)

// Identity supplies the Manager-side fields of the identify response.
type Identity struct {
	PeerID             string
	Version            string
	RequireAccessCodes bool
	PaymentPublicKey   string
}

// Router decodes typed messages, dispatches them into the core, and
// encodes the reply. Every inbound frame carries the sender's verified
// peer id from the transport; the router rejects payloads that reference
// a different peer.
type Router struct {
	identity Identity
	registry *registry.Registry
	engine   *tasks.Engine
	ledger   *payments.Ledger
	db       *sqlite.DB
}

// NewRouter creates a message router.
func NewRouter(identity Identity, reg *registry.Registry, engine *tasks.Engine, ledger *payments.Ledger, db *sqlite.DB) *Router {
	return &Router{
		identity: identity,
		registry: reg,
		engine:   engine,
		ledger:   ledger,
		db:       db,
	}
}

// Handle routes one inbound frame and returns the reply frame.
func (r *Router) Handle(peerID string, env Envelope) Envelope {
	switch env.Type {
	case MsgIdentifyRequest:
		return r.handleIdentify(peerID)
	case MsgRequestToWork:
		return r.handleRequestToWork(peerID, env.Payload)
	case MsgTask:
		return r.handleTask(peerID, env.Payload)
	case MsgTaskAccepted:
		return r.handleTaskAccepted(peerID, env.Payload)
	case MsgTaskCompleted:
		return r.handleTaskCompleted(peerID, env.Payload)
	case MsgTaskRejected:
		return r.handleTaskRejected(peerID, env.Payload)
	case MsgProofRequest:
		return r.handleProofRequest(peerID, env.Payload)
	case MsgBulkProofRequest:
		return r.handleBulkProofRequest(peerID, env.Payload)
	case MsgPayoutRequest:
		return r.handlePayoutRequest(peerID)
	case MsgTemplateRequest:
		return r.handleTemplateRequest(env.Payload)
	default:
		return errorReply(fmt.Errorf("unknown message type %q", env.Type), domain.KindInvalidArgument)
	}
}

func (r *Router) handleIdentify(peerID string) Envelope {
	return NewEnvelope(MsgIdentifyResponse, IdentifyResponse{
		PeerID:             r.identity.PeerID,
		Version:            r.identity.Version,
		Protocol:           ProtocolVersion,
		RequireAccessCodes: r.identity.RequireAccessCodes,
		Registered:         r.registry.IsRegistered(peerID),
		PublicKey:          r.identity.PaymentPublicKey,
	})
}

func (r *Router) handleRequestToWork(peerID string, payload json.RawMessage) Envelope {
	var req RequestToWork
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorReply(err, domain.KindInvalidArgument)
	}
	if err := r.registry.Onboard(peerID, req.Recipient, req.Nonce, req.AccessCode); err != nil {
		return kindReply(err)
	}
	return NewEnvelope(MsgAck, nil)
}

func (r *Router) handleTask(peerID string, payload json.RawMessage) Envelope {
	var t domain.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return errorReply(err, domain.KindInvalidArgument)
	}
	if err := r.engine.CreateTask(t, peerID); err != nil {
		return kindReply(err)
	}
	return NewEnvelope(MsgAck, nil)
}

func (r *Router) handleTaskAccepted(peerID string, payload json.RawMessage) Envelope {
	var req TaskAccepted
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorReply(err, domain.KindInvalidArgument)
	}
	if err := r.engine.ProcessTaskAcception(req.TaskID, peerID); err != nil {
		return kindReply(err)
	}
	return NewEnvelope(MsgAck, nil)
}

func (r *Router) handleTaskCompleted(peerID string, payload json.RawMessage) Envelope {
	var req TaskCompleted
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorReply(err, domain.KindInvalidArgument)
	}
	if err := r.engine.ProcessTaskSubmission(req.TaskID, peerID, req.Result); err != nil {
		return kindReply(err)
	}
	return NewEnvelope(MsgAck, nil)
}

func (r *Router) handleTaskRejected(peerID string, payload json.RawMessage) Envelope {
	var req TaskRejected
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorReply(err, domain.KindInvalidArgument)
	}
	if err := r.engine.ProcessTaskRejection(req.TaskID, peerID, req.Reason); err != nil {
		return kindReply(err)
	}
	return NewEnvelope(MsgAck, nil)
}

func (r *Router) handleProofRequest(peerID string, payload json.RawMessage) Envelope {
	var req ProofRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorReply(err, domain.KindInvalidArgument)
	}
	auth, err := r.ledger.ProcessProofRequest(peerID, req.Payments)
	if err != nil {
		return kindReply(err)
	}
	return NewEnvelope(MsgProofResponse, auth)
}

func (r *Router) handleBulkProofRequest(peerID string, payload json.RawMessage) Envelope {
	var req BulkProofRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorReply(err, domain.KindInvalidArgument)
	}
	auth, err := r.ledger.BulkPaymentProofs(peerID, req.Recipient, req.Proofs)
	if err != nil {
		return kindReply(err)
	}
	return NewEnvelope(MsgBulkProofResponse, auth)
}

func (r *Router) handlePayoutRequest(peerID string) Envelope {
	w := r.registry.GetWorker(peerID)
	if w == nil {
		return kindReply(domain.ErrWorkerNotFound)
	}
	auth, err := r.ledger.ProcessPayoutRequest(w.Recipient)
	if err != nil {
		return kindReply(err)
	}
	return NewEnvelope(MsgPayoutResponse, auth)
}

func (r *Router) handleTemplateRequest(payload json.RawMessage) Envelope {
	var req TemplateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorReply(err, domain.KindInvalidArgument)
	}
	tpl, err := r.db.GetTemplate(req.TemplateID)
	if err != nil {
		return kindReply(err)
	}
	if tpl == nil {
		return kindReply(domain.ErrTemplateNotFound)
	}
	return NewEnvelope(MsgTemplateResponse, tpl)
}

// ─── Reply helpers ──────────────────────────────────────────────────────────

func kindReply(err error) Envelope {
	kind := domain.Kind(err)
	if kind == domain.KindStoreError {
		// Store internals stay server-side.
		log.Printf("[p2p] internal error: %v", err)
		return NewEnvelope(MsgError, ErrorReply{Kind: kind, Error: "internal store error"})
	}
	return NewEnvelope(MsgError, ErrorReply{Kind: kind, Error: err.Error()})
}

func errorReply(err error, kind string) Envelope {
	return NewEnvelope(MsgError, ErrorReply{Kind: kind, Error: err.Error()})
}
