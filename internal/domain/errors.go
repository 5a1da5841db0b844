package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Onboarding errors
	ErrAlreadyOnboarded    = errors.New("worker already onboarded")
	ErrBadAccessCode       = errors.New("access code unknown or already consumed")
	ErrReplayedNonce       = errors.New("onboarding nonce replayed")
	ErrAccessCodesRequired = errors.New("onboarding requires an access code")
	ErrWorkerNotFound      = errors.New("worker not found")

	// Task errors
	ErrUnknownTemplate = errors.New("task references unknown template")
	ErrInvalidReward   = errors.New("task reward must be non-negative")
	ErrDuplicateTask   = errors.New("task id already exists")
	ErrTaskNotFound    = errors.New("task not found")
	ErrNotOffered      = errors.New("task is not in offered state")
	ErrNotAccepted     = errors.New("task is not in accepted state")
	ErrWrongWorker     = errors.New("task is assigned to a different worker")
	ErrDeadlinePassed  = errors.New("acceptance deadline has passed")

	// Payment errors
	ErrPaymentsDisabled    = errors.New("payments disabled: no payment account configured")
	ErrForbiddenRecipient  = errors.New("recipient does not match caller identity")
	ErrUnknownNonce        = errors.New("nonce has no payment record")
	ErrInconsistentSum     = errors.New("declared amount does not match accrued records")
	ErrBatchTooLarge       = errors.New("batch exceeds maximum payment batch size")
	ErrBadProof            = errors.New("proof verification failed")
	ErrRangeOverlap        = errors.New("proof ranges overlap or leave a gap")
	ErrAlreadySettled      = errors.New("payment record already settled")
	ErrDuplicatePayment    = errors.New("payment record already exists for nonce")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrDuplicateTemplate   = errors.New("template id already exists")
	ErrDuplicateAccessCode = errors.New("access code already exists")

	// Lifecycle errors
	ErrManagerStopped = errors.New("manager is stopping, new work refused")
	ErrCancelled      = errors.New("operation cancelled by shutdown")
)

// ─── Error Kinds ────────────────────────────────────────────────────────────
// Kinds are the wire-level classification sent to peers and the HTTP surface.

const (
	KindInvalidArgument = "InvalidArgument"
	KindNotFound        = "NotFound"
	KindConflict        = "Conflict"
	KindForbidden       = "Forbidden"
	KindDeadlinePassed  = "DeadlinePassed"
	KindReplay          = "Replay"
	KindProofInvalid    = "ProofInvalid"
	KindStoreError      = "StoreError"
	KindTransportError  = "TransportError"
	KindCancelled       = "Cancelled"
)

// Kind maps an error to its wire-level kind. Unrecognized errors are
// classified as store errors since those are the only unwrapped failures
// that escape the core.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidReward),
		errors.Is(err, ErrAccessCodesRequired),
		errors.Is(err, ErrBatchTooLarge),
		errors.Is(err, ErrInconsistentSum):
		return KindInvalidArgument
	case errors.Is(err, ErrUnknownTemplate),
		errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrWorkerNotFound),
		errors.Is(err, ErrTemplateNotFound),
		errors.Is(err, ErrUnknownNonce):
		return KindNotFound
	case errors.Is(err, ErrAlreadyOnboarded),
		errors.Is(err, ErrDuplicateTask),
		errors.Is(err, ErrDuplicateTemplate),
		errors.Is(err, ErrDuplicateAccessCode),
		errors.Is(err, ErrNotOffered),
		errors.Is(err, ErrNotAccepted),
		errors.Is(err, ErrAlreadySettled),
		errors.Is(err, ErrDuplicatePayment),
		errors.Is(err, ErrRangeOverlap),
		errors.Is(err, ErrManagerStopped),
		errors.Is(err, ErrPaymentsDisabled):
		return KindConflict
	case errors.Is(err, ErrWrongWorker),
		errors.Is(err, ErrForbiddenRecipient),
		errors.Is(err, ErrBadAccessCode):
		return KindForbidden
	case errors.Is(err, ErrDeadlinePassed):
		return KindDeadlinePassed
	case errors.Is(err, ErrReplayedNonce):
		return KindReplay
	case errors.Is(err, ErrBadProof):
		return KindProofInvalid
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindStoreError
	}
}
