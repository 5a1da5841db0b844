package payments

import (
	"fmt"
	"log"
	"math/big"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	rapidtypes "github.com/iden3/go-rapidsnark/types"
	"github.com/iden3/go-rapidsnark/verifier"

	"github.com/soitun/effectai-engine/internal/domain"
	"github.com/soitun/effectai-engine/internal/infra/events"
	"github.com/soitun/effectai-engine/internal/infra/metrics"
	"github.com/soitun/effectai-engine/internal/infra/sqlite"
)

// misbehaveThreshold is how many failed proof verifications a peer gets
// before it is disconnected for the session.
const misbehaveThreshold = 3

// Config holds ledger tunables.
type Config struct {
	BatchSize       int           // max records a proof request may span
	PaymentAccount  string        // settlement address; empty disables payments
	VerificationKey []byte        // Groth16 verification key JSON; nil disables bulk proofs
	Verifier        ProofVerifier // defaults to Groth16VerifyProof
}

// ProofVerifier checks one proof against a verification key. Swappable so
// tests can exercise settlement logic without a trusted setup.
type ProofVerifier func(proof ProofBundle, verificationKey []byte) error

// Groth16VerifyProof is the production verifier.
func Groth16VerifyProof(p ProofBundle, verificationKey []byte) error {
	return verifier.VerifyGroth16(rapidtypes.ZKProof{
		Proof:      &p.Proof,
		PubSignals: p.PubSignals,
	}, verificationKey)
}

// SignedAuthorization authorizes settlement of one contiguous batch.
type SignedAuthorization struct {
	Recipient string `json:"recipient"`
	MinNonce  uint64 `json:"minNonce"`
	MaxNonce  uint64 `json:"maxNonce"`
	Amount    int64  `json:"amount"`
	Signature string `json:"signature"` // compressed EdDSA sig, hex
	PublicKey string `json:"publicKey"` // manager's compressed key, hex
}

// ProofBundle is one Groth16 proof with its public signals, as submitted by
// a worker. Signal order: [minNonce, maxNonce, amount, recipient].
type ProofBundle struct {
	Proof      rapidtypes.ProofData `json:"proof"`
	PubSignals []string             `json:"pubSignals"`
}

// Ledger owns payment record creation. All mutations serialize through one
// mutex; proof verification is CPU-bound and runs outside it on a bounded
// worker pool.
type Ledger struct {
	mu     sync.Mutex
	config Config
	db     *sqlite.DB
	bus    *events.Bus
	signer *Signer

	wake       chan struct{}
	verifySlot chan struct{} // semaphore bounding concurrent verifications

	failMu      sync.Mutex
	failCounts  map[string]int
	onMisbehave func(peerID string)
}

// New creates the ledger.
func New(cfg Config, db *sqlite.DB, bus *events.Bus, signer *Signer) *Ledger {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Verifier == nil {
		cfg.Verifier = Groth16VerifyProof
	}
	slots := runtime.NumCPU()
	if slots < 1 {
		slots = 1
	}
	return &Ledger{
		config:     cfg,
		db:         db,
		bus:        bus,
		signer:     signer,
		wake:       make(chan struct{}, 1),
		verifySlot: make(chan struct{}, slots),
		failCounts: make(map[string]int),
	}
}

// Enabled reports whether payment accrual is active.
func (l *Ledger) Enabled() bool { return l.config.PaymentAccount != "" }

// SetMisbehaveHandler wires the transport hook that drops a peer after
// repeated bad proofs.
func (l *Ledger) SetMisbehaveHandler(fn func(peerID string)) {
	l.onMisbehave = fn
}

// Wake pokes the outbox drain. Safe to call from any goroutine; coalesces.
func (l *Ledger) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains the accrual outbox until the channel-driven loop is stopped.
// Replays unprocessed accruals first so restarts never lose a completion.
func (l *Ledger) Run(stop <-chan struct{}) {
	l.drainOutbox()
	for {
		select {
		case <-stop:
			return
		case <-l.wake:
			l.drainOutbox()
		}
	}
}

func (l *Ledger) drainOutbox() {
	pending, err := l.db.PendingAccruals()
	if err != nil {
		log.Printf("[payments] read outbox: %v", err)
		return
	}
	for _, a := range pending {
		if _, err := l.Accrue(a.Recipient, a.Amount); err != nil {
			log.Printf("[payments] accrue for task %s: %v", a.TaskID, err)
			continue
		}
		if err := l.db.MarkAccrualDone(a.ID); err != nil {
			log.Printf("[payments] mark accrual done: %v", err)
		}
	}
}

// ─── Accrual ────────────────────────────────────────────────────────────────

// Accrue allocates the next nonce for the recipient and persists the record.
// Nonces are strictly increasing with no gaps.
func (l *Ledger) Accrue(recipient string, amount int64) (*domain.PaymentRecord, error) {
	if !l.Enabled() {
		log.Printf("[payments] disabled, dropping accrual of %d for %s", amount, shortID(recipient))
		return nil, domain.ErrPaymentsDisabled
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.db.NextNonce(recipient)
	if err != nil {
		return nil, fmt.Errorf("next nonce: %w", err)
	}
	rec := domain.PaymentRecord{
		Nonce:     nonce,
		Recipient: recipient,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	if err := l.db.InsertPayment(rec); err != nil {
		return nil, fmt.Errorf("persist payment: %w", err)
	}

	metrics.PaymentsAccrued.Inc()
	metrics.PaymentsAccruedAmount.Add(float64(amount))
	l.bus.Publish(events.Event{Tag: events.TagPaymentCreated, Payload: rec})
	return &rec, nil
}

// ─── Proof requests ─────────────────────────────────────────────────────────

// PaymentRef identifies one claimed record in a proof request. Amounts are
// informational only; the ledger re-derives sums from its own records.
type PaymentRef struct {
	Recipient string `json:"recipient"`
	Nonce     uint64 `json:"nonce"`
	Amount    int64  `json:"amount"`
}

// ProcessProofRequest forms a batch over the caller's claimed records and
// signs a payout authorization. The caller's peer key must equal the
// recipient of the first record.
func (l *Ledger) ProcessProofRequest(callerPeerID string, payments []PaymentRef) (*SignedAuthorization, error) {
	if len(payments) == 0 {
		return nil, domain.ErrUnknownNonce
	}
	if payments[0].Recipient != callerPeerID {
		return nil, domain.ErrForbiddenRecipient
	}
	if len(payments) > l.config.BatchSize {
		return nil, domain.ErrBatchTooLarge
	}

	recipient := payments[0].Recipient
	minNonce, maxNonce := payments[0].Nonce, payments[0].Nonce
	for _, p := range payments {
		if p.Recipient != recipient {
			return nil, domain.ErrForbiddenRecipient
		}
		if p.Nonce < minNonce {
			minNonce = p.Nonce
		}
		if p.Nonce > maxNonce {
			maxNonce = p.Nonce
		}
	}
	if maxNonce-minNonce+1 > uint64(l.config.BatchSize) {
		return nil, domain.ErrBatchTooLarge
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch, err := l.deriveBatchLocked(recipient, minNonce, maxNonce)
	if err != nil {
		return nil, err
	}
	return l.signBatchLocked(batch)
}

// deriveBatchLocked sums the ledger's own records over [minNonce, maxNonce],
// requiring every nonce in the range to exist.
func (l *Ledger) deriveBatchLocked(recipient string, minNonce, maxNonce uint64) (domain.PaymentBatch, error) {
	recs, err := l.db.PaymentsInRange(recipient, minNonce, maxNonce)
	if err != nil {
		return domain.PaymentBatch{}, fmt.Errorf("load payments: %w", err)
	}
	if uint64(len(recs)) != maxNonce-minNonce+1 {
		return domain.PaymentBatch{}, domain.ErrUnknownNonce
	}
	var total int64
	for _, r := range recs {
		total += r.Amount
	}
	return domain.PaymentBatch{
		Recipient: recipient,
		MinNonce:  minNonce,
		MaxNonce:  maxNonce,
		Amount:    total,
	}, nil
}

func (l *Ledger) signBatchLocked(batch domain.PaymentBatch) (*SignedAuthorization, error) {
	sig, err := l.signer.SignBatch(batch.Recipient, batch.MinNonce, batch.MaxNonce, batch.Amount)
	if err != nil {
		return nil, fmt.Errorf("sign batch: %w", err)
	}
	return &SignedAuthorization{
		Recipient: batch.Recipient,
		MinNonce:  batch.MinNonce,
		MaxNonce:  batch.MaxNonce,
		Amount:    batch.Amount,
		Signature: sig,
		PublicKey: l.signer.PublicKeyHex(),
	}, nil
}

// ─── Bulk proofs ────────────────────────────────────────────────────────────

// BulkAuthorization aggregates the settlement of several proved batches.
type BulkAuthorization struct {
	Recipient string                `json:"recipient"`
	Batches   []domain.PaymentBatch `json:"batches"`
	Total     SignedAuthorization   `json:"total"`
}

// parsedProof is a proof bundle's decoded public signals.
type parsedProof struct {
	minNonce  uint64
	maxNonce  uint64
	amount    int64
	recipient *big.Int
}

// BulkPaymentProofs verifies a set of Groth16 proofs over disjoint nonce
// ranges, requires them to continue contiguously from the last settled
// nonce, marks the covered records settled, and returns an aggregated
// signed authorization.
func (l *Ledger) BulkPaymentProofs(callerPeerID, recipient string, proofs []ProofBundle) (*BulkAuthorization, error) {
	if recipient != callerPeerID {
		l.recordFailure(callerPeerID)
		return nil, domain.ErrForbiddenRecipient
	}
	if len(proofs) == 0 {
		return nil, domain.ErrBadProof
	}
	if l.config.VerificationKey == nil {
		return nil, fmt.Errorf("no verification key configured: %w", domain.ErrBadProof)
	}

	recipientField, err := recipientToField(recipient)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrBadProof)
	}

	// Verify every proof before touching ledger state. CPU-bound, so it
	// runs on the bounded pool outside the ledger mutex.
	parsed := make([]parsedProof, len(proofs))
	var wg sync.WaitGroup
	errs := make([]error, len(proofs))
	for i := range proofs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.verifySlot <- struct{}{}
			defer func() { <-l.verifySlot }()
			parsed[i], errs[i] = l.verifyOne(proofs[i], recipientField)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			l.recordFailure(callerPeerID)
			metrics.ProofsRejected.Inc()
			return nil, err
		}
	}

	sort.Slice(parsed, func(i, j int) bool { return parsed[i].minNonce < parsed[j].minNonce })

	l.mu.Lock()
	defer l.mu.Unlock()

	// Ranges must be disjoint and contiguous from the last settled nonce.
	next := uint64(0)
	if last, ok, err := l.db.LastSettledNonce(recipient); err != nil {
		return nil, fmt.Errorf("last settled nonce: %w", err)
	} else if ok {
		next = last + 1
	}
	for _, p := range parsed {
		if p.minNonce != next {
			return nil, domain.ErrRangeOverlap
		}
		if p.maxNonce < p.minNonce {
			return nil, domain.ErrRangeOverlap
		}
		next = p.maxNonce + 1
	}

	// Sum fidelity: each proved amount must equal the accrued sum.
	batches := make([]domain.PaymentBatch, 0, len(parsed))
	for _, p := range parsed {
		batch, err := l.deriveBatchLocked(recipient, p.minNonce, p.maxNonce)
		if err != nil {
			return nil, err
		}
		if batch.Amount != p.amount {
			l.recordFailure(callerPeerID)
			return nil, domain.ErrInconsistentSum
		}
		batches = append(batches, batch)
	}

	// All checks passed: settle.
	var total int64
	for _, b := range batches {
		recs, err := l.db.PaymentsInRange(recipient, b.MinNonce, b.MaxNonce)
		if err != nil {
			return nil, fmt.Errorf("load payments: %w", err)
		}
		for _, r := range recs {
			r.Settled = true
			if err := l.db.UpdatePayment(r); err != nil {
				return nil, fmt.Errorf("mark settled: %w", err)
			}
		}
		total += b.Amount
	}

	auth, err := l.signBatchLocked(domain.PaymentBatch{
		Recipient: recipient,
		MinNonce:  batches[0].MinNonce,
		MaxNonce:  batches[len(batches)-1].MaxNonce,
		Amount:    total,
	})
	if err != nil {
		return nil, err
	}
	return &BulkAuthorization{
		Recipient: recipient,
		Batches:   batches,
		Total:     *auth,
	}, nil
}

// verifyOne checks one Groth16 proof and decodes its public signals.
func (l *Ledger) verifyOne(p ProofBundle, recipientField *big.Int) (parsedProof, error) {
	if len(p.PubSignals) != 4 {
		return parsedProof{}, domain.ErrBadProof
	}

	start := time.Now()
	err := l.config.Verifier(p, l.config.VerificationKey)
	metrics.ProofVerifyLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return parsedProof{}, fmt.Errorf("%v: %w", err, domain.ErrBadProof)
	}

	minNonce, err1 := strconv.ParseUint(p.PubSignals[0], 10, 64)
	maxNonce, err2 := strconv.ParseUint(p.PubSignals[1], 10, 64)
	amount, err3 := strconv.ParseInt(p.PubSignals[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return parsedProof{}, domain.ErrBadProof
	}
	claimed, ok := new(big.Int).SetString(p.PubSignals[3], 10)
	if !ok || claimed.Cmp(recipientField) != 0 {
		return parsedProof{}, domain.ErrBadProof
	}

	return parsedProof{
		minNonce:  minNonce,
		maxNonce:  maxNonce,
		amount:    amount,
		recipient: claimed,
	}, nil
}

// ─── Payouts ────────────────────────────────────────────────────────────────

// ProcessPayoutRequest flushes the peer's current unsettled batch: derives
// it from stored records, signs an authorization, and marks the records
// settled. Administrative trigger for test and manual flows.
func (l *Ledger) ProcessPayoutRequest(recipient string) (*SignedAuthorization, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.db.PaymentsForRecipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("load payments: %w", err)
	}
	var unsettled []domain.PaymentRecord
	for _, r := range recs {
		if !r.Settled {
			unsettled = append(unsettled, r)
		}
	}
	if len(unsettled) == 0 {
		return nil, domain.ErrUnknownNonce
	}
	if len(unsettled) > l.config.BatchSize {
		unsettled = unsettled[:l.config.BatchSize]
	}

	batch := domain.PaymentBatch{
		Recipient: recipient,
		MinNonce:  unsettled[0].Nonce,
		MaxNonce:  unsettled[len(unsettled)-1].Nonce,
	}
	for i := range unsettled {
		batch.Amount += unsettled[i].Amount
		unsettled[i].Settled = true
		if err := l.db.UpdatePayment(unsettled[i]); err != nil {
			return nil, fmt.Errorf("mark settled: %w", err)
		}
	}
	return l.signBatchLocked(batch)
}

// Records returns a copy of the recipient's payment records.
func (l *Ledger) Records(recipient string) ([]domain.PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.PaymentsForRecipient(recipient)
}

// ─── Misbehavior tracking ───────────────────────────────────────────────────

func (l *Ledger) recordFailure(peerID string) {
	l.failMu.Lock()
	l.failCounts[peerID]++
	count := l.failCounts[peerID]
	l.failMu.Unlock()

	if count >= misbehaveThreshold && l.onMisbehave != nil {
		log.Printf("[payments] peer %s exceeded proof failure threshold, disconnecting", shortID(peerID))
		l.onMisbehave(peerID)
	}
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
