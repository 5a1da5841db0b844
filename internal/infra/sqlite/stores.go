package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/soitun/effectai-engine/internal/domain"
)

// Key layout. Nonces are zero-padded so lexicographic key order matches
// numeric nonce order within a recipient.
func taskKey(id string) string           { return "task/" + id }
func workerKey(peerID string) string     { return "worker/" + peerID }
func templateKey(id string) string       { return "template/" + id }
func accessCodeKey(code string) string   { return "accesscode/" + code }
func paymentPrefix(recipient string) string {
	return "payment/" + recipient + "/"
}
func paymentKey(recipient string, nonce uint64) string {
	return fmt.Sprintf("payment/%s/%020d", recipient, nonce)
}

// ─── Task Store ─────────────────────────────────────────────────────────────

// PutTask persists a task, including its event log.
func (d *DB) PutTask(t domain.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return d.put(taskKey(t.ID), string(raw))
}

// GetTask returns a task by id, or nil when absent.
func (d *DB) GetTask(id string) (*domain.Task, error) {
	raw, ok, err := d.get(taskKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// ListTasks returns every persisted task in key order.
func (d *DB) ListTasks() ([]domain.Task, error) {
	values, err := d.scanPrefix("task/")
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(values))
	for _, v := range values {
		var t domain.Task
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ─── Worker Store ───────────────────────────────────────────────────────────

// PutWorker persists a worker record.
func (d *DB) PutWorker(w domain.Worker) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker %s: %w", w.PeerID, err)
	}
	return d.put(workerKey(w.PeerID), string(raw))
}

// GetWorker returns a worker by peer id, or nil when absent.
func (d *DB) GetWorker(peerID string) (*domain.Worker, error) {
	raw, ok, err := d.get(workerKey(peerID))
	if err != nil || !ok {
		return nil, err
	}
	var w domain.Worker
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("unmarshal worker %s: %w", peerID, err)
	}
	return &w, nil
}

// ListWorkers returns every persisted worker record.
func (d *DB) ListWorkers() ([]domain.Worker, error) {
	values, err := d.scanPrefix("worker/")
	if err != nil {
		return nil, err
	}
	workers := make([]domain.Worker, 0, len(values))
	for _, v := range values {
		var w domain.Worker
		if err := json.Unmarshal([]byte(v), &w); err != nil {
			return nil, fmt.Errorf("unmarshal worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// ─── Payment Store ──────────────────────────────────────────────────────────

// InsertPayment persists a new payment record. Fails if a record already
// exists for (recipient, nonce).
func (d *DB) InsertPayment(rec domain.PaymentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	if err := d.insert(paymentKey(rec.Recipient, rec.Nonce), string(raw)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.ErrDuplicatePayment
		}
		return err
	}
	return nil
}

// UpdatePayment overwrites an existing payment record (used to mark settled).
func (d *DB) UpdatePayment(rec domain.PaymentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	return d.put(paymentKey(rec.Recipient, rec.Nonce), string(raw))
}

// PaymentsForRecipient returns all of a recipient's records in nonce order.
func (d *DB) PaymentsForRecipient(recipient string) ([]domain.PaymentRecord, error) {
	values, err := d.scanPrefix(paymentPrefix(recipient))
	if err != nil {
		return nil, err
	}
	recs := make([]domain.PaymentRecord, 0, len(values))
	for _, v := range values {
		var r domain.PaymentRecord
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("unmarshal payment: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// PaymentsInRange returns the recipient's records with minNonce <= nonce <= maxNonce.
func (d *DB) PaymentsInRange(recipient string, minNonce, maxNonce uint64) ([]domain.PaymentRecord, error) {
	all, err := d.PaymentsForRecipient(recipient)
	if err != nil {
		return nil, err
	}
	var recs []domain.PaymentRecord
	for _, r := range all {
		if r.Nonce >= minNonce && r.Nonce <= maxNonce {
			recs = append(recs, r)
		}
	}
	return recs, nil
}

// NextNonce returns the next unused nonce for a recipient (0 when none).
func (d *DB) NextNonce(recipient string) (uint64, error) {
	recs, err := d.PaymentsForRecipient(recipient)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return recs[len(recs)-1].Nonce + 1, nil
}

// LastSettledNonce returns the highest settled nonce for a recipient.
// The second return is false when nothing is settled yet.
func (d *DB) LastSettledNonce(recipient string) (uint64, bool, error) {
	recs, err := d.PaymentsForRecipient(recipient)
	if err != nil {
		return 0, false, err
	}
	var last uint64
	found := false
	for _, r := range recs {
		if r.Settled {
			last = r.Nonce
			found = true
		}
	}
	return last, found, nil
}

// ─── Template Store ─────────────────────────────────────────────────────────

// PutTemplate persists a template. Templates are immutable, so an existing
// id is a conflict.
func (d *DB) PutTemplate(t domain.Template) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template %s: %w", t.TemplateID, err)
	}
	if err := d.insert(templateKey(t.TemplateID), string(raw)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.ErrDuplicateTemplate
		}
		return err
	}
	return nil
}

// GetTemplate returns a template by id, or nil when absent.
func (d *DB) GetTemplate(id string) (*domain.Template, error) {
	raw, ok, err := d.get(templateKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var t domain.Template
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal template %s: %w", id, err)
	}
	return &t, nil
}

// ─── Access Codes ───────────────────────────────────────────────────────────

type accessCode struct {
	Code       string    `json:"code"`
	Consumed   bool      `json:"consumed"`
	ConsumedBy string    `json:"consumedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AddAccessCode whitelists a single-use onboarding code.
func (d *DB) AddAccessCode(code string) error {
	raw, _ := json.Marshal(accessCode{Code: code, CreatedAt: time.Now()})
	if err := d.insert(accessCodeKey(code), string(raw)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.ErrDuplicateAccessCode
		}
		return err
	}
	return nil
}

// ConsumeAccessCode marks a code consumed by peerID. Returns
// ErrBadAccessCode when the code is unknown or already used.
func (d *DB) ConsumeAccessCode(code, peerID string) error {
	raw, ok, err := d.get(accessCodeKey(code))
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrBadAccessCode
	}
	var ac accessCode
	if err := json.Unmarshal([]byte(raw), &ac); err != nil {
		return fmt.Errorf("unmarshal access code: %w", err)
	}
	if ac.Consumed {
		return domain.ErrBadAccessCode
	}
	ac.Consumed = true
	ac.ConsumedBy = peerID
	out, _ := json.Marshal(ac)
	return d.put(accessCodeKey(code), string(out))
}

// ─── Accrual Outbox ─────────────────────────────────────────────────────────

// Accrual is one pending payment accrual recorded durably before the
// ledger processes it.
type Accrual struct {
	ID        int64
	TaskID    string
	Recipient string
	Amount    int64
	CreatedAt time.Time
}

// EnqueueAccrual records a completion's payment obligation.
func (d *DB) EnqueueAccrual(taskID, recipient string, amount int64) (int64, error) {
	res, err := d.db.Exec(
		`INSERT INTO outbox (task_id, recipient, amount, created_at) VALUES (?, ?, ?, ?)`,
		taskID, recipient, amount, time.Now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingAccruals returns unprocessed outbox rows in insertion order.
func (d *DB) PendingAccruals() ([]Accrual, error) {
	rows, err := d.db.Query(
		`SELECT id, task_id, recipient, amount, created_at FROM outbox WHERE done = 0 ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accruals []Accrual
	for rows.Next() {
		var a Accrual
		var ts int64
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Recipient, &a.Amount, &ts); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(ts, 0)
		accruals = append(accruals, a)
	}
	return accruals, rows.Err()
}

// MarkAccrualDone marks an outbox row processed.
func (d *DB) MarkAccrualDone(id int64) error {
	_, err := d.db.Exec(`UPDATE outbox SET done = 1 WHERE id = ?`, id)
	return err
}
