package sqlite

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/soitun/effectai-engine/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Task Store ─────────────────────────────────────────────────────────────

func TestTaskRoundTrip(t *testing.T) {
	db := newTestDB(t)

	task := domain.Task{
		ID:         "t1",
		TemplateID: "tpl1",
		Title:      "label images",
		Reward:     5,
		CreatedAt:  time.Now().Round(0),
		State:      domain.TaskPending,
	}
	task.AppendEvent(domain.EventCreated, "provider", "")

	if err := db.PutTask(task); err != nil {
		t.Fatalf("PutTask() error: %v", err)
	}

	got, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetTask() returned nil")
	}

	// Serialize→deserialize must be byte-identical.
	want, _ := json.Marshal(task)
	have, _ := json.Marshal(*got)
	if string(want) != string(have) {
		t.Errorf("round trip mismatch:\n want %s\n have %s", want, have)
	}
}

func TestGetTaskMissing(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetTask("nope")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}
	if got != nil {
		t.Errorf("GetTask(missing) = %+v, want nil", got)
	}
}

func TestListTasks(t *testing.T) {
	db := newTestDB(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := db.PutTask(domain.Task{ID: id, State: domain.TaskPending}); err != nil {
			t.Fatalf("PutTask(%s) error: %v", id, err)
		}
	}
	tasks, err := db.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks() error: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("ListTasks() returned %d tasks, want 3", len(tasks))
	}
}

// ─── Worker Store ───────────────────────────────────────────────────────────

func TestWorkerRoundTrip(t *testing.T) {
	db := newTestDB(t)

	w := domain.Worker{
		PeerID:    "peer-1",
		Recipient: "recipient-1",
		State:     domain.WorkerConnected,
		LastNonce: 7,
	}
	if err := db.PutWorker(w); err != nil {
		t.Fatalf("PutWorker() error: %v", err)
	}

	got, err := db.GetWorker("peer-1")
	if err != nil {
		t.Fatalf("GetWorker() error: %v", err)
	}
	if got == nil || !reflect.DeepEqual(*got, w) {
		t.Errorf("GetWorker() = %+v, want %+v", got, w)
	}
}

// ─── Payment Store ──────────────────────────────────────────────────────────

func TestPaymentNonceOrdering(t *testing.T) {
	db := newTestDB(t)

	// Insert out of numeric order; keys must still sort numerically.
	for _, n := range []uint64{0, 10, 2, 1} {
		err := db.InsertPayment(domain.PaymentRecord{
			Nonce: n, Recipient: "r1", Amount: int64(n) * 10, CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("InsertPayment(%d) error: %v", n, err)
		}
	}

	recs, err := db.PaymentsForRecipient("r1")
	if err != nil {
		t.Fatalf("PaymentsForRecipient() error: %v", err)
	}
	want := []uint64{0, 1, 2, 10}
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, n := range want {
		if recs[i].Nonce != n {
			t.Errorf("record %d nonce = %d, want %d", i, recs[i].Nonce, n)
		}
	}
}

func TestPaymentDuplicateNonce(t *testing.T) {
	db := newTestDB(t)
	rec := domain.PaymentRecord{Nonce: 0, Recipient: "r1", Amount: 5}
	if err := db.InsertPayment(rec); err != nil {
		t.Fatalf("InsertPayment() error: %v", err)
	}
	if err := db.InsertPayment(rec); !errors.Is(err, domain.ErrDuplicatePayment) {
		t.Errorf("duplicate InsertPayment() = %v, want ErrDuplicatePayment", err)
	}
}

func TestNextNonce(t *testing.T) {
	db := newTestDB(t)

	n, err := db.NextNonce("r1")
	if err != nil || n != 0 {
		t.Fatalf("NextNonce(empty) = %d, %v, want 0, nil", n, err)
	}

	for i := uint64(0); i < 3; i++ {
		db.InsertPayment(domain.PaymentRecord{Nonce: i, Recipient: "r1", Amount: 1})
	}
	n, err = db.NextNonce("r1")
	if err != nil || n != 3 {
		t.Errorf("NextNonce() = %d, %v, want 3, nil", n, err)
	}
}

func TestPaymentsInRange(t *testing.T) {
	db := newTestDB(t)
	for i := uint64(0); i < 5; i++ {
		db.InsertPayment(domain.PaymentRecord{Nonce: i, Recipient: "r1", Amount: int64(i)})
	}
	recs, err := db.PaymentsInRange("r1", 1, 3)
	if err != nil {
		t.Fatalf("PaymentsInRange() error: %v", err)
	}
	if len(recs) != 3 || recs[0].Nonce != 1 || recs[2].Nonce != 3 {
		t.Errorf("PaymentsInRange(1,3) = %+v, want nonces 1..3", recs)
	}
}

func TestLastSettledNonce(t *testing.T) {
	db := newTestDB(t)

	_, ok, err := db.LastSettledNonce("r1")
	if err != nil || ok {
		t.Fatalf("LastSettledNonce(empty) ok = %v, err = %v, want false, nil", ok, err)
	}

	db.InsertPayment(domain.PaymentRecord{Nonce: 0, Recipient: "r1", Amount: 1, Settled: true})
	db.InsertPayment(domain.PaymentRecord{Nonce: 1, Recipient: "r1", Amount: 1, Settled: true})
	db.InsertPayment(domain.PaymentRecord{Nonce: 2, Recipient: "r1", Amount: 1})

	last, ok, err := db.LastSettledNonce("r1")
	if err != nil || !ok || last != 1 {
		t.Errorf("LastSettledNonce() = %d, %v, %v, want 1, true, nil", last, ok, err)
	}
}

// ─── Templates & Access Codes ───────────────────────────────────────────────

func TestTemplateImmutable(t *testing.T) {
	db := newTestDB(t)
	tpl := domain.Template{TemplateID: "tpl1", Name: "classify"}
	if err := db.PutTemplate(tpl); err != nil {
		t.Fatalf("PutTemplate() error: %v", err)
	}
	if err := db.PutTemplate(tpl); !errors.Is(err, domain.ErrDuplicateTemplate) {
		t.Errorf("second PutTemplate() = %v, want ErrDuplicateTemplate", err)
	}

	got, err := db.GetTemplate("tpl1")
	if err != nil || got == nil || got.Name != "classify" {
		t.Errorf("GetTemplate() = %+v, %v", got, err)
	}
}

func TestAccessCodeSingleUse(t *testing.T) {
	db := newTestDB(t)
	if err := db.AddAccessCode("code-1"); err != nil {
		t.Fatalf("AddAccessCode() error: %v", err)
	}

	if err := db.ConsumeAccessCode("code-1", "peer-a"); err != nil {
		t.Fatalf("first ConsumeAccessCode() error: %v", err)
	}
	if err := db.ConsumeAccessCode("code-1", "peer-b"); !errors.Is(err, domain.ErrBadAccessCode) {
		t.Errorf("second ConsumeAccessCode() = %v, want ErrBadAccessCode", err)
	}
	if err := db.ConsumeAccessCode("unknown", "peer-a"); !errors.Is(err, domain.ErrBadAccessCode) {
		t.Errorf("ConsumeAccessCode(unknown) = %v, want ErrBadAccessCode", err)
	}
}

// ─── Outbox ─────────────────────────────────────────────────────────────────

func TestOutboxReplay(t *testing.T) {
	db := newTestDB(t)

	id1, err := db.EnqueueAccrual("t1", "r1", 5)
	if err != nil {
		t.Fatalf("EnqueueAccrual() error: %v", err)
	}
	db.EnqueueAccrual("t2", "r1", 7)

	pending, err := db.PendingAccruals()
	if err != nil {
		t.Fatalf("PendingAccruals() error: %v", err)
	}
	if len(pending) != 2 || pending[0].TaskID != "t1" || pending[1].Amount != 7 {
		t.Fatalf("PendingAccruals() = %+v", pending)
	}

	if err := db.MarkAccrualDone(id1); err != nil {
		t.Fatalf("MarkAccrualDone() error: %v", err)
	}
	pending, _ = db.PendingAccruals()
	if len(pending) != 1 || pending[0].TaskID != "t2" {
		t.Errorf("after done, PendingAccruals() = %+v, want only t2", pending)
	}
}
