package health

import (
	"context"
	"testing"

	"github.com/soitun/effectai-engine/internal/infra/sqlite"
)

type stubBacklog struct{ pending int }

func (s stubBacklog) PendingCount() int { return s.pending }

func newTestChecker(t *testing.T, pending int) *Checker {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewChecker(db, dir, stubBacklog{pending: pending})
}

func TestAllChecksPass(t *testing.T) {
	c := newTestChecker(t, 3)
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %s unhealthy: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() = false, want true")
	}
}

func TestDispatchBacklogCheck(t *testing.T) {
	c := newTestChecker(t, 50_000)
	c.runAll(context.Background())

	if c.IsHealthy() {
		t.Error("deep backlog should report unhealthy")
	}
	var found bool
	for _, s := range c.Statuses() {
		if s.Name == "dispatch" && !s.Healthy {
			found = true
		}
	}
	if !found {
		t.Error("dispatch check did not fail")
	}
}

func TestIsHealthyBeforeFirstRun(t *testing.T) {
	c := newTestChecker(t, 0)
	if !c.IsHealthy() {
		t.Error("checker should report healthy before first run")
	}
	if got := c.Statuses(); len(got) != 0 {
		t.Errorf("statuses before first run = %v, want empty", got)
	}
}
