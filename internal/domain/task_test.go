package domain

import (
	"testing"
	"time"
)

func TestAppendEventMonotonic(t *testing.T) {
	task := Task{ID: "t1"}
	task.AppendEvent(EventCreated, "provider", "")
	// Force a future timestamp, then append again: the log must not
	// step backwards.
	task.Events[0].Timestamp = time.Now().Add(time.Hour)
	task.AppendEvent(EventOffered, "manager", "w1")

	if task.Events[1].Timestamp.Before(task.Events[0].Timestamp) {
		t.Error("event log timestamps decreased")
	}
}

func TestResult(t *testing.T) {
	task := Task{ID: "t1"}
	if _, ok := task.Result(); ok {
		t.Error("Result() on empty log should report false")
	}

	task.AppendEvent(EventSubmission, "w1", `{"answer": 42}`)
	task.AppendEvent(EventCompleted, "manager", "")

	raw, ok := task.Result()
	if !ok || raw != `{"answer": 42}` {
		t.Errorf("Result() = %q, %v", raw, ok)
	}

	parsed := task.ResultJSON()
	m, isMap := parsed.(map[string]any)
	if !isMap || m["answer"] != float64(42) {
		t.Errorf("ResultJSON() = %#v, want map with answer 42", parsed)
	}
}

func TestResultJSONFallback(t *testing.T) {
	task := Task{ID: "t1"}
	task.AppendEvent(EventSubmission, "w1", "not json")
	if got := task.ResultJSON(); got != "not json" {
		t.Errorf("ResultJSON() = %#v, want raw string", got)
	}
}

func TestKindMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrInvalidReward, KindInvalidArgument},
		{ErrUnknownTemplate, KindNotFound},
		{ErrDuplicateTask, KindConflict},
		{ErrWrongWorker, KindForbidden},
		{ErrForbiddenRecipient, KindForbidden},
		{ErrDeadlinePassed, KindDeadlinePassed},
		{ErrReplayedNonce, KindReplay},
		{ErrBadProof, KindProofInvalid},
		{ErrRangeOverlap, KindConflict},
		{ErrCancelled, KindCancelled},
	}
	for _, c := range cases {
		if got := Kind(c.err); got != c.want {
			t.Errorf("Kind(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}
