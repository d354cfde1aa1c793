package task

import (
	"testing"
	"time"
)

type alwaysEligible struct{}

func (alwaysEligible) HasEligibleExecutor(kind string, capabilities []string) bool { return true }

type neverEligible struct{}

func (neverEligible) HasEligibleExecutor(kind string, capabilities []string) bool { return false }

func TestSubmitRejectsDuplicateID(t *testing.T) {
	q := NewQueue()
	tk := &Task{ID: "t1", Kind: "cpu", Priority: 5, SubmittedAt: time.Now()}
	if _, err := q.Submit(tk); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := q.Submit(tk); err != ErrDuplicateTask {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 pending task, got %d", q.Len())
	}
}

func TestHighestPriorityServedFirst(t *testing.T) {
	q := NewQueue()
	q.Submit(&Task{ID: "low", Kind: "cpu", Priority: 1, SubmittedAt: time.Now()})
	q.Submit(&Task{ID: "high", Kind: "cpu", Priority: 1 << 30, SubmittedAt: time.Now()})

	got := q.NextAssignable(alwaysEligible{})
	if got == nil || got.ID != "high" {
		t.Fatalf("expected high priority task first, got %+v", got)
	}
}

func TestDeadlineAlreadyPastFailsImmediately(t *testing.T) {
	q := NewQueue()
	tk := &Task{
		ID:          "late",
		Kind:        "cpu",
		Priority:    5,
		SubmittedAt: time.Now(),
		Deadline:    time.Now().Add(-1 * time.Minute),
	}
	q.Submit(tk)

	got, ok := q.Get("late")
	if !ok {
		t.Fatalf("task not found")
	}
	if got.State != Failed {
		t.Fatalf("expected Failed, got %s", got.State)
	}
	if q.Len() != 0 {
		t.Fatalf("expected task not to enter pending heap")
	}
}

func TestNextAssignableAdvisoryFilter(t *testing.T) {
	q := NewQueue()
	q.Submit(&Task{ID: "t1", Kind: "gpu", Priority: 5, SubmittedAt: time.Now()})

	if got := q.NextAssignable(neverEligible{}); got != nil {
		t.Fatalf("expected nil when no executor eligible, got %+v", got)
	}
	// Task must remain Pending, not removed.
	got, _ := q.Get("t1")
	if got.State != Pending {
		t.Fatalf("expected task to remain Pending, got %s", got.State)
	}
}

func TestAssignCompleteLifecycle(t *testing.T) {
	q := NewQueue()
	q.Submit(&Task{ID: "t1", Kind: "cpu", Priority: 5, SubmittedAt: time.Now()})

	if err := q.MarkAssigned("t1", "worker-1"); err != nil {
		t.Fatalf("MarkAssigned: %v", err)
	}
	got, _ := q.Get("t1")
	if got.State != Assigned || got.AssignedTo != "worker-1" {
		t.Fatalf("unexpected state after assign: %+v", got)
	}
	if len(got.Attempts) != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", len(got.Attempts))
	}

	if err := q.MarkCompleted("t1", []byte("echo")); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, _ = q.Get("t1")
	if got.State != Completed || string(got.Result) != "echo" {
		t.Fatalf("unexpected state after completion: %+v", got)
	}
	if len(got.Attempts) < 1 {
		t.Fatalf("expected attempts.len() >= 1 on completion")
	}
}

func TestMarkFailedRequeuesUntilMaxAttempts(t *testing.T) {
	q := NewQueue()
	q.Submit(&Task{ID: "t1", Kind: "cpu", Priority: 5, SubmittedAt: time.Now(), MaxAttempts: 2})

	q.MarkAssigned("t1", "worker-1")
	if err := q.MarkFailed("t1", "timeout", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _ := q.Get("t1")
	if got.State != Pending {
		t.Fatalf("expected requeue to Pending after 1st failure, got %s", got.State)
	}

	q.MarkAssigned("t1", "worker-2")
	if err := q.MarkFailed("t1", "timeout again", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _ = q.Get("t1")
	if got.State != Failed {
		t.Fatalf("expected terminal Failed once attempts.len() == max_attempts, got %s", got.State)
	}
	if len(got.Attempts) > got.MaxAttempts {
		t.Fatalf("attempts.len() exceeded max_attempts: %d > %d", len(got.Attempts), got.MaxAttempts)
	}
}

func TestCancelPendingRemovesImmediately(t *testing.T) {
	q := NewQueue()
	q.Submit(&Task{ID: "t1", Kind: "cpu", Priority: 5, SubmittedAt: time.Now()})
	if !q.Cancel("t1") {
		t.Fatalf("expected cancel to succeed")
	}
	if q.Len() != 0 {
		t.Fatalf("expected pending heap to be empty after cancel")
	}
	got, _ := q.Get("t1")
	if got.State != Failed {
		t.Fatalf("expected cancelled task to report Failed state, got %s", got.State)
	}
}

func TestAntiStarvationAgingBoostsEffectivePriority(t *testing.T) {
	now := time.Now()
	old := &Task{ID: "old", Kind: "cpu", Priority: 1, SubmittedAt: now.Add(-90 * time.Minute)}
	recent := &Task{ID: "recent", Kind: "cpu", Priority: 2, SubmittedAt: now}

	if effectivePriority(old, now) <= old.Priority {
		t.Fatalf("expected aged task to receive a boost")
	}
	if effectivePriority(recent, now) != recent.Priority {
		t.Fatalf("expected a just-submitted task to receive no boost")
	}
	// Recent higher-priority task should still beat a once-aged low one
	// when the gap is large enough; here we only assert the boost formula
	// caps correctly.
	veryOld := &Task{ID: "very-old", Kind: "cpu", Priority: 0, SubmittedAt: now.Add(-10 * time.Hour)}
	if boost := effectivePriority(veryOld, now) - veryOld.Priority; boost != maxStarvationBoost {
		t.Fatalf("expected boost to cap at %d, got %d", maxStarvationBoost, boost)
	}
}
