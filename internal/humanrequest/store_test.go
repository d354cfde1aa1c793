package humanrequest

import (
	"testing"
)

func TestCreateFiresNotifierAndSetsPending(t *testing.T) {
	dir := t.TempDir()
	var seen HumanRequest
	s, err := NewStore(dir, func(snap HumanRequest) { seen = snap })
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	id, err := s.Create("version_drift", "slave s2 drifted", "commit mismatch", 10, 0, "slave-manager")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if seen.ID != id || seen.State != Pending {
		t.Fatalf("expected notifier to see Pending snapshot for %s, got %+v", id, seen)
	}
}

func TestApproveThenCompleteHappyPath(t *testing.T) {
	s, _ := NewStore(t.TempDir(), nil)
	id, _ := s.Create("spend", "buy credits", "", 5, 12.5, "orchestrator")

	if err := s.Approve(id, "looks fine"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := s.MarkCompleted(id, "done"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, ok := s.Get(id)
	if !ok || got.State != Completed {
		t.Fatalf("expected Completed, got %+v ok=%v", got, ok)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	s, _ := NewStore(t.TempDir(), nil)
	id, _ := s.Create("spend", "buy credits", "", 5, 0, "orchestrator")

	if err := s.Reject(id, "too expensive"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := s.Approve(id, ""); err == nil {
		t.Fatalf("expected approving a rejected request to fail")
	}
	if err := s.MarkCompleted(id, ""); err == nil {
		t.Fatalf("expected completing a rejected request to fail")
	}
}

func TestCancelFromPendingAndApproved(t *testing.T) {
	s, _ := NewStore(t.TempDir(), nil)

	id1, _ := s.Create("spend", "a", "", 1, 0, "x")
	if err := s.Cancel(id1); err != nil {
		t.Fatalf("Cancel from Pending: %v", err)
	}

	id2, _ := s.Create("spend", "b", "", 1, 0, "x")
	s.Approve(id2, "")
	if err := s.Cancel(id2); err != nil {
		t.Fatalf("Cancel from Approved: %v", err)
	}

	if err := s.Cancel(id1); err == nil {
		t.Fatalf("expected cancelling an already-cancelled request to fail")
	}
}

func TestListPendingAndByState(t *testing.T) {
	s, _ := NewStore(t.TempDir(), nil)
	idA, _ := s.Create("spend", "a", "", 1, 0, "x")
	idB, _ := s.Create("spend", "b", "", 1, 0, "x")
	s.Approve(idB, "")

	pending := s.ListPending()
	if len(pending) != 1 || pending[0].ID != idA {
		t.Fatalf("expected exactly idA pending, got %+v", pending)
	}
	approved := s.ListByState(Approved)
	if len(approved) != 1 || approved[0].ID != idB {
		t.Fatalf("expected exactly idB approved, got %+v", approved)
	}
}

func TestReloadReplaysLatestStatePerID(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, nil)
	id, _ := s.Create("spend", "a", "", 1, 0, "x")
	s.Approve(id, "notes")
	s.MarkCompleted(id, "")

	reloaded, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get(id)
	if !ok || got.State != Completed {
		t.Fatalf("expected reload to see terminal Completed state, got %+v ok=%v", got, ok)
	}
}

func TestUnknownIDOperationsReturnNotFound(t *testing.T) {
	s, _ := NewStore(t.TempDir(), nil)
	if err := s.Approve("nope", ""); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
