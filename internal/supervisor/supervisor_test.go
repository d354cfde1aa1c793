package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFakeLock(path string, pid int) error {
	data, err := json.Marshal(lockPayload{PID: pid, StartedAt: time.Now()})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func TestRestartsCrashingChildUpToBudget(t *testing.T) {
	sup := New(
		[]ProcessSpec{{Name: "crasher", Command: []string{"sh", "-c", "exit 1"}, Enabled: true}},
		Options{RestartBudget: 2, CheckInterval: 20 * time.Millisecond, Stagger: time.Millisecond, RestartBackoff: time.Millisecond},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go sup.Run(ctx)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		st := sup.Statuses()[0]
		if st.Terminal {
			if st.RestartCount != 2 {
				t.Fatalf("expected exactly 2 restarts before terminal, got %d", st.RestartCount)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected process to become terminal within the budget window, got %+v", sup.Statuses()[0])
}

func TestDuplicateLockRefusesSecondSupervisor(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "supervisor.lock")

	sup1 := New(nil, Options{LockPath: lockPath, CheckInterval: time.Second})
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	started := make(chan error, 1)
	go func() { started <- sup1.Run(ctx1) }()
	time.Sleep(30 * time.Millisecond) // let sup1 acquire the lock

	sup2 := New(nil, Options{LockPath: lockPath, CheckInterval: time.Second})
	if err := sup2.Run(context.Background()); err == nil {
		t.Fatalf("expected second supervisor to refuse to start while the first holds the lock")
	}

	cancel1()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("first supervisor did not shut down")
	}
}

func TestStaleLockWithDeadPIDIsRecovered(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "supervisor.lock")
	if err := acquireLock(lockPath, nil); err != nil {
		t.Fatalf("seeding stale lock: %v", err)
	}
	// Overwrite the pid with one that (almost certainly) does not exist.
	if err := writeFakeLock(lockPath, 1<<30); err != nil {
		t.Fatalf("writeFakeLock: %v", err)
	}

	sup := New(nil, Options{LockPath: lockPath, CheckInterval: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("expected stale lockfile to be recovered, got %v", err)
	}
}
