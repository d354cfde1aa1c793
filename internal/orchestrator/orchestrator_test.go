package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskswarm/core/internal/slave"
	"github.com/taskswarm/core/internal/task"
	"github.com/taskswarm/core/internal/transport"
	"github.com/taskswarm/core/internal/version"
	"github.com/taskswarm/core/internal/worker"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestHappyPathLocalWorker(t *testing.T) {
	q := task.NewQueue()
	workers := worker.NewRegistry(time.Minute, nil)
	mgr, err := slave.NewManager(t.TempDir(), transport.New(transport.Options{}), version.NewStaticProbe("abc1234"), time.Minute, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	o := New(q, workers, mgr, nil, time.Minute)

	workers.Register("w1", "cpu", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	id, handle, err := o.Submit("cpu", []byte("echo"), 5, nil, time.Time{}, 0, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		w, _ := workers.Get("w1")
		return w.CurrentTaskID == id
	})

	if err := o.MarkCompleted(id, []byte("echo")); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	select {
	case outcome := <-handle:
		if outcome.Err != nil || string(outcome.Result) != "echo" {
			t.Fatalf("unexpected outcome: %+v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatalf("completion handle never resolved")
	}
}

func TestFallbackToRemoteSlave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "commit": "abc1234"})
		case "/execute":
			json.NewEncoder(w).Encode(map[string]any{"success": true, "stdout": "PRINT", "method": "interpreter", "exit_code": 0})
		}
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)

	q := task.NewQueue()
	workers := worker.NewRegistry(time.Minute, nil)
	mgr, err := slave.NewManager(t.TempDir(), transport.New(transport.Options{MaxAttempts: 1}), version.NewStaticProbe("abc1234"), time.Minute, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := mgr.RegisterSlave(context.Background(), "s1", "127.0.0.1", addr.Port, "tok", nil); err != nil {
		t.Fatalf("RegisterSlave: %v", err)
	}

	o := New(q, workers, mgr, nil, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	_, handle, err := o.Submit("cpu", []byte("PRINT"), 5, nil, time.Time{}, 0, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case outcome := <-handle:
		if outcome.Err != nil {
			t.Fatalf("unexpected error outcome: %v", outcome.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("task never completed via slave dispatch")
	}
}

func TestCancelPendingResolvesHandleImmediately(t *testing.T) {
	q := task.NewQueue()
	workers := worker.NewRegistry(time.Minute, nil)
	mgr, _ := slave.NewManager(t.TempDir(), transport.New(transport.Options{}), version.NewStaticProbe("abc1234"), time.Minute, nil)
	o := New(q, workers, mgr, nil, time.Minute)

	id, handle, _ := o.Submit("cpu", []byte("x"), 1, nil, time.Time{}, 0, "")
	if !o.Cancel(id) {
		t.Fatalf("expected cancel to succeed")
	}

	select {
	case outcome := <-handle:
		if outcome.Err != ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", outcome.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancel did not resolve handle")
	}
}

func TestDeadlinePastAtSubmissionResolvesImmediately(t *testing.T) {
	q := task.NewQueue()
	workers := worker.NewRegistry(time.Minute, nil)
	mgr, _ := slave.NewManager(t.TempDir(), transport.New(transport.Options{}), version.NewStaticProbe("abc1234"), time.Minute, nil)
	o := New(q, workers, mgr, nil, time.Minute)

	_, handle, _ := o.Submit("cpu", []byte("x"), 1, nil, time.Now().Add(-time.Minute), 0, "")

	select {
	case outcome := <-handle:
		if outcome.Err == nil {
			t.Fatalf("expected error outcome for already-past deadline")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected immediate resolution")
	}
}

func TestSweepRequeuesTimedOutAssignedTask(t *testing.T) {
	q := task.NewQueue()
	workers := worker.NewRegistry(time.Minute, nil)
	mgr, _ := slave.NewManager(t.TempDir(), transport.New(transport.Options{}), version.NewStaticProbe("abc1234"), time.Minute, nil)
	o := New(q, workers, mgr, nil, 10*time.Millisecond)

	workers.Register("w1", "cpu", nil)
	id, _, _ := o.Submit("cpu", []byte("x"), 1, nil, time.Time{}, 2, "")
	q.MarkAssigned(id, "w1")
	workers.Assign("w1", id, "cpu", nil)

	time.Sleep(30 * time.Millisecond)
	o.sweepOnce()

	snap, _ := q.Get(id)
	if snap.State != task.Pending {
		t.Fatalf("expected task requeued to pending after timeout, got %s", snap.State)
	}
	w, _ := workers.Get("w1")
	if w.State != worker.Idle {
		t.Fatalf("expected worker reclaimed to idle, got %s", w.State)
	}
}
