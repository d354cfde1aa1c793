package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newFastTransport() *Transport {
	return New(Options{
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		MaxAttempts:      3,
		CircuitThreshold: 2,
		Cooldown:         20 * time.Millisecond,
		CallTimeout:      time.Second,
		HostRate:         1000,
		HostBurst:        1000,
	})
}

func TestGetSucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := newFastTransport()
	body, err := tr.Get(context.Background(), "", srv.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := newFastTransport()
	body, err := tr.Get(context.Background(), "", srv.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("unexpected body: %s", body)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestNonRetryable4xxReturnsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr := newFastTransport()
	_, err := tr.Get(context.Background(), "", srv.URL, nil)
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected ErrHTTP, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for non-retryable 4xx, got %d", calls)
	}
}

func TestCircuitOpensAfterThresholdFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := newFastTransport()
	host := srv.Listener.Addr().String()

	// First call fails twice against the server, tripping the breaker
	// (threshold 2); its third attempt is refused by the open breaker.
	_, err := tr.Get(context.Background(), host, srv.URL, nil)
	if err == nil {
		t.Fatalf("expected error")
	}

	if tr.State(host) != CircuitOpen {
		t.Fatalf("expected circuit to be open, got %s", tr.State(host))
	}

	_, err = tr.Get(context.Background(), host, srv.URL, nil)
	var openErr *ErrCircuitOpen
	if !errors.As(err, &openErr) {
		t.Fatalf("expected ErrCircuitOpen while breaker open, got %v", err)
	}
}

func TestResetClosesCircuit(t *testing.T) {
	tr := newFastTransport()
	cb := tr.breakerFor("host-a")
	cb.recordFailure()
	cb.recordFailure()
	if tr.State("host-a") != CircuitOpen {
		t.Fatalf("expected open after threshold failures")
	}
	tr.Reset("host-a")
	if tr.State("host-a") != CircuitClosed {
		t.Fatalf("expected closed after Reset")
	}
}

func TestPostSendsBody(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		received = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newFastTransport()
	_, err := tr.Post(context.Background(), "", srv.URL, map[string]string{"Content-Type": "application/json"}, []byte(`{"a":1}`), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received != `{"a":1}` {
		t.Fatalf("unexpected body received by server: %q", received)
	}
}
