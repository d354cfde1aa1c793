package worker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrNotFound is returned when an operation names an unknown worker id.
var ErrNotFound = errors.New("worker: not found")

// ErrBusy is returned by Assign when the target worker is no longer Idle.
var ErrBusy = errors.New("worker: not idle")

// DefaultHeartbeatTTL and DefaultScanInterval match spec.md §3/§4.5.
const (
	DefaultHeartbeatTTL = 60 * time.Second
	DefaultScanInterval = 10 * time.Second
	DefaultPollWait     = 5 * time.Second
)

// OfflineHandler is invoked exactly once, synchronously, for every task a
// worker was holding when the liveness scanner marks it Offline. The master
// wires this to the orchestrator's MarkFailed, which requeues the task via
// the TaskQueue.
type OfflineHandler func(workerID, taskID string)

// Registry is the in-memory worker registry. All state is guarded by a
// single mutex, matching spec.md §4.6's note that registries this size do
// not need finer-grained locking.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker

	heartbeatTTL time.Duration
	onOffline    OfflineHandler
}

// NewRegistry creates an empty Registry. onOffline may be nil.
func NewRegistry(heartbeatTTL time.Duration, onOffline OfflineHandler) *Registry {
	if heartbeatTTL <= 0 {
		heartbeatTTL = DefaultHeartbeatTTL
	}
	return &Registry{
		workers:      make(map[string]*Worker),
		heartbeatTTL: heartbeatTTL,
		onOffline:    onOffline,
	}
}

// Register is idempotent: re-registering a known id resumes eligibility
// under the same id, refreshes its kind/capabilities, clears any stale
// current_task_id, and marks it Idle again (spec.md §8 round-trip property).
func (r *Registry) Register(id, kind string, capabilities []string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[id]; ok {
		w.Kind = kind
		w.Capabilities = capabilities
		w.CurrentTaskID = ""
		w.State = Idle
		w.LastHeartbeat = time.Now()
		return w
	}

	w := newWorker(id, kind, capabilities)
	r.workers[id] = w
	return w
}

// Heartbeat refreshes a worker's last_heartbeat_at. Stale out-of-order
// heartbeats (older than the one already recorded) are ignored.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	if now.After(w.LastHeartbeat) {
		w.LastHeartbeat = now
	}
	if w.State == Offline {
		w.State = Idle
	}
	return nil
}

// FindLocalWorker returns an Idle worker whose kind matches and whose
// capabilities are a superset of required, tie-broken by least-recently-used.
func (r *Registry) FindLocalWorker(kind string, required []string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Worker
	for _, w := range r.workers {
		if w.State != Idle || w.Kind != kind {
			continue
		}
		if !hasCapabilities(w.Capabilities, required) {
			continue
		}
		if best == nil || w.lastUsedAt.Before(best.lastUsedAt) {
			best = w
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// Assign marks worker as Busy holding taskID and delivers the assignment to
// a blocked (or future) /poll call.
func (r *Registry) Assign(id, taskID, kind string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrNotFound
	}
	if w.State != Idle {
		return ErrBusy
	}
	w.State = Busy
	w.CurrentTaskID = taskID
	w.lastUsedAt = time.Now()

	select {
	case w.assignCh <- Assignment{TaskID: taskID, Kind: kind, Payload: payload}:
	default:
		// A stale assignment was never collected; replace it.
		select {
		case <-w.assignCh:
		default:
		}
		w.assignCh <- Assignment{TaskID: taskID, Kind: kind, Payload: payload}
	}
	return nil
}

// Poll blocks up to wait for an assignment delivered to worker id, returning
// ok=false on timeout (the caller replies 204).
func (r *Registry) Poll(id string, wait time.Duration) (Assignment, bool, error) {
	r.mu.Lock()
	w, ok := r.workers[id]
	r.mu.Unlock()
	if !ok {
		return Assignment{}, false, ErrNotFound
	}

	select {
	case a := <-w.assignCh:
		return a, true, nil
	case <-time.After(wait):
		return Assignment{}, false, nil
	}
}

// ReportResult clears a worker's held task and returns it to Idle. The
// caller (the /result handler in http.go) is responsible for routing
// success/error into the TaskQueue via the orchestrator.
func (r *Registry) ReportResult(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.State = Idle
	w.CurrentTaskID = ""
	return nil
}

// Get returns a snapshot copy of a worker by id.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Counts returns worker counts grouped by state, for the /stats endpoint.
func (r *Registry) Counts() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[State]int{Idle: 0, Busy: 0, Offline: 0}
	for _, w := range r.workers {
		out[w.State]++
	}
	return out
}

// ScanLiveness marks any worker whose heartbeat is older than the registry's
// heartbeatTTL Offline, invoking onOffline for any task it held. Intended to
// be called from a ticker loop every DefaultScanInterval.
func (r *Registry) ScanLiveness() {
	now := time.Now()

	type staleTask struct {
		workerID, taskID string
	}
	var stale []staleTask

	r.mu.Lock()
	for _, w := range r.workers {
		if w.State == Offline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > r.heartbeatTTL {
			log.Printf("[WORKER] %s heartbeat expired (last=%s); marking offline", w.ID, w.LastHeartbeat)
			w.State = Offline
			if w.CurrentTaskID != "" {
				stale = append(stale, staleTask{w.ID, w.CurrentTaskID})
				w.CurrentTaskID = ""
			}
		}
	}
	r.mu.Unlock()

	if r.onOffline == nil {
		return
	}
	for _, s := range stale {
		r.onOffline(s.workerID, s.taskID)
	}
}

// RunLivenessLoop runs ScanLiveness every DefaultScanInterval until stopCh
// is closed.
func (r *Registry) RunLivenessLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(DefaultScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.ScanLiveness()
		case <-stopCh:
			return
		}
	}
}
