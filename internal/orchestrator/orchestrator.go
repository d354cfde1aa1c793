// Package orchestrator is the scheduling core: the assignment loop plus
// timeout sweep that place Tasks on Workers or Slaves and resolve producer
// completion handles exactly once (spec.md §4.7, C7).
package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/taskswarm/core/internal/history"
	"github.com/taskswarm/core/internal/slave"
	"github.com/taskswarm/core/internal/task"
	"github.com/taskswarm/core/internal/worker"
)

// Defaults match spec.md §4.7/§6.5.
const (
	DefaultTaskTimeout   = 300 * time.Second
	DefaultSweepInterval = 10 * time.Second
	idleSleep            = 1 * time.Second
	pendingSleep         = 2 * time.Second
)

// Orchestrator is the top-level master object holding the three
// independent registries it coordinates (spec.md §9's cyclic-reference
// design note: a flat owner, narrow operation surfaces, no cross-calls
// between WorkerRegistry and SlaveManager).
type Orchestrator struct {
	queue   *task.Queue
	workers *worker.Registry
	slaves  *slave.Manager
	hist    *history.Recorder

	taskTimeout time.Duration

	mu      sync.Mutex
	mode    AdmissionMode
	handles map[string]chan Outcome

	stopCh chan struct{}
}

// New builds an Orchestrator. taskTimeout of 0 uses DefaultTaskTimeout. hist
// may be nil (history.NewRecorder returns a nil *Recorder, safe to call,
// when DATABASE_URL is unset).
func New(q *task.Queue, workers *worker.Registry, slaves *slave.Manager, hist *history.Recorder, taskTimeout time.Duration) *Orchestrator {
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	return &Orchestrator{
		queue:       q,
		workers:     workers,
		slaves:      slaves,
		hist:        hist,
		taskTimeout: taskTimeout,
		mode:        Normal,
		handles:     make(map[string]chan Outcome),
		stopCh:      make(chan struct{}),
	}
}

// Mode returns the current admission mode.
func (o *Orchestrator) Mode() AdmissionMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// SetMode changes the admission mode, taking effect on the next assignment
// loop iteration.
func (o *Orchestrator) SetMode(m AdmissionMode) {
	o.mu.Lock()
	o.mode = m
	o.mu.Unlock()
	log.Printf("[ORCHESTRATOR] admission mode set to %s", m)
}

// Submit enqueues a task and returns a completion handle that resolves
// exactly once with the final Outcome (spec.md §6.2).
func (o *Orchestrator) Submit(kind string, payload []byte, priority int, requiredCapabilities []string, deadline time.Time, maxAttempts int, idHint string) (string, <-chan Outcome, error) {
	if idHint == "" {
		idHint = newTaskID()
	}
	t := &task.Task{
		ID:                   idHint,
		Kind:                 kind,
		Payload:              payload,
		Priority:             priority,
		RequiredCapabilities: requiredCapabilities,
		SubmittedAt:          time.Now(),
		Deadline:             deadline,
		MaxAttempts:          maxAttempts,
	}
	id, err := o.queue.Submit(t)
	if err != nil && err != task.ErrDuplicateTask {
		return "", nil, err
	}

	o.mu.Lock()
	ch, exists := o.handles[id]
	if !exists {
		ch = make(chan Outcome, 1)
		o.handles[id] = ch
	}
	o.mu.Unlock()

	// A task already terminal at submission (past deadline) resolves
	// immediately rather than waiting on a loop that will never see it.
	if snap, ok := o.queue.Get(id); ok && snap.State == task.Failed {
		o.resolve(id, Outcome{Err: ErrTaskTimedOut})
	}

	return id, ch, nil
}

// Cancel cancels a task per spec.md §4.7/§6.2.
func (o *Orchestrator) Cancel(id string) bool {
	snap, ok := o.queue.Get(id)
	if !ok {
		return false
	}
	wasAssignedToWorker := snap.State == task.Assigned
	executorID := snap.AssignedTo

	if !o.queue.Cancel(id) {
		return false
	}

	if wasAssignedToWorker {
		if _, ok := o.workers.Get(executorID); ok {
			o.workers.ReportResult(executorID)
		}
		// If it was a slave, cancellation is best-effort only; no
		// required endpoint exists (spec.md §4.7).
	}

	o.resolve(id, Outcome{Err: ErrCancelled})
	return true
}

// Stats is the snapshot returned by spec.md §6.2's Stats() operation.
type Stats struct {
	Tasks   task.Stats           `json:"tasks"`
	Workers map[worker.State]int `json:"workers"`
	Slaves  map[slave.Status]int `json:"slaves"`
	Mode    AdmissionMode        `json:"mode"`
}

// Stats returns a point-in-time snapshot across all three registries.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Tasks:   o.queue.Stats(),
		Workers: o.workers.Counts(),
		Slaves:  o.slaves.Counts(),
		Mode:    o.Mode(),
	}
}

// HasEligibleExecutor implements task.Assigner: an advisory check for
// NextAssignable, never mutating state.
func (o *Orchestrator) HasEligibleExecutor(kind string, capabilities []string) bool {
	if _, ok := o.workers.FindLocalWorker(kind, capabilities); ok {
		return true
	}
	_, ok := o.slaves.FindAvailableSlave(capabilities)
	return ok
}

func (o *Orchestrator) resolve(id string, outcome Outcome) {
	o.mu.Lock()
	ch, ok := o.handles[id]
	if ok {
		delete(o.handles, id)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- outcome:
	default:
	}
}

// MarkCompleted satisfies the worker.Queue / slave result-reporting
// contract: it forwards to the TaskQueue and resolves the task's
// completion handle. A result for a task already in a terminal state (for
// instance, one the producer cancelled) is discarded: spec.md §4.7 requires
// Failed/Completed to stay terminal and monotonic, so a late success never
// resurrects a cancelled task.
func (o *Orchestrator) MarkCompleted(id string, result []byte) error {
	snap, ok := o.queue.Get(id)
	if err := o.queue.MarkCompleted(id, result); err != nil {
		if err == task.ErrAlreadyTerminal {
			log.Printf("[ORCHESTRATOR] discarding late completion for already-terminal task %s", id)
			return nil
		}
		return err
	}
	logDecision(SchedulingDecision{TaskID: id, Decision: "completed"})
	if ok {
		o.hist.RecordCompleted(context.Background(), id, snap.Kind, snap.AssignedTo, len(snap.Attempts)+1)
	}
	o.resolve(id, Outcome{Result: result})
	return nil
}

// MarkFailed satisfies the same contract for failure/requeue reporting. If
// the queue leaves the task terminally Failed, the completion handle
// resolves with ErrTaskTimedOut; if it was requeued to Pending, the handle is
// left open.
// A report against an already-terminal task is discarded for the same
// reason MarkCompleted discards one.
func (o *Orchestrator) MarkFailed(id string, errMsg string, requeue bool) error {
	preSnap, ok := o.queue.Get(id)
	if err := o.queue.MarkFailed(id, errMsg, requeue); err != nil {
		if err == task.ErrAlreadyTerminal {
			log.Printf("[ORCHESTRATOR] discarding late failure report for already-terminal task %s", id)
			return nil
		}
		return err
	}
	snap, found := o.queue.Get(id)
	if found && snap.State == task.Failed {
		logDecision(SchedulingDecision{TaskID: id, Decision: "failed", Reason: errMsg})
		if ok {
			o.hist.RecordFailed(context.Background(), id, preSnap.Kind, preSnap.AssignedTo, len(snap.Attempts), errMsg)
		}
		o.resolve(id, Outcome{Err: ErrTaskTimedOut})
	} else {
		logDecision(SchedulingDecision{TaskID: id, Decision: "requeued", Reason: errMsg})
	}
	return nil
}

// Stop signals both loops to exit.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
}

// Run starts the assignment loop and the timeout-sweep loop, blocking
// until ctx is cancelled or Stop is called.
func (o *Orchestrator) Run(ctx context.Context) {
	go o.assignmentLoop(ctx)
	go o.sweepLoop(ctx)
	select {
	case <-ctx.Done():
	case <-o.stopCh:
	}
}

func (o *Orchestrator) assignmentLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		default:
		}

		if o.Mode() == Draining {
			time.Sleep(idleSleep)
			continue
		}

		t := o.queue.NextAssignable(o)
		if t == nil {
			time.Sleep(idleSleep)
			continue
		}
		if o.Mode() == Degraded && t.Priority < DegradedPriorityFloor {
			time.Sleep(idleSleep)
			continue
		}

		if workerID, ok := o.workers.FindLocalWorker(t.Kind, t.RequiredCapabilities); ok {
			if err := o.queue.MarkAssigned(t.ID, workerID); err != nil {
				continue
			}
			if err := o.workers.Assign(workerID, t.ID, t.Kind, t.Payload); err != nil {
				// Lost the race against another assignment; return to
				// pending by requeuing as a normal failed-attempt.
				o.queue.MarkFailed(t.ID, "worker no longer idle", true)
				continue
			}
			logDecision(SchedulingDecision{TaskID: t.ID, Decision: "dispatched_local", ExecutorID: workerID})
			continue
		}

		if slaveID, ok := o.slaves.FindAvailableSlave(t.RequiredCapabilities); ok {
			if err := o.queue.MarkAssigned(t.ID, slaveID); err != nil {
				continue
			}
			logDecision(SchedulingDecision{TaskID: t.ID, Decision: "dispatched_slave", ExecutorID: slaveID})
			go o.dispatchToSlave(ctx, slaveID, *t)
			continue
		}

		time.Sleep(pendingSleep)
	}
}

func (o *Orchestrator) dispatchToSlave(ctx context.Context, slaveID string, t task.Task) {
	timeoutSeconds := int(o.taskTimeout.Seconds())
	result, err := o.slaves.ExecuteOnSlave(ctx, slaveID, slave.ExecuteRequest{
		Command: string(t.Payload),
		Timeout: timeoutSeconds,
	})
	if err != nil {
		log.Printf("[ORCHESTRATOR] dispatch to slave %s failed for task %s: %v", slaveID, t.ID, err)
		o.MarkFailed(t.ID, err.Error(), true)
		return
	}
	if !result.Success {
		o.MarkFailed(t.ID, result.Stderr, true)
		return
	}
	body, _ := json.Marshal(result)
	o.MarkCompleted(t.ID, body)
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sweepOnce()
		}
	}
}

func (o *Orchestrator) sweepOnce() {
	now := time.Now()
	for _, t := range o.queue.AssignedTasks() {
		deadline := o.taskTimeout
		if n := len(t.Attempts); n > 0 && !t.Attempts[n-1].StartedAt.IsZero() {
			if now.Sub(t.Attempts[n-1].StartedAt) <= deadline {
				continue
			}
		}

		if _, ok := o.workers.Get(t.AssignedTo); ok {
			o.workers.ReportResult(t.AssignedTo)
		}
		// Slave-side cancellation is best-effort only; no endpoint is
		// required by the protocol (spec.md §4.7).

		o.MarkFailed(t.ID, "task timeout exceeded", true)
	}
}

func logDecision(d SchedulingDecision) {
	body, _ := json.Marshal(d)
	log.Printf("[ORCHESTRATOR] decision=%s", string(body))
}
