package task

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrDuplicateTask is returned by Submit when a task with the same id has
// already been submitted.
var ErrDuplicateTask = errors.New("task: duplicate id")

// ErrNotFound is returned when an operation names an unknown task id.
var ErrNotFound = errors.New("task: not found")

// ErrAlreadyTerminal is returned by MarkCompleted/MarkFailed when the task
// has already reached Completed or Failed. Failed/Completed are terminal
// and monotonic (spec.md §3); a late result for a task already cancelled or
// otherwise resolved is discarded rather than resurrecting it (spec.md §4.7).
var ErrAlreadyTerminal = errors.New("task: already in a terminal state")

// antiStarvationAge is the wait duration after which a pending task starts
// receiving a priority boost (spec.md §4.6).
const antiStarvationAge = 1 * time.Hour

// maxStarvationBoost caps the anti-starvation bonus.
const maxStarvationBoost = 5

// agingStep is how often, past antiStarvationAge, another +1 boost is
// granted.
const agingStep = 1 * time.Hour

// Assigner reports whether at least one currently eligible executor (local
// worker or healthy slave) could take a task of the given kind and
// capability set. The queue uses this only as an advisory filter for
// NextAssignable — actual placement may still fail and the task returns to
// Pending (spec.md §4.6).
type Assigner interface {
	HasEligibleExecutor(kind string, capabilities []string) bool
}

// node wraps a Task for heap bookkeeping without polluting the Task type
// itself with queue internals.
type node struct {
	task      *Task
	heapIndex int
}

type pendingHeap []*node

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	now := time.Now()
	pi := effectivePriority(h[i].task, now)
	pj := effectivePriority(h[j].task, now)
	if pi != pj {
		return pi > pj
	}
	return h[i].task.SubmittedAt.Before(h[j].task.SubmittedAt)
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *pendingHeap) Push(x interface{}) {
	n := x.(*node)
	n.heapIndex = len(*h)
	*h = append(*h, n)
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// effectivePriority applies the anti-starvation boost to a task's base
// priority: +1 once the task has waited past antiStarvationAge and another
// +1 for every further agingStep, capped at maxStarvationBoost.
func effectivePriority(t *Task, now time.Time) int {
	wait := now.Sub(t.SubmittedAt)
	if wait <= antiStarvationAge {
		return t.Priority
	}
	boost := int((wait - antiStarvationAge + agingStep - 1) / agingStep)
	if boost > maxStarvationBoost {
		boost = maxStarvationBoost
	}
	return t.Priority + boost
}

// Stats is a point-in-time count of tasks by state.
type Stats struct {
	Pending   int
	Assigned  int
	Completed int
	Failed    int
}

// Queue is the priority queue of submitted tasks, keyed primarily by
// -priority then submitted_at, with a dedup index by id and a state index
// spanning every task the queue has ever seen (spec.md §4.6).
type Queue struct {
	mu sync.Mutex

	pending pendingHeap
	byID    map[string]*node  // pending only, for O(1) existence + removal
	all     map[string]*Task  // every task this queue has ever held, any state
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{
		pending: make(pendingHeap, 0),
		byID:    make(map[string]*node),
		all:     make(map[string]*Task),
	}
}

// Submit enqueues a new task. Duplicate ids are rejected so re-submission is
// idempotent (spec.md §8 round-trip property).
func (q *Queue) Submit(t *Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.all[t.ID]; exists {
		return t.ID, ErrDuplicateTask
	}

	if t.MaxAttempts <= 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	t.State = Pending
	t.EnqueuedAt = t.SubmittedAt

	q.all[t.ID] = t

	if t.HasDeadlinePassed(time.Now()) {
		t.State = Failed
		t.Attempts = append(t.Attempts, Attempt{
			Outcome: OutcomeError,
			Error:   "deadline already passed at submission",
		})
		return t.ID, nil
	}

	n := &node{task: t}
	q.byID[t.ID] = n
	heap.Push(&q.pending, n)
	return t.ID, nil
}

// NextAssignable returns the highest-priority Pending task whose kind and
// capabilities can currently be satisfied per assigner, without removing it
// from the queue. Returns nil if none qualifies.
func (q *Queue) NextAssignable(assigner Assigner) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	// The advisory check may reject the heap root; scan in priority order
	// (via a temporary copy) until a candidate is found or the heap is
	// exhausted. The underlying tasks are never removed by this scan.
	scratch := make(pendingHeap, len(q.pending))
	for i, n := range q.pending {
		scratch[i] = &node{task: n.task, heapIndex: i}
	}
	for scratch.Len() > 0 {
		n := heap.Pop(&scratch).(*node)
		if assigner == nil || assigner.HasEligibleExecutor(n.task.Kind, n.task.RequiredCapabilities) {
			return n.task
		}
	}
	return nil
}

// Peek returns the current heap root without removing it, or nil if empty.
func (q *Queue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0].task
}

// MarkAssigned transitions a Pending task to Assigned and removes it from
// the pending heap.
func (q *Queue) MarkAssigned(id, executorID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}
	heap.Remove(&q.pending, n.heapIndex)
	delete(q.byID, id)

	t := n.task
	t.State = Assigned
	t.AssignedTo = executorID
	t.Attempts = append(t.Attempts, Attempt{
		ExecutorID: executorID,
		StartedAt:  time.Now(),
	})
	return nil
}

// MarkCompleted transitions an Assigned task to Completed with its result.
func (q *Queue) MarkCompleted(id string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.all[id]
	if !ok {
		return ErrNotFound
	}
	if t.State == Completed || t.State == Failed {
		return ErrAlreadyTerminal
	}
	t.State = Completed
	t.Result = result
	t.AssignedTo = ""
	if n := len(t.Attempts); n > 0 {
		t.Attempts[n-1].EndedAt = time.Now()
		t.Attempts[n-1].Outcome = OutcomeSuccess
	}
	return nil
}

// MarkFailed transitions a task's current attempt to failed. If requeue is
// true and attempts remain under MaxAttempts, the task returns to Pending;
// otherwise it is terminally Failed.
func (q *Queue) MarkFailed(id string, errMsg string, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.all[id]
	if !ok {
		return ErrNotFound
	}
	if t.State == Completed || t.State == Failed {
		return ErrAlreadyTerminal
	}
	if n := len(t.Attempts); n > 0 {
		t.Attempts[n-1].EndedAt = time.Now()
		t.Attempts[n-1].Outcome = OutcomeError
		t.Attempts[n-1].Error = errMsg
	}
	t.AssignedTo = ""

	if requeue && len(t.Attempts) < t.MaxAttempts {
		t.State = Pending
		t.EnqueuedAt = time.Now()
		n := &node{task: t}
		q.byID[t.ID] = n
		heap.Push(&q.pending, n)
		return nil
	}

	t.State = Failed
	return nil
}

// Cancel removes a Pending task immediately, or marks an Assigned task as
// failed-cancelled so a later result for it is discarded by the caller.
// Returns false if the task is unknown or already terminal.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.all[id]
	if !ok {
		return false
	}
	switch t.State {
	case Pending:
		if n, ok := q.byID[id]; ok {
			heap.Remove(&q.pending, n.heapIndex)
			delete(q.byID, id)
		}
		t.State = Failed
		t.Attempts = append(t.Attempts, Attempt{Outcome: OutcomeCancelled})
		return true
	case Assigned:
		t.State = Failed
		t.AssignedTo = ""
		if n := len(t.Attempts); n > 0 {
			t.Attempts[n-1].EndedAt = time.Now()
			t.Attempts[n-1].Outcome = OutcomeCancelled
		}
		return true
	default:
		return false
	}
}

// Get returns a snapshot copy of a task by id.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.all[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// AssignedTasks returns snapshots of every task currently Assigned, used by
// the orchestrator's timeout sweep.
func (q *Queue) AssignedTasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Task
	for _, t := range q.all {
		if t.State == Assigned {
			out = append(out, *t)
		}
	}
	return out
}

// Stats returns counts of tasks per state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, t := range q.all {
		switch t.State {
		case Pending:
			s.Pending++
		case Assigned:
			s.Assigned++
		case Completed:
			s.Completed++
		case Failed:
			s.Failed++
		}
	}
	return s
}

// Len reports how many tasks are currently Pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
