// Package worker implements the registry of local, in-process task
// pollers (spec.md §4.5, C5 WorkerRegistry).
package worker

import "time"

// State is the lifecycle state of a registered Worker.
type State string

const (
	Idle    State = "idle"
	Busy    State = "busy"
	Offline State = "offline"
)

// Worker is a local executor that polls the master for assigned tasks.
type Worker struct {
	ID            string
	Kind          string
	Capabilities  []string
	State         State
	LastHeartbeat time.Time
	CurrentTaskID string

	// lastUsedAt backs the least-recently-used tie-break in FindLocalWorker.
	lastUsedAt time.Time

	// assignCh delivers at most one pending assignment to a blocked /poll
	// call. Buffered so Assign never blocks on a poller being
	// connected.
	assignCh chan Assignment
}

// Assignment is what a long-poll call receives once a task is placed on a
// worker.
type Assignment struct {
	TaskID  string
	Kind    string
	Payload []byte
}

func newWorker(id, kind string, capabilities []string) *Worker {
	return &Worker{
		ID:            id,
		Kind:          kind,
		Capabilities:  capabilities,
		State:         Idle,
		LastHeartbeat: time.Now(),
		assignCh:      make(chan Assignment, 1),
	}
}

func hasCapabilities(have []string, required []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
