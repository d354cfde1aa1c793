package orchestrator

import "errors"

// Terminal error kinds a completion handle can resolve with (spec.md §7).
var (
	ErrTaskTimedOut  = errors.New("orchestrator: task timed out")
	ErrCancelled     = errors.New("orchestrator: task cancelled")
	ErrShuttingDown  = errors.New("orchestrator: shutting down")
	ErrNoExecutor    = errors.New("orchestrator: no eligible executor available")
)
