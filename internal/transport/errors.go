package transport

import "fmt"

// ErrTimeout wraps a request that exceeded its deadline.
type ErrTimeout struct {
	Host string
	Err  error
}

func (e *ErrTimeout) Error() string { return fmt.Sprintf("transport: timeout calling %s: %v", e.Host, e.Err) }
func (e *ErrTimeout) Unwrap() error { return e.Err }

// ErrConnectionFailed wraps a dial/network-level failure.
type ErrConnectionFailed struct {
	Host string
	Err  error
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("transport: connection failed to %s: %v", e.Host, e.Err)
}
func (e *ErrConnectionFailed) Unwrap() error { return e.Err }

// ErrCircuitOpen is returned immediately, without attempting a network call,
// when a host's circuit breaker is Open.
type ErrCircuitOpen struct {
	Host string
}

func (e *ErrCircuitOpen) Error() string { return fmt.Sprintf("transport: circuit open for %s", e.Host) }

// ErrHTTP wraps a response whose status code the caller treats as failure
// (non-2xx).
type ErrHTTP struct {
	Host   string
	Status int
	Body   []byte
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("transport: %s returned HTTP %d", e.Host, e.Status)
}

// ErrTransportExhausted is returned once max_attempts retries have all
// failed, or earlier when a HalfOpen probe fails, wrapping the final
// underlying error. Attempts is the number of attempts actually made.
type ErrTransportExhausted struct {
	Host     string
	Attempts int
	LastErr  error
}

func (e *ErrTransportExhausted) Error() string {
	return fmt.Sprintf("transport: exhausted %d attempt(s) to %s: %v", e.Attempts, e.Host, e.LastErr)
}
func (e *ErrTransportExhausted) Unwrap() error { return e.LastErr }
