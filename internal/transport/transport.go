// Package transport is the single egress point every host-facing HTTP call
// in the swarm goes through: it wraps net/http with a per-host circuit
// breaker, a per-host token-bucket limiter, and bounded exponential-backoff
// retries, so that no caller ever has to hand-roll that trio itself
// (spec.md §4.1).
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults match spec.md §4.1 / §7.
const (
	DefaultBaseBackoff   = 2 * time.Second
	DefaultMaxBackoff    = 30 * time.Second
	DefaultMaxAttempts   = 3
	DefaultCircuitThresh = 5
	DefaultCooldown      = 60 * time.Second
	DefaultCallTimeout   = 10 * time.Second

	// DefaultHostRate bounds outbound calls per host so a flapping host
	// cannot be hammered between circuit-breaker trips.
	DefaultHostRate  = 20.0
	DefaultHostBurst = 40
)

// Options configures a Transport. Zero values fall back to the package
// defaults above.
type Options struct {
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int
	CircuitThreshold int
	Cooldown         time.Duration
	CallTimeout      time.Duration
	HostRate         float64
	HostBurst        int
	Client           *http.Client
}

func (o Options) withDefaults() Options {
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.CircuitThreshold <= 0 {
		o.CircuitThreshold = DefaultCircuitThresh
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.HostRate <= 0 {
		o.HostRate = DefaultHostRate
	}
	if o.HostBurst <= 0 {
		o.HostBurst = DefaultHostBurst
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	return o
}

// Transport is a resilient HTTP client shared by the orchestrator, the
// slave manager, and the installer. It owns one circuit breaker and one
// rate limiter per host, both created lazily on first use.
type Transport struct {
	opts Options

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	limiters map[string]*rate.Limiter
}

// New creates a Transport. Passing a zero Options value is valid and uses
// every package default.
func New(opts Options) *Transport {
	return &Transport{
		opts:     opts.withDefaults(),
		breakers: make(map[string]*circuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *Transport) breakerFor(host string) *circuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.breakers[host]
	if !ok {
		cb = newCircuitBreaker(t.opts.CircuitThreshold, t.opts.Cooldown)
		t.breakers[host] = cb
	}
	return cb
}

func (t *Transport) limiterFor(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(t.opts.HostRate), t.opts.HostBurst)
		t.limiters[host] = l
	}
	return l
}

// Reset clears the circuit breaker state for host, re-admitting calls
// immediately regardless of prior failures.
func (t *Transport) Reset(host string) {
	t.breakerFor(host).reset()
}

// State reports the current circuit state for host.
func (t *Transport) State(host string) CircuitState {
	return t.breakerFor(host).currentState()
}

// Get performs a retried, circuit-broken GET against urlStr. host is the
// breaker/limiter key (typically the authority component of urlStr).
func (t *Transport) Get(ctx context.Context, host, urlStr string, headers map[string]string) ([]byte, error) {
	return t.do(ctx, host, http.MethodGet, urlStr, headers, nil, 0, t.opts.MaxAttempts)
}

// GetNoRetry performs a single circuit-broken GET against urlStr with no
// retry on failure. Used by periodic health-probe loops (spec.md §4.4 step
// 1), where "the loop itself provides repetition" and a flapping host
// should not stall the loop or over-count breaker failures per attempt.
func (t *Transport) GetNoRetry(ctx context.Context, host, urlStr string, headers map[string]string) ([]byte, error) {
	return t.do(ctx, host, http.MethodGet, urlStr, headers, nil, 0, 1)
}

// Post performs a retried, circuit-broken POST with body against urlStr.
// timeoutOverride, if non-zero, replaces Options.CallTimeout for this call.
func (t *Transport) Post(ctx context.Context, host, urlStr string, headers map[string]string, body []byte, timeoutOverride time.Duration) ([]byte, error) {
	return t.do(ctx, host, http.MethodPost, urlStr, headers, body, timeoutOverride, t.opts.MaxAttempts)
}

func (t *Transport) do(ctx context.Context, host, method, urlStr string, headers map[string]string, body []byte, timeoutOverride time.Duration, maxAttempts int) ([]byte, error) {
	if host == "" {
		if u, err := url.Parse(urlStr); err == nil {
			host = u.Host
		}
	}

	cb := t.breakerFor(host)
	timeout := t.opts.CallTimeout
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}
	if maxAttempts <= 0 {
		maxAttempts = t.opts.MaxAttempts
	}

	var lastErr error
	backoff := t.opts.BaseBackoff

	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		allowed, isProbe := cb.allow()
		if !allowed {
			return nil, &ErrCircuitOpen{Host: host}
		}

		if err := t.limiterFor(host).Wait(ctx); err != nil {
			return nil, err
		}

		respBody, callErr := t.attempt(ctx, method, urlStr, headers, body, timeout)
		if callErr == nil {
			cb.recordSuccess()
			return respBody, nil
		}

		cb.recordFailure()
		lastErr = callErr

		// A HalfOpen probe that failed re-opens the circuit; no point
		// burning remaining attempts against it.
		if isProbe {
			break
		}

		var httpErr *ErrHTTP
		if errors.As(callErr, &httpErr) {
			// Non-2xx is not a transport-level failure worth retrying
			// unless it's a 5xx; 4xx is returned to the caller as-is.
			if httpErr.Status < 500 {
				return nil, callErr
			}
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > t.opts.MaxBackoff {
			backoff = t.opts.MaxBackoff
		}
	}

	return nil, &ErrTransportExhausted{Host: host, Attempts: attempt, LastErr: lastErr}
}

func (t *Transport) attempt(ctx context.Context, method, urlStr string, headers map[string]string, body []byte, timeout time.Duration) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(callCtx, method, urlStr, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		host := req.URL.Host
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, &ErrTimeout{Host: host, Err: err}
		}
		return nil, &ErrConnectionFailed{Host: host, Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, &ErrConnectionFailed{Host: req.URL.Host, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, &ErrHTTP{Host: req.URL.Host, Status: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}
