package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "enrollgate/internal/errors"
)

// ── Circuit breaker state ────────────────────────────────────────────

// State represents the circuit breaker's operational state.
type State int

const (
	// StateClosed is normal operation; requests pass through.
	StateClosed State = iota
	// StateOpen means the device keeps failing; requests are rejected.
	StateOpen
	// StateHalfOpen allows a limited number of probes to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ── Configuration ────────────────────────────────────────────────────

// CircuitBreakerConfig configures a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	// the circuit (default 5).
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before moving to
	// half-open (default 30s).
	ResetTimeout time.Duration
	// HalfOpenMax is the number of consecutive successes in half-open
	// state required to close the circuit (default 2).
	HalfOpenMax int
	// OnStateChange is called whenever the state transitions.  It runs
	// under the lock, so keep it fast.
	OnStateChange func(from, to State)
	// Counts decides whether a failed request counts towards tripping
	// the circuit.  Nil counts every non-nil error.
	Counts func(err error) bool
	// Now is the clock used for reset timing (default time.Now).
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  2,
	}
}

// ── CircuitBreaker ───────────────────────────────────────────────────

// CircuitBreaker stops the pool from hammering a device that keeps
// failing to connect.  It tracks consecutive failures and rejects
// requests for ResetTimeout once the threshold is crossed.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	lastFailure   time.Time
	onStateChange func(from, to State)
	counts        func(error) bool
	now           func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig()
	}
	maxF := cfg.MaxFailures
	if maxF <= 0 {
		maxF = 5
	}
	rt := cfg.ResetTimeout
	if rt <= 0 {
		rt = 30 * time.Second
	}
	hom := cfg.HalfOpenMax
	if hom <= 0 {
		hom = 2
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		state:         StateClosed,
		maxFailures:   maxF,
		resetTimeout:  rt,
		halfOpenMax:   hom,
		onStateChange: cfg.OnStateChange,
		counts:        cfg.Counts,
		now:           now,
	}
}

// Execute runs fn through the circuit breaker.  When the circuit is
// open, fn is not called and an error wrapping
// [ncerr.ErrCircuitOpen] is returned immediately.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow reports whether a request may proceed.  Callers that use Allow
// directly must follow up with exactly one [CircuitBreaker.Record].
func (cb *CircuitBreaker) Allow() error {
	return cb.beforeRequest()
}

// Peek returns the error Allow would return for an open circuit, without
// moving it to half-open.  It needs no Record.
func (cb *CircuitBreaker) Peek() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return nil
	}
	since := cb.now().Sub(cb.lastFailure)
	if since > cb.resetTimeout {
		return nil
	}
	return cb.openError(since)
}

// Record feeds the outcome of a request allowed by Allow back into the
// breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.afterRequest(err)
}

// CurrentState returns the current circuit breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the circuit breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.transition(StateClosed)
}

// ── internal ─────────────────────────────────────────────────────────

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		since := cb.now().Sub(cb.lastFailure)
		if since > cb.resetTimeout {
			cb.transition(StateHalfOpen)
			return nil
		}
		return cb.openError(since)
	case StateHalfOpen:
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) openError(since time.Duration) error {
	remaining := cb.resetTimeout - since
	return fmt.Errorf("%w: %d consecutive failures, retry in %v",
		ncerr.ErrCircuitOpen, cb.failures, remaining.Truncate(time.Second))
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.counts != nil && !cb.counts(err) {
		return
	}
	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.now()

		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
	} else {
		cb.successes++

		switch cb.state {
		case StateHalfOpen:
			if cb.successes >= cb.halfOpenMax {
				cb.failures = 0
				cb.transition(StateClosed)
			}
		case StateClosed:
			cb.failures = 0
		}
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
