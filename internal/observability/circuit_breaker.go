package observability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute without invoking the wrapped function
// while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates the circuit is open and calls fail fast.
	StateOpen
	// StateHalfOpen indicates a single probe call is allowed to test recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
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

// CircuitBreaker guards calls to an external dependency. Consecutive failures
// within the monitor window open the circuit; after the timeout a single
// half-open probe decides whether it closes again. ForceOpen/ForceClose are
// operational overrides.
type CircuitBreaker struct {
	mu sync.Mutex

	name      string
	threshold int
	timeout   time.Duration
	window    time.Duration

	state        CircuitBreakerState
	failureCount int
	firstFailure time.Time
	lastFailure  time.Time
	probing      bool
	forced       bool

	totalCalls    int64
	totalFailures int64
	stateChanges  int64
}

// NewCircuitBreaker creates a breaker with the given consecutive-failure
// threshold, open timeout, and failure monitor window.
func NewCircuitBreaker(name string, threshold int, timeout, window time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if window <= 0 {
		window = time.Minute
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		window:    window,
		state:     StateClosed,
	}
}

// Execute runs fn under the breaker. While open (and before the timeout has
// elapsed) fn is not invoked and ErrCircuitOpen is returned. In half-open
// state only one probe runs at a time; concurrent callers fail fast.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.forced || time.Since(cb.lastFailure) < cb.timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	if cb.forced {
		cb.probing = false
		return
	}

	if err == nil {
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
			slog.Info("circuit breaker closed after successful probe",
				slog.String("breaker", cb.name))
		}
		cb.failureCount = 0
		cb.probing = false
		return
	}

	cb.totalFailures++
	now := time.Now()
	// Consecutive failures only count within the monitor window.
	if cb.failureCount == 0 || now.Sub(cb.firstFailure) > cb.window {
		cb.failureCount = 0
		cb.firstFailure = now
	}
	cb.failureCount++
	cb.lastFailure = now

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.threshold {
			cb.transition(StateOpen)
			slog.Warn("circuit breaker opened",
				slog.String("breaker", cb.name),
				slog.Int("failures", cb.failureCount),
				slog.Int("threshold", cb.threshold))
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
		slog.Warn("circuit breaker re-opened after failed probe",
			slog.String("breaker", cb.name))
	}
	cb.probing = false
}

func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.stateChanges++
	if to == StateClosed {
		cb.failureCount = 0
		cb.probing = false
	}
}

// ForceOpen opens the circuit until ForceClose is called. Probes are
// suppressed while forced.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = true
	cb.lastFailure = time.Now()
	cb.transition(StateOpen)
	slog.Warn("circuit breaker forced open", slog.String("breaker", cb.name))
}

// ForceClose closes the circuit and clears the forced flag and counters.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = false
	cb.transition(StateClosed)
	slog.Info("circuit breaker forced closed", slog.String("breaker", cb.name))
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns breaker statistics for the health snapshot.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"name":           cb.name,
		"state":          cb.state.String(),
		"failure_count":  cb.failureCount,
		"threshold":      cb.threshold,
		"timeout":        cb.timeout.String(),
		"window":         cb.window.String(),
		"total_calls":    cb.totalCalls,
		"total_failures": cb.totalFailures,
		"state_changes":  cb.stateChanges,
		"last_failure":   cb.lastFailure.Format(time.RFC3339),
		"forced":         cb.forced,
	}
}
