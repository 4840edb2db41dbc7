// Package circuitbreaker shields the upstream weather API. Repeated failures
// open the circuit so fetches fail fast without a network round trip; after a
// cooldown, probe calls are let through and close it again once the upstream
// recovers.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rgustavsen/skycast/internal/observability"
)

// ErrOpen is returned while the circuit is open and the cooldown has not
// elapsed. Callers treat it like any other upstream failure.
var ErrOpen = errors.New("circuit open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning. Component names the guarded upstream; it
// labels the transition metric and the ErrOpen message.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	Component        string
	OnStateChange    func(from, to State)
}

// CircuitBreaker guards one upstream component. Transitions are published to
// the metrics registry and the optional OnStateChange hook; the hook runs
// outside the breaker lock, so it may call State without deadlocking.
type CircuitBreaker struct {
	mu             sync.RWMutex
	state          State
	failures       int
	probeSuccesses int
	lastFailure    time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	component        string
	onStateChange    func(from, to State)
}

// New creates a CircuitBreaker for the named component, applying defaults
// for any unset thresholds.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		cooldown:         cfg.Timeout,
		component:        cfg.Component,
		onStateChange:    cfg.OnStateChange,
	}
}

// Call runs fn when the circuit allows it. While open and inside the
// cooldown it returns ErrOpen without invoking fn; once the cooldown has
// elapsed the circuit moves to half-open and fn runs as a probe.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.observe(err)
	return err
}

// admit decides whether a call may proceed, moving an expired open circuit
// to half-open.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if time.Since(cb.lastFailure) < cb.cooldown {
		cb.mu.Unlock()
		return fmt.Errorf("%s: %w", cb.component, ErrOpen)
	}
	cb.state = StateHalfOpen
	cb.probeSuccesses = 0
	cb.mu.Unlock()
	cb.announce(StateOpen, StateHalfOpen)
	return nil
}

// observe records a call outcome. Any half-open failure, or reaching the
// failure threshold while closed, opens the circuit; enough consecutive
// probe successes close it.
func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	from := cb.state
	to := from
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
			cb.failures = 0
			to = StateOpen
		}
	} else {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.probeSuccesses++
			if cb.probeSuccesses >= cb.successThreshold {
				cb.state = StateClosed
				cb.probeSuccesses = 0
				to = StateClosed
			}
		}
	}
	cb.mu.Unlock()
	if to != from {
		cb.announce(from, to)
	}
}

func (cb *CircuitBreaker) announce(from, to State) {
	observability.CircuitBreakerTransitionsTotal.WithLabelValues(cb.component, to.String()).Inc()
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
