// Package resilience provides the failure-handling primitives shared by the
// STT router and the conversation assembler.
//
// [CircuitBreaker] guards stream starts against a provider that keeps
// refusing connections, so new sessions fail fast instead of each waiting out
// a connect timeout. [Retry] runs an operation with exponential backoff, for
// writes that must eventually land.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects every call until the cooldown has passed.
	StateOpen
	// StateHalfOpen lets one probe through at a time.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels logs and state-change callbacks.
	Name string

	// MaxFailures consecutive failures open a closed breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// Probes is the number of successful half-open calls that close the
	// breaker again. Default 2.
	Probes int

	// IsFailure picks the errors that count. Others pass through without
	// touching the counters. Default: everything but context cancellation.
	IsFailure func(error) bool

	// OnStateChange is called after a transition, outside the lock.
	OnStateChange func(name string, from, to State)

	Logger *slog.Logger

	// Now replaces the wall clock in tests.
	Now func() time.Time
}

// Counts is a snapshot of a breaker's bookkeeping.
type Counts struct {
	State               State
	ConsecutiveFailures int
	Rejected            uint64
	Trips               uint64
}

// CircuitBreaker is a closed/open/half-open breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
	rejected  uint64
	trips     uint64
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, log: cfg.Logger.With("breaker", cfg.Name)}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow asks for permission to make one call. On success the caller must
// report the call's outcome through done exactly once.
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.state = StateHalfOpen
		cb.successes = 0
	}
	switch {
	case cb.state == StateOpen, cb.state == StateHalfOpen && cb.probing:
		cb.rejected++
		to := cb.state
		cb.mu.Unlock()
		cb.notify(from, to)
		return nil, ErrCircuitOpen
	case cb.state == StateHalfOpen:
		cb.probing = true
	}
	probe := cb.state == StateHalfOpen
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)

	var once sync.Once
	return func(err error) { once.Do(func() { cb.report(probe, err) }) }, nil
}

// Execute runs fn under the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (cb *CircuitBreaker) report(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if probe {
		cb.probing = false
	}
	switch {
	case err == nil:
		cb.failures = 0
		if probe && cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.Probes {
				cb.state = StateClosed
				cb.log.Info("circuit breaker closed")
			}
		}
	case cb.cfg.IsFailure(err):
		cb.failures++
		if probe || (cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures) {
			cb.trip()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// trip opens the breaker. cb.mu must be held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.trips++
	cb.log.Warn("circuit breaker opened", "consecutive_failures", cb.failures, "retry_in", cb.cfg.ResetTimeout)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has passed
// reports half-open even before the next call moves it there.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Counts returns a snapshot of the breaker.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{
		State:               cb.stateLocked(),
		ConsecutiveFailures: cb.failures,
		Rejected:            cb.rejected,
		Trips:               cb.trips,
	}
}

// Reset closes the breaker and clears the failure streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.successes, cb.probing = 0, 0, false
	cb.mu.Unlock()
	cb.log.Info("circuit breaker reset")
	cb.notify(from, StateClosed)
}
