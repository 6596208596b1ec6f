// Package resilience guards calls to remote speech backends.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) that
// stops a session storm from hammering a backend that is already failing.
// [FallbackGroup] puts several interchangeable backends behind per-entry
// breakers and uses the first healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/sprechstunde/pkg/clock"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the state name.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and errors, e.g. the backend host.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 3.
	HalfOpenMax int

	// Clock supplies the time. Default: clock.Real().
	Clock clock.Clock

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	clock         clock.Clock
	onStateChange func(name string, from, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		clock:         cfg.Clock,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// transition is returned from locked sections so the hook runs unlocked.
type transition struct {
	from, to State
}

func (cb *CircuitBreaker) setStateLocked(to State, out *[]transition) {
	if cb.state == to {
		return
	}
	*out = append(*out, transition{from: cb.state, to: to})
	cb.state = to
}

func (cb *CircuitBreaker) notify(ts []transition) {
	for _, t := range ts {
		switch t.to {
		case StateOpen:
			slog.Warn("circuit breaker opened", "name", cb.name, "from", t.from.String())
		case StateHalfOpen:
			slog.Info("circuit breaker probing", "name", cb.name)
		case StateClosed:
			slog.Info("circuit breaker closed", "name", cb.name)
		}
		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, t.from, t.to)
		}
	}
}

// Execute runs fn if the breaker allows it. While open it returns
// [ErrCircuitOpen] without calling fn; while half-open only HalfOpenMax
// probes are let through. A call abandoned with [context.Canceled] counts
// as neither success nor failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	var ts []transition

	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.clock.Now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		cb.setStateLocked(StateHalfOpen, &ts)
	}
	probe := cb.state == StateHalfOpen
	if probe {
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(ts)
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(ts)
	ts = ts[:0]

	err := fn()

	cb.mu.Lock()
	switch {
	case errors.Is(err, context.Canceled):
		if probe && cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
			cb.halfOpenCalls--
		}
	case err != nil:
		cb.recordFailureLocked(probe, &ts)
	default:
		cb.recordSuccessLocked(probe, &ts)
	}
	cb.mu.Unlock()
	cb.notify(ts)
	return err
}

func (cb *CircuitBreaker) recordFailureLocked(probe bool, ts *[]transition) {
	if probe || cb.state == StateHalfOpen {
		cb.openedAt = cb.clock.Now()
		cb.consecutiveFail = cb.maxFailures
		cb.setStateLocked(StateOpen, ts)
		return
	}
	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		cb.openedAt = cb.clock.Now()
		cb.setStateLocked(StateOpen, ts)
	}
}

func (cb *CircuitBreaker) recordSuccessLocked(probe bool, ts *[]transition) {
	if !probe {
		cb.consecutiveFail = 0
		return
	}
	if cb.state != StateHalfOpen {
		// A concurrent probe already decided.
		return
	}
	cb.halfOpenOK++
	if cb.halfOpenOK >= cb.halfOpenMax {
		cb.consecutiveFail = 0
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		cb.setStateLocked(StateClosed, ts)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Ready reports an error while the breaker rejects calls. It has the shape
// of a health checker.
func (cb *CircuitBreaker) Ready(context.Context) error {
	if cb.State() == StateOpen {
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}
	return nil
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	var ts []transition
	cb.mu.Lock()
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.setStateLocked(StateClosed, &ts)
	cb.mu.Unlock()
	cb.notify(ts)
}
