// Package resilience guards the REST collaborators of an interview.
//
// [CircuitBreaker] stops calling an endpoint after repeated failures and
// probes it again once a cool-down has passed. [FallbackGroup] orders
// equivalent endpoints, each behind its own breaker, and moves on to the next
// one when a call fails. Errors marked with [Permanent] are answers, not
// outages: they neither trip a breaker nor trigger failover.
//
// All types are safe for concurrent use.
package resilience

import (
	"cmp"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen lets a few probe calls through. Enough successful probes
	// close the breaker; one failure opens it again.
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
	}
	return "unknown"
}

// MarshalText renders the state by name in status documents.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks, usually the endpoint
	// host.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the cool-down before probing. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes admitted, and the number of
	// successes needed to close. Default: 3.
	HalfOpenMax int

	// OnStateChange is called after each transition, outside the breaker's
	// lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// CircuitBreaker is a three-state breaker around one endpoint.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last transition to open
	probes   int       // admitted while half-open
	passed   int       // successful probes
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.MaxFailures = cmp.Or(max(cfg.MaxFailures, 0), 5)
	cfg.ResetTimeout = cmp.Or(max(cfg.ResetTimeout, 0), 30*time.Second)
	cfg.HalfOpenMax = cmp.Or(max(cfg.HalfOpenMax, 0), 3)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// transition is a state change to report once the lock is released.
type transition struct{ from, to State }

// Execute calls fn unless the breaker is open. While half-open only
// HalfOpenMax probes are admitted; further calls get [ErrCircuitOpen] until
// the probes settle. A [Permanent] error counts as a success.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err == nil || IsPermanent(err))
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	var changes []transition
	defer func() { cb.notify(changes) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if !cb.cooledLocked() {
			return false, ErrCircuitOpen
		}
		changes = append(changes, cb.moveLocked(StateHalfOpen))
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) settle(probe, ok bool) {
	var changes []transition
	defer func() { cb.notify(changes) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case probe && cb.state != StateHalfOpen:
		// Reset or another probe already decided.
	case probe && !ok:
		changes = append(changes, cb.moveLocked(StateOpen))
		slog.Warn("circuit breaker re-opened", "name", cb.cfg.Name)
	case probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			changes = append(changes, cb.moveLocked(StateClosed))
			slog.Info("circuit breaker closed", "name", cb.cfg.Name)
		}
	case ok:
		cb.failures = 0
	case cb.state == StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			changes = append(changes, cb.moveLocked(StateOpen))
			slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "consecutive_failures", cb.cfg.MaxFailures)
		}
	}
}

// moveLocked switches to state to and resets the counters that belong to it.
func (cb *CircuitBreaker) moveLocked(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	cb.failures, cb.probes, cb.passed = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.cfg.Now()
	}
	return t
}

func (cb *CircuitBreaker) cooledLocked() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		if c.from != c.to {
			cb.cfg.OnStateChange(cb.cfg.Name, c.from, c.to)
		}
	}
}

// State returns the breaker's state. An open breaker whose cool-down has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledLocked() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.moveLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify([]transition{t})
}
