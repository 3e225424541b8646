// ABOUTME: Circuit breaker that fast-fails calls to a dependency after repeated failures.
// ABOUTME: CLOSED -> OPEN on threshold, OPEN -> HALF_OPEN after cooldown, probes close it again.

package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the position of a breaker in its state machine.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Default thresholds, suitable for wrapping a third-party API.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultSuccessThreshold = 2
)

// ErrOpen matches every rejection produced by an open circuit.
var ErrOpen = errors.New("circuit open")

// OpenError is returned instead of invoking the wrapped operation while the
// circuit is open. Remaining is the cooldown left before a probe is allowed.
type OpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry in %dms", e.Name, e.RemainingMs())
}

// RemainingMs returns the remaining cooldown in whole milliseconds.
func (e *OpenError) RemainingMs() int64 {
	return e.Remaining.Milliseconds()
}

// Is lets errors.Is(err, ErrOpen) match any OpenError.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config controls a single breaker. Zero values are replaced by defaults.
type Config struct {
	// Name identifies the protected dependency in errors and logs.
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int

	// IsFailure decides whether an error returned by the wrapped call counts
	// against the circuit. Defaults to any non-nil error.
	IsFailure func(error) bool

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalRequests        int64     `json:"total_requests"`
	TotalFailures        int64     `json:"total_failures"`
	LastFailure          time.Time `json:"last_failure,omitzero"`
	StateChangedAt       time.Time `json:"state_changed_at"`
}

// Breaker guards calls to one dependency. It is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu             sync.Mutex
	state          State
	failures       int // consecutive failures while CLOSED
	successes      int // consecutive probe successes while HALF_OPEN
	probing        bool
	openedAt       time.Time
	stateChangedAt time.Time
	totalRequests  int64
	totalFailures  int64
	lastFailure    time.Time
}

// New creates a CLOSED breaker.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:            cfg,
		state:          StateClosed,
		stateChangedAt: cfg.Now(),
	}
}

// Name returns the protected dependency name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Do runs fn through the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn through b and returns its result. While the circuit is open
// fn is not invoked and an *OpenError is returned. A panic in fn counts as a
// failure and is propagated.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.acquire(); err != nil {
		return zero, err
	}

	returned := false
	defer func() {
		if !returned {
			b.record(true)
		}
	}()

	v, err := fn(ctx)
	returned = true
	b.record(err != nil && b.cfg.IsFailure(err))
	return v, err
}

// acquire decides whether a call may proceed and moves OPEN -> HALF_OPEN
// once the cooldown has elapsed.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	now := b.cfg.Now()

	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.ResetTimeout {
			return &OpenError{Name: b.cfg.Name, Remaining: b.cfg.ResetTimeout - elapsed}
		}
		b.transition(StateHalfOpen, now)
		b.probing = true
		return nil

	case StateHalfOpen:
		if b.probing {
			return &OpenError{Name: b.cfg.Name}
		}
		b.probing = true
		return nil
	}

	return nil
}

// record applies the outcome of a call that was let through.
func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()

	if b.state == StateHalfOpen {
		b.probing = false
	}

	if !failed {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transition(StateClosed, now)
			}
		}
		return
	}

	b.totalFailures++
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.trip(now)
	case StateOpen:
		// A call admitted before another caller tripped the circuit.
	}
}

func (b *Breaker) trip(now time.Time) {
	b.transition(StateOpen, now)
	b.openedAt = now
}

// transition must be called with mu held.
func (b *Breaker) transition(to State, now time.Time) {
	b.state = to
	b.stateChangedAt = now
	b.failures = 0
	b.successes = 0
	if to != StateHalfOpen {
		b.probing = false
	}
}

// State returns the current state. An OPEN breaker whose cooldown has elapsed
// still reports OPEN until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a copy of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:                 b.cfg.Name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		TotalRequests:        b.totalRequests,
		TotalFailures:        b.totalFailures,
		LastFailure:          b.lastFailure,
		StateChangedAt:       b.stateChangedAt,
	}
}

// Reset forces the breaker CLOSED and zeroes every counter, including the
// lifetime totals.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(StateClosed, b.cfg.Now())
	b.openedAt = time.Time{}
	b.totalRequests = 0
	b.totalFailures = 0
	b.lastFailure = time.Time{}
}
