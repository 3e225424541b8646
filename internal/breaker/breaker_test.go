// ABOUTME: Tests for the circuit breaker state machine and registry.
// ABOUTME: Uses a manual clock to drive cooldowns deterministically.

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingOp records how many times the wrapped operation actually ran.
type countingOp struct {
	calls int
}

func (o *countingOp) fail(ctx context.Context) error {
	o.calls++
	return errBoom
}

func (o *countingOp) succeed(ctx context.Context) error {
	o.calls++
	return nil
}

func newTestBreaker(clock *manualClock) *Breaker {
	return New(Config{
		Name:             "github-api",
		FailureThreshold: 3,
		ResetTimeout:     10 * time.Second,
		SuccessThreshold: 2,
		Now:              clock.Now,
	})
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newManualClock()
	b := newTestBreaker(clock)
	op := &countingOp{}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(ctx, op.fail), errBoom)
		assert.Equal(t, StateClosed, b.State())
	}

	assert.ErrorIs(t, b.Do(ctx, op.fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, op.calls)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	clock := newManualClock()
	b := newTestBreaker(clock)
	op := &countingOp{}
	ctx := context.Background()

	_ = b.Do(ctx, op.fail)
	_ = b.Do(ctx, op.fail)
	require.NoError(t, b.Do(ctx, op.succeed))
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)

	_ = b.Do(ctx, op.fail)
	_ = b.Do(ctx, op.fail)
	assert.Equal(t, StateClosed, b.State(), "threshold must be reached again from scratch")

	_ = b.Do(ctx, op.fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	clock := newManualClock()
	b := newTestBreaker(clock)
	op := &countingOp{}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, op.fail)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(4 * time.Second)
	err := b.Do(ctx, op.succeed)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, "github-api", openErr.Name)
	assert.Equal(t, int64(6000), openErr.RemainingMs())
	assert.Equal(t, 3, op.calls, "wrapped function must not run while open")
}

func TestBreaker_HalfOpenProbeSequence(t *testing.T) {
	clock := newManualClock()
	b := newTestBreaker(clock)
	op := &countingOp{}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, op.fail)
	}
	clock.Advance(10 * time.Second)

	require.NoError(t, b.Do(ctx, op.succeed))
	assert.Equal(t, StateHalfOpen, b.State(), "one success is below the success threshold")

	require.NoError(t, b.Do(ctx, op.succeed))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newManualClock()
	b := newTestBreaker(clock)
	op := &countingOp{}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, op.fail)
	}
	clock.Advance(10 * time.Second)

	require.NoError(t, b.Do(ctx, op.succeed))
	assert.ErrorIs(t, b.Do(ctx, op.fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// Cooldown restarts from the probe failure.
	clock.Advance(9 * time.Second)
	err := b.Do(ctx, op.succeed)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, int64(1000), openErr.RemainingMs())
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	clock := newManualClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, func(context.Context) error { return errBoom })
	}
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	invoked := false
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)

	close(release)
	require.NoError(t, <-done)
}

func TestBreaker_PanicInHalfOpenReopens(t *testing.T) {
	clock := newManualClock()
	b := newTestBreaker(clock)
	op := &countingOp{}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, op.fail)
	}
	clock.Advance(10 * time.Second)

	assert.PanicsWithValue(t, "backend exploded", func() {
		_ = b.Do(ctx, func(context.Context) error { panic("backend exploded") })
	})
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int64(4), b.Stats().TotalFailures)

	err := b.Do(ctx, op.succeed)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 10*time.Second, openErr.Remaining)

	clock.Advance(10 * time.Second)
	require.NoError(t, b.Do(ctx, op.succeed))
	assert.Equal(t, 4, op.calls)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_LifetimeCountersAndReset(t *testing.T) {
	clock := newManualClock()
	b := newTestBreaker(clock)
	op := &countingOp{}
	ctx := context.Background()

	_ = b.Do(ctx, op.fail)
	_ = b.Do(ctx, op.succeed)
	_ = b.Do(ctx, op.fail)
	_ = b.Do(ctx, op.fail)
	_ = b.Do(ctx, op.fail)
	_ = b.Do(ctx, op.succeed) // rejected

	stats := b.Stats()
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, int64(6), stats.TotalRequests)
	assert.Equal(t, int64(4), stats.TotalFailures)
	assert.Equal(t, clock.Now(), stats.LastFailure)

	b.Reset()
	stats = b.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.TotalFailures)
	assert.True(t, stats.LastFailure.IsZero())
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	errMissing := errors.New("missing")
	b := New(Config{
		Name:             "store",
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errMissing) },
	})

	err := b.Do(context.Background(), func(context.Context) error { return errMissing })
	assert.ErrorIs(t, err, errMissing)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().TotalFailures)
}

func TestExecute_ReturnsValue(t *testing.T) {
	b := New(Config{Name: "calc"})
	v, err := Execute(context.Background(), b, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1})

	a := r.Get("kv")
	assert.Same(t, a, r.Get("kv"))
	assert.Equal(t, "kv", a.Name())

	_ = r.Get("github").Do(context.Background(), func(context.Context) error { return errBoom })

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "github", snap[0].Name)
	assert.Equal(t, StateOpen, snap[0].State)
	assert.Equal(t, "kv", snap[1].Name)
	assert.Equal(t, StateClosed, snap[1].State)
}
