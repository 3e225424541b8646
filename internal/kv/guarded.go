// ABOUTME: Store decorator that routes every call through a circuit breaker
// ABOUTME: Missing keys are normal results and never count as breaker failures

package kv

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-dispatch/internal/breaker"
)

// Guarded protects an underlying Store with a circuit breaker. When the
// circuit is open, calls fail fast with a *breaker.OpenError.
type Guarded struct {
	next Store
	cb   *breaker.Breaker
}

// NewGuarded wraps next. The breaker is built from cfg with an IsFailure
// predicate that ignores ErrNotFound.
func NewGuarded(next Store, cfg breaker.Config) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "kv"
	}
	cfg.IsFailure = IsStoreFailure
	return Wrap(next, breaker.New(cfg))
}

// Wrap guards next with an existing breaker, typically one handed out by a
// breaker.Registry whose base config uses IsStoreFailure.
func Wrap(next Store, cb *breaker.Breaker) *Guarded {
	return &Guarded{next: next, cb: cb}
}

// IsStoreFailure reports whether err indicates the store is unhealthy.
func IsStoreFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}

// Breaker exposes the breaker for stats reporting.
func (g *Guarded) Breaker() *breaker.Breaker {
	return g.cb
}

func (g *Guarded) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.cb.Do(ctx, func(ctx context.Context) error {
		return g.next.Put(ctx, key, value, ttl)
	})
}

func (g *Guarded) Get(ctx context.Context, key string) ([]byte, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) ([]byte, error) {
		return g.next.Get(ctx, key)
	})
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.cb.Do(ctx, func(ctx context.Context) error {
		return g.next.Delete(ctx, key)
	})
}

func (g *Guarded) List(ctx context.Context, prefix string) ([]Key, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) ([]Key, error) {
		return g.next.List(ctx, prefix)
	})
}

// Sweep forwards to the wrapped store when it supports sweeping.
func (g *Guarded) Sweep(ctx context.Context) (int, error) {
	sw, ok := g.next.(Sweeper)
	if !ok {
		return 0, nil
	}
	return breaker.Execute(ctx, g.cb, sw.Sweep)
}

func (g *Guarded) Close() error {
	return g.next.Close()
}
