// ABOUTME: Contract tests run against both SQLiteStore and MemoryStore
// ABOUTME: Covers put/get/delete, TTL expiry, prefix listing and the breaker decorator

package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/breaker"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestSQLiteStore(t *testing.T, clock *testClock) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(DriverModernc, filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	s.now = clock.Now
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestMemoryStore(t *testing.T, clock *testClock) *MemoryStore {
	t.Helper()
	m := NewMemoryStore()
	m.Now = clock.Now
	return m
}

type storeFactory func(t *testing.T, clock *testClock) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"sqlite": func(t *testing.T, c *testClock) Store { return newTestSQLiteStore(t, c) },
		"memory": func(t *testing.T, c *testClock) Store { return newTestMemoryStore(t, c) },
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &testClock{now: time.Unix(1_700_000_000, 0)}
			s := factory(t, clock)

			require.NoError(t, s.Put(ctx, "queue:task:a", []byte(`{"id":"a"}`), 0))

			got, err := s.Get(ctx, "queue:task:a")
			require.NoError(t, err)
			assert.Equal(t, `{"id":"a"}`, string(got))

			require.NoError(t, s.Put(ctx, "queue:task:a", []byte(`{"id":"a","v":2}`), 0))
			got, err = s.Get(ctx, "queue:task:a")
			require.NoError(t, err)
			assert.Equal(t, `{"id":"a","v":2}`, string(got))

			require.NoError(t, s.Delete(ctx, "queue:task:a"))
			_, err = s.Get(ctx, "queue:task:a")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, s.Delete(ctx, "queue:task:missing"))
		})
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &testClock{now: time.Unix(1_700_000_000, 0)}
			s := factory(t, clock)

			require.NoError(t, s.Put(ctx, "queue:lease:a", []byte("x"), time.Minute))

			keys, err := s.List(ctx, "queue:lease:")
			require.NoError(t, err)
			require.Len(t, keys, 1)
			assert.Equal(t, clock.now.Add(time.Minute).UnixMilli(), keys[0].ExpiresAt.UnixMilli())

			clock.now = clock.now.Add(time.Minute)

			_, err = s.Get(ctx, "queue:lease:a")
			assert.ErrorIs(t, err, ErrNotFound)

			keys, err = s.List(ctx, "queue:lease:")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestStore_ListByPrefix(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &testClock{now: time.Unix(1_700_000_000, 0)}
			s := factory(t, clock)

			for _, k := range []string{"queue:task:b", "queue:task:a", "queue:lease:a", "queue:taskx", "orchestrator:queue:c"} {
				require.NoError(t, s.Put(ctx, k, []byte("v"), 0))
			}

			keys, err := s.List(ctx, "queue:task:")
			require.NoError(t, err)
			require.Len(t, keys, 2)
			assert.Equal(t, "queue:task:a", keys[0].Name)
			assert.Equal(t, "queue:task:b", keys[1].Name)
			assert.True(t, keys[0].ExpiresAt.IsZero())

			keys, err = s.List(ctx, "nothing:")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestStore_Sweep(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &testClock{now: time.Unix(1_700_000_000, 0)}
			s := factory(t, clock)

			require.NoError(t, s.Put(ctx, "a", []byte("1"), time.Second))
			require.NoError(t, s.Put(ctx, "b", []byte("2"), time.Hour))
			require.NoError(t, s.Put(ctx, "c", []byte("3"), 0))

			clock.now = clock.now.Add(2 * time.Second)

			n, err := s.(Sweeper).Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			keys, err := s.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, keys, 2)
		})
	}
}

func TestNewSQLiteStore_UnknownDriver(t *testing.T) {
	_, err := NewSQLiteStore("postgres", filepath.Join(t.TempDir(), "kv.db"))
	assert.Error(t, err)
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "kv.db")
	s, err := NewSQLiteStore("", path)
	require.NoError(t, err)
	defer s.Close()
	assert.FileExists(t, path)
}

// failingStore fails every operation with a transport-style error.
type failingStore struct {
	*MemoryStore
	calls int
}

var errUnavailable = errors.New("store unavailable")

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.calls++
	return nil, errUnavailable
}

func TestGuarded_OpensOnStoreFailures(t *testing.T) {
	inner := &failingStore{MemoryStore: NewMemoryStore()}
	g := NewGuarded(inner, breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	_, err := g.Get(ctx, "a")
	assert.ErrorIs(t, err, errUnavailable)
	_, err = g.Get(ctx, "a")
	assert.ErrorIs(t, err, errUnavailable)

	_, err = g.Get(ctx, "a")
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, breaker.StateOpen, g.Breaker().State())
}

func TestGuarded_NotFoundIsNotAFailure(t *testing.T) {
	g := NewGuarded(NewMemoryStore(), breaker.Config{FailureThreshold: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, breaker.StateClosed, g.Breaker().State())

	require.NoError(t, g.Put(ctx, "k", []byte("v"), 0))
	v, err := g.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestWrap_SharesRegistryBreaker(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute, IsFailure: IsStoreFailure})
	inner := &failingStore{MemoryStore: NewMemoryStore()}
	g := Wrap(inner, reg.Get("store"))
	ctx := context.Background()

	_, err := g.Get(ctx, "a")
	assert.ErrorIs(t, err, errUnavailable)

	stats := reg.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, "store", stats[0].Name)
	assert.Equal(t, breaker.StateOpen, stats[0].State)
}
