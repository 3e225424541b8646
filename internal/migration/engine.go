// ABOUTME: Moves tasks and leases from the orchestrator:* aggregate-index schema to queue:* prefix keys
// ABOUTME: Every item is read, written, verified by re-read, and only then deleted from the old schema

package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/kv"
	"github.com/2389/coven-dispatch/internal/task"
)

// Old schema keys.
const (
	OldIndexKey    = "orchestrator:pending"
	OldTaskPrefix  = "orchestrator:queue:"
	OldLeasePrefix = "orchestrator:lease:"
)

const (
	DefaultTaskTTL = 7 * 24 * time.Hour
	MinLeaseTTL    = 60 * time.Second
)

// RollbackWarning is returned with every rollback. Deleted old-schema
// records are not restored.
const RollbackWarning = "rollback deletes every queue:task:* and queue:lease:* key and does not restore " +
	"orchestrator:* records; it is one-directional and destructive"

var (
	errNotInOldQueue  = errors.New("not found in old queue")
	errVerifyMismatch = errors.New("verification failed: new record does not match old record")
)

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	TaskTTL     time.Duration
	MinLeaseTTL time.Duration
	Now         func() time.Time
}

// Engine runs the schema migration against a kv.Store.
type Engine struct {
	kv          kv.Store
	taskTTL     time.Duration
	minLeaseTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// New creates an Engine.
func New(store kv.Store, opts Options, logger *slog.Logger) *Engine {
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = DefaultTaskTTL
	}
	if opts.MinLeaseTTL <= 0 {
		opts.MinLeaseTTL = MinLeaseTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		kv:          store,
		taskTTL:     opts.TaskTTL,
		minLeaseTTL: opts.MinLeaseTTL,
		now:         opts.Now,
		logger:      logger.With("component", "migration"),
	}
}

// Status describes both schemas. The old aggregate index is the only
// trigger for migration.
type Status struct {
	OldIndexExists bool `json:"old_index_exists"`
	OldIndexSize   int  `json:"old_index_size"`
	OldTasks       int  `json:"old_tasks"`
	OldLeases      int  `json:"old_leases"`
	NewTasks       int  `json:"new_tasks"`
	NewLeases      int  `json:"new_leases"`
	NeedsMigration bool `json:"needs_migration"`
}

// CategoryResult counts outcomes for one record kind.
type CategoryResult struct {
	Migrated int `json:"migrated"`
	Failed   int `json:"failed"`
}

// Result summarizes a Run. Errors holds one entry per failed item, plus
// any fatal error that stopped the run early.
type Result struct {
	Migrated         int            `json:"migrated"`
	Failed           int            `json:"failed"`
	Tasks            CategoryResult `json:"tasks"`
	Leases           CategoryResult `json:"leases"`
	Errors           []string       `json:"errors"`
	IndexDeleted     bool           `json:"index_deleted"`
	NothingToMigrate bool           `json:"nothing_to_migrate"`
}

// Partial reports whether any item failed.
func (r Result) Partial() bool {
	return r.Failed > 0 || len(r.Errors) > 0
}

// RollbackResult summarizes a Rollback.
type RollbackResult struct {
	Deleted int    `json:"deleted"`
	Tasks   int    `json:"tasks"`
	Leases  int    `json:"leases"`
	Warning string `json:"warning"`
}

// Status counts keys in both schemas.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status

	ids, err := e.readIndex(ctx)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return st, err
	default:
		st.OldIndexExists = true
		st.OldIndexSize = len(ids)
	}

	counts := []struct {
		prefix string
		dst    *int
	}{
		{OldTaskPrefix, &st.OldTasks},
		{OldLeasePrefix, &st.OldLeases},
		{task.TaskPrefix, &st.NewTasks},
		{task.LeasePrefix, &st.NewLeases},
	}
	for _, c := range counts {
		keys, err := e.kv.List(ctx, c.prefix)
		if err != nil {
			return st, fmt.Errorf("listing %s: %w", c.prefix, err)
		}
		*c.dst = len(keys)
	}

	st.NeedsMigration = st.OldIndexExists
	return st, nil
}

// Run migrates every task named in the old index and every old lease.
// It never returns an error; failures are recorded in the Result and a
// second run is safe. Ids already migrated show up as "not found in old
// queue" only while the index still exists.
func (e *Engine) Run(ctx context.Context) Result {
	res := Result{Errors: []string{}}

	ids, err := e.readIndex(ctx)
	if errors.Is(err, kv.ErrNotFound) {
		res.NothingToMigrate = true
		e.logger.Info("no old index found, nothing to migrate")
		return res
	}
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Index: %v", err))
		e.logger.Error("failed to read old index", "error", err)
		return res
	}

	e.logger.Info("migrating tasks", "count", len(ids))
	for _, id := range ids {
		if err := e.migrateTask(ctx, id); err != nil {
			res.Tasks.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("Task %s: %v", id, err))
			e.logger.Warn("task migration failed", "task_id", id, "error", err)
			continue
		}
		res.Tasks.Migrated++
	}

	leaseKeys, err := e.kv.List(ctx, OldLeasePrefix)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Leases: listing old leases: %v", err))
		e.logger.Error("failed to list old leases", "error", err)
	}
	for _, k := range leaseKeys {
		id := strings.TrimPrefix(k.Name, OldLeasePrefix)
		if err := e.migrateLease(ctx, id, k.ExpiresAt); err != nil {
			res.Leases.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("Lease %s: %v", id, err))
			e.logger.Warn("lease migration failed", "task_id", id, "error", err)
			continue
		}
		res.Leases.Migrated++
	}

	// Keep the index when nothing made it across so unmigrated work is
	// still discoverable.
	if res.Tasks.Migrated > 0 {
		if err := e.kv.Delete(ctx, OldIndexKey); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Index: deleting old index: %v", err))
			e.logger.Error("failed to delete old index", "error", err)
		} else {
			res.IndexDeleted = true
		}
	}

	res.Migrated = res.Tasks.Migrated + res.Leases.Migrated
	res.Failed = res.Tasks.Failed + res.Leases.Failed
	e.logger.Info("migration finished",
		"migrated", res.Migrated,
		"failed", res.Failed,
		"index_deleted", res.IndexDeleted,
	)
	return res
}

func (e *Engine) migrateTask(ctx context.Context, id string) error {
	oldKey := OldTaskPrefix + id
	value, err := e.kv.Get(ctx, oldKey)
	if errors.Is(err, kv.ErrNotFound) {
		return errNotInOldQueue
	}
	if err != nil {
		return fmt.Errorf("reading old record: %w", err)
	}
	return e.move(ctx, oldKey, task.TaskKey(id), value, e.taskTTL)
}

func (e *Engine) migrateLease(ctx context.Context, id string, expiresAt time.Time) error {
	oldKey := OldLeasePrefix + id
	value, err := e.kv.Get(ctx, oldKey)
	if errors.Is(err, kv.ErrNotFound) {
		// Expired between the scan and the read.
		return errNotInOldQueue
	}
	if err != nil {
		return fmt.Errorf("reading old record: %w", err)
	}

	if expiresAt.IsZero() {
		expiresAt = recordExpiry(value)
	}
	return e.move(ctx, oldKey, task.LeaseKey(id), value, e.leaseTTL(expiresAt))
}

// leaseTTL returns the remaining life of a lease, never less than the floor.
func (e *Engine) leaseTTL(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return e.minLeaseTTL
	}
	ttl := expiresAt.Sub(e.now())
	if ttl < e.minLeaseTTL {
		return e.minLeaseTTL
	}
	return ttl
}

// move writes value at newKey, re-reads it, and deletes oldKey only when
// the round trip matches byte for byte.
func (e *Engine) move(ctx context.Context, oldKey, newKey string, value []byte, ttl time.Duration) error {
	if err := e.kv.Put(ctx, newKey, value, ttl); err != nil {
		return fmt.Errorf("writing new record: %w", err)
	}

	got, err := e.kv.Get(ctx, newKey)
	if err != nil {
		return fmt.Errorf("verifying new record: %w", err)
	}
	if !bytes.Equal(got, value) {
		return errVerifyMismatch
	}

	if err := e.kv.Delete(ctx, oldKey); err != nil {
		return fmt.Errorf("deleting old record: %w", err)
	}
	return nil
}

// Rollback deletes every new-schema key. It does not recreate old-schema
// records; see RollbackWarning.
func (e *Engine) Rollback(ctx context.Context) (RollbackResult, error) {
	res := RollbackResult{Warning: RollbackWarning}

	for _, prefix := range []string{task.TaskPrefix, task.LeasePrefix} {
		keys, err := e.kv.List(ctx, prefix)
		if err != nil {
			return res, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, k := range keys {
			if err := e.kv.Delete(ctx, k.Name); err != nil {
				return res, fmt.Errorf("deleting %s: %w", k.Name, err)
			}
			res.Deleted++
			if prefix == task.TaskPrefix {
				res.Tasks++
			} else {
				res.Leases++
			}
		}
	}

	e.logger.Warn("rollback deleted new-schema keys", "deleted", res.Deleted)
	return res, nil
}

func (e *Engine) readIndex(ctx context.Context) ([]string, error) {
	data, err := e.kv.Get(ctx, OldIndexKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading %s: %w", OldIndexKey, err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", OldIndexKey, err)
	}
	return ids, nil
}

// recordExpiry extracts an expiresAt field from an old lease record. Both
// epoch milliseconds and RFC 3339 strings are accepted.
func recordExpiry(value []byte) time.Time {
	var rec struct {
		ExpiresAt json.RawMessage `json:"expiresAt"`
	}
	if err := json.Unmarshal(value, &rec); err != nil || len(rec.ExpiresAt) == 0 {
		return time.Time{}
	}

	var ms int64
	if err := json.Unmarshal(rec.ExpiresAt, &ms); err == nil {
		return time.UnixMilli(ms)
	}
	var s string
	if err := json.Unmarshal(rec.ExpiresAt, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
