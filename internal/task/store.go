// ABOUTME: Task/Lease store over a prefix-keyed kv.Store
// ABOUTME: Tasks live at queue:task:<id>, leases at queue:lease:<id>; there is no pending index

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/kv"
)

// Key prefixes of the current schema.
const (
	TaskPrefix  = "queue:task:"
	LeasePrefix = "queue:lease:"
)

const (
	DefaultTaskTTL  = 7 * 24 * time.Hour
	DefaultLeaseTTL = 5 * time.Minute
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrDuplicateID       = errors.New("task id already exists")
	ErrInvalidTask       = errors.New("invalid task")
	ErrNotClaimable      = errors.New("task is not pending")
	ErrAlreadyLeased     = errors.New("task already leased")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotHolder         = errors.New("task not claimed by holder")
	ErrUndecodable       = errors.New("task record cannot be decoded")
)

// TaskKey returns the kv key for a task id.
func TaskKey(id string) string { return TaskPrefix + id }

// LeaseKey returns the kv key for the lease on a task id.
func LeaseKey(id string) string { return LeasePrefix + id }

// Options tunes a Store. Zero values select the defaults.
type Options struct {
	TaskTTL  time.Duration
	LeaseTTL time.Duration
	Now      func() time.Time
	// Logger receives warnings about records List has to skip.
	Logger *slog.Logger
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Status     Status
	AssignedTo string
	Type       Type
}

func (f Filter) match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	return true
}

// Store persists tasks and leases.
//
// Operations are not transactional. Claim is a read-then-write and two
// concurrent claimants can both succeed; callers get at most one apparent
// owner in practice, not a guarantee.
type Store struct {
	kv       kv.Store
	taskTTL  time.Duration
	leaseTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore creates a Store over the given kv backend.
func NewStore(backend kv.Store, opts Options) *Store {
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = DefaultTaskTTL
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		kv:       backend,
		taskTTL:  opts.TaskTTL,
		leaseTTL: opts.LeaseTTL,
		now:      opts.Now,
		logger:   opts.Logger,
	}
}

// LeaseTTL returns the lifetime given to new leases.
func (s *Store) LeaseTTL() time.Duration {
	return s.leaseTTL
}

// Enqueue stores t as a new pending task. A missing id is generated.
func (s *Store) Enqueue(ctx context.Context, t Task) (*Task, error) {
	if !t.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTask, t.Type)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	} else if strings.ContainsAny(t.ID, ": ") {
		return nil, fmt.Errorf("%w: id %q contains reserved characters", ErrInvalidTask, t.ID)
	}

	if _, err := s.Get(ctx, t.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	t.Status = StatusPending
	t.AssignedTo = ""
	t.Result = nil
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if err := s.putTask(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Get returns the task with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.kv.Get(ctx, TaskKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUndecodable, id, err)
	}
	return &t, nil
}

// List enumerates tasks by prefix scan and returns those matching f,
// oldest first. Records that cannot be decoded are logged and skipped so one
// bad record does not hide the rest of the queue.
func (s *Store) List(ctx context.Context, f Filter) ([]*Task, error) {
	keys, err := s.kv.List(ctx, TaskPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	tasks := make([]*Task, 0, len(keys))
	for _, k := range keys {
		t, err := s.Get(ctx, strings.TrimPrefix(k.Name, TaskPrefix))
		if errors.Is(err, ErrNotFound) {
			// Expired or deleted between the scan and the read.
			continue
		}
		if errors.Is(err, ErrUndecodable) {
			s.logger.Warn("skipping undecodable task record", "key", k.Name, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.match(t) {
			tasks = append(tasks, t)
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].EnqueuedAt.Before(tasks[j].EnqueuedAt)
	})
	return tasks, nil
}

// ListPending returns pending tasks in dispatch order: highest priority
// first, then oldest enqueue time.
func (s *Store) ListPending(ctx context.Context) ([]*Task, error) {
	tasks, err := s.List(ctx, Filter{Status: StatusPending})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].EnqueuedAt.Before(tasks[j].EnqueuedAt)
	})
	return tasks, nil
}

// Claim leases a pending task to holder and marks it claimed. The lease is
// written before the task status so a crash in between leaves a pending task
// with a lease that simply expires.
func (s *Store) Claim(ctx context.Context, id, holder string) (*Task, *Lease, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != StatusPending {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotClaimable, id, t.Status)
	}

	existing, err := s.GetLease(ctx, id)
	if err == nil {
		return nil, nil, fmt.Errorf("%w: %s held by %s", ErrAlreadyLeased, id, existing.Holder)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	lease, err := s.writeLease(ctx, id, holder)
	if err != nil {
		return nil, nil, err
	}

	t.Status = StatusClaimed
	t.AssignedTo = holder
	t.UpdatedAt = s.now()
	if err := s.putTask(ctx, t); err != nil {
		return nil, nil, err
	}
	return t, lease, nil
}

// Renew extends the lease on a task still claimed by holder. A lapsed
// lease is rewritten as long as the task has not been reclaimed.
func (s *Store) Renew(ctx context.Context, id, holder string) (*Lease, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusClaimed || t.AssignedTo != holder {
		return nil, fmt.Errorf("%w: %s is %s for %q", ErrNotHolder, id, t.Status, t.AssignedTo)
	}
	return s.writeLease(ctx, id, holder)
}

func (s *Store) writeLease(ctx context.Context, id, holder string) (*Lease, error) {
	lease := &Lease{TaskID: id, Holder: holder, ExpiresAt: s.now().Add(s.leaseTTL)}
	data, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("encoding lease %s: %w", id, err)
	}
	if err := s.kv.Put(ctx, LeaseKey(id), data, s.leaseTTL); err != nil {
		return nil, fmt.Errorf("writing lease %s: %w", id, err)
	}
	return lease, nil
}

// GetLease returns the live lease for a task. Expired leases are reported
// as ErrNotFound even if the backend has not removed them yet.
func (s *Store) GetLease(ctx context.Context, id string) (*Lease, error) {
	data, err := s.kv.Get(ctx, LeaseKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading lease %s: %w", id, err)
	}

	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decoding lease %s: %w", id, err)
	}
	if l.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return &l, nil
}

// Complete records a successful result and ends the lease.
func (s *Store) Complete(ctx context.Context, id string, result Result) (*Task, error) {
	return s.finish(ctx, id, StatusCompleted, result)
}

// Fail records a failed result and ends any lease.
func (s *Store) Fail(ctx context.Context, id string, result Result) (*Task, error) {
	return s.finish(ctx, id, StatusFailed, result)
}

func (s *Store) finish(ctx context.Context, id string, to Status, result Result) (*Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, to) {
		return nil, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, t.Status, to)
	}

	result.TaskID = id
	t.Status = to
	t.Result = &result
	t.UpdatedAt = s.now()
	if err := s.putTask(ctx, t); err != nil {
		return nil, err
	}
	if err := s.kv.Delete(ctx, LeaseKey(id)); err != nil {
		return nil, fmt.Errorf("deleting lease %s: %w", id, err)
	}
	return t, nil
}

// Release returns a claimed task to pending and drops its lease.
func (s *Store) Release(ctx context.Context, id string) (*Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusClaimed {
		return nil, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, t.Status, StatusPending)
	}
	return t, s.requeue(ctx, t)
}

func (s *Store) requeue(ctx context.Context, t *Task) error {
	if err := s.kv.Delete(ctx, LeaseKey(t.ID)); err != nil {
		return fmt.Errorf("deleting lease %s: %w", t.ID, err)
	}
	t.Status = StatusPending
	t.AssignedTo = ""
	t.UpdatedAt = s.now()
	return s.putTask(ctx, t)
}

// ReclaimExpired returns every claimed task whose lease is missing or
// expired to pending. It returns the ids it requeued.
func (s *Store) ReclaimExpired(ctx context.Context) ([]string, error) {
	claimed, err := s.List(ctx, Filter{Status: StatusClaimed})
	if err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, t := range claimed {
		_, err := s.GetLease(ctx, t.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return reclaimed, err
		}
		if err := s.requeue(ctx, t); err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, t.ID)
	}
	return reclaimed, nil
}

// Delete removes a task and its lease.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, LeaseKey(id)); err != nil {
		return fmt.Errorf("deleting lease %s: %w", id, err)
	}
	if err := s.kv.Delete(ctx, TaskKey(id)); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

func (s *Store) putTask(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	if err := s.kv.Put(ctx, TaskKey(t.ID), data, s.taskTTL); err != nil {
		return fmt.Errorf("writing task %s: %w", t.ID, err)
	}
	return nil
}
