// Package repomon polls local git working copies and reports which ones
// changed since the previous poll.
package repomon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNotRepository is returned for paths that are not git working copies.
var ErrNotRepository = errors.New("not a git repository")

// maxConcurrentChecks limits parallel git invocations per poll.
const maxConcurrentChecks = 4

// CommandRunner abstracts command execution so tests can fake git.
type CommandRunner interface {
	// Run executes name in dir and returns its standard output.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// CLIRunner runs commands with os/exec.
type CLIRunner struct{}

// Run executes the command. A non-zero exit is reported with its stderr.
func (CLIRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, err
	}
	return out, nil
}

// Observation is the result of polling one repository.
type Observation struct {
	Status  Status
	Changed bool
}

// Monitor tracks a fixed set of repository paths. It retains the last
// status per path only to decide whether the next poll changed anything.
type Monitor struct {
	paths  []string
	runner CommandRunner
	logger *slog.Logger
	now    func() time.Time

	// pollMu serializes PollChanged so two ticks never overlap.
	pollMu sync.Mutex

	mu   sync.Mutex
	last map[string]Status
}

// New creates a Monitor. A nil runner uses CLIRunner.
func New(paths []string, runner CommandRunner, logger *slog.Logger) *Monitor {
	if runner == nil {
		runner = CLIRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		paths:  append([]string(nil), paths...),
		runner: runner,
		logger: logger.With("component", "repomon"),
		now:    time.Now,
		last:   make(map[string]Status),
	}
}

// Paths returns the monitored paths.
func (m *Monitor) Paths() []string {
	return append([]string(nil), m.paths...)
}

// Check computes the current status of path without touching retained state.
func (m *Monitor) Check(ctx context.Context, path string) (Status, error) {
	out, err := m.runner.Run(ctx, path, "git", "status", "--porcelain=v2", "--branch", "-z")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || strings.Contains(err.Error(), "not a git repository") {
			return Status{}, fmt.Errorf("%w: %s", ErrNotRepository, path)
		}
		return Status{}, fmt.Errorf("git status in %s: %w", path, err)
	}

	st, err := parsePorcelain(path, out)
	if err != nil {
		return Status{}, fmt.Errorf("parsing git status in %s: %w", path, err)
	}
	st.LastChecked = m.now()
	return st, nil
}

// Poll checks path, compares it with the retained status and retains the
// new one. The first poll of a path always reports a change.
func (m *Monitor) Poll(ctx context.Context, path string) (Observation, error) {
	st, err := m.Check(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotRepository) {
			m.mu.Lock()
			delete(m.last, path)
			m.mu.Unlock()
		}
		return Observation{}, err
	}

	m.mu.Lock()
	prev, seen := m.last[path]
	m.last[path] = st
	m.mu.Unlock()

	return Observation{Status: st, Changed: !seen || !prev.Equal(st)}, nil
}

// PollChanged polls every path and returns only the statuses that changed,
// in configured order. Failing paths are logged and skipped.
func (m *Monitor) PollChanged(ctx context.Context) []Status {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	observations := make([]*Observation, len(m.paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)
	for i, path := range m.paths {
		g.Go(func() error {
			obs, err := m.Poll(gctx, path)
			if err != nil {
				m.warn(path, err)
				return nil
			}
			observations[i] = &obs
			return nil
		})
	}
	g.Wait()

	var changed []Status
	for _, obs := range observations {
		if obs != nil && obs.Changed {
			changed = append(changed, obs.Status)
		}
	}
	return changed
}

// Snapshot returns the current status of every repository, changed or not.
// Retained state is left alone so the next PollChanged still diffs against
// the previous poll.
func (m *Monitor) Snapshot(ctx context.Context) []Status {
	statuses := make([]*Status, len(m.paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)
	for i, path := range m.paths {
		g.Go(func() error {
			st, err := m.Check(gctx, path)
			if err != nil {
				m.warn(path, err)
				return nil
			}
			statuses[i] = &st
			return nil
		})
	}
	g.Wait()

	out := make([]Status, 0, len(statuses))
	for _, st := range statuses {
		if st != nil {
			out = append(out, *st)
		}
	}
	return out
}

func (m *Monitor) warn(path string, err error) {
	if errors.Is(err, ErrNotRepository) {
		m.logger.Warn("skipping path that is not a git repository", "path", path)
		return
	}
	m.logger.Warn("repository check failed", "path", path, "error", err)
}
