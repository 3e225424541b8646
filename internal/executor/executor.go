// ABOUTME: Runs dispatched tasks as local subprocesses and captures their results
// ABOUTME: Task-level failures (exit codes, timeouts, spawn errors) always become a task.Result

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-dispatch/internal/task"
)

const (
	DefaultTimeout = 5 * time.Minute
	DefaultShell   = "/bin/sh"

	// DefaultMaxOutput caps each captured stream so a result stays well
	// under the hub's frame limit.
	DefaultMaxOutput = 1 << 20

	// waitDelay bounds how long Wait blocks on output pipes held open by
	// grandchildren after the shell has been killed.
	waitDelay = 2 * time.Second
)

const truncatedMarker = "\n[output truncated]\n"

var errCancelled = errors.New("cancelled")

// Config configures an Executor.
type Config struct {
	Timeout time.Duration
	Shell   string
	WorkDir string

	// MaxOutput is the number of bytes kept from each of stdout and stderr.
	MaxOutput int
}

// Executor runs tasks and tracks which are in flight.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New creates an Executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:     cfg,
		logger:  logger.With("component", "executor"),
		now:     time.Now,
		running: make(map[string]context.CancelCauseFunc),
	}
}

// Execute runs t to completion and returns its result. It never returns
// an error: every failure is described by the result.
func (e *Executor) Execute(ctx context.Context, t task.Task) task.Result {
	started := e.now()

	switch t.Type {
	case task.TypeGenericCommand:
		return e.run(ctx, t, t.Content, started)
	case task.TypeVersionControlCommand:
		return e.run(ctx, t, "git "+t.Content, started)
	case task.TypeCodeAssistant, task.TypeFileOperation:
		return e.failure(t.ID, started, fmt.Sprintf("task type %s not implemented", t.Type))
	default:
		return e.failure(t.ID, started, fmt.Sprintf("unknown task type %q", t.Type))
	}
}

func (e *Executor) run(ctx context.Context, t task.Task, command string, started time.Time) task.Result {
	if command == "" {
		return e.failure(t.ID, started, "empty command")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !e.track(t.ID, cancel) {
		return e.failure(t.ID, started, "task already running")
	}
	defer e.untrack(t.ID)

	ctx, stop := context.WithTimeout(ctx, e.cfg.Timeout)
	defer stop()

	cmd := exec.CommandContext(ctx, e.cfg.Shell, "-c", command)
	cmd.Dir = e.cfg.WorkDir
	if cwd, ok := t.Metadata["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	stdout := &cappedBuffer{limit: e.cfg.MaxOutput}
	stderr := &cappedBuffer{limit: e.cfg.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Debug("running task", "task_id", t.ID, "type", t.Type, "dir", cmd.Dir)
	err := cmd.Run()

	res := e.result(t.ID, started)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.truncated || stderr.truncated
	if res.Truncated {
		e.logger.Warn("task output truncated", "task_id", t.ID, "limit", e.cfg.MaxOutput)
	}

	switch {
	case err == nil:
		res.Success = true
	case errors.Is(context.Cause(ctx), errCancelled):
		res.ExitCode = -1
		res.Error = "task cancelled"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Error = fmt.Sprintf("task timed out after %s", e.cfg.Timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Error = fmt.Sprintf("command exited with code %d", res.ExitCode)
		} else {
			res.ExitCode = -1
			res.Error = fmt.Sprintf("starting command: %v", err)
		}
	}
	return res
}

// Cancel stops a running task. It reports whether the task was running.
// Cancellation only affects the local process.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel(errCancelled)
	}
	return ok
}

// Running returns the ids of tasks currently executing, sorted.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Executor) track(id string, cancel context.CancelCauseFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.running[id]; exists {
		return false
	}
	e.running[id] = cancel
	return true
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Executor) result(id string, started time.Time) task.Result {
	completed := e.now()
	return task.Result{
		TaskID:      id,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	}
}

func (e *Executor) failure(id string, started time.Time, msg string) task.Result {
	res := e.result(id, started)
	res.ExitCode = -1
	res.Error = msg
	return res
}

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest, so the command never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if len(p) <= room {
		return b.buf.Write(p)
	}
	b.truncated = true
	if room > 0 {
		b.buf.Write(p[:room])
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}
