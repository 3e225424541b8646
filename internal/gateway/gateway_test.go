// ABOUTME: Tests for the Gateway orchestrator: dispatch, results, reaping and the agent socket
// ABOUTME: Runs against an in-memory kv backend; the end-to-end test uses a real websocket agent

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/executor"
	"github.com/2389/coven-dispatch/internal/kv"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/session"
	"github.com/2389/coven-dispatch/internal/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a parsed config with defaults applied.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("database:\n  path: unused.db\n"))
	require.NoError(t, err)
	return cfg
}

// newTestGateway builds a Gateway over an in-memory backend.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *Gateway {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	gw, err := newWithBackend(cfg, kv.NewMemoryStore(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
	})
	return gw
}

// recordingSender captures envelopes sent to a fake agent.
type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	err  error
}

func (s *recordingSender) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) ofType(typ protocol.Type) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range s.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func registerFakeAgent(t *testing.T, gw *Gateway, id string, caps ...string) (*agent.Connection, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	conn := agent.NewConnection(agent.ConnectionParams{
		ID:           id,
		Name:         id,
		Capabilities: caps,
		Sender:       sender,
		Logger:       discardLogger(),
	})
	require.NoError(t, gw.agentManager.Register(conn))
	return conn, sender
}

func enqueue(t *testing.T, gw *Gateway, tk task.Task) *task.Task {
	t.Helper()
	if tk.Type == "" {
		tk.Type = task.TypeGenericCommand
	}
	if tk.Content == "" {
		tk.Content = "echo hi"
	}
	created, err := gw.tasks.Enqueue(context.Background(), tk)
	require.NoError(t, err)
	return created
}

func TestDispatchOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("no agents leaves tasks pending", func(t *testing.T) {
		gw := newTestGateway(t)
		created := enqueue(t, gw, task.Task{})

		assert.Equal(t, 0, gw.dispatchOnce(ctx))

		got, err := gw.tasks.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
	})

	t.Run("claims and sends to a capable agent", func(t *testing.T) {
		gw := newTestGateway(t)
		conn, sender := registerFakeAgent(t, gw, "agent-1")
		created := enqueue(t, gw, task.Task{})

		assert.Equal(t, 1, gw.dispatchOnce(ctx))

		got, err := gw.tasks.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusClaimed, got.Status)
		assert.Equal(t, "agent-1", got.AssignedTo)
		assert.True(t, conn.HasTask(created.ID))

		dispatched := sender.ofType(protocol.TypeTask)
		require.Len(t, dispatched, 1)
		assert.Equal(t, created.ID, dispatched[0].Task.ID)
	})

	t.Run("respects capabilities", func(t *testing.T) {
		gw := newTestGateway(t)
		registerFakeAgent(t, gw, "git-only", string(task.TypeVersionControlCommand))
		created := enqueue(t, gw, task.Task{Type: task.TypeGenericCommand})

		assert.Equal(t, 0, gw.dispatchOnce(ctx))

		got, err := gw.tasks.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
	})

	t.Run("send failure releases the task", func(t *testing.T) {
		gw := newTestGateway(t)
		conn, sender := registerFakeAgent(t, gw, "agent-1")
		sender.err = io.ErrClosedPipe
		created := enqueue(t, gw, task.Task{})

		assert.Equal(t, 0, gw.dispatchOnce(ctx))

		got, err := gw.tasks.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.Empty(t, got.AssignedTo)
		assert.False(t, conn.HasTask(created.ID))
	})

	t.Run("higher priority goes first under max in flight", func(t *testing.T) {
		gw := newTestGateway(t, func(c *config.Config) { c.Queue.MaxInFlight = 1 })
		_, sender := registerFakeAgent(t, gw, "agent-1")
		enqueue(t, gw, task.Task{ID: "low", Priority: task.PriorityLow})
		enqueue(t, gw, task.Task{ID: "critical", Priority: task.PriorityCritical})

		assert.Equal(t, 1, gw.dispatchOnce(ctx))

		dispatched := sender.ofType(protocol.TypeTask)
		require.Len(t, dispatched, 1)
		assert.Equal(t, "critical", dispatched[0].Task.ID)
	})
}

func TestHandleTaskResult(t *testing.T) {
	ctx := context.Background()

	dispatchTo := func(t *testing.T, gw *Gateway, id string) *agent.Connection {
		t.Helper()
		conn, _ := registerFakeAgent(t, gw, id)
		enqueue(t, gw, task.Task{ID: "t1"})
		require.Equal(t, 1, gw.dispatchOnce(ctx))
		return conn
	}

	t.Run("success completes the task", func(t *testing.T) {
		gw := newTestGateway(t)
		conn := dispatchTo(t, gw, "agent-1")

		gw.handleTaskResult(ctx, conn, task.Result{TaskID: "t1", Success: true, Stdout: "hi\n"})

		got, err := gw.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, "hi\n", got.Result.Stdout)
		assert.False(t, conn.HasTask("t1"))
	})

	t.Run("failure fails the task", func(t *testing.T) {
		gw := newTestGateway(t)
		conn := dispatchTo(t, gw, "agent-1")

		gw.handleTaskResult(ctx, conn, task.Result{TaskID: "t1", ExitCode: 2, Error: "command exited with code 2"})

		got, err := gw.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Equal(t, 2, got.Result.ExitCode)
	})

	t.Run("duplicate result is ignored", func(t *testing.T) {
		gw := newTestGateway(t)
		conn := dispatchTo(t, gw, "agent-1")

		gw.handleTaskResult(ctx, conn, task.Result{TaskID: "t1", Success: true, Stdout: "first"})
		gw.handleTaskResult(ctx, conn, task.Result{TaskID: "t1", Success: false, Stdout: "second"})

		got, err := gw.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		assert.Equal(t, "first", got.Result.Stdout)
	})

	t.Run("result from another agent is dropped", func(t *testing.T) {
		gw := newTestGateway(t)
		dispatchTo(t, gw, "agent-1")
		other, _ := registerFakeAgent(t, gw, "agent-2")

		gw.handleTaskResult(ctx, other, task.Result{TaskID: "t1", Success: true})

		got, err := gw.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusClaimed, got.Status)
		assert.Equal(t, "agent-1", got.AssignedTo)
	})

	t.Run("result for unknown task is dropped", func(t *testing.T) {
		gw := newTestGateway(t)
		conn, _ := registerFakeAgent(t, gw, "agent-1")

		gw.handleTaskResult(ctx, conn, task.Result{TaskID: "missing", Success: true})

		_, err := gw.tasks.Get(ctx, "missing")
		assert.ErrorIs(t, err, task.ErrNotFound)
	})
}

func TestDisconnectReleasesTasks(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)
	conn, _ := registerFakeAgent(t, gw, "agent-1")
	enqueue(t, gw, task.Task{ID: "t1"})
	require.Equal(t, 1, gw.dispatchOnce(ctx))

	gw.disconnect(conn)

	assert.False(t, gw.agentManager.IsOnline("agent-1"))
	got, err := gw.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Empty(t, got.AssignedTo)
}

func TestReapOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("renews leases of connected agents", func(t *testing.T) {
		gw := newTestGateway(t)
		registerFakeAgent(t, gw, "agent-1")
		enqueue(t, gw, task.Task{ID: "t1"})
		require.Equal(t, 1, gw.dispatchOnce(ctx))

		before, err := gw.tasks.GetLease(ctx, "t1")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		gw.reapOnce(ctx)

		after, err := gw.tasks.GetLease(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
	})

	t.Run("forgets tasks the agent no longer holds", func(t *testing.T) {
		gw := newTestGateway(t)
		conn, _ := registerFakeAgent(t, gw, "agent-1")
		conn.AddTask("ghost")

		gw.reapOnce(ctx)

		assert.False(t, conn.HasTask("ghost"))
	})
}

func TestPingOnce(t *testing.T) {
	gw := newTestGateway(t)
	_, sender := registerFakeAgent(t, gw, "agent-1")

	gw.pingOnce(context.Background())

	assert.Len(t, sender.ofType(protocol.TypePing), 1)
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t)
	h := gw.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no agents connected", rec.Body.String())

	registerFakeAgent(t, gw, "agent-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (1 agents)", rec.Body.String())
}

func TestShutdownIsIdempotent(t *testing.T) {
	gw := newTestGateway(t)
	require.NoError(t, gw.Shutdown(context.Background()))
	require.NoError(t, gw.Shutdown(context.Background()))
}

// TestAgentEndToEnd runs a real agent session against the hub over a
// websocket and executes a shell command through it.
func TestAgentEndToEnd(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) {
		c.Queue.DispatchInterval = 20 * time.Millisecond
	})

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	loopCtx, stopLoops := context.WithCancel(context.Background())
	loopsDone := make(chan struct{})
	go func() {
		defer close(loopsDone)
		gw.RunLoops(loopCtx)
	}()
	t.Cleanup(func() {
		stopLoops()
		<-loopsDone
	})

	sess := session.New(session.Params{
		Agent: protocol.AgentDescriptor{ID: "e2e-agent", Name: "e2e-agent"},
		Transport: &session.WebsocketTransport{
			URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/agent/connect",
		},
		Executor:     executor.New(executor.Config{Timeout: 10 * time.Second}, discardLogger()),
		PollInterval: -1,
		Logger:       discardLogger(),
	})
	require.NoError(t, sess.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Stop(ctx)
	})

	require.Eventually(t, func() bool {
		return gw.agentManager.IsOnline("e2e-agent")
	}, 5*time.Second, 10*time.Millisecond, "agent never registered")

	body := strings.NewReader(`{"type":"generic-command","content":"echo hi","priority":"high"}`)
	resp, err := http.Post(srv.URL+"/api/tasks", "application/json", body)
	require.NoError(t, err)
	var created task.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var final *task.Task
	require.Eventually(t, func() bool {
		got, err := gw.tasks.Get(context.Background(), created.ID)
		if err != nil || !got.Status.Terminal() {
			return false
		}
		final = got
		return true
	}, 10*time.Second, 20*time.Millisecond, "task never finished")

	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, "e2e-agent", final.AssignedTo)
	require.NotNil(t, final.Result)
	assert.Equal(t, "hi\n", final.Result.Stdout)
	assert.Equal(t, 0, final.Result.ExitCode)
}
