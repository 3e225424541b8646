// ABOUTME: Tests for the operator HTTP API: task CRUD, cancellation, agents, breakers and auth
// ABOUTME: Drives the real mux through httptest recorders

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/breaker"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/task"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

func TestCreateTask(t *testing.T) {
	t.Run("creates pending task", func(t *testing.T) {
		gw := newTestGateway(t)

		rec := doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks",
			`{"type":"generic-command","content":"ls -la","priority":"high","source":"cli","metadata":{"cwd":"/tmp"}}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var created task.Task
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, task.StatusPending, created.Status)
		assert.Equal(t, task.PriorityHigh, created.Priority)
		assert.Equal(t, "cli", created.Source)
		assert.Equal(t, "/tmp", created.Metadata["cwd"])

		stored, err := gw.tasks.Get(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, "ls -la", stored.Content)
	})

	t.Run("keeps caller supplied id", func(t *testing.T) {
		gw := newTestGateway(t)
		rec := doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks",
			`{"id":"build-42","type":"generic-command","content":"make"}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		_, err := gw.tasks.Get(context.Background(), "build-42")
		assert.NoError(t, err)
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		gw := newTestGateway(t)
		body := `{"id":"dup","type":"generic-command","content":"make"}`
		require.Equal(t, http.StatusCreated, doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks", body).Code)

		rec := doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"malformed json", `{"type":`, "invalid JSON body"},
		{"unknown field", `{"type":"generic-command","content":"x","extra":1}`, "invalid JSON body"},
		{"unknown type", `{"type":"teleport","content":"x"}`, "unknown task type"},
		{"missing content", `{"type":"generic-command","content":"   "}`, "content is required"},
		{"bad priority", `{"type":"generic-command","content":"x","priority":"urgent"}`, "invalid JSON body"},
		{"id with colon", `{"id":"a:b","type":"generic-command","content":"x"}`, "invalid task"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t)
			rec := doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeError(t, rec), tt.wantErr)
		})
	}
}

func TestGetTask(t *testing.T) {
	gw := newTestGateway(t)
	enqueue(t, gw, task.Task{ID: "t1"})

	rec := doRequest(t, gw.Handler(), http.MethodGet, "/api/tasks/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got task.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "t1", got.ID)

	rec = doRequest(t, gw.Handler(), http.MethodGet, "/api/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "task not found", decodeError(t, rec))
}

func TestListTasks(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)
	registerFakeAgent(t, gw, "agent-1")
	enqueue(t, gw, task.Task{ID: "a", Priority: task.PriorityCritical})
	require.Equal(t, 1, gw.dispatchOnce(ctx))
	enqueue(t, gw, task.Task{ID: "b"})
	enqueue(t, gw, task.Task{ID: "c", Type: task.TypeVersionControlCommand, Content: "status"})

	list := func(query string) []string {
		rec := doRequest(t, gw.Handler(), http.MethodGet, "/api/tasks"+query, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp ListTasksResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		ids := make([]string, 0, len(resp.Tasks))
		for _, tk := range resp.Tasks {
			ids = append(ids, tk.ID)
		}
		return ids
	}

	assert.ElementsMatch(t, []string{"a", "b", "c"}, list(""))
	assert.ElementsMatch(t, []string{"b", "c"}, list("?status=pending"))
	assert.ElementsMatch(t, []string{"a"}, list("?agent=agent-1"))
	assert.ElementsMatch(t, []string{"c"}, list("?type=version-control-command"))
	assert.Len(t, list("?limit=1"), 1)
	assert.Empty(t, list("?status=completed"))

	rec := doRequest(t, gw.Handler(), http.MethodGet, "/api/tasks?status=exploded", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, gw.Handler(), http.MethodGet, "/api/tasks?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()

	t.Run("pending task fails immediately", func(t *testing.T) {
		gw := newTestGateway(t)
		enqueue(t, gw, task.Task{ID: "t1"})

		rec := doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks/t1/cancel", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp CancelTaskResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "failed", resp.Outcome)

		got, err := gw.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Equal(t, -1, got.Result.ExitCode)
		assert.Equal(t, "task cancelled", got.Result.Error)
	})

	t.Run("terminal task conflicts", func(t *testing.T) {
		gw := newTestGateway(t)
		enqueue(t, gw, task.Task{ID: "t1"})
		require.Equal(t, http.StatusOK, doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks/t1/cancel", "").Code)

		rec := doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks/t1/cancel", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("running task is cancelled on its agent", func(t *testing.T) {
		gw := newTestGateway(t)
		_, sender := registerFakeAgent(t, gw, "agent-1")
		enqueue(t, gw, task.Task{ID: "t1"})
		require.Equal(t, 1, gw.dispatchOnce(ctx))

		rec := doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks/t1/cancel", "")
		require.Equal(t, http.StatusAccepted, rec.Code)

		cancels := sender.ofType(protocol.TypeTaskCancel)
		require.Len(t, cancels, 1)
		assert.Equal(t, "t1", cancels[0].TaskID)

		got, err := gw.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusClaimed, got.Status)
	})

	t.Run("claimed task of departed agent fails", func(t *testing.T) {
		gw := newTestGateway(t)
		conn, _ := registerFakeAgent(t, gw, "agent-1")
		enqueue(t, gw, task.Task{ID: "t1"})
		require.Equal(t, 1, gw.dispatchOnce(ctx))
		gw.agentManager.Unregister(conn)

		rec := doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks/t1/cancel", "")
		require.Equal(t, http.StatusOK, rec.Code)

		got, err := gw.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
	})

	t.Run("unknown task", func(t *testing.T) {
		gw := newTestGateway(t)
		rec := doRequest(t, gw.Handler(), http.MethodPost, "/api/tasks/nope/cancel", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListAgents(t *testing.T) {
	gw := newTestGateway(t)
	registerFakeAgent(t, gw, "agent-1", "generic-command")

	rec := doRequest(t, gw.Handler(), http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var agents []agent.AgentInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].ID)
}

func TestStatusRequest(t *testing.T) {
	gw := newTestGateway(t)
	_, sender := registerFakeAgent(t, gw, "agent-1")

	rec := doRequest(t, gw.Handler(), http.MethodPost, "/api/agents/agent-1/status-request", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, sender.ofType(protocol.TypeStatusRequest), 1)

	rec = doRequest(t, gw.Handler(), http.MethodPost, "/api/agents/ghost/status-request", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBreakersEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw.Handler(), http.MethodGet, "/api/breakers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats []breaker.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	names := make([]string, 0, len(stats))
	for _, s := range stats {
		names = append(names, s.Name)
		assert.Equal(t, breaker.StateClosed, s.State)
	}
	assert.ElementsMatch(t, []string{BreakerStore, BreakerMigration}, names)
}

func TestWriteStoreError(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.writeStoreError(rec, "test", &breaker.OpenError{Name: BreakerStore, Remaining: 1500 * time.Millisecond})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	gw.writeStoreError(rec, "test", context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeError(t, rec))
}

func TestMigrationRoutesMounted(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw.Handler(), http.MethodGet, "/api/migration/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIAuth(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Auth.JWTSecret = testSecret })
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("operator", 0)
	require.NoError(t, err)

	rec := doRequest(t, gw.Handler(), http.MethodGet, "/api/tasks", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, gw.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}
