// ABOUTME: HTTP API handlers for operators: task submission and inspection, agents, breakers
// ABOUTME: JSON in, JSON out; store failures map to 404/409/503 and never leak internals

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/breaker"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/task"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// CreateTaskRequest is the JSON request body for POST /api/tasks.
type CreateTaskRequest struct {
	ID       string         `json:"id,omitempty"`
	Type     task.Type      `json:"type"`
	Content  string         `json:"content"`
	Priority task.Priority  `json:"priority"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ListTasksResponse is the JSON response for GET /api/tasks.
type ListTasksResponse struct {
	Tasks []*task.Task `json:"tasks"`
}

// CancelTaskResponse is the JSON response for POST /api/tasks/{id}/cancel.
type CancelTaskResponse struct {
	TaskID string `json:"task_id"`
	// Outcome is "failed" when the task was finished by the hub and
	// "cancelling" when the holding agent was asked to stop.
	Outcome string     `json:"outcome"`
	AgentID string     `json:"agent_id,omitempty"`
	Task    *task.Task `json:"task,omitempty"`
}

// handleListAgents handles GET /api/agents requests.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.agentManager.ListAgents())
}

// handleStatusRequest asks one agent to report all repository statuses.
func (g *Gateway) handleStatusRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := g.agentManager.Send(r.Context(), id, protocol.StatusRequest())
	if errors.Is(err, agent.ErrAgentNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		g.logger.Warn("status request failed", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "agent unreachable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"agent_id": id, "status": "requested"})
}

// handleListTasks handles GET /api/tasks with optional status, agent and
// type query filters.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		Status:     task.Status(q.Get("status")),
		AssignedTo: q.Get("agent"),
		Type:       task.Type(q.Get("type")),
	}
	switch filter.Status {
	case "", task.StatusPending, task.StatusClaimed, task.StatusCompleted, task.StatusFailed:
	default:
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}

	tasks, err := g.tasks.List(r.Context(), filter)
	if err != nil {
		g.writeStoreError(w, "listing tasks", err)
		return
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(tasks) {
			tasks = tasks[:n]
		}
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: tasks})
}

// handleCreateTask handles POST /api/tasks.
func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	req, err := parseCreateTaskRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := g.tasks.Enqueue(r.Context(), task.Task{
		ID:       req.ID,
		Type:     req.Type,
		Content:  req.Content,
		Priority: req.Priority,
		Source:   req.Source,
		Metadata: req.Metadata,
	})
	switch {
	case errors.Is(err, task.ErrInvalidTask):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, task.ErrDuplicateID):
		g.sendJSONError(w, http.StatusConflict, "task id already exists")
		return
	case err != nil:
		g.writeStoreError(w, "enqueueing task", err)
		return
	}

	g.logger.Info("task enqueued", "task_id", created.ID, "type", created.Type, "priority", created.Priority, "source", created.Source)
	g.kickDispatch()
	writeJSON(w, http.StatusCreated, created)
}

// parseCreateTaskRequest parses and validates a CreateTaskRequest.
func parseCreateTaskRequest(body io.Reader) (*CreateTaskRequest, error) {
	var req CreateTaskRequest
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %v", err)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown task type %q", req.Type)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errors.New("content is required")
	}
	return &req, nil
}

// handleGetTask handles GET /api/tasks/{id}.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := g.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeStoreError(w, "reading task", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleCancelTask handles POST /api/tasks/{id}/cancel. Pending tasks, and
// claimed tasks whose agent is gone, are failed immediately. Tasks running on
// a connected agent get a task-cancel; the agent's result finishes them.
func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	t, err := g.tasks.Get(ctx, id)
	if err != nil {
		g.writeStoreError(w, "reading task", err)
		return
	}
	if t.Status.Terminal() {
		g.sendJSONError(w, http.StatusConflict, fmt.Sprintf("task is already %s", t.Status))
		return
	}

	if t.Status == task.StatusClaimed {
		if conn, ok := g.agentManager.GetAgent(t.AssignedTo); ok {
			if err := conn.Send(ctx, protocol.TaskCancel(id)); err == nil {
				g.logger.Info("task cancel sent", "task_id", id, "agent_id", conn.ID)
				writeJSON(w, http.StatusAccepted, CancelTaskResponse{TaskID: id, Outcome: "cancelling", AgentID: conn.ID})
				return
			}
			g.logger.Warn("task cancel could not reach agent, failing task", "task_id", id, "agent_id", conn.ID)
			conn.RemoveTask(id)
		}
	}

	now := g.now()
	failed, err := g.tasks.Fail(ctx, id, task.Result{
		Success:     false,
		ExitCode:    -1,
		Error:       "task cancelled",
		StartedAt:   now,
		CompletedAt: now,
	})
	if err != nil {
		g.writeStoreError(w, "cancelling task", err)
		return
	}
	g.dedupe.Mark(id)
	g.logger.Info("task cancelled", "task_id", id)
	writeJSON(w, http.StatusOK, CancelTaskResponse{TaskID: id, Outcome: "failed", Task: failed})
}

// handleBreakers handles GET /api/breakers.
func (g *Gateway) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.breakers.Snapshot())
}

// writeStoreError maps task store failures onto HTTP statuses.
func (g *Gateway) writeStoreError(w http.ResponseWriter, op string, err error) {
	var open *breaker.OpenError
	switch {
	case errors.Is(err, task.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrInvalidTransition):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.As(err, &open):
		w.Header().Set("Retry-After", strconv.Itoa(int((open.Remaining+time.Second-1)/time.Second)))
		g.sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		g.logger.Error(op, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
