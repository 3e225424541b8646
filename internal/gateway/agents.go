// ABOUTME: Websocket endpoint agents connect to, plus handling of agent-originated messages
// ABOUTME: Registers the agent on its online announcement and releases its tasks when it leaves

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/task"
)

const (
	// helloTimeout bounds the wait for the agent's online announcement.
	helloTimeout = 10 * time.Second
	writeTimeout = 10 * time.Second
	// maxMessageSize bounds inbound frames from agents.
	maxMessageSize = 4 << 20
)

// agentSocket is the hub's handle on one accepted websocket.
type agentSocket struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// wsSender writes frames to an agent's websocket.
type wsSender struct {
	ws *websocket.Conn
}

func (s *wsSender) Send(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.ws.Write(ctx, websocket.MessageText, data)
}

// handleAgentConnect upgrades the request and runs the agent's session until
// it disconnects. The first message must be an agent-status online.
func (g *Gateway) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello, err := g.readHello(ctx, ws)
	if err != nil {
		g.logger.Warn("rejecting agent", "error", err, "remote", r.RemoteAddr)
		_ = ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		ID:           hello.Agent.ID,
		Name:         hello.Agent.Name,
		Capabilities: hello.Agent.Capabilities,
		Sender:       &wsSender{ws: ws},
		Logger:       g.logger.With("agent_id", hello.Agent.ID),
		Now:          g.now,
	})

	if err := g.agentManager.Register(conn); err != nil {
		if errors.Is(err, agent.ErrAgentAlreadyRegistered) {
			g.logger.Warn("agent already connected", "agent_id", conn.ID)
			_ = ws.Close(websocket.StatusPolicyViolation, fmt.Sprintf("agent %s already registered", conn.ID))
			return
		}
		_ = ws.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	g.trackSocket(conn, &agentSocket{ws: ws, cancel: cancel})
	defer g.disconnect(conn)

	g.logger.Info("agent session started",
		"agent_id", conn.ID,
		"subject", auth.SubjectFromContext(r.Context()),
		"server_id", g.serverID,
	)

	if err := conn.Send(ctx, protocol.StatusRequest()); err != nil {
		g.logger.Warn("initial status request failed", "agent_id", conn.ID, "error", err)
		return
	}
	g.kickDispatch()

	g.readLoop(ctx, ws, conn)
}

// readHello waits for the agent's online announcement.
func (g *Gateway) readHello(ctx context.Context, ws *websocket.Conn) (protocol.Envelope, error) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, data, err := ws.Read(helloCtx)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("reading first message: %w", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if env.Type != protocol.TypeAgentStatus || env.Status != protocol.StateOnline {
		return protocol.Envelope{}, fmt.Errorf("first message must be agent-status online, got %s", env.Type)
	}
	return env, nil
}

// readLoop handles agent messages until the socket closes or ctx ends.
func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, conn *agent.Connection) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			g.logReadError(conn, err)
			return
		}
		conn.Touch()

		env, err := protocol.Decode(data)
		if err != nil {
			g.logger.Warn("ignoring malformed message", "agent_id", conn.ID, "error", err)
			continue
		}

		if done := g.handleAgentMessage(ctx, conn, env); done {
			_ = ws.Close(websocket.StatusNormalClosure, "offline")
			return
		}
	}
}

func (g *Gateway) logReadError(conn *agent.Connection, err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		g.logger.Info("agent closed connection", "agent_id", conn.ID)
		return
	}
	if errors.Is(err, context.Canceled) {
		g.logger.Info("agent session cancelled", "agent_id", conn.ID)
		return
	}
	g.logger.Warn("agent connection lost", "agent_id", conn.ID, "error", err)
}

// handleAgentMessage routes one message. It reports true when the agent
// announced it is going offline.
func (g *Gateway) handleAgentMessage(ctx context.Context, conn *agent.Connection, env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeTaskResult:
		g.handleTaskResult(ctx, conn, *env.Result)

	case protocol.TypeGitStatus:
		conn.UpdateRepositories(env.Statuses)
		g.logger.Debug("repository status", "agent_id", conn.ID, "repositories", len(env.Statuses))

	case protocol.TypePong:
		g.logger.Debug("received pong", "agent_id", conn.ID)

	case protocol.TypeAgentStatus:
		if env.Status == protocol.StateOffline {
			g.logger.Info("agent going offline", "agent_id", conn.ID)
			return true
		}
		g.logger.Warn("received duplicate online announcement", "agent_id", conn.ID)

	default:
		g.logger.Warn("received unexpected message type", "agent_id", conn.ID, "type", env.Type)
	}
	return false
}

// handleTaskResult records a result reported by the agent holding the task.
// Duplicates and results from agents that no longer hold the task are dropped.
func (g *Gateway) handleTaskResult(ctx context.Context, conn *agent.Connection, result task.Result) {
	id := result.TaskID
	conn.RemoveTask(id)

	if g.dedupe.CheckAndMark(id) {
		g.logger.Debug("dropping duplicate task result", "agent_id", conn.ID, "task_id", id)
		return
	}

	t, err := g.tasks.Get(ctx, id)
	if err != nil {
		g.dedupe.Forget(id)
		g.logger.Warn("task result for unknown task", "agent_id", conn.ID, "task_id", id, "error", err)
		return
	}
	if t.Status != task.StatusClaimed || t.AssignedTo != conn.ID {
		g.dedupe.Forget(id)
		g.logger.Warn("dropping stale task result",
			"agent_id", conn.ID,
			"task_id", id,
			"status", t.Status,
			"assigned_to", t.AssignedTo,
		)
		return
	}

	if result.Success {
		_, err = g.tasks.Complete(ctx, id, result)
	} else {
		_, err = g.tasks.Fail(ctx, id, result)
	}
	if err != nil {
		g.dedupe.Forget(id)
		g.logger.Error("recording task result", "agent_id", conn.ID, "task_id", id, "error", err)
		return
	}

	g.logger.Info("task finished",
		"agent_id", conn.ID,
		"task_id", id,
		"success", result.Success,
		"exit_code", result.ExitCode,
		"duration_ms", result.DurationMs,
	)
	g.kickDispatch()
}

func (g *Gateway) trackSocket(conn *agent.Connection, s *agentSocket) {
	g.socketsMu.Lock()
	defer g.socketsMu.Unlock()
	g.sockets[conn] = s
}

// disconnect unregisters conn and returns its in-flight tasks to the queue.
func (g *Gateway) disconnect(conn *agent.Connection) {
	g.socketsMu.Lock()
	delete(g.sockets, conn)
	g.socketsMu.Unlock()

	if !g.agentManager.Unregister(conn) {
		return
	}

	// The request context is gone; use a short-lived one for cleanup.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range conn.InFlight() {
		if _, err := g.tasks.Release(ctx, id); err != nil {
			g.logger.Warn("releasing task of disconnected agent", "agent_id", conn.ID, "task_id", id, "error", err)
			continue
		}
		g.logger.Info("released task of disconnected agent", "agent_id", conn.ID, "task_id", id)
	}
	g.kickDispatch()
}

// dropAgent closes an agent's socket; its session goroutine cleans up.
func (g *Gateway) dropAgent(conn *agent.Connection, reason string) {
	g.socketsMu.Lock()
	s, ok := g.sockets[conn]
	g.socketsMu.Unlock()
	if !ok {
		return
	}
	_ = s.ws.Close(websocket.StatusPolicyViolation, reason)
	s.cancel()
}

func (g *Gateway) closeAllSockets() {
	g.socketsMu.Lock()
	sockets := make([]*agentSocket, 0, len(g.sockets))
	for _, s := range g.sockets {
		sockets = append(sockets, s)
	}
	g.socketsMu.Unlock()

	for _, s := range sockets {
		_ = s.ws.Close(websocket.StatusGoingAway, "hub shutting down")
		s.cancel()
	}
}
