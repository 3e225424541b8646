// ABOUTME: Background loops of the hub: dispatching pending tasks, reaping leases, pinging agents
// ABOUTME: Each loop runs single-threaded so the hub never claims the same task twice itself

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/breaker"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/task"
)

// staleAfterPings is how many ping intervals an agent may stay silent
// before the hub drops it.
const staleAfterPings = 3

// kickDispatch wakes the dispatch loop without blocking.
func (g *Gateway) kickDispatch() {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

func (g *Gateway) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(g.config.Queue.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-g.kick:
		}
		g.dispatchOnce(ctx)
	}
}

// dispatchOnce hands pending tasks to capable agents in priority order and
// returns how many were sent.
func (g *Gateway) dispatchOnce(ctx context.Context) int {
	if g.agentManager.Count() == 0 {
		return 0
	}

	pending, err := g.tasks.ListPending(ctx)
	if err != nil {
		g.logStoreError("listing pending tasks", err)
		return 0
	}

	sent := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			return sent
		}
		conn, err := g.router.Route(g.agentManager, t, g.config.Queue.MaxInFlight)
		if errors.Is(err, agent.ErrNoAgentsAvailable) {
			continue
		}
		if err != nil {
			g.logger.Error("routing task", "task_id", t.ID, "error", err)
			continue
		}
		if g.dispatch(ctx, conn, t) {
			sent++
		}
	}
	return sent
}

// dispatch claims t for conn and sends it. A failed send puts the task back.
func (g *Gateway) dispatch(ctx context.Context, conn *agent.Connection, t *task.Task) bool {
	claimed, _, err := g.tasks.Claim(ctx, t.ID, conn.ID)
	if err != nil {
		if errors.Is(err, task.ErrNotClaimable) || errors.Is(err, task.ErrAlreadyLeased) {
			g.logger.Debug("task no longer claimable", "task_id", t.ID, "error", err)
			return false
		}
		g.logStoreError("claiming task", err, "task_id", t.ID)
		return false
	}

	conn.AddTask(claimed.ID)
	if err := conn.Send(ctx, protocol.TaskDispatch(*claimed)); err != nil {
		conn.RemoveTask(claimed.ID)
		g.logger.Warn("sending task failed, releasing", "task_id", claimed.ID, "agent_id", conn.ID, "error", err)
		if _, relErr := g.tasks.Release(ctx, claimed.ID); relErr != nil {
			g.logStoreError("releasing task", relErr, "task_id", claimed.ID)
		}
		return false
	}

	g.logger.Info("task dispatched",
		"task_id", claimed.ID,
		"type", claimed.Type,
		"priority", claimed.Priority,
		"agent_id", conn.ID,
	)
	return true
}

// reapOnce renews leases held by connected agents, requeues tasks whose
// leases lapsed and purges expired kv entries.
func (g *Gateway) reapOnce(ctx context.Context) {
	for _, conn := range g.agentManager.Connections() {
		for _, id := range conn.InFlight() {
			_, err := g.tasks.Renew(ctx, id, conn.ID)
			if err == nil {
				continue
			}
			if errors.Is(err, task.ErrNotHolder) || errors.Is(err, task.ErrNotFound) {
				g.logger.Warn("agent no longer holds task", "agent_id", conn.ID, "task_id", id)
				conn.RemoveTask(id)
				continue
			}
			g.logStoreError("renewing lease", err, "task_id", id)
		}
	}

	reclaimed, err := g.tasks.ReclaimExpired(ctx)
	if err != nil {
		g.logStoreError("reclaiming expired leases", err)
	}
	if len(reclaimed) > 0 {
		g.logger.Info("requeued tasks with expired leases", "tasks", reclaimed)
		g.kickDispatch()
	}

	n, err := g.store.Sweep(ctx)
	if err != nil {
		g.logStoreError("sweeping expired entries", err)
	} else if n > 0 {
		g.logger.Debug("swept expired entries", "count", n)
	}
}

// pingOnce pings every agent and drops those that stopped answering.
func (g *Gateway) pingOnce(ctx context.Context) {
	cutoff := g.now().Add(-staleAfterPings * g.config.Queue.PingInterval)
	for _, conn := range g.agentManager.Connections() {
		if conn.LastSeen().Before(cutoff) {
			g.logger.Warn("agent unresponsive, dropping", "agent_id", conn.ID, "last_seen", conn.LastSeen())
			g.dropAgent(conn, "unresponsive")
			continue
		}
		if err := conn.Send(ctx, protocol.Ping()); err != nil {
			g.logger.Warn("ping failed, dropping", "agent_id", conn.ID, "error", err)
			g.dropAgent(conn, "ping failed")
		}
	}
}

// logStoreError logs store failures, demoting open-circuit rejections to
// warnings since they repeat every tick until the store recovers.
func (g *Gateway) logStoreError(msg string, err error, args ...any) {
	args = append(args, "error", err)
	var open *breaker.OpenError
	if errors.As(err, &open) {
		g.logger.Warn(msg+" (circuit open)", append(args, "retry_in", open.Remaining)...)
		return
	}
	g.logger.Error(msg, args...)
}
