// Package agent tracks dispatch agents connected to the hub.
//
// # Overview
//
// Each agent holds one websocket to the hub. The agent package keeps the
// registry of those connections and picks which agent receives a task.
//
// # Manager
//
// The Manager tracks all connected agents:
//
//	mgr := agent.NewManager(logger)
//
// Key operations:
//
//   - Register(conn): Add a new agent connection
//   - Unregister(conn): Remove that exact connection
//   - Send(ctx, agentID, env): Deliver a protocol envelope to one agent
//   - Broadcast(ctx, env): Deliver an envelope to every agent
//   - ListAgents(): Get all connected agents
//   - GetAgent(id): Get a specific agent by ID
//
// # Connection
//
// Connection represents a single agent's socket plus the hub's view of it:
//
//   - tasks dispatched to it and not yet reported
//   - the last repository statuses it reported
//   - when it was last heard from
//
// # Routing
//
// Capabilities declared in the agent's online announcement are routing
// hints. The Router filters agents whose capabilities include the task type
// (or "*", or nothing at all) and rotates through them:
//
//	conn, err := router.Route(mgr, task, maxInFlight)
//
// # Thread Safety
//
// Both Manager and Connection are thread-safe. They use mutexes to protect
// concurrent access to the agent map and per-connection state.
package agent
