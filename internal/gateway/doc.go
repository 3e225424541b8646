// Package gateway orchestrates the dispatch hub.
//
// # Overview
//
// The gateway owns every hub component: the kv backend and its circuit
// breakers, the task store, the migration engine, the agent manager and the
// HTTP server (plain TCP or a tsnet listener on the tailnet).
//
// # Agent Sockets
//
// Agents connect to GET /agent/connect with a websocket. The first frame must
// be an agent-status online announcement carrying the agent descriptor; the
// socket is closed with a policy violation otherwise, or when an agent with the
// same id is already connected. After registration the hub asks for a full
// repository status and wakes the dispatcher.
//
// # Background Loops
//
// RunLoops drives three loops:
//
//   - dispatch: on every tick or kick, pending tasks are routed in priority
//     order to capable agents, claimed under a lease and sent. A failed send
//     releases the task.
//   - reap: leases of tasks held by connected agents are renewed, tasks with
//     lapsed leases go back to pending and expired kv entries are swept.
//   - ping: every agent is pinged; agents silent for three intervals are
//     dropped and their tasks released.
//
// Task results are deduplicated by task id and applied only when the task is
// still claimed by the reporting agent.
//
// # HTTP API
//
//	GET  /health                           liveness, always open
//	GET  /health/ready                     503 without agents or with the store circuit open
//	GET  /api/agents                       connected agents with in-flight tasks and repositories
//	POST /api/agents/{id}/status-request   ask one agent for a repository snapshot
//	GET  /api/tasks                        list, filtered by status, agent, type and limit
//	POST /api/tasks                        enqueue a task
//	GET  /api/tasks/{id}                   read one task
//	POST /api/tasks/{id}/cancel            cancel a pending or running task
//	GET  /api/breakers                     circuit breaker snapshots
//	     /api/migration/...                status, run and rollback of the key migration
//
// Everything except the health endpoints requires a bearer token when
// auth.jwt_secret is configured.
package gateway
