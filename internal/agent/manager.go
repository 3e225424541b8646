// ABOUTME: Manages connected dispatch agents, handles registration, and routes messages.
// ABOUTME: Central registry the hub uses to find agents for tasks and status requests.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/repomon"
	"github.com/2389/coven-dispatch/internal/task"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already connected.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Manager coordinates all connected agents and routes messages to them.
type Manager struct {
	agents map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents: make(map[string]*Connection),
		logger: logger,
	}
}

// Register adds a new agent connection to the manager.
// Returns ErrAgentAlreadyRegistered if an agent with the same ID exists.
func (m *Manager) Register(agent *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return ErrAgentAlreadyRegistered
	}

	m.agents[agent.ID] = agent
	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", agent.ID,
		"name", agent.Name,
		"capabilities", agent.Capabilities,
		"total_agents", len(m.agents),
	)
	return nil
}

// Unregister removes agent if it is still the registered connection for
// its ID. A newer connection under the same ID is left alone.
func (m *Manager) Unregister(agent *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.agents[agent.ID]
	if !exists || current != agent {
		return false
	}
	delete(m.agents, agent.ID)
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", agent.ID,
		"name", agent.Name,
		"in_flight", agent.Load(),
		"total_agents", len(m.agents),
	)
	return true
}

// GetAgent retrieves a specific agent by ID.
func (m *Manager) GetAgent(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	return agent, ok
}

// IsOnline checks whether an agent with the given ID is currently connected.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.GetAgent(agentID)
	return ok
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Connections returns all connected agents sorted by ID.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.agents))
	for _, agent := range m.agents {
		conns = append(conns, agent)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// Candidates returns agents that declare support for the task type and have
// fewer than maxInFlight tasks running. maxInFlight <= 0 means unlimited.
func (m *Manager) Candidates(t task.Type, maxInFlight int) []*Connection {
	var out []*Connection
	for _, agent := range m.Connections() {
		if !agent.Supports(t) {
			continue
		}
		if maxInFlight > 0 && agent.Load() >= maxInFlight {
			continue
		}
		out = append(out, agent)
	}
	return out
}

// Send delivers env to one agent.
func (m *Manager) Send(ctx context.Context, agentID string, env protocol.Envelope) error {
	agent, ok := m.GetAgent(agentID)
	if !ok {
		return ErrAgentNotFound
	}
	return agent.Send(ctx, env)
}

// Broadcast sends env to every connected agent and returns the agents that
// could not be reached.
func (m *Manager) Broadcast(ctx context.Context, env protocol.Envelope) []*Connection {
	var failed []*Connection
	for _, agent := range m.Connections() {
		if err := agent.Send(ctx, env); err != nil {
			m.logger.Warn("broadcast failed", "agent_id", agent.ID, "type", env.Type, "error", err)
			failed = append(failed, agent)
		}
	}
	return failed
}

// FindTask returns the agent that has the task in flight.
func (m *Manager) FindTask(taskID string) (*Connection, bool) {
	for _, agent := range m.Connections() {
		if agent.HasTask(taskID) {
			return agent, true
		}
	}
	return nil, false
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Capabilities []string         `json:"capabilities"`
	ConnectedAt  time.Time        `json:"connected_at"`
	LastSeen     time.Time        `json:"last_seen"`
	InFlight     []string         `json:"in_flight"`
	Repositories []repomon.Status `json:"repositories"`
}

// ListAgents returns information about all connected agents.
func (m *Manager) ListAgents() []*AgentInfo {
	conns := m.Connections()
	agents := make([]*AgentInfo, 0, len(conns))
	for _, agent := range conns {
		caps := agent.Capabilities
		if caps == nil {
			caps = []string{}
		}
		repos := agent.Repositories()
		if repos == nil {
			repos = []repomon.Status{}
		}
		agents = append(agents, &AgentInfo{
			ID:           agent.ID,
			Name:         agent.Name,
			Capabilities: caps,
			ConnectedAt:  agent.ConnectedAt,
			LastSeen:     agent.LastSeen(),
			InFlight:     agent.InFlight(),
			Repositories: repos,
		})
	}
	return agents
}
