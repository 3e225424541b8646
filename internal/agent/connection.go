// ABOUTME: Represents a single connected agent and the socket used to reach it.
// ABOUTME: Tracks in-flight task ids, last reported repository state and liveness.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/repomon"
	"github.com/2389/coven-dispatch/internal/task"
)

// WildcardCapability lets an agent accept every task type.
const WildcardCapability = "*"

// Sender writes raw frames to an agent's socket.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	ID           string
	Name         string
	Capabilities []string
	Sender       Sender
	Logger       *slog.Logger
	Now          func() time.Time
}

// Connection represents a connected agent.
type Connection struct {
	ID           string
	Name         string
	Capabilities []string
	ConnectedAt  time.Time

	sender Sender
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	inFlight map[string]time.Time
	repos    []repomon.Status
	lastSeen time.Time
}

// NewConnection creates a new Connection for a connected agent.
func NewConnection(p ConnectionParams) *Connection {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	now := p.Now()
	return &Connection{
		ID:           p.ID,
		Name:         p.Name,
		Capabilities: p.Capabilities,
		ConnectedAt:  now,
		sender:       p.Sender,
		logger:       p.Logger,
		now:          p.Now,
		inFlight:     make(map[string]time.Time),
		lastSeen:     now,
	}
}

// Descriptor returns the agent's wire descriptor.
func (c *Connection) Descriptor() protocol.AgentDescriptor {
	return protocol.AgentDescriptor{ID: c.ID, Name: c.Name, Capabilities: c.Capabilities}
}

// Send encodes env and writes it to the agent.
func (c *Connection) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env.Type, err)
	}
	if err := c.sender.Send(ctx, data); err != nil {
		return fmt.Errorf("sending %s to %s: %w", env.Type, c.ID, err)
	}
	return nil
}

// Supports reports whether the agent declared a capability for the task
// type. Agents that declare nothing accept everything.
func (c *Connection) Supports(t task.Type) bool {
	if len(c.Capabilities) == 0 {
		return true
	}
	return slices.Contains(c.Capabilities, string(t)) || slices.Contains(c.Capabilities, WildcardCapability)
}

// AddTask records a task as dispatched to this agent.
func (c *Connection) AddTask(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[id] = c.now()
}

// RemoveTask forgets a task. It reports whether the task was in flight.
func (c *Connection) RemoveTask(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[id]
	delete(c.inFlight, id)
	return ok
}

// HasTask reports whether the task is in flight on this agent.
func (c *Connection) HasTask(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.inFlight[id]
	return ok
}

// InFlight returns the ids of tasks dispatched and not yet reported, sorted.
func (c *Connection) InFlight() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.inFlight))
	for id := range c.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load returns the number of in-flight tasks.
func (c *Connection) Load() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inFlight)
}

// Touch marks the agent as seen now.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = c.now()
}

// LastSeen returns when the agent last sent anything.
func (c *Connection) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// UpdateRepositories merges reported statuses into the last known state,
// keyed by path.
func (c *Connection) UpdateRepositories(statuses []repomon.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range statuses {
		idx := slices.IndexFunc(c.repos, func(r repomon.Status) bool { return r.Path == st.Path })
		if idx >= 0 {
			c.repos[idx] = st
		} else {
			c.repos = append(c.repos, st)
		}
	}
	sort.Slice(c.repos, func(i, j int) bool { return c.repos[i].Path < c.repos[j].Path })
}

// Repositories returns a copy of the last known repository statuses.
func (c *Connection) Repositories() []repomon.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.repos)
}
