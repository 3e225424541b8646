// ABOUTME: Picks the agent that receives a dispatched task
// ABOUTME: Rotates separately per task type over the agents that declare it

package agent

import (
	"errors"
	"sync"

	"github.com/2389/coven-dispatch/internal/task"
)

// ErrNoAgentsAvailable is returned when no connected agent can take the task.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Router keeps one rotation cursor per task type, so a busy type does not
// skew which agent the next task of another type lands on.
type Router struct {
	mu      sync.Mutex
	cursors map[task.Type]uint64
}

func NewRouter() *Router {
	return &Router{cursors: make(map[task.Type]uint64)}
}

// SelectAgent rotates over agents without regard to task type.
func (r *Router) SelectAgent(agents []*Connection) (*Connection, error) {
	return r.next("", agents)
}

// Route picks an agent for t among the manager's candidates: agents that
// support t.Type and hold fewer than maxInFlight tasks (0 means unlimited).
func (r *Router) Route(m *Manager, t *task.Task, maxInFlight int) (*Connection, error) {
	return r.next(t.Type, m.Candidates(t.Type, maxInFlight))
}

func (r *Router) next(key task.Type, agents []*Connection) (*Connection, error) {
	if len(agents) == 0 {
		return nil, ErrNoAgentsAvailable
	}
	r.mu.Lock()
	idx := r.cursors[key]
	r.cursors[key] = idx + 1
	r.mu.Unlock()
	return agents[idx%uint64(len(agents))], nil
}
