// Package task defines dispatched work items, their leases, and execution results.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type selects which executor runs a task.
type Type string

const (
	TypeGenericCommand        Type = "generic-command"
	TypeVersionControlCommand Type = "version-control-command"

	// Reserved executor kinds. Agents answer them with a "not implemented" result.
	TypeCodeAssistant Type = "code-assistant"
	TypeFileOperation Type = "file-operation"
)

// Valid reports whether t is one of the known task types.
func (t Type) Valid() bool {
	switch t {
	case TypeGenericCommand, TypeVersionControlCommand, TypeCodeAssistant, TypeFileOperation:
		return true
	}
	return false
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a task may move from one status to another.
// claimed -> pending is only legal through lease expiry or release.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusClaimed || to == StatusFailed
	case StatusClaimed:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	}
	return false
}

// Priority orders pending work. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a wire name into a Priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", s)
}

// MarshalJSON encodes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("unknown priority %d", int(p))
	}
	return json.Marshal(name)
}

// UnmarshalJSON accepts a priority name. An empty string means low.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	if s == "" {
		*p = PriorityLow
		return nil
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Task is a unit of work queued by the hub and executed by an agent.
type Task struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Source     string         `json:"source,omitempty"`
	Content    string         `json:"content"`
	Priority   Priority       `json:"priority"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     Status         `json:"status"`
	AssignedTo string         `json:"assignedTo,omitempty"`
	Result     *Result        `json:"result,omitempty"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Lease is a time-bounded claim on a task by one holder.
type Lease struct {
	TaskID    string    `json:"taskId"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lease is no longer valid at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Result is the outcome of executing a task on an agent.
type Result struct {
	TaskID      string    `json:"id"`
	Success     bool      `json:"success"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	ExitCode    int       `json:"exitCode"`
	Error       string    `json:"error,omitempty"`
	Truncated   bool      `json:"truncated,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
}
