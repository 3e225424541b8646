// Package protocol defines the JSON messages exchanged between the hub and
// agents. Every message is a single object with a "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-dispatch/internal/repomon"
	"github.com/2389/coven-dispatch/internal/task"
)

// Type names a message kind.
type Type string

const (
	TypeAgentStatus   Type = "agent-status"
	TypeGitStatus     Type = "git-status"
	TypeTask          Type = "task"
	TypeTaskResult    Type = "task-result"
	TypeTaskCancel    Type = "task-cancel"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeStatusRequest Type = "status-request"
)

// AgentState is carried by agent-status messages.
type AgentState string

const (
	StateOnline  AgentState = "online"
	StateOffline AgentState = "offline"
)

// ErrMalformed is returned by Decode for messages that cannot be handled.
var ErrMalformed = errors.New("malformed message")

// AgentDescriptor identifies an agent. Capabilities are routing hints for
// the hub; agents do not enforce them.
type AgentDescriptor struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// Envelope is the union of all message payloads. Only the fields relevant
// to Type are set.
type Envelope struct {
	Type      Type             `json:"type"`
	Agent     *AgentDescriptor `json:"agent,omitempty"`
	Status    AgentState       `json:"status,omitempty"`
	AgentID   string           `json:"agentId,omitempty"`
	Statuses  []repomon.Status `json:"statuses,omitzero"`
	Task      *task.Task       `json:"task,omitempty"`
	Result    *task.Result     `json:"result,omitempty"`
	TaskID    string           `json:"taskId,omitempty"`
	Timestamp time.Time        `json:"timestamp,omitzero"`
}

func AgentStatus(agent AgentDescriptor, state AgentState, now time.Time) Envelope {
	return Envelope{Type: TypeAgentStatus, Agent: &agent, Status: state, Timestamp: now}
}

func GitStatus(agentID string, statuses []repomon.Status, now time.Time) Envelope {
	if statuses == nil {
		statuses = []repomon.Status{}
	}
	return Envelope{Type: TypeGitStatus, AgentID: agentID, Statuses: statuses, Timestamp: now}
}

func TaskDispatch(t task.Task) Envelope {
	return Envelope{Type: TypeTask, Task: &t}
}

func TaskResult(agentID string, result task.Result, now time.Time) Envelope {
	return Envelope{Type: TypeTaskResult, AgentID: agentID, Result: &result, Timestamp: now}
}

func TaskCancel(taskID string) Envelope {
	return Envelope{Type: TypeTaskCancel, TaskID: taskID}
}

func Ping() Envelope {
	return Envelope{Type: TypePing}
}

func Pong(agentID string, now time.Time) Envelope {
	return Envelope{Type: TypePong, AgentID: agentID, Timestamp: now}
}

func StatusRequest() Envelope {
	return Envelope{Type: TypeStatusRequest}
}

// Encode marshals an envelope for the wire.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a message and checks that known types carry their required
// payload. Unknown types decode without error so receivers can log and
// ignore them.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Type == "" {
		return e, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch e.Type {
	case TypeAgentStatus:
		if e.Agent == nil || e.Agent.ID == "" {
			return e, fmt.Errorf("%w: agent-status without agent", ErrMalformed)
		}
		if e.Status != StateOnline && e.Status != StateOffline {
			return e, fmt.Errorf("%w: agent-status %q", ErrMalformed, e.Status)
		}
	case TypeTask:
		if e.Task == nil || e.Task.ID == "" {
			return e, fmt.Errorf("%w: task without id", ErrMalformed)
		}
	case TypeTaskResult:
		if e.Result == nil || e.Result.TaskID == "" {
			return e, fmt.Errorf("%w: task-result without id", ErrMalformed)
		}
	case TypeTaskCancel:
		if e.TaskID == "" {
			return e, fmt.Errorf("%w: task-cancel without taskId", ErrMalformed)
		}
	}
	return e, nil
}

// Known reports whether t is a message type this package defines.
func (t Type) Known() bool {
	switch t {
	case TypeAgentStatus, TypeGitStatus, TypeTask, TypeTaskResult, TypeTaskCancel,
		TypePing, TypePong, TypeStatusRequest:
		return true
	}
	return false
}
