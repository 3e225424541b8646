package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/task"
)

func TestEncode_WireShape(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{
			name: "ping has no payload",
			env:  Ping(),
			want: `{"type":"ping"}`,
		},
		{
			name: "status-request has no payload",
			env:  StatusRequest(),
			want: `{"type":"status-request"}`,
		},
		{
			name: "pong",
			env:  Pong("agent-1", now),
			want: `{"type":"pong","agentId":"agent-1","timestamp":"2025-03-01T12:00:00Z"}`,
		},
		{
			name: "agent-status",
			env:  AgentStatus(AgentDescriptor{ID: "agent-1", Name: "builder", Capabilities: []string{"generic-command"}}, StateOnline, now),
			want: `{"type":"agent-status","agent":{"id":"agent-1","name":"builder","capabilities":["generic-command"]},"status":"online","timestamp":"2025-03-01T12:00:00Z"}`,
		},
		{
			name: "git-status with no changes keeps the list",
			env:  GitStatus("agent-1", nil, now),
			want: `{"type":"git-status","agentId":"agent-1","statuses":[],"timestamp":"2025-03-01T12:00:00Z"}`,
		},
		{
			name: "task-cancel",
			env:  TaskCancel("t1"),
			want: `{"type":"task-cancel","taskId":"t1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.env)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestDecode_TaskResult(t *testing.T) {
	data := []byte(`{"type":"task-result","agentId":"agent-1","result":{"id":"t1","success":true,"stdout":"hi\n","stderr":"","exitCode":0},"timestamp":"2025-03-01T12:00:00Z"}`)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeTaskResult, env.Type)
	assert.Equal(t, "agent-1", env.AgentID)
	require.NotNil(t, env.Result)
	assert.Equal(t, "t1", env.Result.TaskID)
	assert.True(t, env.Result.Success)
	assert.Equal(t, "hi\n", env.Result.Stdout)
}

func TestDecode_TaskDispatch(t *testing.T) {
	data, err := Encode(TaskDispatch(task.Task{
		ID:       "t1",
		Type:     task.TypeGenericCommand,
		Content:  "echo hi",
		Priority: task.PriorityHigh,
	}))
	require.NoError(t, err)

	var raw struct {
		Task map[string]any `json:"task"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "high", raw.Task["priority"])

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "echo hi", env.Task.Content)
	assert.Equal(t, task.PriorityHigh, env.Task.Priority)
}

func TestDecode_UnknownTypePassesThrough(t *testing.T) {
	env, err := Decode([]byte(`{"type":"telemetry","cpu":0.5}`))
	require.NoError(t, err)
	assert.Equal(t, Type("telemetry"), env.Type)
	assert.False(t, env.Type.Known())
}

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`{}`,
		`{"type":"task"}`,
		`{"type":"task-result","result":{}}`,
		`{"type":"agent-status","status":"online"}`,
		`{"type":"agent-status","agent":{"id":"a"},"status":"sleeping"}`,
		`{"type":"task-cancel"}`,
	} {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
}
