// ABOUTME: Agent-side session with the hub: connect, route inbound messages, report repo changes
// ABOUTME: Reconnects through a single guarded timer whose delay comes from a backoff policy

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/repomon"
	"github.com/2389/coven-dispatch/internal/task"
)

// State is the connection state of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultPollInterval   = 30 * time.Second

	dialTimeout = 15 * time.Second
	sendTimeout = 10 * time.Second
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyStarted = errors.New("session already started")
)

// TaskExecutor runs dispatched tasks.
type TaskExecutor interface {
	Execute(ctx context.Context, t task.Task) task.Result
	Cancel(id string) bool
}

// RepoMonitor reports local repository state.
type RepoMonitor interface {
	PollChanged(ctx context.Context) []repomon.Status
	Snapshot(ctx context.Context) []repomon.Status
}

// Timer is a pending reconnect. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Params configures a Manager.
type Params struct {
	Agent     protocol.AgentDescriptor
	Transport Transport
	Executor  TaskExecutor
	Monitor   RepoMonitor

	// PollInterval is the repository poll period. Zero selects the default;
	// a negative value disables polling.
	PollInterval time.Duration

	// Backoff yields reconnect delays. Nil means a constant DefaultReconnectDelay.
	Backoff backoff.BackOff

	Logger *slog.Logger
	Now    func() time.Time

	// AfterFunc schedules reconnects. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Manager owns the agent's single connection to the hub.
type Manager struct {
	agent     protocol.AgentDescriptor
	transport Transport
	executor  TaskExecutor
	monitor   RepoMonitor
	interval  time.Duration
	backoff   backoff.BackOff
	logger    *slog.Logger
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Timer

	mu               sync.Mutex
	state            State
	conn             Conn
	started          bool
	stopped          bool
	reconnectPending bool
	reconnectTimer   Timer
	ctx              context.Context
	cancel           context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Manager. Call Start to connect.
func New(p Params) *Manager {
	if p.PollInterval == 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.Backoff == nil {
		p.Backoff = backoff.NewConstantBackOff(DefaultReconnectDelay)
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.AfterFunc == nil {
		p.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Manager{
		agent:     p.Agent,
		transport: p.Transport,
		executor:  p.Executor,
		monitor:   p.Monitor,
		interval:  p.PollInterval,
		backoff:   p.Backoff,
		logger:    p.Logger.With("component", "session", "agent_id", p.Agent.ID),
		now:       p.Now,
		afterFunc: p.AfterFunc,
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins connecting and starts the repository poll loop. It returns
// immediately; connection failures are retried in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if m.monitor != nil && m.interval > 0 {
		m.wg.Add(1)
		go m.pollLoop(m.ctx)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connect()
	}()
	return nil
}

// Run starts the session and blocks until ctx is cancelled, then stops it.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return m.Stop(stopCtx)
}

// Stop announces offline, cancels the poll loop and any pending reconnect,
// closes the connection and waits for background work until ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		m.send(protocol.AgentStatus(m.agent, protocol.StateOffline, m.now()))
	}

	m.mu.Lock()
	m.stopped = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectPending = false
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	if conn != nil {
		if err := conn.Close("agent shutting down"); err != nil {
			m.logger.Debug("closing connection", "error", err)
		}
	}
	m.logger.Info("session stopped")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session shutdown: %w", ctx.Err())
	}
}

func (m *Manager) connect() {
	m.mu.Lock()
	if m.stopped || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	ctx := m.ctx
	m.mu.Unlock()

	m.logger.Info("connecting to hub")

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := m.transport.Dial(dialCtx)
	cancel()
	if err == nil {
		// The online announcement goes out before the connection is
		// published so it is always the first message the hub sees.
		err = m.announce(ctx, conn)
	}
	if err != nil {
		m.logger.Warn("connection failed", "error", err)
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		conn.Close("agent shutting down")
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.backoff.Reset()
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("connected to hub")
	go m.readLoop(ctx, conn)
}

func (m *Manager) announce(ctx context.Context, conn Conn) error {
	data, err := protocol.Encode(protocol.AgentStatus(m.agent, protocol.StateOnline, m.now()))
	if err != nil {
		conn.Close("encoding failed")
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := conn.Send(sendCtx, data); err != nil {
		conn.Close("announce failed")
		return fmt.Errorf("announcing online: %w", err)
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	defer m.wg.Done()
	for {
		data, err := conn.Recv(ctx)
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		m.handleMessage(ctx, data)
	}
}

// handleClose reacts to a close or error event on conn. Events for a
// connection that is no longer current are ignored.
func (m *Manager) handleClose(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn || m.stopped {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Warn("disconnected from hub", "error", cause)
	conn.Close("connection lost")
	m.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer unless one is already pending.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.reconnectPending {
		return
	}

	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.backoff.Reset()
		delay = m.backoff.NextBackOff()
	}

	m.reconnectPending = true
	m.reconnectTimer = m.afterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectPending = false
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.connect()
	})
	m.logger.Info("reconnect scheduled", "delay", delay)
}

func (m *Manager) handleMessage(ctx context.Context, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed message", "error", err)
		return
	}

	switch env.Type {
	case protocol.TypeTask:
		m.wg.Add(1)
		go m.runTask(ctx, *env.Task)

	case protocol.TypeTaskCancel:
		if m.executor != nil && m.executor.Cancel(env.TaskID) {
			m.logger.Info("task cancelled", "task_id", env.TaskID)
		} else {
			m.logger.Debug("cancel for task that is not running", "task_id", env.TaskID)
		}

	case protocol.TypePing:
		m.send(protocol.Pong(m.agent.ID, m.now()))

	case protocol.TypeStatusRequest:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			var statuses []repomon.Status
			if m.monitor != nil {
				statuses = m.monitor.Snapshot(ctx)
			}
			m.send(protocol.GitStatus(m.agent.ID, statuses, m.now()))
		}()

	default:
		m.logger.Warn("ignoring unrecognized message", "type", env.Type)
	}
}

func (m *Manager) runTask(ctx context.Context, t task.Task) {
	defer m.wg.Done()

	m.logger.Info("task received", "task_id", t.ID, "type", t.Type)

	var res task.Result
	if m.executor == nil {
		now := m.now()
		res = task.Result{TaskID: t.ID, ExitCode: -1, Error: "agent has no executor", StartedAt: now, CompletedAt: now}
	} else {
		res = m.executor.Execute(ctx, t)
	}

	if res.Success {
		m.logger.Info("task completed", "task_id", t.ID, "duration_ms", res.DurationMs)
	} else {
		m.logger.Warn("task failed", "task_id", t.ID, "exit_code", res.ExitCode, "error", res.Error)
	}
	m.send(protocol.TaskResult(m.agent.ID, res, m.now()))
}

// pollLoop reports changed repositories on every tick. Each poll runs to
// completion before the next tick is considered, and ticks are skipped
// while disconnected so changes are not consumed without being sent.
func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() != StateConnected {
				continue
			}
			changed := m.monitor.PollChanged(ctx)
			if len(changed) == 0 {
				continue
			}
			m.logger.Debug("repositories changed", "count", len(changed))
			m.send(protocol.GitStatus(m.agent.ID, changed, m.now()))
		}
	}
}

// Send writes env to the hub. While not connected the message is dropped
// with a warning and ErrNotConnected is returned.
func (m *Manager) Send(env protocol.Envelope) error {
	return m.send(env)
}

func (m *Manager) send(env protocol.Envelope) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		m.logger.Warn("dropping message while not connected", "type", env.Type, "state", state)
		return ErrNotConnected
	}

	data, err := protocol.Encode(env)
	if err != nil {
		m.logger.Error("encoding message", "type", env.Type, "error", err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := conn.Send(ctx, data); err != nil {
		m.logger.Warn("send failed", "type", env.Type, "error", err)
		m.handleClose(conn, err)
		return err
	}
	return nil
}
