// Package agent maintains the hub's view of connected agents: the presence
// registry and the per-agent state machine driving the task acceptance
// protocol.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/events/bus"
	"github.com/agentcom/hub/internal/taskqueue"
	"github.com/agentcom/hub/pkg/protocol"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

var (
	// ErrNotFound is returned when no agent has the given id.
	ErrNotFound = errors.New("agent not found")
	// ErrNotIdle is returned by PushTask when the agent cannot take work.
	ErrNotIdle = errors.New("agent is not idle")
)

// Session is the transport handle for a connected agent. The gateway
// implements it over a WebSocket with a bounded send channel.
type Session interface {
	Send(msg *protocol.Message) error
	Close() error
}

// TaskSink is the slice of the task queue the agent FSM drives.
// *taskqueue.Service satisfies it.
type TaskSink interface {
	Reclaim(ctx context.Context, taskID string) (*v1.Task, error)
	Complete(ctx context.Context, taskID string, generation int64, result v1.TaskResult) (*v1.Task, error)
	Fail(ctx context.Context, taskID string, generation int64, errMsg string) (taskqueue.FailOutcome, *v1.Task, error)
}

// entry is one connected (or grace-period) agent. The manager's mutex guards
// every field.
type entry struct {
	info    v1.AgentInfo
	session Session

	acceptanceTimer *time.Timer
	graceTimer      *time.Timer
}

// Manager owns the presence registry and every per-agent state machine.
// All state transitions serialize through its mutex; bus publications happen
// after the lock is released.
type Manager struct {
	queue   TaskSink
	bus     bus.EventBus
	runtime *config.Runtime
	limiter *RateLimiter
	logger  *logger.Logger

	acceptanceTimeout time.Duration
	disconnectGrace   time.Duration

	mu     sync.Mutex
	agents map[string]*entry

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewManager builds the agent manager.
func NewManager(queue TaskSink, eventBus bus.EventBus, rt *config.Runtime, cfg config.AgentsConfig, limiter *RateLimiter, log *logger.Logger) *Manager {
	return &Manager{
		queue:             queue,
		bus:               eventBus,
		runtime:           rt,
		limiter:           limiter,
		logger:            log.WithComponent("agents"),
		acceptanceTimeout: cfg.AcceptanceTimeoutDuration(),
		disconnectGrace:   cfg.DisconnectGraceDuration(),
		agents:            make(map[string]*entry),
	}
}

// Start launches the liveness sweeper.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("agent manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.livenessLoop(ctx)
	return nil
}

// Stop terminates the sweeper and drains all per-agent timers.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	for _, e := range m.agents {
		if e.acceptanceTimer != nil {
			e.acceptanceTimer.Stop()
		}
		if e.graceTimer != nil {
			e.graceTimer.Stop()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Info("agent manager stopped")
}

// Register enters an agent into the registry on successful identify. A
// reconnect during the grace window cancels the pending removal; any task the
// prior session held is reclaimed since the new session starts idle.
func (m *Manager) Register(ctx context.Context, info v1.AgentInfo, session Session) (*v1.AgentInfo, error) {
	now := time.Now()
	info.State = v1.AgentStateIdle
	info.ConnectedAt = now
	info.LastSeen = now

	var reclaimTask string

	m.mu.Lock()
	if prev, ok := m.agents[info.AgentID]; ok {
		if prev.acceptanceTimer != nil {
			prev.acceptanceTimer.Stop()
		}
		if prev.graceTimer != nil {
			prev.graceTimer.Stop()
		}
		if prev.session != nil && prev.session != session {
			_ = prev.session.Close()
		}
		reclaimTask = prev.info.CurrentTaskID
	}
	info.CurrentTaskID = ""
	m.agents[info.AgentID] = &entry{info: info, session: session}
	m.mu.Unlock()

	if reclaimTask != "" {
		m.reclaim(ctx, info.AgentID, reclaimTask, "agent reconnected")
	}

	m.logger.Info("agent registered",
		zap.String("agent_id", info.AgentID),
		zap.Int("capabilities", len(info.Capabilities)))
	m.publish(ctx, events.TopicAgentJoined, info.AgentID, map[string]interface{}{
		"name": info.Name,
	})
	m.publishIdle(ctx, info.AgentID)
	return &info, nil
}

// Touch refreshes an agent's last-seen timestamp. Called on every inbound
// frame.
func (m *Manager) Touch(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.agents[agentID]; ok {
		e.info.LastSeen = time.Now()
	}
}

// Get returns a copy of one agent's state.
func (m *Manager) Get(agentID string) (*v1.AgentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	info := e.info
	return &info, nil
}

// List returns a copy of every agent's state.
func (m *Manager) List() []v1.AgentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]v1.AgentInfo, 0, len(m.agents))
	for _, e := range m.agents {
		out = append(out, e.info)
	}
	return out
}

// IdleAgents snapshots the agents available for scheduling, excluding
// rate-limited ones.
func (m *Manager) IdleAgents() []v1.AgentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]v1.AgentInfo, 0, len(m.agents))
	for id, e := range m.agents {
		if e.info.State != v1.AgentStateIdle {
			continue
		}
		if m.limiter != nil && m.limiter.IsLimited(id) {
			continue
		}
		out = append(out, e.info)
	}
	return out
}

// PushTask delivers an assignment over the agent's session and arms the
// acceptance timer. The task must already be assigned in the queue; on
// delivery failure it is reclaimed.
func (m *Manager) PushTask(ctx context.Context, agentID string, task *v1.Task) error {
	payload := protocol.PushTaskPayload{
		TaskID:      task.ID,
		Description: task.Description,
		Metadata:    task.Metadata,
		Priority:    task.Priority.String(),
		Generation:  task.Generation,
	}
	if task.CompleteBy != nil {
		ms := task.CompleteBy.UnixMilli()
		payload.CompleteBy = &ms
	}
	msg, err := protocol.NewMessage(protocol.FramePushTask, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.info.State != v1.AgentStateIdle {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotIdle, agentID, e.info.State)
	}
	session := e.session
	e.info.State = v1.AgentStateAssigned
	e.info.CurrentTaskID = task.ID
	taskID, generation := task.ID, task.Generation
	e.acceptanceTimer = time.AfterFunc(m.acceptanceTimeout, func() {
		m.acceptanceTimedOut(agentID, taskID, generation)
	})
	m.mu.Unlock()

	if err := session.Send(msg); err != nil {
		m.logger.Warn("failed to deliver task, reclaiming",
			zap.String("agent_id", agentID),
			zap.String("task_id", task.ID),
			zap.Error(err))
		m.toIdle(ctx, agentID, task.ID)
		m.reclaim(ctx, agentID, task.ID, "delivery failed")
		return err
	}

	m.publish(ctx, events.TopicAgentStatusChanged, agentID, map[string]interface{}{
		"state":   string(v1.AgentStateAssigned),
		"task_id": task.ID,
	})
	return nil
}

// HandleAccepted moves assigned -> working when the acknowledged task matches
// the current assignment. Anything else is a late ack and is ignored.
func (m *Manager) HandleAccepted(ctx context.Context, agentID string, p protocol.TaskAcceptedPayload) {
	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok || e.info.State != v1.AgentStateAssigned || e.info.CurrentTaskID != p.TaskID {
		m.mu.Unlock()
		m.logger.Debug("ignoring stray task_accepted",
			zap.String("agent_id", agentID),
			zap.String("task_id", p.TaskID))
		return
	}
	if e.acceptanceTimer != nil {
		e.acceptanceTimer.Stop()
		e.acceptanceTimer = nil
	}
	e.info.State = v1.AgentStateWorking
	m.mu.Unlock()

	m.publish(ctx, events.TopicAgentStatusChanged, agentID, map[string]interface{}{
		"state":   string(v1.AgentStateWorking),
		"task_id": p.TaskID,
	})
}

// HandleRejected reclaims a declined task and returns the agent to idle.
func (m *Manager) HandleRejected(ctx context.Context, agentID string, p protocol.TaskRejectedPayload) {
	if !m.toIdle(ctx, agentID, p.TaskID) {
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "rejected by agent"
	}
	m.reclaim(ctx, agentID, p.TaskID, reason)
	m.publishIdle(ctx, agentID)
}

// HandleComplete forwards a completion to the queue with the generation the
// agent reports; the queue decides whether it is current. The agent goes idle
// either way.
func (m *Manager) HandleComplete(ctx context.Context, agentID string, p protocol.TaskCompletePayload) {
	m.toIdle(ctx, agentID, p.TaskID)
	_, err := m.queue.Complete(ctx, p.TaskID, p.Generation, v1.TaskResult{
		Result:     p.Result,
		TokensUsed: p.TokensUsed,
	})
	if err != nil {
		m.logger.Warn("completion not applied",
			zap.String("agent_id", agentID),
			zap.String("task_id", p.TaskID),
			zap.Int64("generation", p.Generation),
			zap.Error(err))
	}
	m.publishIdle(ctx, agentID)
}

// HandleFailed forwards a failure to the queue, which chooses between retry
// and dead-letter. The agent goes idle either way.
func (m *Manager) HandleFailed(ctx context.Context, agentID string, p protocol.TaskFailedPayload) {
	m.toIdle(ctx, agentID, p.TaskID)
	outcome, _, err := m.queue.Fail(ctx, p.TaskID, p.Generation, p.Error)
	if err != nil {
		m.logger.Warn("failure not applied",
			zap.String("agent_id", agentID),
			zap.String("task_id", p.TaskID),
			zap.Int64("generation", p.Generation),
			zap.Error(err))
	} else {
		m.logger.Info("task failed",
			zap.String("agent_id", agentID),
			zap.String("task_id", p.TaskID),
			zap.String("outcome", string(outcome)))
	}
	m.publishIdle(ctx, agentID)
}

// Disconnect marks the agent offline and arms the grace timer. If the agent
// does not reconnect within the window, any held task is reclaimed and the
// entry is removed.
func (m *Manager) Disconnect(ctx context.Context, agentID string) {
	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok || e.info.State == v1.AgentStateOffline {
		m.mu.Unlock()
		return
	}
	if e.acceptanceTimer != nil {
		e.acceptanceTimer.Stop()
		e.acceptanceTimer = nil
	}
	e.info.State = v1.AgentStateOffline
	e.session = nil
	e.graceTimer = time.AfterFunc(m.disconnectGrace, func() {
		m.graceExpired(agentID)
	})
	m.mu.Unlock()

	m.logger.Info("agent disconnected", zap.String("agent_id", agentID))
	m.publish(ctx, events.TopicAgentStatusChanged, agentID, map[string]interface{}{
		"state": string(v1.AgentStateOffline),
	})
}

// graceExpired finalizes a disconnect: reclaim any held task, drop the entry,
// announce departure.
func (m *Manager) graceExpired(agentID string) {
	ctx := context.Background()

	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok || e.info.State != v1.AgentStateOffline {
		m.mu.Unlock()
		return
	}
	heldTask := e.info.CurrentTaskID
	delete(m.agents, agentID)
	m.mu.Unlock()

	if heldTask != "" {
		m.reclaim(ctx, agentID, heldTask, "agent left")
	}
	m.logger.Info("agent removed", zap.String("agent_id", agentID))
	m.publish(ctx, events.TopicAgentLeft, agentID, nil)
}

// acceptanceTimedOut fires when an agent never acknowledged a pushed task.
func (m *Manager) acceptanceTimedOut(agentID, taskID string, generation int64) {
	ctx := context.Background()

	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok || e.info.State != v1.AgentStateAssigned || e.info.CurrentTaskID != taskID {
		m.mu.Unlock()
		return
	}
	e.acceptanceTimer = nil
	e.info.State = v1.AgentStateIdle
	e.info.CurrentTaskID = ""
	m.mu.Unlock()

	m.logger.Warn("task acceptance timed out",
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID),
		zap.Int64("generation", generation))
	m.reclaim(ctx, agentID, taskID, "acceptance timeout")
	m.publishIdle(ctx, agentID)
}

// livenessLoop evicts agents whose sessions have gone silent past the TTL.
// The TTL is re-read each cycle; the sweep runs at half the TTL interval.
func (m *Manager) livenessLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		ttl := m.runtime.AgentTTL()
		timer := time.NewTimer(ttl / 2)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			m.SweepStale(ctx, ttl)
		}
	}
}

// SweepStale evicts every non-offline agent silent longer than ttl. Returns
// the number of evictions.
func (m *Manager) SweepStale(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var stale []string
	var sessions []Session
	for id, e := range m.agents {
		if e.info.State == v1.AgentStateOffline {
			continue
		}
		if e.info.LastSeen.Before(cutoff) {
			stale = append(stale, id)
			sessions = append(sessions, e.session)
		}
	}
	m.mu.Unlock()

	for i, id := range stale {
		m.logger.Warn("evicting silent agent", zap.String("agent_id", id))
		if sessions[i] != nil {
			_ = sessions[i].Close()
		}
		m.Disconnect(ctx, id)
	}
	return len(stale)
}

// toIdle transitions an agent back to idle if it currently holds taskID.
// Returns false when the agent is unknown or holds a different task.
func (m *Manager) toIdle(ctx context.Context, agentID, taskID string) bool {
	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok || e.info.CurrentTaskID != taskID {
		m.mu.Unlock()
		return false
	}
	if e.acceptanceTimer != nil {
		e.acceptanceTimer.Stop()
		e.acceptanceTimer = nil
	}
	e.info.State = v1.AgentStateIdle
	e.info.CurrentTaskID = ""
	m.mu.Unlock()
	return true
}

// reclaim pushes a task back to queued. Not-assigned errors are expected when
// a reply already landed; anything else is logged.
func (m *Manager) reclaim(ctx context.Context, agentID, taskID, reason string) {
	if _, err := m.queue.Reclaim(ctx, taskID); err != nil {
		if !errors.Is(err, taskqueue.ErrNotAssigned) && !errors.Is(err, taskqueue.ErrNotFound) {
			m.logger.Error("failed to reclaim task",
				zap.String("agent_id", agentID),
				zap.String("task_id", taskID),
				zap.Error(err))
		}
		return
	}
	m.logger.Info("task reclaimed",
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID),
		zap.String("reason", reason))
}

func (m *Manager) publish(ctx context.Context, topic, agentID string, extra map[string]interface{}) {
	data := map[string]interface{}{"agent_id": agentID}
	for k, v := range extra {
		data[k] = v
	}
	_ = m.bus.Publish(ctx, topic, bus.NewEvent(topic, "agents", data))
}

// publishIdle announces idleness so the scheduler can attempt assignment.
func (m *Manager) publishIdle(ctx context.Context, agentID string) {
	m.publish(ctx, events.TopicAgentIdle, agentID, map[string]interface{}{
		"state": string(v1.AgentStateIdle),
	})
}
