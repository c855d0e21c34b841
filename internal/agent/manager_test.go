package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events/bus"
	"github.com/agentcom/hub/internal/taskqueue"
	"github.com/agentcom/hub/pkg/protocol"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// fakeSession records sent frames.
type fakeSession struct {
	mu      sync.Mutex
	sent    []*protocol.Message
	sendErr error
	closed  bool
}

func (s *fakeSession) Send(msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakeSink records queue calls.
type fakeSink struct {
	mu         sync.Mutex
	reclaimed  []string
	completed  []string
	failed     []string
	reclaimErr error
}

func (s *fakeSink) Reclaim(ctx context.Context, taskID string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reclaimErr != nil {
		return nil, s.reclaimErr
	}
	s.reclaimed = append(s.reclaimed, taskID)
	return &v1.Task{ID: taskID}, nil
}

func (s *fakeSink) Complete(ctx context.Context, taskID string, generation int64, result v1.TaskResult) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, taskID)
	return &v1.Task{ID: taskID}, nil
}

func (s *fakeSink) Fail(ctx context.Context, taskID string, generation int64, errMsg string) (taskqueue.FailOutcome, *v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, taskID)
	return taskqueue.FailRetried, &v1.Task{ID: taskID}, nil
}

func (s *fakeSink) reclaimedTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reclaimed...)
}

func newTestManager(t *testing.T, sink TaskSink, cfg config.AgentsConfig) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	if cfg.AcceptanceTimeout == 0 {
		cfg.AcceptanceTimeout = 30
	}
	if cfg.DisconnectGrace == 0 {
		cfg.DisconnectGrace = 10
	}
	return NewManager(sink, bus.NewMemoryEventBus(log), config.NewRuntime(), cfg, NewRateLimiter(), log)
}

func register(t *testing.T, m *Manager, id string, session Session) {
	t.Helper()
	_, err := m.Register(context.Background(), v1.AgentInfo{
		AgentID:      id,
		Capabilities: []v1.Capability{{Name: "go"}},
	}, session)
	require.NoError(t, err)
}

func agentState(t *testing.T, m *Manager, id string) v1.AgentState {
	t.Helper()
	info, err := m.Get(id)
	require.NoError(t, err)
	return info.State
}

func TestRegisterStartsIdle(t *testing.T) {
	m := newTestManager(t, &fakeSink{}, config.AgentsConfig{})
	register(t, m, "a1", &fakeSession{})

	assert.Equal(t, v1.AgentStateIdle, agentState(t, m, "a1"))
	assert.Len(t, m.IdleAgents(), 1)
}

func TestGetUnknownAgent(t *testing.T) {
	m := newTestManager(t, &fakeSink{}, config.AgentsConfig{})
	_, err := m.Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPushTaskAssignsAndDelivers(t *testing.T) {
	m := newTestManager(t, &fakeSink{}, config.AgentsConfig{})
	session := &fakeSession{}
	register(t, m, "a1", session)

	task := &v1.Task{ID: "t1", Description: "work", Generation: 1}
	require.NoError(t, m.PushTask(context.Background(), "a1", task))

	assert.Equal(t, v1.AgentStateAssigned, agentState(t, m, "a1"))
	assert.Equal(t, 1, session.sentCount())
	assert.Empty(t, m.IdleAgents(), "assigned agents are not schedulable")
}

func TestPushTaskToBusyAgentRejected(t *testing.T) {
	m := newTestManager(t, &fakeSink{}, config.AgentsConfig{})
	register(t, m, "a1", &fakeSession{})
	require.NoError(t, m.PushTask(context.Background(), "a1", &v1.Task{ID: "t1", Generation: 1}))

	err := m.PushTask(context.Background(), "a1", &v1.Task{ID: "t2", Generation: 1})
	assert.ErrorIs(t, err, ErrNotIdle)
}

func TestPushTaskDeliveryFailureReclaims(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(t, sink, config.AgentsConfig{})
	session := &fakeSession{sendErr: fmt.Errorf("socket gone")}
	register(t, m, "a1", session)

	err := m.PushTask(context.Background(), "a1", &v1.Task{ID: "t1", Generation: 1})
	require.Error(t, err)

	assert.Equal(t, v1.AgentStateIdle, agentState(t, m, "a1"))
	assert.Equal(t, []string{"t1"}, sink.reclaimedTasks())
}

func TestAcceptanceMovesToWorking(t *testing.T) {
	m := newTestManager(t, &fakeSink{}, config.AgentsConfig{})
	register(t, m, "a1", &fakeSession{})
	require.NoError(t, m.PushTask(context.Background(), "a1", &v1.Task{ID: "t1", Generation: 1}))

	m.HandleAccepted(context.Background(), "a1", protocol.TaskAcceptedPayload{TaskID: "t1", Generation: 1})
	assert.Equal(t, v1.AgentStateWorking, agentState(t, m, "a1"))
}

func TestStrayAcceptanceIgnored(t *testing.T) {
	m := newTestManager(t, &fakeSink{}, config.AgentsConfig{})
	register(t, m, "a1", &fakeSession{})
	require.NoError(t, m.PushTask(context.Background(), "a1", &v1.Task{ID: "t1", Generation: 1}))

	// Ack for a different task leaves the FSM untouched.
	m.HandleAccepted(context.Background(), "a1", protocol.TaskAcceptedPayload{TaskID: "other"})
	assert.Equal(t, v1.AgentStateAssigned, agentState(t, m, "a1"))
}

func TestRejectionReclaimsAndIdles(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(t, sink, config.AgentsConfig{})
	register(t, m, "a1", &fakeSession{})
	require.NoError(t, m.PushTask(context.Background(), "a1", &v1.Task{ID: "t1", Generation: 1}))

	m.HandleRejected(context.Background(), "a1", protocol.TaskRejectedPayload{TaskID: "t1", Reason: "busy disk"})
	assert.Equal(t, v1.AgentStateIdle, agentState(t, m, "a1"))
	assert.Equal(t, []string{"t1"}, sink.reclaimedTasks())
}

func TestCompleteForwardsToQueue(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(t, sink, config.AgentsConfig{})
	register(t, m, "a1", &fakeSession{})
	require.NoError(t, m.PushTask(context.Background(), "a1", &v1.Task{ID: "t1", Generation: 1}))
	m.HandleAccepted(context.Background(), "a1", protocol.TaskAcceptedPayload{TaskID: "t1", Generation: 1})

	m.HandleComplete(context.Background(), "a1", protocol.TaskCompletePayload{TaskID: "t1", Generation: 1})
	assert.Equal(t, v1.AgentStateIdle, agentState(t, m, "a1"))
	assert.Equal(t, []string{"t1"}, sink.completed)
}

func TestFailedForwardsToQueue(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(t, sink, config.AgentsConfig{})
	register(t, m, "a1", &fakeSession{})
	require.NoError(t, m.PushTask(context.Background(), "a1", &v1.Task{ID: "t1", Generation: 1}))
	m.HandleAccepted(context.Background(), "a1", protocol.TaskAcceptedPayload{TaskID: "t1", Generation: 1})

	m.HandleFailed(context.Background(), "a1", protocol.TaskFailedPayload{TaskID: "t1", Generation: 1, Error: "boom"})
	assert.Equal(t, v1.AgentStateIdle, agentState(t, m, "a1"))
	assert.Equal(t, []string{"t1"}, sink.failed)
}

func TestAcceptanceTimeoutReclaims(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(t, sink, config.AgentsConfig{AcceptanceTimeout: 1})
	m.acceptanceTimeout = 20 * time.Millisecond
	register(t, m, "a1", &fakeSession{})
	require.NoError(t, m.PushTask(context.Background(), "a1", &v1.Task{ID: "t1", Generation: 1}))

	require.Eventually(t, func() bool {
		return agentState(t, m, "a1") == v1.AgentStateIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"t1"}, sink.reclaimedTasks())
}

func TestDisconnectGraceThenRemoval(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(t, sink, config.AgentsConfig{DisconnectGrace: 1})
	m.disconnectGrace = 20 * time.Millisecond
	register(t, m, "a1", &fakeSession{})
	require.NoError(t, m.PushTask(context.Background(), "a1", &v1.Task{ID: "t1", Generation: 1}))

	m.Disconnect(context.Background(), "a1")
	assert.Equal(t, v1.AgentStateOffline, agentState(t, m, "a1"))

	require.Eventually(t, func() bool {
		_, err := m.Get("a1")
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"t1"}, sink.reclaimedTasks())
}

func TestReconnectDuringGraceCancelsRemoval(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(t, sink, config.AgentsConfig{DisconnectGrace: 60})
	register(t, m, "a1", &fakeSession{})
	require.NoError(t, m.PushTask(context.Background(), "a1", &v1.Task{ID: "t1", Generation: 1}))

	m.Disconnect(context.Background(), "a1")
	register(t, m, "a1", &fakeSession{})

	// The new session starts idle; the held task went back to the queue.
	assert.Equal(t, v1.AgentStateIdle, agentState(t, m, "a1"))
	assert.Equal(t, []string{"t1"}, sink.reclaimedTasks())
}

func TestSweepStaleEvictsSilentAgents(t *testing.T) {
	m := newTestManager(t, &fakeSink{}, config.AgentsConfig{})
	session := &fakeSession{}
	register(t, m, "a1", session)

	// Fresh agents survive the sweep.
	assert.Zero(t, m.SweepStale(context.Background(), time.Minute))

	m.mu.Lock()
	m.agents["a1"].info.LastSeen = time.Now().Add(-2 * time.Minute)
	m.mu.Unlock()

	assert.Equal(t, 1, m.SweepStale(context.Background(), time.Minute))
	assert.Equal(t, v1.AgentStateOffline, agentState(t, m, "a1"))
	assert.True(t, session.closed)
}

func TestRateLimitedAgentsNotSchedulable(t *testing.T) {
	m := newTestManager(t, &fakeSink{}, config.AgentsConfig{})
	register(t, m, "a1", &fakeSession{})

	m.limiter.Limit("a1", time.Minute)
	assert.Empty(t, m.IdleAgents())

	m.limiter.Clear("a1")
	assert.Len(t, m.IdleAgents(), 1)
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	m := newTestManager(t, &fakeSink{}, config.AgentsConfig{})
	register(t, m, "a1", &fakeSession{})

	before, err := m.Get("a1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	m.Touch("a1")
	after, err := m.Get("a1")
	require.NoError(t, err)
	assert.True(t, after.LastSeen.After(before.LastSeen))
}
