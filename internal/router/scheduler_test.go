package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/hub/internal/agent"
	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events/bus"
	"github.com/agentcom/hub/internal/taskqueue"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// schedQueue is an in-memory Queue double recording assignments and expiries.
type schedQueue struct {
	mu        sync.Mutex
	tasks     map[string]*v1.Task
	order     []string
	assignErr error
}

func newSchedQueue(tasks ...*v1.Task) *schedQueue {
	q := &schedQueue{tasks: make(map[string]*v1.Task)}
	for _, task := range tasks {
		q.tasks[task.ID] = task
		q.order = append(q.order, task.ID)
	}
	return q
}

func (q *schedQueue) QueuedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, id := range q.order {
		if q.tasks[id].Status == v1.TaskStatusQueued {
			out = append(out, id)
		}
	}
	return out
}

func (q *schedQueue) Get(id string) (*v1.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return nil, taskqueue.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (q *schedQueue) Assign(ctx context.Context, taskID, agentID string, opts taskqueue.AssignOptions) (*v1.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.assignErr != nil {
		return nil, q.assignErr
	}
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, taskqueue.ErrNotFound
	}
	if task.Status != v1.TaskStatusQueued {
		return nil, taskqueue.ErrInvalidState
	}
	task.Status = v1.TaskStatusAssigned
	task.AssignedTo = agentID
	task.RoutingDecision = opts.Decision
	cp := *task
	return &cp, nil
}

func (q *schedQueue) Reclaim(ctx context.Context, taskID string) (*v1.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, taskqueue.ErrNotFound
	}
	if task.Status != v1.TaskStatusAssigned {
		return nil, taskqueue.ErrNotAssigned
	}
	task.Status = v1.TaskStatusQueued
	task.AssignedTo = ""
	task.Generation++
	cp := *task
	return &cp, nil
}

func (q *schedQueue) Expire(ctx context.Context, taskID string) (*v1.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, taskqueue.ErrNotFound
	}
	if task.Status != v1.TaskStatusQueued {
		return nil, taskqueue.ErrInvalidState
	}
	task.Status = v1.TaskStatusDeadLetter
	cp := *task
	return &cp, nil
}

func (q *schedQueue) status(id string) v1.TaskStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[id].Status
}

func (q *schedQueue) decision(id string) *v1.RoutingDecision {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[id].RoutingDecision
}

// schedAgents serves a fixed idle set and records pushes.
type schedAgents struct {
	mu      sync.Mutex
	idle    []v1.AgentInfo
	pushed  []string
	pushErr error
}

func (a *schedAgents) IdleAgents() []v1.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]v1.AgentInfo(nil), a.idle...)
}

func (a *schedAgents) PushTask(ctx context.Context, agentID string, task *v1.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pushErr != nil {
		return a.pushErr
	}
	a.pushed = append(a.pushed, task.ID)
	return nil
}

func (a *schedAgents) pushedTasks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.pushed...)
}

type schedEndpoints struct {
	list      []v1.Endpoint
	resources map[string]*v1.ResourceSnapshot
}

func (e *schedEndpoints) List() []v1.Endpoint                        { return e.list }
func (e *schedEndpoints) Resources() map[string]*v1.ResourceSnapshot { return e.resources }

func newTestScheduler(t *testing.T, queue Queue, agents Agents, endpoints Endpoints, rt *config.Runtime) *Scheduler {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	if rt == nil {
		rt = config.NewRuntime()
	}
	return NewScheduler(queue, agents, endpoints, rt, bus.NewMemoryEventBus(log), log)
}

func queuedTask(id string, tier v1.Tier) *v1.Task {
	return &v1.Task{
		ID:         id,
		Status:     v1.TaskStatusQueued,
		CreatedAt:  time.Now(),
		Complexity: &v1.Complexity{EffectiveTier: tier, Reason: "test"},
	}
}

func TestTryScheduleAllAssignsTrivialTask(t *testing.T) {
	queue := newSchedQueue(queuedTask("t1", v1.TierTrivial))
	agents := &schedAgents{idle: []v1.AgentInfo{{AgentID: "a1", State: v1.AgentStateIdle}}}
	s := newTestScheduler(t, queue, agents, &schedEndpoints{}, nil)

	assert.Equal(t, 1, s.TryScheduleAll(context.Background()))
	assert.Equal(t, v1.TaskStatusAssigned, queue.status("t1"))
	assert.Equal(t, []string{"t1"}, agents.pushedTasks())
}

func TestTryScheduleAllNoIdleAgents(t *testing.T) {
	queue := newSchedQueue(queuedTask("t1", v1.TierTrivial))
	s := newTestScheduler(t, queue, &schedAgents{}, &schedEndpoints{}, nil)

	assert.Zero(t, s.TryScheduleAll(context.Background()))
	assert.Equal(t, v1.TaskStatusQueued, queue.status("t1"))
	assert.Empty(t, s.PendingFallbacks(), "no round ran, nothing to fall back from")
}

func TestTryScheduleAllOneTaskPerIdleAgent(t *testing.T) {
	queue := newSchedQueue(queuedTask("t1", v1.TierTrivial), queuedTask("t2", v1.TierTrivial))
	agents := &schedAgents{idle: []v1.AgentInfo{{AgentID: "a1", State: v1.AgentStateIdle}}}
	s := newTestScheduler(t, queue, agents, &schedEndpoints{}, nil)

	assert.Equal(t, 1, s.TryScheduleAll(context.Background()))
	assert.Equal(t, v1.TaskStatusAssigned, queue.status("t1"))
	assert.Equal(t, v1.TaskStatusQueued, queue.status("t2"))
}

func TestUnavailableTierArmsFallback(t *testing.T) {
	rt := config.NewRuntime()
	rt.Set(config.KeyFallbackWaitMs, 60_000)

	// Standard tier with no endpoints: unavailable, fallback to complex.
	queue := newSchedQueue(queuedTask("t1", v1.TierStandard))
	agents := &schedAgents{idle: []v1.AgentInfo{{AgentID: "a1", State: v1.AgentStateIdle}}}
	s := newTestScheduler(t, queue, agents, &schedEndpoints{}, rt)

	assert.Zero(t, s.TryScheduleAll(context.Background()))
	assert.Equal(t, []string{"t1"}, s.PendingFallbacks())

	// A second round does not re-arm or double-count.
	s.TryScheduleAll(context.Background())
	assert.Len(t, s.PendingFallbacks(), 1)
}

func TestFallbackFiresAndRoutesAtFallbackTier(t *testing.T) {
	rt := config.NewRuntime()
	rt.Set(config.KeyFallbackWaitMs, 10)

	queue := newSchedQueue(queuedTask("t1", v1.TierStandard))
	agents := &schedAgents{idle: []v1.AgentInfo{{
		AgentID:      "a1",
		State:        v1.AgentStateIdle,
		Capabilities: []v1.Capability{{Name: "cloud_api"}},
	}}}
	s := newTestScheduler(t, queue, agents, &schedEndpoints{}, rt)

	require.Zero(t, s.TryScheduleAll(context.Background()))
	require.Eventually(t, func() bool {
		return queue.status("t1") == v1.TaskStatusAssigned
	}, 2*time.Second, 5*time.Millisecond)

	decision := queue.decision("t1")
	require.NotNil(t, decision)
	assert.True(t, decision.FallbackUsed)
	assert.Equal(t, v1.TierComplex, decision.EffectiveTier)
	assert.Equal(t, v1.TierStandard, decision.FallbackFromTier)
}

func TestCancelFallbackStopsTimer(t *testing.T) {
	rt := config.NewRuntime()
	rt.Set(config.KeyFallbackWaitMs, 20)

	queue := newSchedQueue(queuedTask("t1", v1.TierStandard))
	agents := &schedAgents{idle: []v1.AgentInfo{{
		AgentID:      "a1",
		State:        v1.AgentStateIdle,
		Capabilities: []v1.Capability{{Name: "cloud_api"}},
	}}}
	s := newTestScheduler(t, queue, agents, &schedEndpoints{}, rt)

	require.Zero(t, s.TryScheduleAll(context.Background()))
	s.CancelFallback("t1")
	assert.Empty(t, s.PendingFallbacks())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, v1.TaskStatusQueued, queue.status("t1"))
}

func TestCommitConflictNotCounted(t *testing.T) {
	queue := newSchedQueue(queuedTask("t1", v1.TierTrivial))
	queue.assignErr = taskqueue.ErrInvalidState
	agents := &schedAgents{idle: []v1.AgentInfo{{AgentID: "a1", State: v1.AgentStateIdle}}}
	s := newTestScheduler(t, queue, agents, &schedEndpoints{}, nil)

	assert.Zero(t, s.TryScheduleAll(context.Background()))
	assert.Empty(t, agents.pushedTasks())
}

func TestDeliveryFailureNotCounted(t *testing.T) {
	queue := newSchedQueue(queuedTask("t1", v1.TierTrivial))
	agents := &schedAgents{
		idle:    []v1.AgentInfo{{AgentID: "a1", State: v1.AgentStateIdle}},
		pushErr: context.DeadlineExceeded,
	}
	s := newTestScheduler(t, queue, agents, &schedEndpoints{}, nil)

	assert.Zero(t, s.TryScheduleAll(context.Background()))
}

func TestVanishedAgentRollsBackAssignment(t *testing.T) {
	// The agent was idle at snapshot time but dropped out of the registry
	// before the push landed. The manager never took ownership, so the
	// scheduler must undo the assignment itself.
	queue := newSchedQueue(queuedTask("t1", v1.TierTrivial))
	agents := &schedAgents{
		idle:    []v1.AgentInfo{{AgentID: "a1", State: v1.AgentStateIdle}},
		pushErr: agent.ErrNotFound,
	}
	s := newTestScheduler(t, queue, agents, &schedEndpoints{}, nil)

	assert.Zero(t, s.TryScheduleAll(context.Background()))
	assert.Equal(t, v1.TaskStatusQueued, queue.status("t1"))
}

func TestBusyAgentRollsBackAssignment(t *testing.T) {
	queue := newSchedQueue(queuedTask("t1", v1.TierTrivial))
	agents := &schedAgents{
		idle:    []v1.AgentInfo{{AgentID: "a1", State: v1.AgentStateIdle}},
		pushErr: agent.ErrNotIdle,
	}
	s := newTestScheduler(t, queue, agents, &schedEndpoints{}, nil)

	assert.Zero(t, s.TryScheduleAll(context.Background()))
	assert.Equal(t, v1.TaskStatusQueued, queue.status("t1"))
}

func TestSweepTTLExpiresStaleNonTrivialTasks(t *testing.T) {
	rt := config.NewRuntime()
	rt.Set(config.KeyTaskTTLMs, 60_000)

	old := time.Now().Add(-2 * time.Minute)
	staleStandard := queuedTask("stale", v1.TierStandard)
	staleStandard.CreatedAt = old
	staleTrivial := queuedTask("trivial", v1.TierTrivial)
	staleTrivial.CreatedAt = old
	fresh := queuedTask("fresh", v1.TierStandard)

	queue := newSchedQueue(staleStandard, staleTrivial, fresh)
	s := newTestScheduler(t, queue, &schedAgents{}, &schedEndpoints{}, rt)

	assert.Equal(t, 1, s.SweepTTL(context.Background()))
	assert.Equal(t, v1.TaskStatusDeadLetter, queue.status("stale"))
	assert.Equal(t, v1.TaskStatusQueued, queue.status("trivial"), "trivial tasks never expire")
	assert.Equal(t, v1.TaskStatusQueued, queue.status("fresh"))
}

func TestRepoAffinityHistoryBounded(t *testing.T) {
	s := newTestScheduler(t, newSchedQueue(), &schedAgents{}, &schedEndpoints{}, nil)

	for i := 0; i < recentReposPerEndpoint+3; i++ {
		s.rememberRepo("ep1", "repo")
	}
	repos := s.snapshotRepos()
	assert.Len(t, repos["ep1"], recentReposPerEndpoint)
}
