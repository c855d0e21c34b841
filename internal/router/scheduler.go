package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/agent"
	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/events/bus"
	"github.com/agentcom/hub/internal/taskqueue"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

const (
	ttlSweepEvery = 60 * time.Second
	// recentReposPerEndpoint bounds the affinity history.
	recentReposPerEndpoint = 5
)

// Queue is the slice of the task queue the scheduler drives.
// *taskqueue.Service satisfies it.
type Queue interface {
	QueuedIDs() []string
	Get(id string) (*v1.Task, error)
	Assign(ctx context.Context, taskID, agentID string, opts taskqueue.AssignOptions) (*v1.Task, error)
	Reclaim(ctx context.Context, taskID string) (*v1.Task, error)
	Expire(ctx context.Context, taskID string) (*v1.Task, error)
}

// Agents is the slice of the agent manager the scheduler drives.
type Agents interface {
	IdleAgents() []v1.AgentInfo
	PushTask(ctx context.Context, agentID string, task *v1.Task) error
}

// Endpoints is the slice of the endpoint registry the scheduler reads.
type Endpoints interface {
	List() []v1.Endpoint
	Resources() map[string]*v1.ResourceSnapshot
}

// pendingFallback is one armed one-step fallback.
type pendingFallback struct {
	originalTier v1.Tier
	fallbackTier v1.Tier
	reason       string
	timer        *time.Timer
}

// Scheduler runs event-driven scheduling rounds. It is stateless except for
// the pending-fallback map and the per-endpoint repo-affinity history.
type Scheduler struct {
	queue     Queue
	agents    Agents
	endpoints Endpoints
	runtime   *config.Runtime
	bus       bus.EventBus
	logger    *logger.Logger

	mu          sync.Mutex
	fallbacks   map[string]*pendingFallback
	recentRepos map[string][]string
	tierDownAt  map[v1.Tier]time.Time
	tierAlerted map[v1.Tier]bool

	wake    chan struct{}
	subs    []bus.Subscription
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewScheduler builds the scheduler.
func NewScheduler(queue Queue, agents Agents, endpoints Endpoints, rt *config.Runtime, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:       queue,
		agents:      agents,
		endpoints:   endpoints,
		runtime:     rt,
		bus:         eventBus,
		logger:      log.WithComponent("scheduler"),
		fallbacks:   make(map[string]*pendingFallback),
		recentRepos: make(map[string][]string),
		tierDownAt:  make(map[v1.Tier]time.Time),
		tierAlerted: make(map[v1.Tier]bool),
		wake:        make(chan struct{}, 1),
	}
}

// Start subscribes to the scheduling triggers and launches the round and TTL
// loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	triggers := []string{
		events.TopicTaskSubmitted,
		events.TopicTaskRetried,
		events.TopicTaskReclaimed,
		events.TopicAgentJoined,
		events.TopicAgentIdle,
		events.TopicEndpointChanged,
	}
	for _, topic := range triggers {
		sub, err := s.bus.Subscribe(topic, func(ctx context.Context, ev *bus.Event) error {
			s.nudge()
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		s.subs = append(s.subs, sub)
	}

	// Pending fallbacks are cleared whenever the task leaves queued state.
	cleanups := []string{
		events.TopicTaskAssigned,
		events.TopicTaskCompleted,
		events.TopicTaskReclaimed,
		events.TopicTaskDeadLetter,
	}
	for _, topic := range cleanups {
		sub, err := s.bus.Subscribe(topic, func(ctx context.Context, ev *bus.Event) error {
			if id := ev.TaskID(); id != "" {
				s.CancelFallback(id)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(2)
	go s.roundLoop(ctx)
	go s.ttlLoop(ctx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop drains subscriptions, loops and pending timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	for id, p := range s.fallbacks {
		p.timer.Stop()
		delete(s.fallbacks, id)
	}
	s.mu.Unlock()

	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// nudge coalesces wakeups: one queued signal is enough, the round re-reads
// everything anyway.
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) roundLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			s.TryScheduleAll(ctx)
		}
	}
}

// TryScheduleAll runs one full scheduling round over consistent snapshots.
// Returns the number of assignments made.
func (s *Scheduler) TryScheduleAll(ctx context.Context) int {
	idle := s.agents.IdleAgents()
	endpoints := s.endpoints.List()
	resources := s.endpoints.Resources()
	model := s.runtime.DefaultOllamaModel()

	s.observeTierHealth(endpoints, model)

	assigned := 0
	for _, taskID := range s.queue.QueuedIDs() {
		if len(idle) == 0 {
			break
		}
		task, err := s.queue.Get(taskID)
		if err != nil || task.Status != v1.TaskStatusQueued {
			continue
		}

		result, unavail := Route(RouteInput{
			Task:         task,
			Agents:       idle,
			Endpoints:    endpoints,
			Resources:    resources,
			DefaultModel: model,
			RecentRepos:  s.snapshotRepos(),
		}, time.Now().UnixMilli())

		if result == nil {
			s.armFallback(ctx, task, unavail)
			continue
		}
		if s.commit(ctx, task, result) {
			s.CancelFallback(task.ID)
			idle = dropAgent(idle, result.AgentID)
			assigned++
		}
	}
	return assigned
}

// commit assigns the task in the queue and delivers it to the agent. A
// conflicting assignment from a concurrent round is not an error.
func (s *Scheduler) commit(ctx context.Context, task *v1.Task, result *RouteResult) bool {
	decision := result.Decision
	assigned, err := s.queue.Assign(ctx, task.ID, result.AgentID, taskqueue.AssignOptions{
		CompleteBy: task.CompleteBy,
		Decision:   &decision,
	})
	if err != nil {
		if !errors.Is(err, taskqueue.ErrInvalidState) && !errors.Is(err, taskqueue.ErrNotFound) {
			s.logger.Error("assignment failed",
				zap.String("task_id", task.ID),
				zap.String("agent_id", result.AgentID),
				zap.Error(err))
		}
		return false
	}

	if err := s.agents.PushTask(ctx, result.AgentID, assigned); err != nil {
		// A send failure is reclaimed by the manager. If the agent vanished
		// or turned busy between the idle snapshot and the push, the manager
		// never took ownership and the assignment is ours to undo.
		if errors.Is(err, agent.ErrNotFound) || errors.Is(err, agent.ErrNotIdle) {
			if _, rerr := s.queue.Reclaim(ctx, task.ID); rerr != nil &&
				!errors.Is(rerr, taskqueue.ErrNotAssigned) && !errors.Is(rerr, taskqueue.ErrNotFound) {
				s.logger.Error("failed to roll back assignment",
					zap.String("task_id", task.ID),
					zap.String("agent_id", result.AgentID),
					zap.Error(rerr))
			}
		}
		return false
	}

	if repo := repoOf(task); repo != "" && decision.SelectedEndpoint != "" {
		s.rememberRepo(decision.SelectedEndpoint, repo)
	}

	s.logger.Info("task scheduled",
		zap.String("task_id", task.ID),
		zap.String("agent_id", result.AgentID),
		zap.String("tier", string(decision.EffectiveTier)),
		zap.String("endpoint", decision.SelectedEndpoint),
		zap.Bool("fallback", decision.FallbackUsed))
	return true
}

// armFallback schedules a one-step fallback retry unless one is already
// pending for the task.
func (s *Scheduler) armFallback(ctx context.Context, task *v1.Task, unavail *Unavailable) {
	if unavail == nil || unavail.FallbackTier == "" {
		return
	}

	s.mu.Lock()
	if _, ok := s.fallbacks[task.ID]; ok {
		s.mu.Unlock()
		return
	}
	wait := s.runtime.FallbackWait()
	taskID := task.ID
	p := &pendingFallback{
		originalTier: unavail.Tier,
		fallbackTier: unavail.FallbackTier,
		reason:       unavail.Reason,
	}
	p.timer = time.AfterFunc(wait, func() {
		s.fallbackFired(taskID)
	})
	s.fallbacks[taskID] = p
	s.mu.Unlock()

	s.logger.Info("tier unavailable, fallback armed",
		zap.String("task_id", task.ID),
		zap.String("tier", string(unavail.Tier)),
		zap.String("fallback_tier", string(unavail.FallbackTier)),
		zap.String("reason", unavail.Reason),
		zap.Duration("wait", wait))
}

// CancelFallback removes the pending-fallback entry for a task, stopping its
// timer.
func (s *Scheduler) CancelFallback(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.fallbacks[taskID]; ok {
		p.timer.Stop()
		delete(s.fallbacks, taskID)
	}
}

// PendingFallbacks returns the task ids with an armed fallback timer.
func (s *Scheduler) PendingFallbacks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.fallbacks))
	for id := range s.fallbacks {
		out = append(out, id)
	}
	return out
}

// fallbackFired reruns routing at the fallback tier if the task is still
// queued.
func (s *Scheduler) fallbackFired(taskID string) {
	ctx := context.Background()

	s.mu.Lock()
	p, ok := s.fallbacks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.fallbacks, taskID)
	s.mu.Unlock()

	task, err := s.queue.Get(taskID)
	if err != nil || task.Status != v1.TaskStatusQueued {
		return
	}

	result, unavail := Route(RouteInput{
		Task:         task,
		Agents:       s.agents.IdleAgents(),
		Endpoints:    s.endpoints.List(),
		Resources:    s.endpoints.Resources(),
		DefaultModel: s.runtime.DefaultOllamaModel(),
		RecentRepos:  s.snapshotRepos(),
		ForcedTier:   p.fallbackTier,
	}, time.Now().UnixMilli())

	if result == nil {
		s.logger.Warn("fallback tier also unavailable",
			zap.String("task_id", taskID),
			zap.String("fallback_tier", string(p.fallbackTier)),
			zap.String("reason", unavail.Reason))
		return
	}

	result.Decision.FallbackUsed = true
	result.Decision.FallbackFromTier = p.originalTier
	result.Decision.FallbackReason = p.reason
	s.commit(ctx, task, result)
}

// ttlLoop expires non-trivial tasks queued longer than the TTL. Trivial
// tasks are exempt: they can always run locally.
func (s *Scheduler) ttlLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(ttlSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SweepTTL(ctx)
		}
	}
}

// SweepTTL expires overdue queued tasks. Returns the number expired.
func (s *Scheduler) SweepTTL(ctx context.Context) int {
	ttl := s.runtime.TaskTTL()
	cutoff := time.Now().Add(-ttl)

	expired := 0
	for _, taskID := range s.queue.QueuedIDs() {
		task, err := s.queue.Get(taskID)
		if err != nil || task.Status != v1.TaskStatusQueued {
			continue
		}
		if task.Complexity != nil && task.Complexity.EffectiveTier == v1.TierTrivial {
			continue
		}
		if task.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := s.queue.Expire(ctx, taskID); err != nil {
			if !errors.Is(err, taskqueue.ErrInvalidState) && !errors.Is(err, taskqueue.ErrNotFound) {
				s.logger.Error("failed to expire task", zap.String("task_id", taskID), zap.Error(err))
			}
			continue
		}
		s.CancelFallback(taskID)
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired queued tasks", zap.Int("count", expired), zap.Duration("ttl", ttl))
	}
	return expired
}

// observeTierHealth warns once when the standard tier has been without a
// serving endpoint for longer than the alert threshold.
func (s *Scheduler) observeTierHealth(endpoints []v1.Endpoint, model string) {
	serving := false
	for _, ep := range endpoints {
		if ep.Status == v1.EndpointHealthy && hasModel(ep.Models, model) {
			serving = true
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if serving {
		delete(s.tierDownAt, v1.TierStandard)
		s.tierAlerted[v1.TierStandard] = false
		return
	}
	downAt, ok := s.tierDownAt[v1.TierStandard]
	if !ok {
		s.tierDownAt[v1.TierStandard] = time.Now()
		return
	}
	threshold := s.runtime.TierDownAlertThreshold()
	if !s.tierAlerted[v1.TierStandard] && time.Since(downAt) >= threshold {
		s.tierAlerted[v1.TierStandard] = true
		s.logger.Warn("standard tier down",
			zap.Duration("for", time.Since(downAt)),
			zap.String("model", model))
	}
}

func (s *Scheduler) snapshotRepos() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.recentRepos))
	for id, repos := range s.recentRepos {
		out[id] = append([]string(nil), repos...)
	}
	return out
}

func (s *Scheduler) rememberRepo(endpointID, repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repos := append(s.recentRepos[endpointID], repo)
	if len(repos) > recentReposPerEndpoint {
		repos = repos[len(repos)-recentReposPerEndpoint:]
	}
	s.recentRepos[endpointID] = repos
}

func dropAgent(agents []v1.AgentInfo, agentID string) []v1.AgentInfo {
	out := agents[:0]
	for _, a := range agents {
		if a.AgentID != agentID {
			out = append(out, a)
		}
	}
	return out
}
