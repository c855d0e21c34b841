// Package taskqueue owns the durable task store and its dead-letter
// companion. Every mutation serializes through the Service and is committed
// to storage before the corresponding event is published.
package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/events/bus"
	"github.com/agentcom/hub/internal/storage"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

const (
	// TableTasks holds live tasks (queued, assigned, completed).
	TableTasks = "tasks"
	// TableDeadLetter holds terminally failed tasks.
	TableDeadLetter = "tasks_dead_letter"

	defaultMaxRetries = 3
	overdueSweepEvery = 60 * time.Second
)

// Classifier computes a task's complexity at submit time.
type Classifier interface {
	Classify(description string, capabilities []string, metadata map[string]interface{}) v1.Complexity
}

// FailOutcome distinguishes retry from dead-letter on Fail.
type FailOutcome string

const (
	FailRetried    FailOutcome = "retried"
	FailDeadLetter FailOutcome = "dead_letter"
)

// AssignOptions carries per-assignment inputs from the scheduler.
type AssignOptions struct {
	CompleteBy *time.Time
	Decision   *v1.RoutingDecision
}

// AgentLiveness reports whether an agent currently has a registry entry
// (connected or inside its disconnect grace window). The overdue sweep uses
// it to free tasks whose owner vanished without a disconnect, which is how
// assignments from before a hub restart come back: the registry starts empty,
// so any task still marked assigned has no owner to answer for it.
type AgentLiveness func(agentID string) bool

// Service is the single logical owner of the task tables.
type Service struct {
	tasks      *storage.Table
	deadLetter *storage.Table
	index      *priorityIndex
	classifier Classifier
	bus        bus.EventBus
	telemetry  *events.Telemetry
	logger     *logger.Logger

	// mu serializes all task mutations so invariants hold across the
	// load-modify-persist sequence.
	mu sync.Mutex

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex

	liveness AgentLiveness
}

// NewService opens the task tables, rebuilds the priority index from durable
// state, and registers restore hooks with the storage engine.
func NewService(engine *storage.Engine, classifier Classifier, eventBus bus.EventBus, telemetry *events.Telemetry, log *logger.Logger) (*Service, error) {
	tasks, err := engine.Open(TableTasks)
	if err != nil {
		return nil, err
	}
	deadLetter, err := engine.Open(TableDeadLetter)
	if err != nil {
		return nil, err
	}

	s := &Service{
		tasks:      tasks,
		deadLetter: deadLetter,
		index:      newPriorityIndex(),
		classifier: classifier,
		bus:        eventBus,
		telemetry:  telemetry,
		logger:     log.WithComponent("task_queue"),
	}

	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}

	engine.OnRestore(TableTasks, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.rebuildIndex(); err != nil {
			s.logger.Error("failed to rebuild index after restore", zap.Error(err))
		}
	})

	return s, nil
}

// rebuildIndex repopulates the priority index from the tasks table. Assigned
// tasks stay assigned; the overdue sweep reclaims them once their deadline
// passes or their owning agent turns out to be gone.
func (s *Service) rebuildIndex() error {
	s.index.Reset()
	return s.tasks.Scan(func(key string, value []byte) error {
		var task v1.Task
		if err := decode(value, &task); err != nil {
			s.logger.Warn("skipping undecodable task record", zap.String("key", key))
			return nil
		}
		if task.Status == v1.TaskStatusQueued {
			s.index.Add(task.ID, task.Priority, task.CreatedAt)
		}
		return nil
	})
}

// SetAgentLiveness wires the agent-presence probe consulted by the overdue
// sweep. Without one the sweep is deadline-only.
func (s *Service) SetAgentLiveness(fn AgentLiveness) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.liveness = fn
}

func (s *Service) agentLive(agentID string) bool {
	s.runMu.Lock()
	fn := s.liveness
	s.runMu.Unlock()
	if fn == nil {
		return true
	}
	return fn(agentID)
}

// Start launches the overdue sweep.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return errors.New("task queue already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.overdueLoop(ctx)
	return nil
}

// Stop terminates the overdue sweep.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	s.wg.Wait()
}

// Submit validates and persists a new task, then announces it.
func (s *Service) Submit(ctx context.Context, req v1.SubmitTaskRequest) (*v1.Task, error) {
	if req.Description == "" {
		return nil, errors.New("description is required")
	}

	now := time.Now().UTC()
	maxRetries := defaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	complexity := s.classifier.Classify(req.Description, req.NeededCapabilities, req.Metadata)

	task := &v1.Task{
		ID:                 uuid.New().String(),
		Description:        req.Description,
		Priority:           v1.ParsePriority(req.Priority),
		NeededCapabilities: req.NeededCapabilities,
		Metadata:           req.Metadata,
		MaxRetries:         maxRetries,
		Status:             v1.TaskStatusQueued,
		Generation:         0,
		Complexity:         &complexity,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.CompleteBy != nil {
		t := time.UnixMilli(*req.CompleteBy).UTC()
		task.CompleteBy = &t
	}
	task.History = append(task.History, v1.HistoryEntry{
		Event:     "queued",
		Timestamp: now,
		Details:   "submitted",
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tasks.PutJSON(task.ID, task); err != nil {
		return nil, err
	}
	s.index.Add(task.ID, task.Priority, task.CreatedAt)

	s.publish(ctx, events.TopicTaskSubmitted, task, nil)
	s.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("priority", task.Priority.String()),
		zap.String("tier", string(complexity.EffectiveTier)))
	return task, nil
}

// Get looks up a task by id, searching the live table then dead-letter.
func (s *Service) Get(id string) (*v1.Task, error) {
	var task v1.Task
	err := s.tasks.GetJSON(id, &task)
	if err == nil {
		return &task, nil
	}
	if !errors.Is(err, storage.ErrKeyNotFound) {
		return nil, err
	}
	err = s.deadLetter.GetJSON(id, &task)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// List returns live tasks matching the filter.
func (s *Service) List(filter v1.TaskFilter) ([]*v1.Task, error) {
	var out []*v1.Task
	err := s.tasks.Scan(func(key string, value []byte) error {
		var task v1.Task
		if err := decode(value, &task); err != nil {
			return nil
		}
		if filter.Status != "" && task.Status != filter.Status {
			return nil
		}
		if filter.HasPrio && task.Priority != filter.Priority {
			return nil
		}
		if filter.AssignedTo != "" && task.AssignedTo != filter.AssignedTo {
			return nil
		}
		out = append(out, &task)
		return nil
	})
	return out, err
}

// ListDeadLetter returns all dead-letter tasks.
func (s *Service) ListDeadLetter() ([]*v1.Task, error) {
	var out []*v1.Task
	err := s.deadLetter.Scan(func(key string, value []byte) error {
		var task v1.Task
		if err := decode(value, &task); err != nil {
			return nil
		}
		out = append(out, &task)
		return nil
	})
	return out, err
}

// Stats counts live tasks by status and priority. Dead-letter tasks are
// reported only under DeadLetter.
func (s *Service) Stats() (v1.TaskStats, error) {
	stats := v1.TaskStats{
		ByStatus:   make(map[v1.TaskStatus]int),
		ByPriority: make(map[v1.TaskPriority]int),
	}
	err := s.tasks.Scan(func(key string, value []byte) error {
		var task v1.Task
		if err := decode(value, &task); err != nil {
			return nil
		}
		stats.ByStatus[task.Status]++
		stats.ByPriority[task.Priority]++
		return nil
	})
	if err != nil {
		return stats, err
	}
	n, err := s.deadLetter.Count()
	if err != nil {
		return stats, err
	}
	stats.DeadLetter = n
	return stats, nil
}

// QueuedIDs returns queued task ids in dequeue order for a scheduling round.
func (s *Service) QueuedIDs() []string {
	return s.index.Ordered()
}

// DequeueNext returns the highest-priority queued task without mutating it.
func (s *Service) DequeueNext() (*v1.Task, error) {
	id, ok := s.index.Peek()
	if !ok {
		return nil, ErrEmpty
	}
	return s.Get(id)
}

// Assign transitions a queued task to assigned, bumping its generation and
// recording the routing decision. Only the scheduler commit path calls this.
func (s *Service) Assign(ctx context.Context, taskID, agentID string, opts AssignOptions) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.loadLive(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != v1.TaskStatusQueued {
		return nil, &StateError{Status: task.Status}
	}

	now := time.Now().UTC()
	task.Generation++
	task.Status = v1.TaskStatusAssigned
	task.AssignedTo = agentID
	task.AssignedAt = &now
	if opts.CompleteBy != nil {
		task.CompleteBy = opts.CompleteBy
	}
	if opts.Decision != nil && task.RoutingDecision == nil {
		task.RoutingDecision = opts.Decision
	}
	task.UpdatedAt = now
	task.History = append(task.History, v1.HistoryEntry{
		Event:     "assigned",
		Timestamp: now,
		Details:   agentID,
	})

	if err := s.tasks.PutJSON(task.ID, task); err != nil {
		return nil, err
	}
	s.index.Remove(task.ID)

	s.publish(ctx, events.TopicTaskAssigned, task, map[string]interface{}{
		"agent_id":   agentID,
		"generation": task.Generation,
	})
	return task, nil
}

// Complete transitions an assigned task to completed iff the generation
// matches the current assignment attempt.
func (s *Service) Complete(ctx context.Context, taskID string, generation int64, result v1.TaskResult) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.loadLive(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != v1.TaskStatusAssigned {
		return nil, &StateError{Status: task.Status}
	}
	if generation != task.Generation {
		s.rejectStale(taskID, generation, task.Generation)
		return nil, ErrStaleGeneration
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusCompleted
	task.Result = result.Result
	task.TokensUsed = result.TokensUsed
	task.UpdatedAt = now
	task.History = append(task.History, v1.HistoryEntry{
		Event:     "completed",
		Timestamp: now,
		Details:   task.AssignedTo,
	})

	if err := s.tasks.PutJSON(task.ID, task); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TopicTaskCompleted, task, map[string]interface{}{
		"agent_id":    task.AssignedTo,
		"tokens_used": task.TokensUsed,
	})
	s.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.Int64("generation", task.Generation))
	return task, nil
}

// Fail records a failed assignment attempt. With retries remaining the task
// returns to queued with a bumped generation; otherwise it moves to the
// dead-letter table.
func (s *Service) Fail(ctx context.Context, taskID string, generation int64, errMsg string) (FailOutcome, *v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.loadLive(taskID)
	if err != nil {
		return "", nil, err
	}
	if task.Status != v1.TaskStatusAssigned {
		return "", nil, &StateError{Status: task.Status}
	}
	if generation != task.Generation {
		s.rejectStale(taskID, generation, task.Generation)
		return "", nil, ErrStaleGeneration
	}

	now := time.Now().UTC()
	task.LastError = errMsg

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Generation++
		task.Status = v1.TaskStatusQueued
		task.AssignedTo = ""
		task.AssignedAt = nil
		task.UpdatedAt = now
		task.History = append(task.History, v1.HistoryEntry{
			Event:     "retried",
			Timestamp: now,
			Details:   errMsg,
		})
		if err := s.tasks.PutJSON(task.ID, task); err != nil {
			return "", nil, err
		}
		s.index.Add(task.ID, task.Priority, task.CreatedAt)

		s.publish(ctx, events.TopicTaskRetried, task, map[string]interface{}{
			"retry_count": task.RetryCount,
			"error":       errMsg,
		})
		return FailRetried, task, nil
	}

	if err := s.moveToDeadLetter(ctx, task, errMsg, now); err != nil {
		return "", nil, err
	}
	return FailDeadLetter, task, nil
}

// Reclaim pushes an assigned task back to queued, bumping the generation so
// any in-flight reply from the prior assignment is rejected. Used on agent
// disconnect, acceptance timeout and overdue deadlines.
func (s *Service) Reclaim(ctx context.Context, taskID string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.loadLive(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != v1.TaskStatusAssigned {
		return nil, ErrNotAssigned
	}

	now := time.Now().UTC()
	prior := task.AssignedTo
	task.Generation++
	task.Status = v1.TaskStatusQueued
	task.AssignedTo = ""
	task.AssignedAt = nil
	task.UpdatedAt = now
	task.History = append(task.History, v1.HistoryEntry{
		Event:     "reclaimed",
		Timestamp: now,
		Details:   prior,
	})

	if err := s.tasks.PutJSON(task.ID, task); err != nil {
		return nil, err
	}
	s.index.Add(task.ID, task.Priority, task.CreatedAt)

	s.publish(ctx, events.TopicTaskReclaimed, task, map[string]interface{}{
		"previous_agent": prior,
	})
	s.logger.Info("task reclaimed",
		zap.String("task_id", task.ID),
		zap.String("previous_agent", prior),
		zap.Int64("generation", task.Generation))
	return task, nil
}

// RetryDeadLetter moves a dead-letter task back to queued with its retry
// budget reset. Explicit admin action only.
func (s *Service) RetryDeadLetter(ctx context.Context, taskID string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task v1.Task
	err := s.deadLetter.GetJSON(taskID, &task)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusQueued
	task.RetryCount = 0
	task.Generation++
	task.AssignedTo = ""
	task.AssignedAt = nil
	task.UpdatedAt = now
	task.History = append(task.History, v1.HistoryEntry{
		Event:     "retried",
		Timestamp: now,
		Details:   "dead_letter_retry",
	})

	if err := s.tasks.PutJSON(task.ID, &task); err != nil {
		return nil, err
	}
	if err := s.deadLetter.Delete(taskID); err != nil {
		return nil, err
	}
	s.index.Add(task.ID, task.Priority, task.CreatedAt)

	s.publish(ctx, events.TopicTaskRetried, &task, map[string]interface{}{
		"from": "dead_letter",
	})
	return &task, nil
}

// Expire moves a queued task to dead-letter with last_error "ttl_expired".
// Called by the router's TTL sweep for non-trivial tiers.
func (s *Service) Expire(ctx context.Context, taskID string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.loadLive(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != v1.TaskStatusQueued {
		return nil, &StateError{Status: task.Status}
	}

	now := time.Now().UTC()
	if err := s.moveToDeadLetter(ctx, task, "ttl_expired", now); err != nil {
		return nil, err
	}
	return task, nil
}

// GoalProgress counts tasks tagged with the goal id in metadata.
func (s *Service) GoalProgress(goalID string) (v1.GoalProgress, error) {
	var progress v1.GoalProgress

	count := func(key string, value []byte) error {
		var task v1.Task
		if err := decode(value, &task); err != nil {
			return nil
		}
		if task.Metadata == nil {
			return nil
		}
		if gid, _ := task.Metadata["goal_id"].(string); gid != goalID {
			return nil
		}
		progress.Total++
		switch task.Status {
		case v1.TaskStatusCompleted:
			progress.Completed++
		case v1.TaskStatusDeadLetter:
			progress.Failed++
		}
		return nil
	}

	if err := s.tasks.Scan(count); err != nil {
		return progress, err
	}
	if err := s.deadLetter.Scan(count); err != nil {
		return progress, err
	}
	return progress, nil
}

// moveToDeadLetter performs the live-table to dead-letter move. Callers hold
// s.mu. The dead-letter write commits before the live record is removed, so
// a crash between the two leaves a duplicate rather than a lost task; Get
// prefers the live table.
func (s *Service) moveToDeadLetter(ctx context.Context, task *v1.Task, errMsg string, now time.Time) error {
	task.Status = v1.TaskStatusDeadLetter
	task.LastError = errMsg
	task.AssignedTo = ""
	task.AssignedAt = nil
	task.UpdatedAt = now
	task.History = append(task.History, v1.HistoryEntry{
		Event:     "dead_letter",
		Timestamp: now,
		Details:   errMsg,
	})

	if err := s.deadLetter.PutJSON(task.ID, task); err != nil {
		return err
	}
	if err := s.tasks.Delete(task.ID); err != nil {
		return err
	}
	s.index.Remove(task.ID)

	s.publish(ctx, events.TopicTaskDeadLetter, task, map[string]interface{}{
		"error": errMsg,
	})
	s.logger.Warn("task dead-lettered",
		zap.String("task_id", task.ID),
		zap.String("error", errMsg))
	return nil
}

// loadLive reads a task from the live table.
func (s *Service) loadLive(taskID string) (*v1.Task, error) {
	var task v1.Task
	err := s.tasks.GetJSON(taskID, &task)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// rejectStale records a dropped reply without mutating task state.
func (s *Service) rejectStale(taskID string, got, want int64) {
	if s.telemetry != nil {
		s.telemetry.StaleGeneration()
	}
	s.logger.Warn("rejected stale generation",
		zap.String("task_id", taskID),
		zap.Int64("got", got),
		zap.Int64("want", want))
}

// publish announces a committed mutation. Durable state precedes the event,
// so subscribers can always re-read.
func (s *Service) publish(ctx context.Context, topic string, task *v1.Task, extra map[string]interface{}) {
	data := map[string]interface{}{
		"task_id":  task.ID,
		"status":   string(task.Status),
		"priority": task.Priority.String(),
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.bus.Publish(ctx, topic, bus.NewEvent(topic, "task_queue", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

// overdueLoop reclaims assigned tasks whose deadline has passed or whose
// owner is gone.
func (s *Service) overdueLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(overdueSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SweepOverdue(ctx)
		}
	}
}

// SweepOverdue reclaims every assigned task past its complete_by deadline,
// plus any assigned task whose owning agent is no longer present. The latter
// frees pre-restart assignments without waiting for a deadline they may not
// have.
func (s *Service) SweepOverdue(ctx context.Context) int {
	now := time.Now().UTC()
	var overdue []string
	err := s.tasks.Scan(func(key string, value []byte) error {
		var task v1.Task
		if err := decode(value, &task); err != nil {
			return nil
		}
		if task.Status != v1.TaskStatusAssigned {
			return nil
		}
		deadlinePassed := task.CompleteBy != nil && task.CompleteBy.Before(now)
		if deadlinePassed || !s.agentLive(task.AssignedTo) {
			overdue = append(overdue, task.ID)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("overdue sweep scan failed", zap.Error(err))
		return 0
	}

	reclaimed := 0
	for _, id := range overdue {
		if _, err := s.Reclaim(ctx, id); err != nil {
			// Lost the race with a completion or another sweep.
			if !errors.Is(err, ErrNotAssigned) && !errors.Is(err, ErrNotFound) {
				s.logger.Error("failed to reclaim overdue task",
					zap.String("task_id", id),
					zap.Error(err))
			}
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		s.logger.Info("overdue sweep reclaimed tasks", zap.Int("count", reclaimed))
	}
	return reclaimed
}
