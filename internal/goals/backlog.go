// Package goals owns the durable backlog of higher-order goals and the
// orchestrator that decomposes them into queued tasks.
package goals

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/storage"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// TableGoals is the durable goal table name.
const TableGoals = "goals"

var (
	// ErrNotFound is returned when no goal has the given id.
	ErrNotFound = errors.New("goal not found")
	// ErrInvalidTransition is returned for disallowed lifecycle moves.
	ErrInvalidTransition = errors.New("invalid goal transition")
)

// allowedTransitions is the goal lifecycle edge table.
var allowedTransitions = map[v1.GoalStatus][]v1.GoalStatus{
	v1.GoalStatusSubmitted:   {v1.GoalStatusDecomposing, v1.GoalStatusFailed},
	v1.GoalStatusDecomposing: {v1.GoalStatusExecuting, v1.GoalStatusFailed},
	v1.GoalStatusExecuting:   {v1.GoalStatusVerifying, v1.GoalStatusFailed},
	v1.GoalStatusVerifying:   {v1.GoalStatusComplete, v1.GoalStatusFailed},
}

// Backlog is the single owner of the goal table. Mutations serialize through
// its mutex; the orchestrator is the only caller of lifecycle transitions in
// normal operation.
type Backlog struct {
	table  *storage.Table
	logger *logger.Logger
	mu     sync.Mutex
}

// NewBacklog opens the goal table.
func NewBacklog(engine *storage.Engine, log *logger.Logger) (*Backlog, error) {
	table, err := engine.Open(TableGoals)
	if err != nil {
		return nil, err
	}
	return &Backlog{table: table, logger: log.WithComponent("goals")}, nil
}

// Submit stores a new goal in the submitted state.
func (b *Backlog) Submit(req v1.SubmitGoalRequest) (*v1.Goal, error) {
	now := time.Now()
	goal := &v1.Goal{
		ID:              uuid.NewString(),
		Description:     req.Description,
		Priority:        v1.ParsePriority(req.Priority),
		SuccessCriteria: req.SuccessCriteria,
		Status:          v1.GoalStatusSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.table.PutJSON(goal.ID, goal); err != nil {
		return nil, err
	}
	b.logger.Info("goal submitted",
		zap.String("goal_id", goal.ID),
		zap.String("priority", goal.Priority.String()))
	return goal, nil
}

// Get returns one goal.
func (b *Backlog) Get(id string) (*v1.Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked(id)
}

// List returns every goal, newest first.
func (b *Backlog) List() ([]*v1.Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*v1.Goal
	err := b.table.Scan(func(key string, value []byte) error {
		var goal v1.Goal
		if err := decode(value, &goal); err != nil {
			b.logger.Warn("skipping undecodable goal", zap.String("key", key), zap.Error(err))
			return nil
		}
		out = append(out, &goal)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Transition moves a goal along an allowed lifecycle edge.
func (b *Backlog) Transition(id string, to v1.GoalStatus, reason string) (*v1.Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	goal, err := b.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(goal.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, goal.Status, to)
	}

	goal.Status = to
	goal.UpdatedAt = time.Now()
	if to == v1.GoalStatusFailed {
		goal.LastError = reason
	}
	if err := b.table.PutJSON(goal.ID, goal); err != nil {
		return nil, err
	}
	b.logger.Info("goal transitioned",
		zap.String("goal_id", id),
		zap.String("status", string(to)),
		zap.String("reason", reason))
	return goal, nil
}

// AddChildren appends decomposed task ids to a goal.
func (b *Backlog) AddChildren(id string, taskIDs []string) (*v1.Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	goal, err := b.loadLocked(id)
	if err != nil {
		return nil, err
	}
	goal.ChildTaskIDs = append(goal.ChildTaskIDs, taskIDs...)
	goal.UpdatedAt = time.Now()
	if err := b.table.PutJSON(goal.ID, goal); err != nil {
		return nil, err
	}
	return goal, nil
}

// NextSubmitted returns the highest-priority submitted goal, oldest first
// within a priority, or nil.
func (b *Backlog) NextSubmitted() (*v1.Goal, error) {
	goals, err := b.withStatus(v1.GoalStatusSubmitted)
	if err != nil {
		return nil, err
	}
	if len(goals) == 0 {
		return nil, nil
	}
	sort.Slice(goals, func(i, j int) bool {
		if goals[i].Priority != goals[j].Priority {
			return goals[i].Priority < goals[j].Priority
		}
		return goals[i].CreatedAt.Before(goals[j].CreatedAt)
	})
	return goals[0], nil
}

// Executing returns the goals currently executing.
func (b *Backlog) Executing() ([]*v1.Goal, error) {
	return b.withStatus(v1.GoalStatusExecuting)
}

// PendingCount counts submitted goals. Read by the hub FSM each tick.
func (b *Backlog) PendingCount() int {
	return b.countStatus(v1.GoalStatusSubmitted)
}

// ActiveCount counts goals between decomposition and verification.
func (b *Backlog) ActiveCount() int {
	return b.countStatus(v1.GoalStatusDecomposing) +
		b.countStatus(v1.GoalStatusExecuting) +
		b.countStatus(v1.GoalStatusVerifying)
}

func (b *Backlog) withStatus(status v1.GoalStatus) ([]*v1.Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*v1.Goal
	err := b.table.Scan(func(key string, value []byte) error {
		var goal v1.Goal
		if err := decode(value, &goal); err != nil {
			return nil
		}
		if goal.Status == status {
			out = append(out, &goal)
		}
		return nil
	})
	return out, err
}

func (b *Backlog) countStatus(status v1.GoalStatus) int {
	goals, err := b.withStatus(status)
	if err != nil {
		return 0
	}
	return len(goals)
}

func (b *Backlog) loadLocked(id string) (*v1.Goal, error) {
	var goal v1.Goal
	if err := b.table.GetJSON(id, &goal); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &goal, nil
}

func transitionAllowed(from, to v1.GoalStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
