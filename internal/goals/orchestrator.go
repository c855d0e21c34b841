package goals

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/costs"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// metadataGoalID tags child tasks with their goal.
const metadataGoalID = "goal_id"

// TaskSubmitter is the slice of the task queue the orchestrator drives.
// *taskqueue.Service satisfies it.
type TaskSubmitter interface {
	Submit(ctx context.Context, req v1.SubmitTaskRequest) (*v1.Task, error)
	GoalProgress(goalID string) (v1.GoalProgress, error)
}

// Orchestrator advances the goal lifecycle: one decomposition and one
// progress pass per executing cycle of the hub FSM.
type Orchestrator struct {
	backlog *Backlog
	queue   TaskSubmitter
	ledger  *costs.Ledger
	logger  *logger.Logger
}

// NewOrchestrator builds the orchestrator.
func NewOrchestrator(backlog *Backlog, queue TaskSubmitter, ledger *costs.Ledger, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		backlog: backlog,
		queue:   queue,
		ledger:  ledger,
		logger:  log.WithComponent("orchestrator"),
	}
}

// RunCycle is the hub FSM's executing cycle body.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if err := o.decomposeNext(ctx); err != nil {
		return err
	}
	return o.advanceExecuting(ctx)
}

// decomposeNext picks the highest-priority submitted goal and splits it into
// child tasks.
func (o *Orchestrator) decomposeNext(ctx context.Context) error {
	goal, err := o.backlog.NextSubmitted()
	if err != nil {
		return fmt.Errorf("failed to pick next goal: %w", err)
	}
	if goal == nil {
		return nil
	}

	if _, err := o.backlog.Transition(goal.ID, v1.GoalStatusDecomposing, "decomposition started"); err != nil {
		return err
	}

	childIDs, err := o.decompose(ctx, goal)
	if err != nil {
		_, _ = o.backlog.Transition(goal.ID, v1.GoalStatusFailed, err.Error())
		return err
	}
	if _, err := o.backlog.AddChildren(goal.ID, childIDs); err != nil {
		return err
	}
	if _, err := o.backlog.Transition(goal.ID, v1.GoalStatusExecuting, "children queued"); err != nil {
		return err
	}

	if _, err := o.ledger.Record(v1.CategoryExecuting, costs.RecordParams{}); err != nil {
		o.logger.Error("failed to record invocation", zap.Error(err))
	}

	o.logger.Info("goal decomposed",
		zap.String("goal_id", goal.ID),
		zap.Int("children", len(childIDs)))
	return nil
}

// decompose splits a goal into one child task per success criterion, or a
// single task carrying the whole description.
func (o *Orchestrator) decompose(ctx context.Context, goal *v1.Goal) ([]string, error) {
	descriptions := make([]string, 0, len(goal.SuccessCriteria))
	if len(goal.SuccessCriteria) == 0 {
		descriptions = append(descriptions, goal.Description)
	} else {
		for _, criterion := range goal.SuccessCriteria {
			descriptions = append(descriptions, fmt.Sprintf("%s: %s", goal.Description, criterion))
		}
	}

	ids := make([]string, 0, len(descriptions))
	for _, desc := range descriptions {
		task, err := o.queue.Submit(ctx, v1.SubmitTaskRequest{
			Description: desc,
			Priority:    goal.Priority.String(),
			Metadata:    map[string]interface{}{metadataGoalID: goal.ID},
		})
		if err != nil {
			return ids, fmt.Errorf("failed to submit child task: %w", err)
		}
		ids = append(ids, task.ID)
	}
	return ids, nil
}

// advanceExecuting checks every executing goal's child progress and moves
// finished goals through verification.
func (o *Orchestrator) advanceExecuting(ctx context.Context) error {
	executing, err := o.backlog.Executing()
	if err != nil {
		return err
	}

	for _, goal := range executing {
		progress, err := o.queue.GoalProgress(goal.ID)
		if err != nil {
			o.logger.Error("failed to read goal progress",
				zap.String("goal_id", goal.ID), zap.Error(err))
			continue
		}
		if progress.Total == 0 || progress.Completed+progress.Failed < progress.Total {
			continue
		}

		if _, err := o.backlog.Transition(goal.ID, v1.GoalStatusVerifying, "all children finished"); err != nil {
			o.logger.Error("failed to transition goal",
				zap.String("goal_id", goal.ID), zap.Error(err))
			continue
		}
		o.verify(goal.ID, progress)
	}
	return nil
}

// verify closes out a verifying goal. Verification passes when no child
// dead-lettered.
func (o *Orchestrator) verify(goalID string, progress v1.GoalProgress) {
	if progress.Failed > 0 {
		_, _ = o.backlog.Transition(goalID, v1.GoalStatusFailed,
			fmt.Sprintf("%d of %d child tasks failed", progress.Failed, progress.Total))
		return
	}
	_, _ = o.backlog.Transition(goalID, v1.GoalStatusComplete,
		fmt.Sprintf("%d child tasks completed", progress.Completed))
}
