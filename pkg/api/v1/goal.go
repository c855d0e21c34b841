package v1

import "time"

// GoalStatus is the lifecycle state of a higher-order goal.
type GoalStatus string

const (
	GoalStatusSubmitted   GoalStatus = "submitted"
	GoalStatusDecomposing GoalStatus = "decomposing"
	GoalStatusExecuting   GoalStatus = "executing"
	GoalStatusVerifying   GoalStatus = "verifying"
	GoalStatusComplete    GoalStatus = "complete"
	GoalStatusFailed      GoalStatus = "failed"
)

// Goal is a durable higher-order objective the orchestrator decomposes into
// queued tasks.
type Goal struct {
	ID              string       `json:"id"`
	Description     string       `json:"description"`
	Priority        TaskPriority `json:"priority"`
	SuccessCriteria []string     `json:"success_criteria,omitempty"`
	Status          GoalStatus   `json:"status"`
	ChildTaskIDs    []string     `json:"child_task_ids,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// SubmitGoalRequest is the payload for POST /api/goals.
type SubmitGoalRequest struct {
	Description     string   `json:"description" binding:"required"`
	Priority        string   `json:"priority,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

// TransitionGoalRequest is the payload for PATCH /api/goals/:id.
type TransitionGoalRequest struct {
	Status GoalStatus `json:"status" binding:"required"`
	Reason string     `json:"reason,omitempty"`
}
