package v1

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusDeadLetter TaskStatus = "dead_letter"
)

// TaskPriority orders queued tasks. Lower values dequeue first.
type TaskPriority int

const (
	PriorityUrgent TaskPriority = 0
	PriorityHigh   TaskPriority = 1
	PriorityNormal TaskPriority = 2
	PriorityLow    TaskPriority = 3
)

// ParsePriority maps the wire names onto priority values.
// Unknown names fall back to normal.
func ParsePriority(s string) TaskPriority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String returns the wire name for a priority.
func (p TaskPriority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Tier classifies task complexity and selects the execution target.
type Tier string

const (
	TierTrivial  Tier = "trivial"
	TierStandard Tier = "standard"
	TierComplex  Tier = "complex"
	TierUnknown  Tier = "unknown"
)

// TargetType is the execution target a tier maps to.
type TargetType string

const (
	TargetSidecar  TargetType = "sidecar"
	TargetOllama   TargetType = "ollama"
	TargetCloudAPI TargetType = "cloud_api"
)

// Complexity is the classifier output cached on a task at submit time.
type Complexity struct {
	EffectiveTier Tier   `json:"effective_tier"`
	Reason        string `json:"reason"`
}

// RoutingDecision records how a task was routed. Immutable once set.
type RoutingDecision struct {
	EffectiveTier        Tier       `json:"effective_tier"`
	TargetType           TargetType `json:"target_type"`
	SelectedEndpoint     string     `json:"selected_endpoint,omitempty"`
	SelectedModel        string     `json:"selected_model,omitempty"`
	FallbackUsed         bool       `json:"fallback_used"`
	FallbackFromTier     Tier       `json:"fallback_from_tier,omitempty"`
	FallbackReason       string     `json:"fallback_reason,omitempty"`
	CandidateCount       int        `json:"candidate_count"`
	ClassificationReason string     `json:"classification_reason,omitempty"`
	DecidedAt            int64      `json:"decided_at"` // unix millis
}

// HistoryEntry is one line of a task's append-only audit trail.
type HistoryEntry struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// Task is the unit of work dispatched to agents.
type Task struct {
	ID                 string                 `json:"id"`
	Description        string                 `json:"description"`
	Priority           TaskPriority           `json:"priority"`
	NeededCapabilities []string               `json:"needed_capabilities,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	MaxRetries         int                    `json:"max_retries"`
	CompleteBy         *time.Time             `json:"complete_by,omitempty"`

	Status     TaskStatus `json:"status"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`

	// Generation fences assignment attempts: bumped on every assign and
	// reclaim so late replies from a prior assignment are rejected.
	Generation int64 `json:"generation"`

	Result     map[string]interface{} `json:"result,omitempty"`
	TokensUsed int64                  `json:"tokens_used,omitempty"`

	Complexity      *Complexity      `json:"complexity,omitempty"`
	RoutingDecision *RoutingDecision `json:"routing_decision,omitempty"`
	History         []HistoryEntry   `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubmitTaskRequest is the payload for POST /api/tasks.
type SubmitTaskRequest struct {
	Description        string                 `json:"description" binding:"required"`
	Priority           string                 `json:"priority,omitempty"`
	NeededCapabilities []string               `json:"needed_capabilities,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	MaxRetries         *int                   `json:"max_retries,omitempty"`
	CompleteBy         *int64                 `json:"complete_by,omitempty"` // unix millis
}

// TaskResult carries an agent's completion payload.
type TaskResult struct {
	Result     map[string]interface{} `json:"result,omitempty"`
	TokensUsed int64                  `json:"tokens_used,omitempty"`
}

// TaskFilter narrows List results.
type TaskFilter struct {
	Status     TaskStatus   `json:"status,omitempty"`
	Priority   TaskPriority `json:"priority,omitempty"`
	HasPrio    bool         `json:"-"`
	AssignedTo string       `json:"assigned_to,omitempty"`
}

// TaskStats summarizes the queue. Dead-letter tasks are reported only under
// DeadLetter, never in ByStatus.
type TaskStats struct {
	ByStatus   map[TaskStatus]int   `json:"by_status"`
	ByPriority map[TaskPriority]int `json:"by_priority"`
	DeadLetter int                  `json:"dead_letter"`
}

// GoalProgress counts child tasks of a goal by outcome.
type GoalProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
