// Package events defines bus subjects and the telemetry counters shared
// across hub components.
package events

// Task lifecycle subjects. Within one task id, publications follow the
// lifecycle order: submitted precedes assigned, which precedes exactly one of
// completed, retried or dead_letter.
const (
	TopicTaskSubmitted  = "task.submitted"
	TopicTaskAssigned   = "task.assigned"
	TopicTaskCompleted  = "task.completed"
	TopicTaskRetried    = "task.retried"
	TopicTaskDeadLetter = "task.dead_letter"
	TopicTaskReclaimed  = "task.reclaimed"
)

// Agent presence subjects.
const (
	TopicAgentJoined        = "agent.joined"
	TopicAgentLeft          = "agent.left"
	TopicAgentIdle          = "agent.idle"
	TopicAgentStatusChanged = "agent.status_changed"
)

// Endpoint registry subjects.
const (
	TopicEndpointChanged = "endpoint.changed"
)

// Storage engine subjects.
const (
	TopicStorageCorruption       = "storage.corruption"
	TopicStorageRecoveryComplete = "storage.recovery_complete"
	TopicStorageRecoveryFailed   = "storage.recovery_failed"
)

// Hub FSM subjects.
const (
	TopicHubStateChanged      = "hub.state_changed"
	TopicHubCycleComplete     = "hub.cycle_complete"
	TopicHubImprovementSignal = "hub.improvement_signal"
	TopicHubHealthCritical    = "hub.health_critical"
)

// Wildcard patterns for broad subscribers (dashboard push, telemetry).
const (
	PatternTaskAll  = "task.*"
	PatternAgentAll = "agent.*"
	PatternHubAll   = "hub.*"
	PatternAll      = ">"
)
