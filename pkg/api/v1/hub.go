package v1

import "time"

// HubState is the state of the singleton hub FSM.
type HubState string

const (
	HubStateResting       HubState = "resting"
	HubStateExecuting     HubState = "executing"
	HubStateImproving     HubState = "improving"
	HubStateContemplating HubState = "contemplating"
	HubStateHealing       HubState = "healing"
)

// HubTransition is one recorded FSM transition.
type HubTransition struct {
	From      HubState  `json:"from"`
	To        HubState  `json:"to"`
	Reason    string    `json:"reason"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// HubStatus is the FSM's externally visible state.
type HubStatus struct {
	State           HubState   `json:"fsm_state"`
	Paused          bool       `json:"paused"`
	CycleCount      int64      `json:"cycle_count"`
	TransitionCount int64      `json:"transition_count"`
	LastStateChange time.Time  `json:"last_state_change"`
	HealingAttempts int        `json:"healing_attempts"`
	HealingCooldown *time.Time `json:"healing_cooldown_until,omitempty"`
}

// ForceTransitionRequest is the payload for POST /api/hub/transition.
type ForceTransitionRequest struct {
	State  HubState `json:"state" binding:"required"`
	Reason string   `json:"reason,omitempty"`
}
