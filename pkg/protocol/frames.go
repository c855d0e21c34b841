package protocol

import "encoding/json"

// IdentifyPayload is sent by an agent to open a session.
// Capabilities entries are either plain strings or {name, version} objects.
type IdentifyPayload struct {
	AgentID      string            `json:"agent_id"`
	Token        string            `json:"token"`
	Capabilities []json.RawMessage `json:"capabilities,omitempty"`
	Name         string            `json:"name,omitempty"`
	OllamaURL    string            `json:"ollama_url,omitempty"`
}

// IdentifyErrorPayload explains a rejected identify.
type IdentifyErrorPayload struct {
	Reason string `json:"reason"`
}

// TaskAcceptedPayload acknowledges a pushed task.
type TaskAcceptedPayload struct {
	TaskID     string `json:"task_id"`
	Generation int64  `json:"generation"`
}

// TaskRejectedPayload declines a pushed task.
type TaskRejectedPayload struct {
	TaskID     string `json:"task_id"`
	Generation int64  `json:"generation"`
	Reason     string `json:"reason,omitempty"`
}

// TaskCompletePayload reports success for an assignment attempt.
type TaskCompletePayload struct {
	TaskID     string                 `json:"task_id"`
	Generation int64                  `json:"generation"`
	Result     map[string]interface{} `json:"result,omitempty"`
	TokensUsed int64                  `json:"tokens_used,omitempty"`
}

// TaskFailedPayload reports failure for an assignment attempt.
type TaskFailedPayload struct {
	TaskID     string `json:"task_id"`
	Generation int64  `json:"generation"`
	Error      string `json:"error"`
}

// ResourceReportPayload carries an endpoint resource snapshot.
type ResourceReportPayload struct {
	CPUPercent    float64  `json:"cpu_percent"`
	RAMUsedMB     int64    `json:"ram_used_mb"`
	RAMTotalMB    int64    `json:"ram_total_mb"`
	VRAMUsedMB    int64    `json:"vram_used_mb"`
	VRAMTotalMB   int64    `json:"vram_total_mb"`
	ModelsRunning []string `json:"models_running,omitempty"`
}

// PushTaskPayload delivers an assignment to an agent.
type PushTaskPayload struct {
	TaskID      string                 `json:"task_id"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Priority    string                 `json:"priority"`
	Generation  int64                  `json:"generation"`
	CompleteBy  *int64                 `json:"complete_by,omitempty"` // unix millis
}
