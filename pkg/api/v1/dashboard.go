package v1

import "time"

// TableHealth is the storage engine's per-table health report.
type TableHealth struct {
	Table              string  `json:"table"`
	RecordCount        int     `json:"record_count"`
	FileSizeBytes      int64   `json:"file_size_bytes"`
	FragmentationRatio float64 `json:"fragmentation_ratio"`
	Status             string  `json:"status"`
}

// TelemetryCounters are best-effort in-process counters exposed for
// observability. They reset on restart.
type TelemetryCounters struct {
	StaleGenerations int64 `json:"stale_generations"`
	UnknownFrames    int64 `json:"unknown_frames"`
	DroppedEvents    int64 `json:"dropped_events"`
}

// DashboardState is the single read-only snapshot served to the dashboard.
type DashboardState struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Tasks       TaskStats         `json:"tasks"`
	Agents      []AgentInfo       `json:"agents"`
	Endpoints   []Endpoint        `json:"endpoints"`
	Hub         HubStatus         `json:"hub"`
	HubHistory  []HubTransition   `json:"hub_history"`
	Costs       CostStats         `json:"costs"`
	Goals       []Goal            `json:"goals"`
	Storage     []TableHealth     `json:"storage"`
	Telemetry   TelemetryCounters `json:"telemetry"`
}
