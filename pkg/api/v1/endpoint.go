package v1

import "time"

// EndpointStatus is the probed health of an LLM endpoint.
type EndpointStatus string

const (
	EndpointHealthy   EndpointStatus = "healthy"
	EndpointUnhealthy EndpointStatus = "unhealthy"
	EndpointUnknown   EndpointStatus = "unknown"
)

// EndpointSource records how an endpoint entered the registry.
type EndpointSource string

const (
	EndpointSourceManual     EndpointSource = "manual"
	EndpointSourceDiscovered EndpointSource = "discovered"
)

// Endpoint is an LLM host the router can target. Host, port, source and
// models are durable; status and resources live in process memory only.
type Endpoint struct {
	ID     string         `json:"id"` // host:port
	Host   string         `json:"host"`
	Port   int            `json:"port"`
	Source EndpointSource `json:"source"`
	Models []string       `json:"models,omitempty"`

	Status        EndpointStatus    `json:"status"`
	Resources     *ResourceSnapshot `json:"resources,omitempty"`
	LastCheckedAt *time.Time        `json:"last_checked_at,omitempty"`
}

// ResourceSnapshot is the latest resource report for an endpoint, pushed by
// the agent colocated with it.
type ResourceSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	RAMUsedMB     int64     `json:"ram_used_mb"`
	RAMTotalMB    int64     `json:"ram_total_mb"`
	VRAMUsedMB    int64     `json:"vram_used_mb"`
	VRAMTotalMB   int64     `json:"vram_total_mb"`
	ModelsRunning []string  `json:"models_running,omitempty"`
	ReportedAt    time.Time `json:"reported_at"`
}

// HasModelRunning reports whether the model is warm on the endpoint.
func (r *ResourceSnapshot) HasModelRunning(model string) bool {
	if r == nil {
		return false
	}
	for _, m := range r.ModelsRunning {
		if m == model {
			return true
		}
	}
	return false
}

// AddEndpointRequest is the payload for POST /api/endpoints.
type AddEndpointRequest struct {
	Host string `json:"host" binding:"required"`
	Port int    `json:"port" binding:"required,min=1,max=65535"`
}
