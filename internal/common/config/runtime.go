package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Runtime keys. Each is readable and updatable while the hub is running;
// components must call the getter on every access rather than caching the
// value at startup.
const (
	KeyHeartbeatIntervalMs     = "heartbeat_interval_ms"
	KeyAgentTTLMs              = "agent_ttl_ms"
	KeyTaskTTLMs               = "task_ttl_ms"
	KeyFallbackWaitMs          = "fallback_wait_ms"
	KeyTierDownAlertMs         = "tier_down_alert_threshold_ms"
	KeyCompactionIntervalMs    = "compaction_interval_ms"
	KeyCompactionThreshold     = "compaction_threshold"
	KeyDefaultOllamaModel      = "default_ollama_model"
)

// Runtime is a store of operator-tunable settings backed by its own viper
// instance. Values can be updated through the admin API without a restart.
type Runtime struct {
	mu sync.RWMutex
	v  *viper.Viper
}

// NewRuntime creates a Runtime store with spec defaults.
func NewRuntime() *Runtime {
	v := viper.New()
	v.SetDefault(KeyHeartbeatIntervalMs, 30_000)
	v.SetDefault(KeyAgentTTLMs, 60_000)
	v.SetDefault(KeyTaskTTLMs, 600_000)
	v.SetDefault(KeyFallbackWaitMs, 5_000)
	v.SetDefault(KeyTierDownAlertMs, 60_000)
	v.SetDefault(KeyCompactionIntervalMs, 6*60*60*1000)
	v.SetDefault(KeyCompactionThreshold, 0.1)
	v.SetDefault(KeyDefaultOllamaModel, "qwen2.5-coder:7b")
	return &Runtime{v: v}
}

// Set updates a runtime value. Unknown keys are stored as-is; typed getters
// ignore them.
func (r *Runtime) Set(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.v.Set(key, value)
}

// All returns a copy of every runtime setting for the admin API.
func (r *Runtime) All() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]interface{})
	for _, k := range r.v.AllKeys() {
		out[k] = r.v.Get(k)
	}
	return out
}

func (r *Runtime) duration(key string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Duration(r.v.GetInt64(key)) * time.Millisecond
}

// HeartbeatInterval is the expected client ping interval.
func (r *Runtime) HeartbeatInterval() time.Duration { return r.duration(KeyHeartbeatIntervalMs) }

// AgentTTL is the silence threshold before an agent session is evicted.
func (r *Runtime) AgentTTL() time.Duration { return r.duration(KeyAgentTTLMs) }

// TaskTTL is the queued-task expiry for non-trivial tiers.
func (r *Runtime) TaskTTL() time.Duration { return r.duration(KeyTaskTTLMs) }

// FallbackWait is the router's one-step fallback timer.
func (r *Runtime) FallbackWait() time.Duration { return r.duration(KeyFallbackWaitMs) }

// TierDownAlertThreshold is the minimum tier outage before an alert fires.
func (r *Runtime) TierDownAlertThreshold() time.Duration { return r.duration(KeyTierDownAlertMs) }

// CompactionInterval is the storage compaction period.
func (r *Runtime) CompactionInterval() time.Duration { return r.duration(KeyCompactionIntervalMs) }

// CompactionThreshold is the fragmentation ratio below which compaction is
// skipped.
func (r *Runtime) CompactionThreshold() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.v.GetFloat64(KeyCompactionThreshold)
}

// DefaultOllamaModel is the model required of standard-tier candidates.
func (r *Runtime) DefaultOllamaModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.v.GetString(KeyDefaultOllamaModel)
}
