package events

import (
	"sync/atomic"

	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// Telemetry holds best-effort in-process counters. Counters reset on
// restart; durable state is never derived from them.
type Telemetry struct {
	staleGenerations atomic.Int64
	unknownFrames    atomic.Int64
	droppedEvents    atomic.Int64
}

// NewTelemetry creates an empty counter set.
func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// StaleGeneration records a rejected reply carrying an outdated generation.
func (t *Telemetry) StaleGeneration() {
	t.staleGenerations.Add(1)
}

// UnknownFrame records a wire frame with an unrecognized type tag.
func (t *Telemetry) UnknownFrame() {
	t.unknownFrames.Add(1)
}

// EventDropped implements bus.DropCounter.
func (t *Telemetry) EventDropped(subject string) {
	t.droppedEvents.Add(1)
}

// Snapshot returns the current counter values.
func (t *Telemetry) Snapshot() v1.TelemetryCounters {
	return v1.TelemetryCounters{
		StaleGenerations: t.staleGenerations.Load(),
		UnknownFrames:    t.unknownFrames.Load(),
		DroppedEvents:    t.droppedEvents.Load(),
	}
}
