// Package endpoint tracks the LLM hosts the router can target. Host, port,
// source and the discovered model list are durable; health status and
// resource snapshots live in process memory and are rebuilt by probing.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/events/bus"
	"github.com/agentcom/hub/internal/storage"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// TableEndpoints is the durable endpoint table name.
const TableEndpoints = "endpoints"

// ErrNotFound is returned when no endpoint has the given id.
var ErrNotFound = errors.New("endpoint not found")

// record is the durable part of an endpoint.
type record struct {
	ID     string            `json:"id"`
	Host   string            `json:"host"`
	Port   int               `json:"port"`
	Source v1.EndpointSource `json:"source"`
	Models []string          `json:"models,omitempty"`
}

// ephemeral is the probed and reported part of an endpoint. A status flip
// requires two consecutive probe results of the same polarity.
type ephemeral struct {
	status        v1.EndpointStatus
	upStreak      int
	downStreak    int
	resources     *v1.ResourceSnapshot
	lastCheckedAt *time.Time
}

// Registry owns the endpoint table and the in-memory status/resource map.
type Registry struct {
	table  *storage.Table
	bus    bus.EventBus
	logger *logger.Logger

	probeInterval time.Duration
	prober        Prober

	mu      sync.RWMutex
	records map[string]*record
	state   map[string]*ephemeral

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewRegistry opens the endpoint table and loads the durable records.
func NewRegistry(engine *storage.Engine, eventBus bus.EventBus, probeInterval time.Duration, prober Prober, log *logger.Logger) (*Registry, error) {
	table, err := engine.Open(TableEndpoints)
	if err != nil {
		return nil, err
	}
	if prober == nil {
		prober = NewOllamaProber(probeInterval)
	}
	r := &Registry{
		table:         table,
		bus:           eventBus,
		logger:        log.WithComponent("endpoints"),
		probeInterval: probeInterval,
		prober:        prober,
		records:       make(map[string]*record),
		state:         make(map[string]*ephemeral),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	engine.OnRestore(TableEndpoints, func() {
		if err := r.load(); err != nil {
			r.logger.Error("failed to reload endpoints after restore", zap.Error(err))
		}
	})
	return r, nil
}

// load rebuilds the in-memory maps from the durable table. Every endpoint
// starts unknown; probing re-establishes status.
func (r *Registry) load() error {
	records := make(map[string]*record)
	err := r.table.Scan(func(key string, value []byte) error {
		var rec record
		if err := decode(value, &rec); err != nil {
			r.logger.Warn("skipping undecodable endpoint record", zap.String("key", key), zap.Error(err))
			return nil
		}
		records[rec.ID] = &rec
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load endpoints: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = records
	state := make(map[string]*ephemeral, len(records))
	for id := range records {
		if prev, ok := r.state[id]; ok {
			state[id] = prev
		} else {
			state[id] = &ephemeral{status: v1.EndpointUnknown}
		}
	}
	r.state = state
	r.logger.Info("loaded endpoints", zap.Int("count", len(records)))
	return nil
}

// Add registers an endpoint. Adding an existing id updates its source.
func (r *Registry) Add(host string, port int, source v1.EndpointSource) (*v1.Endpoint, error) {
	id := fmt.Sprintf("%s:%d", host, port)
	rec := &record{ID: id, Host: host, Port: port, Source: source}

	r.mu.Lock()
	if existing, ok := r.records[id]; ok {
		rec.Models = existing.Models
	}
	r.mu.Unlock()

	if err := r.table.PutJSON(id, rec); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.records[id] = rec
	if _, ok := r.state[id]; !ok {
		r.state[id] = &ephemeral{status: v1.EndpointUnknown}
	}
	r.mu.Unlock()

	r.logger.Info("endpoint added",
		zap.String("endpoint", id),
		zap.String("source", string(source)))
	return r.view(rec), nil
}

// Remove deletes an endpoint from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	_, ok := r.records[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := r.table.Delete(id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.records, id)
	delete(r.state, id)
	r.mu.Unlock()

	r.logger.Info("endpoint removed", zap.String("endpoint", id))
	return nil
}

// Get returns one endpoint with its current status and resources.
func (r *Registry) Get(id string) (*v1.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.viewLocked(rec), nil
}

// List returns every endpoint with current status and resources.
func (r *Registry) List() []v1.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1.Endpoint, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *r.viewLocked(rec))
	}
	return out
}

// Healthy returns the endpoints currently marked healthy.
func (r *Registry) Healthy() []v1.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1.Endpoint, 0, len(r.records))
	for id, rec := range r.records {
		if st, ok := r.state[id]; ok && st.status == v1.EndpointHealthy {
			out = append(out, *r.viewLocked(rec))
		}
	}
	return out
}

// UpdateResources stores the latest resource snapshot for an endpoint.
// Snapshots are in-memory only; the newest replaces any prior.
func (r *Registry) UpdateResources(id string, snapshot v1.ResourceSnapshot) error {
	snapshot.ReportedAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[id]
	if !ok {
		return ErrNotFound
	}
	st.resources = &snapshot
	return nil
}

// GetResources returns the latest snapshot for an endpoint, or nil.
func (r *Registry) GetResources(id string) *v1.ResourceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.state[id]; ok {
		return st.resources
	}
	return nil
}

// Resources returns a copy of the full resource map for a scheduling round.
func (r *Registry) Resources() map[string]*v1.ResourceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*v1.ResourceSnapshot, len(r.state))
	for id, st := range r.state {
		if st.resources != nil {
			out[id] = st.resources
		}
	}
	return out
}

// Start launches the probe loop.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("endpoint registry already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.probeLoop(ctx)
	r.logger.Info("endpoint registry started", zap.Duration("probe_interval", r.probeInterval))
	return nil
}

// Stop terminates the probe loop.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
	r.logger.Info("endpoint registry stopped")
}

func (r *Registry) probeLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every endpoint concurrently and applies the results.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	targets := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		targets = append(targets, rec)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, rec := range targets {
		wg.Add(1)
		go func(rec *record) {
			defer wg.Done()
			models, err := r.prober.Probe(ctx, rec.Host, rec.Port)
			r.applyProbe(ctx, rec.ID, models, err)
		}(rec)
	}
	wg.Wait()
}

// applyProbe folds one probe result into the endpoint's streaks and flips
// status after two consecutive results of the same polarity.
func (r *Registry) applyProbe(ctx context.Context, id string, models []string, probeErr error) {
	now := time.Now()

	r.mu.Lock()
	st, ok := r.state[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	st.lastCheckedAt = &now

	var from, to v1.EndpointStatus
	if probeErr == nil {
		st.upStreak++
		st.downStreak = 0
		if st.upStreak >= 2 && st.status != v1.EndpointHealthy {
			from, to = st.status, v1.EndpointHealthy
			st.status = v1.EndpointHealthy
		}
	} else {
		st.downStreak++
		st.upStreak = 0
		if st.downStreak >= 2 && st.status != v1.EndpointUnhealthy {
			from, to = st.status, v1.EndpointUnhealthy
			st.status = v1.EndpointUnhealthy
		}
	}

	var rec *record
	if probeErr == nil {
		if cur, ok := r.records[id]; ok && !sameModels(cur.Models, models) {
			cur.Models = models
			cp := *cur
			rec = &cp
		}
	}
	r.mu.Unlock()

	if rec != nil {
		if err := r.table.PutJSON(rec.ID, rec); err != nil {
			r.logger.Error("failed to persist endpoint models",
				zap.String("endpoint", id), zap.Error(err))
		}
	}

	if to != "" {
		r.logger.Info("endpoint status changed",
			zap.String("endpoint", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		_ = r.bus.Publish(ctx, events.TopicEndpointChanged,
			bus.NewEvent(events.TopicEndpointChanged, "endpoints", map[string]interface{}{
				"endpoint": id,
				"from":     string(from),
				"to":       string(to),
			}))
	}
}

// view assembles the public Endpoint from the durable record and the
// in-memory state. Callers must not hold r.mu.
func (r *Registry) view(rec *record) *v1.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewLocked(rec)
}

func (r *Registry) viewLocked(rec *record) *v1.Endpoint {
	ep := &v1.Endpoint{
		ID:     rec.ID,
		Host:   rec.Host,
		Port:   rec.Port,
		Source: rec.Source,
		Models: append([]string(nil), rec.Models...),
		Status: v1.EndpointUnknown,
	}
	if st, ok := r.state[rec.ID]; ok {
		ep.Status = st.status
		ep.Resources = st.resources
		ep.LastCheckedAt = st.lastCheckedAt
	}
	return ep
}

func sameModels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, m := range a {
		seen[m]++
	}
	for _, m := range b {
		seen[m]--
		if seen[m] < 0 {
			return false
		}
	}
	return true
}
