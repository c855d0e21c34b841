package endpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events/bus"
	"github.com/agentcom/hub/internal/storage"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// fakeProber scripts per-endpoint probe outcomes.
type fakeProber struct {
	mu     sync.Mutex
	models map[string][]string
	errs   map[string]error
}

func (p *fakeProber) set(host string, models []string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.models == nil {
		p.models = make(map[string][]string)
		p.errs = make(map[string]error)
	}
	p.models[host] = models
	p.errs[host] = err
}

func (p *fakeProber) Probe(ctx context.Context, host string, port int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.models[host], p.errs[host]
}

func newTestRegistry(t *testing.T, prober Prober) (*Registry, *storage.Engine) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	engine, err := storage.NewEngine(config.StorageConfig{
		DataDir:         t.TempDir(),
		BackupDir:       t.TempDir(),
		BackupRetention: 1,
	}, config.NewRuntime(), bus.NewMemoryEventBus(log), log)
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	registry, err := NewRegistry(engine, bus.NewMemoryEventBus(log), 30*time.Second, prober, log)
	require.NoError(t, err)
	return registry, engine
}

func TestAddGetRemove(t *testing.T) {
	registry, _ := newTestRegistry(t, &fakeProber{})

	ep, err := registry.Add("gpu-box", 11434, v1.EndpointSourceManual)
	require.NoError(t, err)
	assert.Equal(t, "gpu-box:11434", ep.ID)
	assert.Equal(t, v1.EndpointUnknown, ep.Status)

	got, err := registry.Get("gpu-box:11434")
	require.NoError(t, err)
	assert.Equal(t, v1.EndpointSourceManual, got.Source)

	require.NoError(t, registry.Remove("gpu-box:11434"))
	_, err = registry.Get("gpu-box:11434")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, registry.Remove("gpu-box:11434"), ErrNotFound)
}

func TestStatusFlipRequiresTwoConsecutiveProbes(t *testing.T) {
	prober := &fakeProber{}
	prober.set("h", []string{"llama3"}, nil)
	registry, _ := newTestRegistry(t, prober)

	_, err := registry.Add("h", 11434, v1.EndpointSourceManual)
	require.NoError(t, err)

	ctx := context.Background()

	// One success is not enough.
	registry.ProbeAll(ctx)
	ep, err := registry.Get("h:11434")
	require.NoError(t, err)
	assert.Equal(t, v1.EndpointUnknown, ep.Status)

	registry.ProbeAll(ctx)
	ep, err = registry.Get("h:11434")
	require.NoError(t, err)
	assert.Equal(t, v1.EndpointHealthy, ep.Status)
	assert.NotNil(t, ep.LastCheckedAt)
}

func TestStatusFlipDownAndInterruptedStreak(t *testing.T) {
	prober := &fakeProber{}
	prober.set("h", []string{"llama3"}, nil)
	registry, _ := newTestRegistry(t, prober)
	_, err := registry.Add("h", 11434, v1.EndpointSourceManual)
	require.NoError(t, err)

	ctx := context.Background()
	registry.ProbeAll(ctx)
	registry.ProbeAll(ctx)
	ep, _ := registry.Get("h:11434")
	require.Equal(t, v1.EndpointHealthy, ep.Status)

	// One failure does not flip; a success in between resets the streak.
	prober.set("h", nil, fmt.Errorf("connection refused"))
	registry.ProbeAll(ctx)
	ep, _ = registry.Get("h:11434")
	assert.Equal(t, v1.EndpointHealthy, ep.Status)

	prober.set("h", []string{"llama3"}, nil)
	registry.ProbeAll(ctx)
	prober.set("h", nil, fmt.Errorf("connection refused"))
	registry.ProbeAll(ctx)
	ep, _ = registry.Get("h:11434")
	assert.Equal(t, v1.EndpointHealthy, ep.Status, "interrupted down streak must not flip")

	registry.ProbeAll(ctx)
	ep, _ = registry.Get("h:11434")
	assert.Equal(t, v1.EndpointUnhealthy, ep.Status)
}

func TestProbePersistsModelList(t *testing.T) {
	prober := &fakeProber{}
	prober.set("h", []string{"llama3", "mistral"}, nil)
	registry, engine := newTestRegistry(t, prober)
	_, err := registry.Add("h", 11434, v1.EndpointSourceManual)
	require.NoError(t, err)

	registry.ProbeAll(context.Background())

	ep, err := registry.Get("h:11434")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"llama3", "mistral"}, ep.Models)

	// A fresh registry over the same table sees the persisted models.
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	reloaded, err := NewRegistry(engine, bus.NewMemoryEventBus(log), 30*time.Second, prober, log)
	require.NoError(t, err)
	ep, err = reloaded.Get("h:11434")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"llama3", "mistral"}, ep.Models)
	assert.Equal(t, v1.EndpointUnknown, ep.Status, "status is not durable")
}

func TestHealthyFilters(t *testing.T) {
	prober := &fakeProber{}
	prober.set("up", []string{"llama3"}, nil)
	prober.set("down", nil, fmt.Errorf("refused"))
	registry, _ := newTestRegistry(t, prober)
	_, err := registry.Add("up", 11434, v1.EndpointSourceManual)
	require.NoError(t, err)
	_, err = registry.Add("down", 11434, v1.EndpointSourceManual)
	require.NoError(t, err)

	ctx := context.Background()
	registry.ProbeAll(ctx)
	registry.ProbeAll(ctx)

	healthy := registry.Healthy()
	require.Len(t, healthy, 1)
	assert.Equal(t, "up:11434", healthy[0].ID)
	assert.Len(t, registry.List(), 2)
}

func TestUpdateResources(t *testing.T) {
	registry, _ := newTestRegistry(t, &fakeProber{})
	_, err := registry.Add("h", 11434, v1.EndpointSourceManual)
	require.NoError(t, err)

	err = registry.UpdateResources("h:11434", v1.ResourceSnapshot{
		CPUPercent: 12.5,
		RAMTotalMB: 32768,
	})
	require.NoError(t, err)

	snap := registry.GetResources("h:11434")
	require.NotNil(t, snap)
	assert.Equal(t, 12.5, snap.CPUPercent)
	assert.False(t, snap.ReportedAt.IsZero())

	all := registry.Resources()
	assert.Contains(t, all, "h:11434")

	assert.ErrorIs(t, registry.UpdateResources("nope", v1.ResourceSnapshot{}), ErrNotFound)
}

func TestAddExistingKeepsModels(t *testing.T) {
	prober := &fakeProber{}
	prober.set("h", []string{"llama3"}, nil)
	registry, _ := newTestRegistry(t, prober)
	_, err := registry.Add("h", 11434, v1.EndpointSourceDiscovered)
	require.NoError(t, err)
	registry.ProbeAll(context.Background())

	// Re-adding manually keeps the discovered model list.
	ep, err := registry.Add("h", 11434, v1.EndpointSourceManual)
	require.NoError(t, err)
	assert.Equal(t, v1.EndpointSourceManual, ep.Source)
	assert.Equal(t, []string{"llama3"}, ep.Models)
}
