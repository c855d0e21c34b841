// Package storage implements the hub's durable table engine on top of bbolt.
// Each named table lives in its own file, so a damaged table can be replaced
// from backup without touching its neighbors.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/events/bus"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// RestartHook is invoked after a table owned by a component has been
// restored, so the owner can drop in-memory caches and re-read its state.
type RestartHook func()

// Engine hosts the hub's durable tables and runs their periodic maintenance:
// daily backups with retention, scheduled compaction, and corruption-driven
// restore.
type Engine struct {
	dataDir   string
	backupDir string
	retention int

	runtime *config.Runtime
	bus     bus.EventBus
	logger  *logger.Logger

	mu           sync.Mutex
	tables       map[string]*Table
	restartHooks map[string][]RestartHook

	corruptionSub bus.Subscription
	stopCh        chan struct{}
	wg            sync.WaitGroup
	running       bool
}

// NewEngine creates a storage engine rooted at the configured directories.
func NewEngine(cfg config.StorageConfig, rt *config.Runtime, eventBus bus.EventBus, log *logger.Logger) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.BackupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}
	return &Engine{
		dataDir:      cfg.DataDir,
		backupDir:    cfg.BackupDir,
		retention:    cfg.BackupRetention,
		runtime:      rt,
		bus:          eventBus,
		logger:       log.WithComponent("storage"),
		tables:       make(map[string]*Table),
		restartHooks: make(map[string][]RestartHook),
	}, nil
}

// Open returns the named table, opening its file on first use.
func (e *Engine) Open(name string) (*Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.tables[name]; ok {
		return t, nil
	}

	path := filepath.Join(e.dataDir, name+".db")
	db, err := openBolt(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table %s: %w", name, err)
	}

	t := &Table{name: name, path: path, engine: e, db: db}
	e.tables[name] = t
	e.logger.Info("opened table", zap.String("table", name), zap.String("path", path))
	return t, nil
}

// OnRestore registers a hook run after the named table is restored.
func (e *Engine) OnRestore(table string, hook RestartHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restartHooks[table] = append(e.restartHooks[table], hook)
}

// Start launches the backup and compaction loops and subscribes to
// corruption events.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("storage engine already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	sub, err := e.bus.Subscribe(events.TopicStorageCorruption, func(ctx context.Context, ev *bus.Event) error {
		name, _ := ev.Data["table"].(string)
		if name == "" {
			return nil
		}
		e.Recover(name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to corruption events: %w", err)
	}
	e.corruptionSub = sub

	e.wg.Add(2)
	go e.backupLoop(ctx)
	go e.compactionLoop(ctx)
	return nil
}

// Stop terminates maintenance loops and closes every table.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	if e.corruptionSub != nil {
		_ = e.corruptionSub.Unsubscribe()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, t := range e.tables {
		t.swapMu.Lock()
		if err := t.closeLocked(); err != nil {
			e.logger.Error("failed to close table", zap.String("table", name), zap.Error(err))
		}
		t.swapMu.Unlock()
	}
	e.tables = make(map[string]*Table)
	e.logger.Info("storage engine stopped")
}

// Health reports per-table health for the dashboard.
func (e *Engine) Health() []v1.TableHealth {
	e.mu.Lock()
	tables := make([]*Table, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()

	sort.Slice(tables, func(i, j int) bool { return tables[i].name < tables[j].name })

	out := make([]v1.TableHealth, 0, len(tables))
	for _, t := range tables {
		h, err := t.Health()
		if err != nil {
			h.Status = "error"
		}
		out = append(out, h)
	}
	return out
}

// escalate classifies a store error. Corruption publishes a corruption event
// (persist-then-announce does not apply: the store itself is the casualty)
// and returns ErrTableCorrupted; other errors pass through.
func (e *Engine) escalate(t *Table, err error) error {
	if !isCorruption(err) {
		return err
	}
	e.logger.Error("table corruption detected",
		zap.String("table", t.name),
		zap.Error(err))
	_ = e.bus.Publish(context.Background(), events.TopicStorageCorruption,
		bus.NewEvent(events.TopicStorageCorruption, "storage", map[string]interface{}{
			"table": t.name,
			"error": err.Error(),
		}))
	return fmt.Errorf("%w: %s: %v", ErrTableCorrupted, t.name, err)
}

// backupLoop runs BackupAll on a daily wall-clock timer.
func (e *Engine) backupLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.BackupAll()
		}
	}
}

// compactionLoop attempts compaction of each table on the configured
// interval. The interval is re-read each cycle so operators can tune it at
// runtime.
func (e *Engine) compactionLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		timer := time.NewTimer(e.runtime.CompactionInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			e.CompactAll()
		}
	}
}
