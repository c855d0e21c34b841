package storage

import (
	"fmt"
	"os"
	"sort"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// CompactResult reports one table's compaction outcome.
type CompactResult struct {
	Table     string
	Skipped   bool
	Err       error
	FragAfter float64
}

// CompactAll attempts compaction of every open table, skipping tables whose
// fragmentation is below the configured threshold. A failed compaction is
// retried once; after that the table waits for the next scheduled run.
func (e *Engine) CompactAll() []CompactResult {
	threshold := e.runtime.CompactionThreshold()

	e.mu.Lock()
	tables := make([]*Table, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()

	sort.Slice(tables, func(i, j int) bool { return tables[i].name < tables[j].name })

	results := make([]CompactResult, 0, len(tables))
	for _, t := range tables {
		res := e.CompactTable(t, threshold)
		if res.Err != nil {
			e.logger.Warn("compaction failed, retrying once",
				zap.String("table", t.name),
				zap.Error(res.Err))
			res = e.CompactTable(t, threshold)
		}
		if res.Err != nil {
			e.logger.Error("compaction failed",
				zap.String("table", t.name),
				zap.Error(res.Err))
		}
		results = append(results, res)
	}
	return results
}

// CompactTable rewrites the table file without free pages. Writers are
// blocked for the duration of the swap; readers of the old handle drain
// before the swap begins.
func (e *Engine) CompactTable(t *Table, threshold float64) CompactResult {
	health, err := t.Health()
	if err != nil {
		return CompactResult{Table: t.name, Err: err}
	}
	if health.FragmentationRatio < threshold {
		return CompactResult{Table: t.name, Skipped: true, FragAfter: health.FragmentationRatio}
	}

	t.swapMu.Lock()
	defer t.swapMu.Unlock()
	if t.closed {
		return CompactResult{Table: t.name, Err: ErrTableClosed}
	}

	tmpPath := t.path + ".compact"
	_ = os.Remove(tmpPath)

	dst, err := bolt.Open(tmpPath, 0600, nil)
	if err != nil {
		return CompactResult{Table: t.name, Err: fmt.Errorf("failed to open compaction target: %w", err)}
	}

	if err := bolt.Compact(dst, t.db, 0); err != nil {
		dst.Close()
		_ = os.Remove(tmpPath)
		return CompactResult{Table: t.name, Err: fmt.Errorf("compaction copy failed: %w", err)}
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return CompactResult{Table: t.name, Err: err}
	}

	if err := t.db.Close(); err != nil {
		return CompactResult{Table: t.name, Err: fmt.Errorf("failed to close table for swap: %w", err)}
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		// Try to come back up on the old file.
		if db, reopenErr := openBolt(t.path); reopenErr == nil {
			t.db = db
		} else {
			t.closed = true
		}
		return CompactResult{Table: t.name, Err: fmt.Errorf("failed to swap compacted file: %w", err)}
	}

	db, err := openBolt(t.path)
	if err != nil {
		t.closed = true
		return CompactResult{Table: t.name, Err: fmt.Errorf("failed to reopen compacted table: %w", err)}
	}
	t.db = db

	e.logger.Info("table compacted", zap.String("table", t.name))
	return CompactResult{Table: t.name}
}
