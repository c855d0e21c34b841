package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/events/bus"
)

// backupTimestampLayout produces filename-safe ISO 8601 second precision.
const backupTimestampLayout = "2006-01-02T15-04-05Z"

// BackupResult reports the outcome of one table's backup.
type BackupResult struct {
	Table string `json:"table"`
	Path  string `json:"path,omitempty"`
	Err   error  `json:"-"`
}

// BackupAll snapshots every open table to the backup directory. Each backup
// is written to a temp file and renamed, so a partially written backup is
// never considered valid. After a successful write, backups beyond the
// retention count are deleted.
func (e *Engine) BackupAll() []BackupResult {
	e.mu.Lock()
	tables := make([]*Table, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()

	sort.Slice(tables, func(i, j int) bool { return tables[i].name < tables[j].name })

	results := make([]BackupResult, 0, len(tables))
	for _, t := range tables {
		path, err := e.backupTable(t)
		if err != nil {
			e.logger.Error("table backup failed",
				zap.String("table", t.name),
				zap.Error(err))
		} else {
			e.pruneBackups(t.name)
		}
		results = append(results, BackupResult{Table: t.name, Path: path, Err: err})
	}
	return results
}

// backupTable writes one consistent snapshot of the table.
func (e *Engine) backupTable(t *Table) (string, error) {
	t.swapMu.RLock()
	defer t.swapMu.RUnlock()
	if t.closed {
		return "", ErrTableClosed
	}

	stamp := time.Now().UTC().Format(backupTimestampLayout)
	final := filepath.Join(e.backupDir, fmt.Sprintf("%s_%s.bak", t.name, stamp))
	tmp := final + ".tmp"

	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(tmp, 0600)
	})
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to copy table %s: %w", t.name, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize backup: %w", err)
	}

	e.logger.Info("table backed up",
		zap.String("table", t.name),
		zap.String("path", final))
	return final, nil
}

// pruneBackups deletes all but the newest retention backups for a table.
func (e *Engine) pruneBackups(table string) {
	backups := e.listBackups(table)
	if len(backups) <= e.retention {
		return
	}
	for _, old := range backups[e.retention:] {
		if err := os.Remove(old); err != nil {
			e.logger.Warn("failed to prune old backup",
				zap.String("path", old),
				zap.Error(err))
		}
	}
}

// listBackups returns the table's backups, newest first. The timestamp
// format sorts lexically.
func (e *Engine) listBackups(table string) []string {
	entries, err := os.ReadDir(e.backupDir)
	if err != nil {
		return nil
	}
	var paths []string
	prefix := table + "_"
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".bak") {
			paths = append(paths, filepath.Join(e.backupDir, name))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths
}

// LatestBackup returns the newest backup path for a table, or "".
func (e *Engine) LatestBackup(table string) string {
	backups := e.listBackups(table)
	if len(backups) == 0 {
		return ""
	}
	return backups[0]
}

// Restore stops all writers to the table, replaces its file with the backup,
// reopens and verifies by iterating every record. If verification fails the
// table is recreated empty (degraded mode) so the hub can keep running.
func (e *Engine) Restore(name, backupPath string) error {
	e.mu.Lock()
	t, ok := e.tables[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("table %s is not open", name)
	}

	t.swapMu.Lock()
	defer t.swapMu.Unlock()

	if err := t.db.Close(); err != nil {
		e.logger.Warn("error closing table before restore",
			zap.String("table", name),
			zap.Error(err))
	}

	if err := copyFile(backupPath, t.path); err != nil {
		return e.recreateEmptyLocked(t, fmt.Errorf("failed to copy backup: %w", err))
	}

	db, err := openBolt(t.path)
	if err != nil {
		return e.recreateEmptyLocked(t, fmt.Errorf("failed to reopen restored table: %w", err))
	}
	t.db = db
	t.closed = false

	if err := verify(db); err != nil {
		_ = db.Close()
		return e.recreateEmptyLocked(t, fmt.Errorf("restore verification failed: %w", err))
	}

	e.logger.Info("table restored from backup",
		zap.String("table", name),
		zap.String("backup", backupPath))
	return nil
}

// recreateEmptyLocked enters degraded mode: the table file is replaced with
// an empty one and the cause is returned. Committed data is lost.
func (e *Engine) recreateEmptyLocked(t *Table, cause error) error {
	e.logger.Error("entering degraded mode: recreating empty table",
		zap.String("table", t.name),
		zap.Error(cause))

	_ = os.Remove(t.path)
	db, err := openBolt(t.path)
	if err != nil {
		t.closed = true
		return errors.Join(cause, fmt.Errorf("failed to recreate table: %w", err))
	}
	t.db = db
	t.closed = false
	return cause
}

// verify iterates all records to prove the restored file is readable.
func verify(db *bolt.DB) error {
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b == nil {
			return fmt.Errorf("records bucket missing")
		}
		return b.ForEach(func(k, v []byte) error { return nil })
	})
}

// Recover handles a corruption report for the named table: restore from the
// newest backup, or fall back to an empty table, then run the owner's
// restart hooks. The outcome is always announced on the bus.
func (e *Engine) Recover(name string) {
	log := e.logger.WithFields(zap.String("table", name))
	log.Warn("starting corruption recovery")

	backup := e.LatestBackup(name)
	var err error
	degraded := false
	if backup == "" {
		log.Warn("no backup available, recreating empty table")
		e.mu.Lock()
		t, ok := e.tables[name]
		e.mu.Unlock()
		if ok {
			t.swapMu.Lock()
			_ = t.db.Close()
			err = e.recreateEmptyLocked(t, nil)
			t.swapMu.Unlock()
		} else {
			err = fmt.Errorf("table %s is not open", name)
		}
		degraded = true
	} else if err = e.Restore(name, backup); err != nil {
		// Restore already fell back to an empty table where it could;
		// anything left is a hard failure.
		degraded = true
	}

	e.mu.Lock()
	hooks := append([]RestartHook(nil), e.restartHooks[name]...)
	e.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	e.mu.Lock()
	t, open := e.tables[name]
	e.mu.Unlock()
	usable := open && !t.isClosed()

	topic := events.TopicStorageRecoveryComplete
	data := map[string]interface{}{"table": name, "backup": backup, "degraded": degraded}
	if err != nil {
		data["error"] = err.Error()
	}
	if !usable {
		topic = events.TopicStorageRecoveryFailed
	}
	_ = e.bus.Publish(context.Background(), topic,
		bus.NewEvent(topic, "storage", data))

	if err != nil {
		log.Error("recovery finished with errors", zap.Error(err))
	} else {
		log.Info("recovery complete", zap.String("backup", backup))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
