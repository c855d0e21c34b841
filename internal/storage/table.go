package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"

	v1 "github.com/agentcom/hub/pkg/api/v1"
)

var (
	// ErrKeyNotFound is returned when a key has no record.
	ErrKeyNotFound = errors.New("key not found")
	// ErrTableCorrupted marks errors that triggered (or should trigger)
	// corruption recovery.
	ErrTableCorrupted = errors.New("table corrupted")
	// ErrTableClosed is returned after Close.
	ErrTableClosed = errors.New("table closed")
)

// recordsBucket is the single bucket inside each table file.
var recordsBucket = []byte("records")

// Table is one durable keyed table backed by its own bbolt file. All
// operations are safe for concurrent use; restore and compaction take the
// write half of the swap lock so reads never observe a half-applied state.
type Table struct {
	name   string
	path   string
	engine *Engine

	// swapMu guards db replacement (restore, compaction). Normal reads and
	// writes hold it shared.
	swapMu sync.RWMutex
	db     *bolt.DB
	closed bool
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Path returns the table's file path.
func (t *Table) Path() string { return t.path }

func openBolt(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open table file: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Get reads the raw value for a key.
func (t *Table) Get(key string) ([]byte, error) {
	t.swapMu.RLock()
	defer t.swapMu.RUnlock()
	if t.closed {
		return nil, ErrTableClosed
	}

	var value []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(key))
		if data == nil {
			return ErrKeyNotFound
		}
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, t.engine.escalate(t, err)
	}
	return value, err
}

// GetJSON reads and unmarshals the value for a key.
func (t *Table) GetJSON(key string, v interface{}) error {
	data, err := t.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode record %s/%s: %w", t.name, key, err)
	}
	return nil
}

// Put writes a raw value under a key.
func (t *Table) Put(key string, value []byte) error {
	t.swapMu.RLock()
	defer t.swapMu.RUnlock()
	if t.closed {
		return ErrTableClosed
	}

	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(key), value)
	})
	if err != nil {
		return t.engine.escalate(t, err)
	}
	return nil
}

// PutJSON marshals and writes a value under a key.
func (t *Table) PutJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record %s/%s: %w", t.name, key, err)
	}
	return t.Put(key, data)
}

// Delete removes a key. Deleting an absent key is not an error.
func (t *Table) Delete(key string) error {
	t.swapMu.RLock()
	defer t.swapMu.RUnlock()
	if t.closed {
		return ErrTableClosed
	}

	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
	if err != nil {
		return t.engine.escalate(t, err)
	}
	return nil
}

// Scan iterates all records within one consistent view. The callback must
// not retain the byte slices beyond the call.
func (t *Table) Scan(fn func(key string, value []byte) error) error {
	t.swapMu.RLock()
	defer t.swapMu.RUnlock()
	if t.closed {
		return ErrTableClosed
	}

	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
	if err != nil && !isCallbackError(err) {
		return t.engine.escalate(t, err)
	}
	return err
}

// Sync flushes in-memory buffers to disk.
func (t *Table) Sync() error {
	t.swapMu.RLock()
	defer t.swapMu.RUnlock()
	if t.closed {
		return ErrTableClosed
	}
	return t.db.Sync()
}

// Count returns the number of records.
func (t *Table) Count() (int, error) {
	t.swapMu.RLock()
	defer t.swapMu.RUnlock()
	if t.closed {
		return 0, ErrTableClosed
	}

	var n int
	err := t.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(recordsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Health reports the table's record count, file size and fragmentation.
func (t *Table) Health() (v1.TableHealth, error) {
	t.swapMu.RLock()
	defer t.swapMu.RUnlock()
	if t.closed {
		return v1.TableHealth{}, ErrTableClosed
	}

	health := v1.TableHealth{Table: t.name, Status: "ok"}

	err := t.db.View(func(tx *bolt.Tx) error {
		health.RecordCount = tx.Bucket(recordsBucket).Stats().KeyN
		health.FileSizeBytes = tx.Size()
		return nil
	})
	if err != nil {
		health.Status = "error"
		return health, err
	}

	if fi, err := os.Stat(t.path); err == nil && fi.Size() > 0 {
		pageSize := int64(os.Getpagesize())
		totalPages := fi.Size() / pageSize
		if totalPages > 0 {
			free := int64(t.db.Stats().FreePageN)
			health.FragmentationRatio = float64(free) / float64(totalPages)
		}
	}

	return health, nil
}

// isClosed reports whether the table is usable.
func (t *Table) isClosed() bool {
	t.swapMu.RLock()
	defer t.swapMu.RUnlock()
	return t.closed
}

// close releases the underlying bbolt handle. Callers must hold swapMu.
func (t *Table) closeLocked() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.db.Close()
}

// isCorruption reports whether an error from the underlying store indicates
// file-level damage rather than a caller mistake.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrChecksum) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "invalid database") ||
		strings.Contains(msg, "checksum") ||
		strings.Contains(msg, "corrupt")
}

// isCallbackError distinguishes errors surfaced from Scan callbacks from
// store-level failures.
func isCallbackError(err error) bool {
	return !isCorruption(err)
}
