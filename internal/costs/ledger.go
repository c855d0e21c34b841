// Package costs tracks hub-level LLM invocations. Every record is appended
// durably; rolling hourly/daily/session counters live in memory and are
// rebuilt from the log at startup.
package costs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/storage"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// TableInvocations is the durable ledger table name.
const TableInvocations = "invocations"

// ErrBudgetExhausted is returned by CheckBudget when a cap is hit.
var ErrBudgetExhausted = errors.New("budget exhausted")

// Ledger owns the invocation table and the rolling counters.
type Ledger struct {
	table   *storage.Table
	budgets map[v1.InvocationCategory]v1.BudgetCaps
	logger  *logger.Logger

	mu      sync.Mutex
	history []v1.InvocationRecord // session-scoped, pruned to the daily window
	session map[v1.InvocationCategory]v1.CostWindow
}

// NewLedger opens the ledger table and replays records within the rolling
// windows to rebuild the in-memory counters.
func NewLedger(engine *storage.Engine, budgets config.BudgetsConfig, log *logger.Logger) (*Ledger, error) {
	table, err := engine.Open(TableInvocations)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		table: table,
		budgets: map[v1.InvocationCategory]v1.BudgetCaps{
			v1.CategoryExecuting:     {Hourly: budgets.ExecutingHourly, Daily: budgets.ExecutingDaily},
			v1.CategoryImproving:     {Hourly: budgets.ImprovingHourly, Daily: budgets.ImprovingDaily},
			v1.CategoryContemplating: {Hourly: budgets.ContemplatingHourly, Daily: budgets.ContemplatingDaily},
		},
		logger:  log.WithComponent("costs"),
		session: make(map[v1.InvocationCategory]v1.CostWindow),
	}
	if err := l.replay(); err != nil {
		return nil, err
	}
	engine.OnRestore(TableInvocations, func() {
		if err := l.replay(); err != nil {
			l.logger.Error("failed to replay ledger after restore", zap.Error(err))
		}
	})
	return l, nil
}

// replay rebuilds counters from durable records within the daily window.
// Session counters restart empty: a restart is a new session.
func (l *Ledger) replay() error {
	cutoff := time.Now().Add(-24 * time.Hour)
	var history []v1.InvocationRecord

	err := l.table.Scan(func(key string, value []byte) error {
		var rec v1.InvocationRecord
		if err := decode(value, &rec); err != nil {
			l.logger.Warn("skipping undecodable invocation record", zap.String("key", key), zap.Error(err))
			return nil
		}
		if rec.Timestamp.After(cutoff) {
			history = append(history, rec)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay invocation ledger: %w", err)
	}

	// Scan order follows record ids, not time.
	sort.Slice(history, func(i, j int) bool {
		return history[i].Timestamp.Before(history[j].Timestamp)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = history
	l.session = make(map[v1.InvocationCategory]v1.CostWindow)
	l.logger.Info("ledger replayed", zap.Int("records", len(history)))
	return nil
}

// RecordParams carries the optional cost attributes of an invocation.
type RecordParams struct {
	Tokens  int64
	CostUSD float64
}

// Record appends an invocation durably, then bumps the in-memory counters.
func (l *Ledger) Record(category v1.InvocationCategory, params RecordParams) (*v1.InvocationRecord, error) {
	rec := v1.InvocationRecord{
		ID:        uuid.NewString(),
		Category:  category,
		Tokens:    params.Tokens,
		CostUSD:   params.CostUSD,
		Timestamp: time.Now(),
	}
	if err := l.table.PutJSON(rec.ID, rec); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.history = append(l.history, rec)
	w := l.session[category]
	w.Count++
	w.Tokens += rec.Tokens
	w.CostUSD += rec.CostUSD
	l.session[category] = w
	l.mu.Unlock()

	return &rec, nil
}

// Stats returns the rolling windows and the configured budgets.
func (l *Ledger) Stats() v1.CostStats {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	stats := v1.CostStats{
		Hourly:  l.windowLocked(now.Add(-time.Hour)),
		Daily:   l.windowLocked(now.Add(-24 * time.Hour)),
		Session: make(map[v1.InvocationCategory]v1.CostWindow, len(l.session)),
		Budgets: make(map[v1.InvocationCategory]v1.BudgetCaps, len(l.budgets)),
	}
	for cat, w := range l.session {
		stats.Session[cat] = w
	}
	for cat, caps := range l.budgets {
		stats.Budgets[cat] = caps
	}
	return stats
}

// CheckBudget reports whether a category may run another invocation. The
// check passes only while both hourly and daily counts are strictly below
// their caps.
func (l *Ledger) CheckBudget(category v1.InvocationCategory) error {
	caps, ok := l.budgets[category]
	if !ok {
		return fmt.Errorf("unknown invocation category: %s", category)
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	hourly := l.countLocked(category, now.Add(-time.Hour))
	if hourly >= caps.Hourly {
		return fmt.Errorf("%w: %s hourly cap %d reached", ErrBudgetExhausted, category, caps.Hourly)
	}
	daily := l.countLocked(category, now.Add(-24*time.Hour))
	if daily >= caps.Daily {
		return fmt.Errorf("%w: %s daily cap %d reached", ErrBudgetExhausted, category, caps.Daily)
	}
	return nil
}

// pruneLocked drops history older than the daily window.
func (l *Ledger) pruneLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for ; i < len(l.history); i++ {
		if l.history[i].Timestamp.After(cutoff) {
			break
		}
	}
	if i > 0 {
		l.history = append([]v1.InvocationRecord(nil), l.history[i:]...)
	}
}

func (l *Ledger) windowLocked(since time.Time) map[v1.InvocationCategory]v1.CostWindow {
	out := make(map[v1.InvocationCategory]v1.CostWindow)
	for _, rec := range l.history {
		if rec.Timestamp.Before(since) {
			continue
		}
		w := out[rec.Category]
		w.Count++
		w.Tokens += rec.Tokens
		w.CostUSD += rec.CostUSD
		out[rec.Category] = w
	}
	return out
}

func (l *Ledger) countLocked(category v1.InvocationCategory, since time.Time) int64 {
	var n int64
	for _, rec := range l.history {
		if rec.Category == category && !rec.Timestamp.Before(since) {
			n++
		}
	}
	return n
}
