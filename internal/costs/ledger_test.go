package costs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events/bus"
	"github.com/agentcom/hub/internal/storage"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

func testBudgets() config.BudgetsConfig {
	return config.BudgetsConfig{
		ExecutingHourly: 3, ExecutingDaily: 5,
		ImprovingHourly: 2, ImprovingDaily: 4,
		ContemplatingHourly: 1, ContemplatingDaily: 2,
	}
}

func newTestEngine(t *testing.T) *storage.Engine {
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
	return engine
}

func newTestLedger(t *testing.T, engine *storage.Engine) *Ledger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	ledger, err := NewLedger(engine, testBudgets(), log)
	require.NoError(t, err)
	return ledger
}

func TestRecordUpdatesWindows(t *testing.T) {
	ledger := newTestLedger(t, newTestEngine(t))

	_, err := ledger.Record(v1.CategoryExecuting, RecordParams{Tokens: 100, CostUSD: 0.02})
	require.NoError(t, err)
	_, err = ledger.Record(v1.CategoryExecuting, RecordParams{Tokens: 50})
	require.NoError(t, err)

	stats := ledger.Stats()
	assert.Equal(t, int64(2), stats.Hourly[v1.CategoryExecuting].Count)
	assert.Equal(t, int64(150), stats.Hourly[v1.CategoryExecuting].Tokens)
	assert.InDelta(t, 0.02, stats.Hourly[v1.CategoryExecuting].CostUSD, 1e-9)
	assert.Equal(t, int64(2), stats.Daily[v1.CategoryExecuting].Count)
	assert.Equal(t, int64(2), stats.Session[v1.CategoryExecuting].Count)
}

func TestCheckBudgetHourlyCap(t *testing.T) {
	ledger := newTestLedger(t, newTestEngine(t))

	// Contemplating allows one per hour.
	require.NoError(t, ledger.CheckBudget(v1.CategoryContemplating))
	_, err := ledger.Record(v1.CategoryContemplating, RecordParams{})
	require.NoError(t, err)

	err = ledger.CheckBudget(v1.CategoryContemplating)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestCheckBudgetIndependentCategories(t *testing.T) {
	ledger := newTestLedger(t, newTestEngine(t))

	_, err := ledger.Record(v1.CategoryContemplating, RecordParams{})
	require.NoError(t, err)

	// Exhausting one category leaves the others untouched.
	assert.ErrorIs(t, ledger.CheckBudget(v1.CategoryContemplating), ErrBudgetExhausted)
	assert.NoError(t, ledger.CheckBudget(v1.CategoryExecuting))
	assert.NoError(t, ledger.CheckBudget(v1.CategoryImproving))
}

func TestCheckBudgetUnknownCategory(t *testing.T) {
	ledger := newTestLedger(t, newTestEngine(t))
	assert.Error(t, ledger.CheckBudget(v1.InvocationCategory("daydreaming")))
}

func TestReplayRebuildsWindowsButNotSession(t *testing.T) {
	engine := newTestEngine(t)
	first := newTestLedger(t, engine)

	_, err := first.Record(v1.CategoryExecuting, RecordParams{Tokens: 10})
	require.NoError(t, err)
	_, err = first.Record(v1.CategoryImproving, RecordParams{Tokens: 20})
	require.NoError(t, err)

	// A second ledger over the same table simulates a restart.
	second := newTestLedger(t, engine)
	stats := second.Stats()

	assert.Equal(t, int64(1), stats.Hourly[v1.CategoryExecuting].Count)
	assert.Equal(t, int64(1), stats.Hourly[v1.CategoryImproving].Count)
	assert.Empty(t, stats.Session, "a restart starts a fresh session")
}

func TestReplayCountsTowardBudgets(t *testing.T) {
	engine := newTestEngine(t)
	first := newTestLedger(t, engine)
	_, err := first.Record(v1.CategoryContemplating, RecordParams{})
	require.NoError(t, err)

	second := newTestLedger(t, engine)
	assert.ErrorIs(t, second.CheckBudget(v1.CategoryContemplating), ErrBudgetExhausted)
}

func TestStatsExposesBudgets(t *testing.T) {
	ledger := newTestLedger(t, newTestEngine(t))
	stats := ledger.Stats()
	assert.Equal(t, v1.BudgetCaps{Hourly: 3, Daily: 5}, stats.Budgets[v1.CategoryExecuting])
	assert.Equal(t, v1.BudgetCaps{Hourly: 1, Daily: 2}, stats.Budgets[v1.CategoryContemplating])
}
