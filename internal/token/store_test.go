package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events/bus"
	"github.com/agentcom/hub/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.Engine) {
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

	store, err := NewStore(engine, log)
	require.NoError(t, err)
	return store, engine
}

func TestIssueAndVerify(t *testing.T) {
	store, _ := newTestStore(t)

	tok, err := store.Issue("agent-1")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	assert.NoError(t, store.Verify("agent-1", tok))
	assert.ErrorIs(t, store.Verify("agent-1", "wrong"), ErrUnauthorized)
	assert.ErrorIs(t, store.Verify("agent-2", tok), ErrUnauthorized)
}

func TestIssueRequiresAgentID(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Issue("")
	assert.Error(t, err)
}

func TestReissueInvalidatesOldToken(t *testing.T) {
	store, _ := newTestStore(t)

	old, err := store.Issue("agent-1")
	require.NoError(t, err)
	fresh, err := store.Issue("agent-1")
	require.NoError(t, err)

	assert.ErrorIs(t, store.Verify("agent-1", old), ErrUnauthorized)
	assert.NoError(t, store.Verify("agent-1", fresh))
}

func TestRevoke(t *testing.T) {
	store, _ := newTestStore(t)

	tok, err := store.Issue("agent-1")
	require.NoError(t, err)
	require.NoError(t, store.Revoke("agent-1"))

	assert.ErrorIs(t, store.Verify("agent-1", tok), ErrUnauthorized)

	// Revoking an absent token is not an error.
	assert.NoError(t, store.Revoke("agent-1"))
}

func TestTokensSurviveReopen(t *testing.T) {
	store, engine := newTestStore(t)

	tok, err := store.Issue("agent-1")
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	reopened, err := NewStore(engine, log)
	require.NoError(t, err)
	assert.NoError(t, reopened.Verify("agent-1", tok))
}
