// Package token issues and verifies the bearer tokens agents present at
// identify time. Only a hash of each token is stored; tokens survive hub
// restarts and agent disconnects.
package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/storage"
)

// TableTokens is the durable token table name.
const TableTokens = "tokens"

// ErrUnauthorized is returned when a token does not match the issued one.
var ErrUnauthorized = errors.New("unauthorized")

type record struct {
	AgentID   string    `json:"agent_id"`
	TokenHash string    `json:"token_hash"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Store owns the issued-token table.
type Store struct {
	table  *storage.Table
	logger *logger.Logger
}

// NewStore opens the token table.
func NewStore(engine *storage.Engine, log *logger.Logger) (*Store, error) {
	table, err := engine.Open(TableTokens)
	if err != nil {
		return nil, err
	}
	return &Store{table: table, logger: log.WithComponent("tokens")}, nil
}

// Issue mints a fresh token for an agent, replacing any prior one.
func (s *Store) Issue(agentID string) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("agent id is required")
	}
	token := uuid.NewString() + uuid.NewString()
	rec := record{
		AgentID:   agentID,
		TokenHash: hash(token),
		IssuedAt:  time.Now(),
	}
	if err := s.table.PutJSON(agentID, rec); err != nil {
		return "", err
	}
	s.logger.Info("token issued", zap.String("agent_id", agentID))
	return token, nil
}

// Verify checks a presented token against the issued one.
func (s *Store) Verify(agentID, token string) error {
	var rec record
	if err := s.table.GetJSON(agentID, &rec); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(hash(token))) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Revoke deletes an agent's token. Revoking an absent token is not an error.
func (s *Store) Revoke(agentID string) error {
	if err := s.table.Delete(agentID); err != nil {
		return err
	}
	s.logger.Info("token revoked", zap.String("agent_id", agentID))
	return nil
}

func hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
