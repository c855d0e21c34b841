package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/token"
)

type adminHandlers struct {
	tokens  *token.Store
	runtime *config.Runtime
	logger  *logger.Logger
}

// registerAdminRoutes wires token issuance and the runtime-config API. Token
// issuance is the bootstrap surface: it is reachable without a token, like
// the dashboard, and is expected to be bound to a local interface.
func registerAdminRoutes(router *gin.Engine, deps Deps, log *logger.Logger) {
	h := &adminHandlers{
		tokens:  deps.Tokens,
		runtime: deps.Runtime,
		logger:  log.WithFields(zap.String("handlers", "admin")),
	}
	router.POST("/api/tokens", h.issueToken)

	cfg := router.Group("/api/config")
	cfg.GET("", h.getConfig)
	patch := cfg.Group("")
	patch.Use(requireToken(deps.Tokens))
	patch.PATCH("", h.patchConfig)

	revoke := router.Group("/api/tokens")
	revoke.Use(requireToken(deps.Tokens))
	revoke.DELETE("/:agentId", h.revokeToken)
}

type issueTokenRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

func (h *adminHandlers) issueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
		return
	}
	tok, err := h.tokens.Issue(req.AgentID)
	if err != nil {
		h.logger.Error("token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent_id": req.AgentID, "token": tok})
}

func (h *adminHandlers) revokeToken(c *gin.Context) {
	if err := h.tokens.Revoke(c.Param("agentId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (h *adminHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.runtime.All())
}

// patchConfig applies runtime overrides. Values take effect on the next read
// because components never cache them.
func (h *adminHandlers) patchConfig(c *gin.Context) {
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil || len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	for key, value := range updates {
		h.runtime.Set(key, value)
		h.logger.Info("runtime config updated", zap.String("key", key))
	}
	c.JSON(http.StatusOK, h.runtime.All())
}
