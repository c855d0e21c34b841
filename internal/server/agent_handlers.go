package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	agentpkg "github.com/agentcom/hub/internal/agent"
	"github.com/agentcom/hub/internal/common/logger"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

type agentHandlers struct {
	agents  *agentpkg.Manager
	limiter *agentpkg.RateLimiter
	logger  *logger.Logger
}

func registerAgentRoutes(router *gin.Engine, deps Deps, log *logger.Logger) {
	h := &agentHandlers{
		agents:  deps.Agents,
		limiter: deps.Limiter,
		logger:  log.WithFields(zap.String("handlers", "agents")),
	}
	agents := router.Group("/api/agents")
	agents.GET("", h.list)
	agents.GET("/states", h.states)
	agents.GET("/:id/state", h.state)

	limited := agents.Group("")
	limited.Use(requireToken(deps.Tokens))
	limited.POST("/:id/ratelimit", h.rateLimit)
	limited.DELETE("/:id/ratelimit", h.clearRateLimit)
}

func (h *agentHandlers) list(c *gin.Context) {
	infos := h.agents.List()
	c.JSON(http.StatusOK, gin.H{"agents": infos, "count": len(infos)})
}

func (h *agentHandlers) states(c *gin.Context) {
	states := make(map[string]v1.AgentState)
	for _, info := range h.agents.List() {
		states[info.AgentID] = info.State
	}
	c.JSON(http.StatusOK, states)
}

func (h *agentHandlers) state(c *gin.Context) {
	info, err := h.agents.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, agentpkg.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read agent"})
		return
	}
	c.JSON(http.StatusOK, info)
}

type rateLimitRequest struct {
	DurationMs int64 `json:"duration_ms" binding:"required,min=1"`
}

func (h *agentHandlers) rateLimit(c *gin.Context) {
	var req rateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_ms is required"})
		return
	}
	agentID := c.Param("id")
	h.limiter.Limit(agentID, time.Duration(req.DurationMs)*time.Millisecond)
	h.logger.Info("agent rate-limited",
		zap.String("agent_id", agentID),
		zap.Int64("duration_ms", req.DurationMs))
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "limited": true})
}

func (h *agentHandlers) clearRateLimit(c *gin.Context) {
	agentID := c.Param("id")
	h.limiter.Clear(agentID)
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "limited": false})
}
