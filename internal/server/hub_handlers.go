package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/costs"
	"github.com/agentcom/hub/internal/hubfsm"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

type hubHandlers struct {
	fsm    *hubfsm.FSM
	ledger *costs.Ledger
	logger *logger.Logger
}

func registerHubRoutes(router *gin.Engine, deps Deps, log *logger.Logger) {
	h := &hubHandlers{
		fsm:    deps.FSM,
		ledger: deps.Ledger,
		logger: log.WithFields(zap.String("handlers", "hub")),
	}
	hub := router.Group("/api/hub")
	hub.GET("/state", h.state)
	hub.GET("/history", h.history)
	hub.GET("/costs", h.costs)

	control := hub.Group("")
	control.Use(requireToken(deps.Tokens))
	control.POST("/pause", h.pause)
	control.POST("/resume", h.resume)
	control.POST("/start", h.resume)
	control.POST("/stop", h.stop)
	control.POST("/transition", h.forceTransition)
}

func (h *hubHandlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.fsm.Status())
}

func (h *hubHandlers) history(c *gin.Context) {
	history := h.fsm.History()
	c.JSON(http.StatusOK, gin.H{"transitions": history, "count": len(history)})
}

func (h *hubHandlers) costs(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.Stats())
}

// Pause when paused is not an error: the reply distinguishes "changed" from
// "already in state".
func (h *hubHandlers) pause(c *gin.Context) {
	changed := h.fsm.Pause()
	c.JSON(http.StatusOK, gin.H{"status": h.fsm.Status(), "changed": changed})
}

func (h *hubHandlers) resume(c *gin.Context) {
	changed := h.fsm.Resume()
	c.JSON(http.StatusOK, gin.H{"status": h.fsm.Status(), "changed": changed})
}

func (h *hubHandlers) stop(c *gin.Context) {
	h.fsm.Stop(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": h.fsm.Status(), "changed": true})
}

func (h *hubHandlers) forceTransition(c *gin.Context) {
	var req v1.ForceTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state is required"})
		return
	}
	if err := h.fsm.ForceTransition(c.Request.Context(), req.State, req.Reason); err != nil {
		if errors.Is(err, hubfsm.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to transition"})
		return
	}
	h.logger.Info("forced hub transition",
		zap.String("state", string(req.State)),
		zap.String("reason", req.Reason))
	c.JSON(http.StatusOK, h.fsm.Status())
}
