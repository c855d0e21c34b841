package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/goals"
	"github.com/agentcom/hub/internal/taskqueue"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

type goalHandlers struct {
	backlog *goals.Backlog
	queue   *taskqueue.Service
	logger  *logger.Logger
}

func registerGoalRoutes(router *gin.Engine, deps Deps, log *logger.Logger) {
	h := &goalHandlers{
		backlog: deps.Backlog,
		queue:   deps.Queue,
		logger:  log.WithFields(zap.String("handlers", "goals")),
	}
	goalGroup := router.Group("/api/goals")
	goalGroup.GET("", h.list)
	goalGroup.GET("/:id", h.get)
	goalGroup.GET("/:id/progress", h.progress)

	mutating := goalGroup.Group("")
	mutating.Use(requireToken(deps.Tokens))
	mutating.POST("", h.submit)
	mutating.PATCH("/:id", h.transition)
}

func (h *goalHandlers) submit(c *gin.Context) {
	var req v1.SubmitGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	goal, err := h.backlog.Submit(req)
	if err != nil {
		h.logger.Error("goal submit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit goal"})
		return
	}
	c.JSON(http.StatusCreated, goal)
}

func (h *goalHandlers) list(c *gin.Context) {
	list, err := h.backlog.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list goals"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals": list, "count": len(list)})
}

func (h *goalHandlers) get(c *gin.Context) {
	goal, err := h.backlog.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, goals.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "goal not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read goal"})
		return
	}
	c.JSON(http.StatusOK, goal)
}

func (h *goalHandlers) progress(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.backlog.Get(id); err != nil {
		if errors.Is(err, goals.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "goal not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read goal"})
		return
	}
	progress, err := h.queue.GoalProgress(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read goal progress"})
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *goalHandlers) transition(c *gin.Context) {
	var req v1.TransitionGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}
	goal, err := h.backlog.Transition(c.Param("id"), req.Status, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, goals.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "goal not found"})
		case errors.Is(err, goals.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to transition goal"})
		}
		return
	}
	c.JSON(http.StatusOK, goal)
}
