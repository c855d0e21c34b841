package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/taskqueue"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

type taskHandlers struct {
	queue  *taskqueue.Service
	logger *logger.Logger
}

func registerTaskRoutes(router *gin.Engine, deps Deps, log *logger.Logger) {
	h := &taskHandlers{
		queue:  deps.Queue,
		logger: log.WithFields(zap.String("handlers", "tasks")),
	}
	tasks := router.Group("/api/tasks")
	tasks.Use(requireToken(deps.Tokens))
	tasks.POST("", h.submit)
	tasks.GET("", h.list)
	tasks.GET("/stats", h.stats)
	tasks.GET("/dead-letter", h.listDeadLetter)
	tasks.GET("/:id", h.get)
	tasks.POST("/:id/retry", h.retry)
}

func (h *taskHandlers) submit(c *gin.Context) {
	var req v1.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	task, err := h.queue.Submit(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("submit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit task"})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *taskHandlers) get(c *gin.Context) {
	task, err := h.queue.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, taskqueue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *taskHandlers) list(c *gin.Context) {
	filter := v1.TaskFilter{
		Status:     v1.TaskStatus(c.Query("status")),
		AssignedTo: c.Query("assigned_to"),
	}
	if p := c.Query("priority"); p != "" {
		filter.Priority = v1.ParsePriority(p)
		filter.HasPrio = true
	}

	tasks, err := h.queue.List(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *taskHandlers) listDeadLetter(c *gin.Context) {
	tasks, err := h.queue.ListDeadLetter()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead-letter tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *taskHandlers) stats(c *gin.Context) {
	stats, err := h.queue.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *taskHandlers) retry(c *gin.Context) {
	task, err := h.queue.RetryDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, taskqueue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry task"})
		return
	}
	c.JSON(http.StatusOK, task)
}
