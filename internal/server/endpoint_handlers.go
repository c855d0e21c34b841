package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/endpoint"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

type endpointHandlers struct {
	registry *endpoint.Registry
	logger   *logger.Logger
}

func registerEndpointRoutes(router *gin.Engine, deps Deps, log *logger.Logger) {
	h := &endpointHandlers{
		registry: deps.Endpoints,
		logger:   log.WithFields(zap.String("handlers", "endpoints")),
	}
	endpoints := router.Group("/api/endpoints")
	endpoints.GET("", h.list)
	endpoints.GET("/:id", h.get)

	mutating := endpoints.Group("")
	mutating.Use(requireToken(deps.Tokens))
	mutating.POST("", h.add)
	mutating.DELETE("/:id", h.remove)
}

func (h *endpointHandlers) list(c *gin.Context) {
	list := h.registry.List()
	c.JSON(http.StatusOK, gin.H{"endpoints": list, "count": len(list)})
}

func (h *endpointHandlers) get(c *gin.Context) {
	ep, err := h.registry.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, endpoint.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read endpoint"})
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (h *endpointHandlers) add(c *gin.Context) {
	var req v1.AddEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host and port are required"})
		return
	}
	ep, err := h.registry.Add(req.Host, req.Port, v1.EndpointSourceManual)
	if err != nil {
		h.logger.Error("failed to add endpoint", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add endpoint"})
		return
	}
	c.JSON(http.StatusCreated, ep)
}

func (h *endpointHandlers) remove(c *gin.Context) {
	if err := h.registry.Remove(c.Param("id")); err != nil {
		if errors.Is(err, endpoint.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove endpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}
