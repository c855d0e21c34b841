// Package server exposes the hub's HTTP surface: the REST API, the agent
// WebSocket endpoint, and the dashboard.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/agent"
	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/costs"
	"github.com/agentcom/hub/internal/dashboard"
	"github.com/agentcom/hub/internal/endpoint"
	"github.com/agentcom/hub/internal/gateway"
	"github.com/agentcom/hub/internal/goals"
	"github.com/agentcom/hub/internal/hubfsm"
	"github.com/agentcom/hub/internal/taskqueue"
	"github.com/agentcom/hub/internal/token"
)

// Deps are the components the HTTP surface fronts.
type Deps struct {
	Queue       *taskqueue.Service
	Agents      *agent.Manager
	Limiter     *agent.RateLimiter
	Endpoints   *endpoint.Registry
	Backlog     *goals.Backlog
	FSM         *hubfsm.FSM
	Ledger      *costs.Ledger
	Tokens      *token.Store
	Gateway     *gateway.Gateway
	Dashboard   *dashboard.Snapshotter
	DashboardWS *dashboard.Hub
	Runtime     *config.Runtime
}

// Server is the hub's HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// New builds the router and the server.
func New(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	srvLog := log.WithComponent("http")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(srvLog))

	registerTaskRoutes(router, deps, srvLog)
	registerAgentRoutes(router, deps, srvLog)
	registerGoalRoutes(router, deps, srvLog)
	registerHubRoutes(router, deps, srvLog)
	registerEndpointRoutes(router, deps, srvLog)
	registerAdminRoutes(router, deps, srvLog)

	// Dashboard snapshot and WebSockets are local surfaces, no auth.
	router.GET("/api/dashboard/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Dashboard.Snapshot())
	})
	router.GET("/ws", gin.WrapF(deps.Gateway.HandleAgent))
	router.GET("/ws/dashboard", gin.WrapF(deps.DashboardWS.HandleWS))

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		logger: srvLog,
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
