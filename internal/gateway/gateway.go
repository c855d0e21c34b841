// Package gateway terminates agent WebSocket sessions: upgrade, identify,
// frame dispatch into the agent manager, and resource-report forwarding.
package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/agent"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/endpoint"
	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/token"
)

// Gateway upgrades agent connections and owns their sessions.
type Gateway struct {
	manager   *agent.Manager
	tokens    *token.Store
	endpoints *endpoint.Registry
	telemetry *events.Telemetry
	logger    *logger.Logger

	upgrader websocket.Upgrader
}

// New builds the gateway.
func New(manager *agent.Manager, tokens *token.Store, endpoints *endpoint.Registry, telemetry *events.Telemetry, log *logger.Logger) *Gateway {
	return &Gateway{
		manager:   manager,
		tokens:    tokens,
		endpoints: endpoints,
		telemetry: telemetry,
		logger:    log.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from operator machines; token verification is
			// the trust boundary, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleAgent upgrades an agent connection and runs its session until the
// socket closes.
func (g *Gateway) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newSession(conn, g, g.logger)
	go session.writePump()
	session.readPump(r.Context())
}
