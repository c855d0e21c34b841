package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	agentpkg "github.com/agentcom/hub/internal/agent"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/pkg/protocol"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Deadline for the identify frame on a fresh connection
	identifyWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	sendBufferSize = 64
)

// session is one agent connection. It implements agent.Session.
type session struct {
	conn    *websocket.Conn
	gateway *Gateway
	logger  *logger.Logger

	send      chan []byte
	closeOnce sync.Once

	agentID    string
	identified bool
	// ollamaEndpoint is the agent's home endpoint id, derived from its
	// ollama_url at identify; resource reports land there.
	ollamaEndpoint string
}

func newSession(conn *websocket.Conn, g *Gateway, log *logger.Logger) *session {
	return &session{
		conn:    conn,
		gateway: g,
		logger:  log,
		send:    make(chan []byte, sendBufferSize),
	}
}

// Send queues a frame for delivery. A full buffer is a delivery failure so
// the caller can reclaim the task instead of blocking.
func (s *session) Send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close tears the connection down. Safe to call more than once.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.send)
		err = s.conn.Close()
	})
	return err
}

// readPump drives the session: identify first, then frame dispatch. The
// liveness TTL is enforced by the agent manager's sweeper, not a read
// deadline, so a silent-but-connected agent is evicted on hub terms.
func (s *session) readPump(ctx context.Context) {
	defer func() {
		if s.identified {
			s.gateway.manager.Disconnect(ctx, s.agentID)
		}
		_ = s.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)

	if !s.identify(ctx) {
		return
	}
	s.logger = s.logger.WithFields(zap.String("agent_id", s.agentID))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping unparseable frame", zap.Error(err))
			s.gateway.telemetry.UnknownFrame()
			continue
		}

		s.gateway.manager.Touch(s.agentID)
		s.handleFrame(ctx, &msg)
	}
}

// identify enforces the identify-first handshake and token verification.
func (s *session) identify(ctx context.Context) bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(identifyWait))
	defer s.conn.SetReadDeadline(time.Time{})

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.FrameIdentify {
		s.reject("identify expected")
		return false
	}

	var payload protocol.IdentifyPayload
	if err := msg.ParsePayload(&payload); err != nil || payload.AgentID == "" {
		s.reject("malformed identify payload")
		return false
	}

	if err := s.gateway.tokens.Verify(payload.AgentID, payload.Token); err != nil {
		s.logger.Warn("identify rejected",
			zap.String("agent_id", payload.AgentID),
			zap.Error(err))
		s.reject("invalid token")
		return false
	}

	info := v1.AgentInfo{
		AgentID:      payload.AgentID,
		Name:         payload.Name,
		Capabilities: agentpkg.ParseCapabilities(payload.Capabilities),
		OllamaURL:    payload.OllamaURL,
	}
	if _, err := s.gateway.manager.Register(ctx, info, s); err != nil {
		s.reject("registration failed")
		return false
	}

	s.agentID = payload.AgentID
	s.identified = true
	s.ollamaEndpoint = endpointIDFromURL(payload.OllamaURL)

	ok, _ := protocol.NewMessage(protocol.FrameIdentifyOK, nil)
	_ = s.Send(ok)
	return true
}

// reject sends identify_error and closes the session.
func (s *session) reject(reason string) {
	msg, err := protocol.NewMessage(protocol.FrameIdentifyError, protocol.IdentifyErrorPayload{Reason: reason})
	if err == nil {
		data, _ := json.Marshal(msg)
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = s.Close()
}

func (s *session) handleFrame(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.FramePing:
		pong, err := protocol.NewMessage(protocol.FramePong, nil)
		if err == nil {
			_ = s.Send(pong)
		}

	case protocol.FrameTaskAccepted:
		var p protocol.TaskAcceptedPayload
		if err := msg.ParsePayload(&p); err != nil {
			s.logger.Warn("malformed task_accepted", zap.Error(err))
			return
		}
		s.gateway.manager.HandleAccepted(ctx, s.agentID, p)

	case protocol.FrameTaskRejected:
		var p protocol.TaskRejectedPayload
		if err := msg.ParsePayload(&p); err != nil {
			s.logger.Warn("malformed task_rejected", zap.Error(err))
			return
		}
		s.gateway.manager.HandleRejected(ctx, s.agentID, p)

	case protocol.FrameTaskComplete:
		var p protocol.TaskCompletePayload
		if err := msg.ParsePayload(&p); err != nil {
			s.logger.Warn("malformed task_complete", zap.Error(err))
			return
		}
		s.gateway.manager.HandleComplete(ctx, s.agentID, p)

	case protocol.FrameTaskFailed:
		var p protocol.TaskFailedPayload
		if err := msg.ParsePayload(&p); err != nil {
			s.logger.Warn("malformed task_failed", zap.Error(err))
			return
		}
		s.gateway.manager.HandleFailed(ctx, s.agentID, p)

	case protocol.FrameResourceReport:
		var p protocol.ResourceReportPayload
		if err := msg.ParsePayload(&p); err != nil {
			s.logger.Warn("malformed resource_report", zap.Error(err))
			return
		}
		s.applyResourceReport(p)

	default:
		s.logger.Debug("unknown frame type", zap.String("type", string(msg.Type)))
		s.gateway.telemetry.UnknownFrame()
	}
}

func (s *session) applyResourceReport(p protocol.ResourceReportPayload) {
	if s.ollamaEndpoint == "" {
		return
	}
	err := s.gateway.endpoints.UpdateResources(s.ollamaEndpoint, v1.ResourceSnapshot{
		CPUPercent:    p.CPUPercent,
		RAMUsedMB:     p.RAMUsedMB,
		RAMTotalMB:    p.RAMTotalMB,
		VRAMUsedMB:    p.VRAMUsedMB,
		VRAMTotalMB:   p.VRAMTotalMB,
		ModelsRunning: p.ModelsRunning,
	})
	if err != nil {
		s.logger.Debug("resource report for unregistered endpoint",
			zap.String("endpoint", s.ollamaEndpoint))
	}
}

// writePump drains the send channel onto the socket.
func (s *session) writePump() {
	defer s.conn.Close()

	for data := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// endpointIDFromURL maps an agent's ollama_url to the registry's host:port
// id.
func endpointIDFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "11434"
	}
	return host + ":" + port
}
