package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/events/bus"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

// pushEvent is one frame sent to dashboard clients.
type pushEvent struct {
	Topic     string                 `json:"topic"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// client is one dashboard browser connection.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans bus events out to dashboard WebSocket clients. Delivery is
// best-effort: a slow browser drops frames, never blocks the bus.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	subs    []bus.Subscription
	running bool
}

// NewHub builds the dashboard push hub.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:    eventBus,
		logger: log.WithComponent("dashboard-ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes to the pushed topic families.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("dashboard hub already running")
	}
	h.running = true
	h.mu.Unlock()

	patterns := []string{
		events.PatternTaskAll,
		events.PatternAgentAll,
		events.PatternHubAll,
		events.TopicEndpointChanged,
	}
	for _, pattern := range patterns {
		sub, err := h.bus.Subscribe(pattern, func(ctx context.Context, ev *bus.Event) error {
			h.broadcast(ev)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Stop unsubscribes and closes every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil
	for _, c := range clients {
		close(c.send)
	}
	h.logger.Info("dashboard hub stopped")
}

// HandleWS upgrades a dashboard connection and pumps events to it until it
// closes. Dashboard clients only listen.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("dashboard upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)

	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) broadcast(ev *bus.Event) {
	frame := pushEvent{
		Topic:     ev.Type,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow client; drop the frame.
		}
	}
}
