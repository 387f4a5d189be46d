// Package realtime streams approval workflow events to WebSocket clients so
// dashboards update without polling.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/domain/event"
	"github.com/garyjia/invoice-approval/internal/metrics"
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters the events a client receives. An empty filter
// field matches everything.
type Subscription struct {
	AllEvents   bool         `json:"all_events"`
	EventTypes  []event.Type `json:"event_types"`
	Levels      []int        `json:"levels"`
	ApprovalIDs []string     `json:"approval_ids"`
}

// Client is one WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the default limit on concurrent WebSocket connections
const MaxClients = 1000

// Hub fans workflow events out to connected clients
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *event.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.Logger
	done       chan struct{}
	maxClients int

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	started   bool

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *event.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Name returns the worker name for identification
func (h *Hub) Name() string {
	return "RealtimeHub"
}

// Start runs the hub loop in the background until Stop or ctx is done
func (h *Hub) Start(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.started {
		return fmt.Errorf("realtime hub already started")
	}
	h.started = true

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go h.Run(runCtx)
	return nil
}

// Stop shuts the hub loop down and closes every client connection
func (h *Hub) Stop() error {
	h.lifecycle.Lock()
	cancel := h.cancel
	h.lifecycle.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-h.done
	return nil
}

// Run is the hub's main loop. It may only be called once.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("Realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("WebSocket client connected", zap.Int("total", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("WebSocket client disconnected", zap.Int("total", n))

		case e := <-h.broadcast:
			h.totalEvents.Add(1)
			h.deliver(e)
		}
	}
}

func (h *Hub) deliver(e *event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to serialize event", zap.String("event_type", e.Type.String()), zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !shouldSend(client, e) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("Dropped slow WebSocket clients", zap.Int("count", len(slow)))
}

func shouldSend(client *Client, e *event.Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}

	if len(sub.EventTypes) > 0 && !containsType(sub.EventTypes, e.Type) {
		return false
	}

	if len(sub.Levels) > 0 {
		level := int(e.GetPayloadInt("level"))
		matched := false
		for _, l := range sub.Levels {
			if l == level {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(sub.ApprovalIDs) > 0 {
		matched := false
		for _, id := range sub.ApprovalIDs {
			if id == e.ApprovalID {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

func containsType(types []event.Type, t event.Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// Publish queues an event for delivery. It never blocks; events are dropped
// when the queue is full.
func (h *Hub) Publish(e *event.Event) {
	select {
	case h.broadcast <- e:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("Broadcast queue full, dropping event",
			zap.String("event_type", e.Type.String()),
			zap.String("approval_id", e.ApprovalID))
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connected_clients": len(h.clients),
		"total_events":      h.totalEvents.Load(),
		"dropped_events":    h.droppedEvents.Load(),
		"total_clients":     h.totalClients.Load(),
	}
}

// HandleWebSocket upgrades the request and streams events to the client.
// Clients narrow the stream by sending a Subscription as JSON.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		sub:  Subscription{AllEvents: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("Ignoring malformed subscription", zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
