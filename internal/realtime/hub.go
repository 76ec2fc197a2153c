package realtime

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Notifier is what the dispatcher needs from the realtime layer: a
// fire-and-forget broadcast to a team's connected clients.
type Notifier interface {
	Broadcast(teamID uuid.UUID, event string, payload any)
}

// NopNotifier drops all broadcasts. Used in tests and when the realtime
// layer is disabled.
type NopNotifier struct{}

func (NopNotifier) Broadcast(uuid.UUID, string, any) {}

type frame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type client struct {
	teamID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
}

// Hub tracks websocket subscribers per team and fans broadcast frames out
// to them. Delivery is best effort: a client that cannot keep up is dropped.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[uuid.UUID]map[*client]struct{}),
	}
}

// ServeHTTP upgrades GET /ws?team_id=... to a websocket subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	teamID, err := uuid.Parse(r.URL.Query().Get("team_id"))
	if err != nil {
		http.Error(w, "team_id query parameter must be a valid UUID", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		teamID: teamID,
		conn:   conn,
		send:   make(chan []byte, 16),
	}

	h.register(c)
	h.logger.Info("realtime client connected", zap.String("team_id", teamID.String()))

	go c.writeLoop()
	go h.readLoop(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.teamID] == nil {
		h.clients[c.teamID] = make(map[*client]struct{})
	}
	h.clients[c.teamID][c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.clients[c.teamID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			if len(set) == 0 {
				delete(h.clients, c.teamID)
			}
		}
	}
}

// Broadcast sends an event frame to every client subscribed to the team.
// It never blocks the caller.
func (h *Hub) Broadcast(teamID uuid.UUID, event string, payload any) {
	data, err := json.Marshal(frame{Event: event, Payload: payload})
	if err != nil {
		h.logger.Error("failed to marshal realtime frame",
			zap.Error(err),
			zap.String("event", event),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[teamID] {
		select {
		case c.send <- data:
		default:
			// Slow consumer; the read loop will reap the connection.
			h.logger.Warn("dropping realtime frame for slow client",
				zap.String("team_id", teamID.String()),
			)
		}
	}
}

// SubscriberCount reports connected clients for a team.
func (h *Hub) SubscriberCount(teamID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[teamID])
}

// readLoop consumes (and discards) client frames so pings and close frames
// are processed, then tears the client down on error.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
