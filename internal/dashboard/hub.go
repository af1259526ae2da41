package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peernet/peernet/internal/logging"
)

// Event is one tracker activity occurrence pushed to connected operators.
type Event struct {
	Type      string                 `json:"type"` // e.g. "peer_login", "peer_logout", "file_announced", "room_created"
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// client is one connected dashboard websocket viewer.
type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out tracker Events to every connected dashboard viewer.
// Grounded on the teacher's websocket.Hub register/unregister/broadcast
// channel pattern, trimmed to a one-way activity feed: the dashboard
// never sends commands back to the tracker.
type Hub struct {
	log *logging.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]*client

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

// NewHub creates an unstarted Hub.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[uuid.UUID]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
	}
}

// Run processes register/unregister/broadcast events until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					go func(c *client) { h.unregister <- c }(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish broadcasts an activity event to every connected dashboard viewer.
func (h *Hub) Publish(eventType string, payload map[string]interface{}) {
	ev := Event{Type: eventType, Payload: payload, Timestamp: time.Now()}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Printf("failed to marshal event %s: %v", eventType, err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Printf("broadcast buffer full, dropping event %s", eventType)
	}
}

func (h *Hub) addConn(conn *websocket.Conn) *client {
	c := &client{id: uuid.New(), conn: conn, send: make(chan []byte, 16)}
	h.register <- c
	return c
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only exists to notice the viewer disconnecting and drain
// control frames; the dashboard feed is one-directional.
func (h *Hub) readPump(c *client) {
	defer func() { h.unregister <- c }()
	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
