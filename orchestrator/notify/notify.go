package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autoflow/orchestrator-api/lib/logc"
	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

var logger = logc.Logger("notify")

// Notifier pushes lifecycle events to connected subscribers. Delivery is
// at most once per connected subscriber; there is no replay for late
// joiners.
type Notifier interface {
	Publish(ev model.Event)
}

// Nop drops all events, for tests and headless runs.
type Nop struct{}

func (Nop) Publish(model.Event) {}

const (
	writeWait     = 5 * time.Second
	clientBacklog = 32
)

// Hub fans events out over websocket connections.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// dashboards connect cross-origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Serve upgrades the request and registers the subscriber.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed, err: ", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBacklog)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logger.Debug("subscriber connected")

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) Publish(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := ev.Encode()
	if err != nil {
		logger.Error("drop unencodable event, err: ", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			// a stalled subscriber never blocks the coordinator
			h.dropLocked(c)
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for b := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			h.drop(c)
			return
		}
	}
	c.conn.Close()
}

// readLoop exists to notice closed connections; inbound messages are
// ignored.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	logger.Debug("subscriber dropped")
}
