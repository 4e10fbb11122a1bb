package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chatline/commission-engine/internal/ledger"
	"github.com/chatline/commission-engine/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin console is served from a different origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHub fans ledger events out to connected admin-console clients. It
// satisfies ledger.Notifier; a slow client is dropped rather than allowed
// to stall the ledger.
type WSHub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan ledger.Event
}

func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*wsClient]bool)}
}

// Notify implements ledger.Notifier.
func (h *WSHub) Notify(ev ledger.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Full buffer means the client is not keeping up.
			h.dropLocked(c)
		}
	}
}

func (h *WSHub) dropLocked(c *wsClient) {
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
		metrics.WSClients.Dec()
	}
}

func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// ServeHTTP upgrades the connection and streams ledger events until the
// client goes away.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan ledger.Event, 64)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	metrics.WSClients.Inc()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *WSHub) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			h.drop(c)
			return
		}
	}
}

// readLoop discards inbound frames; its job is noticing the close.
func (h *WSHub) readLoop(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
