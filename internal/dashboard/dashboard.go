// Package dashboard broadcasts drift reports to connected websocket
// clients, so a browser-based dashboard can show live status instead of
// polling. It is a thin, auxiliary consumer of internal/watch: the hub
// here only fans out whatever internal/watch produces.
package dashboard

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/liqiongyu/agentpack/internal/drift"
)

// Message is one JSON payload pushed to every subscribed client.
type Message struct {
	Type   string        `json:"type"` // "drift" or "error"
	Report *drift.Report `json:"report,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// wsConn serializes writes to one connection: gorilla's Conn is not safe
// for concurrent writers, and a broadcast writes from whichever goroutine
// produced the latest report while a client's own read loop runs
// concurrently.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// Hub fans a stream of drift reports out to every currently-connected
// websocket client.
type Hub struct {
	allowedOrigins map[string]bool

	mu      sync.Mutex
	clients map[*wsConn]bool
}

// NewHub returns a Hub that accepts upgrades only from allowedOrigins, or
// from any origin when allowedOrigins is empty. A request that carries no
// Origin header is always accepted.
func NewHub(allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Hub{allowedOrigins: allowed, clients: make(map[*wsConn]bool)}
}

func (h *Hub) isAllowedOrigin(origin string) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	return h.allowedOrigins[origin]
}

// ServeWS upgrades r to a websocket connection and keeps it registered for
// broadcasts until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return h.isAllowedOrigin(origin)
		},
	}

	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: rawConn}
	h.register(conn)
	defer func() {
		h.unregister(conn)
		conn.Close()
	}()

	// The client never sends anything meaningful; read and discard until
	// it disconnects, so we notice a closed connection promptly.
	for {
		if _, _, err := rawConn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Broadcast sends msg to every currently-connected client. A client whose
// write fails is left for its own ServeWS goroutine to unregister on its
// next failed read.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	clients := make([]*wsConn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.WriteJSON(msg)
	}
}

// OnReport matches watch.ReportFunc's signature, so a watch.Watcher can be
// wired directly into a Hub's Broadcast.
func (h *Hub) OnReport(report drift.Report, err error) {
	if err != nil {
		h.Broadcast(Message{Type: "error", Error: err.Error()})
		return
	}
	h.Broadcast(Message{Type: "drift", Report: &report})
}
