// Package hub exposes the session manager as request/reply tools over
// WebSocket connections and broadcasts session lifecycle changes.
package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/memextech/headless-terminal-mcp/internal/session"
)

// Tools is the session surface the hub serves.
type Tools interface {
	Create(ctx context.Context, req session.CreateRequest) (session.Info, error)
	List() []session.Info
	SendKeys(ctx context.Context, id string, keys []string) error
	TakeSnapshot(ctx context.Context, id string, timeout time.Duration) (session.Snapshot, error)
	WaitForOutput(ctx context.Context, id string, timeout time.Duration) ([]string, error)
	ExecuteCommand(ctx context.Context, id, line string, settle, timeout time.Duration) (session.Snapshot, error)
	Close(ctx context.Context, id string) error
}

// maxWait caps client supplied timeouts.
const maxWait = 5 * time.Minute

type Hub struct {
	tools  Tools
	token  string
	logger *slog.Logger

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex

	ctx     atomic.Pointer[context.Context]
	running atomic.Bool
}

func New(token string, tools Tools, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		tools:      tools,
		token:      token,
		logger:     logger,
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan []byte, 256),
	}
}

func (h *Hub) getContext() context.Context {
	if p := h.ctx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

// Run owns the client set until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.ctx.Store(&ctx)
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				c.closeSend()
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			go c.writePump(h.getContext())
			go c.readPump(h.getContext())
			h.logger.Info("client connected", "client_id", c.id, "clients", h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", "client_id", c.id, "clients", h.ClientCount())

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				if !c.enqueue(data) {
					h.logger.Warn("client send buffer full, dropping message", "client_id", c.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	client := newClient(conn, h)
	select {
	case h.register <- client:
	default:
		h.logger.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

// Broadcast sends a notification to every connected client.
func (h *Hub) Broadcast(msgType string, data any) {
	payload, err := json.Marshal(ServerMessage{Type: msgType, Data: data})
	if err != nil {
		h.logger.Warn("marshal broadcast failed", "type", msgType, "error", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", msgType)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.running.Load() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.logger.Warn("unregister channel full, forcing close", "client_id", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
