package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tripbooker/internal/booking/saga"
)

const (
	writeWait     = 5 * time.Second
	broadcastSize = 256
)

type client struct {
	conn *websocket.Conn
	// requestID filters events; empty receives every request.
	requestID string
}

type message struct {
	requestID string
	data      []byte
}

// Hub fans saga events out to WebSocket clients.
type Hub struct {
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan message
	done       chan struct{}
	mu         sync.Mutex
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	dropped    atomic.Int64
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan message, broadcastSize),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run processes register/unregister/broadcast events until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				_ = c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				_ = c.conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.requestID != "" && c.requestID != msg.requestID {
					continue
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					_ = c.conn.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues ev for broadcast. It never blocks the saga; events are dropped when the buffer is full.
func (h *Hub) Publish(ev saga.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("encode saga event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message{requestID: ev.RequestID, data: data}:
	default:
		h.dropped.Add(1)
	}
}

// Observer adapts the hub to the orchestrator's observer hook.
func (h *Hub) Observer() saga.Observer {
	return h.Publish
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the connection and streams events, optionally filtered by ?request_id=.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, requestID: r.URL.Query().Get("request_id")}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	// Drain reads so close frames are processed; any read error ends the client.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
