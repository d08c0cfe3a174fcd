package server

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alllike996/speedtest-esa/pkg/models"
	"github.com/gorilla/websocket"
)

const (
	clientBufferSize = 64
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// liveMessage is the envelope of every websocket frame
type liveMessage struct {
	Type string `json:"type"` // status or tick
	Data any    `json:"data"`
}

type liveClient struct {
	send chan models.Tick
}

// Hub fans controller ticks out to websocket clients. A slow client loses
// ticks instead of stalling the tick loop.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
	dropped atomic.Int64
}

// NewHub creates a hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*liveClient]struct{}),
	}
}

// OnTick delivers tick to every client without blocking
func (h *Hub) OnTick(tick models.Tick) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- tick:
		default:
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many ticks were dropped for slow clients
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) subscribe() *liveClient {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &liveClient{send: make(chan models.Tick, clientBufferSize)}
	if h.closed {
		close(c.send)
		return c
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) unsubscribe(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeWS upgrades the request, sends initial as a status message and then
// streams ticks until the client disconnects or the hub closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial any) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	client := h.subscribe()
	defer h.unsubscribe(client)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(liveMessage{Type: "status", Data: initial}); err != nil {
		return
	}

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case tick, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}
			if err := conn.WriteJSON(liveMessage{Type: "tick", Data: tick}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
