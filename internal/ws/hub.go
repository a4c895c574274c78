// Package ws pushes core signals to connected frontends over WebSocket.
// The channel is broadcast-only; clients never send payloads upstream.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// Client represents one connected signals subscriber. userID is empty
// for anonymous and non-user callers.
type Client struct {
	conn   *websocket.Conn
	userID string
	send   chan Signal
	logger *zap.Logger
}

// Hub manages active signal connections and fans signals out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("signals client connected", zap.String("user_id", c.userID))
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("signals client disconnected", zap.String("user_id", c.userID))
}

// Broadcast sends a signal to every connected client. Slow clients drop
// the signal rather than stalling the hub.
func (h *Hub) Broadcast(sig Signal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- sig:
		default:
			h.logger.Warn("client send buffer full, dropping signal",
				zap.String("user_id", c.userID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump sends signals from the client's send channel to the socket.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-c.send:
			if !ok {
				// Channel closed by hub (unregister).
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := wsjson.Write(writeCtx, c.conn, sig); err != nil {
				cancel()
				c.logger.Debug("signals write error", zap.Error(err))
				return
			}
			cancel()
		}
	}
}

// readPump drains the socket to detect client disconnect. Clients are
// not expected to send anything.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}
