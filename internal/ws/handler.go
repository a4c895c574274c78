package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Authenticator resolves the caller on the upgrade request. Defined
// consumer-side; implemented by the access subsystem.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*plugin.User, error)
}

// Handler serves the signals WebSocket endpoint and forwards plugin
// lifecycle hooks to connected clients.
type Handler struct {
	hub    *Hub
	authn  Authenticator
	bus    plugin.EventBus
	logger *zap.Logger
}

// NewHandler creates the signals handler and subscribes to the plugin
// lifecycle broadcasts.
func NewHandler(authn Authenticator, bus plugin.EventBus, logger *zap.Logger) (*Handler, error) {
	h := &Handler{
		hub:    NewHub(logger),
		authn:  authn,
		bus:    bus,
		logger: logger,
	}
	if err := h.subscribe(); err != nil {
		return nil, err
	}
	return h, nil
}

// Hub exposes the hub for tests and server diagnostics.
func (h *Handler) Hub() *Hub { return h.hub }

// ServeHTTP upgrades the connection. Anonymous callers are allowed; the
// channel carries broadcast-only signals. Only user identities are
// recorded on the connection, service and application callers stay
// anonymous here.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID string
	if h.authn != nil {
		user, err := h.authn.Authenticate(r.Context(), r)
		if err == nil && user != nil && user.Type == plugin.UserTypeUser {
			userID = user.ID
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Session cookies carry the auth; the upgrade itself is open.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		userID: userID,
		send:   make(chan Signal, 256),
		logger: h.logger,
	}

	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until the client disconnects.
	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// subscribe attaches broadcast listeners for the plugin lifecycle hooks.
// Only frontend plugins are interesting to connected UIs; backend churn
// stays off the wire.
func (h *Handler) subscribe() error {
	forward := func(sigType SignalType) plugin.Listener {
		return func(_ context.Context, event plugin.Event) error {
			var p PluginSignalData
			if err := json.Unmarshal(event.Payload, &p); err != nil || p.PluginID == "" {
				return nil
			}
			if !strings.HasSuffix(p.PluginID, "-frontend") {
				return nil
			}
			h.hub.Broadcast(Signal{
				Type:      sigType,
				Timestamp: time.Now().UTC(),
				Data:      p,
			})
			return nil
		}
	}

	if _, err := h.bus.Subscribe("core", plugin.HookPluginInstalled,
		forward(SignalPluginInstalled),
		plugin.SubscribeOptions{Mode: plugin.ModeBroadcast},
	); err != nil {
		return err
	}
	_, err := h.bus.Subscribe("core", plugin.HookPluginDeregistered,
		forward(SignalPluginDeregistered),
		plugin.SubscribeOptions{Mode: plugin.ModeBroadcast},
	)
	return err
}
