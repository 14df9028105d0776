package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/identity"
)

// Conns tracks the active dialogue connection per identity. It doubles as
// the delivery channel for best-effort notifications.
type Conns struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConns creates an empty connection registry.
func NewConns() *Conns {
	return &Conns{active: make(map[string]*websocket.Conn)}
}

// Register adds the connection for an identity, closing any previous one.
func (c *Conns) Register(identityKey string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, exists := c.active[identityKey]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	c.active[identityKey] = conn
	slog.Info("dialogue connection registered", "identity_key", identityKey)
}

// Unregister removes the connection if it is still the active one.
func (c *Conns) Unregister(identityKey string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, exists := c.active[identityKey]; exists && current == conn {
		delete(c.active, identityKey)
		slog.Info("dialogue connection unregistered", "identity_key", identityKey)
	}
}

// Get returns the identity's active connection, or nil.
func (c *Conns) Get(identityKey string) *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active[identityKey]
}

// Notify implements notify.Notifier by pushing an info frame over the
// identity's active connection.
func (c *Conns) Notify(ctx context.Context, identityKey, message string) error {
	conn := c.Get(identityKey)
	if conn == nil {
		return fmt.Errorf("identity %s has no active connection", identityKey)
	}

	frame, err := json.Marshal(Reply{Type: "notice", Text: message})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write notice to %s: %w", identityKey, err)
	}
	return nil
}

// inboundFrame is one client message on the dialogue channel.
type inboundFrame struct {
	Type string `json:"type"` // start, input, cancel, reset
	Text string `json:"text,omitempty"`
}

// WebSocketHandler serves the interactive dialogue channel.
type WebSocketHandler struct {
	engine *Engine
	conns  *Conns
}

// NewWebSocketHandler creates the dialogue websocket handler.
func NewWebSocketHandler(engine *Engine, conns *Conns) *WebSocketHandler {
	return &WebSocketHandler{engine: engine, conns: conns}
}

// ServeHTTP upgrades the connection and runs the dialogue read loop. Frames
// are handled strictly in order, so turns for one identity never interleave.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id == nil {
		http.Error(w, "identity not established", http.StatusInternalServerError)
		return
	}
	slog.Info("dialogue connection request", "identity_key", id.Key, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "identity_key", id.Key)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "dialogue ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "identity_key", id.Key)
		}
	}()

	h.conns.Register(id.Key, ws)
	defer h.conns.Unregister(id.Key, ws)

	ctx := r.Context()
	for {
		var frame inboundFrame
		if err := readJSON(ctx, ws, &frame); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return
			}
			slog.Debug("dialogue read failed", "error", err, "identity_key", id.Key)
			return
		}

		replies, err := h.dispatch(ctx, id, frame)
		if err != nil {
			replies = []Reply{errorReply(err)}
		}
		for _, reply := range replies {
			if err := writeJSON(ctx, ws, reply); err != nil {
				slog.Debug("dialogue write failed", "error", err, "identity_key", id.Key)
				return
			}
		}
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, id *domain.Identity, frame inboundFrame) ([]Reply, error) {
	switch frame.Type {
	case "start":
		return h.engine.Start(ctx, id)
	case "input":
		return h.engine.Input(ctx, id, frame.Text)
	case "cancel":
		return h.engine.Cancel(id), nil
	case "reset":
		return h.engine.ResetMemory(id), nil
	default:
		return []Reply{{Type: "error", Text: "unknown frame type: " + frame.Type}}, nil
	}
}

func errorReply(err error) Reply {
	switch {
	case errors.Is(err, domain.ErrAccessDenied):
		return Reply{Type: "error", Text: "Access denied. Ask the administrator for an access token."}
	case errors.Is(err, domain.ErrQuotaExceeded):
		return Reply{Type: "error", Text: err.Error()}
	default:
		return Reply{Type: "error", Text: "Something went wrong. Please try again."}
	}
}

func readJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	_, data, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
