// Package ws implements the WebSocket status stream for dashboards.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/squire/internal/config"
)

const writeTimeout = 5 * time.Second

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SnapshotFunc produces the payload of a "snapshot" message.
type SnapshotFunc func(ctx context.Context) (any, error)

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// Hub manages all active WebSocket connections. Each connection receives a
// snapshot on connect and periodically afterwards, a keepalive on its own
// cadence, and every event passed to Broadcast.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}

	snapshot          SnapshotFunc
	snapshotInterval  time.Duration
	keepaliveInterval time.Duration
}

// NewHub creates a new WebSocket hub. snapshot may be nil, in which case no
// snapshots are sent.
func NewHub(snapshot SnapshotFunc, cfg config.Stream) *Hub {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 2 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	return &Hub{
		conns:             make(map[*conn]struct{}),
		snapshot:          snapshot,
		snapshotInterval:  cfg.SnapshotInterval,
		keepaliveInterval: cfg.KeepaliveInterval,
	}
}

// HandleWS upgrades the connection and streams to it until the client
// disconnects or the request context ends.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	// Clients only listen; CloseRead answers pings and notices the close.
	ctx, cancel := context.WithCancel(ws.CloseRead(r.Context()))
	c := &conn{ws: ws, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("websocket connected", "remote", r.RemoteAddr)

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()
	h.stream(ctx, c)
}

// stream sends snapshots and keepalives to c until ctx ends.
func (h *Hub) stream(ctx context.Context, c *conn) {
	if !h.sendSnapshot(ctx, c) {
		return
	}

	snap := time.NewTicker(h.snapshotInterval)
	defer snap.Stop()
	keepalive := time.NewTicker(h.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snap.C:
			if !h.sendSnapshot(ctx, c) {
				return
			}
		case <-keepalive.C:
			if err := h.write(ctx, c, Message{Type: EventKeepalive}); err != nil {
				return
			}
		}
	}
}

func (h *Hub) sendSnapshot(ctx context.Context, c *conn) bool {
	if h.snapshot == nil {
		return true
	}
	payload, err := h.snapshot(ctx)
	if err != nil {
		// A failed read skips this tick; the stream stays open.
		slog.Warn("status snapshot failed", "error", err)
		return true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal status snapshot", "error", err)
		return true
	}
	return h.write(ctx, c, Message{Type: EventSnapshot, Payload: data}) == nil
}

func (h *Hub) write(ctx context.Context, c *conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("websocket write failed", "type", msg.Type, "error", err)
		return err
	}
	return nil
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.write(ctx, c, msg); err != nil {
			h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
