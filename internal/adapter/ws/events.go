package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/squire/internal/port/broadcast"
)

// Message types sent by the hub itself. Task events reuse their own type
// ("task.created", "task.status", "task.deleted").
const (
	EventSnapshot  = "snapshot"
	EventKeepalive = "keepalive"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

// BroadcastEvent marshals payload and broadcasts it under eventType.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(context.WithoutCancel(ctx), Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
