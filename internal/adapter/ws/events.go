package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// WorkflowEvent marshals a typed workflow event and broadcasts it. It is the
// engine's event sink.
func (h *Hub) WorkflowEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
