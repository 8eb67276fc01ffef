package ws

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dm-service/internal/observability"
)

const wsRoutingKey = "ws_events.dm"

func newConnID() string {
	return uuid.NewString()
}

// publishWSEvent records a connection lifecycle event and ships it to the
// event exchange.
func publishWSEvent(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(info.kind(), event)

	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]any{
		"ws": map[string]any{
			"kind":        info.kind(),
			"partner_id":  info.PartnerID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]any{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
