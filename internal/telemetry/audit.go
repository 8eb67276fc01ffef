package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// AuditEmitter publishes audit_log envelopes. A nil emitter is a no-op.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         zerolog.Logger
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level  string            `json:"level"`
	Action string            `json:"action"`
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
}

// AuditEvent is one auditable action.
type AuditEvent struct {
	Level     string
	Action    string
	Text      string
	RequestID string
	UserID    string
	Fields    map[string]string
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log zerolog.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         log.With().Str("component", "audit").Logger(),
		now:         time.Now,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, event AuditEvent) {
	if e == nil || e.publisher == nil {
		return
	}

	level := event.Level
	if level == "" {
		level = "info"
	}
	var userID *string
	if event.UserID != "" {
		id := event.UserID
		userID = &id
	}

	e.log.Debug().
		Str("action", event.Action).
		Str("request_id", event.RequestID).
		Str("user_id", event.UserID).
		Msg(event.Text)

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     event.RequestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level:  level,
			Action: event.Action,
			Text:   event.Text,
			Fields: event.Fields,
		},
	}

	headers := map[string]string{}
	if event.RequestID != "" {
		headers["x-request-id"] = event.RequestID
	}
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, headers); err != nil {
		e.log.Warn().Err(err).Str("action", event.Action).Msg("audit publish failed")
	}
}
