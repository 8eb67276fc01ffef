package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dm-service/internal/media"
	"dm-service/internal/models"
	"dm-service/internal/ratelimit"
	"dm-service/internal/repositories"
	"dm-service/internal/ws"
)

const (
	maxContentLength = 4000
	maxStickerName   = 64
)

// Notifier fans a chat event out to live subscribers.
type Notifier interface {
	Notify(ctx context.Context, event models.ChatEvent) error
}

// Subscriber registers realtime callbacks.
type Subscriber interface {
	Subscribe(filter ws.Filter, fn func(models.ChatEvent)) func()
}

// Deps are the collaborators of MessageService.
type Deps struct {
	Messages   repositories.MessageRepository
	Stickers   repositories.StickerRepository
	Profiles   repositories.ProfileRepository
	Limiter    ratelimit.Limiter
	Uploader   media.Uploader
	Notifier   Notifier
	Subscriber Subscriber
	Log        zerolog.Logger
}

// Options tune paging and timeouts.
type Options struct {
	PageSize    int
	MaxPageSize int
	Timeout     time.Duration
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 200
	}
	if o.MaxPageSize < o.PageSize {
		o.MaxPageSize = o.PageSize
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// MessageService implements direct messaging: sending, history, read state,
// the inbox aggregate and stickers.
type MessageService struct {
	messages   repositories.MessageRepository
	stickers   repositories.StickerRepository
	profiles   repositories.ProfileRepository
	limiter    ratelimit.Limiter
	uploader   media.Uploader
	notifier   Notifier
	subscriber Subscriber
	log        zerolog.Logger
	opts       Options
	tracer     trace.Tracer
}

func NewMessageService(deps Deps, opts Options) *MessageService {
	return &MessageService{
		messages:   deps.Messages,
		stickers:   deps.Stickers,
		profiles:   deps.Profiles,
		limiter:    deps.Limiter,
		uploader:   deps.Uploader,
		notifier:   deps.Notifier,
		subscriber: deps.Subscriber,
		log:        deps.Log.With().Str("component", "message_service").Logger(),
		opts:       opts.withDefaults(),
		tracer:     otel.Tracer("dm-service/service"),
	}
}

// start opens a span and applies the operation timeout.
func (s *MessageService) start(ctx context.Context, op string) (context.Context, func()) {
	ctx, span := s.tracer.Start(ctx, "service."+op)
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	return ctx, func() {
		cancel()
		span.End()
	}
}

func (s *MessageService) notify(ctx context.Context, event models.ChatEvent) {
	if s.notifier == nil {
		return
	}
	// delivery is best effort; clients reconcile by refetching
	if err := s.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		s.log.Warn().Err(err).Str("type", event.Type).Msg("notify failed")
	}
}

func validatePair(selfID, otherID string) error {
	if selfID == "" {
		return invalid("user_id", "is required")
	}
	if otherID == "" {
		return invalid("partner_id", "is required")
	}
	if selfID == otherID {
		return invalid("partner_id", "cannot message yourself")
	}
	return nil
}
