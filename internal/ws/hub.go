package ws

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"dm-service/internal/models"
	"dm-service/internal/observability"
)

// Filter selects which chat events a subscriber receives. With a
// CounterpartID it covers one conversation in both directions; without one
// it covers every message addressed to SelfID.
type Filter struct {
	SelfID        string
	CounterpartID string
}

// Scoped reports whether the filter is bound to a single conversation.
func (f Filter) Scoped() bool {
	return f.CounterpartID != ""
}

// Matches reports whether event should be delivered under this filter.
func (f Filter) Matches(event models.ChatEvent) bool {
	switch event.Type {
	case models.EventTypeMessage:
		m := event.Message
		if m == nil {
			return false
		}
		if f.Scoped() {
			return f.isPair(m.SenderID, m.ReceiverID)
		}
		return m.ReceiverID == f.SelfID
	case models.EventTypeRead:
		r := event.Receipt
		if r == nil {
			return false
		}
		if f.Scoped() {
			return f.isPair(r.ReaderID, r.SenderID)
		}
		return r.ReaderID == f.SelfID
	}
	return false
}

func (f Filter) isPair(a, b string) bool {
	return (a == f.SelfID && b == f.CounterpartID) || (a == f.CounterpartID && b == f.SelfID)
}

type subscription struct {
	filter Filter
	fn     func(models.ChatEvent)

	mu     sync.Mutex
	closed bool
}

func (s *subscription) deliver(event models.ChatEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.fn(event)
	return true
}

// Hub fans chat events out to in-process subscribers.
type Hub struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]*subscription
	log  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[uint64]*subscription),
		log:  log.With().Str("component", "hub").Logger(),
	}
}

// Subscribe registers fn for events matching filter. The returned function
// unsubscribes; once it returns fn is never called again. It waits for an
// in-flight delivery, so fn must not call it.
func (h *Hub) Subscribe(filter Filter, fn func(models.ChatEvent)) func() {
	sub := &subscription{filter: filter, fn: fn}

	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()

			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
		})
	}
}

// Publish delivers event to every matching subscriber and returns how many
// received it. Callbacks run on the caller's goroutine outside the hub lock.
func (h *Hub) Publish(event models.ChatEvent) int {
	h.mu.RLock()
	matched := make([]*subscription, 0, 4)
	for _, sub := range h.subs {
		if sub.filter.Matches(event) {
			matched = append(matched, sub)
		}
	}
	h.mu.RUnlock()

	scoped, unscoped := 0, 0
	for _, sub := range matched {
		if !sub.deliver(event) {
			continue
		}
		if sub.filter.Scoped() {
			scoped++
		} else {
			unscoped++
		}
	}
	observability.AddFanoutDeliveries("scoped", scoped)
	observability.AddFanoutDeliveries("unscoped", unscoped)

	h.log.Debug().
		Str("type", event.Type).
		Int("delivered", scoped+unscoped).
		Msg("fan-out")
	return scoped + unscoped
}

// Notify lets the hub serve as the service's notifier on a single instance.
func (h *Hub) Notify(_ context.Context, event models.ChatEvent) error {
	h.Publish(event)
	return nil
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
