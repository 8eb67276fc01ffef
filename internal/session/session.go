// Package session holds client-side messaging state: the open chat panel,
// the inbox list and the unread badge.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dm-service/internal/models"
	"dm-service/internal/service"
)

const (
	tempIDPrefix    = "temp-"
	markReadTimeout = 10 * time.Second
)

var (
	ErrNotReady    = errors.New("session is not ready")
	ErrAlreadyOpen = errors.New("session is already open")
	ErrUnknownTemp = errors.New("no pending message with that id")
)

// Backend is what a chat panel needs from the messaging service.
type Backend interface {
	History(ctx context.Context, userID, partnerID string, page models.Page) (service.History, error)
	Send(ctx context.Context, senderID string, in service.SendInput) (models.Message, error)
	MarkRead(ctx context.Context, readerID, senderID string) (int64, error)
	Profile(ctx context.Context, userID string) (models.Profile, error)
	Subscribe(selfID, counterpartID string, fn func(models.ChatEvent)) func()
}

type State int

const (
	StateClosed State = iota
	StateLoadingHistory
	StateReady
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateLoadingHistory:
		return "loading_history"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// PendingMessage is an optimistic placeholder for a send in flight.
type PendingMessage struct {
	TempID    string
	Draft     service.SendInput
	CreatedAt time.Time
	Failed    bool
	Err       error
}

// Entry is one row of the rendered list: exactly one of Pending or Confirmed is set.
type Entry struct {
	Pending   *PendingMessage
	Confirmed *models.Message
}

func (e Entry) ID() string {
	if e.Confirmed != nil {
		return e.Confirmed.ID
	}
	return e.Pending.TempID
}

// ViewState is transient panel state that never reaches the backend.
type ViewState struct {
	QuickReplies     []string
	StickerPanelOpen bool
}

type Option func(*Session)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithOnChange registers a hook invoked after every visible change. It runs
// without the session lock held.
func WithOnChange(fn func()) Option {
	return func(s *Session) { s.onChange = fn }
}

// Session is the state of one open conversation panel.
type Session struct {
	backend   Backend
	selfID    string
	partnerID string
	log       zerolog.Logger
	now       func() time.Time
	onChange  func()

	mu          sync.Mutex
	state       State
	gen         uint64
	confirmed   []models.Message
	known       map[string]struct{}
	pending     []*PendingMessage
	partner     models.Profile
	hasMore     bool
	view        ViewState
	unsubscribe func()

	markReads sync.WaitGroup
}

func New(backend Backend, selfID, partnerID string, opts ...Option) *Session {
	s := &Session{
		backend:   backend,
		selfID:    selfID,
		partnerID: partnerID,
		log:       zerolog.Nop(),
		now:       time.Now,
		known:     map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "chat_session").Str("partner_id", partnerID).Logger()
	return s
}

// Open loads the counterpart profile and history, subscribes to the pair and
// marks the counterpart's messages read. On a history failure the session
// returns to closed and Open may be retried.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.state = StateLoadingHistory
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	s.changed()

	// subscribe before fetching so nothing sent meanwhile is missed;
	// duplicates are dropped by id
	unsubscribe := s.backend.Subscribe(s.selfID, s.partnerID, func(ev models.ChatEvent) {
		s.handleEvent(gen, ev)
	})

	profile, err := s.backend.Profile(ctx, s.partnerID)
	if err != nil && !errors.Is(err, service.ErrNotFound) {
		s.log.Warn().Err(err).Msg("load partner profile")
	}

	history, err := s.backend.History(ctx, s.selfID, s.partnerID, models.Page{})
	if err != nil {
		unsubscribe()
		s.mu.Lock()
		if s.gen == gen {
			s.reset()
		}
		s.mu.Unlock()
		s.changed()
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		unsubscribe()
		return ErrNotReady
	}
	s.partner = profile
	s.hasMore = history.HasMore
	for _, m := range history.Messages {
		s.insertConfirmed(m)
	}
	s.unsubscribe = unsubscribe
	s.state = StateReady
	s.mu.Unlock()
	s.changed()

	if _, err := s.backend.MarkRead(ctx, s.selfID, s.partnerID); err != nil {
		s.log.Warn().Err(err).Msg("mark read on open")
	}
	return nil
}

// Close unsubscribes and drops all state. After it returns no callback
// mutates the session. It must not be called from inside a realtime callback.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	unsubscribe := s.unsubscribe
	s.gen++
	s.reset()
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.markReads.Wait()
	s.changed()
}

func (s *Session) reset() {
	s.state = StateClosed
	s.confirmed = nil
	s.known = map[string]struct{}{}
	s.pending = nil
	s.partner = models.Profile{}
	s.hasMore = false
	s.view = ViewState{}
	s.unsubscribe = nil
}

// Send shows a placeholder immediately, then blocks on the backend. On
// success the placeholder is replaced by the stored message; on failure it
// stays, flagged Failed, until Discard or Retry.
func (s *Session) Send(ctx context.Context, draft service.SendInput) (models.Message, error) {
	draft.ReceiverID = s.partnerID

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return models.Message{}, ErrNotReady
	}
	p := &PendingMessage{
		TempID:    tempIDPrefix + uuid.NewString(),
		Draft:     draft,
		CreatedAt: s.now(),
	}
	s.pending = append(s.pending, p)
	gen := s.gen
	s.mu.Unlock()
	s.changed()

	return s.deliver(ctx, gen, p)
}

func (s *Session) deliver(ctx context.Context, gen uint64, p *PendingMessage) (models.Message, error) {
	msg, err := s.backend.Send(ctx, s.selfID, p.Draft)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return msg, err
	}
	if err != nil {
		p.Failed = true
		p.Err = err
		s.mu.Unlock()
		s.changed()
		return models.Message{}, err
	}
	s.removePending(p.TempID)
	// realtime may have delivered the stored copy first
	s.insertConfirmed(msg)
	s.mu.Unlock()
	s.changed()
	return msg, nil
}

// Retry resends a failed placeholder under the same temp id.
func (s *Session) Retry(ctx context.Context, tempID string) (models.Message, error) {
	s.mu.Lock()
	p := s.findPending(tempID)
	if p == nil || !p.Failed {
		s.mu.Unlock()
		return models.Message{}, ErrUnknownTemp
	}
	p.Failed = false
	p.Err = nil
	gen := s.gen
	s.mu.Unlock()
	s.changed()

	return s.deliver(ctx, gen, p)
}

// Discard drops a placeholder and returns its draft so the composer can be refilled.
func (s *Session) Discard(tempID string) (service.SendInput, bool) {
	s.mu.Lock()
	p := s.findPending(tempID)
	if p == nil {
		s.mu.Unlock()
		return service.SendInput{}, false
	}
	s.removePending(tempID)
	s.mu.Unlock()
	s.changed()
	return p.Draft, true
}

// LoadOlder fetches the page before the oldest loaded message.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return ErrNotReady
	}
	if !s.hasMore || len(s.confirmed) == 0 {
		s.mu.Unlock()
		return nil
	}
	before := s.confirmed[0].ID
	gen := s.gen
	s.mu.Unlock()

	history, err := s.backend.History(ctx, s.selfID, s.partnerID, models.Page{Before: before})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrNotReady
	}
	s.hasMore = history.HasMore
	for _, m := range history.Messages {
		s.insertConfirmed(m)
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

func (s *Session) handleEvent(gen uint64, ev models.ChatEvent) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	markRead := false
	switch ev.Type {
	case models.EventTypeMessage:
		if ev.Message == nil || !s.insertConfirmed(*ev.Message) {
			s.mu.Unlock()
			return
		}
		markRead = s.state == StateReady && ev.Message.SenderID == s.partnerID && !ev.Message.IsRead
	case models.EventTypeRead:
		if ev.Receipt == nil {
			s.mu.Unlock()
			return
		}
		for i := range s.confirmed {
			m := &s.confirmed[i]
			if m.SenderID == ev.Receipt.SenderID && m.ReceiverID == ev.Receipt.ReaderID {
				m.IsRead = true
			}
		}
	default:
		s.mu.Unlock()
		return
	}
	if markRead {
		s.markReads.Add(1)
	}
	s.mu.Unlock()
	s.changed()

	if markRead {
		// the backend publishes a read event back into this callback's
		// subscription, so it cannot run on this goroutine
		go func() {
			defer s.markReads.Done()
			ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
			defer cancel()
			if _, err := s.backend.MarkRead(ctx, s.selfID, s.partnerID); err != nil {
				s.log.Warn().Err(err).Msg("mark incoming message read")
			}
		}()
	}
}

// insertConfirmed adds m in (CreatedAt, ID) order unless already present.
func (s *Session) insertConfirmed(m models.Message) bool {
	if _, ok := s.known[m.ID]; ok {
		return false
	}
	i := sort.Search(len(s.confirmed), func(i int) bool {
		c := s.confirmed[i]
		if !c.CreatedAt.Equal(m.CreatedAt) {
			return c.CreatedAt.After(m.CreatedAt)
		}
		return c.ID > m.ID
	})
	s.confirmed = append(s.confirmed, models.Message{})
	copy(s.confirmed[i+1:], s.confirmed[i:])
	s.confirmed[i] = m
	s.known[m.ID] = struct{}{}
	return true
}

func (s *Session) findPending(tempID string) *PendingMessage {
	for _, p := range s.pending {
		if p.TempID == tempID {
			return p
		}
	}
	return nil
}

func (s *Session) removePending(tempID string) {
	for i, p := range s.pending {
		if p.TempID == tempID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// Entries returns a snapshot of the list: stored messages in order, then
// placeholders in send order.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.confirmed)+len(s.pending))
	for i := range s.confirmed {
		m := s.confirmed[i]
		entries = append(entries, Entry{Confirmed: &m})
	}
	for _, p := range s.pending {
		cp := *p
		entries = append(entries, Entry{Pending: &cp})
	}
	return entries
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Partner() models.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partner
}

func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Session) SetQuickReplies(replies []string) {
	s.mu.Lock()
	s.view.QuickReplies = append([]string(nil), replies...)
	s.mu.Unlock()
	s.changed()
}

// ToggleStickerPanel flips the sticker picker and returns the new state.
func (s *Session) ToggleStickerPanel() bool {
	s.mu.Lock()
	s.view.StickerPanelOpen = !s.view.StickerPanelOpen
	open := s.view.StickerPanelOpen
	s.mu.Unlock()
	s.changed()
	return open
}

func (s *Session) View() ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ViewState{
		QuickReplies:     append([]string(nil), s.view.QuickReplies...),
		StickerPanelOpen: s.view.StickerPanelOpen,
	}
}
