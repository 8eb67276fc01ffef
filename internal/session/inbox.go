package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dm-service/internal/models"
)

const refreshTimeout = 10 * time.Second

// InboxBackend is what the conversation list needs from the messaging service.
type InboxBackend interface {
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	Subscribe(selfID, counterpartID string, fn func(models.ChatEvent)) func()
}

// Inbox keeps the conversation list fresh by re-aggregating on open and
// whenever anything addressed to the user happens.
type Inbox struct {
	backend  InboxBackend
	userID   string
	log      zerolog.Logger
	onChange func()

	mu            sync.Mutex
	conversations []models.Conversation
	lastErr       error
	unsubscribe   func()
	stop          chan struct{}
	refresh       chan struct{}
	loop          sync.WaitGroup
}

func NewInbox(backend InboxBackend, userID string, log zerolog.Logger, onChange func()) *Inbox {
	return &Inbox{
		backend:  backend,
		userID:   userID,
		log:      log.With().Str("component", "inbox").Logger(),
		onChange: onChange,
	}
}

// Open loads the list and starts following realtime activity.
func (in *Inbox) Open(ctx context.Context) error {
	in.mu.Lock()
	if in.stop != nil {
		in.mu.Unlock()
		return ErrAlreadyOpen
	}
	stop := make(chan struct{})
	refresh := make(chan struct{}, 1)
	in.stop, in.refresh = stop, refresh
	in.mu.Unlock()

	unsubscribe := in.backend.Subscribe(in.userID, "", func(models.ChatEvent) {
		// coalesce bursts into one pending refresh
		select {
		case refresh <- struct{}{}:
		default:
		}
	})

	in.mu.Lock()
	in.unsubscribe = unsubscribe
	in.mu.Unlock()

	in.loop.Add(1)
	go in.run(stop, refresh)
	return in.Refresh(ctx)
}

func (in *Inbox) run(stop <-chan struct{}, refresh <-chan struct{}) {
	defer in.loop.Done()
	for {
		select {
		case <-stop:
			return
		case <-refresh:
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			if err := in.Refresh(ctx); err != nil {
				in.log.Warn().Err(err).Msg("refresh inbox")
			}
			cancel()
		}
	}
}

// Refresh recomputes the list now. On failure the previous list is kept and
// Err reports the failure.
func (in *Inbox) Refresh(ctx context.Context) error {
	conversations, err := in.backend.ListConversations(ctx, in.userID)

	in.mu.Lock()
	in.lastErr = err
	if err == nil {
		in.conversations = conversations
	}
	in.mu.Unlock()

	if in.onChange != nil {
		in.onChange()
	}
	return err
}

// Close stops following activity and waits for any refresh in progress.
func (in *Inbox) Close() {
	in.mu.Lock()
	stop, unsubscribe := in.stop, in.unsubscribe
	in.stop, in.refresh, in.unsubscribe = nil, nil, nil
	in.mu.Unlock()
	if stop == nil {
		return
	}

	if unsubscribe != nil {
		unsubscribe()
	}
	close(stop)
	in.loop.Wait()
}

func (in *Inbox) Conversations() []models.Conversation {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]models.Conversation(nil), in.conversations...)
}

func (in *Inbox) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastErr
}
