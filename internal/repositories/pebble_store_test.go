package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/models"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...PebbleOption) *PebbleStore {
	t.Helper()
	store, err := OpenPebble("test", &pebble.Options{FS: vfs.NewMem()}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func send(t *testing.T, store *PebbleStore, from, to, content string) models.Message {
	t.Helper()
	msg, err := store.CreateMessage(context.Background(), models.NewMessage{
		SenderID:    from,
		ReceiverID:  to,
		Content:     content,
		ContentType: models.ContentTypeText,
	})
	require.NoError(t, err)
	return msg
}

func TestPebbleCreateAndGetMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg := send(t, store, "alice", "bob", "hi")
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.IsRead)
	assert.False(t, msg.CreatedAt.IsZero())

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hi", got.Content)
	assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))

	_, err = store.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestPebbleHistoryIsSymmetricAndOrdered(t *testing.T) {
	clock := &fixedClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	first := send(t, store, "alice", "bob", "one")
	// same wall clock still yields a strictly later timestamp
	second := send(t, store, "bob", "alice", "two")
	clock.Advance(time.Second)
	third := send(t, store, "alice", "bob", "three")
	send(t, store, "alice", "carol", "elsewhere")

	fromAlice, err := store.ListConversationMessages(ctx, "alice", "bob", models.Page{})
	require.NoError(t, err)
	fromBob, err := store.ListConversationMessages(ctx, "bob", "alice", models.Page{})
	require.NoError(t, err)

	require.Len(t, fromAlice, 3)
	assert.Equal(t, fromAlice, fromBob)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, ids(fromAlice))
	assert.True(t, second.CreatedAt.After(first.CreatedAt))
}

func TestPebbleHistoryPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var all []string
	for i := 0; i < 5; i++ {
		all = append(all, send(t, store, "alice", "bob", "m").ID)
	}

	newest, err := store.ListConversationMessages(ctx, "alice", "bob", models.Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, all[3:], ids(newest))

	older, err := store.ListConversationMessages(ctx, "alice", "bob", models.Page{Limit: 2, Before: newest[0].ID})
	require.NoError(t, err)
	assert.Equal(t, all[1:3], ids(older))

	oldest, err := store.ListConversationMessages(ctx, "alice", "bob", models.Page{Limit: 2, Before: older[0].ID})
	require.NoError(t, err)
	assert.Equal(t, all[:1], ids(oldest))

	other := send(t, store, "alice", "carol", "x")
	_, err = store.ListConversationMessages(ctx, "alice", "bob", models.Page{Before: other.ID})
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestPebbleMarkReadOnlyTouchesOneDirection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	send(t, store, "alice", "bob", "a1")
	send(t, store, "alice", "bob", "a2")
	fromBob := send(t, store, "bob", "alice", "b1")
	send(t, store, "carol", "bob", "c1")

	n, err := store.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	changed, err := store.MarkRead(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	changed, err = store.MarkRead(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), changed)

	n, err = store.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := store.ListConversationMessages(ctx, "alice", "bob", models.Page{})
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID == fromBob.ID {
			assert.False(t, m.IsRead, "bob's own message must stay unread")
			continue
		}
		assert.True(t, m.IsRead)
	}
}

func TestPebbleConversationSummaries(t *testing.T) {
	clock := &fixedClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	send(t, store, "bob", "alice", "hey alice")
	clock.Advance(time.Minute)
	send(t, store, "carol", "alice", "from carol")
	send(t, store, "carol", "alice", "again")
	clock.Advance(time.Minute)
	send(t, store, "alice", "bob", "latest to bob")

	summaries, err := store.ListConversationSummaries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, "bob", summaries[0].PartnerID)
	assert.Equal(t, "latest to bob", summaries[0].LastMessage)
	assert.Equal(t, 1, summaries[0].UnreadCount)

	assert.Equal(t, "carol", summaries[1].PartnerID)
	assert.Equal(t, "again", summaries[1].LastMessage)
	assert.Equal(t, 2, summaries[1].UnreadCount)

	_, err = store.MarkRead(ctx, "alice", "carol")
	require.NoError(t, err)
	summaries, err = store.ListConversationSummaries(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, summaries[1].UnreadCount)

	empty, err := store.ListConversationSummaries(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPebbleCountSentSinceIsDirectional(t *testing.T) {
	clock := &fixedClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	send(t, store, "alice", "bob", "old")
	clock.Advance(30 * time.Second)
	since := clock.Now()
	send(t, store, "alice", "bob", "new1")
	send(t, store, "alice", "bob", "new2")
	send(t, store, "bob", "alice", "reply")

	n, err := store.CountSentSince(ctx, "alice", "bob", since)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.CountSentSince(ctx, "bob", "alice", since)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountSentSince(ctx, "alice", "bob", since.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPebbleStickers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateSticker(ctx, "alice", "http://cdn/a.png", "wave")
	require.NoError(t, err)
	second, err := store.CreateSticker(ctx, "alice", "http://cdn/b.png", "")
	require.NoError(t, err)
	_, err = store.CreateSticker(ctx, "bob", "http://cdn/c.png", "cut")
	require.NoError(t, err)

	list, err := store.ListStickers(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	assert.ErrorIs(t, store.DeleteSticker(ctx, first.ID, "bob"), ErrStickerNotFound)
	require.NoError(t, store.DeleteSticker(ctx, first.ID, "alice"))

	_, err = store.GetSticker(ctx, first.ID)
	assert.ErrorIs(t, err, ErrStickerNotFound)
	list, err = store.ListStickers(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPebbleProfiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveProfile(ctx, models.Profile{ID: "alice", DisplayName: "Alice", Role: "director"}))

	p, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)

	_, err = store.GetProfile(ctx, "ghost")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	profiles, err := store.BulkProfiles(ctx, []string{"alice", "ghost"})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "alice", profiles[0].ID)
}

func TestPebbleConcurrentSendsKeepOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "alice", "bob"
			if i%2 == 0 {
				from, to = to, from
			}
			_, err := store.CreateMessage(ctx, models.NewMessage{SenderID: from, ReceiverID: to, Content: "x", ContentType: models.ContentTypeText})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := store.ListConversationMessages(ctx, "alice", "bob", models.Page{})
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestPebbleHistoryRejectsForeignCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	send(t, store, "alice", "bob", "hi")
	other := send(t, store, "alice", "carol", "elsewhere")

	_, err := store.ListConversationMessages(ctx, "bob", "alice", models.Page{Limit: 10, Before: other.ID})
	assert.ErrorIs(t, err, ErrMessageNotFound)

	msgs, err := store.ListConversationMessages(ctx, "carol", "alice", models.Page{Limit: 10, Before: other.ID})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
