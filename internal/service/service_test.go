package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/media"
	"dm-service/internal/mocks"
	"dm-service/internal/models"
	"dm-service/internal/ratelimit"
	"dm-service/internal/repositories"
	"dm-service/internal/ws"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc     *MessageService
	store   *repositories.PebbleStore
	hub     *ws.Hub
	clock   *clock
	limiter *ratelimit.SlidingLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := repositories.OpenPebble("svc", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := &clock{t: time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewSlidingLogWithClock(ratelimit.DefaultPolicy(), c.Now)
	hub := ws.NewHub(zerolog.Nop())
	svc := NewMessageService(Deps{
		Messages:   store,
		Stickers:   store,
		Profiles:   store,
		Limiter:    limiter,
		Notifier:   hub,
		Subscriber: hub,
		Log:        zerolog.Nop(),
	}, Options{PageSize: 200, MaxPageSize: 500})
	return &fixture{svc: svc, store: store, hub: hub, clock: c, limiter: limiter}
}

func text(to, content string) SendInput {
	return SendInput{ReceiverID: to, Content: content, ContentType: models.ContentTypeText}
}

func TestSendValidation(t *testing.T) {
	repo := &mocks.MessageRepositoryMock{}
	limiter := &mocks.LimiterMock{}
	svc := NewMessageService(Deps{Messages: repo, Limiter: limiter, Log: zerolog.Nop()}, Options{})

	cases := []struct {
		name   string
		sender string
		in     SendInput
	}{
		{"self message", "u1", text("u1", "hi")},
		{"missing receiver", "u1", text("", "hi")},
		{"empty text", "u1", text("u2", "")},
		{"blank text", "u1", text("u2", "  \n\t")},
		{"image without url", "u1", SendInput{ReceiverID: "u2", ContentType: models.ContentTypeImage}},
		{"sticker without url", "u1", SendInput{ReceiverID: "u2", ContentType: models.ContentTypeSticker, MediaURL: " "}},
		{"unknown type", "u1", SendInput{ReceiverID: "u2", Content: "x", ContentType: "video"}},
		{"too long", "u1", text("u2", string(bytes.Repeat([]byte("a"), maxContentLength+1)))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Send(context.Background(), tc.sender, tc.in)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}

	repo.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
	limiter.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendRateLimitedSkipsStore(t *testing.T) {
	repo := &mocks.MessageRepositoryMock{}
	limiter := &mocks.LimiterMock{}
	limiter.On("Check", mock.Anything, "u1", "u2").Return(ratelimit.Decision{Reason: ratelimit.ShortReason, Window: "short"}, nil)
	svc := NewMessageService(Deps{Messages: repo, Limiter: limiter, Log: zerolog.Nop()}, Options{})

	_, err := svc.Send(context.Background(), "u1", text("u2", "hi"))
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, ratelimit.ShortReason, rl.Reason)

	repo.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
	limiter.AssertExpectations(t)
}

func TestSendStoreFailureIsTransport(t *testing.T) {
	repo := &mocks.MessageRepositoryMock{}
	notifier := &mocks.NotifierMock{}
	repo.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))
	svc := NewMessageService(Deps{Messages: repo, Notifier: notifier, Log: zerolog.Nop()}, Options{})

	_, err := svc.Send(context.Background(), "u1", text("u2", "hi"))
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestSendTimeoutIsTransport(t *testing.T) {
	repo := &mocks.MessageRepositoryMock{}
	repo.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)
	svc := NewMessageService(Deps{Messages: repo, Log: zerolog.Nop()}, Options{Timeout: 20 * time.Millisecond})

	_, err := svc.Send(context.Background(), "u1", text("u2", "hi"))
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendFallbackLabelForMedia(t *testing.T) {
	repo := &mocks.MessageRepositoryMock{}
	repo.On("CreateMessage", mock.Anything, models.NewMessage{
		SenderID:    "u1",
		ReceiverID:  "u2",
		Content:     "[image]",
		ContentType: models.ContentTypeImage,
		MediaURL:    "https://cdn/x.jpg",
	}).Return(models.Message{ID: "m1", ContentType: models.ContentTypeImage}, nil)
	svc := NewMessageService(Deps{Messages: repo, Log: zerolog.Nop()}, Options{})

	_, err := svc.Send(context.Background(), "u1", SendInput{
		ReceiverID:  "u2",
		Content:     "ignored caption",
		ContentType: models.ContentTypeImage,
		MediaURL:    "https://cdn/x.jpg",
	})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestScenarioSendAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent, err := f.svc.Send(ctx, "u1", text("u2", "Hello"))
	require.NoError(t, err)

	page, err := f.svc.History(ctx, "u1", "u2", models.Page{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, sent.ID, page.Messages[0].ID)
	assert.False(t, page.Messages[0].IsRead)
	assert.False(t, page.HasMore)

	n, err := f.svc.UnreadCount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	changed, err := f.svc.MarkRead(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	page, err = f.svc.History(ctx, "u2", "u1", models.Page{})
	require.NoError(t, err)
	assert.True(t, page.Messages[0].IsRead)

	n, err = f.svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = f.svc.UnreadCount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScenarioRateLimitWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Send(ctx, "u1", text("u2", "spam"))
		require.NoError(t, err)
		f.clock.Advance(150 * time.Millisecond)
	}

	_, err := f.svc.Send(ctx, "u1", text("u2", "one more"))
	require.True(t, IsRateLimited(err), "got %v", err)

	_, err = f.svc.Send(ctx, "u2", text("u1", "reply"))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	_, err = f.svc.Send(ctx, "u1", text("u2", "one more"))
	require.NoError(t, err)

	page, err := f.svc.History(ctx, "u1", "u2", models.Page{})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 7)
}

func TestScenarioImageFallbackInInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveProfile(ctx, models.Profile{ID: "u1", DisplayName: "Ana", Role: "Cinematographer"}))

	_, err := f.svc.Send(ctx, "u1", SendInput{ReceiverID: "u2", ContentType: models.ContentTypeImage, MediaURL: "https://cdn/x.jpg"})
	require.NoError(t, err)

	inbox, err := f.svc.ListConversations(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "[image]", inbox[0].LastMessage)
	assert.Equal(t, "Ana", inbox[0].PartnerName)
	assert.Equal(t, "Cinematographer", inbox[0].PartnerRole)
	assert.Equal(t, 1, inbox[0].UnreadCount)
}

func TestListConversationsOrderAndUnknownProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, "bob", text("alice", "first"))
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, "carol", text("alice", "second"))
	require.NoError(t, err)

	inbox, err := f.svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "carol", inbox[0].PartnerID)
	assert.Equal(t, "carol", inbox[0].PartnerName)
	assert.Equal(t, "bob", inbox[1].PartnerID)
}

func TestHistoryPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := f.svc.Send(ctx, "u1", text("u2", "m"))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
		f.clock.Advance(3 * time.Second)
	}

	page, err := f.svc.History(ctx, "u2", "u1", models.Page{Limit: 3})
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, ids[2], page.Messages[0].ID)

	older, err := f.svc.History(ctx, "u2", "u1", models.Page{Limit: 3, Before: page.Messages[0].ID})
	require.NoError(t, err)
	assert.False(t, older.HasMore)
	require.Len(t, older.Messages, 2)
	assert.Equal(t, ids[0], older.Messages[0].ID)

	_, err = f.svc.History(ctx, "u2", "u1", models.Page{Before: "nope"})
	assert.True(t, IsValidation(err))
}

func TestMarkReadNotifiesOnlyOnChange(t *testing.T) {
	repo := &mocks.MessageRepositoryMock{}
	notifier := &mocks.NotifierMock{}
	repo.On("MarkRead", mock.Anything, "u2", "u1").Return(int64(3), nil).Once()
	repo.On("MarkRead", mock.Anything, "u2", "u1").Return(int64(0), nil).Once()
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(ev models.ChatEvent) bool {
		return ev.Type == models.EventTypeRead && ev.Receipt.ReaderID == "u2" && ev.Receipt.SenderID == "u1" && ev.Receipt.Count == 3
	})).Return(nil).Once()
	svc := NewMessageService(Deps{Messages: repo, Notifier: notifier, Log: zerolog.Nop()}, Options{})

	_, err := svc.MarkRead(context.Background(), "u2", "u1")
	require.NoError(t, err)
	_, err = svc.MarkRead(context.Background(), "u2", "u1")
	require.NoError(t, err)

	repo.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestSendFansOutToScopedSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var got []models.ChatEvent
	var mu sync.Mutex
	unsubscribe := f.svc.Subscribe("u2", "u1", func(ev models.ChatEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	sent, err := f.svc.Send(ctx, "u1", text("u2", "hi"))
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, "u3", text("u2", "not this pair"))
	require.NoError(t, err)
	_, err = f.svc.MarkRead(ctx, "u2", "u1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, sent.ID, got[0].Message.ID)
	assert.Equal(t, models.EventTypeRead, got[1].Type)
}

func TestSendImageUploadFailureCreatesNothing(t *testing.T) {
	repo := &mocks.MessageRepositoryMock{}
	uploader := &mocks.UploaderMock{}
	uploader.On("UploadImage", mock.Anything, "u1", mock.Anything).Return("", errors.New("s3 unavailable")).Once()
	uploader.On("UploadImage", mock.Anything, "u1", mock.Anything).Return("", media.ErrUnsupportedType).Once()
	svc := NewMessageService(Deps{Messages: repo, Uploader: uploader, Log: zerolog.Nop()}, Options{})

	_, err := svc.SendImage(context.Background(), "u1", "u2", bytes.NewReader([]byte("x")))
	assert.True(t, IsUpload(err))

	_, err = svc.SendImage(context.Background(), "u1", "u2", bytes.NewReader([]byte("x")))
	assert.True(t, IsValidation(err))

	repo.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestStickerLifecycle(t *testing.T) {
	f := newFixture(t)
	uploader := &mocks.UploaderMock{}
	uploader.On("UploadImage", mock.Anything, "u1", mock.Anything).Return("https://cdn/s/wave.png", nil)
	f.svc.uploader = uploader
	ctx := context.Background()

	sticker, err := f.svc.CreateSticker(ctx, "u1", " wave ", bytes.NewReader([]byte("png")))
	require.NoError(t, err)
	assert.Equal(t, "wave", sticker.Name)

	_, err = f.svc.SendSticker(ctx, "u2", "u1", sticker.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.SendSticker(ctx, "u1", "u2", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	msg, err := f.svc.SendSticker(ctx, "u1", "u2", sticker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeSticker, msg.ContentType)
	assert.Equal(t, "https://cdn/s/wave.png", msg.MediaURL)
	assert.Equal(t, "[sticker] wave", msg.Content)

	unnamed, err := f.svc.CreateSticker(ctx, "u1", "", bytes.NewReader([]byte("png")))
	require.NoError(t, err)
	plain, err := f.svc.SendSticker(ctx, "u1", "u2", unnamed.ID)
	require.NoError(t, err)
	assert.Equal(t, "[sticker]", plain.Content)

	conversations, err := f.svc.ListConversations(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Equal(t, "[sticker]", conversations[0].LastMessage)

	assert.ErrorIs(t, f.svc.DeleteSticker(ctx, "u2", sticker.ID), ErrNotFound)
	require.NoError(t, f.svc.DeleteSticker(ctx, "u1", sticker.ID))

	list, err := f.svc.ListStickers(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/s/wave.png", stored.MediaURL)
}

func TestCreateStickerUploadFailure(t *testing.T) {
	stickers := &mocks.StickerRepositoryMock{}
	uploader := &mocks.UploaderMock{}
	uploader.On("UploadImage", mock.Anything, "u1", mock.Anything).Return("", errors.New("timeout"))
	svc := NewMessageService(Deps{Stickers: stickers, Uploader: uploader, Log: zerolog.Nop()}, Options{})

	_, err := svc.CreateSticker(context.Background(), "u1", "wave", bytes.NewReader([]byte("x")))
	assert.True(t, IsUpload(err))
	stickers.AssertNotCalled(t, "CreateSticker", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProfileNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Profile(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendStoreFailureReleasesRateSlot(t *testing.T) {
	repo := &mocks.MessageRepositoryMock{}
	repo.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("db down")).Once()
	repo.On("CreateMessage", mock.Anything, mock.Anything).Return(models.Message{ID: "m1", ContentType: models.ContentTypeText}, nil)
	c := &clock{t: time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewSlidingLogWithClock(ratelimit.DefaultPolicy(), c.Now)
	svc := NewMessageService(Deps{Messages: repo, Limiter: limiter, Log: zerolog.Nop()}, Options{})
	ctx := context.Background()

	_, err := svc.Send(ctx, "u1", text("u2", "lost"))
	require.True(t, IsTransport(err), "got %v", err)

	for i := 0; i < 5; i++ {
		c.Advance(100 * time.Millisecond)
		_, err := svc.Send(ctx, "u1", text("u2", "kept"))
		require.NoError(t, err, "send %d", i+1)
	}

	_, err = svc.Send(ctx, "u1", text("u2", "one too many"))
	assert.True(t, IsRateLimited(err), "got %v", err)
}

func TestSendImageChecksRateLimitBeforeUpload(t *testing.T) {
	f := newFixture(t)
	uploader := &mocks.UploaderMock{}
	f.svc.uploader = uploader
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Send(ctx, "u1", text("u2", "take"))
		require.NoError(t, err)
		f.clock.Advance(100 * time.Millisecond)
	}

	_, err := f.svc.SendImage(ctx, "u1", "u2", bytes.NewReader([]byte("png")))
	require.True(t, IsRateLimited(err), "got %v", err)
	uploader.AssertNotCalled(t, "UploadImage", mock.Anything, mock.Anything, mock.Anything)

	// a failed upload gives its slot back
	f.clock.Advance(10 * time.Second)
	uploader.On("UploadImage", mock.Anything, "u1", mock.Anything).Return("", errors.New("s3 unavailable")).Once()
	_, err = f.svc.SendImage(ctx, "u1", "u2", bytes.NewReader([]byte("png")))
	require.True(t, IsUpload(err), "got %v", err)

	for i := 0; i < 5; i++ {
		_, err := f.svc.Send(ctx, "u1", text("u2", "again"))
		require.NoError(t, err, "send %d", i+1)
		f.clock.Advance(100 * time.Millisecond)
	}
}

func TestUploadHonoursOperationTimeout(t *testing.T) {
	stickers := &mocks.StickerRepositoryMock{}
	uploader := &mocks.UploaderMock{}
	uploader.On("UploadImage", mock.Anything, "u1", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return("", context.DeadlineExceeded)
	svc := NewMessageService(Deps{Stickers: stickers, Uploader: uploader, Log: zerolog.Nop()}, Options{Timeout: 20 * time.Millisecond})

	_, err := svc.CreateSticker(context.Background(), "u1", "wave", bytes.NewReader([]byte("x")))
	require.True(t, IsUpload(err), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	stickers.AssertNotCalled(t, "CreateSticker", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
