package mocks

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/models"
	"dm-service/internal/ratelimit"
	"dm-service/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	args := m.Called(ctx, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListConversationMessages(ctx context.Context, userA, userB string, page models.Page) ([]models.Message, error) {
	args := m.Called(ctx, userA, userB, page)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, readerID, senderID string) (int64, error) {
	args := m.Called(ctx, readerID, senderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageRepositoryMock) CountSentSince(ctx context.Context, senderID, receiverID string, since time.Time) (int, error) {
	args := m.Called(ctx, senderID, receiverID, since)
	return args.Int(0), args.Error(1)
}

func (m *MessageRepositoryMock) ListConversationSummaries(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) UnreadCount(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type StickerRepositoryMock struct {
	mock.Mock
}

func (m *StickerRepositoryMock) CreateSticker(ctx context.Context, ownerID, imageURL, name string) (models.Sticker, error) {
	args := m.Called(ctx, ownerID, imageURL, name)
	var sticker models.Sticker
	if val := args.Get(0); val != nil {
		sticker = val.(models.Sticker)
	}
	return sticker, args.Error(1)
}

func (m *StickerRepositoryMock) GetSticker(ctx context.Context, stickerID string) (models.Sticker, error) {
	args := m.Called(ctx, stickerID)
	var sticker models.Sticker
	if val := args.Get(0); val != nil {
		sticker = val.(models.Sticker)
	}
	return sticker, args.Error(1)
}

func (m *StickerRepositoryMock) ListStickers(ctx context.Context, ownerID string) ([]models.Sticker, error) {
	args := m.Called(ctx, ownerID)
	var list []models.Sticker
	if val := args.Get(0); val != nil {
		list = val.([]models.Sticker)
	}
	return list, args.Error(1)
}

func (m *StickerRepositoryMock) DeleteSticker(ctx context.Context, stickerID, ownerID string) error {
	args := m.Called(ctx, stickerID, ownerID)
	return args.Error(0)
}

type ProfileRepositoryMock struct {
	mock.Mock
}

func (m *ProfileRepositoryMock) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	args := m.Called(ctx, userID)
	var p models.Profile
	if val := args.Get(0); val != nil {
		p = val.(models.Profile)
	}
	return p, args.Error(1)
}

func (m *ProfileRepositoryMock) BulkProfiles(ctx context.Context, userIDs []string) ([]models.Profile, error) {
	args := m.Called(ctx, userIDs)
	var list []models.Profile
	if val := args.Get(0); val != nil {
		list = val.([]models.Profile)
	}
	return list, args.Error(1)
}

type LimiterMock struct {
	mock.Mock
}

func (m *LimiterMock) Check(ctx context.Context, senderID, receiverID string) (ratelimit.Decision, error) {
	args := m.Called(ctx, senderID, receiverID)
	var d ratelimit.Decision
	if val := args.Get(0); val != nil {
		d = val.(ratelimit.Decision)
	}
	return d, args.Error(1)
}

type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) UploadImage(ctx context.Context, ownerID string, body io.Reader) (string, error) {
	args := m.Called(ctx, ownerID, body)
	return args.String(0), args.Error(1)
}

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) Notify(ctx context.Context, event models.ChatEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

var (
	_ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
	_ repositories.StickerRepository = (*StickerRepositoryMock)(nil)
	_ repositories.ProfileRepository = (*ProfileRepositoryMock)(nil)
	_ ratelimit.Limiter              = (*LimiterMock)(nil)
)
