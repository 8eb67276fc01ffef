package handlers

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/models"
	"dm-service/internal/service"
)

type messagingServiceMock struct {
	mock.Mock
}

func (m *messagingServiceMock) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var out []models.Conversation
	if val := args.Get(0); val != nil {
		out = val.([]models.Conversation)
	}
	return out, args.Error(1)
}

func (m *messagingServiceMock) History(ctx context.Context, userID, partnerID string, page models.Page) (service.History, error) {
	args := m.Called(ctx, userID, partnerID, page)
	var out service.History
	if val := args.Get(0); val != nil {
		out = val.(service.History)
	}
	return out, args.Error(1)
}

func (m *messagingServiceMock) Send(ctx context.Context, senderID string, in service.SendInput) (models.Message, error) {
	args := m.Called(ctx, senderID, in)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *messagingServiceMock) MarkRead(ctx context.Context, readerID, senderID string) (int64, error) {
	args := m.Called(ctx, readerID, senderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *messagingServiceMock) UnreadCount(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *messagingServiceMock) Profile(ctx context.Context, userID string) (models.Profile, error) {
	args := m.Called(ctx, userID)
	var out models.Profile
	if val := args.Get(0); val != nil {
		out = val.(models.Profile)
	}
	return out, args.Error(1)
}

func (m *messagingServiceMock) SendImage(ctx context.Context, senderID, receiverID string, body io.Reader) (models.Message, error) {
	args := m.Called(ctx, senderID, receiverID, body)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *messagingServiceMock) CreateSticker(ctx context.Context, ownerID, name string, body io.Reader) (models.Sticker, error) {
	args := m.Called(ctx, ownerID, name, body)
	var out models.Sticker
	if val := args.Get(0); val != nil {
		out = val.(models.Sticker)
	}
	return out, args.Error(1)
}

func (m *messagingServiceMock) ListStickers(ctx context.Context, ownerID string) ([]models.Sticker, error) {
	args := m.Called(ctx, ownerID)
	var out []models.Sticker
	if val := args.Get(0); val != nil {
		out = val.([]models.Sticker)
	}
	return out, args.Error(1)
}

func (m *messagingServiceMock) DeleteSticker(ctx context.Context, ownerID, stickerID string) error {
	args := m.Called(ctx, ownerID, stickerID)
	return args.Error(0)
}

func (m *messagingServiceMock) SendSticker(ctx context.Context, senderID, receiverID, stickerID string) (models.Message, error) {
	args := m.Called(ctx, senderID, receiverID, stickerID)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}
