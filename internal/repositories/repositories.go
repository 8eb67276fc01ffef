package repositories

import (
	"context"
	"errors"
	"time"

	"dm-service/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrStickerNotFound = errors.New("sticker not found")
	ErrProfileNotFound = errors.New("profile not found")
)

// MessageRepository is the append-only store of direct messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	// ListConversationMessages returns up to page.Limit of the newest messages
	// exchanged between the two users, ascending by creation time.
	ListConversationMessages(ctx context.Context, userA, userB string, page models.Page) ([]models.Message, error)
	// MarkRead flips is_read on every unread message senderID sent readerID and
	// returns how many rows changed.
	MarkRead(ctx context.Context, readerID, senderID string) (int64, error)
	CountSentSince(ctx context.Context, senderID, receiverID string, since time.Time) (int, error)
	ListConversationSummaries(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// StickerRepository stores user-owned stickers.
type StickerRepository interface {
	CreateSticker(ctx context.Context, ownerID, imageURL, name string) (models.Sticker, error)
	GetSticker(ctx context.Context, stickerID string) (models.Sticker, error)
	ListStickers(ctx context.Context, ownerID string) ([]models.Sticker, error)
	DeleteSticker(ctx context.Context, stickerID, ownerID string) error
}

// ProfileRepository is a read-only view of user profiles.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	BulkProfiles(ctx context.Context, userIDs []string) ([]models.Profile, error)
}
