package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"dm-service/internal/media"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

func (s *MessageService) upload(ctx context.Context, ownerID string, body io.Reader) (string, error) {
	if s.uploader == nil {
		return "", &UploadError{Err: errors.New("media uploads are not configured")}
	}
	ctx, done := s.start(ctx, "Upload")
	defer done()

	url, err := s.uploader.UploadImage(ctx, ownerID, body)
	if err != nil {
		if media.IsRejected(err) {
			return "", invalid("file", err.Error())
		}
		s.log.Error().Err(err).Str("owner_id", ownerID).Msg("media upload failed")
		return "", &UploadError{Err: err}
	}
	return url, nil
}

// SendImage uploads an image and sends it as an image message. The rate
// limit is checked before anything is uploaded, and a failed upload creates
// no message.
func (s *MessageService) SendImage(ctx context.Context, senderID, receiverID string, body io.Reader) (models.Message, error) {
	if err := validatePair(senderID, receiverID); err != nil {
		return models.Message{}, err
	}

	ctx, done := s.start(ctx, "SendImage")
	defer done()

	decision, err := s.reserve(ctx, senderID, receiverID)
	if err != nil {
		return models.Message{}, err
	}
	url, err := s.upload(ctx, senderID, body)
	if err != nil {
		decision.Release()
		return models.Message{}, err
	}

	draft, err := SendInput{ReceiverID: receiverID, ContentType: models.ContentTypeImage, MediaURL: url}.normalize()
	if err != nil {
		decision.Release()
		return models.Message{}, err
	}
	draft.SenderID = senderID
	return s.persist(ctx, draft, decision)
}

// CreateSticker uploads the image and saves a sticker owned by ownerID.
func (s *MessageService) CreateSticker(ctx context.Context, ownerID, name string, body io.Reader) (models.Sticker, error) {
	if ownerID == "" {
		return models.Sticker{}, invalid("user_id", "is required")
	}
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxStickerName {
		return models.Sticker{}, invalid("name", "is too long")
	}
	url, err := s.upload(ctx, ownerID, body)
	if err != nil {
		return models.Sticker{}, err
	}

	ctx, done := s.start(ctx, "CreateSticker")
	defer done()

	sticker, err := s.stickers.CreateSticker(ctx, ownerID, url, name)
	if err != nil {
		return models.Sticker{}, transport("create sticker", err)
	}
	return sticker, nil
}

func (s *MessageService) ListStickers(ctx context.Context, ownerID string) ([]models.Sticker, error) {
	ctx, done := s.start(ctx, "ListStickers")
	defer done()

	stickers, err := s.stickers.ListStickers(ctx, ownerID)
	if err != nil {
		return nil, transport("list stickers", err)
	}
	if stickers == nil {
		stickers = []models.Sticker{}
	}
	return stickers, nil
}

// DeleteSticker removes a sticker. Messages that already carry it keep their copy.
func (s *MessageService) DeleteSticker(ctx context.Context, ownerID, stickerID string) error {
	ctx, done := s.start(ctx, "DeleteSticker")
	defer done()

	err := s.stickers.DeleteSticker(ctx, stickerID, ownerID)
	if errors.Is(err, repositories.ErrStickerNotFound) {
		return ErrNotFound
	}
	return transport("delete sticker", err)
}

// SendSticker sends one of the sender's own stickers as a sticker message
// carrying the sticker's image URL and name.
func (s *MessageService) SendSticker(ctx context.Context, senderID, receiverID, stickerID string) (models.Message, error) {
	if err := validatePair(senderID, receiverID); err != nil {
		return models.Message{}, err
	}

	lookupCtx, done := s.start(ctx, "GetSticker")
	sticker, err := s.stickers.GetSticker(lookupCtx, stickerID)
	done()
	if errors.Is(err, repositories.ErrStickerNotFound) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, transport("load sticker", err)
	}
	if sticker.OwnerID != senderID {
		return models.Message{}, ErrForbidden
	}

	return s.Send(ctx, senderID, SendInput{
		ReceiverID:  receiverID,
		Content:     sticker.Name,
		ContentType: models.ContentTypeSticker,
		MediaURL:    sticker.ImageURL,
	})
}
