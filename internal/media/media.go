// Package media uploads chat images and stickers and hands back a public URL.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrTooLarge        = errors.New("file exceeds the upload size limit")
	ErrUnsupportedType = errors.New("only jpeg, png, gif and webp images are accepted")
	ErrEmpty           = errors.New("file is empty")
)

var allowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Storage is a blob backend addressed by key.
type Storage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PublicURL(key string) string
}

// Uploader stores an image owned by a user and returns where it can be fetched.
type Uploader interface {
	UploadImage(ctx context.Context, ownerID string, body io.Reader) (string, error)
}

// ImageUploader validates image uploads before writing them to Storage.
type ImageUploader struct {
	storage  Storage
	maxBytes int64
	log      zerolog.Logger
}

func NewImageUploader(storage Storage, maxBytes int64, log zerolog.Logger) *ImageUploader {
	return &ImageUploader{
		storage:  storage,
		maxBytes: maxBytes,
		log:      log.With().Str("component", "media").Logger(),
	}
}

// UploadImage reads at most maxBytes, sniffs the type from content rather than
// trusting the client, and stores the file under ownerID/.
func (u *ImageUploader) UploadImage(ctx context.Context, ownerID string, body io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(body, u.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if int64(len(data)) > u.maxBytes {
		return "", ErrTooLarge
	}

	mtype := mimetype.Detect(data)
	if !mimetype.EqualsAny(mtype.String(), allowedTypes...) {
		u.log.Debug().Str("owner_id", ownerID).Str("mime", mtype.String()).Msg("rejected upload")
		return "", ErrUnsupportedType
	}

	key := fmt.Sprintf("%s/%s%s", ownerID, uuid.NewString(), mtype.Extension())
	if err := u.storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mtype.String()); err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}

	u.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("image uploaded")
	return u.storage.PublicURL(key), nil
}

// IsRejected reports whether err is a content problem rather than a storage failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrTooLarge) || errors.Is(err, ErrUnsupportedType) || errors.Is(err, ErrEmpty)
}
