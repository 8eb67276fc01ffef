package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

// StickerRepo is a sqlx implementation of StickerRepository.
type StickerRepo struct {
	db *sqlx.DB
}

// NewStickerRepo constructs a StickerRepo.
func NewStickerRepo(db *sqlx.DB) *StickerRepo {
	return &StickerRepo{db: db}
}

// CreateSticker persists a sticker whose image has already been uploaded.
func (r *StickerRepo) CreateSticker(ctx context.Context, ownerID, imageURL, name string) (models.Sticker, error) {
	var sticker models.Sticker
	err := r.db.QueryRowxContext(ctx, `INSERT INTO stickers (owner_id, image_url, name) VALUES ($1, $2, $3)
        RETURNING id, owner_id, image_url, name, created_at`, ownerID, imageURL, name).StructScan(&sticker)
	return sticker, err
}

// GetSticker fetches a sticker by id.
func (r *StickerRepo) GetSticker(ctx context.Context, stickerID string) (models.Sticker, error) {
	if _, err := uuid.Parse(stickerID); err != nil {
		return models.Sticker{}, ErrStickerNotFound
	}
	var sticker models.Sticker
	err := r.db.GetContext(ctx, &sticker, `SELECT id, owner_id, image_url, name, created_at FROM stickers WHERE id=$1`, stickerID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Sticker{}, ErrStickerNotFound
	}
	return sticker, err
}

// ListStickers returns the owner's stickers, newest first.
func (r *StickerRepo) ListStickers(ctx context.Context, ownerID string) ([]models.Sticker, error) {
	var stickers []models.Sticker
	err := r.db.SelectContext(ctx, &stickers, `SELECT id, owner_id, image_url, name, created_at FROM stickers
        WHERE owner_id=$1 ORDER BY created_at DESC`, ownerID)
	return stickers, err
}

// DeleteSticker removes a sticker owned by ownerID. Messages that already carry
// its image are not touched.
func (r *StickerRepo) DeleteSticker(ctx context.Context, stickerID, ownerID string) error {
	if _, err := uuid.Parse(stickerID); err != nil {
		return ErrStickerNotFound
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM stickers WHERE id=$1 AND owner_id=$2`, stickerID, ownerID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrStickerNotFound
	}
	return nil
}
