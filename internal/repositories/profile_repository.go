package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/models"
)

// ProfileRepo reads the profiles table maintained by the account service.
type ProfileRepo struct {
	db *sqlx.DB
}

// NewProfileRepo constructs a ProfileRepo.
func NewProfileRepo(db *sqlx.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// GetProfile fetches one profile.
func (r *ProfileRepo) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var profile models.Profile
	err := r.db.GetContext(ctx, &profile, `SELECT id, display_name, avatar_url, role FROM profiles WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrProfileNotFound
	}
	return profile, err
}

// BulkProfiles fetches multiple profiles in one query. Unknown ids are skipped.
func (r *ProfileRepo) BulkProfiles(ctx context.Context, userIDs []string) ([]models.Profile, error) {
	if len(userIDs) == 0 {
		return []models.Profile{}, nil
	}
	var profiles []models.Profile
	err := r.db.SelectContext(ctx, &profiles, `SELECT id, display_name, avatar_url, role FROM profiles WHERE id = ANY($1)`, pq.Array(userIDs))
	return profiles, err
}
