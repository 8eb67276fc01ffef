package models

import "time"

// Sticker is a reusable image owned by one user.
type Sticker struct {
	ID        string    `db:"id" json:"id"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	ImageURL  string    `db:"image_url" json:"image_url"`
	Name      string    `db:"name" json:"name,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
