package models

import "time"

// ConversationSummary is the store-level aggregate for one counterpart.
type ConversationSummary struct {
	PartnerID       string    `db:"partner_id" json:"partner_id"`
	LastMessage     string    `db:"last_message" json:"last_message"`
	LastMessageTime time.Time `db:"last_message_time" json:"last_message_time"`
	UnreadCount     int       `db:"unread_count" json:"unread_count"`
}

// Conversation is the inbox row for a counterpart, decorated with profile data.
// It is derived from messages and never stored.
type Conversation struct {
	PartnerID       string    `json:"partner_id"`
	PartnerName     string    `json:"partner_name"`
	PartnerAvatar   string    `json:"partner_avatar,omitempty"`
	PartnerRole     string    `json:"partner_role,omitempty"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	UnreadCount     int       `json:"unread_count"`
}

// Profile is the read-only view of a user owned by the profile collaborator.
type Profile struct {
	ID          string `db:"id" json:"id"`
	DisplayName string `db:"display_name" json:"display_name"`
	AvatarURL   string `db:"avatar_url" json:"avatar_url,omitempty"`
	Role        string `db:"role" json:"role,omitempty"`
}
