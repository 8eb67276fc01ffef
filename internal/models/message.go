package models

import "time"

// ContentType describes how a message payload is rendered.
type ContentType string

const (
	ContentTypeText    ContentType = "text"
	ContentTypeImage   ContentType = "image"
	ContentTypeSticker ContentType = "sticker"
)

// Valid reports whether the content type is one of the supported kinds.
func (t ContentType) Valid() bool {
	switch t {
	case ContentTypeText, ContentTypeImage, ContentTypeSticker:
		return true
	}
	return false
}

// HasMedia reports whether MediaURL is authoritative for this kind.
func (t ContentType) HasMedia() bool {
	return t == ContentTypeImage || t == ContentTypeSticker
}

// FallbackLabel is the human-readable content stored for non-text messages.
func (t ContentType) FallbackLabel() string {
	switch t {
	case ContentTypeImage:
		return "[image]"
	case ContentTypeSticker:
		return "[sticker]"
	}
	return ""
}

// Message is a direct message between two users. Only IsRead ever changes
// after the row is created, and only from false to true.
type Message struct {
	ID          string      `db:"id" json:"id"`
	SenderID    string      `db:"sender_id" json:"sender_id"`
	ReceiverID  string      `db:"receiver_id" json:"receiver_id"`
	Content     string      `db:"content" json:"content"`
	ContentType ContentType `db:"content_type" json:"content_type"`
	MediaURL    string      `db:"media_url" json:"media_url,omitempty"`
	IsRead      bool        `db:"is_read" json:"is_read"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// Counterpart returns the other participant from userID's point of view.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// NewMessage is the input to a store append.
type NewMessage struct {
	SenderID    string
	ReceiverID  string
	Content     string
	ContentType ContentType
	MediaURL    string
}

// Page bounds a history read. Before is a message id cursor; only messages
// strictly older than it are returned.
type Page struct {
	Limit  int
	Before string
}

// Event types pushed to realtime subscribers.
const (
	EventTypeMessage = "message"
	EventTypeRead    = "read"
)

// ChatEvent is broadcasted to realtime subscribers.
type ChatEvent struct {
	Type    string       `json:"type"`
	Message *Message     `json:"message,omitempty"`
	Receipt *ReadReceipt `json:"receipt,omitempty"`
}

// ReadReceipt reports that ReaderID has read every message SenderID sent them.
type ReadReceipt struct {
	ReaderID string    `json:"reader_id"`
	SenderID string    `json:"sender_id"`
	Count    int64     `json:"count"`
	ReadAt   time.Time `json:"read_at"`
}
