package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

const messageColumns = `id, sender_id, receiver_id, content, content_type, media_url, is_read, created_at`

// MessageRepo is a sqlx-backed MessageRepository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage appends a message. The id and created_at are assigned by the database.
func (r *MessageRepo) CreateMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (sender_id, receiver_id, content, content_type, media_url)
        VALUES ($1, $2, $3, $4, $5) RETURNING `+messageColumns,
		in.SenderID, in.ReceiverID, in.Content, in.ContentType, in.MediaURL).StructScan(&msg)
	return msg, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return models.Message{}, ErrMessageNotFound
	}
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListConversationMessages returns the newest page of the pair's history in ascending order.
func (r *MessageRepo) ListConversationMessages(ctx context.Context, userA, userB string, page models.Page) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE ((sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1))`
	args := []any{userA, userB}
	if page.Before != "" {
		cursor, err := r.GetMessage(ctx, page.Before)
		if err != nil {
			return nil, err
		}
		if !inPair(cursor, userA, userB) {
			return nil, ErrMessageNotFound
		}
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if page.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(page.Limit)
	}

	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// MarkRead marks every unread message from senderID to readerID as read.
func (r *MessageRepo) MarkRead(ctx context.Context, readerID, senderID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_read = TRUE
        WHERE receiver_id=$1 AND sender_id=$2 AND is_read = FALSE`, readerID, senderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountSentSince counts messages sent in one direction at or after since.
func (r *MessageRepo) CountSentSince(ctx context.Context, senderID, receiverID string, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages
        WHERE sender_id=$1 AND receiver_id=$2 AND created_at >= $3`, senderID, receiverID, since)
	return count, err
}

// ListConversationSummaries aggregates one row per counterpart, newest activity first.
func (r *MessageRepo) ListConversationSummaries(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `WITH pair AS (
            SELECT CASE WHEN sender_id=$1 THEN receiver_id ELSE sender_id END AS partner_id,
                id, content, created_at,
                (receiver_id=$1 AND is_read = FALSE) AS unread
            FROM messages
            WHERE sender_id=$1 OR receiver_id=$1
        ), latest AS (
            SELECT DISTINCT ON (partner_id) partner_id, content AS last_message, created_at AS last_message_time
            FROM pair
            ORDER BY partner_id, created_at DESC, id DESC
        ), unread AS (
            SELECT partner_id, COUNT(*) AS unread_count FROM pair WHERE unread GROUP BY partner_id
        )
        SELECT l.partner_id, l.last_message, l.last_message_time, COALESCE(u.unread_count, 0) AS unread_count
        FROM latest l LEFT JOIN unread u ON u.partner_id = l.partner_id
        ORDER BY l.last_message_time DESC`

	var summaries []models.ConversationSummary
	err := r.db.SelectContext(ctx, &summaries, query, userID)
	return summaries, err
}

// UnreadCount sums unread messages addressed to the user across all conversations.
func (r *MessageRepo) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE receiver_id=$1 AND is_read = FALSE`, userID)
	return count, err
}
