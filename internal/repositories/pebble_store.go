package repositories

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"dm-service/internal/models"
)

// Key namespaces. Every key is its namespace byte followed by NUL-separated parts.
const (
	nsMessage  = "m" // m|id -> message json
	nsPair     = "p" // p|lo|hi|ts|id -> id, history of an unordered pair
	nsSent     = "s" // s|sender|receiver|ts|id, per-direction send log
	nsUnread   = "u" // u|receiver|sender|ts|id, unread messages
	nsActivity = "c" // c|user|partner -> last activity json
	nsSticker  = "k" // k|id -> sticker json
	nsOwner    = "o" // o|owner|ts|id -> id
	nsProfile  = "f" // f|id -> profile json
)

type lastActivity struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	At        time.Time `json:"at"`
}

// PebbleStore keeps messages, stickers and profiles in an embedded Pebble
// database. It implements MessageRepository, StickerRepository and
// ProfileRepository for single-node deployments and tests.
type PebbleStore struct {
	db   *pebble.DB
	now  func() time.Time
	mu   sync.Mutex // serializes writers so indexes stay consistent
	last int64
}

// PebbleOption customizes a PebbleStore.
type PebbleOption func(*PebbleStore)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) PebbleOption {
	return func(s *PebbleStore) {
		s.now = now
	}
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string, opts *pebble.Options, options ...PebbleOption) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	s := &PebbleStore{db: db, now: time.Now}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// stamp returns a strictly increasing creation time in nanoseconds. Callers hold s.mu.
func (s *PebbleStore) stamp() int64 {
	n := s.now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

// CreateMessage appends a message and updates the pair, send, unread and activity indexes atomically.
func (s *PebbleStore) CreateMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.stamp()
	msg := models.Message{
		ID:          uuid.NewString(),
		SenderID:    in.SenderID,
		ReceiverID:  in.ReceiverID,
		Content:     in.Content,
		ContentType: in.ContentType,
		MediaURL:    in.MediaURL,
		CreatedAt:   time.Unix(0, ns).UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, err
	}
	activity, err := json.Marshal(lastActivity{MessageID: msg.ID, Content: msg.Content, At: msg.CreatedAt})
	if err != nil {
		return models.Message{}, err
	}

	ts := tsPart(ns)
	lo, hi := sortedPair(msg.SenderID, msg.ReceiverID)
	b := s.db.NewBatch()
	defer b.Close()
	sets := []struct{ k, v []byte }{
		{key(nsMessage, msg.ID), data},
		{key(nsPair, lo, hi, ts, msg.ID), []byte(msg.ID)},
		{key(nsSent, msg.SenderID, msg.ReceiverID, ts, msg.ID), []byte{}},
		{key(nsUnread, msg.ReceiverID, msg.SenderID, ts, msg.ID), []byte{}},
		{key(nsActivity, msg.SenderID, msg.ReceiverID), activity},
		{key(nsActivity, msg.ReceiverID, msg.SenderID), activity},
	}
	for _, kv := range sets {
		if err := b.Set(kv.k, kv.v, nil); err != nil {
			return models.Message{}, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return models.Message{}, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

// GetMessage retrieves a single message.
func (s *PebbleStore) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	if err := s.getJSON(key(nsMessage, messageID), &msg); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Message{}, ErrMessageNotFound
		}
		return models.Message{}, err
	}
	return msg, nil
}

// ListConversationMessages walks the pair index backwards from the cursor and
// returns the page in ascending order.
func (s *PebbleStore) ListConversationMessages(ctx context.Context, userA, userB string, page models.Page) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lo, hi := sortedPair(userA, userB)
	lower := prefix(nsPair, lo, hi)
	upper := upperBound(lower)
	if page.Before != "" {
		cursor, err := s.GetMessage(ctx, page.Before)
		if err != nil {
			return nil, err
		}
		if !inPair(cursor, userA, userB) {
			return nil, ErrMessageNotFound
		}
		upper = key(nsPair, lo, hi, tsPart(cursor.CreatedAt.UnixNano()), cursor.ID)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	var ids []string
	for valid := iter.Last(); valid; valid = iter.Prev() {
		ids = append(ids, string(iter.Value()))
		if page.Limit > 0 && len(ids) >= page.Limit {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		msg, err := s.GetMessage(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MarkRead flips every unread message from senderID to readerID and drops the
// unread index entries. Calling it again finds nothing to do.
func (s *PebbleStore) MarkRead(ctx context.Context, readerID, senderID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.collectKeys(prefix(nsUnread, readerID, senderID))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		id := lastPart(k)
		var msg models.Message
		if err := s.getJSON(key(nsMessage, id), &msg); err != nil {
			return 0, fmt.Errorf("load unread message %s: %w", id, err)
		}
		msg.IsRead = true
		data, err := json.Marshal(msg)
		if err != nil {
			return 0, err
		}
		if err := b.Set(key(nsMessage, id), data, nil); err != nil {
			return 0, err
		}
		if err := b.Delete(k, nil); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit mark read: %w", err)
	}
	return int64(len(keys)), nil
}

// CountSentSince counts messages from senderID to receiverID created at or after since.
func (s *PebbleStore) CountSentSince(ctx context.Context, senderID, receiverID string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := prefix(nsSent, senderID, receiverID)
	lower := append(append([]byte{}, p...), tsPart(since.UnixNano())...)
	return s.count(lower, upperBound(p))
}

// ListConversationSummaries reads the activity index for the user and counts
// unread messages per counterpart, newest activity first.
func (s *PebbleStore) ListConversationSummaries(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := prefix(nsActivity, userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: upperBound(p)})
	if err != nil {
		return nil, err
	}
	var summaries []models.ConversationSummary
	for iter.First(); iter.Valid(); iter.Next() {
		var act lastActivity
		if err := json.Unmarshal(iter.Value(), &act); err != nil {
			iter.Close()
			return nil, err
		}
		summaries = append(summaries, models.ConversationSummary{
			PartnerID:       string(iter.Key()[len(p):]),
			LastMessage:     act.Content,
			LastMessageTime: act.At,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	for i := range summaries {
		up := prefix(nsUnread, userID, summaries[i].PartnerID)
		n, err := s.count(up, upperBound(up))
		if err != nil {
			return nil, err
		}
		summaries[i].UnreadCount = n
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessageTime.After(summaries[j].LastMessageTime)
	})
	return summaries, nil
}

// UnreadCount counts every unread message addressed to the user.
func (s *PebbleStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := prefix(nsUnread, userID)
	return s.count(p, upperBound(p))
}

// CreateSticker persists a sticker.
func (s *PebbleStore) CreateSticker(ctx context.Context, ownerID, imageURL, name string) (models.Sticker, error) {
	if err := ctx.Err(); err != nil {
		return models.Sticker{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.stamp()
	sticker := models.Sticker{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		ImageURL:  imageURL,
		Name:      name,
		CreatedAt: time.Unix(0, ns).UTC(),
	}
	data, err := json.Marshal(sticker)
	if err != nil {
		return models.Sticker{}, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key(nsSticker, sticker.ID), data, nil); err != nil {
		return models.Sticker{}, err
	}
	if err := b.Set(key(nsOwner, ownerID, tsPart(ns), sticker.ID), []byte(sticker.ID), nil); err != nil {
		return models.Sticker{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return models.Sticker{}, fmt.Errorf("commit sticker: %w", err)
	}
	return sticker, nil
}

// GetSticker fetches a sticker by id.
func (s *PebbleStore) GetSticker(ctx context.Context, stickerID string) (models.Sticker, error) {
	if err := ctx.Err(); err != nil {
		return models.Sticker{}, err
	}
	var sticker models.Sticker
	if err := s.getJSON(key(nsSticker, stickerID), &sticker); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Sticker{}, ErrStickerNotFound
		}
		return models.Sticker{}, err
	}
	return sticker, nil
}

// ListStickers returns the owner's stickers, newest first.
func (s *PebbleStore) ListStickers(ctx context.Context, ownerID string) ([]models.Sticker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := prefix(nsOwner, ownerID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: upperBound(p)})
	if err != nil {
		return nil, err
	}
	var ids []string
	for valid := iter.Last(); valid; valid = iter.Prev() {
		ids = append(ids, string(iter.Value()))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	stickers := make([]models.Sticker, 0, len(ids))
	for _, id := range ids {
		sticker, err := s.GetSticker(ctx, id)
		if err != nil {
			return nil, err
		}
		stickers = append(stickers, sticker)
	}
	return stickers, nil
}

// DeleteSticker removes a sticker owned by ownerID.
func (s *PebbleStore) DeleteSticker(ctx context.Context, stickerID, ownerID string) error {
	sticker, err := s.GetSticker(ctx, stickerID)
	if err != nil {
		return err
	}
	if sticker.OwnerID != ownerID {
		return ErrStickerNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key(nsSticker, stickerID), nil); err != nil {
		return err
	}
	if err := b.Delete(key(nsOwner, ownerID, tsPart(sticker.CreatedAt.UnixNano()), stickerID), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// SaveProfile writes a profile. Profiles belong to the account service; this
// exists so an embedded deployment can be seeded.
func (s *PebbleStore) SaveProfile(ctx context.Context, profile models.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return s.db.Set(key(nsProfile, profile.ID), data, pebble.Sync)
}

// GetProfile fetches one profile.
func (s *PebbleStore) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return models.Profile{}, err
	}
	var profile models.Profile
	if err := s.getJSON(key(nsProfile, userID), &profile); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Profile{}, ErrProfileNotFound
		}
		return models.Profile{}, err
	}
	return profile, nil
}

// BulkProfiles fetches the known profiles among userIDs.
func (s *PebbleStore) BulkProfiles(ctx context.Context, userIDs []string) ([]models.Profile, error) {
	profiles := make([]models.Profile, 0, len(userIDs))
	for _, id := range userIDs {
		profile, err := s.GetProfile(ctx, id)
		if errors.Is(err, ErrProfileNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func (s *PebbleStore) getJSON(k []byte, dst any) error {
	value, closer, err := s.db.Get(k)
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(value, dst)
}

func (s *PebbleStore) collectKeys(p []byte) ([][]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: upperBound(p)})
	if err != nil {
		return nil, err
	}
	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	return keys, iter.Close()
}

func (s *PebbleStore) count(lower, upper []byte) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Close()
}

func key(ns string, parts ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString(ns)
	for _, p := range parts {
		buf.WriteByte(0)
		buf.WriteString(p)
	}
	return buf.Bytes()
}

func prefix(ns string, parts ...string) []byte {
	return append(key(ns, parts...), 0)
}

// upperBound returns the smallest key greater than every key starting with p.
func upperBound(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func lastPart(k []byte) string {
	return string(k[bytes.LastIndexByte(k, 0)+1:])
}

func tsPart(ns int64) string {
	return fmt.Sprintf("%020d", ns)
}

func sortedPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

var (
	_ MessageRepository = (*PebbleStore)(nil)
	_ StickerRepository = (*PebbleStore)(nil)
	_ ProfileRepository = (*PebbleStore)(nil)
)
