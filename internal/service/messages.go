package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/ratelimit"
	"dm-service/internal/repositories"
	"dm-service/internal/ws"
)

// SendInput is a message as composed by the sender. Content is ignored for
// image messages; for sticker messages it carries the sticker name.
type SendInput struct {
	ReceiverID  string             `json:"receiver_id"`
	Content     string             `json:"content"`
	ContentType models.ContentType `json:"content_type"`
	MediaURL    string             `json:"media_url"`
}

// History is one page of a conversation, oldest first. HasMore reports that
// older messages exist before the first one.
type History struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

func (in SendInput) normalize() (models.NewMessage, error) {
	contentType := in.ContentType
	if contentType == "" {
		contentType = models.ContentTypeText
	}
	if !contentType.Valid() {
		return models.NewMessage{}, invalid("content_type", "must be text, image or sticker")
	}

	msg := models.NewMessage{
		ReceiverID:  in.ReceiverID,
		ContentType: contentType,
	}
	if contentType.HasMedia() {
		msg.MediaURL = strings.TrimSpace(in.MediaURL)
		if msg.MediaURL == "" {
			return models.NewMessage{}, invalid("media_url", "is required for "+string(contentType)+" messages")
		}
		msg.Content = contentType.FallbackLabel()
		if contentType == models.ContentTypeSticker {
			name := strings.TrimSpace(in.Content)
			if utf8.RuneCountInString(name) > maxStickerName {
				return models.NewMessage{}, invalid("content", "sticker name is too long")
			}
			if name != "" {
				msg.Content += " " + name
			}
		}
		return msg, nil
	}

	if strings.TrimSpace(in.Content) == "" {
		return models.NewMessage{}, invalid("content", "must not be empty")
	}
	if utf8.RuneCountInString(in.Content) > maxContentLength {
		return models.NewMessage{}, invalid("content", "is too long")
	}
	msg.Content = in.Content
	return msg, nil
}

// Send validates, checks the per-pair rate limit, persists and fans out a
// message. The returned message carries the store-assigned id and time.
func (s *MessageService) Send(ctx context.Context, senderID string, in SendInput) (models.Message, error) {
	if err := validatePair(senderID, in.ReceiverID); err != nil {
		return models.Message{}, err
	}
	draft, err := in.normalize()
	if err != nil {
		return models.Message{}, err
	}
	draft.SenderID = senderID

	ctx, done := s.start(ctx, "Send")
	defer done()

	decision, err := s.reserve(ctx, senderID, in.ReceiverID)
	if err != nil {
		return models.Message{}, err
	}
	return s.persist(ctx, draft, decision)
}

// reserve takes a slot in the pair's rate windows. A denied check is
// returned as a RateLimitedError.
func (s *MessageService) reserve(ctx context.Context, senderID, receiverID string) (ratelimit.Decision, error) {
	if s.limiter == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	decision, err := s.limiter.Check(ctx, senderID, receiverID)
	if err != nil {
		return ratelimit.Decision{}, transport("rate limit check", err)
	}
	if !decision.Allowed {
		observability.IncRateLimited(decision.Window)
		s.log.Info().
			Str("sender_id", senderID).
			Str("receiver_id", receiverID).
			Str("window", decision.Window).
			Msg("send rate limited")
		return ratelimit.Decision{}, &RateLimitedError{Reason: decision.Reason, Window: decision.Window}
	}
	return decision, nil
}

// persist stores a reserved message. The slot is released when the store
// rejects it, so failed sends do not count against the sender.
func (s *MessageService) persist(ctx context.Context, draft models.NewMessage, decision ratelimit.Decision) (models.Message, error) {
	msg, err := s.messages.CreateMessage(ctx, draft)
	if err != nil {
		decision.Release()
		return models.Message{}, transport("send", err)
	}
	observability.IncMessageSent(string(msg.ContentType))

	s.notify(ctx, models.ChatEvent{Type: models.EventTypeMessage, Message: &msg})
	return msg, nil
}

// History returns the newest page of the conversation, or the page before
// page.Before. The result is identical for either argument order.
func (s *MessageService) History(ctx context.Context, userID, partnerID string, page models.Page) (History, error) {
	if err := validatePair(userID, partnerID); err != nil {
		return History{}, err
	}
	limit := page.Limit
	if limit <= 0 {
		limit = s.opts.PageSize
	}
	if limit > s.opts.MaxPageSize {
		limit = s.opts.MaxPageSize
	}

	ctx, done := s.start(ctx, "History")
	defer done()

	msgs, err := s.messages.ListConversationMessages(ctx, userID, partnerID, models.Page{Limit: limit + 1, Before: page.Before})
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return History{}, invalid("before", "unknown message in this conversation")
	}
	if err != nil {
		return History{}, transport("fetch conversation", err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return History{Messages: msgs, HasMore: hasMore}, nil
}

// MarkRead marks everything senderID sent readerID as read. When anything
// changed, both parties get a read event.
func (s *MessageService) MarkRead(ctx context.Context, readerID, senderID string) (int64, error) {
	if err := validatePair(readerID, senderID); err != nil {
		return 0, err
	}

	ctx, done := s.start(ctx, "MarkRead")
	defer done()

	n, err := s.messages.MarkRead(ctx, readerID, senderID)
	if err != nil {
		return 0, transport("mark read", err)
	}
	if n > 0 {
		observability.IncReadReceipt()
		s.notify(ctx, models.ChatEvent{
			Type: models.EventTypeRead,
			Receipt: &models.ReadReceipt{
				ReaderID: readerID,
				SenderID: senderID,
				Count:    n,
				ReadAt:   s.opts.Now().UTC(),
			},
		})
	}
	return n, nil
}

// ListConversations builds the inbox: one row per counterpart, decorated
// with profile data, most recent activity first.
func (s *MessageService) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	if userID == "" {
		return nil, invalid("user_id", "is required")
	}

	ctx, done := s.start(ctx, "ListConversations")
	defer done()

	summaries, err := s.messages.ListConversationSummaries(ctx, userID)
	if err != nil {
		return nil, transport("list conversations", err)
	}

	ids := make([]string, len(summaries))
	for i, sum := range summaries {
		ids[i] = sum.PartnerID
	}
	profiles := map[string]models.Profile{}
	if len(ids) > 0 {
		found, err := s.profiles.BulkProfiles(ctx, ids)
		if err != nil {
			return nil, transport("load profiles", err)
		}
		for _, p := range found {
			profiles[p.ID] = p
		}
	}

	conversations := make([]models.Conversation, 0, len(summaries))
	for _, sum := range summaries {
		p := profiles[sum.PartnerID]
		name := p.DisplayName
		if name == "" {
			name = sum.PartnerID
		}
		conversations = append(conversations, models.Conversation{
			PartnerID:       sum.PartnerID,
			PartnerName:     name,
			PartnerAvatar:   p.AvatarURL,
			PartnerRole:     p.Role,
			LastMessage:     sum.LastMessage,
			LastMessageTime: sum.LastMessageTime,
			UnreadCount:     sum.UnreadCount,
		})
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].LastMessageTime.After(conversations[j].LastMessageTime)
	})
	return conversations, nil
}

// UnreadCount totals unread messages across every conversation of the user.
func (s *MessageService) UnreadCount(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, invalid("user_id", "is required")
	}

	ctx, done := s.start(ctx, "UnreadCount")
	defer done()

	n, err := s.messages.UnreadCount(ctx, userID)
	if err != nil {
		return 0, transport("unread count", err)
	}
	return n, nil
}

// Profile fetches a counterpart's profile for chat headers.
func (s *MessageService) Profile(ctx context.Context, userID string) (models.Profile, error) {
	ctx, done := s.start(ctx, "Profile")
	defer done()

	p, err := s.profiles.GetProfile(ctx, userID)
	if errors.Is(err, repositories.ErrProfileNotFound) {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, transport("load profile", err)
	}
	return p, nil
}

// Subscribe registers fn for realtime events. An empty counterpartID covers
// every message addressed to selfID.
func (s *MessageService) Subscribe(selfID, counterpartID string, fn func(models.ChatEvent)) func() {
	if s.subscriber == nil {
		return func() {}
	}
	return s.subscriber.Subscribe(ws.Filter{SelfID: selfID, CounterpartID: counterpartID}, fn)
}
