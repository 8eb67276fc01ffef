package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dm-service/internal/models"
	"dm-service/internal/service"
	"dm-service/internal/telemetry"
)

// MessagingService is the subset of service.MessageService used over HTTP.
type MessagingService interface {
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	History(ctx context.Context, userID, partnerID string, page models.Page) (service.History, error)
	Send(ctx context.Context, senderID string, in service.SendInput) (models.Message, error)
	MarkRead(ctx context.Context, readerID, senderID string) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	Profile(ctx context.Context, userID string) (models.Profile, error)
	SendImage(ctx context.Context, senderID, receiverID string, body io.Reader) (models.Message, error)
	CreateSticker(ctx context.Context, ownerID, name string, body io.Reader) (models.Sticker, error)
	ListStickers(ctx context.Context, ownerID string) ([]models.Sticker, error)
	DeleteSticker(ctx context.Context, ownerID, stickerID string) error
	SendSticker(ctx context.Context, senderID, receiverID, stickerID string) (models.Message, error)
}

// ChatHandler manages direct message endpoints.
type ChatHandler struct {
	svc   MessagingService
	audit *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler. audit may be nil.
func NewChatHandler(svc MessagingService, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{svc: svc, audit: audit}
}

// Register mounts the handler on an authenticated route group.
func (h *ChatHandler) Register(r gin.IRoutes) {
	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:partner_id/messages", h.GetMessages)
	r.POST("/conversations/:partner_id/messages", h.PostMessage)
	r.POST("/conversations/:partner_id/read", h.MarkRead)
	r.POST("/conversations/:partner_id/images", h.PostImage)
	r.POST("/conversations/:partner_id/stickers/:sticker_id", h.PostSticker)
	r.GET("/unread-count", h.UnreadCount)
	r.GET("/profiles/:user_id", h.GetProfile)
	r.GET("/stickers", h.ListStickers)
	r.POST("/stickers", h.CreateSticker)
	r.DELETE("/stickers/:sticker_id", h.DeleteSticker)
}

// ListConversations returns the caller's inbox, most recent first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	conversations, err := h.svc.ListConversations(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		writeError(c, err, "failed to load conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// GetMessages returns one page of history with the partner.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	page := models.Page{Before: c.Query("before")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		page.Limit = limit
	}

	history, err := h.svc.History(c.Request.Context(), c.GetString("userID"), c.Param("partner_id"), page)
	if err != nil {
		writeError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, history)
}

// PostMessage sends a text or media-link message to the partner.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req struct {
		Content     string             `json:"content"`
		ContentType models.ContentType `json:"content_type"`
		MediaURL    string             `json:"media_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.Send(c.Request.Context(), c.GetString("userID"), service.SendInput{
		ReceiverID:  c.Param("partner_id"),
		Content:     req.Content,
		ContentType: req.ContentType,
		MediaURL:    req.MediaURL,
	})
	h.respondSent(c, msg, err)
}

// PostImage uploads the multipart "file" and sends it as an image message.
func (h *ChatHandler) PostImage(c *gin.Context) {
	file, ok := formFile(c)
	if !ok {
		return
	}
	defer file.Close()

	msg, err := h.svc.SendImage(c.Request.Context(), c.GetString("userID"), c.Param("partner_id"), file)
	h.respondSent(c, msg, err)
}

// PostSticker sends one of the caller's stickers.
func (h *ChatHandler) PostSticker(c *gin.Context) {
	msg, err := h.svc.SendSticker(c.Request.Context(), c.GetString("userID"), c.Param("partner_id"), c.Param("sticker_id"))
	h.respondSent(c, msg, err)
}

func (h *ChatHandler) respondSent(c *gin.Context, msg models.Message, err error) {
	if err != nil {
		if service.IsRateLimited(err) {
			h.emitAudit(c, "warn", "message.rate_limited", err.Error(), map[string]string{
				"receiver_id": c.Param("partner_id"),
			})
		}
		writeError(c, err, "failed to send message")
		return
	}

	h.emitAudit(c, "info", "message.sent", "message sent", map[string]string{
		"message_id":   msg.ID,
		"receiver_id":  msg.ReceiverID,
		"content_type": string(msg.ContentType),
	})
	c.JSON(http.StatusCreated, msg)
}

// MarkRead marks everything the partner sent to the caller as read.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	n, err := h.svc.MarkRead(c.Request.Context(), c.GetString("userID"), c.Param("partner_id"))
	if err != nil {
		writeError(c, err, "failed to mark messages read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// UnreadCount backs the notification badge.
func (h *ChatHandler) UnreadCount(c *gin.Context) {
	n, err := h.svc.UnreadCount(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		writeError(c, err, "failed to count unread messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

func (h *ChatHandler) GetProfile(c *gin.Context) {
	profile, err := h.svc.Profile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err, "failed to load profile")
		return
	}
	c.JSON(http.StatusOK, profile)
}
