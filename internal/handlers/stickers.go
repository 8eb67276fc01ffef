package handlers

import (
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListStickers returns the caller's sticker library.
func (h *ChatHandler) ListStickers(c *gin.Context) {
	stickers, err := h.svc.ListStickers(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		writeError(c, err, "failed to load stickers")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stickers": stickers})
}

// CreateSticker uploads the multipart "file" and saves it under "name".
func (h *ChatHandler) CreateSticker(c *gin.Context) {
	file, ok := formFile(c)
	if !ok {
		return
	}
	defer file.Close()

	sticker, err := h.svc.CreateSticker(c.Request.Context(), c.GetString("userID"), c.PostForm("name"), file)
	if err != nil {
		writeError(c, err, "failed to create sticker")
		return
	}

	h.emitAudit(c, "info", "sticker.created", "sticker created", map[string]string{"sticker_id": sticker.ID})
	c.JSON(http.StatusCreated, sticker)
}

// DeleteSticker removes one of the caller's stickers.
func (h *ChatHandler) DeleteSticker(c *gin.Context) {
	stickerID := c.Param("sticker_id")
	if err := h.svc.DeleteSticker(c.Request.Context(), c.GetString("userID"), stickerID); err != nil {
		writeError(c, err, "could not delete sticker")
		return
	}

	h.emitAudit(c, "info", "sticker.deleted", "sticker deleted", map[string]string{"sticker_id": stickerID})
	c.Status(http.StatusNoContent)
}

func formFile(c *gin.Context) (multipart.File, bool) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return nil, false
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
		return nil, false
	}
	return file, true
}
