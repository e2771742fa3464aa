package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/roomlink/internal/models"
)

// GetChat returns the room's chat history, oldest first.
func (h *Handler) GetChat(c *gin.Context) {
	room, err := h.store.Room(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		storeError(c, err, "Failed to load chat")
		return
	}
	lines, err := h.store.ChatHistory(c.Request.Context(), room.ID)
	if err != nil {
		storeError(c, err, "Failed to load chat")
		return
	}
	c.JSON(http.StatusOK, lines)
}

// PostChat appends a chat line.
func (h *Handler) PostChat(c *gin.Context) {
	var req models.PostChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room, err := h.store.Room(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		storeError(c, err, "Failed to send message")
		return
	}
	line, err := h.store.AppendChat(c.Request.Context(), room.ID, req.PlayerName, req.Message)
	if err != nil {
		storeError(c, err, "Failed to send message")
		return
	}
	c.JSON(http.StatusCreated, line)
}

// GetPlayers returns the room roster in join order.
func (h *Handler) GetPlayers(c *gin.Context) {
	room, err := h.store.Room(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		storeError(c, err, "Failed to load players")
		return
	}
	players, err := h.store.Players(c.Request.Context(), room.ID)
	if err != nil {
		storeError(c, err, "Failed to load players")
		return
	}
	c.JSON(http.StatusOK, players)
}

// SetCharacter records a player's character pick.
func (h *Handler) SetCharacter(c *gin.Context) {
	var req models.SetCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room, err := h.store.Room(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		storeError(c, err, "Failed to save character")
		return
	}
	entry, err := h.store.SetCharacter(c.Request.Context(), room.ID,
		models.ParticipantID(c.Param("playerId")), req.PlayerName, req.Character)
	if err != nil {
		storeError(c, err, "Failed to save character")
		return
	}
	c.JSON(http.StatusOK, entry)
}
