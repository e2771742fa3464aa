package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/roomlink/internal/middleware"
	"github.com/mossy-p/roomlink/internal/models"
)

// ListRooms lists live rooms, newest first (public)
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.store.ListRooms(c.Request.Context())
	if err != nil {
		storeError(c, err, "Failed to list rooms")
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// CreateRoom creates a new room (requires authentication)
func (h *Handler) CreateRoom(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.store.CreateRoom(c.Request.Context(), req.Name, userID, req.MaxPlayers)
	if err != nil {
		storeError(c, err, "Failed to create room")
		return
	}

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.store.Room(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		storeError(c, err, "Failed to load room")
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication and creator)
func (h *Handler) DeleteRoom(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, err := h.store.Room(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		storeError(c, err, "Failed to delete room")
		return
	}
	if err := h.store.DeleteRoom(c.Request.Context(), room.ID, userID); err != nil {
		storeError(c, err, "Failed to delete room")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}
