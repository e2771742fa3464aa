// Package handlers serves the room, chat and roster API and bridges
// WebSocket clients onto room signal feeds.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/roomlink/internal/feed"
	"github.com/mossy-p/roomlink/internal/logging"
	"github.com/mossy-p/roomlink/internal/middleware"
	"github.com/mossy-p/roomlink/internal/roster"
)

var log = logging.Logger("handlers")

// Handler carries the dependencies of every route.
type Handler struct {
	store     *roster.Store
	feed      feed.Feed
	jwtSecret string
	tokenTTL  time.Duration
}

func New(store *roster.Store, f feed.Feed, jwtSecret string) *Handler {
	return &Handler{
		store:     store,
		feed:      f,
		jwtSecret: jwtSecret,
		tokenTTL:  24 * time.Hour,
	}
}

// Register mounts all routes on router.
func (h *Handler) Register(router gin.IRouter) {
	auth := middleware.JWTAuth(h.jwtSecret)

	router.GET("/health", h.Health)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", h.Login)

		apiGroup.GET("/rooms", h.ListRooms)
		apiGroup.POST("/rooms", auth, h.CreateRoom)
		apiGroup.GET("/rooms/:roomId", h.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", auth, h.DeleteRoom)

		apiGroup.GET("/rooms/:roomId/chat", h.GetChat)
		apiGroup.POST("/rooms/:roomId/chat", h.PostChat)
		apiGroup.GET("/rooms/:roomId/players", h.GetPlayers)
		apiGroup.PUT("/rooms/:roomId/players/:playerId", h.SetCharacter)
	}

	// WebSocket signaling - accepts room code or ID
	router.GET("/ws/signal/:roomId", h.HandleSignaling)
}

// Health reports whether Redis answers.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// storeError maps roster errors onto HTTP responses.
func storeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, roster.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	case errors.Is(err, roster.ErrRoomFull):
		c.JSON(http.StatusConflict, gin.H{"error": "Room is full"})
	case errors.Is(err, roster.ErrNotCreator):
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
	default:
		log.Errorw(fallback, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
