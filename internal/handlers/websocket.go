package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/roomlink/internal/feed"
	"github.com/mossy-p/roomlink/internal/models"
)

const sendBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one WebSocket connection bridged onto a room feed.
type Client struct {
	ID     models.ParticipantID
	RoomID models.RoomID
	Conn   *websocket.Conn
	Send   chan models.SignalRecord

	// bound is set when the client named itself; records from any other
	// sender are then dropped.
	bound bool
	done  chan struct{}
	once  sync.Once
}

// HandleSignaling upgrades the request and relays the room's signal feed
// in both directions until either side closes.
func (h *Handler) HandleSignaling(c *gin.Context) {
	roomIdentifier := c.Param("roomId")
	if roomIdentifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	room, err := h.store.JoinableRoom(c.Request.Context(), roomIdentifier)
	if err != nil {
		storeError(c, err, "Failed to load room")
		return
	}

	peerID := models.ParticipantID(c.Query("peerId"))
	bound := peerID != ""
	if !bound {
		peerID = models.NewParticipantID()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnw("failed to upgrade connection", "room", room.ID, "err", err)
		return
	}

	client := &Client{
		ID:     peerID,
		RoomID: room.ID,
		Conn:   conn,
		Send:   make(chan models.SignalRecord, sendBuffer),
		bound:  bound,
		done:   make(chan struct{}),
	}

	// The request context is cancelled once the handler returns, so the
	// bridge runs on its own.
	ctx, cancel := context.WithCancel(context.Background())

	if err := h.store.AddPeer(ctx, room.ID, peerID); err != nil {
		log.Warnw("failed to register peer", "room", room.ID, "peer", peerID, "err", err)
	}

	stop, err := h.feed.Subscribe(ctx, room.ID, client.enqueue)
	if err != nil {
		log.Errorw("failed to subscribe to room feed", "room", room.ID, "err", err)
		cancel()
		_ = h.store.RemovePeer(context.Background(), room.ID, peerID)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "feed unavailable"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	log.Infow("peer joined", "room", room.ID, "peer", peerID)

	go client.writePump()
	go func() {
		client.readPump(ctx, h.feed)
		stop()
		cancel()
		client.close()
		if err := h.store.RemovePeer(context.Background(), room.ID, peerID); err != nil {
			log.Warnw("failed to unregister peer", "room", room.ID, "peer", peerID, "err", err)
		}
		log.Infow("peer left", "room", room.ID, "peer", peerID)
	}()
}

// enqueue hands a feed record to the write pump. It blocks while the
// buffer is full so records are never reordered or silently dropped.
func (c *Client) enqueue(rec models.SignalRecord) {
	select {
	case c.Send <- rec:
	case <-c.done:
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

// readPump publishes records read from the socket onto the room feed.
func (c *Client) readPump(ctx context.Context, f feed.Feed) {
	defer c.close()

	c.Conn.SetReadLimit(feed.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(feed.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(feed.PongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnw("websocket error", "room", c.RoomID, "peer", c.ID, "err", err)
			}
			return
		}

		var rec models.SignalRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warnw("invalid record", "peer", c.ID, "err", err)
			continue
		}
		rec.RoomID = c.RoomID
		if err := rec.Validate(); err != nil {
			log.Warnw("invalid record", "peer", c.ID, "err", err)
			continue
		}
		if c.bound && rec.From != c.ID {
			log.Warnw("dropping record from foreign sender", "peer", c.ID, "from", rec.From)
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, feed.WriteWait)
		err = f.Publish(pubCtx, rec)
		cancel()
		if err != nil {
			log.Warnw("failed to publish record", "room", c.RoomID, "id", rec.ID, "err", err)
		}
	}
}

// writePump streams feed records to the socket and keeps it alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(feed.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case rec := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(feed.WriteWait))
			if err := c.Conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(feed.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
