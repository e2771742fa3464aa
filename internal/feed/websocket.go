package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/roomlink/internal/models"
)

// WebSocket reaches a room's feed through the bridge endpoint
// <baseURL>/ws/signal/<roomId>?peerId=<local>. The bridge only relays
// records sent as local. One connection is held per subscribed room;
// Publish requires the record's room to be subscribed.
type WebSocket struct {
	baseURL string
	local   models.ParticipantID
	dialer  *websocket.Dialer

	mu           sync.Mutex
	conns        map[models.RoomID]*wsConn
	onDisconnect func(room models.RoomID, err error)
}

type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func NewWebSocket(baseURL string, local models.ParticipantID) *WebSocket {
	return &WebSocket{
		baseURL: baseURL,
		local:   local,
		dialer:  websocket.DefaultDialer,
		conns:   make(map[models.RoomID]*wsConn),
	}
}

// OnDisconnect registers fn to be called when a room connection is lost
// without the subscription being cancelled. Delivery for that room has
// stopped; the caller may subscribe again.
func (w *WebSocket) OnDisconnect(fn func(room models.RoomID, err error)) {
	w.mu.Lock()
	w.onDisconnect = fn
	w.mu.Unlock()
}

func (w *WebSocket) lost(room models.RoomID, c *wsConn, err error) {
	w.mu.Lock()
	if w.conns[room] == c {
		delete(w.conns, room)
	}
	fn := w.onDisconnect
	w.mu.Unlock()
	if fn != nil {
		fn(room, fmt.Errorf("%w: %w", ErrClosed, err))
	}
}

func (w *WebSocket) roomURL(room models.RoomID) (string, error) {
	u, err := url.Parse(w.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u = u.JoinPath("ws", "signal", string(room))
	if w.local != "" {
		u.RawQuery = url.Values{"peerId": {string(w.local)}}.Encode()
	}
	return u.String(), nil
}

func (w *WebSocket) Subscribe(ctx context.Context, room models.RoomID, onRecord func(models.SignalRecord)) (func(), error) {
	target, err := w.roomURL(room)
	if err != nil {
		return nil, err
	}
	conn, _, err := w.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &wsConn{conn: conn, done: make(chan struct{})}
	w.mu.Lock()
	if old, ok := w.conns[room]; ok {
		old.close()
	}
	w.conns[room] = c
	w.mu.Unlock()

	conn.SetReadLimit(MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	go func() {
		if err := c.readPump(room, onRecord); err != nil {
			w.lost(room, c, err)
		}
	}()
	go c.pingLoop()

	cancel := func() {
		w.mu.Lock()
		if w.conns[room] == c {
			delete(w.conns, room)
		}
		w.mu.Unlock()
		c.close()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-c.done:
		}
	}()
	return cancel, nil
}

func (w *WebSocket) Publish(ctx context.Context, rec models.SignalRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	w.mu.Lock()
	c, ok := w.conns[rec.RoomID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %w: %s", ErrPublish, ErrNotSubscribed, rec.RoomID)
	}

	deadline := time.Now().Add(WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.writeJSON(rec, deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

// Close drops every room connection.
func (w *WebSocket) Close() {
	w.mu.Lock()
	conns := w.conns
	w.conns = make(map[models.RoomID]*wsConn)
	w.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// readPump reads records from the WebSocket connection. It returns the
// read error unless the connection was closed locally.
func (c *wsConn) readPump(room models.RoomID, onRecord func(models.SignalRecord)) error {
	defer c.close()

	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			log.Warnw("signal connection lost", "room", room, "err", err)
			return err
		}
		rec, err := models.DecodeSignalRecord(data)
		if err != nil {
			log.Warnw("dropping undecodable record", "room", room, "err", err)
			continue
		}
		if rec.RoomID != room {
			continue
		}
		onRecord(rec)
	}
}

// pingLoop keeps the connection alive until it is closed.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				// Unblocks readPump, which reports the loss.
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) writeJSON(v any, deadline time.Time) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(v); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}
