package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/roomlink/internal/feed"
	"github.com/mossy-p/roomlink/internal/models"
)

func joinRecord(room models.RoomID, from models.ParticipantID, seq uint64) models.SignalRecord {
	return models.SignalRecord{
		ID:     string(from) + "-join",
		RoomID: room,
		From:   from,
		Kind:   models.SignalKindJoin,
		Seq:    seq,
		SentAt: time.Now().UnixMilli(),
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestSignalBridgeRelaysBetweenClients(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	room, err := s.store.CreateRoom(context.Background(), "lobby", "alice", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Backlog published before anyone connects is replayed.
	early := joinRecord(room.ID, "early", 1)
	if err := s.feed.Publish(context.Background(), early); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []models.SignalRecord
	b := feed.NewWebSocket(srv.URL, "b")
	defer b.Close()
	cancel, err := b.Subscribe(context.Background(), room.ID, func(rec models.SignalRecord) {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	a := feed.NewWebSocket(srv.URL, "a")
	defer a.Close()
	stopA, err := a.Subscribe(context.Background(), room.ID, func(models.SignalRecord) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stopA()

	eventually(t, "two registered peers", func() bool {
		r, err := s.store.Room(context.Background(), string(room.ID))
		return err == nil && r.PlayerCount == 2
	})

	for _, id := range []string{"a", "b"} {
		if ok, err := s.mr.IsMember("room:"+string(room.ID)+":peers", id); err != nil || !ok {
			t.Fatalf("peer %s not registered under its own id", id)
		}
	}

	// The bridge only relays what a socket sends under its own id.
	if err := a.Publish(context.Background(), joinRecord(room.ID, "b", 7)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := a.Publish(context.Background(), joinRecord(room.ID, "a", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	eventually(t, "relayed record", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	if got[0].ID != early.ID || got[1].From != "a" || got[1].RoomID != room.ID {
		t.Fatalf("records=%+v", got)
	}
	mu.Unlock()
	for _, rec := range s.feed.Records(room.ID) {
		if rec.From == "b" {
			t.Fatalf("forged record reached the feed: %+v", rec)
		}
	}

	stopA()
	eventually(t, "peer removal", func() bool {
		r, err := s.store.Room(context.Background(), string(room.ID))
		return err == nil && r.PlayerCount == 1
	})
}

func TestSignalBridgeStampsRoomAndBindsSender(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	room, err := s.store.CreateRoom(context.Background(), "lobby", "alice", 0)
	if err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/signal/"+room.Code+"?peerId=a"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	forged := joinRecord("elsewhere", "b", 1)
	if err := conn.WriteJSON(forged); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatal(err)
	}
	own := joinRecord("elsewhere", "a", 1)
	if err := conn.WriteJSON(own); err != nil {
		t.Fatal(err)
	}

	eventually(t, "published record", func() bool {
		return len(s.feed.Records(room.ID)) == 1
	})
	recs := s.feed.Records(room.ID)
	if recs[0].From != "a" || recs[0].RoomID != room.ID {
		t.Fatalf("records=%+v", recs)
	}
	if len(s.feed.Records("elsewhere")) != 0 {
		t.Fatal("record escaped into the room it named")
	}
}

func TestSignalBridgeRejectsUnknownAndFullRooms(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	room, err := s.store.CreateRoom(context.Background(), "duo", "alice", 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []models.ParticipantID{"p1", "p2"} {
		if err := s.store.AddPeer(context.Background(), room.ID, p); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown", "/ws/signal/NOPE42", http.StatusNotFound},
		{"full", "/ws/signal/" + room.Code, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.path), nil)
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("err=%v", err)
			}
			if resp.StatusCode != tt.want {
				t.Fatalf("status=%d want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
