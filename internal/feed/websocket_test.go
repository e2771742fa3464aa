package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/roomlink/internal/models"
)

// echoBridge sends one backlog record on connect and then echoes every
// record it reads, standing in for the signal bridge.
func echoBridge(t *testing.T, backlog models.SignalRecord) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/signal/r1" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteJSON(backlog); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocket_SubscribeAndPublish(t *testing.T) {
	srv := echoBridge(t, joinRecord("r1", "a", 1))
	f := NewWebSocket(srv.URL, "b")
	defer f.Close()
	var lost atomic.Int32
	f.OnDisconnect(func(models.RoomID, error) { lost.Add(1) })

	var c collector
	cancel, err := f.Subscribe(context.Background(), "r1", c.add)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	c.waitLen(t, 1)

	if err := f.Publish(context.Background(), offerRecord("r1", "b", "a", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	assertIDs(t, c.waitLen(t, 2), "a-1", "b-1")

	cancel()
	time.Sleep(50 * time.Millisecond)
	if n := lost.Load(); n != 0 {
		t.Fatalf("cancel reported %d lost connections", n)
	}
}

func TestWebSocket_ReportsLostConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	peers := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peers <- r.URL.Query().Get("peerId")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	f := NewWebSocket(srv.URL, "a")
	defer f.Close()
	lost := make(chan error, 1)
	f.OnDisconnect(func(room models.RoomID, err error) {
		if room == "r1" {
			lost <- err
		}
	})

	cancel, err := f.Subscribe(context.Background(), "r1", func(models.SignalRecord) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	if got := <-peers; got != "a" {
		t.Fatalf("dialed as peerId=%q, want a", got)
	}

	select {
	case err := <-lost:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("lost err=%v, want ErrClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("lost connection not reported")
	}

	err = f.Publish(context.Background(), joinRecord("r1", "a", 2))
	if !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("Publish after loss err=%v, want ErrNotSubscribed", err)
	}
}

func TestWebSocket_PublishRequiresSubscription(t *testing.T) {
	f := NewWebSocket("ws://127.0.0.1:1", "a")
	err := f.Publish(context.Background(), joinRecord("r1", "a", 1))
	if !errors.Is(err, ErrPublish) || !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("Publish err=%v, want ErrPublish and ErrNotSubscribed", err)
	}
}

func TestWebSocket_RoomURL(t *testing.T) {
	tests := []struct {
		base    string
		local   models.ParticipantID
		want    string
		wantErr bool
	}{
		{base: "http://localhost:8080", local: "a", want: "ws://localhost:8080/ws/signal/r1?peerId=a"},
		{base: "https://signal.example.com/base", local: "p 1", want: "wss://signal.example.com/base/ws/signal/r1?peerId=p+1"},
		{base: "ws://h", want: "ws://h/ws/signal/r1"},
		{base: "ftp://h", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NewWebSocket(tt.base, tt.local).roomURL("r1")
		if tt.wantErr {
			if err == nil {
				t.Errorf("roomURL(%q) succeeded, want error", tt.base)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("roomURL(%q)=(%q,%v), want %q", tt.base, got, err, tt.want)
		}
	}
}

func TestWebSocket_SubscribeUnknownRoomFails(t *testing.T) {
	srv := echoBridge(t, joinRecord("r1", "a", 1))
	f := NewWebSocket(strings.TrimSuffix(srv.URL, "/"), "a")
	if _, err := f.Subscribe(context.Background(), "missing", func(models.SignalRecord) {}); err == nil {
		t.Fatalf("Subscribe to unknown room succeeded")
	}
}
