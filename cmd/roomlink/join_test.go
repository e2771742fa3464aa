package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mossy-p/roomlink/internal/game"
	"github.com/mossy-p/roomlink/internal/models"
	"github.com/mossy-p/roomlink/internal/roster"
)

type recordingSender struct {
	msgs []models.Message
}

func (s *recordingSender) BroadcastAll(msg models.Message) (int, error) {
	s.msgs = append(s.msgs, msg)
	return 1, nil
}

func TestRunLine(t *testing.T) {
	sender := &recordingSender{}
	loop := game.New(game.Config{Local: "me", Name: "alice"}, sender)
	loop.HandleInbound("bob", []byte(`{"type":"state","state":{"x":5,"y":6,"hp":90,"name":"bob"}}`))

	tests := []struct {
		line    string
		quit    bool
		wantErr bool
		output  string
	}{
		{line: "", output: ""},
		{line: "/move 10 -20", output: "you are at (110, 280)"},
		{line: "/move 10", wantErr: true},
		{line: "/move x 1", wantErr: true},
		{line: "/who", output: "bob bob () at (5, 6) hp 90"},
		{line: "/say hi", wantErr: true},
		{line: "hello there", output: ""},
		{line: "/quit", quit: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			var out bytes.Buffer
			quit, err := runLine(context.Background(), &out, tt.line, loop, nil, "r1", "alice")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if quit != tt.quit {
				t.Fatalf("quit=%v", quit)
			}
			if got := strings.TrimSpace(out.String()); got != tt.output {
				t.Fatalf("output=%q want %q", got, tt.output)
			}
		})
	}

	if len(sender.msgs) != 1 || sender.msgs[0].Chat == nil || sender.msgs[0].Chat.Text != "hello there" {
		t.Fatalf("sent=%+v", sender.msgs)
	}
}

func TestLookupRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/rooms/ABCD23":
			_ = json.NewEncoder(w).Encode(models.RoomMetadata{ID: "r1", Code: "ABCD23", MaxPlayers: 4, PlayerCount: 1})
		case "/api/rooms/FULL99":
			_ = json.NewEncoder(w).Encode(models.RoomMetadata{ID: "r2", Code: "FULL99", MaxPlayers: 2, PlayerCount: 2})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")

	room, err := lookupRoom(context.Background(), wsBase, "ABCD23")
	if err != nil || room.ID != "r1" {
		t.Fatalf("room=%+v err=%v", room, err)
	}
	if _, err := lookupRoom(context.Background(), srv.URL, "FULL99"); !errors.Is(err, roster.ErrRoomFull) {
		t.Fatalf("full room err=%v", err)
	}
	if _, err := lookupRoom(context.Background(), srv.URL, "NOPE42"); !errors.Is(err, roster.ErrRoomNotFound) {
		t.Fatalf("unknown room err=%v", err)
	}
}
