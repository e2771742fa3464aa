package roster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/roomlink/internal/feed"
	"github.com/mossy-p/roomlink/internal/models"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), mr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateAndLookupRoom(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "lobby", "alice", 0)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(room.Code) != RoomCodeLength || room.MaxPlayers != DefaultMaxPlayers {
		t.Fatalf("room %+v", room)
	}

	byCode, err := s.Room(ctx, room.Code)
	if err != nil || byCode.ID != room.ID || byCode.Name != "lobby" {
		t.Fatalf("Room(code)=%+v err=%v", byCode, err)
	}
	byID, err := s.Room(ctx, string(room.ID))
	if err != nil || byID.Code != room.Code {
		t.Fatalf("Room(id)=%+v err=%v", byID, err)
	}

	if _, err := s.Room(ctx, "ZZZZZZ"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("unknown code err=%v", err)
	}
	if _, err := s.Room(ctx, "no-such-room-id"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("unknown id err=%v", err)
	}
}

func TestListRooms_NewestFirstAndPrunes(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	first, _ := s.CreateRoom(ctx, "first", "alice", 4)
	time.Sleep(2 * time.Millisecond)
	second, _ := s.CreateRoom(ctx, "second", "bob", 4)

	rooms, err := s.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0].ID != second.ID || rooms[1].ID != first.ID {
		t.Fatalf("rooms=%+v", rooms)
	}

	mr.Del(roomKey(first.ID))
	rooms, _ = s.ListRooms(ctx)
	if len(rooms) != 1 || rooms[0].ID != second.ID {
		t.Fatalf("rooms after expiry=%+v", rooms)
	}
	if members, _ := mr.ZMembers(roomsIndexKey); len(members) != 1 {
		t.Fatalf("index not pruned: %v", members)
	}
}

func TestJoinableRoom_Full(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	room, _ := s.CreateRoom(ctx, "duo", "alice", 2)

	for _, p := range []models.ParticipantID{"p1", "p2"} {
		if _, err := s.JoinableRoom(ctx, room.Code); err != nil {
			t.Fatalf("JoinableRoom before %s: %v", p, err)
		}
		if err := s.AddPeer(ctx, room.ID, p); err != nil {
			t.Fatalf("AddPeer: %v", err)
		}
	}
	if _, err := s.JoinableRoom(ctx, room.Code); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}

	_ = s.RemovePeer(ctx, room.ID, "p1")
	got, err := s.JoinableRoom(ctx, string(room.ID))
	if err != nil || got.PlayerCount != 1 {
		t.Fatalf("after leave: %+v err=%v", got, err)
	}
}

func TestDeleteRoom(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	room, _ := s.CreateRoom(ctx, "temp", "alice", 4)
	_, _ = s.AppendChat(ctx, room.ID, "alice", "hi")
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	signals := feed.NewRedis(client, feed.RedisOptions{})
	payload, _ := json.Marshal(models.JoinPayload{Timestamp: time.Now().UnixMilli()})
	join := models.SignalRecord{
		ID:      "alice-1",
		RoomID:  room.ID,
		From:    "alice",
		Kind:    models.SignalKindJoin,
		Payload: payload,
		Seq:     1,
		SentAt:  time.Now().UnixMilli(),
	}
	if err := signals.Publish(ctx, join); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !mr.Exists(feed.StreamKey(room.ID)) {
		t.Fatal("signal stream not written")
	}

	if err := s.DeleteRoom(ctx, room.ID, "mallory"); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("err=%v, want ErrNotCreator", err)
	}
	if err := s.DeleteRoom(ctx, room.ID, "alice"); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	for _, key := range []string{roomKey(room.ID), codeKey(room.Code), chatKey(room.ID), feed.StreamKey(room.ID)} {
		if mr.Exists(key) {
			t.Fatalf("%s survived delete", key)
		}
	}
	if err := s.DeleteRoom(ctx, room.ID, "alice"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
}

func TestChat_HistoryAndLive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	room, _ := s.CreateRoom(ctx, "chat", "alice", 4)

	if _, err := s.AppendChat(ctx, room.ID, "alice", "one"); err != nil {
		t.Fatalf("AppendChat: %v", err)
	}
	if _, err := s.AppendChat(ctx, "missing", "alice", "x"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("chat to missing room err=%v", err)
	}

	var mu sync.Mutex
	var got []string
	cancel, err := s.SubscribeChat(ctx, room.ID, func(l models.ChatLine) {
		mu.Lock()
		got = append(got, l.PlayerName+":"+l.Message)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeChat: %v", err)
	}
	defer cancel()

	if _, err := s.AppendChat(ctx, room.ID, "bob", "two"); err != nil {
		t.Fatalf("AppendChat: %v", err)
	}
	waitFor(t, "two chat lines", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	if got[0] != "alice:one" || got[1] != "bob:two" {
		t.Fatalf("chat=%v", got)
	}
	mu.Unlock()

	history, err := s.ChatHistory(ctx, room.ID)
	if err != nil || len(history) != 2 || history[0].Message != "one" {
		t.Fatalf("history=%+v err=%v", history, err)
	}
}

func TestPlayers_UpsertAndSubscribe(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	room, _ := s.CreateRoom(ctx, "roster", "alice", 4)

	var mu sync.Mutex
	var updates [][]models.RosterEntry
	cancel, err := s.SubscribePlayers(ctx, room.ID, func(list []models.RosterEntry) {
		mu.Lock()
		updates = append(updates, list)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribePlayers: %v", err)
	}
	defer cancel()

	if _, err := s.SetCharacter(ctx, room.ID, "p1", "alice", "knight"); err != nil {
		t.Fatalf("SetCharacter: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := s.SetCharacter(ctx, room.ID, "p2", "bob", "mage"); err != nil {
		t.Fatalf("SetCharacter: %v", err)
	}
	entry, err := s.SetCharacter(ctx, room.ID, "p1", "renamed", "archer")
	if err != nil {
		t.Fatalf("SetCharacter: %v", err)
	}
	if entry.PlayerName != "alice" || entry.Character != "archer" {
		t.Fatalf("upsert changed more than the character: %+v", entry)
	}

	players, err := s.Players(ctx, room.ID)
	if err != nil {
		t.Fatalf("Players: %v", err)
	}
	if len(players) != 2 || players[0].PlayerID != "p1" || players[0].Character != "archer" || players[1].PlayerID != "p2" {
		t.Fatalf("players=%+v", players)
	}

	waitFor(t, "roster updates", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 4
	})
	mu.Lock()
	defer mu.Unlock()
	if len(updates[0]) != 0 {
		t.Fatalf("initial roster=%+v", updates[0])
	}
	if last := updates[3]; len(last) != 2 || last[0].Character != "archer" {
		t.Fatalf("last update=%+v", last)
	}
}
