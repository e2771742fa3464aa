package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/roomlink/internal/feed"
	"github.com/mossy-p/roomlink/internal/middleware"
	"github.com/mossy-p/roomlink/internal/models"
	"github.com/mossy-p/roomlink/internal/roster"
	"github.com/redis/go-redis/v9"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	store  *roster.Store
	feed   *feed.Memory
	mr     *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := roster.NewStore(client)
	f := feed.NewMemory()
	t.Cleanup(f.Close)

	router := gin.New()
	New(store, f, testSecret).Register(router)
	return &testServer{router: router, store: store, feed: f, mr: mr}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := middleware.IssueToken(testSecret, user, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health=%d", w.Code)
	}
	s.mr.Close()
	if w := s.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health after redis loss=%d", w.Code)
	}
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "alice", Password: "x"})
	if w.Code != http.StatusOK {
		t.Fatalf("login=%d %s", w.Code, w.Body)
	}
	resp := decode[LoginResponse](t, w)
	claims, err := middleware.ParseToken(testSecret, resp.Token)
	if err != nil || claims.UserID != "alice" || resp.UserID != "alice" {
		t.Fatalf("claims=%+v err=%v", claims, err)
	}

	if w := s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing password=%d", w.Code)
	}
}

func TestRoomLifecycle(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, http.MethodPost, "/api/rooms", "", models.CreateRoomRequest{Name: "lobby"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous create=%d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/rooms", "alice", map[string]any{"maxPlayers": 4}); w.Code != http.StatusBadRequest {
		t.Fatalf("nameless create=%d", w.Code)
	}

	w := s.do(t, http.MethodPost, "/api/rooms", "alice", models.CreateRoomRequest{Name: "lobby", MaxPlayers: 4})
	if w.Code != http.StatusCreated {
		t.Fatalf("create=%d %s", w.Code, w.Body)
	}
	created := decode[models.CreateRoomResponse](t, w)

	for _, key := range []string{string(created.RoomID), created.Code} {
		w := s.do(t, http.MethodGet, "/api/rooms/"+key, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("get %s=%d", key, w.Code)
		}
		room := decode[models.RoomMetadata](t, w)
		if room.ID != created.RoomID || room.CreatorID != "alice" || room.MaxPlayers != 4 {
			t.Fatalf("room=%+v", room)
		}
	}

	list := decode[[]models.RoomMetadata](t, s.do(t, http.MethodGet, "/api/rooms", "", nil))
	if len(list) != 1 || list[0].ID != created.RoomID {
		t.Fatalf("list=%+v", list)
	}

	if w := s.do(t, http.MethodDelete, "/api/rooms/"+created.Code, "bob", nil); w.Code != http.StatusForbidden {
		t.Fatalf("delete by stranger=%d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/rooms/"+created.Code, "alice", nil); w.Code != http.StatusOK {
		t.Fatalf("delete=%d %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodGet, "/api/rooms/"+string(created.RoomID), "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted=%d", w.Code)
	}
}

func TestChatAndPlayers(t *testing.T) {
	s := newTestServer(t)
	room, err := s.store.CreateRoom(context.Background(), "lobby", "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	base := "/api/rooms/" + room.Code

	for _, msg := range []string{"hi", "gg"} {
		w := s.do(t, http.MethodPost, base+"/chat", "", models.PostChatRequest{PlayerName: "alice", Message: msg})
		if w.Code != http.StatusCreated {
			t.Fatalf("post chat=%d %s", w.Code, w.Body)
		}
	}
	if w := s.do(t, http.MethodPost, base+"/chat", "", models.PostChatRequest{PlayerName: "alice"}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty message=%d", w.Code)
	}
	lines := decode[[]models.ChatLine](t, s.do(t, http.MethodGet, base+"/chat", "", nil))
	if len(lines) != 2 || lines[0].Message != "hi" || lines[1].Message != "gg" {
		t.Fatalf("chat=%+v", lines)
	}

	w := s.do(t, http.MethodPut, base+"/players/p1", "", models.SetCharacterRequest{PlayerName: "alice", Character: "knight"})
	if w.Code != http.StatusOK {
		t.Fatalf("set character=%d %s", w.Code, w.Body)
	}
	s.do(t, http.MethodPut, base+"/players/p1", "", models.SetCharacterRequest{PlayerName: "alice", Character: "mage"})

	players := decode[[]models.RosterEntry](t, s.do(t, http.MethodGet, base+"/players", "", nil))
	if len(players) != 1 || players[0].PlayerID != "p1" || players[0].Character != "mage" {
		t.Fatalf("players=%+v", players)
	}

	if w := s.do(t, http.MethodGet, "/api/rooms/NOPE42/chat", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("chat of unknown room=%d", w.Code)
	}
}
