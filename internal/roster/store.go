// Package roster stores rooms, room chat and per-player character picks in
// Redis, with live updates over Redis Pub/Sub.
package roster

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/roomlink/internal/feed"
	"github.com/mossy-p/roomlink/internal/logging"
	"github.com/mossy-p/roomlink/internal/models"
	"github.com/redis/go-redis/v9"
)

var log = logging.Logger("roster")

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrNotCreator   = errors.New("only the room creator can delete the room")
)

const (
	RoomCodeLength    = 6
	DefaultMaxPlayers = 8

	roomTTL          = 24 * time.Hour
	chatHistoryLimit = 200
	codeAttempts     = 5
	codeChars        = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
	roomsIndexKey    = "rooms"
)

func roomKey(id models.RoomID) string     { return "room:" + string(id) }
func codeKey(code string) string          { return "code:" + code }
func peersKey(id models.RoomID) string    { return "room:" + string(id) + ":peers" }
func chatKey(id models.RoomID) string     { return "room:" + string(id) + ":chat" }
func chatChannel(id models.RoomID) string { return "room:" + string(id) + ":chat:events" }
func playersKey(id models.RoomID) string  { return "room:" + string(id) + ":players" }
func playersChannel(id models.RoomID) string {
	return "room:" + string(id) + ":players:events"
}

type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// CreateRoom stores a new room with a unique shareable code.
func (s *Store) CreateRoom(ctx context.Context, name, creatorID string, maxPlayers int) (models.RoomMetadata, error) {
	if maxPlayers == 0 {
		maxPlayers = DefaultMaxPlayers
	}
	room := models.RoomMetadata{
		ID:         models.RoomID(uuid.NewString()),
		Name:       name,
		CreatorID:  creatorID,
		CreatedAt:  time.Now().UTC(),
		MaxPlayers: maxPlayers,
	}

	for attempt := 0; ; attempt++ {
		code, err := generateRoomCode()
		if err != nil {
			return models.RoomMetadata{}, err
		}
		ok, err := s.client.SetNX(ctx, codeKey(code), string(room.ID), roomTTL).Result()
		if err != nil {
			return models.RoomMetadata{}, fmt.Errorf("reserve room code: %w", err)
		}
		if ok {
			room.Code = code
			break
		}
		if attempt+1 >= codeAttempts {
			return models.RoomMetadata{}, errors.New("could not allocate a unique room code")
		}
	}

	data, err := json.Marshal(room)
	if err != nil {
		return models.RoomMetadata{}, err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, roomTTL)
	pipe.ZAdd(ctx, roomsIndexKey, redis.Z{Score: float64(room.CreatedAt.UnixMilli()), Member: string(room.ID)})
	if _, err := pipe.Exec(ctx); err != nil {
		return models.RoomMetadata{}, fmt.Errorf("store room: %w", err)
	}

	log.Infow("room created", "room", room.ID, "code", room.Code, "creator", creatorID)
	return room, nil
}

// ListRooms returns live rooms, newest first. Index entries of expired
// rooms are pruned along the way.
func (s *Store) ListRooms(ctx context.Context) ([]models.RoomMetadata, error) {
	ids, err := s.client.ZRevRange(ctx, roomsIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	rooms := make([]models.RoomMetadata, 0, len(ids))
	for _, id := range ids {
		room, err := s.load(ctx, models.RoomID(id))
		if errors.Is(err, ErrRoomNotFound) {
			s.client.ZRem(ctx, roomsIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// Room looks a room up by id or 6-character code.
func (s *Store) Room(ctx context.Context, idOrCode string) (models.RoomMetadata, error) {
	id := models.RoomID(idOrCode)
	if len(idOrCode) == RoomCodeLength {
		resolved, err := s.client.Get(ctx, codeKey(idOrCode)).Result()
		if errors.Is(err, redis.Nil) {
			return models.RoomMetadata{}, ErrRoomNotFound
		}
		if err != nil {
			return models.RoomMetadata{}, fmt.Errorf("resolve room code: %w", err)
		}
		id = models.RoomID(resolved)
	}
	return s.load(ctx, id)
}

func (s *Store) load(ctx context.Context, id models.RoomID) (models.RoomMetadata, error) {
	data, err := s.client.Get(ctx, roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.RoomMetadata{}, ErrRoomNotFound
	}
	if err != nil {
		return models.RoomMetadata{}, fmt.Errorf("load room: %w", err)
	}
	var room models.RoomMetadata
	if err := json.Unmarshal(data, &room); err != nil {
		return models.RoomMetadata{}, fmt.Errorf("failed to parse room data: %w", err)
	}
	count, err := s.client.SCard(ctx, peersKey(id)).Result()
	if err != nil {
		return models.RoomMetadata{}, fmt.Errorf("count peers: %w", err)
	}
	room.PlayerCount = int(count)
	return room, nil
}

// JoinableRoom resolves idOrCode and fails with ErrRoomFull when every slot
// is taken.
func (s *Store) JoinableRoom(ctx context.Context, idOrCode string) (models.RoomMetadata, error) {
	room, err := s.Room(ctx, idOrCode)
	if err != nil {
		return models.RoomMetadata{}, err
	}
	if room.PlayerCount >= room.MaxPlayers {
		return models.RoomMetadata{}, ErrRoomFull
	}
	return room, nil
}

// DeleteRoom removes a room and everything stored under it.
func (s *Store) DeleteRoom(ctx context.Context, id models.RoomID, requesterID string) error {
	room, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if room.CreatorID != requesterID {
		return ErrNotCreator
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, roomKey(id), codeKey(room.Code), peersKey(id), chatKey(id), playersKey(id), feed.StreamKey(id))
	pipe.ZRem(ctx, roomsIndexKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	log.Infow("room deleted", "room", id, "by", requesterID)
	return nil
}

// AddPeer records a live signal connection in the room.
func (s *Store) AddPeer(ctx context.Context, id models.RoomID, peer models.ParticipantID) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(id), string(peer))
	pipe.Expire(ctx, peersKey(id), roomTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) RemovePeer(ctx context.Context, id models.RoomID, peer models.ParticipantID) error {
	return s.client.SRem(ctx, peersKey(id), string(peer)).Err()
}

// AppendChat persists a chat line and publishes it to live subscribers.
func (s *Store) AppendChat(ctx context.Context, id models.RoomID, playerName, message string) (models.ChatLine, error) {
	if _, err := s.load(ctx, id); err != nil {
		return models.ChatLine{}, err
	}
	line := models.ChatLine{
		ID:         uuid.NewString(),
		RoomID:     id,
		PlayerName: playerName,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(line)
	if err != nil {
		return models.ChatLine{}, err
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, chatKey(id), data)
	pipe.LTrim(ctx, chatKey(id), -chatHistoryLimit, -1)
	pipe.Expire(ctx, chatKey(id), roomTTL)
	pipe.Publish(ctx, chatChannel(id), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.ChatLine{}, fmt.Errorf("append chat: %w", err)
	}
	return line, nil
}

// ChatHistory returns stored chat lines, oldest first.
func (s *Store) ChatHistory(ctx context.Context, id models.RoomID) ([]models.ChatLine, error) {
	raw, err := s.client.LRange(ctx, chatKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	lines := make([]models.ChatLine, 0, len(raw))
	for _, r := range raw {
		var line models.ChatLine
		if err := json.Unmarshal([]byte(r), &line); err != nil {
			log.Warnw("skipping corrupt chat line", "room", id, "err", err)
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// SubscribeChat delivers the chat history followed by new lines until the
// returned cancel func is called or ctx ends.
func (s *Store) SubscribeChat(ctx context.Context, id models.RoomID, onLine func(models.ChatLine)) (func(), error) {
	ps, err := s.subscribe(ctx, chatChannel(id))
	if err != nil {
		return nil, err
	}
	history, err := s.ChatHistory(ctx, id)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer ps.Close()
		seen := make(map[string]struct{}, len(history))
		for _, line := range history {
			seen[line.ID] = struct{}{}
			onLine(line)
		}
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var line models.ChatLine
				if err := json.Unmarshal([]byte(msg.Payload), &line); err != nil {
					log.Warnw("skipping corrupt chat event", "room", id, "err", err)
					continue
				}
				if _, dup := seen[line.ID]; dup {
					continue
				}
				onLine(line)
			}
		}
	}()
	return cancel, nil
}

// SetCharacter records a player's character pick. A second pick by the same
// player only replaces the character.
func (s *Store) SetCharacter(ctx context.Context, id models.RoomID, player models.ParticipantID, playerName, character string) (models.RosterEntry, error) {
	if _, err := s.load(ctx, id); err != nil {
		return models.RosterEntry{}, err
	}

	entry := models.RosterEntry{
		RoomID:     id,
		PlayerID:   player,
		PlayerName: playerName,
		Character:  character,
		InsertedAt: time.Now().UTC(),
	}
	existing, err := s.client.HGet(ctx, playersKey(id), string(player)).Bytes()
	switch {
	case err == nil:
		var prev models.RosterEntry
		if err := json.Unmarshal(existing, &prev); err == nil {
			prev.Character = character
			entry = prev
		}
	case !errors.Is(err, redis.Nil):
		return models.RosterEntry{}, fmt.Errorf("load player: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return models.RosterEntry{}, err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, playersKey(id), string(player), data)
	pipe.Expire(ctx, playersKey(id), roomTTL)
	pipe.Publish(ctx, playersChannel(id), string(player))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.RosterEntry{}, fmt.Errorf("store player: %w", err)
	}
	return entry, nil
}

// Players returns the roster ordered by first pick.
func (s *Store) Players(ctx context.Context, id models.RoomID) ([]models.RosterEntry, error) {
	raw, err := s.client.HGetAll(ctx, playersKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	players := make([]models.RosterEntry, 0, len(raw))
	for _, r := range raw {
		var entry models.RosterEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			log.Warnw("skipping corrupt roster entry", "room", id, "err", err)
			continue
		}
		players = append(players, entry)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].InsertedAt.Equal(players[j].InsertedAt) {
			return players[i].PlayerID < players[j].PlayerID
		}
		return players[i].InsertedAt.Before(players[j].InsertedAt)
	})
	return players, nil
}

// SubscribePlayers delivers the full roster now and again after every change.
func (s *Store) SubscribePlayers(ctx context.Context, id models.RoomID, onUpdate func([]models.RosterEntry)) (func(), error) {
	ps, err := s.subscribe(ctx, playersChannel(id))
	if err != nil {
		return nil, err
	}
	initial, err := s.Players(ctx, id)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer ps.Close()
		onUpdate(initial)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				players, err := s.Players(ctx, id)
				if err != nil {
					if ctx.Err() == nil {
						log.Warnw("reload roster", "room", id, "err", err)
					}
					continue
				}
				onUpdate(players)
			}
		}
	}()
	return cancel, nil
}

// subscribe opens a Pub/Sub subscription and waits for its confirmation so
// no message published afterwards is missed.
func (s *Store) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return ps, nil
}

// generateRoomCode generates a random room code
func generateRoomCode() (string, error) {
	code := make([]byte, RoomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
