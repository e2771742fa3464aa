package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/roomlink/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	recordField   = "record"
	readBatchSize = 100
	retryDelay    = time.Second
)

// RedisOptions tunes the stream-backed feed.
type RedisOptions struct {
	// MaxLen caps each room stream (approximate trimming).
	MaxLen int64
	// TTL is refreshed on every publish so idle rooms expire.
	TTL time.Duration
	// Block is how long one XREAD waits for new entries.
	Block time.Duration
}

// Redis stores each room's signals in the stream room:<roomId>:signals.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
}

func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	if opts.MaxLen <= 0 {
		opts.MaxLen = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	return &Redis{client: client, opts: opts}
}

// StreamKey is the Redis stream holding room's signals.
func StreamKey(room models.RoomID) string {
	return "room:" + string(room) + ":signals"
}

func (r *Redis) Publish(ctx context.Context, rec models.SignalRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	key := StreamKey(rec.RoomID)
	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.opts.MaxLen,
		Approx: true,
		Values: map[string]any{recordField: string(data)},
	})
	pipe.Expire(ctx, key, r.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: room %s: %w", ErrPublish, rec.RoomID, err)
	}
	return nil
}

// Subscribe fetches the backlog synchronously, so an unreachable Redis is
// reported to the caller, then streams live entries until cancelled.
func (r *Redis) Subscribe(ctx context.Context, room models.RoomID, onRecord func(models.SignalRecord)) (func(), error) {
	key := StreamKey(room)
	backlog, err := r.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read backlog of room %s: %w", room, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		lastID := "0"
		for _, msg := range backlog {
			r.deliver(room, msg, onRecord)
			lastID = msg.ID
		}
		r.follow(ctx, room, key, lastID, onRecord)
	}()
	return cancel, nil
}

func (r *Redis) follow(ctx context.Context, room models.RoomID, key, lastID string, onRecord func(models.SignalRecord)) {
	for {
		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   readBatchSize,
			Block:   r.opts.Block,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			log.Warnw("stream read failed", "room", room, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				r.deliver(room, msg, onRecord)
				lastID = msg.ID
			}
		}
	}
}

func (r *Redis) deliver(room models.RoomID, msg redis.XMessage, onRecord func(models.SignalRecord)) {
	raw, ok := msg.Values[recordField].(string)
	if !ok {
		log.Warnw("stream entry without record", "room", room, "entry", msg.ID)
		return
	}
	rec, err := models.DecodeSignalRecord([]byte(raw))
	if err != nil {
		log.Warnw("dropping undecodable record", "room", room, "entry", msg.ID, "err", err)
		return
	}
	if rec.RoomID != room {
		log.Warnw("dropping record for another room", "room", room, "record_room", rec.RoomID)
		return
	}
	onRecord(rec)
}
