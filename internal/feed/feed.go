// Package feed adapts room-scoped signaling stores into a push stream of
// SignalRecords. Every implementation delivers the room's backlog first and
// live inserts after it, one record at a time on a single goroutine per
// subscription. Delivery is at-least-once; consumers de-duplicate.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/roomlink/internal/logging"
	"github.com/mossy-p/roomlink/internal/models"
)

var log = logging.Logger("feed")

var (
	ErrClosed        = errors.New("feed closed")
	ErrPublish       = errors.New("publish failed")
	ErrNotSubscribed = errors.New("room not subscribed")
)

// WebSocket connection parameters shared by the bridge server and client.
const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 64 * 1024
)

// Feed is the signaling channel of one or more rooms.
type Feed interface {
	// Subscribe registers onRecord for every record observed in room,
	// starting with the existing backlog. The returned cancel func stops
	// delivery and is safe to call more than once.
	Subscribe(ctx context.Context, room models.RoomID, onRecord func(models.SignalRecord)) (cancel func(), err error)

	// Publish appends rec to its room. Failures are returned, never retried.
	Publish(ctx context.Context, rec models.SignalRecord) error
}
