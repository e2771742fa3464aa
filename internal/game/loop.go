// Package game is the headless local game loop: it broadcasts the local
// player's state every tick and keeps the latest state of each remote
// player.
package game

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/roomlink/internal/logging"
	"github.com/mossy-p/roomlink/internal/models"
)

var log = logging.Logger("game")

const (
	DefaultWidth        = 800
	DefaultHeight       = 600
	DefaultTickInterval = 33 * time.Millisecond

	// Margin keeps players this far inside the arena edges.
	Margin = 20

	startX  = 100
	startY  = 300
	startHP = 100
)

// Sender broadcasts an application message to every ready peer.
type Sender interface {
	BroadcastAll(msg models.Message) (int, error)
}

type Config struct {
	Local        models.ParticipantID
	Name         string
	Character    string
	TickInterval time.Duration
	Width        float64
	Height       float64
	Codec        models.Codec
}

// Loop owns the local player state and the remote-state table.
type Loop struct {
	cfg    Config
	sender Sender

	mu      sync.Mutex
	local   models.PlayerState
	remotes map[models.ParticipantID]models.PlayerState
	onChat  func(models.ChatMessage)
}

func New(cfg Config, sender Sender) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.Codec == nil {
		cfg.Codec = models.JSONCodec{}
	}
	return &Loop{
		cfg:    cfg,
		sender: sender,
		local: models.PlayerState{
			X:         startX,
			Y:         startY,
			HP:        startHP,
			Character: cfg.Character,
			Name:      cfg.Name,
		},
		remotes: make(map[models.ParticipantID]models.PlayerState),
	}
}

// OnChat registers the receiver of peer chat lines.
func (l *Loop) OnChat(fn func(models.ChatMessage)) {
	l.mu.Lock()
	l.onChat = fn
	l.mu.Unlock()
}

// Run broadcasts the local state every tick until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick broadcasts one snapshot of the local state.
func (l *Loop) Tick() {
	if _, err := l.sender.BroadcastAll(models.NewStateMessage(l.Local())); err != nil {
		log.Warnw("state broadcast failed", "err", err)
	}
}

// Move shifts the local player, clamped to the arena.
func (l *Loop) Move(dx, dy float64) models.PlayerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.local.X = clamp(l.local.X+dx, Margin, l.cfg.Width-Margin)
	l.local.Y = clamp(l.local.Y+dy, Margin, l.cfg.Height-Margin)
	return l.local
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (l *Loop) Local() models.PlayerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local
}

// SendChat broadcasts a chat line from the local player.
func (l *Loop) SendChat(text string) (int, error) {
	return l.sender.BroadcastAll(models.NewChatMessage(l.cfg.Local, text))
}

// HandleInbound applies one message received from a peer. State replaces
// the sender's previous entry; there is no ordering beyond arrival.
func (l *Loop) HandleInbound(from models.ParticipantID, data []byte) {
	msg, err := l.cfg.Codec.Unmarshal(data)
	if err != nil {
		log.Warnw("dropping undecodable message", "peer", from, "err", err)
		return
	}

	switch msg.Type {
	case models.MessageTypeState:
		l.mu.Lock()
		l.remotes[from] = *msg.State
		l.mu.Unlock()
	case models.MessageTypeChat:
		chat := *msg.Chat
		if chat.From == "" {
			chat.From = from
		}
		l.mu.Lock()
		fn := l.onChat
		l.mu.Unlock()
		if fn != nil {
			fn(chat)
		}
	}
}

// Forget drops a departed peer from the remote-state table.
func (l *Loop) Forget(id models.ParticipantID) {
	l.mu.Lock()
	delete(l.remotes, id)
	l.mu.Unlock()
}

// Remotes returns a copy of the remote-state table.
func (l *Loop) Remotes() map[models.ParticipantID]models.PlayerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[models.ParticipantID]models.PlayerState, len(l.remotes))
	for id, s := range l.remotes {
		out[id] = s
	}
	return out
}

// RemoteIDs returns the remote participants with known state, ordered.
func (l *Loop) RemoteIDs() []models.ParticipantID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]models.ParticipantID, 0, len(l.remotes))
	for id := range l.remotes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
