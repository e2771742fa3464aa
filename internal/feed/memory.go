package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/roomlink/internal/models"
	"github.com/mossy-p/roomlink/internal/queue"
)

// Memory is an in-process feed. It keeps every room's backlog for the
// lifetime of the value and is used by tests and single-process demos.
type Memory struct {
	mu         sync.Mutex
	rooms      map[models.RoomID]*memoryRoom
	publishErr error
	closed     bool
}

type memoryRoom struct {
	records []models.SignalRecord
	subs    map[*memorySub]struct{}
}

type memorySub struct {
	q    *queue.FIFO[models.SignalRecord]
	done chan struct{}
	once sync.Once
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[models.RoomID]*memoryRoom)}
}

func (m *Memory) room(id models.RoomID) *memoryRoom {
	r, ok := m.rooms[id]
	if !ok {
		r = &memoryRoom{subs: make(map[*memorySub]struct{})}
		m.rooms[id] = r
	}
	return r
}

func (m *Memory) Subscribe(ctx context.Context, room models.RoomID, onRecord func(models.SignalRecord)) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	r := m.room(room)
	sub := &memorySub{q: queue.NewFIFO[models.SignalRecord](), done: make(chan struct{})}
	for _, rec := range r.records {
		sub.q.Push(rec)
	}
	r.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		for {
			rec, ok := sub.q.Pop()
			if !ok {
				return
			}
			onRecord(rec)
		}
	}()

	cancel := func() {
		m.mu.Lock()
		delete(r.subs, sub)
		m.mu.Unlock()
		sub.stop()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return cancel, nil
}

func (m *Memory) Publish(ctx context.Context, rec models.SignalRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: %w", ErrPublish, ErrClosed)
	}
	if m.publishErr != nil {
		return fmt.Errorf("%w: %w", ErrPublish, m.publishErr)
	}
	r := m.room(rec.RoomID)
	r.records = append(r.records, rec)
	for sub := range r.subs {
		sub.q.Push(rec)
	}
	return nil
}

// FailPublish makes every subsequent Publish fail with err until it is
// called again with nil.
func (m *Memory) FailPublish(err error) {
	m.mu.Lock()
	m.publishErr = err
	m.mu.Unlock()
}

// Replay redelivers the whole backlog of room to current subscribers, the
// way a reconnecting subscription would.
func (m *Memory) Replay(room models.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(room)
	for sub := range r.subs {
		for _, rec := range r.records {
			sub.q.Push(rec)
		}
	}
}

// Records returns a copy of the room backlog in publish order.
func (m *Memory) Records(room models.RoomID) []models.SignalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[room]
	if !ok {
		return nil
	}
	return append([]models.SignalRecord(nil), r.records...)
}

// Close cancels every subscription.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	var subs []*memorySub
	for _, r := range m.rooms {
		for sub := range r.subs {
			subs = append(subs, sub)
		}
		r.subs = make(map[*memorySub]struct{})
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() {
		s.q.Close()
		close(s.done)
	})
}
