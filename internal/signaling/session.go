// Package signaling turns a room's signal feed into established peer links.
//
// A Session runs one event loop goroutine. Feed deliveries and transport
// callbacks are posted to it as closures, so registry mutations and hook
// calls never run concurrently. Outbound records go through a second
// goroutine that publishes them in order, keeping feed I/O off the loop.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/roomlink/internal/feed"
	"github.com/mossy-p/roomlink/internal/logging"
	"github.com/mossy-p/roomlink/internal/models"
	"github.com/mossy-p/roomlink/internal/queue"
	"github.com/mossy-p/roomlink/internal/registry"
	"github.com/mossy-p/roomlink/internal/transport"
)

var log = logging.Logger("signaling")

const (
	defaultPublishTimeout     = 5 * time.Second
	defaultNegotiationTimeout = 30 * time.Second
)

// Hooks are called on the session loop. They must not block and must not
// call Close.
type Hooks struct {
	// OnMessage receives application data from a ready link.
	OnMessage func(from models.ParticipantID, data []byte)
	// OnPeerReady fires when a link reaches Connected.
	OnPeerReady func(id models.ParticipantID)
	// OnPeerGone fires when a link is evicted for any reason but Close.
	OnPeerGone func(id models.ParticipantID)
	// OnError receives failures that have no synchronous caller.
	OnError func(err error)
}

// Config wires a Session. Feed, Registry and Transports are required.
type Config struct {
	Room       models.RoomID
	Local      models.ParticipantID
	Feed       feed.Feed
	Registry   *registry.Registry
	Transports transport.Factory
	Hooks      Hooks

	PublishTimeout     time.Duration
	NegotiationTimeout time.Duration
	// ClockSkew is subtracted from the session start when deciding whether
	// a Join predates us.
	ClockSkew time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Session is one local participant's signaling state machine in one room.
type Session struct {
	cfg   Config
	reg   *registry.Registry
	hooks Hooks

	ctx    context.Context
	cancel context.CancelFunc

	loop     *queue.FIFO[func()]
	out      *queue.FIFO[outbound]
	loopDone chan struct{}
	outDone  chan struct{}
	closed   chan struct{}

	seq atomic.Uint64
	// epoch identifies this session among restarts of the same participant.
	epoch int64

	mu        sync.Mutex
	started   time.Time
	cancelSub func()
	closeOnce sync.Once

	// loop-owned
	seen *dedup
	// peerEpoch is the session epoch of the remote side of each live link.
	peerEpoch map[models.ParticipantID]int64
	timers    map[models.ParticipantID]*time.Timer
}

type outbound struct {
	rec    models.SignalRecord
	result chan error
	onErr  func(error)
	marker chan struct{}
}

// generation ties transport callbacks to the transport they were created
// for, so events from a replaced transport are ignored.
type generation struct {
	t transport.Transport
}

func New(cfg Config) (*Session, error) {
	switch {
	case cfg.Room == "":
		return nil, errors.New("signaling: room is required")
	case cfg.Local == "":
		return nil, errors.New("signaling: local participant is required")
	case cfg.Feed == nil:
		return nil, errors.New("signaling: feed is required")
	case cfg.Registry == nil:
		return nil, errors.New("signaling: registry is required")
	case cfg.Transports == nil:
		return nil, errors.New("signaling: transport factory is required")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		reg:       cfg.Registry,
		hooks:     cfg.Hooks,
		ctx:       ctx,
		cancel:    cancel,
		loop:      queue.NewFIFO[func()](),
		out:       queue.NewFIFO[outbound](),
		loopDone:  make(chan struct{}),
		outDone:   make(chan struct{}),
		closed:    make(chan struct{}),
		seen:      newDedup(),
		epoch:     cfg.Now().UnixMilli(),
		peerEpoch: make(map[models.ParticipantID]int64),
		timers:    make(map[models.ParticipantID]*time.Timer),
	}
	go s.run()
	go s.publishLoop()
	return s, nil
}

func (s *Session) Local() models.ParticipantID { return s.cfg.Local }

func (s *Session) Room() models.RoomID { return s.cfg.Room }

// Epoch returns the session epoch stamped on every outbound record.
func (s *Session) Epoch() int64 { return s.epoch }

// Start subscribes to the room feed and announces the local participant
// with a Join. The subscription lives until ctx ends or Close is called.
// A failed Join publish is returned; the subscription stays active and the
// caller may retry with Announce.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.started.IsZero() {
		s.mu.Unlock()
		return errors.New("signaling: session already started")
	}
	select {
	case <-s.closed:
		s.mu.Unlock()
		return ErrClosed
	default:
	}
	s.started = s.cfg.Now()
	s.mu.Unlock()

	cancel, err := s.cfg.Feed.Subscribe(ctx, s.cfg.Room, s.Deliver)
	if err != nil {
		return fmt.Errorf("subscribe to room %s: %w", s.cfg.Room, err)
	}
	s.mu.Lock()
	s.cancelSub = cancel
	s.mu.Unlock()

	log.Infow("session started", "room", s.cfg.Room, "local", s.cfg.Local)
	return s.Announce(ctx)
}

// Announce publishes a Join so that present members offer to us.
func (s *Session) Announce(ctx context.Context) error {
	s.mu.Lock()
	started := !s.started.IsZero()
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	payload, err := json.Marshal(models.JoinPayload{Timestamp: s.cfg.Now().UnixMilli()})
	if err != nil {
		return err
	}
	result := make(chan error, 1)
	if !s.out.Push(outbound{rec: s.newRecord(models.SignalKindJoin, "", 0, payload), result: result}) {
		return ErrClosed
	}
	select {
	case err := <-result:
		if err != nil {
			log.Errorw("join publish failed", "room", s.cfg.Room, "err", err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
}

// Deliver hands one feed record to the session loop. It never blocks.
func (s *Session) Deliver(rec models.SignalRecord) {
	s.post(func() { s.handle(rec) })
}

// Sync waits until everything posted to the loop before the call has been
// processed and the resulting records published.
func (s *Session) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !s.post(func() {
		if !s.out.Push(outbound{marker: done}) {
			close(done)
		}
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
}

// Close cancels the subscription and evicts every link. No goodbye record
// is published. It must not be called from a hook.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancelSub := s.cancelSub
		s.mu.Unlock()
		if cancelSub != nil {
			cancelSub()
		}

		done := make(chan struct{})
		if !s.post(func() { s.teardown(); close(done) }) {
			close(done)
		}
		<-done

		close(s.closed)
		s.loop.Close()
		s.out.Close()
		s.cancel()
		<-s.loopDone
		<-s.outDone
		log.Infow("session closed", "room", s.cfg.Room, "local", s.cfg.Local)
	})
	return nil
}

func (s *Session) post(fn func()) bool {
	return s.loop.Push(fn)
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		fn, ok := s.loop.Pop()
		if !ok {
			return
		}
		fn()
	}
}

func (s *Session) publishLoop() {
	defer close(s.outDone)
	for {
		item, ok := s.out.Pop()
		if !ok {
			return
		}
		if item.marker != nil {
			close(item.marker)
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PublishTimeout)
		err := s.cfg.Feed.Publish(ctx, item.rec)
		cancel()
		switch {
		case item.result != nil:
			item.result <- err
		case err != nil && item.onErr != nil:
			item.onErr(err)
		}
	}
}

func (s *Session) newRecord(kind models.SignalKind, to models.ParticipantID, toEpoch int64, payload json.RawMessage) models.SignalRecord {
	return models.SignalRecord{
		ID:      uuid.NewString(),
		RoomID:  s.cfg.Room,
		From:    s.cfg.Local,
		To:      to,
		Kind:    kind,
		Payload: payload,
		Seq:     s.seq.Add(1),
		Epoch:   s.epoch,
		ToEpoch: toEpoch,
		SentAt:  s.cfg.Now().UnixMilli(),
	}
}

// send queues a record addressed to one peer. A failed Offer or Answer
// leaves the link unable to complete, so it is evicted.
func (s *Session) send(kind models.SignalKind, to models.ParticipantID, payload json.RawMessage, gen *generation) {
	rec := s.newRecord(kind, to, s.peerEpoch[to], payload)
	s.out.Push(outbound{rec: rec, onErr: func(err error) {
		log.Errorw("publish failed", "peer", to, "type", kind, "err", err)
		s.post(func() {
			s.report(&PeerError{Participant: to, Op: "publish " + string(kind), Err: err})
			if kind != models.SignalKindCandidate && s.current(to, gen) {
				s.evict(to, "publish failed")
			}
		})
	}})
}

func (s *Session) report(err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

// handle applies one record. It runs on the loop.
func (s *Session) handle(rec models.SignalRecord) {
	if err := rec.Validate(); err != nil {
		log.Warnw("dropping invalid record", "id", rec.ID, "err", err)
		return
	}
	if rec.RoomID != s.cfg.Room || rec.From == s.cfg.Local {
		return
	}
	if !s.seen.observe(rec.From, rec.Epoch, rec.Seq) {
		log.Debugw("duplicate record", "from", rec.From, "epoch", rec.Epoch, "seq", rec.Seq, "type", rec.Kind)
		return
	}
	if !rec.Broadcast() {
		if rec.To != s.cfg.Local {
			return
		}
		if rec.ToEpoch != 0 && rec.ToEpoch != s.epoch {
			log.Debugw("ignoring record for an earlier session", "from", rec.From, "type", rec.Kind)
			return
		}
	}
	if known, ok := s.peerEpoch[rec.From]; ok && rec.Epoch > known {
		s.evict(rec.From, "peer restarted")
	}

	switch rec.Kind {
	case models.SignalKindJoin:
		s.onJoin(rec)
	case models.SignalKindOffer:
		s.onOffer(rec)
	case models.SignalKindAnswer:
		s.onAnswer(rec)
	case models.SignalKindCandidate:
		s.onCandidate(rec)
	}
}

func (s *Session) onJoin(rec models.SignalRecord) {
	s.mu.Lock()
	cutoff := s.started.Add(-s.cfg.ClockSkew)
	s.mu.Unlock()
	if rec.SentTime().Before(cutoff) {
		log.Debugw("ignoring join from before session start", "from", rec.From)
		return
	}
	if _, ok := s.reg.Get(rec.From); ok {
		return
	}

	gen := &generation{}
	link, _, err := s.reg.GetOrCreate(rec.From, models.RoleInitiator, s.dial(rec.From, models.RoleInitiator, gen))
	if err != nil {
		s.negotiationFailed(rec.From, "create transport", err, nil)
		return
	}
	s.peerEpoch[rec.From] = rec.Epoch
	s.armTimeout(rec.From, gen)

	offer, err := link.Transport.CreateOffer()
	if err != nil {
		s.negotiationFailed(rec.From, "create offer", err, gen)
		return
	}
	if err := s.reg.Transition(rec.From, registry.StateOfferSent); err != nil {
		s.negotiationFailed(rec.From, "offer sent", err, gen)
		return
	}
	s.send(models.SignalKindOffer, rec.From, offer, gen)
	log.Infow("offer sent", "peer", rec.From)
}

func (s *Session) onOffer(rec models.SignalRecord) {
	from := rec.From
	if link, ok := s.reg.Get(from); ok {
		switch {
		case link.State == registry.StateConnected:
			log.Debugw("ignoring offer for connected link", "peer", from)
			return
		case link.Role == models.RoleInitiator && link.State == registry.StateOfferSent && s.cfg.Local < from:
			log.Debugw("offer collision, keeping initiator role", "peer", from)
			return
		default:
			// The remote side restarted negotiation or lost the collision
			// tie-break against us; answer with a fresh transport.
			log.Debugw("replacing link for new offer", "peer", from, "state", link.State, "role", link.Role)
			s.evict(from, "superseded by offer")
		}
	}

	gen := &generation{}
	link, _, err := s.reg.GetOrCreate(from, models.RoleResponder, s.dial(from, models.RoleResponder, gen))
	if err != nil {
		s.negotiationFailed(from, "create transport", err, nil)
		return
	}
	s.peerEpoch[from] = rec.Epoch
	s.armTimeout(from, gen)

	if err := s.reg.Transition(from, registry.StateOfferReceived); err != nil {
		s.negotiationFailed(from, "offer received", err, gen)
		return
	}
	if err := link.Transport.ApplyRemoteDescription(rec.Payload); err != nil {
		s.negotiationFailed(from, "apply offer", err, gen)
		return
	}
	answer, err := link.Transport.CreateAnswer()
	if err != nil {
		s.negotiationFailed(from, "create answer", err, gen)
		return
	}
	if err := s.reg.Transition(from, registry.StateAnswering); err != nil {
		s.negotiationFailed(from, "answering", err, gen)
		return
	}
	s.send(models.SignalKindAnswer, from, answer, gen)
	log.Infow("answer sent", "peer", from)
}

func (s *Session) onAnswer(rec models.SignalRecord) {
	link, ok := s.reg.Get(rec.From)
	if !ok {
		log.Warnw("answer from unknown participant", "peer", rec.From)
		return
	}
	if link.Role != models.RoleInitiator || link.State != registry.StateOfferSent {
		log.Debugw("ignoring unexpected answer", "peer", rec.From, "state", link.State, "role", link.Role)
		return
	}
	if err := link.Transport.ApplyRemoteDescription(rec.Payload); err != nil {
		s.negotiationFailed(rec.From, "apply answer", err, nil)
		return
	}
	if err := s.reg.Transition(rec.From, registry.StateAwaitingAnswer); err != nil {
		s.negotiationFailed(rec.From, "answer applied", err, nil)
	}
}

func (s *Session) onCandidate(rec models.SignalRecord) {
	link, ok := s.reg.Get(rec.From)
	if !ok {
		log.Warnw("candidate from unknown participant", "peer", rec.From)
		return
	}
	if err := link.Transport.AddRemoteCandidate(rec.Payload); err != nil {
		log.Warnw("candidate rejected", "peer", rec.From, "err", err)
	}
}

// negotiationFailed evicts only the affected link. A nil gen means the link,
// if any, is the current one.
func (s *Session) negotiationFailed(id models.ParticipantID, op string, err error, gen *generation) {
	log.Warnw("negotiation failed", "peer", id, "op", op, "err", err)
	s.report(&PeerError{Participant: id, Op: op, Err: fmt.Errorf("%w: %w", ErrNegotiation, err)})
	if gen == nil || s.current(id, gen) {
		s.evict(id, op+" failed")
	}
}

func (s *Session) evict(id models.ParticipantID, reason string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.peerEpoch, id)
	if s.reg.Evict(id) {
		log.Infow("peer link closed", "peer", id, "reason", reason)
		if s.hooks.OnPeerGone != nil {
			s.hooks.OnPeerGone(id)
		}
	}
}

func (s *Session) teardown() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	clear(s.peerEpoch)
	ids := s.reg.EvictAll()
	if len(ids) > 0 {
		log.Debugw("evicted links on close", "count", len(ids))
	}
}

// current reports whether gen's transport is still the one registered for id.
func (s *Session) current(id models.ParticipantID, gen *generation) bool {
	link, ok := s.reg.Get(id)
	return ok && gen.t != nil && link.Transport == gen.t
}

func (s *Session) armTimeout(id models.ParticipantID, gen *generation) {
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = time.AfterFunc(s.cfg.NegotiationTimeout, func() {
		s.post(func() {
			if !s.current(id, gen) {
				return
			}
			if link, _ := s.reg.Get(id); link.State == registry.StateConnected {
				return
			}
			log.Warnw("negotiation timed out", "peer", id, "after", s.cfg.NegotiationTimeout)
			s.report(&PeerError{Participant: id, Op: "negotiate", Err: fmt.Errorf("%w: timed out", ErrNegotiation)})
			s.evict(id, "negotiation timeout")
		})
	})
}

// dial builds the transport for a new link. Its callbacks run on transport
// goroutines and only post to the loop.
func (s *Session) dial(remote models.ParticipantID, role models.Role, gen *generation) func() (transport.Transport, error) {
	return func() (transport.Transport, error) {
		t, err := s.cfg.Transports.NewTransport(remote, role, transport.Events{
			OnCandidate: func(c json.RawMessage) {
				s.post(func() {
					if s.current(remote, gen) {
						s.send(models.SignalKindCandidate, remote, c, gen)
					}
				})
			},
			OnReady: func(ch transport.Channel) {
				s.post(func() { s.ready(remote, gen, ch) })
			},
			OnClosed: func() {
				s.post(func() {
					if s.current(remote, gen) {
						s.evict(remote, "transport closed")
					}
				})
			},
			OnMessage: func(data []byte) {
				s.post(func() {
					if s.current(remote, gen) && s.hooks.OnMessage != nil {
						s.hooks.OnMessage(remote, data)
					}
				})
			},
		})
		gen.t = t
		return t, err
	}
}

func (s *Session) ready(id models.ParticipantID, gen *generation, ch transport.Channel) {
	if !s.current(id, gen) {
		return
	}
	if !s.reg.MarkReady(id, ch) {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	log.Infow("peer link ready", "peer", id)
	if s.hooks.OnPeerReady != nil {
		s.hooks.OnPeerReady(id)
	}
}
