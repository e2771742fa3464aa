// Package transporttest provides in-process fake transports that pair with
// each other through a Switchboard, so signaling can be tested without ICE.
package transporttest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/roomlink/internal/models"
	"github.com/mossy-p/roomlink/internal/transport"
)

// Op names a Transport operation for failure injection.
type Op string

const (
	OpCreateOffer  Op = "create-offer"
	OpCreateAnswer Op = "create-answer"
	OpApplyRemote  Op = "apply-remote"
	OpAddCandidate Op = "add-candidate"
	OpNewTransport Op = "new-transport"
)

type pairKey struct {
	local, remote models.ParticipantID
}

type failKey struct {
	local models.ParticipantID
	op    Op
}

// description is the fake offer/answer payload.
type description struct {
	Type string               `json:"type"`
	From models.ParticipantID `json:"from"`
}

type candidate struct {
	Candidate string               `json:"candidate"`
	From      models.ParticipantID `json:"from"`
}

// Switchboard connects fake transports created by per-participant
// factories. A transport becomes ready once both its local and remote
// descriptions are set, unless manual readiness is requested.
type Switchboard struct {
	mu         sync.Mutex
	manual     bool
	transports map[pairKey][]*Fake
	failures   map[failKey][]error
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{
		transports: make(map[pairKey][]*Fake),
		failures:   make(map[failKey][]error),
	}
}

// ManualReady disables automatic readiness; call Fake.MakeReady instead.
func (s *Switchboard) ManualReady() {
	s.mu.Lock()
	s.manual = true
	s.mu.Unlock()
}

// FailNext makes the next op performed by any transport of local fail
// with err.
func (s *Switchboard) FailNext(local models.ParticipantID, op Op, err error) {
	s.mu.Lock()
	k := failKey{local, op}
	s.failures[k] = append(s.failures[k], err)
	s.mu.Unlock()
}

func (s *Switchboard) takeFailure(local models.ParticipantID, op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := failKey{local, op}
	errs := s.failures[k]
	if len(errs) == 0 {
		return nil
	}
	s.failures[k] = errs[1:]
	return errs[0]
}

// Factory returns the transport factory used by participant local.
func (s *Switchboard) Factory(local models.ParticipantID) transport.Factory {
	return factory{sb: s, local: local}
}

// Current returns the most recent transport local created toward remote.
func (s *Switchboard) Current(local, remote models.ParticipantID) *Fake {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.transports[pairKey{local, remote}]
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// Count returns how many transports local has created toward remote.
func (s *Switchboard) Count(local, remote models.ParticipantID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transports[pairKey{local, remote}])
}

type factory struct {
	sb    *Switchboard
	local models.ParticipantID
}

func (f factory) NewTransport(remote models.ParticipantID, role models.Role, ev transport.Events) (transport.Transport, error) {
	if err := f.sb.takeFailure(f.local, OpNewTransport); err != nil {
		return nil, err
	}
	t := &Fake{sb: f.sb, local: f.local, remote: remote, role: role, ev: ev}
	f.sb.mu.Lock()
	k := pairKey{f.local, remote}
	f.sb.transports[k] = append(f.sb.transports[k], t)
	f.sb.mu.Unlock()
	return t, nil
}

// Fake is one end of a simulated connection.
type Fake struct {
	sb     *Switchboard
	local  models.ParticipantID
	remote models.ParticipantID
	role   models.Role
	ev     transport.Events

	mu         sync.Mutex
	localSet   bool
	remoteSet  bool
	ready      bool
	closed     bool
	closedOnce bool
	peer       *Fake
	candidates []json.RawMessage
	sendErr    error
}

func (t *Fake) Role() models.Role { return t.role }

// Closed reports whether Close was called.
func (t *Fake) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Candidates returns the remote candidates applied so far.
func (t *Fake) Candidates() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]json.RawMessage(nil), t.candidates...)
}

// FailSends makes every Send on this transport's channel return err.
func (t *Fake) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// ForceClose simulates a transport failure: OnClosed fires as if the
// connection dropped.
func (t *Fake) ForceClose() {
	t.fireClosed()
}

// MakeReady fires OnReady now, regardless of negotiation progress. It fires
// even after Close, as an event already in flight would.
func (t *Fake) MakeReady() {
	t.mu.Lock()
	if t.ready {
		t.mu.Unlock()
		return
	}
	t.ready = true
	t.mu.Unlock()
	if t.ev.OnReady != nil {
		t.ev.OnReady(fakeChannel{t})
	}
}

func (t *Fake) CreateOffer() (json.RawMessage, error) {
	return t.describe(OpCreateOffer, "offer")
}

func (t *Fake) CreateAnswer() (json.RawMessage, error) {
	t.mu.Lock()
	remoteSet := t.remoteSet
	t.mu.Unlock()
	if !remoteSet {
		return nil, errors.New("create answer: no remote offer")
	}
	return t.describe(OpCreateAnswer, "answer")
}

func (t *Fake) describe(op Op, kind string) (json.RawMessage, error) {
	if err := t.sb.takeFailure(t.local, op); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	t.localSet = true
	t.mu.Unlock()

	payload, err := json.Marshal(description{Type: kind, From: t.local})
	if err != nil {
		return nil, err
	}
	go t.emitCandidate()
	t.maybeReady()
	return payload, nil
}

func (t *Fake) emitCandidate() {
	c, _ := json.Marshal(candidate{Candidate: "fake " + string(t.local), From: t.local})
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if !closed && t.ev.OnCandidate != nil {
		t.ev.OnCandidate(c)
	}
}

func (t *Fake) ApplyRemoteDescription(desc json.RawMessage) error {
	if err := t.sb.takeFailure(t.local, OpApplyRemote); err != nil {
		return err
	}
	var d description
	if err := json.Unmarshal(desc, &d); err != nil {
		return fmt.Errorf("parse description: %w", err)
	}
	if (d.Type != "offer" && d.Type != "answer") || d.From == "" {
		return fmt.Errorf("malformed description %s", desc)
	}
	if d.From != t.remote {
		return fmt.Errorf("description from %s applied to transport for %s", d.From, t.remote)
	}
	peer := t.sb.Current(d.From, t.local)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.remoteSet = true
	t.peer = peer
	t.mu.Unlock()
	t.maybeReady()
	return nil
}

func (t *Fake) AddRemoteCandidate(c json.RawMessage) error {
	if err := t.sb.takeFailure(t.local, OpAddCandidate); err != nil {
		return err
	}
	var parsed candidate
	if err := json.Unmarshal(c, &parsed); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.candidates = append(t.candidates, c)
	return nil
}

// Close releases the transport and, like a real connection, notifies the
// paired end.
func (t *Fake) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peer := t.peer
	t.mu.Unlock()

	if peer != nil && peer.pairedWith(t) {
		go peer.fireClosed()
	}
	return nil
}

func (t *Fake) pairedWith(other *Fake) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer == other
}

func (t *Fake) fireClosed() {
	t.mu.Lock()
	if t.closed || t.closedOnce {
		t.mu.Unlock()
		return
	}
	t.closedOnce = true
	t.mu.Unlock()
	if t.ev.OnClosed != nil {
		t.ev.OnClosed()
	}
}

func (t *Fake) maybeReady() {
	t.sb.mu.Lock()
	manual := t.sb.manual
	t.sb.mu.Unlock()

	t.mu.Lock()
	fire := !manual && t.localSet && t.remoteSet && !t.ready && !t.closed
	t.mu.Unlock()
	if fire {
		go t.MakeReady()
	}
}

func (t *Fake) send(data []byte) error {
	t.mu.Lock()
	if t.closed || !t.ready {
		t.mu.Unlock()
		return transport.ErrNotReady
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	peer := t.peer
	t.mu.Unlock()

	if peer == nil || !peer.pairedWith(t) {
		return transport.ErrNotReady
	}
	peer.mu.Lock()
	deliver := !peer.closed
	peer.mu.Unlock()
	if deliver && peer.ev.OnMessage != nil {
		peer.ev.OnMessage(append([]byte(nil), data...))
	}
	return nil
}

func (t *Fake) writable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready && !t.closed
}

type fakeChannel struct {
	t *Fake
}

func (c fakeChannel) Send(data []byte) error { return c.t.send(data) }

func (c fakeChannel) Writable() bool { return c.t.writable() }
