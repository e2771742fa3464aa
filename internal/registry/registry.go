// Package registry owns the mapping from remote participant to its peer link.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/roomlink/internal/logging"
	"github.com/mossy-p/roomlink/internal/models"
	"github.com/mossy-p/roomlink/internal/transport"
)

var log = logging.Logger("registry")

var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrInvalidTransition  = errors.New("invalid state transition")
)

// State is a link's position in the connection lifecycle.
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswering
	StateAwaitingAnswer
	StateConnected
	StateClosed
)

var stateNames = [...]string{
	StateNew:            "new",
	StateOfferSent:      "offer-sent",
	StateOfferReceived:  "offer-received",
	StateAnswering:      "answering",
	StateAwaitingAnswer: "awaiting-answer",
	StateConnected:      "connected",
	StateClosed:         "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the negotiation moves Transition accepts. Connected is
// reached through MarkReady and Closed through Evict.
var transitions = map[State][]State{
	StateNew:           {StateOfferSent, StateOfferReceived},
	StateOfferSent:     {StateAwaitingAnswer},
	StateOfferReceived: {StateAnswering},
}

// PeerLink is a snapshot of one remote participant's connection.
type PeerLink struct {
	ParticipantID models.ParticipantID
	Role          models.Role
	State         State
	Transport     transport.Transport
	// Channel is set once the transport reports ready.
	Channel   transport.Channel
	CreatedAt time.Time
}

// Ready reports whether the link can carry application traffic.
func (l PeerLink) Ready() bool {
	return l.State == StateConnected && l.Channel != nil
}

// Registry holds at most one link per participant. It has a single writer,
// the signaling session, and any number of snapshot readers.
type Registry struct {
	mu      sync.RWMutex
	links   map[models.ParticipantID]*PeerLink
	version uint64
}

func New() *Registry {
	return &Registry{links: make(map[models.ParticipantID]*PeerLink)}
}

// GetOrCreate returns the link for id, creating it in StateNew with role and
// a transport from dial when absent. created reports whether a link was made.
func (r *Registry) GetOrCreate(id models.ParticipantID, role models.Role, dial func() (transport.Transport, error)) (PeerLink, bool, error) {
	if l, ok := r.Get(id); ok {
		return l, false, nil
	}

	// dial may block on ICE setup; the lock is not held across it.
	t, err := dial()
	if err != nil {
		return PeerLink{}, false, fmt.Errorf("dial %s: %w", id, err)
	}

	r.mu.Lock()
	if l, ok := r.links[id]; ok {
		existing := *l
		r.mu.Unlock()
		_ = t.Close()
		return existing, false, nil
	}
	l := &PeerLink{
		ParticipantID: id,
		Role:          role,
		State:         StateNew,
		Transport:     t,
		CreatedAt:     time.Now(),
	}
	r.links[id] = l
	r.version++
	r.mu.Unlock()

	log.Debugw("link created", "peer", id, "role", role)
	return *l, true, nil
}

// Get returns a snapshot of the link for id.
func (r *Registry) Get(id models.ParticipantID) (PeerLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	if !ok {
		return PeerLink{}, false
	}
	return *l, true
}

// Transition moves the link for id to state to.
func (r *Registry) Transition(id models.ParticipantID, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	for _, allowed := range transitions[l.State] {
		if allowed == to {
			log.Debugw("link transition", "peer", id, "from", l.State, "to", to)
			l.State = to
			r.version++
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, l.State, to)
}

// MarkReady stores ch and moves the link to StateConnected. It reports
// false, changing nothing, when id is unknown or was evicted.
func (r *Registry) MarkReady(id models.ParticipantID, ch transport.Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[id]
	if !ok {
		return false
	}
	l.State = StateConnected
	l.Channel = ch
	r.version++
	log.Debugw("link ready", "peer", id)
	return true
}

// Evict closes the link's transport and removes it. Evicting an unknown id
// is a no-op that reports false.
func (r *Registry) Evict(id models.ParticipantID) bool {
	r.mu.Lock()
	l, ok := r.links[id]
	if ok {
		l.State = StateClosed
		delete(r.links, id)
		r.version++
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if l.Transport != nil {
		if err := l.Transport.Close(); err != nil {
			log.Debugw("close transport", "peer", id, "err", err)
		}
	}
	log.Debugw("link evicted", "peer", id)
	return true
}

// EvictAll evicts every link and returns the ids removed.
func (r *Registry) EvictAll() []models.ParticipantID {
	ids := r.IDs()
	for _, id := range ids {
		r.Evict(id)
	}
	return ids
}

// ListReady returns the links currently able to carry application traffic,
// ordered by participant id.
func (r *Registry) ListReady() []PeerLink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerLink, 0, len(r.links))
	for _, l := range r.links {
		if l.Ready() {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// IDs returns every participant with a link, ordered.
func (r *Registry) IDs() []models.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]models.ParticipantID, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// Version increases on every mutation.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
