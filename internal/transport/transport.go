// Package transport defines the peer-to-peer transport primitive the
// signaling session drives, and its pion/webrtc implementation.
package transport

import (
	"encoding/json"
	"errors"

	"github.com/mossy-p/roomlink/internal/models"
)

var (
	ErrClosed   = errors.New("transport closed")
	ErrNotReady = errors.New("transport not ready")
)

// Transport is one negotiated connection to a remote participant.
// Descriptions and candidates are opaque JSON blobs carried in signal
// record payloads.
type Transport interface {
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	ApplyRemoteDescription(desc json.RawMessage) error
	AddRemoteCandidate(candidate json.RawMessage) error
	Close() error
}

// Channel is the ordered message channel of a ready transport.
type Channel interface {
	Send(data []byte) error
	// Writable reports whether the channel is currently open.
	Writable() bool
}

// Events are invoked from transport-owned goroutines. Implementations must
// not call them after Close returns.
type Events struct {
	OnCandidate func(candidate json.RawMessage)
	OnReady     func(ch Channel)
	OnClosed    func()
	OnMessage   func(data []byte)
}

// Factory builds transports toward a remote participant. The initiator side
// creates the data channel, the responder side accepts it.
type Factory interface {
	NewTransport(remote models.ParticipantID, role models.Role, ev Events) (Transport, error)
}
