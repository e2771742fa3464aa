package signaling

import (
	"errors"
	"fmt"

	"github.com/mossy-p/roomlink/internal/models"
)

var (
	ErrNotStarted  = errors.New("session not started")
	ErrClosed      = errors.New("session closed")
	ErrNegotiation = errors.New("negotiation failed")
)

// PeerError is a failure scoped to one remote participant. Other links are
// unaffected by it.
type PeerError struct {
	Participant models.ParticipantID
	Op          string
	Err         error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s: %s: %v", e.Participant, e.Op, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}
