package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownSignalKind = errors.New("unknown signal kind")
	ErrInvalidRecord     = errors.New("invalid signal record")
)

// ParticipantID identifies one client session. A fresh one is generated on
// every session start, so it doubles as the signaling address.
type ParticipantID string

// RoomID scopes signaling records and connections to one play session.
type RoomID string

// NewParticipantID returns a random participant identifier.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// SignalKind represents the type of a signaling record
type SignalKind string

const (
	SignalKindJoin      SignalKind = "join"
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "candidate"
)

// Valid reports whether k is one of the four known kinds.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalKindJoin, SignalKindOffer, SignalKindAnswer, SignalKindCandidate:
		return true
	}
	return false
}

// UnmarshalJSON rejects tags outside the closed set instead of letting an
// unknown record fall through dispatch.
func (k *SignalKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	kind := SignalKind(s)
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSignalKind, s)
	}
	*k = kind
	return nil
}

// SignalRecord is one immutable entry in a room's signaling feed.
// An empty To means broadcast to the room, which only Join uses.
type SignalRecord struct {
	ID      string          `json:"id"`
	RoomID  RoomID          `json:"room_id"`
	From    ParticipantID   `json:"from_id"`
	To      ParticipantID   `json:"to_id,omitempty"`
	Kind    SignalKind      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq"`
	// Epoch identifies the sender's session; Seq restarts at 1 in each.
	Epoch int64 `json:"epoch,omitempty"`
	// ToEpoch is the recipient session an addressed record answers.
	ToEpoch int64 `json:"to_epoch,omitempty"`
	SentAt  int64 `json:"sent_at"` // unix milliseconds
}

// Broadcast reports whether the record is addressed to the whole room.
func (r SignalRecord) Broadcast() bool {
	return r.To == ""
}

// SentTime returns SentAt as a time.Time.
func (r SignalRecord) SentTime() time.Time {
	return time.UnixMilli(r.SentAt)
}

// Validate checks the structural rules every record must satisfy before it
// is dispatched.
func (r SignalRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case r.RoomID == "":
		return fmt.Errorf("%w: missing room_id", ErrInvalidRecord)
	case r.From == "":
		return fmt.Errorf("%w: missing from_id", ErrInvalidRecord)
	case r.Seq == 0:
		return fmt.Errorf("%w: missing seq", ErrInvalidRecord)
	case !r.Kind.Valid():
		return fmt.Errorf("%w: %q", ErrUnknownSignalKind, r.Kind)
	}

	if r.Kind == SignalKindJoin {
		if !r.Broadcast() || r.ToEpoch != 0 {
			return fmt.Errorf("%w: join must not be addressed", ErrInvalidRecord)
		}
		return nil
	}
	if r.Broadcast() {
		return fmt.Errorf("%w: %s requires to_id", ErrInvalidRecord, r.Kind)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: %s requires payload", ErrInvalidRecord, r.Kind)
	}
	return nil
}

// DecodeSignalRecord parses and validates one record from its wire form.
func DecodeSignalRecord(data []byte) (SignalRecord, error) {
	var rec SignalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SignalRecord{}, fmt.Errorf("decode signal record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return SignalRecord{}, err
	}
	return rec, nil
}

// JoinPayload is the body of a Join record.
type JoinPayload struct {
	Timestamp int64 `json:"ts"`
}
