package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrUnknownMessageType = errors.New("unknown message type")

// MessageType tags an application message carried over a data link.
type MessageType string

const (
	MessageTypeState MessageType = "state"
	MessageTypeChat  MessageType = "chat"
)

// PlayerState is the full local game-state snapshot broadcast every tick.
type PlayerState struct {
	X         float64 `json:"x" msgpack:"x"`
	Y         float64 `json:"y" msgpack:"y"`
	HP        int     `json:"hp" msgpack:"hp"`
	Character string  `json:"char,omitempty" msgpack:"char,omitempty"`
	Name      string  `json:"name,omitempty" msgpack:"name,omitempty"`
}

// ChatMessage is free text sent peer to peer.
type ChatMessage struct {
	From ParticipantID `json:"from" msgpack:"from"`
	Text string        `json:"text" msgpack:"text"`
}

// Message is the closed union of application messages. Exactly one of
// State or Chat is set, matching Type.
type Message struct {
	Type  MessageType
	State *PlayerState
	Chat  *ChatMessage
}

// NewStateMessage wraps a state snapshot.
func NewStateMessage(s PlayerState) Message {
	return Message{Type: MessageTypeState, State: &s}
}

// NewChatMessage wraps a chat line.
func NewChatMessage(from ParticipantID, text string) Message {
	return Message{Type: MessageTypeChat, Chat: &ChatMessage{From: from, Text: text}}
}

// wireMessage is the flat envelope: {type:"state", state:{...}} or
// {type:"chat", text, from}.
type wireMessage struct {
	Type  MessageType   `json:"type" msgpack:"type"`
	State *PlayerState  `json:"state,omitempty" msgpack:"state,omitempty"`
	Text  string        `json:"text,omitempty" msgpack:"text,omitempty"`
	From  ParticipantID `json:"from,omitempty" msgpack:"from,omitempty"`
}

func (m Message) toWire() (wireMessage, error) {
	switch m.Type {
	case MessageTypeState:
		if m.State == nil {
			return wireMessage{}, fmt.Errorf("state message without state")
		}
		return wireMessage{Type: m.Type, State: m.State}, nil
	case MessageTypeChat:
		if m.Chat == nil {
			return wireMessage{}, fmt.Errorf("chat message without body")
		}
		return wireMessage{Type: m.Type, Text: m.Chat.Text, From: m.Chat.From}, nil
	default:
		return wireMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
}

func (w wireMessage) toMessage() (Message, error) {
	switch w.Type {
	case MessageTypeState:
		if w.State == nil {
			return Message{}, fmt.Errorf("state message without state")
		}
		return Message{Type: w.Type, State: w.State}, nil
	case MessageTypeChat:
		return Message{Type: w.Type, Chat: &ChatMessage{From: w.From, Text: w.Text}}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, w.Type)
	}
}

// Codec serializes application messages for the data link.
type Codec interface {
	Name() string
	Marshal(Message) ([]byte, error)
	Unmarshal([]byte) (Message, error)
}

// JSONCodec is the default codec and matches what browser peers send.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(m Message) ([]byte, error) {
	w, err := m.toWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (JSONCodec) Unmarshal(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return w.toMessage()
}

// MsgpackCodec is a compact binary alternative for native peers. Both ends
// of a room must agree on it.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(m Message) ([]byte, error) {
	w, err := m.toWire()
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(w)
}

func (MsgpackCodec) Unmarshal(data []byte) (Message, error) {
	var w wireMessage
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return w.toMessage()
}

// CodecByName resolves a configured codec name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown message codec %q", name)
	}
}
