package models

import "time"

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID          RoomID    `json:"id"`
	Name        string    `json:"name"`
	Code        string    `json:"code"`      // Short, shareable room code (e.g., "ABCD23")
	CreatorID   string    `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt   time.Time `json:"createdAt"`
	MaxPlayers  int       `json:"maxPlayers"`
	PlayerCount int       `json:"playerCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	Name       string `json:"name" binding:"required,max=64"`
	MaxPlayers int    `json:"maxPlayers" binding:"omitempty,min=2,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID RoomID `json:"roomId"`
	Code   string `json:"code"`
}

// RosterEntry is one participant's character selection in a room.
type RosterEntry struct {
	RoomID     RoomID        `json:"room_id"`
	PlayerID   ParticipantID `json:"player_id"`
	PlayerName string        `json:"player_name"`
	Character  string        `json:"character,omitempty"`
	InsertedAt time.Time     `json:"inserted_at"`
}

// SetCharacterRequest is the body of a roster upsert.
type SetCharacterRequest struct {
	PlayerName string `json:"player_name" binding:"required,max=32"`
	Character  string `json:"character" binding:"required,max=32"`
}

// ChatLine is a persisted room chat message.
type ChatLine struct {
	ID         string    `json:"id"`
	RoomID     RoomID    `json:"room_id"`
	PlayerName string    `json:"player_name"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// PostChatRequest is the body of a chat append.
type PostChatRequest struct {
	PlayerName string `json:"player_name" binding:"required,max=32"`
	Message    string `json:"message" binding:"required,max=500"`
}
