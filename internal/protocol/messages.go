package protocol

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrInvalidRoomID = errors.New("room id must be 6 alphanumeric characters")
	ErrEmptyPayload  = errors.New("payload is required")
)

// Type enumerates every message that may cross a channel. Inbound frames
// carrying anything else fail to decode with ErrUnknownType.
type Type string

const (
	TypeCreateRoom  Type = "create_room"
	TypeJoinRoom    Type = "join_room"
	TypeLeaveRoom   Type = "leave_room"
	TypeSyncStatus  Type = "sync_status"
	TypeSyncSeek    Type = "sync_seek"
	TypeHeartbeat   Type = "heartbeat"
	TypeChatMessage Type = "chat_message"
	TypeRoomInfo    Type = "room_info"
	TypeUserJoined  Type = "user_joined"
	TypeUserLeft    Type = "user_left"
	TypeRoomClosed  Type = "room_closed"
	TypeError       Type = "error"
)

type Envelope struct {
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type InboundEnvelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CreateRoomPayload struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type SyncStatusPayload struct {
	IsPlaying bool    `json:"isPlaying"`
	Position  float64 `json:"position"`
}

type SyncSeekPayload struct {
	Position float64 `json:"position"`
}

type HeartbeatPayload struct {
	Position  float64 `json:"position"`
	IsPlaying bool    `json:"isPlaying"`
}

// ChatPayload is the inbound shape; the relayed message is ChatMessage.
type ChatPayload struct {
	Content string `json:"content"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sentAt"`
	IsFromHost bool      `json:"isFromHost"`
}

type RoomInfoPayload struct {
	MemberCount int `json:"memberCount"`
}

type UserJoinedPayload struct {
	ChannelID string `json:"channelId"`
	Name      string `json:"name"`
}

type UserLeftPayload struct {
	ChannelID string `json:"channelId"`
	Name      string `json:"name"`
}

type RoomClosedPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode parses a raw frame into its typed payload. The returned value is
// one of the payload struct pointers above; unknown types are rejected
// here so nothing downstream ever dispatches on a raw string.
func Decode(data []byte) (Type, interface{}, error) {
	var inbound InboundEnvelope
	if err := json.Unmarshal(data, &inbound); err != nil {
		return "", nil, err
	}

	var payload interface{}
	switch inbound.Type {
	case TypeCreateRoom:
		payload = &CreateRoomPayload{}
	case TypeJoinRoom:
		payload = &JoinRoomPayload{}
	case TypeLeaveRoom:
		// explicit leave carries no payload
		return TypeLeaveRoom, nil, nil
	case TypeSyncStatus:
		payload = &SyncStatusPayload{}
	case TypeSyncSeek:
		payload = &SyncSeekPayload{}
	case TypeHeartbeat:
		payload = &HeartbeatPayload{}
	case TypeChatMessage:
		payload = &ChatPayload{}
	default:
		return inbound.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, inbound.Type)
	}

	if len(inbound.Payload) == 0 {
		return inbound.Type, nil, ErrEmptyPayload
	}
	if err := json.Unmarshal(inbound.Payload, payload); err != nil {
		return inbound.Type, nil, err
	}
	return inbound.Type, payload, nil
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

const (
	roomIDLength   = 6
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NormalizeRoomID upper-cases a client-supplied room code and validates
// its shape. Codes are case-insensitive on the wire, uppercase in storage.
func NormalizeRoomID(id string) (string, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if len(id) != roomIDLength {
		return "", ErrInvalidRoomID
	}
	for _, c := range id {
		if !strings.ContainsRune(roomIDAlphabet, c) {
			return "", ErrInvalidRoomID
		}
	}
	return id, nil
}

// NewRoomID generates a fresh 6-character room code.
func NewRoomID() string {
	b := make([]byte, roomIDLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("unable to read random bytes: %w", err))
	}
	for i := range b {
		b[i] = roomIDAlphabet[int(b[i])%len(roomIDAlphabet)]
	}
	return string(b)
}

// IsNameValid bounds participant display names.
func IsNameValid(name string) bool {
	name = strings.TrimSpace(name)
	return len(name) >= 1 && len(name) <= 64
}
