package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeEvent parses a server-originated frame on the guest side. The
// type set differs from Decode: guests receive relayed state and room
// lifecycle events, never create/join requests.
func DecodeEvent(data []byte) (Type, interface{}, error) {
	var inbound InboundEnvelope
	if err := json.Unmarshal(data, &inbound); err != nil {
		return "", nil, err
	}

	var payload interface{}
	switch inbound.Type {
	case TypeSyncStatus:
		payload = &SyncStatusPayload{}
	case TypeSyncSeek:
		payload = &SyncSeekPayload{}
	case TypeHeartbeat:
		payload = &HeartbeatPayload{}
	case TypeChatMessage:
		payload = &ChatMessage{}
	case TypeRoomInfo:
		payload = &RoomInfoPayload{}
	case TypeUserJoined:
		payload = &UserJoinedPayload{}
	case TypeUserLeft:
		payload = &UserLeftPayload{}
	case TypeRoomClosed:
		payload = &RoomClosedPayload{}
	case TypeError:
		payload = &ErrorPayload{}
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
