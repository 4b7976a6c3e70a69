package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCreateRoom(t *testing.T) {
	typ, payload, err := Decode([]byte(`{"type":"create_room","payload":{"roomId":"abc123","name":"Alice"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeCreateRoom, typ)

	p, ok := payload.(*CreateRoomPayload)
	require.True(t, ok)
	assert.Equal(t, "abc123", p.RoomID)
	assert.Equal(t, "Alice", p.Name)
}

func TestDecodeSyncStatus(t *testing.T) {
	typ, payload, err := Decode([]byte(`{"type":"sync_status","payload":{"isPlaying":true,"position":12.5}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSyncStatus, typ)

	p := payload.(*SyncStatusPayload)
	assert.True(t, p.IsPlaying)
	assert.Equal(t, 12.5, p.Position)
}

func TestDecodeLeaveRoomNeedsNoPayload(t *testing.T) {
	typ, payload, err := Decode([]byte(`{"type":"leave_room"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeLeaveRoom, typ)
	assert.Nil(t, payload)
}

func TestDecodeUnknownType(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"teleport","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeMissingPayload(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"chat_message"}`))
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestDecodeOutboundTypesRejectedInbound(t *testing.T) {
	// Server-originated types must not be accepted from clients.
	for _, typ := range []Type{TypeRoomInfo, TypeUserJoined, TypeUserLeft, TypeRoomClosed, TypeError} {
		_, _, err := Decode([]byte(`{"type":"` + string(typ) + `","payload":{}}`))
		assert.ErrorIs(t, err, ErrUnknownType, "type %s", typ)
	}
}

func TestDecodeEventHeartbeat(t *testing.T) {
	typ, payload, err := DecodeEvent([]byte(`{"type":"heartbeat","payload":{"position":99.0,"isPlaying":false}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, typ)

	p := payload.(*HeartbeatPayload)
	assert.Equal(t, 99.0, p.Position)
	assert.False(t, p.IsPlaying)
}

func TestNormalizeRoomID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lowercase normalized", "abc123", "ABC123", false},
		{"already uppercase", "XYZ789", "XYZ789", false},
		{"surrounding space trimmed", "  qwe456  ", "QWE456", false},
		{"too short", "ABC12", "", true},
		{"too long", "ABC1234", "", true},
		{"empty", "", "", true},
		{"punctuation rejected", "AB-123", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRoomID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRoomID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRoomIDShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := NewRoomID()
		normalized, err := NormalizeRoomID(id)
		require.NoError(t, err)
		assert.Equal(t, id, normalized)
	}
}

func TestIsNameValid(t *testing.T) {
	assert.True(t, IsNameValid("Alice"))
	assert.False(t, IsNameValid(""))
	assert.False(t, IsNameValid("   "))
	assert.False(t, IsNameValid(string(make([]byte, 65))))
}
