package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"github.com/GZXiaoBai/SyncCinema/internal/protocol"
	"github.com/GZXiaoBai/SyncCinema/internal/rooms"
)

// Role is fixed at join time and never transfers.
type Role int

const (
	RoleGuest Role = iota
	RoleHost
)

// Sender is the only view the engine has of a transport. Send delivers to
// one channel, Broadcast to a set; both are fire-and-forget and must not
// block on a slow receiver.
type Sender interface {
	Send(channelID string, env protocol.Envelope)
	Broadcast(channelIDs []string, env protocol.Envelope)
}

type memberState struct {
	roomID string
	role   Role
	name   string
}

// Engine implements the session protocol independent of transport. The
// relay server and the mesh host both feed it connect/message/disconnect
// events and it decides what the registry and the wire should see.
type Engine struct {
	registry *rooms.Registry
	sender   Sender

	mu     sync.Mutex
	joined map[string]*memberState
}

func NewEngine(registry *rooms.Registry, sender Sender) *Engine {
	return &Engine{
		registry: registry,
		sender:   sender,
		joined:   make(map[string]*memberState),
	}
}

func (e *Engine) HandleConnect(channelID string) {
	log.Debugf("channel %s connected", channelID)
}

// HandleMessage decodes and dispatches one inbound frame. Host-only
// messages from non-hosts are dropped without a reply so a misbehaving
// guest learns nothing about the room.
func (e *Engine) HandleMessage(channelID string, data []byte) {
	typ, payload, err := e.decode(channelID, data)
	if err != nil {
		return
	}

	if hostOnly(typ) {
		st, ok := e.stateOf(channelID)
		if !ok || st.role != RoleHost {
			log.Debugf("dropping %s from non-host channel %s", typ, channelID)
			return
		}
		e.handleHostControl(channelID, st, typ, payload)
		return
	}

	switch typ {
	case protocol.TypeCreateRoom:
		e.handleCreate(channelID, payload.(*protocol.CreateRoomPayload))
	case protocol.TypeJoinRoom:
		e.handleJoin(channelID, payload.(*protocol.JoinRoomPayload))
	case protocol.TypeChatMessage:
		e.handleChat(channelID, payload.(*protocol.ChatPayload))
	case protocol.TypeLeaveRoom:
		e.leave(channelID)
	}
}

// HandleDisconnect treats a dropped channel exactly like an explicit leave.
func (e *Engine) HandleDisconnect(channelID string) {
	e.leave(channelID)
}

// Shutdown destroys every room and tells members why. Used by graceful
// server teardown.
func (e *Engine) Shutdown(reason string) {
	e.mu.Lock()
	roomIDs := make(map[string]struct{})
	for _, st := range e.joined {
		roomIDs[st.roomID] = struct{}{}
	}
	e.joined = make(map[string]*memberState)
	e.mu.Unlock()

	for roomID := range roomIDs {
		evicted, err := e.registry.Destroy(roomID)
		if err != nil {
			continue
		}
		e.sender.Broadcast(evicted, protocol.Envelope{
			Type:    protocol.TypeRoomClosed,
			Payload: protocol.RoomClosedPayload{Reason: reason},
		})
	}
}

func hostOnly(typ protocol.Type) bool {
	switch typ {
	case protocol.TypeSyncStatus, protocol.TypeSyncSeek, protocol.TypeHeartbeat:
		return true
	}
	return false
}

func (e *Engine) decode(channelID string, data []byte) (protocol.Type, interface{}, error) {
	typ, payload, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			e.replyError(channelID, "unsupported message type")
		} else {
			e.replyError(channelID, "malformed message")
		}
		return typ, nil, err
	}
	return typ, payload, nil
}

func (e *Engine) handleCreate(channelID string, payload *protocol.CreateRoomPayload) {
	roomID, err := protocol.NormalizeRoomID(payload.RoomID)
	if err != nil {
		e.replyError(channelID, err.Error())
		return
	}
	if !protocol.IsNameValid(payload.Name) {
		e.replyError(channelID, "invalid display name")
		return
	}

	snap, err := e.registry.Create(roomID, channelID)
	switch {
	case errors.Is(err, rooms.ErrRoomExists):
		// Caller regenerates a fresh code and retries.
		e.replyError(channelID, "room id already taken")
		return
	case errors.Is(err, rooms.ErrAlreadyInRoom):
		e.replyError(channelID, "already in a room")
		return
	case err != nil:
		e.replyError(channelID, err.Error())
		return
	}

	e.setState(channelID, &memberState{roomID: roomID, role: RoleHost, name: payload.Name})
	e.sender.Send(channelID, protocol.Envelope{
		Type:    protocol.TypeRoomInfo,
		Payload: protocol.RoomInfoPayload{MemberCount: snap.MemberCount},
	})
}

func (e *Engine) handleJoin(channelID string, payload *protocol.JoinRoomPayload) {
	roomID, err := protocol.NormalizeRoomID(payload.RoomID)
	if err != nil {
		e.replyError(channelID, err.Error())
		return
	}
	if !protocol.IsNameValid(payload.Name) {
		e.replyError(channelID, "invalid display name")
		return
	}

	snap, err := e.registry.Join(roomID, channelID)
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		e.replyError(channelID, "room not found")
		return
	case errors.Is(err, rooms.ErrAlreadyInRoom):
		e.replyError(channelID, "already in a room")
		return
	case err != nil:
		e.replyError(channelID, err.Error())
		return
	}

	e.setState(channelID, &memberState{roomID: roomID, role: RoleGuest, name: payload.Name})

	e.sender.Broadcast(e.membersExcept(roomID, channelID), protocol.Envelope{
		Type:    protocol.TypeUserJoined,
		Payload: protocol.UserJoinedPayload{ChannelID: channelID, Name: payload.Name},
	})
	// Late joiner catches up from the last authoritative state.
	e.sender.Send(channelID, protocol.Envelope{
		Type:    protocol.TypeSyncStatus,
		Payload: protocol.SyncStatusPayload{IsPlaying: snap.IsPlaying, Position: snap.Position},
	})
}

func (e *Engine) handleHostControl(channelID string, st *memberState, typ protocol.Type, payload interface{}) {
	var err error
	switch typ {
	case protocol.TypeSyncStatus:
		p := payload.(*protocol.SyncStatusPayload)
		err = e.registry.UpdatePlayback(st.roomID, p.IsPlaying, p.Position)
	case protocol.TypeSyncSeek:
		p := payload.(*protocol.SyncSeekPayload)
		err = e.registry.UpdatePosition(st.roomID, p.Position)
	case protocol.TypeHeartbeat:
		p := payload.(*protocol.HeartbeatPayload)
		err = e.registry.UpdatePlayback(st.roomID, p.IsPlaying, p.Position)
	}
	if err != nil {
		log.Warnf("host control on %s failed: %v", st.roomID, err)
		return
	}

	env := protocol.Envelope{Type: typ}
	switch p := payload.(type) {
	case *protocol.SyncStatusPayload:
		env.Payload = *p
	case *protocol.SyncSeekPayload:
		env.Payload = *p
	case *protocol.HeartbeatPayload:
		env.Payload = *p
	}
	e.sender.Broadcast(e.membersExcept(st.roomID, channelID), env)
}

func (e *Engine) handleChat(channelID string, payload *protocol.ChatPayload) {
	st, ok := e.stateOf(channelID)
	if !ok {
		e.replyError(channelID, "not in a room")
		return
	}
	if payload.Content == "" {
		return
	}

	msg := protocol.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   channelID,
		SenderName: st.name,
		Content:    payload.Content,
		SentAt:     time.Now().UTC(),
		IsFromHost: st.role == RoleHost,
	}
	e.sender.Broadcast(e.membersExcept(st.roomID, channelID), protocol.Envelope{
		Type:    protocol.TypeChatMessage,
		Payload: msg,
	})
}

// leave tears the channel out of its room. Host departure destroys the
// room; calling it for an already-left channel is a no-op.
func (e *Engine) leave(channelID string) {
	e.mu.Lock()
	st, ok := e.joined[channelID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.joined, channelID)
	e.mu.Unlock()

	if st.role == RoleHost {
		evicted, err := e.registry.Destroy(st.roomID)
		if err != nil {
			return
		}
		e.mu.Lock()
		for _, member := range evicted {
			delete(e.joined, member)
		}
		e.mu.Unlock()

		e.sender.Broadcast(without(evicted, channelID), protocol.Envelope{
			Type:    protocol.TypeRoomClosed,
			Payload: protocol.RoomClosedPayload{Reason: "host_left"},
		})
		return
	}

	e.registry.Leave(st.roomID, channelID)
	remaining, err := e.registry.Members(st.roomID)
	if err != nil {
		return
	}
	e.sender.Broadcast(remaining, protocol.Envelope{
		Type:    protocol.TypeUserLeft,
		Payload: protocol.UserLeftPayload{ChannelID: channelID, Name: st.name},
	})
	e.sender.Broadcast(remaining, protocol.Envelope{
		Type:    protocol.TypeRoomInfo,
		Payload: protocol.RoomInfoPayload{MemberCount: len(remaining)},
	})
}

func (e *Engine) replyError(channelID, message string) {
	e.sender.Send(channelID, protocol.Envelope{
		Type:    protocol.TypeError,
		Payload: protocol.ErrorPayload{Message: message},
	})
}

func (e *Engine) stateOf(channelID string) (*memberState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.joined[channelID]
	return st, ok
}

func (e *Engine) setState(channelID string, st *memberState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joined[channelID] = st
}

func (e *Engine) membersExcept(roomID, except string) []string {
	members, err := e.registry.Members(roomID)
	if err != nil {
		return nil
	}
	return without(members, except)
}

func without(ids []string, except string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}
