package rooms

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RanFeng/ilog"
)

var (
	ErrRoomExists    = errors.New("room already exists")
	ErrRoomNotFound  = errors.New("room not found")
	ErrAlreadyInRoom = errors.New("channel already in a room")
)

// room binds one host and its guests around a shared playback timeline.
// Only the Registry ever holds a *room; callers get Snapshot values.
type room struct {
	id        string
	hostID    string
	members   map[string]struct{}
	isPlaying bool
	position  float64
	createdAt time.Time
}

// Snapshot is a point-in-time copy of a room's shared state.
type Snapshot struct {
	RoomID      string    `json:"roomId"`
	HostID      string    `json:"hostId"`
	MemberCount int       `json:"memberCount"`
	IsPlaying   bool      `json:"isPlaying"`
	Position    float64   `json:"position"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Registry is the authoritative room store. Every member of a room maps
// back to that room in the channel index, and vice versa; both maps are
// mutated only under the same lock so the two can never disagree.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	channel map[string]string // channel id -> room id
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*room),
		channel: make(map[string]string),
	}
}

// Create registers roomID with hostChannel as host and sole member.
func (r *Registry) Create(roomID, hostChannel string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[roomID]; exists {
		return Snapshot{}, ErrRoomExists
	}
	if _, joined := r.channel[hostChannel]; joined {
		return Snapshot{}, ErrAlreadyInRoom
	}

	rm := &room{
		id:        roomID,
		hostID:    hostChannel,
		members:   map[string]struct{}{hostChannel: {}},
		createdAt: time.Now().UTC(),
	}
	r.rooms[roomID] = rm
	r.channel[hostChannel] = roomID

	ilog.EventInfo(context.Background(), "room created", "room_id", roomID, "host", hostChannel)
	return rm.snapshot(), nil
}

// Join adds channel to the room's member set. Joining a room the channel
// is already a member of is a no-op; a channel can be in one room only.
func (r *Registry) Join(roomID, channel string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Snapshot{}, ErrRoomNotFound
	}
	if current, joined := r.channel[channel]; joined {
		if current == roomID {
			return rm.snapshot(), nil
		}
		return Snapshot{}, ErrAlreadyInRoom
	}

	rm.members[channel] = struct{}{}
	r.channel[channel] = roomID
	return rm.snapshot(), nil
}

// Leave removes channel from the room and the index. No-op when the
// channel is not a member. Destroying the room on host departure is the
// caller's decision.
func (r *Registry) Leave(roomID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, member := rm.members[channel]; !member {
		return
	}
	delete(rm.members, channel)
	delete(r.channel, channel)
}

// Destroy removes the room and evicts all members, returning the evicted
// channel ids. The room id becomes free for reuse.
func (r *Registry) Destroy(roomID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	evicted := make([]string, 0, len(rm.members))
	for channel := range rm.members {
		delete(r.channel, channel)
		evicted = append(evicted, channel)
	}
	delete(r.rooms, roomID)

	ilog.EventInfo(context.Background(), "room destroyed", "room_id", roomID, "evicted", len(evicted))
	return evicted, nil
}

// UpdatePlayback overwrites the stored playback state. Host attribution
// is the caller's responsibility.
func (r *Registry) UpdatePlayback(roomID string, isPlaying bool, position float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	rm.isPlaying = isPlaying
	rm.position = position
	return nil
}

// UpdatePosition moves the playhead without touching the play/pause flag.
func (r *Registry) UpdatePosition(roomID string, position float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	rm.position = position
	return nil
}

func (r *Registry) Snapshot(roomID string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Snapshot{}, ErrRoomNotFound
	}
	return rm.snapshot(), nil
}

// Members returns the channel ids currently in the room.
func (r *Registry) Members(roomID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	members := make([]string, 0, len(rm.members))
	for channel := range rm.members {
		members = append(members, channel)
	}
	return members, nil
}

func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.members)
}

// RoomOf reports which room the channel currently belongs to, if any.
func (r *Registry) RoomOf(channel string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.channel[channel]
	return roomID, ok
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (rm *room) snapshot() Snapshot {
	return Snapshot{
		RoomID:      rm.id,
		HostID:      rm.hostID,
		MemberCount: len(rm.members),
		IsPlaying:   rm.isPlaying,
		Position:    rm.position,
		CreatedAt:   rm.createdAt,
	}
}
