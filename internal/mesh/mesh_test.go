package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GZXiaoBai/SyncCinema/internal/heartbeat"
	"github.com/GZXiaoBai/SyncCinema/internal/protocol"
	"github.com/GZXiaoBai/SyncCinema/internal/rooms"
)

type event struct {
	typ     protocol.Type
	payload interface{}
}

func collector() (chan event, EventFunc) {
	events := make(chan event, 64)
	return events, func(typ protocol.Type, payload interface{}) {
		events <- event{typ: typ, payload: payload}
	}
}

func waitFor(t *testing.T, events chan event, typ protocol.Type) interface{} {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.typ == typ {
				return ev.payload
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func startHost(t *testing.T) (*Host, string) {
	t.Helper()
	host := NewHost(rooms.NewRegistry(), "Host")
	go func() {
		_ = host.Start(0)
	}()
	require.Eventually(t, func() bool {
		return host.Addr() != nil
	}, 3*time.Second, 10*time.Millisecond)

	port := host.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = host.Close(ctx)
	})
	return host, url
}

type testPlayer struct {
	mu       sync.Mutex
	position float64
	playing  bool
}

func (p *testPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *testPlayer) SetPlaying(playing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = playing
}

func (p *testPlayer) Seek(position float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = position
}

func (p *testPlayer) state() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position, p.playing
}

func TestGuestJoinReceivesSnapshot(t *testing.T) {
	host, url := startHost(t)
	roomID, err := host.OpenRoom()
	require.NoError(t, err)

	host.Submit(protocol.Envelope{
		Type:    protocol.TypeSyncStatus,
		Payload: protocol.SyncStatusPayload{IsPlaying: true, Position: 7.5},
	})

	events, onEvent := collector()
	guest, err := Dial(context.Background(), url, roomID, "Guest", nil, onEvent)
	require.NoError(t, err)
	defer guest.Close()

	snap := waitFor(t, events, protocol.TypeSyncStatus).(*protocol.SyncStatusPayload)
	assert.True(t, snap.IsPlaying)
	assert.Equal(t, 7.5, snap.Position)
}

func TestGuestChatRelayedThroughHost(t *testing.T) {
	host, url := startHost(t)
	roomID, err := host.OpenRoom()
	require.NoError(t, err)

	events1, onEvent1 := collector()
	guest1, err := Dial(context.Background(), url, roomID, "Alice", nil, onEvent1)
	require.NoError(t, err)
	defer guest1.Close()
	waitFor(t, events1, protocol.TypeSyncStatus)

	events2, onEvent2 := collector()
	guest2, err := Dial(context.Background(), url, roomID, "Bob", nil, onEvent2)
	require.NoError(t, err)
	defer guest2.Close()
	waitFor(t, events2, protocol.TypeSyncStatus)

	joined := waitFor(t, events1, protocol.TypeUserJoined).(*protocol.UserJoinedPayload)
	assert.Equal(t, "Bob", joined.Name)

	// Bob's chat physically reaches only the host, which retransmits to
	// Alice and delivers a copy to its own inbox.
	guest2.Chat("movie night!")

	msg := waitFor(t, events1, protocol.TypeChatMessage).(*protocol.ChatMessage)
	assert.Equal(t, "movie night!", msg.Content)
	assert.Equal(t, "Bob", msg.SenderName)
	assert.False(t, msg.IsFromHost)

	env := waitInbox(t, host, protocol.TypeChatMessage)
	inboxMsg := env.Payload.(protocol.ChatMessage)
	assert.Equal(t, "movie night!", inboxMsg.Content)
}

// waitInbox drains the host inbox until an envelope of the wanted type
// shows up; the inbox also carries room_info and membership events.
func waitInbox(t *testing.T, host *Host, typ protocol.Type) protocol.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-host.Inbox():
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("host inbox never received %s", typ)
		}
	}
}

func TestHeartbeatDrivesGuestCorrector(t *testing.T) {
	host, url := startHost(t)
	roomID, err := host.OpenRoom()
	require.NoError(t, err)

	player := &testPlayer{position: 100.0}
	corrector := heartbeat.NewCorrector(player, 2.0)

	events, onEvent := collector()
	guest, err := Dial(context.Background(), url, roomID, "Guest", corrector, onEvent)
	require.NoError(t, err)
	defer guest.Close()
	waitFor(t, events, protocol.TypeSyncStatus)

	// Sub-threshold drift: play state adopted, no seek.
	host.EmitHeartbeat(101.5, true)
	waitFor(t, events, protocol.TypeHeartbeat)
	position, playing := player.state()
	assert.True(t, playing)
	assert.Equal(t, 100.0, position)

	// Past the threshold the guest player snaps to the host.
	host.EmitHeartbeat(103.0, true)
	waitFor(t, events, protocol.TypeHeartbeat)
	position, _ = player.state()
	assert.Equal(t, 103.0, position)
}

func TestHostCloseTellsGuests(t *testing.T) {
	host, url := startHost(t)
	roomID, err := host.OpenRoom()
	require.NoError(t, err)

	events, onEvent := collector()
	guest, err := Dial(context.Background(), url, roomID, "Guest", nil, onEvent)
	require.NoError(t, err)
	defer guest.Close()
	waitFor(t, events, protocol.TypeSyncStatus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, host.Close(ctx))

	closed := waitFor(t, events, protocol.TypeRoomClosed).(*protocol.RoomClosedPayload)
	assert.Equal(t, "host_left", closed.Reason)

	select {
	case <-guest.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("guest link never terminated")
	}
}

func TestSilentPeerEvicted(t *testing.T) {
	origPong, origPing := pongWait, pingPeriod
	pongWait, pingPeriod = 150*time.Millisecond, 50*time.Millisecond
	t.Cleanup(func() { pongWait, pingPeriod = origPong, origPing })

	host, url := startHost(t)
	roomID, err := host.OpenRoom()
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Swallow pings so the host never sees a pong; the link itself stays
	// up, mimicking a guest whose process died without a TCP FIN.
	conn.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	join, err := protocol.Encode(protocol.Envelope{
		Type:    protocol.TypeJoinRoom,
		Payload: protocol.JoinRoomPayload{RoomID: roomID, Name: "Mute"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, join))

	require.Eventually(t, func() bool {
		return host.registry.MemberCount(roomID) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The read deadline expires without pongs and the peer is treated as
	// having left.
	require.Eventually(t, func() bool {
		return host.registry.MemberCount(roomID) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTickerFeedsMeshHost(t *testing.T) {
	host, url := startHost(t)
	roomID, err := host.OpenRoom()
	require.NoError(t, err)

	events, onEvent := collector()
	guest, err := Dial(context.Background(), url, roomID, "Guest", nil, onEvent)
	require.NoError(t, err)
	defer guest.Close()
	waitFor(t, events, protocol.TypeSyncStatus)

	ticker := heartbeat.NewTicker(20*time.Millisecond, staticSource{position: 55.0, playing: true}, host.EmitHeartbeat)
	ticker.Start()
	defer ticker.Stop()

	hb := waitFor(t, events, protocol.TypeHeartbeat).(*protocol.HeartbeatPayload)
	assert.Equal(t, 55.0, hb.Position)
	assert.True(t, hb.IsPlaying)
}

type staticSource struct {
	position float64
	playing  bool
}

func (s staticSource) Sample() (float64, bool, bool) {
	return s.position, s.playing, true
}
