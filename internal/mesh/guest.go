package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"

	"github.com/GZXiaoBai/SyncCinema/internal/heartbeat"
	"github.com/GZXiaoBai/SyncCinema/internal/protocol"
)

// EventFunc receives every decoded server event; the UI renders from it.
type EventFunc func(typ protocol.Type, payload interface{})

// Guest is the non-authoritative end of a mesh link. It holds exactly one
// connection, to the host, and its local player follows host state
// through the drift corrector.
type Guest struct {
	conn      *websocket.Conn
	send      chan []byte
	corrector *heartbeat.Corrector
	onEvent   EventFunc

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a host, joins its room and starts the read/write
// loops. corrector and onEvent may be nil.
func Dial(ctx context.Context, url, roomID, name string, corrector *heartbeat.Corrector, onEvent EventFunc) (*Guest, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	g := &Guest{
		conn:      conn,
		send:      make(chan []byte, peerSendBuffer),
		corrector: corrector,
		onEvent:   onEvent,
		done:      make(chan struct{}),
	}
	go g.writeLoop()
	go g.readLoop()

	g.submit(protocol.Envelope{
		Type:    protocol.TypeJoinRoom,
		Payload: protocol.JoinRoomPayload{RoomID: roomID, Name: name},
	})
	return g, nil
}

// Chat sends a chat message; the host relays it to every other peer.
func (g *Guest) Chat(content string) {
	g.submit(protocol.Envelope{
		Type:    protocol.TypeChatMessage,
		Payload: protocol.ChatPayload{Content: content},
	})
}

// Leave exits the room without dropping the link.
func (g *Guest) Leave() {
	g.submit(protocol.Envelope{Type: protocol.TypeLeaveRoom})
}

func (g *Guest) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
}

// Done is closed once the link is gone, whether by Close or by the host
// shutting the room.
func (g *Guest) Done() <-chan struct{} {
	return g.done
}

func (g *Guest) submit(env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		log.Errorf("encode %s: %v", env.Type, err)
		return
	}
	select {
	case <-g.done:
	case g.send <- data:
	}
}

// readLoop pumps host frames. The host's pings double as liveness: a
// host that goes silent trips the read deadline and ends the link.
func (g *Guest) readLoop() {
	defer g.Close()
	_ = g.conn.SetReadDeadline(time.Now().Add(pongWait))
	g.conn.SetPingHandler(func(message string) error {
		_ = g.conn.SetReadDeadline(time.Now().Add(pongWait))
		return g.conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(writeWait))
	})
	for {
		msgType, data, err := g.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		g.dispatch(data)
	}
}

func (g *Guest) dispatch(data []byte) {
	typ, payload, err := protocol.DecodeEvent(data)
	if err != nil {
		log.Warnf("undecodable event: %v", err)
		return
	}

	if g.corrector != nil {
		switch p := payload.(type) {
		case *protocol.HeartbeatPayload:
			g.corrector.Apply(p.Position, p.IsPlaying)
		case *protocol.SyncStatusPayload:
			g.corrector.Apply(p.Position, p.IsPlaying)
		case *protocol.SyncSeekPayload:
			g.corrector.ApplySeek(p.Position)
		}
	}

	if g.onEvent != nil {
		g.onEvent(typ, payload)
	}
}

func (g *Guest) writeLoop() {
	defer func() {
		_ = g.conn.Close()
	}()
	for {
		select {
		case <-g.done:
			// Flush queued frames (a final leave, typically) before
			// closing the link.
			for {
				select {
				case data := <-g.send:
					_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := g.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = g.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case data := <-g.send:
			_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := g.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
