package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"

	"github.com/GZXiaoBai/SyncCinema/internal/protocol"
	"github.com/GZXiaoBai/SyncCinema/internal/rooms"
	"github.com/GZXiaoBai/SyncCinema/internal/session"
)

const (
	peerSendBuffer  = 16
	inboxBuffer     = 64
	openRoomRetries = 3
)

// Keepalive timings for peer links, same scheme as the relay channels.
// Vars rather than consts so tests can shorten them.
var (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Host is the mesh-mode transport: the only links that exist are
// host<->guest, so every broadcast is the host fanning out to its peers
// and a guest's chat reaches the others only through the host.
type Host struct {
	registry  *rooms.Registry
	engine    *session.Engine
	channelID string
	name      string

	mu    sync.RWMutex
	peers map[string]*peer

	inbox    chan protocol.Envelope
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
}

type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewHost(registry *rooms.Registry, name string) *Host {
	h := &Host{
		registry:  registry,
		channelID: uuid.NewString(),
		name:      name,
		peers:     make(map[string]*peer),
		inbox:     make(chan protocol.Envelope, inboxBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	h.engine = session.NewEngine(registry, h)
	return h
}

// Start listens for direct peer links.
func (h *Host) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handlePeer)
	srv := &http.Server{Handler: mux}

	h.mu.Lock()
	h.listener = ln
	h.server = srv
	h.mu.Unlock()

	log.Infof("mesh host listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Host) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// OpenRoom creates the shared room with the host as its single writer.
// A code collision just means generating a fresh one.
func (h *Host) OpenRoom() (string, error) {
	for i := 0; i < openRoomRetries; i++ {
		roomID := protocol.NewRoomID()
		h.Submit(protocol.Envelope{
			Type:    protocol.TypeCreateRoom,
			Payload: protocol.CreateRoomPayload{RoomID: roomID, Name: h.name},
		})
		if current, ok := h.registry.RoomOf(h.channelID); ok {
			return current, nil
		}
	}
	return "", errors.New("unable to open room")
}

// Submit injects a message as if the host's own channel had sent it over
// the wire. The local UI and the heartbeat ticker both enter here.
func (h *Host) Submit(env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		log.Errorf("encode %s: %v", env.Type, err)
		return
	}
	h.engine.HandleMessage(h.channelID, data)
}

// EmitHeartbeat satisfies heartbeat.EmitFunc.
func (h *Host) EmitHeartbeat(position float64, isPlaying bool) {
	h.Submit(protocol.Envelope{
		Type:    protocol.TypeHeartbeat,
		Payload: protocol.HeartbeatPayload{Position: position, IsPlaying: isPlaying},
	})
}

// Inbox delivers envelopes addressed to the host participant itself,
// such as guests' chat messages.
func (h *Host) Inbox() <-chan protocol.Envelope {
	return h.inbox
}

// Send implements session.Sender for a single recipient.
func (h *Host) Send(channelID string, env protocol.Envelope) {
	if channelID == h.channelID {
		select {
		case h.inbox <- env:
		default:
			log.Warn("host inbox full, dropping envelope")
		}
		return
	}

	data, err := protocol.Encode(env)
	if err != nil {
		log.Errorf("encode %s: %v", env.Type, err)
		return
	}
	h.sendToPeer(channelID, data)
}

// Broadcast implements session.Sender. One unreachable peer never stalls
// delivery to the rest.
func (h *Host) Broadcast(channelIDs []string, env protocol.Envelope) {
	if len(channelIDs) == 0 {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		log.Errorf("encode %s: %v", env.Type, err)
		return
	}
	for _, id := range channelIDs {
		if id == h.channelID {
			select {
			case h.inbox <- env:
			default:
				log.Warn("host inbox full, dropping envelope")
			}
			continue
		}
		h.sendToPeer(id, data)
	}
}

// Close tears down the room (guests receive room_closed) and stops the
// listener.
func (h *Host) Close(ctx context.Context) error {
	h.engine.HandleDisconnect(h.channelID)

	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*peer)
	srv := h.server
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (h *Host) sendToPeer(channelID string, data []byte) {
	h.mu.RLock()
	p, ok := h.peers[channelID]
	h.mu.RUnlock()
	if !ok {
		log.Warnf("peer %s unreachable, skipping", channelID)
		return
	}
	p.push(data)
}

func (h *Host) handlePeer(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("peer upgrade failed: %v", err)
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, peerSendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()

	go p.writeLoop()
	h.engine.HandleConnect(p.id)
	h.readLoop(p)
	h.engine.HandleDisconnect(p.id)

	h.mu.Lock()
	delete(h.peers, p.id)
	h.mu.Unlock()
	p.close()
}

// readLoop pumps one peer. A guest that stops answering pings trips the
// read deadline and is handled exactly like an explicit leave.
func (h *Host) readLoop(p *peer) {
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.engine.HandleMessage(p.id, data)
	}
}

func (p *peer) push(data []byte) {
	select {
	case <-p.done:
	case p.send <- data:
	default:
		log.Warnf("peer %s send buffer full, dropping frame", p.id)
	}
}

func (p *peer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case <-p.done:
			// Flush anything queued before the teardown signal, then
			// say goodbye.
			for {
				select {
				case data := <-p.send:
					_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
	})
}
