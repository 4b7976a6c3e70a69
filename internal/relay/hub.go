package relay

import (
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"

	"github.com/GZXiaoBai/SyncCinema/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// hub owns every live relay channel and implements session.Sender.
// Fan-out goes through a worker pool so one broadcast never runs on the
// reader goroutine, and each per-channel push is non-blocking.
type hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	pool     *workerpool.WorkerPool
}

type channel struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newHub(maxWorkers int) *hub {
	return &hub{
		channels: make(map[string]*channel),
		pool:     workerpool.New(maxWorkers),
	}
}

func (h *hub) add(id string, conn *websocket.Conn) *channel {
	ch := &channel{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.channels[id] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	delete(h.channels, id)
	h.mu.Unlock()
	if ok {
		ch.close()
	}
}

func (h *hub) get(id string) (*channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[id]
	return ch, ok
}

// Send delivers one envelope to one channel.
func (h *hub) Send(channelID string, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		log.Errorf("encode %s: %v", env.Type, err)
		return
	}
	if ch, ok := h.get(channelID); ok {
		ch.push(data)
	}
}

// Broadcast marshals once and fans out through the pool. A dead or slow
// channel is skipped, never waited on.
func (h *hub) Broadcast(channelIDs []string, env protocol.Envelope) {
	if len(channelIDs) == 0 {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		log.Errorf("encode %s: %v", env.Type, err)
		return
	}
	ids := append([]string(nil), channelIDs...)
	h.pool.Submit(func() {
		for _, id := range ids {
			ch, ok := h.get(id)
			if !ok {
				continue
			}
			ch.push(data)
		}
	})
}

func (h *hub) shutdown() {
	h.pool.StopWait()
	h.mu.Lock()
	channels := h.channels
	h.channels = make(map[string]*channel)
	h.mu.Unlock()
	for _, ch := range channels {
		ch.close()
	}
}

// push never blocks and never panics on a dying channel: the send chan
// is left open and the writer drains until done.
func (c *channel) push(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		log.Warnf("channel %s send buffer full, dropping frame", c.id)
	}
}

// writeLoop drains the send buffer and keeps the connection alive with
// pings. It owns all writes to the underlying conn.
func (c *channel) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Flush anything queued before the teardown signal, then
			// say goodbye.
			for {
				select {
				case data := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *channel) close() {
	c.once.Do(func() {
		close(c.done)
	})
}
