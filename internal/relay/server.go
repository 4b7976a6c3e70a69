package relay

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
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/GZXiaoBai/SyncCinema/internal/protocol"
	"github.com/GZXiaoBai/SyncCinema/internal/rooms"
	"github.com/GZXiaoBai/SyncCinema/internal/session"
)

// portFallbackAttempts bounds the scan for a free port when the
// configured one is taken.
const portFallbackAttempts = 10

// Server is the relay-mode transport: every participant connects here and
// broadcast is a native group send.
type Server struct {
	registry *rooms.Registry
	engine   *session.Engine
	hub      *hub
	router   *echo.Echo
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	listener net.Listener
}

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

// roomResponse is the public room snapshot. Channel ids are internal
// addressing and stay off the HTTP surface.
type roomResponse struct {
	RoomID      string  `json:"roomId"`
	MemberCount int     `json:"memberCount"`
	IsPlaying   bool    `json:"isPlaying"`
	Position    float64 `json:"position"`
}

func NewServer(registry *rooms.Registry, maxWorkers int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h := newHub(maxWorkers)
	server := &Server{
		registry: registry,
		engine:   session.NewEngine(registry, h),
		hub:      h,
		router:   e,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	e.GET("/healthz", server.handleHealth)
	e.GET("/rooms/:roomId", server.handleGetRoom)
	e.GET("/ws", server.handleWebSocket)

	return server
}

// Start binds the configured TCP port, falling back to the next free one
// on conflict, and serves until Shutdown.
func (s *Server) Start(port int) error {
	var (
		ln  net.Listener
		err error
	)
	for i := 0; i < portFallbackAttempts; i++ {
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port+i))
		if err == nil {
			break
		}
		log.Warnf("port %d unavailable: %v", port+i, err)
	}
	if ln == nil {
		return fmt.Errorf("no free port in range %d-%d: %w", port, port+portFallbackAttempts-1, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.router.Listener = ln
	s.mu.Unlock()
	log.Infof("relay listening on %s", ln.Addr())
	if err := s.router.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router exposes the HTTP surface for embedding and tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Addr reports the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown closes every room, drains the fan-out pool and stops the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.engine.Shutdown("server_shutdown")
	s.hub.shutdown()
	return s.router.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Rooms:  s.registry.RoomCount(),
	})
}

func (s *Server) handleGetRoom(c echo.Context) error {
	roomID, err := protocol.NormalizeRoomID(c.Param("roomId"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, protocol.ErrorPayload{Message: err.Error()})
	}
	snap, err := s.registry.Snapshot(roomID)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			return c.JSON(http.StatusNotFound, protocol.ErrorPayload{Message: "room not found"})
		}
		return c.JSON(http.StatusInternalServerError, protocol.ErrorPayload{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, roomResponse{
		RoomID:      snap.RoomID,
		MemberCount: snap.MemberCount,
		IsPlaying:   snap.IsPlaying,
		Position:    snap.Position,
	})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return nil
	}

	channelID := uuid.NewString()
	ch := s.hub.add(channelID, conn)
	go ch.writeLoop()

	s.engine.HandleConnect(channelID)
	s.readLoop(channelID, conn)
	s.engine.HandleDisconnect(channelID)
	s.hub.remove(channelID)
	return nil
}

func (s *Server) readLoop(channelID string, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("channel %s read error: %v", channelID, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.engine.HandleMessage(channelID, data)
	}
}
