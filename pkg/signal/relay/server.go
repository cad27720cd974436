// Package relay carries signaling messages through a websocket relay server.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/GhostScientist/nearstack/pkg/signal"
)

const sendBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn is one websocket client of the server.
type conn struct {
	id     string
	roomID string
	peerID atomic.Value
	ws     *websocket.Conn
	send   chan []byte
}

func (c *conn) peer() string {
	id, _ := c.peerID.Load().(string)
	return id
}

type envelope struct {
	from *conn
	msg  signal.Message
	raw  []byte
}

// Server fans signaling messages out to the members of each room.
type Server struct {
	logger *slog.Logger
	router chi.Router

	register   chan *conn
	unregister chan *conn
	broadcast  chan envelope
	rooms      map[string]map[*conn]bool
	roomCount  atomic.Int64
	clients    atomic.Int64
	done       chan struct{}
}

// ServerOption 用于修改 Server。
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a relay server. Run must be started before serving.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger:     slog.Default(),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		broadcast:  make(chan envelope),
		rooms:      make(map[string]map[*conn]bool),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.serveWs)
	r.Get("/health", s.health)
	s.router = r
	return s
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Rooms returns the number of non-empty rooms.
func (s *Server) Rooms() int {
	return int(s.roomCount.Load())
}

// Clients returns the number of registered websocket clients.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// Run 处理注册、注销与房间内广播，直到 ctx 结束。只能调用一次。
func (s *Server) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			for _, members := range s.rooms {
				for c := range members {
					close(c.send)
				}
			}
			s.rooms = make(map[string]map[*conn]bool)
			s.roomCount.Store(0)
			s.clients.Store(0)
			return
		case c := <-s.register:
			members, ok := s.rooms[c.roomID]
			if !ok {
				members = make(map[*conn]bool)
				s.rooms[c.roomID] = members
			}
			members[c] = true
			s.roomCount.Store(int64(len(s.rooms)))
			s.clients.Add(1)
			s.logger.Debug("client registered", "conn", c.id, "room", c.roomID, "members", len(members))
		case c := <-s.unregister:
			s.drop(c)
		case env := <-s.broadcast:
			for c := range s.rooms[env.from.roomID] {
				if c == env.from {
					continue
				}
				if env.msg.TargetID != "" && env.msg.TargetID != c.peer() {
					continue
				}
				select {
				case c.send <- env.raw:
				default:
					s.logger.Warn("client too slow, dropping", "conn", c.id)
					s.drop(c)
				}
			}
		}
	}
}

func (s *Server) drop(c *conn) {
	members, ok := s.rooms[c.roomID]
	if !ok || !members[c] {
		return
	}
	delete(members, c)
	close(c.send)
	s.clients.Add(-1)
	if len(members) == 0 {
		delete(s.rooms, c.roomID)
	}
	s.roomCount.Store(int64(len(s.rooms)))
	s.logger.Debug("client unregistered", "conn", c.id, "room", c.roomID)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"rooms":  s.Rooms(),
	})
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		roomID: roomID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
	}
	c.peerID.Store(r.URL.Query().Get("peer"))

	select {
	case s.register <- c:
	case <-s.done:
		_ = ws.Close()
		return
	}
	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *conn) {
	defer func() {
		select {
		case s.unregister <- c:
		case <-s.done:
		}
		_ = c.ws.Close()
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := signal.Decode(raw)
		if err != nil {
			s.logger.Debug("dropping malformed message", "conn", c.id, "error", err)
			continue
		}
		if msg.SenderID != "" && c.peer() == "" {
			c.peerID.Store(msg.SenderID)
		}
		if msg.RoomID != c.roomID {
			msg.RoomID = c.roomID
			if raw, err = signal.Encode(msg); err != nil {
				continue
			}
		}
		select {
		case s.broadcast <- envelope{from: c, msg: msg, raw: raw}:
		case <-s.done:
			return
		}
	}
}

func (s *Server) writePump(c *conn) {
	defer func() {
		_ = c.ws.Close()
	}()

	for message := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
}
