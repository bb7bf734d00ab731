// Package realtime carries the room protocol over websockets: a hub per instance,
// per-connection pumps, command dispatch into the room manager and a Redis relay
// for rooms whose members are spread over several instances.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"silent-disco/internal/domain"
	"silent-disco/internal/protocol"
	"silent-disco/internal/room"
)

const commandTimeout = 10 * time.Second

// Sessions is the room manager surface the server drives.
type Sessions interface {
	Join(ctx context.Context, code, connID, userID string) error
	Leave(ctx context.Context, code, connID, userID string) error
	SetPlaying(ctx context.Context, code, userID string, track domain.Track, position float64, queueID string) error
	SetPaused(ctx context.Context, code, userID string, position float64) error
	Seek(ctx context.Context, code, userID string, position float64) error
	AddToQueue(ctx context.Context, code, userID string, track domain.Track) error
	RemoveFromQueue(ctx context.Context, code, userID, queueID string) error
	UpdatePermissions(ctx context.Context, code, userID, memberID string, p domain.Permissions) error
	RequestSync(ctx context.Context, code, connID, userID string) error
	Ban(ctx context.Context, code, userID, memberID string) error

	CreateRoom(ctx context.Context, userID string, p room.CreateParams) (*domain.Room, error)
	EndRoom(ctx context.Context, code, userID string) error
	Describe(ctx context.Context, code string) (*room.View, error)
	PublicRooms(ctx context.Context, limit int) ([]domain.Room, error)
}

type Options struct {
	// Verifier checks bearer tokens. Nil trusts the X-User-Id header.
	Verifier       *TokenVerifier
	AllowedOrigins []string
}

type Server struct {
	hub      *Hub
	rooms    Sessions
	verifier *TokenVerifier
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewServer(hub *Hub, rooms Sessions, opts Options, log zerolog.Logger) *Server {
	s := &Server{
		hub:      hub,
		rooms:    rooms,
		verifier: opts.Verifier,
		log:      log.With().Str("component", "realtime").Logger(),
	}
	origins := opts.AllowedOrigins
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(origins) == 0 || origin == "" {
				return true
			}
			for _, o := range origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	return s
}

// Router builds the chi router with the realtime and room routes.
func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		r.Use(mw)
	}
	s.Mount(r)
	return r
}

// Mount registers the routes on an existing router.
func (s *Server) Mount(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)

	r.Route("/rooms", func(r chi.Router) {
		r.Get("/", s.handleListRooms)
		r.Get("/{code}", s.handleGetRoom)
		r.With(s.RequireUser).Post("/", s.handleCreateRoom)
		r.With(s.RequireUser).Post("/{code}/end", s.handleEndRoom)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "silent-disco",
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade")
		return
	}

	c := newClient(s.hub, conn, userID)
	s.hub.Register(c)
	s.log.Debug().Str("conn", c.id).Str("user", userID).Msg("connected")

	go c.writePump()
	go s.serve(c)
}

// serve runs the read loop and releases every room binding once the socket closes.
func (s *Server) serve(c *Client) {
	c.readPump(func(data []byte) { s.dispatch(c, data) })

	for code := range c.rooms {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		if err := s.rooms.Leave(ctx, code, c.id, c.userID); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
			s.log.Error().Err(err).Str("room", code).Str("conn", c.id).Msg("disconnect cleanup")
		}
		cancel()
	}
	s.hub.Unregister(c)
	s.log.Debug().Str("conn", c.id).Str("user", c.userID).Msg("disconnected")
}

func (s *Server) dispatch(c *Client, data []byte) {
	cmd, err := protocol.Decode(data)
	if err != nil {
		s.log.Debug().Err(err).Str("conn", c.id).Msg("rejected frame")
		s.hub.Send(c.id, protocol.RoomError(err.Error()))
		return
	}
	if _, ok := cmd.(*protocol.Ping); ok {
		s.hub.Send(c.id, protocol.Pong())
		return
	}

	if join, ok := cmd.(*protocol.JoinRoom); ok && join.Token != "" {
		userID, err := s.authenticate(join.Token)
		if err != nil {
			s.hub.Send(c.id, protocol.AuthError("invalid token"))
			return
		}
		if c.userID != "" && c.userID != userID {
			s.log.Warn().Str("conn", c.id).Str("user", c.userID).Str("token_user", userID).Msg("identity change refused")
			s.hub.Send(c.id, protocol.AuthError("connection is bound to another user"))
			return
		}
		c.userID = userID
	}
	if c.userID == "" {
		s.hub.Send(c.id, protocol.AuthError("missing credential"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := s.apply(ctx, c, cmd); err != nil {
		s.fail(c, cmd, err)
	}
}

func (s *Server) apply(ctx context.Context, c *Client, cmd protocol.Command) error {
	code := strings.ToUpper(cmd.Room())
	switch cmd := cmd.(type) {
	case *protocol.JoinRoom:
		if err := s.rooms.Join(ctx, code, c.id, c.userID); err != nil {
			return err
		}
		c.rooms[code] = true
		return nil
	case *protocol.LeaveRoom:
		delete(c.rooms, code)
		return s.rooms.Leave(ctx, code, c.id, c.userID)
	case *protocol.Play:
		return s.rooms.SetPlaying(ctx, code, c.userID, cmd.Track, cmd.Position, cmd.QueueID)
	case *protocol.Pause:
		return s.rooms.SetPaused(ctx, code, c.userID, cmd.Position)
	case *protocol.Seek:
		return s.rooms.Seek(ctx, code, c.userID, cmd.Position)
	case *protocol.QueueAdd:
		return s.rooms.AddToQueue(ctx, code, c.userID, cmd.Track)
	case *protocol.QueueRemove:
		return s.rooms.RemoveFromQueue(ctx, code, c.userID, cmd.QueueID)
	case *protocol.UpdatePermissions:
		return s.rooms.UpdatePermissions(ctx, code, c.userID, cmd.MemberID, cmd.Permissions)
	case *protocol.RequestSync:
		return s.rooms.RequestSync(ctx, code, c.id, c.userID)
	case *protocol.BanMember:
		return s.rooms.Ban(ctx, code, c.userID, cmd.MemberID)
	}
	return nil
}

// fail reports err to the issuing connection only.
func (s *Server) fail(c *Client, cmd protocol.Command, err error) {
	log := s.log.With().Str("room", cmd.Room()).Str("user", c.userID).Str("conn", c.id).Str("cmd", cmd.Type()).Logger()
	switch {
	case errors.Is(err, room.ErrRoomNotFound),
		errors.Is(err, room.ErrRoomEnded),
		errors.Is(err, room.ErrRoomFull),
		errors.Is(err, room.ErrForbidden),
		errors.Is(err, room.ErrNotMember):
		log.Debug().Err(err).Msg("command refused")
		s.hub.Send(c.id, protocol.RoomError(err.Error()))
	default:
		log.Error().Err(err).Msg("command failed")
		s.hub.Send(c.id, protocol.RoomError("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
