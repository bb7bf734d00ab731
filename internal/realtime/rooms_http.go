package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"silent-disco/internal/domain"
	"silent-disco/internal/protocol"
	"silent-disco/internal/room"
)

type createRoomRequest struct {
	Name       string `json:"name" validate:"max=80"`
	Visibility string `json:"visibility" validate:"omitempty,oneof=PUBLIC PRIVATE"`
	MaxMembers int    `json:"maxMembers" validate:"gte=0,lte=1000"`
}

type roomsResponse struct {
	Items []domain.Room `json:"items"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := protocol.Validate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rm, err := s.rooms.CreateRoom(r.Context(), UserID(r.Context()), room.CreateParams{
		Name:       strings.TrimSpace(req.Name),
		Visibility: domain.Visibility(req.Visibility),
		MaxMembers: req.MaxMembers,
	})
	if err != nil {
		s.writeRoomError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rm)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rooms, err := s.rooms.PublicRooms(r.Context(), limit)
	if err != nil {
		s.writeRoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomsResponse{Items: rooms})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	view, err := s.rooms.Describe(r.Context(), strings.ToUpper(chi.URLParam(r, "code")))
	if err != nil {
		s.writeRoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEndRoom(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	if err := s.rooms.EndRoom(r.Context(), code, UserID(r.Context())); err != nil {
		s.writeRoomError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeRoomError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, room.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, room.ErrRoomEnded), errors.Is(err, room.ErrRoomFull):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Msg("room request")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
