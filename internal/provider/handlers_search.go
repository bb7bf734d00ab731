package provider

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"silent-disco/internal/domain"
)

type Server struct {
	provider Provider
	log      zerolog.Logger
}

func NewServer(p Provider, log zerolog.Logger) *Server {
	return &Server{provider: p, log: log.With().Str("component", "provider").Logger()}
}

// HandleSearch serves GET /music/search?query=&limit=.
func (s *Server) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("query"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(q) > MaxQueryLength {
		writeError(w, http.StatusBadRequest, "query is too long")
		return
	}

	limit := DefaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= MaxLimit {
		limit = v
	}

	items, err := s.provider.SearchTracks(r.Context(), q, limit)
	if err != nil {
		s.log.Warn().Err(err).Str("query", q).Msg("search upstream")
		writeError(w, http.StatusBadGateway, "failed to query provider")
		return
	}
	if items == nil {
		items = []domain.Track{}
	}

	writeJSON(w, http.StatusOK, SearchResponse{Items: items})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
