package analytics

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"silent-disco/internal/domain"
)

const (
	MaxBatch     = 500
	maxBodyBytes = 1 << 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Handler struct {
	sink *RedisSink
	log  zerolog.Logger
}

func NewHandler(sink *RedisSink, log zerolog.Logger) *Handler {
	return &Handler{sink: sink, log: log.With().Str("component", "analytics").Logger()}
}

// HandleBatch serves POST /events/batch with a JSON array of events. The caller
// identity comes from X-User-Id and overrides any userId in the body.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	var events []domain.ListeningEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(events) > MaxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d events per batch", MaxBatch))
		return
	}

	userID := r.Header.Get("X-User-Id")
	for i := range events {
		if err := validate.Struct(events[i]); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %d: %v", i, err))
			return
		}
		events[i].UserID = userID
	}

	if err := h.sink.RecordBatch(r.Context(), events); err != nil {
		h.log.Error().Err(err).Int("events", len(events)).Msg("buffer batch")
		writeError(w, http.StatusServiceUnavailable, "analytics unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(events)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
