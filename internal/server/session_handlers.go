package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/session"
)

// SessionHandlers exposes session creation and polling.
type SessionHandlers struct {
	sessions *session.Service
	log      zerolog.Logger
}

// NewSessionHandlers creates session handlers.
func NewSessionHandlers(sessions *session.Service, log zerolog.Logger) *SessionHandlers {
	return &SessionHandlers{
		sessions: sessions,
		log:      log.With().Str("component", "session_handlers").Logger(),
	}
}

// Create handles POST /api/sessions. The body is the frozen session config;
// structural problems are rejected here, semantic validation happened
// upstream and is not repeated.
func (h *SessionHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var cfg domain.SessionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if reason := checkConfigShape(cfg); reason != "" {
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	sess, err := h.sessions.Create(cfg)
	if err != nil {
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			writeError(w, http.StatusBadRequest, validationErr.Error())
			return
		}
		h.log.Error().Err(err).Msg("Failed to create session")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        sess.ID,
		"status":    string(session.StatusRequested),
		"matrixKey": sess.MatrixKey,
	})
}

// Get handles GET /api/sessions/{id} and returns the full aggregate:
// status, allocation and solver metadata when present, validation metrics,
// and the matrix key for cache debugging.
func (h *SessionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.sessions.Get(id)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", id).Msg("Failed to load session")
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// checkConfigShape rejects bodies too malformed to derive a matrix key from.
func checkConfigShape(cfg domain.SessionConfig) string {
	if len(cfg.Buckets) == 0 {
		return "config must contain at least one bucket"
	}
	if cfg.Scenario.ScenarioCount <= 0 {
		return "scenarioCount must be positive"
	}
	if cfg.Risk.TotalCapital <= 0 {
		return "totalCapital must be positive"
	}
	for _, b := range cfg.Buckets {
		if b.ID == "" {
			return "every bucket needs an id"
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
