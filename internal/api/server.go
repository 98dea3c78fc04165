// ABOUTME: HTTP API server wiring for parley
// ABOUTME: Routes, authentication header handling, and service error mapping

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/messaging"
	"github.com/parleyhq/parley/internal/presence"
	"github.com/parleyhq/parley/internal/receipts"
)

// UserHeader carries the authenticated user id, set by the identity layer in
// front of this service. Requests without it are rejected.
const UserHeader = "X-Parley-User"

// Server exposes the conversation service over HTTP and websockets.
type Server struct {
	directory  *messaging.Directory
	log        *messaging.Log
	receipts   *receipts.Debouncer
	presence   *presence.Coordinator
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewServer assembles the HTTP surface over the given collaborators.
// Pass nil logger for default.
func NewServer(dir *messaging.Directory, log *messaging.Log, deb *receipts.Debouncer, pres *presence.Coordinator, disp *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		directory:  dir,
		log:        log,
		receipts:   deb,
		presence:   pres,
		dispatcher: disp,
		logger:     logger.With("component", "api"),
	}
}

// Routes returns the handler for all API endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/", s.handleConversationRoutes)
	mux.HandleFunc("/api/messages/", s.handleMessageRoutes)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate extracts the user id from the identity header. Writes a 401
// and returns "" when the header is absent.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) string {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		s.sendJSONError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
		return ""
	}
	return userID
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendServiceError maps service-layer sentinel errors onto HTTP statuses.
// Window expiry gets its own code so clients can distinguish it from other
// conflicts without parsing the message text.
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, messaging.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, messaging.ErrForbidden):
		s.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, messaging.ErrValidation):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, messaging.ErrWindowExpired):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error": err.Error(),
			"code":  "window_expired",
		})
	case errors.Is(err, messaging.ErrConflict):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, messaging.ErrUnavailable):
		s.sendJSONError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		s.logger.Error("unhandled service error", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
