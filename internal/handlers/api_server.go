// internal/handlers/api_server.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/averyhall/rallypoint/internal/auth"
	"github.com/averyhall/rallypoint/internal/errs"
	"github.com/averyhall/rallypoint/internal/matchmaking"
	"github.com/averyhall/rallypoint/internal/session"
)

// Server bundles the services the HTTP layer fronts. The HTTP framing is
// deliberately thin: every route maps 1:1 onto a service contract.
type Server struct {
	Orchestrator *matchmaking.Orchestrator
	Registry     *session.Registry
	Log          *logrus.Logger
}

func NewServer(o *matchmaking.Orchestrator, r *session.Registry, logger *logrus.Logger) *Server {
	return &Server{Orchestrator: o, Registry: r, Log: logger}
}

// authedUser authenticates the request via the auth_token cookie and
// returns the verified userId. Writes the error response itself on failure.
func authedUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	cookie := r.Header.Get("Cookie")
	if !strings.Contains(cookie, "auth_token=") {
		http.Error(w, "missing auth_token", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	token := extractCookieToken(cookie, "auth_token")
	userID, err := auth.VerifyToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusForbidden)
		return uuid.Nil, false
	}
	return userID, true
}

// extractCookieToken extracts a named cookie value from the "Cookie"
// header, or returns empty if not found.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the typed error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch errs.KindOf(err) {
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Forbidden:
		status = http.StatusForbidden
	case errs.Conflict, errs.Capacity:
		status = http.StatusConflict
	default:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  errs.KindOf(err).String(),
	})
}
