// internal/handlers/session.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/averyhall/rallypoint/internal/models"
)

type createSessionRequest struct {
	GameMode   string `json:"game_mode"`
	Region     string `json:"region"`
	MaxPlayers int    `json:"max_players"`
	Privacy    string `json:"privacy"`
	Secret     string `json:"secret"`
}

// CreateSessionHandler opens a new session hosted by the caller.
func CreateSessionHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad session request payload", http.StatusBadRequest)
			return
		}
		sess, err := s.Registry.CreateSession(r.Context(), userID, req.GameMode, req.Region, req.MaxPlayers, req.Privacy, req.Secret, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

type joinSessionRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Secret    string    `json:"secret"`
}

// JoinSessionHandler attaches the caller to an existing session.
func JoinSessionHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}
		var req joinSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == uuid.Nil {
			http.Error(w, "bad join request payload", http.StatusBadRequest)
			return
		}
		sess, err := s.Registry.JoinSession(r.Context(), req.SessionID, userID, req.Secret)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

type leaveSessionRequest struct {
	SessionID uuid.UUID `json:"session_id"`
}

// LeaveSessionHandler removes the caller from a session.
func LeaveSessionHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}
		var req leaveSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == uuid.Nil {
			http.Error(w, "bad leave request payload", http.StatusBadRequest)
			return
		}
		sess, err := s.Registry.LeaveSession(r.Context(), req.SessionID, userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":            sess.Status,
			"remaining_players": sess.CurrentPlayers,
		})
	}
}

// GetSessionHandler returns one session snapshot by ?id=.
func GetSessionHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := authedUser(w, r); !ok {
			return
		}
		id, err := uuid.Parse(r.URL.Query().Get("id"))
		if err != nil {
			http.Error(w, "invalid session id", http.StatusBadRequest)
			return
		}
		sess, err := s.Registry.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

// ListSessionsHandler returns waiting-session summaries, newest first.
// Optional filters: ?game_mode= ?region= ?page=.
func ListSessionsHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := authedUser(w, r); !ok {
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		sessions, err := s.Registry.List(r.Context(),
			r.URL.Query().Get("game_mode"),
			r.URL.Query().Get("region"),
			false, page, 20)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"page":     page,
			"sessions": sessions,
		})
	}
}

type updateStatusRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Status    string    `json:"status"`
}

// UpdateSessionStatusHandler lets the host end a session.
func UpdateSessionStatusHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}
		var req updateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == uuid.Nil {
			http.Error(w, "bad status request payload", http.StatusBadRequest)
			return
		}
		sess, err := s.Registry.UpdateStatus(r.Context(), req.SessionID, userID, models.SessionStatus(req.Status))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

type heartbeatRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Status    string    `json:"status"`
}

// HeartbeatHandler refreshes the caller's presence within a session.
func HeartbeatHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == uuid.Nil {
			http.Error(w, "bad heartbeat payload", http.StatusBadRequest)
			return
		}
		if req.Status == "" {
			req.Status = string(models.MemberJoined)
		}
		if err := s.Registry.Heartbeat(r.Context(), req.SessionID, userID, models.MemberStatus(req.Status)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
