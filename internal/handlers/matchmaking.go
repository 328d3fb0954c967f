// internal/handlers/matchmaking.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/averyhall/rallypoint/internal/matchmaking"
	"github.com/averyhall/rallypoint/internal/models"
)

// joinQueueRequest is the payload for POST /matchmaking/join.
type joinQueueRequest struct {
	GameMode    string                 `json:"game_mode"`
	Region      string                 `json:"region"`
	SkillLevel  int                    `json:"skill_level"`
	MaxPlayers  int                    `json:"max_players"`
	Preferences map[string]interface{} `json:"preferences"`
}

// JoinQueueHandler admits the caller into matchmaking and attempts an
// immediate pairing.
func JoinQueueHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}

		var req joinQueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad join request payload", http.StatusBadRequest)
			return
		}

		result, err := s.Orchestrator.JoinMatchmaking(r.Context(), matchmaking.JoinRequest{
			UserID:      userID,
			GameMode:    req.GameMode,
			Region:      req.Region,
			SkillLevel:  req.SkillLevel,
			MaxPlayers:  req.MaxPlayers,
			Preferences: req.Preferences,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// LeaveQueueHandler withdraws the caller's active queue entry.
func LeaveQueueHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}
		if err := s.Orchestrator.LeaveMatchmaking(r.Context(), userID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

// QueueStatusHandler reports the caller's current (or most recent) entry.
func QueueStatusHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}
		entry, err := s.Orchestrator.QueueStatus(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		if entry == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"queued": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"queued": entry.Status == models.QueueStatusActive,
			"entry":  entry,
		})
	}
}
