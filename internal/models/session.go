// internal/models/session.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a game session.
type SessionStatus string

const (
	SessionStatusWaiting   SessionStatus = "waiting"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// Terminal reports whether the status is final. Terminal sessions keep
// their rows for a retention window, then the reaper purges them.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled || s == SessionStatusAbandoned
}

// CanTransition reports whether the session state machine allows moving
// from one status to another. The zero-value ("") from-state is the
// creation transition and only admits waiting.
func CanTransition(from, to SessionStatus) bool {
	switch from {
	case "":
		return to == SessionStatusWaiting
	case SessionStatusWaiting:
		return to == SessionStatusActive || to.Terminal()
	case SessionStatusActive:
		return to.Terminal()
	default:
		// completed / cancelled / abandoned are immutable
		return false
	}
}

// Privacy values for a session.
const (
	PrivacyPublic  = "public"
	PrivacyPrivate = "private"
)

// Session represents a row in sessions: a bounded-capacity group of
// players sharing one instance of gameplay. CurrentPlayers always equals
// the number of active members; the registry maintains both in the same
// transaction.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	HostUserID     uuid.UUID     `json:"host_user_id"`
	GameMode       string        `json:"game_mode"`
	Region         string        `json:"region"`
	MaxPlayers     int           `json:"max_players"` // 2..4
	CurrentPlayers int           `json:"current_players"`
	MemberIDs      []uuid.UUID   `json:"member_ids"` // join order, no duplicates
	Status         SessionStatus `json:"status"`
	Privacy        string        `json:"privacy"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// HasMember reports whether userID is currently in the session.
func (s *Session) HasMember(userID uuid.UUID) bool {
	for _, id := range s.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Joinable reports whether the session can accept a new member.
func (s *Session) Joinable() bool {
	return s.Status == SessionStatusWaiting && s.CurrentPlayers < s.MaxPlayers
}

// MemberStatus is the presence state of one player inside one session.
type MemberStatus string

const (
	MemberJoined       MemberStatus = "joined"
	MemberReady        MemberStatus = "ready"
	MemberPlaying      MemberStatus = "playing"
	MemberDisconnected MemberStatus = "disconnected"
	MemberLeft         MemberStatus = "left"
)

// SessionMember is a row in session_members. Session.MemberIDs is the
// source of truth for capacity; this record carries presence detail only.
type SessionMember struct {
	SessionID      uuid.UUID    `json:"session_id"`
	UserID         uuid.UUID    `json:"user_id"`
	Position       int          `json:"position"` // join order, ascending
	Status         MemberStatus `json:"status"`
	JoinedAt       time.Time    `json:"joined_at"`
	LastSeenAt     time.Time    `json:"last_seen_at"`
	DisconnectedAt *time.Time   `json:"disconnected_at,omitempty"`
}

// NextHost picks the replacement host after the current host leaves: the
// remaining active member with the lowest position (next-oldest join).
// Returns uuid.Nil if no active member remains.
func NextHost(members []SessionMember, leaving uuid.UUID) uuid.UUID {
	next := uuid.Nil
	best := -1
	for _, m := range members {
		if m.UserID == leaving || m.Status == MemberLeft {
			continue
		}
		if best == -1 || m.Position < best {
			best = m.Position
			next = m.UserID
		}
	}
	return next
}
