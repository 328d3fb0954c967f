// internal/models/queue_entry.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the lifecycle state of a matchmaking queue entry.
type QueueStatus string

const (
	QueueStatusActive    QueueStatus = "active"
	QueueStatusMatched   QueueStatus = "matched"
	QueueStatusCancelled QueueStatus = "cancelled"
	QueueStatusTimedOut  QueueStatus = "timed_out"
)

// Terminal reports whether the entry can no longer change state
// (except for purge deletion after the retention window).
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCancelled || s == QueueStatusTimedOut || s == QueueStatusMatched
}

// QueueEntry represents a row in queue_entries: one player's pending
// request to be matched into a session. At most one entry per user may
// be active at a time; the store enforces this with a partial unique index.
type QueueEntry struct {
	ID                uuid.UUID              `json:"id"`
	UserID            uuid.UUID              `json:"user_id"`
	GameMode          string                 `json:"game_mode"`
	Region            string                 `json:"region"`
	SkillLevel        int                    `json:"skill_level"`         // 1..10
	DesiredMaxPlayers int                    `json:"desired_max_players"` // 2..4
	Preferences       map[string]interface{} `json:"preferences,omitempty"`
	Status            QueueStatus            `json:"status"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// SkillDistance returns the absolute skill gap between the entry and a
// reference skill level. Candidates are ranked by this, ascending.
func (e *QueueEntry) SkillDistance(ref int) int {
	d := e.SkillLevel - ref
	if d < 0 {
		return -d
	}
	return d
}
