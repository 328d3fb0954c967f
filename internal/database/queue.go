// internal/database/queue.go
package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/averyhall/rallypoint/internal/models"
)

// UniqueActiveQueueEntry is the constraint enforcing one active entry per user.
const UniqueActiveQueueEntry = "queue_entries_user_active"

const queueEntryColumns = `
	id, user_id, game_mode, region, skill_level, desired_max_players,
	preferences, status, created_at, updated_at`

func scanQueueEntry(row pgx.Row) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.GameMode,
		&e.Region,
		&e.SkillLevel,
		&e.DesiredMaxPlayers,
		&e.Preferences,
		&e.Status,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertQueueEntry persists a new entry with status active. A second
// active entry for the same user fails the queue_entries_user_active
// index; callers detect that with IsUniqueViolation.
func InsertQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	q := `
	INSERT INTO queue_entries (
		id, user_id, game_mode, region, skill_level, desired_max_players,
		preferences, status
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING created_at, updated_at
	`
	return DB.QueryRow(ctx, q,
		e.ID,
		e.UserID,
		e.GameMode,
		e.Region,
		e.SkillLevel,
		e.DesiredMaxPlayers,
		e.Preferences,
		e.Status,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

// GetActiveQueueEntry fetches the user's active entry, or pgx.ErrNoRows.
func GetActiveQueueEntry(ctx context.Context, userID uuid.UUID) (*models.QueueEntry, error) {
	q := `SELECT ` + queueEntryColumns + `
		FROM queue_entries
		WHERE user_id = $1 AND status = 'active'`
	return scanQueueEntry(DB.QueryRow(ctx, q, userID))
}

// GetLatestQueueEntry fetches the user's most recent entry regardless of
// status, or pgx.ErrNoRows. Used by PeekStatus so a client polling after
// a match or timeout still sees what happened to its request.
func GetLatestQueueEntry(ctx context.Context, userID uuid.UUID) (*models.QueueEntry, error) {
	q := `SELECT ` + queueEntryColumns + `
		FROM queue_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return scanQueueEntry(DB.QueryRow(ctx, q, userID))
}

// CancelActiveQueueEntry marks the user's active entry cancelled.
// Returns false when there was no active entry (the guard doubles as the
// optimistic check: a concurrent match or expiry wins the race cleanly).
func CancelActiveQueueEntry(ctx context.Context, userID uuid.UUID) (bool, error) {
	q := `
	UPDATE queue_entries
	SET status = 'cancelled', updated_at = NOW()
	WHERE user_id = $1 AND status = 'active'
	`
	tag, err := DB.Exec(ctx, q, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// QueueCandidates returns active entries in the same bucket, excluding the
// requester, ranked by skill affinity first and queue age second.
func QueueCandidates(ctx context.Context, gameMode, region string, maxPlayers, refSkill int, excludeUserID uuid.UUID, limit int) ([]models.QueueEntry, error) {
	q := `SELECT ` + queueEntryColumns + `
		FROM queue_entries
		WHERE status = 'active'
		  AND game_mode = $1
		  AND region = $2
		  AND desired_max_players = $3
		  AND user_id <> $4
		ORDER BY ABS(skill_level - $5) ASC, created_at ASC
		LIMIT $6`
	rows, err := DB.Query(ctx, q, gameMode, region, maxPlayers, excludeUserID, refSkill, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// MarkQueueEntriesMatched folds the given entries into a session. Only
// still-active rows transition; the count reports how many actually did.
func MarkQueueEntriesMatched(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := `
	UPDATE queue_entries
	SET status = 'matched', updated_at = NOW()
	WHERE id = ANY($1) AND status = 'active'
	`
	tag, err := DB.Exec(ctx, q, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ExpireStaleQueueEntries times out active entries created before cutoff
// and returns the ids of the affected entries.
func ExpireStaleQueueEntries(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	q := `
	UPDATE queue_entries
	SET status = 'timed_out', updated_at = NOW()
	WHERE status = 'active' AND created_at < $1
	RETURNING id
	`
	rows, err := DB.Query(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeTerminalQueueEntries deletes terminal entries last touched before
// cutoff, returning how many rows were removed.
func PurgeTerminalQueueEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	q := `
	DELETE FROM queue_entries
	WHERE status IN ('matched', 'cancelled', 'timed_out') AND updated_at < $1
	`
	tag, err := DB.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
