// internal/database/session.go
package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/averyhall/rallypoint/internal/models"
)

// UniqueActiveSessionMember is the constraint enforcing that a user is an
// active member of at most one session. It is the store-level guard behind
// the one-non-terminal-session-per-user invariant: a check-then-insert race
// between two JoinSession calls loses here, not in application code.
const UniqueActiveSessionMember = "session_members_user_active"

const sessionColumns = `
	id, host_user_id, game_mode, region, max_players, current_players,
	status, privacy, created_at, started_at, ended_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(
		&s.ID,
		&s.HostUserID,
		&s.GameMode,
		&s.Region,
		&s.MaxPlayers,
		&s.CurrentPlayers,
		&s.Status,
		&s.Privacy,
		&s.CreatedAt,
		&s.StartedAt,
		&s.EndedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertSession creates a session row plus its founding members in one
// transaction. Member positions follow the order of memberIDs; the first
// entry is expected to be the host. A member already active elsewhere
// violates session_members_user_active and rolls the whole insert back.
func InsertSession(ctx context.Context, sess *models.Session, secretHash string, memberIDs []uuid.UUID) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
		INSERT INTO sessions (
			id, host_user_id, game_mode, region, max_players,
			current_players, status, privacy, secret_hash, started_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		RETURNING created_at, updated_at
		`
		err := tx.QueryRow(ctx, q,
			sess.ID,
			sess.HostUserID,
			sess.GameMode,
			sess.Region,
			sess.MaxPlayers,
			len(memberIDs),
			sess.Status,
			sess.Privacy,
			secretHash,
			sess.StartedAt,
		).Scan(&sess.CreatedAt, &sess.UpdatedAt)
		if err != nil {
			return err
		}
		for i, uid := range memberIDs {
			if err := insertMemberTx(ctx, tx, sess.ID, uid, i); err != nil {
				return err
			}
		}
		sess.CurrentPlayers = len(memberIDs)
		sess.MemberIDs = memberIDs
		return nil
	})
}

// insertMemberTx adds an active member row. The upsert handles a user
// rejoining a session they previously left; the session_members_user_active
// index still rejects a user active in any other session.
func insertMemberTx(ctx context.Context, tx pgx.Tx, sessionID, userID uuid.UUID, position int) error {
	q := `
	INSERT INTO session_members (session_id, user_id, position, member_status, active)
	VALUES ($1, $2, $3, 'joined', TRUE)
	ON CONFLICT (session_id, user_id) DO UPDATE
	SET active = TRUE, member_status = 'joined', position = EXCLUDED.position,
	    joined_at = NOW(), last_seen_at = NOW(), disconnected_at = NULL
	`
	_, err := tx.Exec(ctx, q, sessionID, userID, position)
	return err
}

// GetSession fetches a session snapshot with its active member ids in join
// order. Returns pgx.ErrNoRows when absent.
func GetSession(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	sess, err := scanSession(DB.QueryRow(ctx, q, sessionID))
	if err != nil {
		return nil, err
	}
	sess.MemberIDs, err = activeMemberIDs(ctx, DB, sessionID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func activeMemberIDs(ctx context.Context, db queryer, sessionID uuid.UUID) ([]uuid.UUID, error) {
	q := `
	SELECT user_id FROM session_members
	WHERE session_id = $1 AND active
	ORDER BY position
	`
	rows, err := db.Query(ctx, q, sessionID)
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

// LockedSession is the state handed to a WithSessionLock closure: the
// session row (held FOR UPDATE), its stored secret hash, and the active
// membership detail in join order.
type LockedSession struct {
	Session    *models.Session
	SecretHash string
	Members    []models.SessionMember
}

// SessionTx is the mutation surface handed to a WithSessionLock closure.
// Every write it performs happens inside the locked transaction.
type SessionTx struct {
	tx pgx.Tx
}

// WithSessionLock runs fn inside a transaction holding a row lock on the
// session. All read-modify-write mutations of a session go through here;
// the lock makes Join/Leave/UpdateStatus against the same session
// linearizable while leaving distinct sessions fully parallel.
func WithSessionLock(ctx context.Context, sessionID uuid.UUID, fn func(tx *SessionTx, ls *LockedSession) error) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `SELECT ` + sessionColumns + `, COALESCE(secret_hash, '')
			FROM sessions WHERE id = $1 FOR UPDATE`
		var s models.Session
		var secretHash string
		err := tx.QueryRow(ctx, q, sessionID).Scan(
			&s.ID,
			&s.HostUserID,
			&s.GameMode,
			&s.Region,
			&s.MaxPlayers,
			&s.CurrentPlayers,
			&s.Status,
			&s.Privacy,
			&s.CreatedAt,
			&s.StartedAt,
			&s.EndedAt,
			&s.UpdatedAt,
			&secretHash,
		)
		if err != nil {
			return err
		}

		members, err := activeMembersTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		for _, m := range members {
			s.MemberIDs = append(s.MemberIDs, m.UserID)
		}
		return fn(&SessionTx{tx: tx}, &LockedSession{Session: &s, SecretHash: secretHash, Members: members})
	})
}

func activeMembersTx(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) ([]models.SessionMember, error) {
	q := `
	SELECT session_id, user_id, position, member_status, joined_at, last_seen_at, disconnected_at
	FROM session_members
	WHERE session_id = $1 AND active
	ORDER BY position
	`
	rows, err := tx.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.SessionMember
	for rows.Next() {
		var m models.SessionMember
		if err := rows.Scan(&m.SessionID, &m.UserID, &m.Position, &m.Status, &m.JoinedAt, &m.LastSeenAt, &m.DisconnectedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// AddMember inserts a new active member under the lock.
func (t *SessionTx) AddMember(ctx context.Context, sessionID, userID uuid.UUID, position int) error {
	return insertMemberTx(ctx, t.tx, sessionID, userID, position)
}

// DeactivateMember retires one member's active row, recording the final
// member status.
func (t *SessionTx) DeactivateMember(ctx context.Context, sessionID, userID uuid.UUID, status models.MemberStatus) error {
	q := `
	UPDATE session_members
	SET active = FALSE, member_status = $3, last_seen_at = NOW(),
	    disconnected_at = CASE WHEN $3 = 'disconnected' THEN NOW() ELSE disconnected_at END
	WHERE session_id = $1 AND user_id = $2 AND active
	`
	_, err := t.tx.Exec(ctx, q, sessionID, userID, status)
	return err
}

// DeactivateAll retires every active member, used when a session reaches a
// terminal state.
func (t *SessionTx) DeactivateAll(ctx context.Context, sessionID uuid.UUID) error {
	q := `
	UPDATE session_members
	SET active = FALSE, last_seen_at = NOW()
	WHERE session_id = $1 AND active
	`
	_, err := t.tx.Exec(ctx, q, sessionID)
	return err
}

// SaveState writes back the mutable session fields under the lock.
func (t *SessionTx) SaveState(ctx context.Context, s *models.Session) error {
	q := `
	UPDATE sessions
	SET host_user_id = $2, current_players = $3, status = $4,
	    started_at = $5, ended_at = $6, updated_at = NOW()
	WHERE id = $1
	`
	_, err := t.tx.Exec(ctx, q, s.ID, s.HostUserID, s.CurrentPlayers, s.Status, s.StartedAt, s.EndedAt)
	return err
}

// HasActiveMembership reports whether the user is an active member of any
// session. A friendly pre-check only; the unique index is the real guard.
func (t *SessionTx) HasActiveMembership(ctx context.Context, userID uuid.UUID) (bool, error) {
	q := `SELECT EXISTS (SELECT 1 FROM session_members WHERE user_id = $1 AND active)`
	var exists bool
	if err := t.tx.QueryRow(ctx, q, userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// MarkSessionActivity advances the session's activity clock. Heartbeats
// call this so the reaper's idle check, which reads sessions.updated_at,
// sees presence traffic as activity.
func MarkSessionActivity(ctx context.Context, sessionID uuid.UUID) error {
	_, err := DB.Exec(ctx, `UPDATE sessions SET updated_at = NOW() WHERE id = $1`, sessionID)
	return err
}

// TouchSessionMember updates one member's presence detail. Returns false
// when the user has no active row in the session.
func TouchSessionMember(ctx context.Context, sessionID, userID uuid.UUID, status models.MemberStatus) (bool, error) {
	q := `
	UPDATE session_members
	SET member_status = $3, last_seen_at = NOW(),
	    disconnected_at = CASE WHEN $3 = 'disconnected' THEN NOW() ELSE NULL END
	WHERE session_id = $1 AND user_id = $2 AND active
	`
	tag, err := DB.Exec(ctx, q, sessionID, userID, status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListOpenSessions returns joinable public sessions in the given bucket
// that do not already contain the requester, oldest first so existing
// games fill before new ones start.
func ListOpenSessions(ctx context.Context, gameMode, region string, maxPlayers int, excludeUserID uuid.UUID, limit int) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + `
	FROM sessions s
	WHERE s.status = 'waiting'
	  AND s.privacy = 'public'
	  AND s.game_mode = $1
	  AND s.region = $2
	  AND s.max_players = $3
	  AND s.current_players < s.max_players
	  AND NOT EXISTS (
		SELECT 1 FROM session_members m
		WHERE m.session_id = s.id AND m.user_id = $4 AND m.active
	  )
	ORDER BY s.created_at ASC
	LIMIT $5`
	return querySessions(ctx, q, gameMode, region, maxPlayers, excludeUserID, limit)
}

// ListSessions returns waiting-session summaries, newest first.
// gameMode/region filter when non-empty; private sessions are hidden
// unless includePrivate is set.
func ListSessions(ctx context.Context, gameMode, region string, includePrivate bool, limit, offset int) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + `
	FROM sessions s
	WHERE s.status = 'waiting'
	  AND ($1 = '' OR s.game_mode = $1)
	  AND ($2 = '' OR s.region = $2)
	  AND ($3 OR s.privacy = 'public')
	ORDER BY s.created_at DESC
	LIMIT $4 OFFSET $5`
	return querySessions(ctx, q, gameMode, region, includePrivate, limit, offset)
}

func querySessions(ctx context.Context, q string, args ...any) ([]models.Session, error) {
	rows, err := DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// AbandonStaleWaitingSessions abandons waiting sessions created before
// cutoff, retiring their members, and returns the affected session ids.
func AbandonStaleWaitingSessions(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	q := `
	UPDATE sessions
	SET status = 'abandoned', ended_at = NOW(), updated_at = NOW()
	WHERE status = 'waiting' AND created_at < $1
	RETURNING id
	`
	return abandonSessions(ctx, q, cutoff)
}

// AbandonStaleActiveSessions abandons active sessions with no update since
// idleCutoff or running since before runCutoff. Mutations and heartbeats
// both advance updated_at, so idle here means no traffic of any kind.
func AbandonStaleActiveSessions(ctx context.Context, idleCutoff, runCutoff time.Time) ([]uuid.UUID, error) {
	q := `
	UPDATE sessions
	SET status = 'abandoned', ended_at = NOW(), updated_at = NOW()
	WHERE status = 'active'
	  AND (updated_at < $1 OR (started_at IS NOT NULL AND started_at < $2))
	RETURNING id
	`
	return abandonSessions(ctx, q, idleCutoff, runCutoff)
}

func abandonSessions(ctx context.Context, q string, args ...any) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE session_members
			SET active = FALSE, last_seen_at = NOW()
			WHERE session_id = ANY($1) AND active`, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PurgeTerminalSessions deletes terminal sessions that ended before cutoff
// along with their membership rows, returning the session count removed.
func PurgeTerminalSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM session_members
			WHERE session_id IN (
				SELECT id FROM sessions
				WHERE status IN ('completed', 'cancelled', 'abandoned') AND ended_at < $1
			)`, cutoff)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			DELETE FROM sessions
			WHERE status IN ('completed', 'cancelled', 'abandoned') AND ended_at < $1`, cutoff)
		if err != nil {
			return err
		}
		purged = tag.RowsAffected()
		return nil
	})
	return purged, err
}
