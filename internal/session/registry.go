// internal/session/registry.go

// Package session owns the authoritative state of every game session and
// enforces the lifecycle state machine: waiting -> active -> one of
// completed / cancelled / abandoned. All mutations run under a per-session
// row lock so concurrent joins, leaves and status updates against the same
// session are linearizable.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/averyhall/rallypoint/internal/auth"
	"github.com/averyhall/rallypoint/internal/database"
	"github.com/averyhall/rallypoint/internal/errs"
	"github.com/averyhall/rallypoint/internal/events"
	"github.com/averyhall/rallypoint/internal/models"
)

// sessionTx is the mutation surface available under a session row lock.
// *database.SessionTx is the production implementation.
type sessionTx interface {
	AddMember(ctx context.Context, sessionID, userID uuid.UUID, position int) error
	DeactivateMember(ctx context.Context, sessionID, userID uuid.UUID, status models.MemberStatus) error
	DeactivateAll(ctx context.Context, sessionID uuid.UUID) error
	SaveState(ctx context.Context, s *models.Session) error
	HasActiveMembership(ctx context.Context, userID uuid.UUID) (bool, error)
}

// store is the persistence surface the registry drives.
type store interface {
	Insert(ctx context.Context, sess *models.Session, secretHash string, memberIDs []uuid.UUID) error
	Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error)
	WithLock(ctx context.Context, sessionID uuid.UUID, fn func(tx sessionTx, ls *database.LockedSession) error) error
	Touch(ctx context.Context, sessionID, userID uuid.UUID, status models.MemberStatus) (bool, error)
	MarkActivity(ctx context.Context, sessionID uuid.UUID) error
	ListOpen(ctx context.Context, gameMode, region string, maxPlayers int, excludeUserID uuid.UUID, limit int) ([]models.Session, error)
	List(ctx context.Context, gameMode, region string, includePrivate bool, limit, offset int) ([]models.Session, error)
	AbandonWaiting(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	AbandonActive(ctx context.Context, idleCutoff, runCutoff time.Time) ([]uuid.UUID, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// pgStore is the Postgres-backed store, delegating to the database package.
type pgStore struct{}

func (pgStore) Insert(ctx context.Context, sess *models.Session, secretHash string, memberIDs []uuid.UUID) error {
	return database.InsertSession(ctx, sess, secretHash, memberIDs)
}

func (pgStore) Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	return database.GetSession(ctx, sessionID)
}

func (pgStore) WithLock(ctx context.Context, sessionID uuid.UUID, fn func(tx sessionTx, ls *database.LockedSession) error) error {
	return database.WithSessionLock(ctx, sessionID, func(tx *database.SessionTx, ls *database.LockedSession) error {
		return fn(tx, ls)
	})
}

func (pgStore) Touch(ctx context.Context, sessionID, userID uuid.UUID, status models.MemberStatus) (bool, error) {
	return database.TouchSessionMember(ctx, sessionID, userID, status)
}

func (pgStore) MarkActivity(ctx context.Context, sessionID uuid.UUID) error {
	return database.MarkSessionActivity(ctx, sessionID)
}

func (pgStore) ListOpen(ctx context.Context, gameMode, region string, maxPlayers int, excludeUserID uuid.UUID, limit int) ([]models.Session, error) {
	return database.ListOpenSessions(ctx, gameMode, region, maxPlayers, excludeUserID, limit)
}

func (pgStore) List(ctx context.Context, gameMode, region string, includePrivate bool, limit, offset int) ([]models.Session, error) {
	return database.ListSessions(ctx, gameMode, region, includePrivate, limit, offset)
}

func (pgStore) AbandonWaiting(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	return database.AbandonStaleWaitingSessions(ctx, cutoff)
}

func (pgStore) AbandonActive(ctx context.Context, idleCutoff, runCutoff time.Time) ([]uuid.UUID, error) {
	return database.AbandonStaleActiveSessions(ctx, idleCutoff, runCutoff)
}

func (pgStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return database.PurgeTerminalSessions(ctx, cutoff)
}

// Registry is the session registry service.
type Registry struct {
	Log   *logrus.Logger
	store store
}

func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{Log: logger, store: pgStore{}}
}

// CreateSession assembles a new session. members lists the founding users
// in join order; when empty it defaults to just the host. A session formed
// at full capacity starts active immediately with startedAt set — that is
// the saturated-match path — otherwise it starts waiting.
func (r *Registry) CreateSession(ctx context.Context, hostUserID uuid.UUID, gameMode, region string, maxPlayers int, privacy, secret string, members []uuid.UUID) (*models.Session, error) {
	if hostUserID == uuid.Nil {
		return nil, errs.New(errs.Validation, "missing host user id")
	}
	if gameMode == "" || region == "" {
		return nil, errs.New(errs.Validation, "game mode and region are required")
	}
	if maxPlayers < 2 || maxPlayers > 4 {
		return nil, errs.Newf(errs.Validation, "max players %d out of range 2..4", maxPlayers)
	}
	if len(members) == 0 {
		members = []uuid.UUID{hostUserID}
	}
	if len(members) > maxPlayers {
		return nil, errs.Newf(errs.Validation, "%d members exceed capacity %d", len(members), maxPlayers)
	}
	if members[0] != hostUserID {
		return nil, errs.New(errs.Validation, "host must be the first member")
	}
	seen := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		if seen[m] {
			return nil, errs.New(errs.Validation, "duplicate member")
		}
		seen[m] = true
	}

	switch privacy {
	case "":
		privacy = models.PrivacyPublic
	case models.PrivacyPublic, models.PrivacyPrivate:
	default:
		return nil, errs.Newf(errs.Validation, "unknown privacy %q", privacy)
	}
	var secretHash string
	if privacy == models.PrivacyPrivate {
		if secret == "" {
			return nil, errs.New(errs.Validation, "private session requires a secret")
		}
		var err error
		secretHash, err = auth.HashSecret(secret)
		if err != nil {
			return nil, errs.Wrap(errs.Unavailable, "hashing session secret failed", err)
		}
	}

	sess := &models.Session{
		ID:         uuid.New(),
		HostUserID: hostUserID,
		GameMode:   gameMode,
		Region:     region,
		MaxPlayers: maxPlayers,
		Status:     models.SessionStatusWaiting,
		Privacy:    privacy,
	}
	if len(members) == maxPlayers {
		now := time.Now()
		sess.Status = models.SessionStatusActive
		sess.StartedAt = &now
	}

	if err := r.store.Insert(ctx, sess, secretHash, members); err != nil {
		if database.IsUniqueViolation(err, database.UniqueActiveSessionMember) {
			return nil, errs.New(errs.Conflict, "a member is already in another session")
		}
		return nil, errs.Wrap(errs.Unavailable, "session insert failed", err)
	}

	r.Log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"host":       hostUserID,
		"game_mode":  gameMode,
		"region":     region,
		"members":    len(members),
		"status":     sess.Status,
	}).Info("session created")

	events.Emit(ctx, r.Log, events.Record{
		Type:      events.TypeSessionCreated,
		SessionID: sess.ID,
		UserID:    hostUserID,
		Data:      map[string]interface{}{"status": string(sess.Status), "members": len(members)},
	})
	return sess, nil
}

// JoinSession attaches a player to a waiting session. The membership check
// and mutation form one atomic unit under the session row lock, and the
// session_members_user_active index settles any cross-session race —
// a user can never land in two live sessions at once.
func (r *Registry) JoinSession(ctx context.Context, sessionID, userID uuid.UUID, secret string) (*models.Session, error) {
	if userID == uuid.Nil {
		return nil, errs.New(errs.Validation, "missing user id")
	}

	var snapshot *models.Session
	var becameActive bool
	err := r.store.WithLock(ctx, sessionID, func(tx sessionTx, ls *database.LockedSession) error {
		s := ls.Session
		if s.HasMember(userID) {
			return errs.New(errs.Conflict, "user is already a member of this session")
		}
		if s.Status != models.SessionStatusWaiting {
			return errs.Newf(errs.Conflict, "session is not joinable (status %s)", s.Status)
		}
		if s.CurrentPlayers >= s.MaxPlayers {
			return errs.New(errs.Capacity, "session is full")
		}
		if s.Privacy == models.PrivacyPrivate {
			ok, err := auth.VerifySecret(secret, ls.SecretHash)
			if err != nil || !ok {
				return errs.New(errs.Forbidden, "wrong session secret")
			}
		}
		inOther, err := tx.HasActiveMembership(ctx, userID)
		if err != nil {
			return errs.Wrap(errs.Unavailable, "membership lookup failed", err)
		}
		if inOther {
			return errs.New(errs.Conflict, "user is already in another session")
		}

		position := 0
		for _, m := range ls.Members {
			if m.Position >= position {
				position = m.Position + 1
			}
		}
		if err := tx.AddMember(ctx, sessionID, userID, position); err != nil {
			return err
		}

		s.CurrentPlayers++
		s.MemberIDs = append(s.MemberIDs, userID)
		if s.CurrentPlayers == s.MaxPlayers {
			// Capacity reached: the session starts. startedAt is set here
			// and nowhere else, so it is set exactly once.
			now := time.Now()
			s.Status = models.SessionStatusActive
			s.StartedAt = &now
			becameActive = true
		}
		if err := tx.SaveState(ctx, s); err != nil {
			return err
		}
		snapshot = s
		return nil
	})
	if err != nil {
		return nil, r.classify(err, "join session failed")
	}

	events.Emit(ctx, r.Log, events.Record{
		Type:      events.TypePlayerJoined,
		SessionID: sessionID,
		UserID:    userID,
		Data:      map[string]interface{}{"current_players": snapshot.CurrentPlayers},
	})
	if becameActive {
		events.Emit(ctx, r.Log, events.Record{
			Type:      events.TypeStatusChanged,
			SessionID: sessionID,
			Data:      map[string]interface{}{"status": string(models.SessionStatusActive)},
		})
	}
	return snapshot, nil
}

// LeaveSession removes a player. When the host leaves with others
// remaining, hosting passes to the next-oldest member; when the last
// player leaves, the session completes with endedAt set. Leaving a
// terminal session reports NotFound since no active membership remains.
func (r *Registry) LeaveSession(ctx context.Context, sessionID, userID uuid.UUID) (*models.Session, error) {
	var snapshot *models.Session
	var newHost uuid.UUID
	err := r.store.WithLock(ctx, sessionID, func(tx sessionTx, ls *database.LockedSession) error {
		s := ls.Session
		if !s.HasMember(userID) {
			return errs.New(errs.NotFound, "user is not a member of this session")
		}

		if err := tx.DeactivateMember(ctx, sessionID, userID, models.MemberLeft); err != nil {
			return err
		}
		s.CurrentPlayers--
		remaining := s.MemberIDs[:0]
		for _, id := range s.MemberIDs {
			if id != userID {
				remaining = append(remaining, id)
			}
		}
		s.MemberIDs = remaining

		if s.CurrentPlayers == 0 {
			now := time.Now()
			s.Status = models.SessionStatusCompleted
			s.EndedAt = &now
		} else if s.HostUserID == userID {
			newHost = models.NextHost(ls.Members, userID)
			s.HostUserID = newHost
		}
		if err := tx.SaveState(ctx, s); err != nil {
			return err
		}
		snapshot = s
		return nil
	})
	if err != nil {
		return nil, r.classify(err, "leave session failed")
	}

	events.Emit(ctx, r.Log, events.Record{
		Type:      events.TypePlayerLeft,
		SessionID: sessionID,
		UserID:    userID,
		Data:      map[string]interface{}{"remaining_players": snapshot.CurrentPlayers, "status": string(snapshot.Status)},
	})
	if newHost != uuid.Nil {
		events.Emit(ctx, r.Log, events.Record{
			Type:      events.TypeHostChanged,
			SessionID: sessionID,
			UserID:    newHost,
		})
	}
	return snapshot, nil
}

// UpdateStatus lets the current host end a session. A transition the state
// machine forbids is a Conflict regardless of target; of the transitions it
// allows, only completed and cancelled may be requested by a host.
func (r *Registry) UpdateStatus(ctx context.Context, sessionID, userID uuid.UUID, newStatus models.SessionStatus) (*models.Session, error) {
	switch newStatus {
	case models.SessionStatusWaiting, models.SessionStatusActive,
		models.SessionStatusCompleted, models.SessionStatusCancelled,
		models.SessionStatusAbandoned:
	default:
		return nil, errs.Newf(errs.Validation, "unknown status %q", newStatus)
	}

	var snapshot *models.Session
	err := r.store.WithLock(ctx, sessionID, func(tx sessionTx, ls *database.LockedSession) error {
		s := ls.Session
		if s.HostUserID != userID {
			return errs.New(errs.Forbidden, "only the host may update session status")
		}
		if !models.CanTransition(s.Status, newStatus) {
			return errs.Newf(errs.Conflict, "invalid transition %s -> %s", s.Status, newStatus)
		}
		if newStatus != models.SessionStatusCompleted && newStatus != models.SessionStatusCancelled {
			return errs.Newf(errs.Validation, "status %q cannot be requested", newStatus)
		}

		now := time.Now()
		s.Status = newStatus
		s.EndedAt = &now
		if err := tx.DeactivateAll(ctx, sessionID); err != nil {
			return err
		}
		if err := tx.SaveState(ctx, s); err != nil {
			return err
		}
		snapshot = s
		return nil
	})
	if err != nil {
		return nil, r.classify(err, "status update failed")
	}

	events.Emit(ctx, r.Log, events.Record{
		Type:      events.TypeStatusChanged,
		SessionID: sessionID,
		UserID:    userID,
		Data:      map[string]interface{}{"status": string(newStatus)},
	})
	return snapshot, nil
}

// Get returns a session snapshot.
func (r *Registry) Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	sess, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, r.classify(err, "session lookup failed")
	}
	return sess, nil
}

// List returns waiting-session summaries, newest first. Private sessions
// are hidden unless includePrivate is set.
func (r *Registry) List(ctx context.Context, gameMode, region string, includePrivate bool, page, perPage int) ([]models.Session, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	sessions, err := r.store.List(ctx, gameMode, region, includePrivate, perPage, (page-1)*perPage)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "session list failed", err)
	}
	return sessions, nil
}

// OpenSessionsFor returns joinable sessions for the matcher, pre-filtered
// to the requester's bucket and oldest first.
func (r *Registry) OpenSessionsFor(ctx context.Context, gameMode, region string, maxPlayers int, excludeUserID uuid.UUID, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 16
	}
	sessions, err := r.store.ListOpen(ctx, gameMode, region, maxPlayers, excludeUserID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "open session lookup failed", err)
	}
	return sessions, nil
}

// Heartbeat refreshes a member's presence detail (SessionMembership) and
// the session's activity clock: the reaper's idle check reads
// sessions.updated_at, so heartbeats must advance it or a quietly healthy
// session would look abandoned. It never affects capacity;
// Session.MemberIDs stays authoritative.
func (r *Registry) Heartbeat(ctx context.Context, sessionID, userID uuid.UUID, status models.MemberStatus) error {
	switch status {
	case models.MemberJoined, models.MemberReady, models.MemberPlaying, models.MemberDisconnected:
	default:
		return errs.Newf(errs.Validation, "unknown member status %q", status)
	}
	ok, err := r.store.Touch(ctx, sessionID, userID, status)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "presence update failed", err)
	}
	if !ok {
		return errs.New(errs.NotFound, "user is not an active member of this session")
	}
	if err := r.store.MarkActivity(ctx, sessionID); err != nil {
		return errs.Wrap(errs.Unavailable, "presence update failed", err)
	}
	return nil
}

// ReapAbandonWaiting abandons waiting sessions created before the cutoff
// window. Reaper-only.
func (r *Registry) ReapAbandonWaiting(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := r.store.AbandonWaiting(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, errs.Wrap(errs.Unavailable, "abandoning waiting sessions failed", err)
	}
	r.emitAbandoned(ctx, ids)
	return len(ids), nil
}

// ReapAbandonActive abandons active sessions idle past idleFor or running
// longer than maxRuntime. Reaper-only.
func (r *Registry) ReapAbandonActive(ctx context.Context, idleFor, maxRuntime time.Duration) (int, error) {
	now := time.Now()
	ids, err := r.store.AbandonActive(ctx, now.Add(-idleFor), now.Add(-maxRuntime))
	if err != nil {
		return 0, errs.Wrap(errs.Unavailable, "abandoning active sessions failed", err)
	}
	r.emitAbandoned(ctx, ids)
	return len(ids), nil
}

// PurgeTerminal deletes terminal sessions past the retention window.
func (r *Registry) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := r.store.Purge(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, errs.Wrap(errs.Unavailable, "session purge failed", err)
	}
	return n, nil
}

func (r *Registry) emitAbandoned(ctx context.Context, ids []uuid.UUID) {
	for _, id := range ids {
		events.Emit(ctx, r.Log, events.Record{
			Type:      events.TypeSessionAbandoned,
			SessionID: id,
		})
	}
}

// classify maps store-layer errors into the typed taxonomy, passing
// already-typed errors through untouched.
func (r *Registry) classify(err error, msg string) error {
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}
	if database.IsNoRows(err) {
		return errs.New(errs.NotFound, "session not found")
	}
	if database.IsUniqueViolation(err, database.UniqueActiveSessionMember) {
		return errs.New(errs.Conflict, "user is already in another session")
	}
	return errs.Wrap(errs.Unavailable, msg, err)
}
