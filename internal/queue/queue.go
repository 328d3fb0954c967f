// internal/queue/queue.go
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/averyhall/rallypoint/internal/database"
	"github.com/averyhall/rallypoint/internal/errs"
	"github.com/averyhall/rallypoint/internal/models"
)

// store is the persistence surface the manager drives.
type store interface {
	Insert(ctx context.Context, e *models.QueueEntry) error
	GetActive(ctx context.Context, userID uuid.UUID) (*models.QueueEntry, error)
	GetLatest(ctx context.Context, userID uuid.UUID) (*models.QueueEntry, error)
	CancelActive(ctx context.Context, userID uuid.UUID) (bool, error)
	Candidates(ctx context.Context, gameMode, region string, maxPlayers, refSkill int, excludeUserID uuid.UUID, limit int) ([]models.QueueEntry, error)
	MarkMatched(ctx context.Context, ids []uuid.UUID) (int64, error)
	ExpireStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// pgStore is the Postgres-backed store, delegating to the database package.
type pgStore struct{}

func (pgStore) Insert(ctx context.Context, e *models.QueueEntry) error {
	return database.InsertQueueEntry(ctx, e)
}

func (pgStore) GetActive(ctx context.Context, userID uuid.UUID) (*models.QueueEntry, error) {
	return database.GetActiveQueueEntry(ctx, userID)
}

func (pgStore) GetLatest(ctx context.Context, userID uuid.UUID) (*models.QueueEntry, error) {
	return database.GetLatestQueueEntry(ctx, userID)
}

func (pgStore) CancelActive(ctx context.Context, userID uuid.UUID) (bool, error) {
	return database.CancelActiveQueueEntry(ctx, userID)
}

func (pgStore) Candidates(ctx context.Context, gameMode, region string, maxPlayers, refSkill int, excludeUserID uuid.UUID, limit int) ([]models.QueueEntry, error) {
	return database.QueueCandidates(ctx, gameMode, region, maxPlayers, refSkill, excludeUserID, limit)
}

func (pgStore) MarkMatched(ctx context.Context, ids []uuid.UUID) (int64, error) {
	return database.MarkQueueEntriesMatched(ctx, ids)
}

func (pgStore) ExpireStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	return database.ExpireStaleQueueEntries(ctx, cutoff)
}

func (pgStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	return database.PurgeTerminalQueueEntries(ctx, cutoff)
}

// Manager owns the waiting-to-be-matched pool. It is the only writer of
// queue_entries; the matcher and orchestrator see entries only through it.
type Manager struct {
	Log   *logrus.Logger
	store store
}

func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{Log: logger, store: pgStore{}}
}

// Enqueue admits a player into the pool with a fresh active entry.
// Fails with a Conflict error when the user already has an active entry;
// callers wanting to re-queue must Dequeue first.
func (m *Manager) Enqueue(ctx context.Context, userID uuid.UUID, gameMode, region string, skillLevel, maxPlayers int, preferences map[string]interface{}) (*models.QueueEntry, error) {
	if userID == uuid.Nil {
		return nil, errs.New(errs.Validation, "missing user id")
	}
	if gameMode == "" || region == "" {
		return nil, errs.New(errs.Validation, "game mode and region are required")
	}
	if skillLevel < 1 || skillLevel > 10 {
		return nil, errs.Newf(errs.Validation, "skill level %d out of range 1..10", skillLevel)
	}
	if maxPlayers < 2 || maxPlayers > 4 {
		return nil, errs.Newf(errs.Validation, "max players %d out of range 2..4", maxPlayers)
	}
	if preferences == nil {
		preferences = map[string]interface{}{}
	}

	entry := &models.QueueEntry{
		ID:                uuid.New(),
		UserID:            userID,
		GameMode:          gameMode,
		Region:            region,
		SkillLevel:        skillLevel,
		DesiredMaxPlayers: maxPlayers,
		Preferences:       preferences,
		Status:            models.QueueStatusActive,
	}
	if err := m.store.Insert(ctx, entry); err != nil {
		if database.IsUniqueViolation(err, database.UniqueActiveQueueEntry) {
			return nil, errs.New(errs.Conflict, "user already queued")
		}
		return nil, errs.Wrap(errs.Unavailable, "enqueue failed", err)
	}

	m.Log.WithFields(logrus.Fields{
		"entry_id":  entry.ID,
		"user_id":   userID,
		"game_mode": gameMode,
		"region":    region,
	}).Info("queue entry admitted")
	return entry, nil
}

// Dequeue cancels the caller's active entry. Calling it again once the
// entry is cancelled (or timed out, or matched) yields NotFound each time.
func (m *Manager) Dequeue(ctx context.Context, userID uuid.UUID) error {
	ok, err := m.store.CancelActive(ctx, userID)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "dequeue failed", err)
	}
	if !ok {
		return errs.New(errs.NotFound, "user is not queued")
	}
	m.Log.WithField("user_id", userID).Info("queue entry cancelled")
	return nil
}

// PeekStatus returns the user's active entry, falling back to the most
// recent terminal one so a polling client can see how its request ended.
// Returns (nil, nil) if the user never queued or the entry was purged.
func (m *Manager) PeekStatus(ctx context.Context, userID uuid.UUID) (*models.QueueEntry, error) {
	entry, err := m.store.GetActive(ctx, userID)
	if err == nil {
		return entry, nil
	}
	if !database.IsNoRows(err) {
		return nil, errs.Wrap(errs.Unavailable, "queue status lookup failed", err)
	}
	entry, err = m.store.GetLatest(ctx, userID)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Unavailable, "queue status lookup failed", err)
	}
	return entry, nil
}

// CandidatesFor returns up to limit active entries compatible with the
// given bucket, excluding the requester, ordered by ascending skill
// distance to refSkill with ties broken by ascending createdAt. Skill
// affinity first, queue fairness second; this ordering is a contract the
// matcher builds on.
func (m *Manager) CandidatesFor(ctx context.Context, gameMode, region string, maxPlayers, refSkill int, excludeUserID uuid.UUID, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		limit = 16
	}
	entries, err := m.store.Candidates(ctx, gameMode, region, maxPlayers, refSkill, excludeUserID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "candidate lookup failed", err)
	}
	return entries, nil
}

// MarkMatched folds entries into a session, best effort. Returns how many
// entries were still active; a shortfall means a concurrent cancel or
// expiry raced the pairing. The pairing itself stands (membership is
// already committed by then), so callers treat the count as telemetry,
// not a veto.
func (m *Manager) MarkMatched(ctx context.Context, ids []uuid.UUID) (int64, error) {
	n, err := m.store.MarkMatched(ctx, ids)
	if err != nil {
		return 0, errs.Wrap(errs.Unavailable, "marking entries matched failed", err)
	}
	return n, nil
}

// ExpireStale times out active entries older than the staleness window.
// Reaper-only. Returns the ids of expired entries so events can follow.
func (m *Manager) ExpireStale(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	ids, err := m.store.ExpireStale(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "queue expiry failed", err)
	}
	if len(ids) > 0 {
		m.Log.WithField("count", len(ids)).Info("expired stale queue entries")
	}
	return ids, nil
}

// PurgeTerminal deletes terminal entries past the retention window.
func (m *Manager) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := m.store.PurgeTerminal(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, errs.Wrap(errs.Unavailable, "queue purge failed", err)
	}
	return n, nil
}
