// internal/matchmaking/orchestrator.go

// Package matchmaking sequences a join request through the queue manager,
// the matcher, and the session registry, returning one consistent outcome.
package matchmaking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/averyhall/rallypoint/internal/errs"
	"github.com/averyhall/rallypoint/internal/events"
	"github.com/averyhall/rallypoint/internal/matcher"
	"github.com/averyhall/rallypoint/internal/models"
)

// QueueService is the queue manager surface the orchestrator needs.
type QueueService interface {
	Enqueue(ctx context.Context, userID uuid.UUID, gameMode, region string, skillLevel, maxPlayers int, preferences map[string]interface{}) (*models.QueueEntry, error)
	Dequeue(ctx context.Context, userID uuid.UUID) error
	PeekStatus(ctx context.Context, userID uuid.UUID) (*models.QueueEntry, error)
	CandidatesFor(ctx context.Context, gameMode, region string, maxPlayers, refSkill int, excludeUserID uuid.UUID, limit int) ([]models.QueueEntry, error)
	MarkMatched(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// SessionService is the registry surface the orchestrator needs.
type SessionService interface {
	OpenSessionsFor(ctx context.Context, gameMode, region string, maxPlayers int, excludeUserID uuid.UUID, limit int) ([]models.Session, error)
	JoinSession(ctx context.Context, sessionID, userID uuid.UUID, secret string) (*models.Session, error)
	CreateSession(ctx context.Context, hostUserID uuid.UUID, gameMode, region string, maxPlayers int, privacy, secret string, members []uuid.UUID) (*models.Session, error)
}

// Result statuses.
const (
	StatusQueued  = "queued"
	StatusMatched = "matched"
)

// Result is the single outcome object returned for a join request.
type Result struct {
	Status               string    `json:"status"`
	SessionID            uuid.UUID `json:"session_id,omitempty"`
	EstimatedWaitSeconds int       `json:"estimated_wait_seconds,omitempty"`
}

// queueTTL bounds the wait estimate: the reaper expires entries after this.
const queueTTL = 30 * time.Minute

// Orchestrator coordinates one matchmaking attempt per request. It holds
// no state of its own; everything authoritative lives behind the services.
type Orchestrator struct {
	Queue          QueueService
	Sessions       SessionService
	Log            *logrus.Logger
	CandidateLimit int
}

func NewOrchestrator(q QueueService, s SessionService, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{Queue: q, Sessions: s, Log: logger, CandidateLimit: 16}
}

// JoinRequest carries one player's matchmaking parameters.
type JoinRequest struct {
	UserID      uuid.UUID
	GameMode    string
	Region      string
	SkillLevel  int
	MaxPlayers  int
	Preferences map[string]interface{}
}

// JoinMatchmaking admits the player to the queue and immediately attempts
// a pairing. A client retry while already queued is answered with the
// existing queue status rather than an error.
func (o *Orchestrator) JoinMatchmaking(ctx context.Context, req JoinRequest) (*Result, error) {
	entry, err := o.Queue.Enqueue(ctx, req.UserID, req.GameMode, req.Region, req.SkillLevel, req.MaxPlayers, req.Preferences)
	if err != nil {
		if errs.Is(err, errs.Conflict) {
			// Already queued: idempotent retry, report the standing entry.
			existing, perr := o.Queue.PeekStatus(ctx, req.UserID)
			if perr != nil {
				return nil, perr
			}
			if existing != nil && existing.Status == models.QueueStatusActive {
				return &Result{
					Status:               StatusQueued,
					EstimatedWaitSeconds: estimateWait(existing.CreatedAt),
				}, nil
			}
		}
		return nil, err
	}

	events.Emit(ctx, o.Log, events.Record{
		Type:   events.TypeQueueJoined,
		UserID: req.UserID,
		Data:   map[string]interface{}{"game_mode": req.GameMode, "region": req.Region},
	})

	return o.attemptPairing(ctx, entry)
}

// attemptPairing gathers open sessions and queue candidates, asks the
// matcher for a decision, and applies it. Losing a race to a concurrent
// request degrades to a queued outcome; the entry stays active and a later
// attempt (or another player's) will pick it up.
func (o *Orchestrator) attemptPairing(ctx context.Context, entry *models.QueueEntry) (*Result, error) {
	limit := o.CandidateLimit
	if limit <= 0 {
		limit = 16
	}

	openSessions, err := o.Sessions.OpenSessionsFor(ctx, entry.GameMode, entry.Region, entry.DesiredMaxPlayers, entry.UserID, limit)
	if err != nil {
		return nil, err
	}
	candidates, err := o.Queue.CandidatesFor(ctx, entry.GameMode, entry.Region, entry.DesiredMaxPlayers, entry.SkillLevel, entry.UserID, limit)
	if err != nil {
		return nil, err
	}

	pairing := matcher.FindPairing(*entry, openSessions, candidates)
	if pairing == nil {
		return &Result{Status: StatusQueued, EstimatedWaitSeconds: estimateWait(entry.CreatedAt)}, nil
	}

	if pairing.JoinSessionID != uuid.Nil {
		sess, err := o.Sessions.JoinSession(ctx, pairing.JoinSessionID, entry.UserID, "")
		if err != nil {
			if retryable(err) {
				o.Log.WithFields(logrus.Fields{
					"user_id":    entry.UserID,
					"session_id": pairing.JoinSessionID,
				}).Info("lost join race, staying queued")
				return &Result{Status: StatusQueued, EstimatedWaitSeconds: estimateWait(entry.CreatedAt)}, nil
			}
			return nil, err
		}
		o.markMatched(ctx, pairing.Entries)
		return &Result{Status: StatusMatched, SessionID: sess.ID}, nil
	}

	sess, err := o.Sessions.CreateSession(ctx, entry.UserID, entry.GameMode, entry.Region, entry.DesiredMaxPlayers, models.PrivacyPublic, "", pairing.Members)
	if err != nil {
		if retryable(err) {
			o.Log.WithField("user_id", entry.UserID).Info("lost formation race, staying queued")
			return &Result{Status: StatusQueued, EstimatedWaitSeconds: estimateWait(entry.CreatedAt)}, nil
		}
		return nil, err
	}
	o.markMatched(ctx, pairing.Entries)
	return &Result{Status: StatusMatched, SessionID: sess.ID}, nil
}

// LeaveMatchmaking withdraws the player's active queue entry.
func (o *Orchestrator) LeaveMatchmaking(ctx context.Context, userID uuid.UUID) error {
	if err := o.Queue.Dequeue(ctx, userID); err != nil {
		return err
	}
	events.Emit(ctx, o.Log, events.Record{
		Type:   events.TypeQueueLeft,
		UserID: userID,
	})
	return nil
}

// QueueStatus reports the player's current (or most recent) queue entry.
func (o *Orchestrator) QueueStatus(ctx context.Context, userID uuid.UUID) (*models.QueueEntry, error) {
	return o.Queue.PeekStatus(ctx, userID)
}

// markMatched folds the pairing's entries, best effort. A shortfall means
// a concurrent cancel or expiry raced the pairing; the session membership
// is already committed by this point, so the matched outcome stands and
// the shortfall is only logged.
func (o *Orchestrator) markMatched(ctx context.Context, ids []uuid.UUID) {
	n, err := o.Queue.MarkMatched(ctx, ids)
	if err != nil {
		o.Log.Warnf("marking %d queue entries matched failed: %v", len(ids), err)
		return
	}
	if int(n) != len(ids) {
		o.Log.WithFields(logrus.Fields{
			"expected": len(ids),
			"updated":  n,
		}).Warn("some matched queue entries were no longer active")
	}
}

// retryable reports whether a pairing application failed only because a
// concurrent actor changed the world first.
func retryable(err error) bool {
	return errs.Is(err, errs.Conflict) || errs.Is(err, errs.Capacity) || errs.Is(err, errs.NotFound)
}

// estimateWait is a heuristic, not a promise: how long the entry has been
// waiting, clamped to the queue TTL. Clients display it as a rough hint.
func estimateWait(createdAt time.Time) int {
	age := time.Since(createdAt)
	if age < 0 {
		age = 0
	}
	if age > queueTTL {
		age = queueTTL
	}
	return int(age / time.Second)
}
