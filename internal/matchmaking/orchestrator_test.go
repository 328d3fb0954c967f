// internal/matchmaking/orchestrator_test.go
package matchmaking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyhall/rallypoint/internal/errs"
	"github.com/averyhall/rallypoint/internal/models"
)

type mockQueue struct {
	enqueueEntry *models.QueueEntry
	enqueueErr   error
	peekEntry    *models.QueueEntry
	candidates   []models.QueueEntry
	dequeueErr   error

	markShort int64

	dequeued []uuid.UUID
	marked   [][]uuid.UUID
}

func (m *mockQueue) Enqueue(ctx context.Context, userID uuid.UUID, gameMode, region string, skillLevel, maxPlayers int, preferences map[string]interface{}) (*models.QueueEntry, error) {
	return m.enqueueEntry, m.enqueueErr
}

func (m *mockQueue) Dequeue(ctx context.Context, userID uuid.UUID) error {
	m.dequeued = append(m.dequeued, userID)
	return m.dequeueErr
}

func (m *mockQueue) PeekStatus(ctx context.Context, userID uuid.UUID) (*models.QueueEntry, error) {
	return m.peekEntry, nil
}

func (m *mockQueue) CandidatesFor(ctx context.Context, gameMode, region string, maxPlayers, refSkill int, excludeUserID uuid.UUID, limit int) ([]models.QueueEntry, error) {
	return m.candidates, nil
}

func (m *mockQueue) MarkMatched(ctx context.Context, ids []uuid.UUID) (int64, error) {
	m.marked = append(m.marked, ids)
	return int64(len(ids)) - m.markShort, nil
}

type mockSessions struct {
	open      []models.Session
	joined    *models.Session
	joinErr   error
	created   *models.Session
	createErr error

	joinCalls   int
	createCalls int
	createdWith []uuid.UUID
}

func (m *mockSessions) OpenSessionsFor(ctx context.Context, gameMode, region string, maxPlayers int, excludeUserID uuid.UUID, limit int) ([]models.Session, error) {
	return m.open, nil
}

func (m *mockSessions) JoinSession(ctx context.Context, sessionID, userID uuid.UUID, secret string) (*models.Session, error) {
	m.joinCalls++
	return m.joined, m.joinErr
}

func (m *mockSessions) CreateSession(ctx context.Context, hostUserID uuid.UUID, gameMode, region string, maxPlayers int, privacy, secret string, members []uuid.UUID) (*models.Session, error) {
	m.createCalls++
	m.createdWith = members
	return m.created, m.createErr
}

func newTestOrchestrator(q *mockQueue, s *mockSessions) *Orchestrator {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewOrchestrator(q, s, logger)
}

func activeEntry(userID uuid.UUID, age time.Duration) *models.QueueEntry {
	return &models.QueueEntry{
		ID:                uuid.New(),
		UserID:            userID,
		GameMode:          "ranked",
		Region:            "us-east",
		SkillLevel:        5,
		DesiredMaxPlayers: 4,
		Status:            models.QueueStatusActive,
		CreatedAt:         time.Now().Add(-age),
	}
}

func TestJoinMatchmaking_NoPeersStaysQueued(t *testing.T) {
	userID := uuid.New()
	q := &mockQueue{enqueueEntry: activeEntry(userID, 2*time.Minute)}
	s := &mockSessions{}
	o := newTestOrchestrator(q, s)

	res, err := o.JoinMatchmaking(context.Background(), JoinRequest{UserID: userID, GameMode: "ranked", Region: "us-east", SkillLevel: 5, MaxPlayers: 4})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, uuid.Nil, res.SessionID)
	assert.InDelta(t, 120, res.EstimatedWaitSeconds, 2)
	assert.Zero(t, s.joinCalls)
	assert.Zero(t, s.createCalls)
}

func TestJoinMatchmaking_IdempotentRetry(t *testing.T) {
	userID := uuid.New()
	q := &mockQueue{
		enqueueErr: errs.New(errs.Conflict, "user already queued"),
		peekEntry:  activeEntry(userID, 5*time.Minute),
	}
	o := newTestOrchestrator(q, &mockSessions{})

	res, err := o.JoinMatchmaking(context.Background(), JoinRequest{UserID: userID})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.InDelta(t, 300, res.EstimatedWaitSeconds, 2)
}

func TestJoinMatchmaking_JoinsOpenSession(t *testing.T) {
	userID := uuid.New()
	entry := activeEntry(userID, time.Minute)
	sess := models.Session{
		ID:             uuid.New(),
		GameMode:       "ranked",
		Region:         "us-east",
		MaxPlayers:     4,
		CurrentPlayers: 2,
		Status:         models.SessionStatusWaiting,
		Privacy:        models.PrivacyPublic,
	}

	q := &mockQueue{enqueueEntry: entry}
	s := &mockSessions{open: []models.Session{sess}, joined: &sess}
	o := newTestOrchestrator(q, s)

	res, err := o.JoinMatchmaking(context.Background(), JoinRequest{UserID: userID, GameMode: "ranked", Region: "us-east", SkillLevel: 5, MaxPlayers: 4})
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, res.Status)
	assert.Equal(t, sess.ID, res.SessionID)
	assert.Equal(t, 1, s.joinCalls)
	require.Len(t, q.marked, 1)
	assert.Equal(t, []uuid.UUID{entry.ID}, q.marked[0], "only the requester's entry folds in on a join")
}

func TestJoinMatchmaking_LostJoinRaceFallsBackToQueued(t *testing.T) {
	userID := uuid.New()
	sess := models.Session{
		ID:         uuid.New(),
		GameMode:   "ranked",
		Region:     "us-east",
		MaxPlayers: 4,
		Status:     models.SessionStatusWaiting,
	}
	q := &mockQueue{enqueueEntry: activeEntry(userID, time.Minute)}
	s := &mockSessions{
		open:    []models.Session{sess},
		joinErr: errs.New(errs.Capacity, "session is full"),
	}
	o := newTestOrchestrator(q, s)

	res, err := o.JoinMatchmaking(context.Background(), JoinRequest{UserID: userID, GameMode: "ranked", Region: "us-east", SkillLevel: 5, MaxPlayers: 4})
	require.NoError(t, err, "losing the race is a queued outcome, not an error")
	assert.Equal(t, StatusQueued, res.Status)
	assert.Empty(t, q.marked, "entry stays active for the next attempt")
}

func TestJoinMatchmaking_FormsNewSession(t *testing.T) {
	userID := uuid.New()
	entry := activeEntry(userID, time.Minute)
	peerA := *activeEntry(uuid.New(), 4*time.Minute)
	peerB := *activeEntry(uuid.New(), 2*time.Minute)
	created := models.Session{ID: uuid.New(), Status: models.SessionStatusWaiting}

	q := &mockQueue{enqueueEntry: entry, candidates: []models.QueueEntry{peerA, peerB}}
	s := &mockSessions{created: &created}
	o := newTestOrchestrator(q, s)

	res, err := o.JoinMatchmaking(context.Background(), JoinRequest{UserID: userID, GameMode: "ranked", Region: "us-east", SkillLevel: 5, MaxPlayers: 4})
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, res.Status)
	assert.Equal(t, created.ID, res.SessionID)
	assert.Equal(t, 1, s.createCalls)
	require.Len(t, s.createdWith, 3)
	assert.Equal(t, userID, s.createdWith[0], "requester hosts the new session")
	require.Len(t, q.marked, 1)
	assert.Len(t, q.marked[0], 3, "all folded entries are marked matched")
}

func TestJoinMatchmaking_MarkShortfallStillMatched(t *testing.T) {
	userID := uuid.New()
	entry := activeEntry(userID, time.Minute)
	peer := *activeEntry(uuid.New(), 3*time.Minute)
	created := models.Session{ID: uuid.New(), Status: models.SessionStatusActive}

	// One folded entry was cancelled between candidate selection and the
	// mark. Membership is already committed, so the outcome is unchanged.
	q := &mockQueue{enqueueEntry: entry, candidates: []models.QueueEntry{peer}, markShort: 1}
	s := &mockSessions{created: &created}
	o := newTestOrchestrator(q, s)

	res, err := o.JoinMatchmaking(context.Background(), JoinRequest{UserID: userID, GameMode: "ranked", Region: "us-east", SkillLevel: 5, MaxPlayers: 2})
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, res.Status)
	assert.Equal(t, created.ID, res.SessionID)
}

func TestLeaveMatchmaking(t *testing.T) {
	userID := uuid.New()
	q := &mockQueue{}
	o := newTestOrchestrator(q, &mockSessions{})

	require.NoError(t, o.LeaveMatchmaking(context.Background(), userID))
	assert.Equal(t, []uuid.UUID{userID}, q.dequeued)
}

func TestLeaveMatchmaking_NotQueued(t *testing.T) {
	q := &mockQueue{dequeueErr: errs.New(errs.NotFound, "user is not queued")}
	o := newTestOrchestrator(q, &mockSessions{})

	err := o.LeaveMatchmaking(context.Background(), uuid.New())
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestEstimateWaitClampedToTTL(t *testing.T) {
	assert.Equal(t, 0, estimateWait(time.Now().Add(time.Minute)))
	assert.Equal(t, int(queueTTL/time.Second), estimateWait(time.Now().Add(-2*time.Hour)))
}
