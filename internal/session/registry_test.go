// internal/session/registry_test.go
package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyhall/rallypoint/internal/auth"
	"github.com/averyhall/rallypoint/internal/database"
	"github.com/averyhall/rallypoint/internal/errs"
	"github.com/averyhall/rallypoint/internal/models"
)

type fakeTx struct {
	inOther bool

	added       []uuid.UUID
	deactivated []uuid.UUID
	allRetired  bool
	saved       *models.Session
}

func (f *fakeTx) AddMember(ctx context.Context, sessionID, userID uuid.UUID, position int) error {
	f.added = append(f.added, userID)
	return nil
}

func (f *fakeTx) DeactivateMember(ctx context.Context, sessionID, userID uuid.UUID, status models.MemberStatus) error {
	f.deactivated = append(f.deactivated, userID)
	return nil
}

func (f *fakeTx) DeactivateAll(ctx context.Context, sessionID uuid.UUID) error {
	f.allRetired = true
	return nil
}

func (f *fakeTx) SaveState(ctx context.Context, s *models.Session) error {
	cp := *s
	f.saved = &cp
	return nil
}

func (f *fakeTx) HasActiveMembership(ctx context.Context, userID uuid.UUID) (bool, error) {
	return f.inOther, nil
}

type fakeStore struct {
	session    *models.Session
	secretHash string
	members    []models.SessionMember
	tx         *fakeTx

	insertErr error
	inserted  *models.Session
	touchOK   bool
	activity  []uuid.UUID
}

func (f *fakeStore) Insert(ctx context.Context, sess *models.Session, secretHash string, memberIDs []uuid.UUID) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = sess
	return nil
}

func (f *fakeStore) Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	if f.session == nil || f.session.ID != sessionID {
		return nil, pgx.ErrNoRows
	}
	return f.session, nil
}

func (f *fakeStore) WithLock(ctx context.Context, sessionID uuid.UUID, fn func(tx sessionTx, ls *database.LockedSession) error) error {
	if f.session == nil || f.session.ID != sessionID {
		return pgx.ErrNoRows
	}
	return fn(f.tx, &database.LockedSession{
		Session:    f.session,
		SecretHash: f.secretHash,
		Members:    f.members,
	})
}

func (f *fakeStore) Touch(ctx context.Context, sessionID, userID uuid.UUID, status models.MemberStatus) (bool, error) {
	return f.touchOK, nil
}

func (f *fakeStore) MarkActivity(ctx context.Context, sessionID uuid.UUID) error {
	f.activity = append(f.activity, sessionID)
	return nil
}

func (f *fakeStore) ListOpen(ctx context.Context, gameMode, region string, maxPlayers int, excludeUserID uuid.UUID, limit int) ([]models.Session, error) {
	return nil, nil
}

func (f *fakeStore) List(ctx context.Context, gameMode, region string, includePrivate bool, limit, offset int) ([]models.Session, error) {
	return nil, nil
}

func (f *fakeStore) AbandonWaiting(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeStore) AbandonActive(ctx context.Context, idleCutoff, runCutoff time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// waitingSession builds a fake store holding one waiting session populated
// with the given members, first member hosting.
func waitingSession(maxPlayers int, memberIDs ...uuid.UUID) *fakeStore {
	s := &models.Session{
		ID:             uuid.New(),
		HostUserID:     memberIDs[0],
		GameMode:       "ranked",
		Region:         "us-east",
		MaxPlayers:     maxPlayers,
		CurrentPlayers: len(memberIDs),
		MemberIDs:      memberIDs,
		Status:         models.SessionStatusWaiting,
		Privacy:        models.PrivacyPublic,
		CreatedAt:      time.Now(),
	}
	members := make([]models.SessionMember, len(memberIDs))
	for i, id := range memberIDs {
		members[i] = models.SessionMember{
			SessionID: s.ID,
			UserID:    id,
			Position:  i,
			Status:    models.MemberJoined,
		}
	}
	return &fakeStore{session: s, members: members, tx: &fakeTx{}}
}

func newTestRegistry(f *fakeStore) *Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &Registry{Log: logger, store: f}
}

func TestJoinSessionActivatesAtCapacity(t *testing.T) {
	f := waitingSession(3, uuid.New(), uuid.New())
	r := newTestRegistry(f)

	joiner := uuid.New()
	snap, err := r.JoinSession(context.Background(), f.session.ID, joiner, "")
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusActive, snap.Status)
	require.NotNil(t, snap.StartedAt, "filling the last seat starts the session")
	assert.Equal(t, 3, snap.CurrentPlayers)
	assert.Equal(t, []uuid.UUID{joiner}, f.tx.added)
}

func TestJoinSessionBelowCapacityStaysWaiting(t *testing.T) {
	f := waitingSession(4, uuid.New(), uuid.New())
	r := newTestRegistry(f)

	snap, err := r.JoinSession(context.Background(), f.session.ID, uuid.New(), "")
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusWaiting, snap.Status)
	assert.Nil(t, snap.StartedAt, "startedAt is only set when the session fills")
	assert.Equal(t, 3, snap.CurrentPlayers)
}

func TestJoinSessionNotJoinableOnceStarted(t *testing.T) {
	f := waitingSession(4, uuid.New(), uuid.New())
	f.session.Status = models.SessionStatusActive
	r := newTestRegistry(f)

	_, err := r.JoinSession(context.Background(), f.session.ID, uuid.New(), "")
	assert.True(t, errs.Is(err, errs.Conflict))
	assert.Empty(t, f.tx.added)
}

func TestJoinSessionFull(t *testing.T) {
	f := waitingSession(2, uuid.New(), uuid.New())
	r := newTestRegistry(f)

	// Waiting but at capacity (should not normally persist, still guarded).
	_, err := r.JoinSession(context.Background(), f.session.ID, uuid.New(), "")
	assert.True(t, errs.Is(err, errs.Capacity))
}

func TestJoinSessionAlreadyMember(t *testing.T) {
	host := uuid.New()
	f := waitingSession(4, host, uuid.New())
	r := newTestRegistry(f)

	_, err := r.JoinSession(context.Background(), f.session.ID, host, "")
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestJoinSessionWrongSecret(t *testing.T) {
	f := waitingSession(4, uuid.New())
	f.session.Privacy = models.PrivacyPrivate
	hash, err := auth.HashSecret("right")
	require.NoError(t, err)
	f.secretHash = hash
	r := newTestRegistry(f)

	_, err = r.JoinSession(context.Background(), f.session.ID, uuid.New(), "wrong")
	assert.True(t, errs.Is(err, errs.Forbidden))

	_, err = r.JoinSession(context.Background(), f.session.ID, uuid.New(), "right")
	assert.NoError(t, err)
}

func TestJoinSessionAlreadyElsewhere(t *testing.T) {
	f := waitingSession(4, uuid.New())
	f.tx.inOther = true
	r := newTestRegistry(f)

	_, err := r.JoinSession(context.Background(), f.session.ID, uuid.New(), "")
	assert.True(t, errs.Is(err, errs.Conflict))
	assert.Empty(t, f.tx.added)
}

func TestJoinSessionMissing(t *testing.T) {
	f := waitingSession(4, uuid.New())
	r := newTestRegistry(f)

	_, err := r.JoinSession(context.Background(), uuid.New(), uuid.New(), "")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestLeaveSessionLastPlayerCompletes(t *testing.T) {
	host := uuid.New()
	f := waitingSession(4, host)
	r := newTestRegistry(f)

	snap, err := r.LeaveSession(context.Background(), f.session.ID, host)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, snap.Status)
	require.NotNil(t, snap.EndedAt, "the last leave ends the session")
	assert.Equal(t, 0, snap.CurrentPlayers)
	assert.Equal(t, []uuid.UUID{host}, f.tx.deactivated)
}

func TestLeaveSessionHostHandsOff(t *testing.T) {
	host := uuid.New()
	second := uuid.New()
	third := uuid.New()
	f := waitingSession(4, host, second, third)
	r := newTestRegistry(f)

	snap, err := r.LeaveSession(context.Background(), f.session.ID, host)
	require.NoError(t, err)

	assert.Equal(t, second, snap.HostUserID, "hosting passes to the next-oldest member")
	assert.Equal(t, models.SessionStatusWaiting, snap.Status)
	assert.Equal(t, 2, snap.CurrentPlayers)
	require.NotNil(t, f.tx.saved)
	assert.Equal(t, second, f.tx.saved.HostUserID)
}

func TestLeaveSessionNonMember(t *testing.T) {
	f := waitingSession(4, uuid.New())
	r := newTestRegistry(f)

	_, err := r.LeaveSession(context.Background(), f.session.ID, uuid.New())
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Empty(t, f.tx.deactivated)
}

func TestUpdateStatusCompletes(t *testing.T) {
	host := uuid.New()
	f := waitingSession(4, host, uuid.New())
	f.session.Status = models.SessionStatusActive
	r := newTestRegistry(f)

	snap, err := r.UpdateStatus(context.Background(), f.session.ID, host, models.SessionStatusCompleted)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, snap.Status)
	assert.NotNil(t, snap.EndedAt)
	assert.True(t, f.tx.allRetired, "ending the session retires every membership")
}

func TestUpdateStatusHostOnly(t *testing.T) {
	f := waitingSession(4, uuid.New(), uuid.New())
	r := newTestRegistry(f)

	_, err := r.UpdateStatus(context.Background(), f.session.ID, uuid.New(), models.SessionStatusCancelled)
	assert.True(t, errs.Is(err, errs.Forbidden))
}

func TestUpdateStatusTerminalIsImmutable(t *testing.T) {
	host := uuid.New()
	f := waitingSession(4, host)
	f.session.Status = models.SessionStatusCompleted
	r := newTestRegistry(f)

	// Any target from a terminal state is an invalid transition.
	for _, target := range []models.SessionStatus{
		models.SessionStatusActive,
		models.SessionStatusWaiting,
		models.SessionStatusCancelled,
	} {
		_, err := r.UpdateStatus(context.Background(), f.session.ID, host, target)
		assert.Truef(t, errs.Is(err, errs.Conflict), "completed -> %s should be a conflict", target)
	}
	assert.False(t, f.tx.allRetired)
}

func TestUpdateStatusActiveNotRequestable(t *testing.T) {
	host := uuid.New()
	f := waitingSession(4, host)
	r := newTestRegistry(f)

	// waiting -> active is a legal transition but only the registry may
	// drive it; a host request is rejected as validation.
	_, err := r.UpdateStatus(context.Background(), f.session.ID, host, models.SessionStatusActive)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestUpdateStatusUnknown(t *testing.T) {
	host := uuid.New()
	f := waitingSession(4, host)
	r := newTestRegistry(f)

	_, err := r.UpdateStatus(context.Background(), f.session.ID, host, "banana")
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestHeartbeatMarksSessionActivity(t *testing.T) {
	f := waitingSession(4, uuid.New())
	f.session.Status = models.SessionStatusActive
	f.touchOK = true
	r := newTestRegistry(f)

	err := r.Heartbeat(context.Background(), f.session.ID, f.session.HostUserID, models.MemberPlaying)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.session.ID}, f.activity,
		"heartbeats must advance the session activity clock the idle reaper reads")
}

func TestHeartbeatUnknownMember(t *testing.T) {
	f := waitingSession(4, uuid.New())
	f.touchOK = false
	r := newTestRegistry(f)

	err := r.Heartbeat(context.Background(), f.session.ID, uuid.New(), models.MemberReady)
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Empty(t, f.activity, "no activity signal for a non-member")
}

func TestHeartbeatUnknownStatus(t *testing.T) {
	f := waitingSession(4, uuid.New())
	r := newTestRegistry(f)

	err := r.Heartbeat(context.Background(), f.session.ID, f.session.HostUserID, "left")
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestCreateSessionSaturatedStartsActive(t *testing.T) {
	host := uuid.New()
	f := &fakeStore{tx: &fakeTx{}}
	r := newTestRegistry(f)

	members := []uuid.UUID{host, uuid.New()}
	sess, err := r.CreateSession(context.Background(), host, "ranked", "us-east", 2, "", "", members)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusActive, sess.Status)
	assert.NotNil(t, sess.StartedAt, "a session formed at capacity starts immediately")
}

func TestCreateSessionValidation(t *testing.T) {
	host := uuid.New()
	f := &fakeStore{tx: &fakeTx{}}
	r := newTestRegistry(f)
	ctx := context.Background()

	_, err := r.CreateSession(ctx, host, "ranked", "us-east", 4, "", "", []uuid.UUID{uuid.New(), host})
	assert.True(t, errs.Is(err, errs.Validation), "host must come first")

	_, err = r.CreateSession(ctx, host, "ranked", "us-east", 4, "", "", []uuid.UUID{host, host})
	assert.True(t, errs.Is(err, errs.Validation), "duplicate members rejected")

	_, err = r.CreateSession(ctx, host, "ranked", "us-east", 4, models.PrivacyPrivate, "", nil)
	assert.True(t, errs.Is(err, errs.Validation), "private sessions need a secret")
}

func TestCreateSessionMemberElsewhere(t *testing.T) {
	host := uuid.New()
	f := &fakeStore{
		tx: &fakeTx{},
		insertErr: &pgconn.PgError{
			Code:           "23505",
			ConstraintName: database.UniqueActiveSessionMember,
		},
	}
	r := newTestRegistry(f)

	_, err := r.CreateSession(context.Background(), host, "ranked", "us-east", 4, "", "", nil)
	assert.True(t, errs.Is(err, errs.Conflict))
}
