// internal/reaper/reaper_test.go
package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type mockQueuePool struct {
	expireErr error

	expiredWith time.Duration
	purgedWith  time.Duration
	expireCalls int
	purgeCalls  int
}

func (m *mockQueuePool) ExpireStale(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	m.expireCalls++
	m.expiredWith = olderThan
	return nil, m.expireErr
}

func (m *mockQueuePool) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.purgeCalls++
	m.purgedWith = olderThan
	return 0, nil
}

type mockSessionPool struct {
	waitingErr error

	waitingWith time.Duration
	idleWith    time.Duration
	runtimeWith time.Duration
	purgedWith  time.Duration

	waitingCalls int
	activeCalls  int
	purgeCalls   int
}

func (m *mockSessionPool) ReapAbandonWaiting(ctx context.Context, olderThan time.Duration) (int, error) {
	m.waitingCalls++
	m.waitingWith = olderThan
	return 0, m.waitingErr
}

func (m *mockSessionPool) ReapAbandonActive(ctx context.Context, idleFor, maxRuntime time.Duration) (int, error) {
	m.activeCalls++
	m.idleWith = idleFor
	m.runtimeWith = maxRuntime
	return 0, nil
}

func (m *mockSessionPool) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.purgeCalls++
	m.purgedWith = olderThan
	return 0, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSweepPassesPolicyWindows(t *testing.T) {
	q := &mockQueuePool{}
	s := &mockSessionPool{}
	r := New(q, s, quietLogger())

	r.Sweep(context.Background())

	assert.Equal(t, DefaultQueueTTL, q.expiredWith)
	assert.Equal(t, DefaultQueueRetention, q.purgedWith)
	assert.Equal(t, DefaultWaitingTTL, s.waitingWith)
	assert.Equal(t, DefaultActiveIdleTTL, s.idleWith)
	assert.Equal(t, DefaultActiveMaxRuntime, s.runtimeWith)
	assert.Equal(t, DefaultSessionRetention, s.purgedWith)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	q := &mockQueuePool{expireErr: errors.New("db down")}
	s := &mockSessionPool{waitingErr: errors.New("db down")}
	r := New(q, s, quietLogger())

	r.Sweep(context.Background())

	assert.Equal(t, 1, q.expireCalls)
	assert.Equal(t, 1, s.waitingCalls)
	assert.Equal(t, 1, s.activeCalls, "later categories still run after earlier ones fail")
	assert.Equal(t, 1, s.purgeCalls)
	assert.Equal(t, 1, q.purgeCalls)
}

// signalQueuePool notifies a channel on each expiry sweep, so the test can
// observe sweeps from another goroutine without racing on counters.
type signalQueuePool struct {
	mockQueuePool
	swept chan struct{}
}

func (p *signalQueuePool) ExpireStale(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	select {
	case p.swept <- struct{}{}:
	default:
	}
	return nil, nil
}

func TestRunSweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	q := &signalQueuePool{swept: make(chan struct{}, 1)}
	r := New(q, &mockSessionPool{}, quietLogger())
	r.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// The first sweep happens before the first tick.
	select {
	case <-q.swept:
	case <-time.After(time.Second):
		t.Fatal("reaper did not sweep on startup")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after context cancellation")
	}
}

func TestNewReadsIntervalOverride(t *testing.T) {
	t.Setenv("REAPER_INTERVAL", "90s")
	r := New(&mockQueuePool{}, &mockSessionPool{}, quietLogger())
	assert.Equal(t, 90*time.Second, r.Interval)

	t.Setenv("REAPER_INTERVAL", "not-a-duration")
	r = New(&mockQueuePool{}, &mockSessionPool{}, quietLogger())
	assert.Equal(t, DefaultInterval, r.Interval)
}
