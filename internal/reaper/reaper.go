// internal/reaper/reaper.go

// Package reaper is the periodic cleanup process: it expires stale queue
// entries, abandons dead sessions, and purges terminal records past their
// retention windows. It only acts on records already past a staleness
// cutoff, so it never contends with legitimate in-flight activity.
package reaper

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/averyhall/rallypoint/internal/events"
)

// QueuePool is the queue manager surface the reaper sweeps.
type QueuePool interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error)
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SessionPool is the session registry surface the reaper sweeps.
type SessionPool interface {
	ReapAbandonWaiting(ctx context.Context, olderThan time.Duration) (int, error)
	ReapAbandonActive(ctx context.Context, idleFor, maxRuntime time.Duration) (int, error)
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Default policy windows.
const (
	DefaultInterval         = 5 * time.Minute
	DefaultQueueTTL         = 30 * time.Minute
	DefaultWaitingTTL       = 1 * time.Hour
	DefaultActiveIdleTTL    = 2 * time.Hour
	DefaultActiveMaxRuntime = 6 * time.Hour
	DefaultQueueRetention   = 24 * time.Hour
	DefaultSessionRetention = 7 * 24 * time.Hour
)

// Reaper runs the sweep on a fixed interval. Each cleanup category is an
// independently retryable step: one category failing is logged and must
// not block the others.
type Reaper struct {
	Queue    QueuePool
	Sessions SessionPool
	Log      *logrus.Logger

	Interval         time.Duration
	QueueTTL         time.Duration
	WaitingTTL       time.Duration
	ActiveIdleTTL    time.Duration
	ActiveMaxRuntime time.Duration
	QueueRetention   time.Duration
	SessionRetention time.Duration
}

// New builds a reaper with the default policy windows. REAPER_INTERVAL
// (a Go duration string) overrides the sweep interval.
func New(q QueuePool, s SessionPool, logger *logrus.Logger) *Reaper {
	interval := DefaultInterval
	if v := os.Getenv("REAPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		} else {
			logger.Warnf("ignoring invalid REAPER_INTERVAL %q", v)
		}
	}
	return &Reaper{
		Queue:            q,
		Sessions:         s,
		Log:              logger,
		Interval:         interval,
		QueueTTL:         DefaultQueueTTL,
		WaitingTTL:       DefaultWaitingTTL,
		ActiveIdleTTL:    DefaultActiveIdleTTL,
		ActiveMaxRuntime: DefaultActiveMaxRuntime,
		QueueRetention:   DefaultQueueRetention,
		SessionRetention: DefaultSessionRetention,
	}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	r.Log.WithField("interval", r.Interval).Info("reaper started")
	r.Sweep(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs all cleanup categories once, in order, continuing past any
// single category's failure.
func (r *Reaper) Sweep(ctx context.Context) {
	if ids, err := r.Queue.ExpireStale(ctx, r.QueueTTL); err != nil {
		r.Log.Errorf("reaper: queue expiry failed: %v", err)
	} else {
		for _, id := range ids {
			events.Emit(ctx, r.Log, events.Record{
				Type: events.TypeQueueTimedOut,
				Data: map[string]interface{}{"entry_id": id.String()},
			})
		}
	}

	if n, err := r.Sessions.ReapAbandonWaiting(ctx, r.WaitingTTL); err != nil {
		r.Log.Errorf("reaper: abandoning waiting sessions failed: %v", err)
	} else if n > 0 {
		r.Log.WithField("count", n).Info("reaper: abandoned waiting sessions")
	}

	if n, err := r.Sessions.ReapAbandonActive(ctx, r.ActiveIdleTTL, r.ActiveMaxRuntime); err != nil {
		r.Log.Errorf("reaper: abandoning active sessions failed: %v", err)
	} else if n > 0 {
		r.Log.WithField("count", n).Info("reaper: abandoned active sessions")
	}

	if n, err := r.Sessions.PurgeTerminal(ctx, r.SessionRetention); err != nil {
		r.Log.Errorf("reaper: session purge failed: %v", err)
	} else if n > 0 {
		r.Log.WithField("count", n).Info("reaper: purged terminal sessions")
	}

	if n, err := r.Queue.PurgeTerminal(ctx, r.QueueRetention); err != nil {
		r.Log.Errorf("reaper: queue purge failed: %v", err)
	} else if n > 0 {
		r.Log.WithField("count", n).Info("reaper: purged terminal queue entries")
	}
}
