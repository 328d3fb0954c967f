// internal/events/events.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Rdb is the global Redis client. Connect it once at application startup.
var Rdb *redis.Client

// DefaultQueueName is the Redis list the delivery layer drains.
const DefaultQueueName = "rallypoint_events"

// DefaultChannelName is the pub/sub channel live subscribers listen on.
const DefaultChannelName = "rallypoint_events_live"

// Event types emitted by the matchmaking core.
const (
	TypeQueueJoined      = "queue_joined"
	TypeQueueLeft        = "queue_left"
	TypeQueueTimedOut    = "queue_timed_out"
	TypeSessionCreated   = "session_created"
	TypePlayerJoined     = "player_joined"
	TypePlayerLeft       = "player_left"
	TypeHostChanged      = "host_changed"
	TypeStatusChanged    = "status_changed"
	TypeSessionAbandoned = "session_abandoned"
)

// Record is one lifecycle event. The delivery layer fans these out to
// connected clients; the core never waits for that to happen.
type Record struct {
	Type      string                 `json:"type"`
	SessionID uuid.UUID              `json:"session_id,omitempty"`
	UserID    uuid.UUID              `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// ConnectRedis initializes the global Redis client from environment:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
func ConnectRedis() error {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	Rdb = redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return nil
}

// Publish pushes the record onto the delivery queue and the live channel.
// Fire-and-forget: errors are returned for logging, never for control flow.
func Publish(ctx context.Context, rec Record) error {
	if Rdb == nil {
		return fmt.Errorf("redis client not connected")
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}

	queueName := getEnv("EVENTS_QUEUE_NAME", DefaultQueueName)
	if err := Rdb.RPush(ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", queueName, err)
	}
	if err := Rdb.Publish(ctx, ChannelName(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis channel: %w", err)
	}
	return nil
}

// Emit publishes and logs any failure instead of surfacing it. User
// operations never fail because delivery did.
func Emit(ctx context.Context, logger *log.Logger, rec Record) {
	if err := Publish(ctx, rec); err != nil {
		logger.WithFields(log.Fields{
			"type":       rec.Type,
			"session_id": rec.SessionID,
			"user_id":    rec.UserID,
		}).Warnf("event publish failed: %v", err)
	}
}

// ChannelName returns the live pub/sub channel name.
func ChannelName() string {
	return getEnv("EVENTS_CHANNEL_NAME", DefaultChannelName)
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
