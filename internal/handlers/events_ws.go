// internal/handlers/events_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/averyhall/rallypoint/internal/events"
)

// EventsWSHandler streams lifecycle events to the connected client over a
// websocket. Each connection subscribes to the live Redis channel and
// forwards only the records relevant to the authenticated user: events that
// name the user directly, plus any event for a session passed via
// ?session_id=. Delivery is best effort; a slow or broken client is simply
// disconnected.
func EventsWSHandler(logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}

		var sessionFilter uuid.UUID
		if raw := r.URL.Query().Get("session_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, "invalid session_id", http.StatusBadRequest)
				return
			}
			sessionFilter = id
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"events"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "events" {
			c.Close(websocket.StatusPolicyViolation, "client must speak the events subprotocol")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub := events.Rdb.Subscribe(ctx, events.ChannelName())
		defer sub.Close()

		logger.WithFields(logrus.Fields{
			"user_id": userID,
			"remote":  r.RemoteAddr,
		}).Info("event stream connected")

		// Drain client frames so pongs and close frames are processed. The
		// stream is one-way; inbound payloads are discarded.
		go func() {
			for {
				if _, _, err := c.Read(ctx); err != nil {
					cancel()
					return
				}
			}
		}()

		pingTicker := time.NewTicker(30 * time.Second)
		defer pingTicker.Stop()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				c.Close(websocket.StatusNormalClosure, "stream closed")
				return
			case <-pingTicker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
				err := c.Ping(pingCtx)
				pingCancel()
				if err != nil {
					logger.Warnf("event stream ping failed for user %v: %v", userID, err)
					return
				}
			case msg, open := <-ch:
				if !open {
					c.Close(websocket.StatusGoingAway, "event source closed")
					return
				}
				var rec events.Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					logger.Warnf("event stream: skipping malformed record: %v", err)
					continue
				}
				if !eventRelevant(rec, userID, sessionFilter) {
					continue
				}

				writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
				err := c.Write(writeCtx, websocket.MessageText, []byte(msg.Payload))
				writeCancel()
				if err != nil {
					logger.Warnf("event stream write failed for user %v: %v", userID, err)
					return
				}
			}
		}
	}
}

// eventRelevant reports whether a record should reach this subscriber.
func eventRelevant(rec events.Record, userID, sessionFilter uuid.UUID) bool {
	if rec.UserID == userID {
		return true
	}
	if sessionFilter != uuid.Nil && rec.SessionID == sessionFilter {
		return true
	}
	return false
}
