// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/averyhall/rallypoint/internal/auth"
	"github.com/averyhall/rallypoint/internal/database"
	"github.com/averyhall/rallypoint/internal/events"
	"github.com/averyhall/rallypoint/internal/handlers"
	"github.com/averyhall/rallypoint/internal/matchmaking"
	"github.com/averyhall/rallypoint/internal/middleware"
	"github.com/averyhall/rallypoint/internal/queue"
	"github.com/averyhall/rallypoint/internal/reaper"
	"github.com/averyhall/rallypoint/internal/session"
)

func main() {
	auth.Init()
	database.ConnectDB()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	ctx := context.Background()
	if err := database.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema setup failed: %v", err)
	}
	if err := events.ConnectRedis(); err != nil {
		log.Fatalf("redis connect failed: %v", err)
	}

	queueMgr := queue.NewManager(logger)
	registry := session.NewRegistry(logger)
	orchestrator := matchmaking.NewOrchestrator(queueMgr, registry, logger)
	srv := handlers.NewServer(orchestrator, registry, logger)

	// background cleanup loop
	go reaper.New(queueMgr, registry, logger).Run(ctx)

	mux := http.NewServeMux()
	logged := middleware.LogMiddleware(logger)

	// matchmaking endpoints
	mux.Handle("/matchmaking/join", logged(http.HandlerFunc(handlers.JoinQueueHandler(srv))))
	mux.Handle("/matchmaking/leave", logged(http.HandlerFunc(handlers.LeaveQueueHandler(srv))))
	mux.Handle("/matchmaking/status", logged(http.HandlerFunc(handlers.QueueStatusHandler(srv))))

	// session endpoints
	mux.Handle("/session/create", logged(http.HandlerFunc(handlers.CreateSessionHandler(srv))))
	mux.Handle("/session/join", logged(http.HandlerFunc(handlers.JoinSessionHandler(srv))))
	mux.Handle("/session/leave", logged(http.HandlerFunc(handlers.LeaveSessionHandler(srv))))
	mux.Handle("/session/get", logged(http.HandlerFunc(handlers.GetSessionHandler(srv))))
	mux.Handle("/session/list", logged(http.HandlerFunc(handlers.ListSessionsHandler(srv))))
	mux.Handle("/session/status", logged(http.HandlerFunc(handlers.UpdateSessionStatusHandler(srv))))
	mux.Handle("/session/heartbeat", logged(http.HandlerFunc(handlers.HeartbeatHandler(srv))))

	// live event stream
	mux.Handle("/events/ws", logged(http.HandlerFunc(handlers.EventsWSHandler(logger))))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
