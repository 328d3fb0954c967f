// cmd/reaper/main.go

// Standalone cleanup binary. Runs the same sweep loop the server embeds,
// for deployments that prefer cleanup isolated from request serving.
// With -once it performs a single sweep and exits.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/averyhall/rallypoint/internal/database"
	"github.com/averyhall/rallypoint/internal/events"
	"github.com/averyhall/rallypoint/internal/queue"
	"github.com/averyhall/rallypoint/internal/reaper"
	"github.com/averyhall/rallypoint/internal/session"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	database.ConnectDB()

	logger := logrus.New()

	if err := events.ConnectRedis(); err != nil {
		log.Fatalf("redis connect failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := reaper.New(queue.NewManager(logger), session.NewRegistry(logger), logger)
	if *once {
		r.Sweep(ctx)
		return
	}
	r.Run(ctx)
}
