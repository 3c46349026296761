package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pulse-obs/pulse/internal/buildinfo"
	"github.com/pulse-obs/pulse/internal/config"
	"github.com/pulse-obs/pulse/internal/engine"
	"github.com/pulse-obs/pulse/internal/eventbus"
	"github.com/pulse-obs/pulse/internal/storage"
)

func main() {
	// 1. Load and validate environment config
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 2. Open and migrate the engine database
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Fatalf("create state dir: %v", err)
	}
	db, err := storage.OpenDB(filepath.Join(cfg.StateDir, "pulse.db"))
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := storage.MigrateDB(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	repo := storage.NewRepo(db)
	defer repo.Close()

	// 3. Wire the event bus and engine
	bus := eventbus.New(8192)
	bus.SubscribeAlerts(func(ev eventbus.AlertTriggered) {
		log.Printf("[alert] %s %s %s: %s", ev.Alert.Severity, ev.Alert.Type, ev.Alert.Service, ev.Alert.Message)
	})
	eng := engine.New(cfg, repo, bus)

	// 4. Run until signalled
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("pulse engine starting (version %s, %d shards, bucket %dms)",
		buildinfo.Version, cfg.NumShards, cfg.BucketMs)
	if err := eng.Run(ctx); err != nil {
		log.Fatalf("engine: %v", err)
	}
	log.Println("engine stopped")
}
