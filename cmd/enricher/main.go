package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acme/dental-outreach/internal/app"
	"github.com/acme/dental-outreach/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	relayInterval := flag.Duration("relay-interval", 5*time.Second, "booking intent relay interval")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Version, "enricher")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	if err := container.LoadSettings(ctx); err != nil {
		log.Fatalf("failed to load scheduler settings: %v", err)
	}

	worker := container.EnrichWorker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		return container.Services().Settings.Run(gctx, container.Config.Scheduler.SettingsReload)
	})
	if container.Kafka != nil {
		relay, err := container.OutboxRelay()
		if err != nil {
			log.Fatalf("failed to build booking intent relay: %v", err)
		}
		g.Go(func() error { return relay.Run(gctx, *relayInterval) })
	} else {
		container.Logger.Warn("kafka not configured, booking intents stay pending")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("enricher terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
