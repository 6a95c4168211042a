package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/dental-outreach/internal/api"
	"github.com/acme/dental-outreach/internal/app"
	"github.com/acme/dental-outreach/internal/telemetry"
)

func main() {
	log.Println("Starting API server...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	migrate := flag.Bool("migrate", false, "apply the database schema before serving")
	flag.Parse()

	log.Printf("Using config file: %s", *configPath)

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Version, "api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if *migrate {
		if err := container.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate schema: %v", err)
		}
	}

	if err := container.LoadSettings(ctx); err != nil {
		log.Fatalf("failed to load scheduler settings: %v", err)
	}

	server := api.NewServer(container.Config.HTTP, container.HandlerSet())

	log.Printf("Starting server on port %d...", container.Config.HTTP.Port)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
