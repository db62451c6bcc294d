package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/api"
	"github.com/acme/outbound-dialer/internal/api/handlers"
	"github.com/acme/outbound-dialer/internal/app"
	"github.com/acme/outbound-dialer/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close()

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	manager, err := container.Auth()
	if err != nil {
		log.Fatalf("failed to initialize auth: %v", err)
	}

	handlerSet := handlers.NewHandlerSet(handlers.Dependencies{
		Auth:             manager,
		Trigger:          container.Trigger(),
		Jobs:             container.Queue(),
		Provider:         container.Provider(),
		RequireSignature: container.Config.Provider.RequireSignature,
		Statuses:         container.Publishers().Statuses,
		Events:           container.Repositories().Events,
		Health:           container.Health(),
		Logger:           container.Logger,
	})
	server := api.NewServer(container.Config.HTTP, handlerSet)

	container.Logger.Info("api listening",
		zap.Int("port", container.Config.HTTP.Port),
		zap.String("provider", container.Provider().Name()),
	)
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
