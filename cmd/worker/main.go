package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/app"
	"github.com/acme/outbound-dialer/internal/jobs"
	"github.com/acme/outbound-dialer/internal/telemetry"
	"github.com/acme/outbound-dialer/internal/worker/dispatch"
	"github.com/acme/outbound-dialer/internal/worker/fanout"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	once := flag.Bool("once", false, "drain every ready job and exit")
	trigger := flag.Bool("trigger", false, "enqueue a manual schedule trigger before processing")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close()

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-worker")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		container.Logger.Warn("ensure kafka topics", zap.Error(err))
	}

	cfg := container.Config
	q := container.Queue()
	users := container.Repositories().Users

	fan := fanout.New(users, q, container.Policy(), cfg.Dispatch, container.Logger,
		fanout.WithCallingHours(container.CallingHours()),
	)
	var dispatchOpts []dispatch.Option
	if limiter := container.Limiter(); limiter.Enabled() {
		dispatchOpts = append(dispatchOpts, dispatch.WithLimiter(limiter))
	}
	dialer := dispatch.New(container.Provider(), users, container.Ledger(), cfg.Dispatch.AgentID,
		cfg.Provider.RequestTimeout, container.Logger, dispatchOpts...)
	var deadLetters dispatch.DeadLetters
	if p := container.Publishers().DeadLetters; p != nil {
		deadLetters = p
	}
	failures := dispatch.NewFailureReporter(deadLetters, container.Logger)

	q.Process(jobs.KindScheduleTrigger, cfg.Queue.FanoutConcurrency, fan.Handle)
	q.Process(jobs.KindUserCall, cfg.Queue.DispatchConcurrency, dialer.Handle)
	q.OnFailed(failures.OnFailed)

	if *trigger {
		id, err := container.Trigger().Fire(ctx, true)
		if err != nil {
			log.Fatalf("failed to trigger schedule: %v", err)
		}
		container.Logger.Info("manual trigger enqueued", zap.String("job_id", id))
	}

	if *once {
		processed, err := q.RunOnce(ctx)
		if err != nil {
			log.Fatalf("drain failed: %v", err)
		}
		container.Logger.Info("queue drained", zap.Int("processed", processed))
		return
	}

	if err := q.Run(ctx); err != nil {
		log.Fatalf("worker terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
