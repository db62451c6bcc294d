package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Scheduler fires the fan-out trigger on a cron pattern. Each tick takes a
// lock keyed by the tick minute so replicas enqueue at most one job per tick.
type Scheduler struct {
	cfg     config.SchedulerConfig
	trigger *Trigger
	locker  Locker
	logger  *logger.Logger
	tracer  trace.Tracer

	loc      *time.Location
	schedule cron.Schedule
	now      func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates the cron pattern and time zone.
func New(cfg config.SchedulerConfig, trigger *Trigger, locker Locker, log *logger.Logger) (*Scheduler, error) {
	if strings.TrimSpace(cfg.Cron) == "" {
		cfg.Cron = "*/5 * * * *"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.LockKeyPrefix == "" {
		cfg.LockKeyPrefix = "dialer:schedule"
	}
	if log == nil {
		log = logger.NewNop()
	}

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.TimeZone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler: time zone %q: %w", tz, err)
		}
		loc = l
	}
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("scheduler: cron %q: %w", cfg.Cron, err)
	}

	return &Scheduler{
		cfg:      cfg,
		trigger:  trigger,
		locker:   locker,
		logger:   log.Named("scheduler"),
		tracer:   otel.Tracer("outbound.scheduler"),
		loc:      loc,
		schedule: schedule,
		now:      time.Now,
	}, nil
}

// Next returns the next activation after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// Run blocks until ctx is cancelled, firing the trigger on every activation.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		s.tick(ctx, s.now())
	}))

	if s.cfg.RunOnStart {
		s.tick(ctx, s.now())
	}

	c.Start()
	s.logger.Info("scheduler started", zap.String("cron", s.cfg.Cron), zap.String("tz", s.loc.String()))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context, at time.Time) {
	if ctx.Err() != nil {
		return
	}
	slot := at.UTC().Truncate(time.Minute)
	sctx, span := s.tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(
		attribute.String("tick", slot.Format(time.RFC3339)),
	))
	defer span.End()

	if s.locker != nil {
		key := fmt.Sprintf("%s:%d", s.cfg.LockKeyPrefix, slot.Unix())
		ok, err := s.locker.TryLock(sctx, key, s.cfg.LockTTL)
		if err != nil {
			span.RecordError(err)
			s.logger.Error("scheduler: acquire tick lock", zap.Error(err))
			return
		}
		if !ok {
			span.SetAttributes(attribute.Bool("tick.skipped", true))
			s.logger.Debug("scheduler: tick owned by another replica", zap.String("key", key))
			return
		}
	}

	id, err := s.trigger.Fire(sctx, false)
	if err != nil {
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.String("job.id", id))
}
