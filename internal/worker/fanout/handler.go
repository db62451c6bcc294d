// Package fanout turns one schedule trigger into a dispatch job per due user.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/jobs"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/scheduler"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

const releaseTimeout = 10 * time.Second

// Enqueuer is the slice of the job queue the fan-out needs.
type Enqueuer interface {
	EnqueueWithID(ctx context.Context, kind jobs.Kind, id string, payload any, policy jobs.Policy) (string, error)
}

// Handler processes schedule-trigger jobs.
type Handler struct {
	users  repository.UserStore
	queue  Enqueuer
	hours  *scheduler.CallingHours
	policy jobs.Policy
	cfg    config.DispatchConfig
	logger *logger.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithClock overrides the time used to select due users.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithCallingHours restricts fan-out to the given windows.
func WithCallingHours(hours *scheduler.CallingHours) Option {
	return func(h *Handler) { h.hours = hours }
}

// New constructs a fan-out handler. Dispatch jobs are enqueued with policy.
func New(users repository.UserStore, queue Enqueuer, policy jobs.Policy, cfg config.DispatchConfig, log *logger.Logger, opts ...Option) *Handler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 20
	}
	if log == nil {
		log = logger.NewNop()
	}
	h := &Handler{
		users:  users,
		queue:  queue,
		policy: policy,
		cfg:    cfg,
		logger: log.Named("fanout"),
		tracer: otel.Tracer("outbound.fanout"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// JobID is the deterministic id of the dispatch job for a user's call window.
func JobID(u domain.DueUser) string {
	return fmt.Sprintf("dispatch:%s:%d", u.UserID, u.ScheduledAt.Unix())
}

// Handle implements jobs.Handler.
func (h *Handler) Handle(ctx context.Context, job *jobs.Job) error {
	var trig domain.ScheduleTrigger
	if err := job.Decode(&trig); err != nil {
		return jobs.NoRetry(err)
	}

	ctx, span := h.tracer.Start(ctx, "fanout.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Bool("trigger.manual", trig.Manual),
	))
	defer span.End()

	log := h.logger.WithContext(ctx).With(zap.String("job_id", job.ID), zap.Bool("manual", trig.Manual))

	now := h.now()
	if !h.hours.Allows(now) {
		span.SetAttributes(attribute.Bool("fanout.outside_hours", true))
		log.Info("fanout: outside calling hours")
		return nil
	}

	var enqueued, duplicates int
	for batch := 0; batch < h.cfg.MaxBatches; batch++ {
		users, err := h.users.FindUsersDueForCall(ctx, now, h.cfg.BatchSize)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("%w: %v", apperrors.ErrLookupFailed, err)
		}
		if len(users) == 0 {
			break
		}

		n, d, err := h.enqueueAll(ctx, users)
		enqueued += n
		duplicates += d
		if err != nil {
			span.RecordError(err)
			log.Error("fanout: enqueue dispatch jobs", zap.Int("enqueued", enqueued), zap.Error(err))
			return err
		}
		if len(users) < h.cfg.BatchSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("fanout.enqueued", enqueued), attribute.Int("fanout.duplicates", duplicates))
	log.Info("fanout: complete", zap.Int("enqueued", enqueued), zap.Int("duplicates", duplicates))
	return nil
}

func (h *Handler) enqueueAll(ctx context.Context, users []domain.DueUser) (int, int, error) {
	var enqueued, duplicates int
	for i, u := range users {
		payload := domain.UserCallJob{
			UserID:      u.UserID,
			Phone:       u.Phone,
			Name:        u.Name,
			ScheduledAt: u.ScheduledAt,
		}
		_, err := h.queue.EnqueueWithID(ctx, jobs.KindUserCall, JobID(u), payload, h.policy)
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, jobs.ErrDuplicateJob):
			duplicates++
		default:
			// The handler context is often already cancelled here (lease lost,
			// shutdown), and the claims must be released regardless.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			rerr := h.users.ReleaseClaims(releaseCtx, users[i:])
			cancel()
			if rerr != nil {
				h.logger.Error("fanout: release claims", zap.Int("users", len(users)-i), zap.Error(rerr))
			}
			return enqueued, duplicates, err
		}
	}
	return enqueued, duplicates, nil
}
