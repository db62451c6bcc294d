package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// MessageReader is the subset of kafka.Reader the worker consumes.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker consumes normalized webhook statuses and applies them to the user
// store and the call timeline.
type Worker struct {
	reader MessageReader
	users  repository.UserStore
	events repository.CallEventStore
	logger *logger.Logger
	tracer trace.Tracer

	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

// New creates a new status worker. events may be nil.
func New(reader MessageReader, users repository.UserStore, events repository.CallEventStore, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		reader: reader,
		users:  users,
		events: events,
		logger: log.Named("status"),
		tracer: otel.Tracer("outbound.statusworker"),

		retryDelay:    500 * time.Millisecond,
		maxRetryDelay: 30 * time.Second,
	}
}

// Run processes status events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: fetch", zap.Error(err))
			continue
		}

		var status queue.StatusMessage
		if err := json.Unmarshal(msg.Value, &status); err != nil {
			w.logger.Error("status worker: unmarshal", zap.Int64("offset", msg.Offset), zap.Error(err))
			_ = w.reader.CommitMessages(ctx, msg)
			continue
		}

		// Committing a later offset also commits this one, so a message the
		// store could not take is retried in place rather than skipped.
		if err := w.applyWithRetry(ctx, msg, status); err != nil {
			return err
		}

		if err := w.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			w.logger.Error("status worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) applyWithRetry(ctx context.Context, msg kafka.Message, status queue.StatusMessage) error {
	delay := w.retryDelay
	for {
		err := w.Apply(ctx, status)
		if err == nil {
			return nil
		}
		w.logger.Warn("status worker: apply failed, retrying",
			zap.Int64("offset", msg.Offset), zap.Duration("delay", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if delay *= 2; delay > w.maxRetryDelay {
			delay = w.maxRetryDelay
		}
	}
}

// Apply records one status update. A status for a call the store does not
// know yet is still kept in the timeline and is not an error. Any other
// store failure is returned so the message is not committed.
func (w *Worker) Apply(ctx context.Context, status queue.StatusMessage) error {
	ctx, span := w.tracer.Start(ctx, "status.apply", trace.WithAttributes(
		attribute.String("vendor.call_id", status.VendorCallID),
		attribute.String("call.id", status.CallID),
		attribute.String("call.status", string(status.Status)),
		attribute.String("provider", status.Provider),
	))
	defer span.End()

	log := w.logger.WithContext(ctx).With(
		zap.String("vendor_call_id", status.VendorCallID),
		zap.String("status", string(status.Status)),
	)

	if err := w.users.RecordCallStatus(ctx, status.Update()); err != nil {
		span.RecordError(err)
		if !errors.Is(err, repository.ErrNotFound) {
			log.Error("status worker: record status", zap.Error(err))
			return fmt.Errorf("record status: %w", err)
		}
		log.Warn("status worker: unknown call")
	}

	if w.events == nil {
		return nil
	}
	if err := w.events.AppendEvent(ctx, status.Event()); err != nil {
		span.RecordError(err)
		log.Error("status worker: append event", zap.Error(err))
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
