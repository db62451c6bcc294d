package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/jobs"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// DeadLetters receives jobs that exhausted their attempts.
type DeadLetters interface {
	PublishDeadLetter(ctx context.Context, msg queue.DeadLetterMessage) error
}

// FailureReporter surfaces terminally failed jobs to operators.
type FailureReporter struct {
	deadLetters DeadLetters
	logger      *logger.Logger
}

// NewFailureReporter constructs a reporter. deadLetters may be nil.
func NewFailureReporter(deadLetters DeadLetters, log *logger.Logger) *FailureReporter {
	if log == nil {
		log = logger.NewNop()
	}
	return &FailureReporter{deadLetters: deadLetters, logger: log.Named("failures")}
}

// OnFailed implements jobs.FailedHook.
func (r *FailureReporter) OnFailed(ctx context.Context, job *jobs.Job, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	r.logger.Error("job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempts", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts()),
		zap.String("reason", reason),
	)

	if r.deadLetters == nil {
		return
	}
	msg := queue.DeadLetterMessage{
		JobID:       job.ID,
		Kind:        string(job.Kind),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts(),
		Error:       reason,
		Payload:     job.Payload,
		FailedAt:    time.Now().UTC(),
	}
	if perr := r.deadLetters.PublishDeadLetter(ctx, msg); perr != nil {
		r.logger.Error("publish dead letter", zap.String("job_id", job.ID), zap.Error(perr))
	}
}
