package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/jobs"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Enqueuer is the slice of the job queue the trigger needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind jobs.Kind, payload any, policy jobs.Policy) (string, error)
}

// Trigger enqueues fan-out jobs, either from cron or on demand.
type Trigger struct {
	queue  Enqueuer
	policy jobs.Policy
	logger *logger.Logger
	now    func() time.Time
}

// NewTrigger builds a trigger that enqueues scheduled fan-outs under policy.
// Manual fires always run once.
func NewTrigger(queue Enqueuer, policy jobs.Policy, log *logger.Logger) *Trigger {
	if log == nil {
		log = logger.NewNop()
	}
	return &Trigger{queue: queue, policy: policy, logger: log.Named("trigger"), now: time.Now}
}

// Fire enqueues one ScheduleTrigger job and returns its id. Queue failures
// come back wrapped in ErrQueueUnavailable and nothing is enqueued.
func (t *Trigger) Fire(ctx context.Context, manual bool) (string, error) {
	policy := t.policy
	if manual {
		policy = policy.Manual()
	}
	payload := domain.ScheduleTrigger{TriggeredAt: t.now().UTC(), Manual: manual}

	id, err := t.queue.Enqueue(ctx, jobs.KindScheduleTrigger, payload, policy)
	if err != nil {
		t.logger.Error("enqueue schedule trigger", zap.Bool("manual", manual), zap.Error(err))
		return "", err
	}
	t.logger.Info("schedule trigger enqueued", zap.String("job_id", id), zap.Bool("manual", manual))
	return id, nil
}
