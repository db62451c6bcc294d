package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Handler processes one job. Returning an error hands the retry decision
// back to the queue; wrap permanent failures with NoRetry.
type Handler func(ctx context.Context, job *Job) error

// FailedHook observes jobs that reached the terminal failed state.
type FailedHook func(ctx context.Context, job *Job, err error)

type processor struct {
	kind        Kind
	concurrency int
	handler     Handler
}

// Queue enqueues jobs and runs the registered handlers against a Store.
type Queue struct {
	store  Store
	cfg    config.QueueConfig
	logger *logger.Logger
	now    func() time.Time
	tracer trace.Tracer

	mu         sync.RWMutex
	processors map[Kind]processor
	hooks      []FailedHook
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New constructs a queue over store.
func New(store Store, cfg config.QueueConfig, log *logger.Logger, opts ...Option) *Queue {
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Second
	}
	if cfg.MaintenanceBatch <= 0 {
		cfg.MaintenanceBatch = 1000
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}

	q := &Queue{
		store:      store,
		cfg:        cfg,
		logger:     log.Named("jobs"),
		now:        time.Now,
		tracer:     otel.Tracer("outbound.jobs"),
		processors: make(map[Kind]processor),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job with a generated id.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any, policy Policy) (string, error) {
	return q.EnqueueWithID(ctx, kind, uuid.NewString(), payload, policy)
}

// EnqueueWithID adds a job under a caller-chosen id. A second enqueue with
// the same id fails with ErrDuplicateJob.
func (q *Queue) EnqueueWithID(ctx context.Context, kind Kind, id string, payload any, policy Policy) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: job id is required", apperrors.ErrValidation)
	}
	if err := policy.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %v", apperrors.ErrValidation, err)
	}

	now := q.now()
	job := &Job{
		ID:        id,
		Kind:      kind,
		Payload:   body,
		Policy:    policy,
		State:     StateWaiting,
		RunAt:     now,
		CreatedAt: now,
	}
	if err := q.store.Add(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			return id, err
		}
		return "", fmt.Errorf("%w: %v", apperrors.ErrQueueUnavailable, err)
	}
	return id, nil
}

// Process registers the handler for kind with the given number of
// concurrent slots. It must be called before Run.
func (q *Queue) Process(kind Kind, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[kind] = processor{kind: kind, concurrency: concurrency, handler: handler}
}

// OnFailed registers a hook invoked whenever a job fails terminally.
func (q *Queue) OnFailed(hook FailedHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, hook)
}

// Run claims and processes jobs until ctx is cancelled, then stops claiming
// and waits up to the shutdown timeout for in-flight handlers to finish.
func (q *Queue) Run(ctx context.Context) error {
	procs, err := q.registered()
	if err != nil {
		return err
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var wg sync.WaitGroup
	for _, p := range procs {
		for i := 0; i < p.concurrency; i++ {
			wg.Add(1)
			go func(p processor) {
				defer wg.Done()
				q.work(ctx, workCtx, p)
			}(p)
		}
		q.logger.Info("jobs: processor started", zap.String("kind", string(p.kind)), zap.Int("concurrency", p.concurrency))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.maintenanceLoop(ctx, procs)
	}()

	<-ctx.Done()
	q.logger.Info("jobs: draining in-flight jobs", zap.Duration("timeout", q.cfg.ShutdownTimeout))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(q.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		q.logger.Warn("jobs: shutdown timeout reached, abandoning in-flight jobs")
		cancelWork()
		<-done
	}
	return nil
}

// RunOnce runs maintenance and processes runnable jobs of every registered
// kind until none remain, returning how many were processed. Jobs whose
// backoff has not elapsed are left for a later pass.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	procs, err := q.registered()
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		progressed := false
		for _, p := range procs {
			if err := q.maintain(ctx, p.kind); err != nil {
				return total, err
			}
			processed, err := q.processNext(ctx, p)
			if err != nil {
				return total, err
			}
			if processed {
				total++
				progressed = true
			}
		}
		if !progressed || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (q *Queue) registered() ([]processor, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.processors) == 0 {
		return nil, errors.New("jobs: no processors registered")
	}
	procs := make([]processor, 0, len(q.processors))
	for _, p := range q.processors {
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].kind < procs[j].kind })
	return procs, nil
}

// work loops on one handler slot. stop gates claiming; ctx scopes the
// handler so in-flight jobs survive the stop signal while draining.
func (q *Queue) work(stop, ctx context.Context, p processor) {
	for stop.Err() == nil {
		processed, err := q.processNext(ctx, p)
		if err != nil {
			q.logger.Error("jobs: claim failed", zap.String("kind", string(p.kind)), zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-stop.Done():
			return
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// processNext claims at most one job of p.kind and runs it to settlement.
func (q *Queue) processNext(ctx context.Context, p processor) (bool, error) {
	job, err := q.store.Claim(ctx, p.kind, q.now(), q.cfg.LockDuration)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	q.execute(ctx, p, job)
	return true, nil
}

func (q *Queue) execute(ctx context.Context, p processor, job *Job) {
	ctx, span := q.tracer.Start(ctx, "jobs.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.Int("job.attempt", job.Attempts),
		attribute.Int("job.max_attempts", job.MaxAttempts()),
	))
	defer span.End()

	log := q.logger.WithContext(ctx).With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempts),
	)

	handlerCtx, cancel := context.WithCancel(ctx)
	hbDone := q.heartbeat(handlerCtx, cancel, job, log)
	err := q.invoke(handlerCtx, p.handler, job)
	cancel()
	<-hbDone

	if err == nil {
		if serr := q.store.Complete(ctx, job, q.now()); serr != nil {
			log.Warn("jobs: complete failed", zap.Error(serr))
			span.RecordError(serr)
			return
		}
		log.Debug("jobs: completed")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if !IsNoRetry(err) && job.Attempts < job.MaxAttempts() {
		delay := job.Policy.Backoff.Next(job.Attempts)
		if serr := q.store.Retry(ctx, job, q.now().Add(delay), err.Error()); serr != nil {
			log.Warn("jobs: retry failed", zap.Error(serr))
			return
		}
		log.Warn("jobs: attempt failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		return
	}

	if serr := q.store.Fail(ctx, job, q.now(), err.Error()); serr != nil {
		log.Warn("jobs: fail failed", zap.Error(serr))
		return
	}
	failed := job.clone()
	failed.State = StateFailed
	failed.LastError = err.Error()
	log.Error("jobs: job failed", zap.Error(err))
	q.notifyFailed(ctx, failed, err)
}

func (q *Queue) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return h(ctx, job.clone())
}

// heartbeat renews the lease every half lock duration and cancels the
// handler if another worker took the job over.
func (q *Queue) heartbeat(ctx context.Context, cancel context.CancelFunc, job *Job, log *logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	interval := q.cfg.LockDuration / 2
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := q.store.Heartbeat(ctx, job, q.now(), q.cfg.LockDuration)
				if errors.Is(err, ErrLeaseLost) {
					log.Warn("jobs: lease lost, cancelling handler")
					cancel()
					return
				}
				if err != nil && ctx.Err() == nil {
					log.Warn("jobs: heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return done
}

func (q *Queue) notifyFailed(ctx context.Context, job *Job, err error) {
	q.mu.RLock()
	hooks := append([]FailedHook(nil), q.hooks...)
	q.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, job, err)
	}
}

func (q *Queue) maintenanceLoop(ctx context.Context, procs []processor) {
	ticker := time.NewTicker(q.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		for _, p := range procs {
			if err := q.maintain(ctx, p.kind); err != nil && ctx.Err() == nil {
				q.logger.Error("jobs: maintenance failed", zap.String("kind", string(p.kind)), zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// maintain promotes due delayed jobs and reaps expired leases for kind.
func (q *Queue) maintain(ctx context.Context, kind Kind) error {
	now := q.now()
	promoted, err := q.store.PromoteDue(ctx, kind, now, q.cfg.MaintenanceBatch)
	if err != nil {
		return err
	}
	if promoted > 0 {
		q.logger.Debug("jobs: promoted delayed jobs", zap.String("kind", string(kind)), zap.Int("count", promoted))
	}

	requeued, failed, err := q.store.ReapStalled(ctx, kind, now, q.cfg.MaintenanceBatch)
	if err != nil {
		return err
	}
	if requeued > 0 {
		q.logger.Warn("jobs: requeued stalled jobs", zap.String("kind", string(kind)), zap.Int("count", requeued))
	}
	for _, job := range failed {
		q.logger.Error("jobs: stalled job failed", zap.String("kind", string(kind)), zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))
		q.notifyFailed(ctx, job, ErrStalled)
	}
	return nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, kind Kind, id string) (*Job, error) {
	job, err := q.store.Get(ctx, kind, id)
	return job, storeError(err)
}

// List returns jobs of kind in state, newest first for terminal states.
func (q *Queue) List(ctx context.Context, kind Kind, state State, limit int) ([]*Job, error) {
	jobs, err := q.store.List(ctx, kind, state, limit)
	return jobs, storeError(err)
}

// Counts reports lane sizes for kind.
func (q *Queue) Counts(ctx context.Context, kind Kind) (Counts, error) {
	counts, err := q.store.Counts(ctx, kind)
	return counts, storeError(err)
}

// RetryFailed resubmits a failed job with a fresh attempt budget.
func (q *Queue) RetryFailed(ctx context.Context, kind Kind, id string) error {
	return storeError(q.store.RetryFailed(ctx, kind, id, q.now()))
}

func storeError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrConflict),
		errors.Is(err, apperrors.ErrValidation):
		return err
	default:
		return fmt.Errorf("%w: %v", apperrors.ErrQueueUnavailable, err)
	}
}
