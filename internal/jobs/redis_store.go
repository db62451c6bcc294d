package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// RedisStore keeps jobs in Redis. All state transitions run as Lua scripts
// so claim, settle and reap are atomic across worker processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a store rooted at prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "dialer:jobs"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(kind Kind, lane string) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, kind, lane)
}

func (s *RedisStore) jobPrefix(kind Kind) string {
	return s.key(kind, "job:")
}

func (s *RedisStore) jobKey(kind Kind, id string) string {
	return s.jobPrefix(kind) + id
}

func (s *RedisStore) Add(ctx context.Context, job *Job) error {
	policy, err := json.Marshal(job.Policy)
	if err != nil {
		return fmt.Errorf("jobs: encode policy: %w", err)
	}

	args := []any{
		job.ID,
		job.RunAt.UnixMilli(),
		job.CreatedAt.UnixMilli(),
		"id", job.ID,
		"kind", string(job.Kind),
		"payload", string(job.Payload),
		"attempts", job.Attempts,
		"max_attempts", job.Policy.Attempts,
		"keep_complete", job.Policy.RemoveOnComplete.Keep,
		"keep_fail", job.Policy.RemoveOnFail.Keep,
		"policy", string(policy),
		"state", string(StateWaiting),
		"run_at", job.RunAt.UnixMilli(),
		"created_at", job.CreatedAt.UnixMilli(),
	}
	keys := []string{s.jobKey(job.Kind, job.ID), s.key(job.Kind, "wait"), s.key(job.Kind, "delayed")}

	added, err := addScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("jobs: add: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, kind Kind, now time.Time, lease time.Duration) (*Job, error) {
	token := uuid.NewString()
	keys := []string{s.key(kind, "wait"), s.key(kind, "active")}
	res, err := claimScript.Run(ctx, s.client, keys,
		now.UnixMilli(), now.Add(lease).UnixMilli(), token, s.jobPrefix(kind)).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}
	return decodeJob(res)
}

func (s *RedisStore) Heartbeat(ctx context.Context, job *Job, now time.Time, lease time.Duration) error {
	keys := []string{s.jobKey(job.Kind, job.ID), s.key(job.Kind, "active")}
	ok, err := heartbeatScript.Run(ctx, s.client, keys, job.token, now.Add(lease).UnixMilli(), job.ID).Int()
	return settleResult("heartbeat", job, ok, err)
}

func (s *RedisStore) Complete(ctx context.Context, job *Job, now time.Time) error {
	keys := []string{s.jobKey(job.Kind, job.ID), s.key(job.Kind, "active"), s.key(job.Kind, "completed")}
	ok, err := completeScript.Run(ctx, s.client, keys, job.token, now.UnixMilli(), job.ID, s.jobPrefix(job.Kind)).Int()
	return settleResult("complete", job, ok, err)
}

func (s *RedisStore) Retry(ctx context.Context, job *Job, runAt time.Time, reason string) error {
	keys := []string{s.jobKey(job.Kind, job.ID), s.key(job.Kind, "active"), s.key(job.Kind, "delayed")}
	ok, err := retryScript.Run(ctx, s.client, keys, job.token, runAt.UnixMilli(), job.ID, reason).Int()
	return settleResult("retry", job, ok, err)
}

func (s *RedisStore) Fail(ctx context.Context, job *Job, now time.Time, reason string) error {
	keys := []string{s.jobKey(job.Kind, job.ID), s.key(job.Kind, "active"), s.key(job.Kind, "failed")}
	ok, err := failScript.Run(ctx, s.client, keys, job.token, now.UnixMilli(), job.ID, s.jobPrefix(job.Kind), reason).Int()
	return settleResult("fail", job, ok, err)
}

func settleResult(op string, job *Job, ok int, err error) error {
	if err != nil {
		return fmt.Errorf("jobs: %s: %w", op, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, job.ID)
	}
	return nil
}

func (s *RedisStore) PromoteDue(ctx context.Context, kind Kind, now time.Time, limit int) (int, error) {
	keys := []string{s.key(kind, "delayed"), s.key(kind, "wait")}
	n, err := promoteScript.Run(ctx, s.client, keys, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("jobs: promote: %w", err)
	}
	return n, nil
}

func (s *RedisStore) ReapStalled(ctx context.Context, kind Kind, now time.Time, limit int) (int, []*Job, error) {
	keys := []string{s.key(kind, "active"), s.key(kind, "wait"), s.key(kind, "failed")}
	res, err := reapScript.Run(ctx, s.client, keys, now.UnixMilli(), limit, s.jobPrefix(kind), ErrStalled.Error()).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("jobs: reap: %w", err)
	}
	if len(res) == 0 {
		return 0, nil, nil
	}
	requeued, _ := res[0].(int64)
	var failed []*Job
	for _, raw := range res[1:] {
		fields, ok := raw.([]any)
		if !ok {
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return int(requeued), failed, err
		}
		failed = append(failed, job)
	}
	return int(requeued), failed, nil
}

func (s *RedisStore) Get(ctx context.Context, kind Kind, id string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(kind, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: job %s", apperrors.ErrNotFound, id)
	}
	return jobFromHash(fields)
}

func (s *RedisStore) List(ctx context.Context, kind Kind, state State, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	stop := int64(limit - 1)

	var ids []string
	var err error
	switch state {
	case StateWaiting:
		// wait is LPUSH/RPOP so the tail holds the oldest entry.
		var runnable []string
		runnable, err = s.client.LRange(ctx, s.key(kind, "wait"), -int64(limit), -1).Result()
		for i := len(runnable) - 1; i >= 0; i-- {
			ids = append(ids, runnable[i])
		}
		if err == nil && len(ids) < limit {
			var delayed []string
			delayed, err = s.client.ZRange(ctx, s.key(kind, "delayed"), 0, int64(limit-len(ids)-1)).Result()
			ids = append(ids, delayed...)
		}
	case StateActive:
		ids, err = s.client.ZRange(ctx, s.key(kind, "active"), 0, stop).Result()
	case StateCompleted:
		ids, err = s.client.LRange(ctx, s.key(kind, "completed"), 0, stop).Result()
	case StateFailed:
		ids, err = s.client.LRange(ctx, s.key(kind, "failed"), 0, stop).Result()
	default:
		return nil, fmt.Errorf("%w: unknown job state %q", apperrors.ErrValidation, state)
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(kind, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}

	out := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := jobFromHash(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) Counts(ctx context.Context, kind Kind) (Counts, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.LLen(ctx, s.key(kind, "wait"))
	delayed := pipe.ZCard(ctx, s.key(kind, "delayed"))
	active := pipe.ZCard(ctx, s.key(kind, "active"))
	completed := pipe.LLen(ctx, s.key(kind, "completed"))
	failed := pipe.LLen(ctx, s.key(kind, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("jobs: counts: %w", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (s *RedisStore) RetryFailed(ctx context.Context, kind Kind, id string, now time.Time) error {
	keys := []string{s.jobKey(kind, id), s.key(kind, "failed"), s.key(kind, "wait")}
	res, err := retryFailedScript.Run(ctx, s.client, keys, id, now.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("jobs: retry failed: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: job %s", apperrors.ErrNotFound, id)
	case 0:
		return fmt.Errorf("%w: job %s is not failed", apperrors.ErrConflict, id)
	default:
		return nil
	}
}

// decodeJob converts an HGETALL reply returned from a script.
func decodeJob(flat []any) (*Job, error) {
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return jobFromHash(fields)
}

func jobFromHash(fields map[string]string) (*Job, error) {
	job := &Job{
		ID:        fields["id"],
		Kind:      Kind(fields["kind"]),
		Payload:   json.RawMessage(fields["payload"]),
		State:     State(fields["state"]),
		LastError: fields["last_error"],
		token:     fields["token"],
	}
	if raw := fields["policy"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Policy); err != nil {
			return nil, fmt.Errorf("jobs: decode policy for %s: %w", job.ID, err)
		}
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.RunAt = msTime(fields["run_at"])
	job.CreatedAt = msTime(fields["created_at"])
	job.ProcessedAt = msTimePtr(fields["processed_at"])
	job.FinishedAt = msTimePtr(fields["finished_at"])
	job.LockUntil = msTimePtr(fields["lock_until"])
	return job, nil
}

func msTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func msTimePtr(raw string) *time.Time {
	t := msTime(raw)
	if t.IsZero() {
		return nil
	}
	return &t
}
