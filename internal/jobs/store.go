package jobs

import (
	"context"
	"time"
)

// Store persists job envelopes and implements the state machine atomically.
// Every method that settles a job checks the lease token handed out by Claim
// and returns ErrLeaseLost when the caller no longer owns the job.
type Store interface {
	// Add inserts a new job, or returns ErrDuplicateJob if the id exists.
	Add(ctx context.Context, job *Job) error
	// Claim hands the oldest runnable job of kind to exactly one caller,
	// counting the attempt and locking it until now+lease. It returns nil
	// when nothing is runnable.
	Claim(ctx context.Context, kind Kind, now time.Time, lease time.Duration) (*Job, error)
	// Heartbeat extends the lease of an active job.
	Heartbeat(ctx context.Context, job *Job, now time.Time, lease time.Duration) error
	// Complete moves an active job to completed, applying its retention.
	Complete(ctx context.Context, job *Job, now time.Time) error
	// Retry parks an active job until runAt.
	Retry(ctx context.Context, job *Job, runAt time.Time, reason string) error
	// Fail moves an active job to failed, applying its retention.
	Fail(ctx context.Context, job *Job, now time.Time, reason string) error
	// PromoteDue moves up to limit delayed jobs whose run time has passed to the wait lane.
	PromoteDue(ctx context.Context, kind Kind, now time.Time, limit int) (int, error)
	// ReapStalled requeues up to limit active jobs whose lease expired. Jobs
	// that already used all their attempts are failed and returned.
	ReapStalled(ctx context.Context, kind Kind, now time.Time, limit int) (int, []*Job, error)
	// Get returns a job by id.
	Get(ctx context.Context, kind Kind, id string) (*Job, error)
	// List returns up to limit jobs in a state, newest first for terminal states.
	List(ctx context.Context, kind Kind, state State, limit int) ([]*Job, error)
	// Counts reports lane sizes for a kind.
	Counts(ctx context.Context, kind Kind) (Counts, error)
	// RetryFailed resets a failed job to waiting with a fresh attempt budget.
	RetryFailed(ctx context.Context, kind Kind, id string, now time.Time) error
}
