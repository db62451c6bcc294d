package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// Kind identifies which handler consumes a job.
type Kind string

const (
	// KindScheduleTrigger fans out into one dispatch job per due user.
	KindScheduleTrigger Kind = "schedule-trigger"
	// KindUserCall places one outbound call.
	KindUserCall Kind = "user-call"
)

// Kinds lists every job kind the queue serves.
func Kinds() []Kind {
	return []Kind{KindScheduleTrigger, KindUserCall}
}

// ParseKind validates a kind coming from outside the process.
func ParseKind(raw string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown job kind %q", apperrors.ErrValidation, raw)
}

// State enumerates the job lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ParseState validates a state filter.
func ParseState(raw string) (State, error) {
	switch State(raw) {
	case StateWaiting, StateActive, StateCompleted, StateFailed:
		return State(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown job state %q", apperrors.ErrValidation, raw)
	}
}

// Terminal reports whether the state is final until an explicit retry.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is the envelope the queue keeps for each unit of work. Handlers
// receive a copy and never mutate the bookkeeping fields.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	Policy      Policy          `json:"policy"`
	State       State           `json:"state"`
	RunAt       time.Time       `json:"runAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	LockUntil   *time.Time      `json:"lockUntil,omitempty"`
	LastError   string          `json:"lastError,omitempty"`

	token string
}

// MaxAttempts returns the number of attempts allowed by the job policy.
func (j *Job) MaxAttempts() int {
	return j.Policy.Attempts
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", apperrors.ErrValidation, j.Kind, err)
	}
	return nil
}

// Delayed reports whether a waiting job is parked until a future time.
func (j *Job) Delayed(now time.Time) bool {
	return j.State == StateWaiting && j.RunAt.After(now)
}

func (j *Job) clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	cp.ProcessedAt = copyTime(j.ProcessedAt)
	cp.FinishedAt = copyTime(j.FinishedAt)
	cp.LockUntil = copyTime(j.LockUntil)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Counts summarizes how many jobs of a kind sit in each lane.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Pending returns the jobs that have not reached a terminal state.
func (c Counts) Pending() int64 {
	return c.Waiting + c.Delayed + c.Active
}
