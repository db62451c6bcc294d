package jobs

import (
	"fmt"
	"time"

	"github.com/acme/outbound-dialer/internal/config"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// BackoffType selects how the retry delay grows.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

const maxBackoffShift = 30

// Backoff computes the delay between attempts.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay to wait after the given number of failed attempts.
// Exponential backoff waits Delay*2^(failures-1); fixed waits Delay.
func (b Backoff) Next(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	switch b.Type {
	case BackoffFixed:
		return b.Delay
	default:
		shift := failures - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		return b.Delay * time.Duration(1<<uint(shift))
	}
}

// KeepAll disables eviction of terminal jobs.
const KeepAll = -1

// Retention bounds how many terminal jobs are kept for inspection.
// Keep 0 removes a job as soon as it finishes; KeepAll never evicts.
type Retention struct {
	Keep int `json:"keep"`
}

// KeepLast retains the n most recent terminal jobs.
func KeepLast(n int) Retention { return Retention{Keep: n} }

// RemoveImmediately drops terminal jobs as soon as they finish.
func RemoveImmediately() Retention { return Retention{Keep: 0} }

// KeepForever never evicts terminal jobs.
func KeepForever() Retention { return Retention{Keep: KeepAll} }

// Policy is the explicit retry, backoff and retention contract of a job.
type Policy struct {
	Attempts         int       `json:"attempts"`
	Backoff          Backoff   `json:"backoff"`
	RemoveOnComplete Retention `json:"removeOnComplete"`
	RemoveOnFail     Retention `json:"removeOnFail"`
}

// DefaultPolicy mirrors the production defaults: 3 attempts, exponential
// backoff from 2s, keep the last 100 completed and 500 failed jobs.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:         3,
		Backoff:          Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
		RemoveOnComplete: KeepLast(100),
		RemoveOnFail:     KeepLast(500),
	}
}

// ManualPolicy is used for operator-initiated work, which is never retried.
func ManualPolicy() Policy {
	p := DefaultPolicy()
	p.Attempts = 1
	return p
}

// PolicyFromConfig builds the default policy from configuration, falling
// back to DefaultPolicy for unset values.
func PolicyFromConfig(cfg config.JobDefaults) Policy {
	p := DefaultPolicy()
	if cfg.Attempts > 0 {
		p.Attempts = cfg.Attempts
	}
	if cfg.BackoffType != "" {
		p.Backoff.Type = BackoffType(cfg.BackoffType)
	}
	if cfg.BackoffDelay > 0 {
		p.Backoff.Delay = cfg.BackoffDelay
	}
	p.RemoveOnComplete = Retention{Keep: cfg.RemoveOnComplete}
	p.RemoveOnFail = Retention{Keep: cfg.RemoveOnFail}
	return p
}

// Manual returns a copy of the policy limited to a single attempt.
func (p Policy) Manual() Policy {
	p.Attempts = 1
	return p
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("%w: attempts must be >= 1", apperrors.ErrValidation)
	}
	switch p.Backoff.Type {
	case BackoffExponential, BackoffFixed:
	default:
		return fmt.Errorf("%w: unknown backoff type %q", apperrors.ErrValidation, p.Backoff.Type)
	}
	if p.Backoff.Delay < 0 {
		return fmt.Errorf("%w: backoff delay must not be negative", apperrors.ErrValidation)
	}
	if p.RemoveOnComplete.Keep < KeepAll || p.RemoveOnFail.Keep < KeepAll {
		return fmt.Errorf("%w: retention must be >= -1", apperrors.ErrValidation)
	}
	return nil
}
