// Package dedup pins the call id of a dispatch job across redeliveries so a
// job that already reached the vendor is never dialed twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// State tracks how far a dispatch got.
type State string

const (
	// StatePending means a call id is reserved but the vendor has not confirmed the call.
	StatePending State = "pending"
	// StateInitiated means the vendor accepted the call.
	StateInitiated State = "initiated"
)

// Entry is the ledger record for one dispatch job.
type Entry struct {
	CallID       string
	State        State
	VendorCallID string
}

var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'call_id', ARGV[1], 'state', 'pending', 'vendor_call_id', '')
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return redis.call('HMGET', KEYS[1], 'call_id', 'state', 'vendor_call_id')
`)

// Ledger stores dispatch entries in Redis.
type Ledger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLedger constructs a ledger whose entries live for ttl.
func NewLedger(client *redis.Client, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Ledger{client: client, ttl: ttl}
}

// Reserve returns the entry for jobID, creating a pending one with
// candidateCallID when none exists.
func (l *Ledger) Reserve(ctx context.Context, jobID, candidateCallID string) (Entry, error) {
	vals, err := reserveScript.Run(ctx, l.client, []string{l.key(jobID)}, candidateCallID, l.ttl.Milliseconds()).StringSlice()
	if err != nil {
		return Entry{}, fmt.Errorf("dedup reserve: %w", err)
	}
	if len(vals) != 3 {
		return Entry{}, fmt.Errorf("dedup reserve: unexpected reply %v", vals)
	}
	return Entry{CallID: vals[0], State: State(vals[1]), VendorCallID: vals[2]}, nil
}

// MarkInitiated records that the vendor accepted the call.
func (l *Ledger) MarkInitiated(ctx context.Context, jobID, vendorCallID string) error {
	key := l.key(jobID)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "state", string(StateInitiated), "vendor_call_id", vendorCallID)
		pipe.PExpire(ctx, key, l.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dedup mark initiated: %w", err)
	}
	return nil
}

// Forget drops the entry so the next attempt gets a fresh call id.
func (l *Ledger) Forget(ctx context.Context, jobID string) error {
	if err := l.client.Del(ctx, l.key(jobID)).Err(); err != nil {
		return fmt.Errorf("dedup forget: %w", err)
	}
	return nil
}

func (l *Ledger) key(jobID string) string {
	return fmt.Sprintf("dialer:dispatch:ledger:%s", jobID)
}
