package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLedger(client, time.Hour), mr
}

func TestReservePinsFirstCallID(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	first, err := l.Reserve(ctx, "dispatch:u1:100", "call-a")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if first.CallID != "call-a" || first.State != StatePending {
		t.Fatalf("unexpected entry %+v", first)
	}

	again, err := l.Reserve(ctx, "dispatch:u1:100", "call-b")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if again.CallID != "call-a" {
		t.Fatalf("redelivery must reuse pinned call id, got %q", again.CallID)
	}
}

func TestMarkInitiatedAndForget(t *testing.T) {
	l, mr := newLedger(t)
	ctx := context.Background()

	_, _ = l.Reserve(ctx, "job", "call-a")
	if err := l.MarkInitiated(ctx, "job", "v-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	entry, _ := l.Reserve(ctx, "job", "call-b")
	if entry.State != StateInitiated || entry.VendorCallID != "v-1" || entry.CallID != "call-a" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if ttl := mr.TTL(l.key("job")); ttl <= 0 {
		t.Fatalf("expected ttl on ledger entry, got %v", ttl)
	}

	if err := l.Forget(ctx, "job"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	entry, _ = l.Reserve(ctx, "job", "call-c")
	if entry.CallID != "call-c" || entry.State != StatePending {
		t.Fatalf("expected fresh reservation, got %+v", entry)
	}
}

func TestLedgerEntriesExpire(t *testing.T) {
	l, mr := newLedger(t)
	ctx := context.Background()
	_, _ = l.Reserve(ctx, "job", "call-a")
	mr.FastForward(2 * time.Hour)

	entry, _ := l.Reserve(ctx, "job", "call-b")
	if entry.CallID != "call-b" {
		t.Fatalf("expected expired entry replaced, got %+v", entry)
	}
}
