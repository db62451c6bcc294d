package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, limit int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewLimiter(client, limit, time.Minute)
	l.poll = 5 * time.Millisecond
	return l, mr
}

func TestLimiterCapsConcurrentSlots(t *testing.T) {
	l, _ := newLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Acquire(ctx, "agent-1")
		if err != nil || !ok {
			t.Fatalf("acquire %d: %v %v", i, ok, err)
		}
	}
	if ok, _ := l.Acquire(ctx, "agent-1"); ok {
		t.Fatalf("expected third acquire to be refused")
	}
	if ok, _ := l.Acquire(ctx, "agent-2"); !ok {
		t.Fatalf("agents must not share slots")
	}

	if err := l.Release(ctx, "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := l.Acquire(ctx, "agent-1"); !ok {
		t.Fatalf("expected slot after release")
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l, _ := newLimiter(t, 1)
	ctx := context.Background()
	if err := l.Wait(ctx, "agent"); err != nil {
		t.Fatalf("wait: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := l.Wait(short, "agent"); err == nil {
		t.Fatalf("expected wait to time out while slot is held")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.Release(context.Background(), "agent")
	}()
	long, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	if err := l.Wait(long, "agent"); err != nil {
		t.Fatalf("expected slot after release: %v", err)
	}
}

func TestLimiterDisabled(t *testing.T) {
	l, mr := newLimiter(t, 0)
	for i := 0; i < 5; i++ {
		if ok, err := l.Acquire(context.Background(), "agent"); !ok || err != nil {
			t.Fatalf("disabled limiter refused: %v", err)
		}
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("disabled limiter touched redis: %v", mr.Keys())
	}
}
