package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/jobs"
	"github.com/acme/outbound-dialer/internal/scheduler"
	"github.com/acme/outbound-dialer/internal/service/dedup"
	"github.com/acme/outbound-dialer/internal/telephony/mock"
	"github.com/acme/outbound-dialer/internal/worker/dispatch"
	"github.com/acme/outbound-dialer/internal/worker/fanout"
	"github.com/acme/outbound-dialer/pkg/logger"
)

type memoryUsers struct {
	mu        sync.Mutex
	due       []domain.DueUser
	claimed   map[string]bool
	initiated map[string]string
}

func (m *memoryUsers) FindUsersDueForCall(_ context.Context, now time.Time, limit int) ([]domain.DueUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DueUser
	for _, u := range m.due {
		if len(out) == limit {
			break
		}
		if m.claimed[u.UserID] || u.ScheduledAt.After(now) {
			continue
		}
		m.claimed[u.UserID] = true
		out = append(out, u)
	}
	return out, nil
}

func (m *memoryUsers) ReleaseClaims(_ context.Context, users []domain.DueUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		delete(m.claimed, u.UserID)
	}
	return nil
}

func (m *memoryUsers) RecordCallInitiated(_ context.Context, callID, vendorCallID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiated[userID] = vendorCallID
	return nil
}

func (m *memoryUsers) RecordCallStatus(context.Context, domain.CallStatusUpdate) error { return nil }

func TestTriggerFansOutAndDispatchesEveryUser(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	users := &memoryUsers{
		claimed:   map[string]bool{},
		initiated: map[string]string{},
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		users.due = append(users.due, domain.DueUser{UserID: id, Phone: "+1555" + id, ScheduledAt: now.Add(-time.Minute)})
	}

	q := jobs.New(jobs.NewRedisStore(client, "test:jobs"), config.QueueConfig{}, logger.NewNop(),
		jobs.WithClock(func() time.Time { return now }))

	policy := jobs.DefaultPolicy()
	fan := fanout.New(users, q, policy, config.DispatchConfig{BatchSize: 10}, nil,
		fanout.WithClock(func() time.Time { return now }))
	provider := mock.NewProvider(config.MockConfig{SuccessRate: 1})
	disp := dispatch.New(provider, users, dedup.NewLedger(client, time.Hour), "agent", time.Second, nil)

	q.Process(jobs.KindScheduleTrigger, 1, fan.Handle)
	q.Process(jobs.KindUserCall, 2, disp.Handle)

	trigger := scheduler.NewTrigger(q, policy, nil)
	if _, err := trigger.Fire(ctx, true); err != nil {
		t.Fatalf("fire: %v", err)
	}

	if _, err := q.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	calls, err := q.Counts(ctx, jobs.KindUserCall)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if calls.Completed != 3 || calls.Failed != 0 || calls.Pending() != 0 {
		t.Fatalf("unexpected dispatch counts %+v", calls)
	}
	triggers, _ := q.Counts(ctx, jobs.KindScheduleTrigger)
	if triggers.Completed != 1 {
		t.Fatalf("unexpected trigger counts %+v", triggers)
	}
	if len(users.initiated) != 3 {
		t.Fatalf("expected 3 initiated calls, got %v", users.initiated)
	}
}
