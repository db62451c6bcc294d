package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/jobs"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

func TestCallingHours(t *testing.T) {
	hours, err := NewCallingHours(config.CallingHoursConfig{
		TimeZone: "UTC",
		Windows:  []config.WindowConfig{{DayOfWeek: int(time.Monday), Start: "09:00", End: "17:00"}},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	mondayMorning := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !hours.Allows(mondayMorning) {
		t.Fatalf("expected %v to be within calling hours", mondayMorning)
	}

	mondayNight := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	if hours.Allows(mondayNight) {
		t.Fatalf("expected %v to be outside calling hours", mondayNight)
	}

	tuesdayMorning := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if hours.Allows(tuesdayMorning) {
		t.Fatalf("expected %v to be outside calling hours (wrong day)", tuesdayMorning)
	}
}

func TestCallingHoursSpanningMidnight(t *testing.T) {
	windows := []domain.CallingWindow{{
		DayOfWeek: time.Monday,
		Start:     time.Date(0, 1, 1, 22, 0, 0, 0, time.UTC),
		End:       time.Date(0, 1, 1, 2, 0, 0, 0, time.UTC),
	}}

	night := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	if !withinWindows(night, windows) {
		t.Fatalf("expected %v to be within cross-midnight window", night)
	}

	earlyMorning := time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)
	if !withinWindows(earlyMorning, windows) {
		t.Fatalf("expected %v to be within cross-midnight window", earlyMorning)
	}
}

func TestCallingHoursTimeZoneAndEmpty(t *testing.T) {
	var empty *CallingHours
	if !empty.Allows(time.Now()) {
		t.Fatalf("nil calling hours must allow every instant")
	}

	hours, err := NewCallingHours(config.CallingHoursConfig{
		TimeZone: "America/New_York",
		Windows:  []config.WindowConfig{{DayOfWeek: int(time.Monday), Start: "09:00", End: "17:00"}},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// 14:00 UTC is 09:00 EST.
	if !hours.Allows(time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected local 09:00 to be allowed")
	}
	if hours.Allows(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected local 05:00 to be refused")
	}

	if _, err := NewCallingHours(config.CallingHoursConfig{Windows: []config.WindowConfig{{Start: "9am", End: "17:00"}}}); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func newQueue() *jobs.Queue {
	return jobs.New(jobs.NewMemoryStore(), config.QueueConfig{}, logger.NewNop())
}

func TestTriggerManualRunsOnce(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	trigger := NewTrigger(q, jobs.DefaultPolicy(), logger.NewNop())

	id, err := trigger.Fire(ctx, true)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	job, err := q.Get(ctx, jobs.KindScheduleTrigger, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.MaxAttempts() != 1 {
		t.Fatalf("manual trigger must not retry, attempts=%d", job.MaxAttempts())
	}
	var payload domain.ScheduleTrigger
	if err := job.Decode(&payload); err != nil || !payload.Manual {
		t.Fatalf("unexpected payload %+v err=%v", payload, err)
	}

	id, _ = trigger.Fire(ctx, false)
	job, _ = q.Get(ctx, jobs.KindScheduleTrigger, id)
	if job.MaxAttempts() != 3 {
		t.Fatalf("scheduled trigger attempts = %d, want 3", job.MaxAttempts())
	}
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, jobs.Kind, any, jobs.Policy) (string, error) {
	return "", apperrors.ErrQueueUnavailable
}

func TestTriggerSurfacesQueueUnavailable(t *testing.T) {
	trigger := NewTrigger(brokenQueue{}, jobs.DefaultPolicy(), nil)
	id, err := trigger.Fire(context.Background(), true)
	if !errors.Is(err, apperrors.ErrQueueUnavailable) || id != "" {
		t.Fatalf("expected queue unavailable, got id=%q err=%v", id, err)
	}
}

func TestTickEnqueuesOncePerSlot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	q := newQueue()
	trigger := NewTrigger(q, jobs.DefaultPolicy(), nil)
	locker := NewRedisLocker(client, "test")

	a, err := New(config.SchedulerConfig{Cron: "*/5 * * * *"}, trigger, locker, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, _ := New(config.SchedulerConfig{Cron: "*/5 * * * *"}, trigger, locker, nil)

	at := time.Date(2024, 3, 4, 10, 5, 0, 0, time.UTC)
	a.tick(ctx, at)
	b.tick(ctx, at.Add(2*time.Second))

	counts, _ := q.Counts(ctx, jobs.KindScheduleTrigger)
	if counts.Waiting != 1 {
		t.Fatalf("expected one trigger per slot, got %d", counts.Waiting)
	}

	a.tick(ctx, at.Add(5*time.Minute))
	counts, _ = q.Counts(ctx, jobs.KindScheduleTrigger)
	if counts.Waiting != 2 {
		t.Fatalf("expected next slot to enqueue, got %d", counts.Waiting)
	}
}

func TestSchedulerNextActivation(t *testing.T) {
	s, err := New(config.SchedulerConfig{Cron: "*/5 * * * *"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	next := s.Next(time.Date(2024, 3, 4, 10, 1, 30, 0, time.UTC))
	want := time.Date(2024, 3, 4, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := New(config.SchedulerConfig{Cron: "every five"}, nil, nil, nil); err == nil {
		t.Fatalf("expected invalid cron to be rejected")
	}
}
