package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) == 0 {
		r.mu.Unlock()
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	r.mu.Unlock()
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeUsers struct {
	mu       sync.Mutex
	updates  []domain.CallStatusUpdate
	err      error
	failures []error
	onRecord func(n int)
}

func (f *fakeUsers) FindUsersDueForCall(context.Context, time.Time, int) ([]domain.DueUser, error) {
	return nil, nil
}
func (f *fakeUsers) ReleaseClaims(context.Context, []domain.DueUser) error { return nil }
func (f *fakeUsers) RecordCallInitiated(context.Context, string, string, string) error {
	return nil
}
func (f *fakeUsers) RecordCallStatus(_ context.Context, u domain.CallStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	if f.onRecord != nil {
		f.onRecord(len(f.updates))
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	return f.err
}

type fakeEvents struct {
	events []domain.CallEvent
}

func (f *fakeEvents) AppendEvent(_ context.Context, ev domain.CallEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) ListEvents(context.Context, string, int, []byte) ([]domain.CallEvent, []byte, error) {
	return f.events, nil, nil
}

func encode(t *testing.T, msg queue.StatusMessage) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestWorkerAppliesAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 1, Value: encode(t, queue.StatusMessage{Provider: "rest", VendorCallID: "v-1", CallID: "c-1", Status: domain.CallStatusInProgress, OccurredAt: at})},
		{Offset: 2, Value: []byte("not json")},
		{Offset: 3, Value: encode(t, queue.StatusMessage{Provider: "rest", VendorCallID: "v-1", CallID: "c-1", Status: domain.CallStatusCompleted, OccurredAt: at.Add(time.Minute)})},
	}}
	users := &fakeUsers{}
	events := &fakeEvents{}

	w := New(reader, users, events, nil)
	if err := w.Run(ctx); err != context.Canceled {
		t.Fatalf("expected cancellation, got %v", err)
	}

	if len(users.updates) != 2 || users.updates[1].Status != domain.CallStatusCompleted || users.updates[0].CallID != "c-1" {
		t.Fatalf("unexpected updates %+v", users.updates)
	}
	if len(events.events) != 2 || events.events[0].Provider != "rest" {
		t.Fatalf("unexpected events %+v", events.events)
	}
	if len(reader.committed) != 3 {
		t.Fatalf("expected every offset committed, got %v", reader.committed)
	}
}

func TestWorkerKeepsTimelineForUnknownCall(t *testing.T) {
	users := &fakeUsers{err: repository.ErrNotFound}
	events := &fakeEvents{}
	w := New(&fakeReader{}, users, events, nil)

	if err := w.Apply(context.Background(), queue.StatusMessage{VendorCallID: "v-9", Status: domain.CallStatusRinging}); err != nil {
		t.Fatalf("unknown call should not fail the message: %v", err)
	}
	if len(events.events) != 1 || events.events[0].VendorCallID != "v-9" {
		t.Fatalf("expected timeline entry, got %+v", events.events)
	}
}

func newFastWorker(reader MessageReader, users repository.UserStore, events repository.CallEventStore) *Worker {
	w := New(reader, users, events, nil)
	w.retryDelay = time.Millisecond
	w.maxRetryDelay = 2 * time.Millisecond
	return w
}

func TestWorkerRetriesTransientStoreFailureBeforeCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	down := errors.New("postgres: connection refused")
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 7, Value: encode(t, queue.StatusMessage{Provider: "rest", VendorCallID: "v-1", CallID: "c-1", Status: domain.CallStatusCompleted})},
		{Offset: 8, Value: encode(t, queue.StatusMessage{Provider: "rest", VendorCallID: "v-2", CallID: "c-2", Status: domain.CallStatusFailed})},
	}}
	users := &fakeUsers{failures: []error{down, down}}
	events := &fakeEvents{}

	w := newFastWorker(reader, users, events)
	if err := w.Run(ctx); err != context.Canceled {
		t.Fatalf("expected cancellation, got %v", err)
	}

	if len(users.updates) != 4 || users.updates[2].CallID != "c-1" || users.updates[3].CallID != "c-2" {
		t.Fatalf("expected c-1 retried until stored before c-2, got %+v", users.updates)
	}
	if len(events.events) != 2 {
		t.Fatalf("expected one timeline entry per message, got %+v", events.events)
	}
	if len(reader.committed) != 2 || reader.committed[0] != 7 || reader.committed[1] != 8 {
		t.Fatalf("unexpected commits %v", reader.committed)
	}
}

func TestWorkerLeavesOffsetUncommittedOnShutdownDuringRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 3, Value: encode(t, queue.StatusMessage{VendorCallID: "v-1", CallID: "c-1", Status: domain.CallStatusCompleted})},
	}}
	users := &fakeUsers{err: errors.New("postgres: timeout")}
	users.onRecord = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	events := &fakeEvents{}

	w := newFastWorker(reader, users, events)
	if err := w.Run(ctx); err != context.Canceled {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(reader.committed) != 0 {
		t.Fatalf("offset must stay uncommitted for redelivery, got %v", reader.committed)
	}
	if len(events.events) != 0 {
		t.Fatalf("timeline must not be written before the status is stored, got %+v", events.events)
	}
}

func TestApplyReturnsStoreFailure(t *testing.T) {
	down := errors.New("scylla: unavailable")
	w := New(&fakeReader{}, &fakeUsers{}, &failingEvents{err: down}, nil)

	err := w.Apply(context.Background(), queue.StatusMessage{VendorCallID: "v-1", Status: domain.CallStatusRinging})
	if !errors.Is(err, down) {
		t.Fatalf("expected timeline failure, got %v", err)
	}
}

type failingEvents struct {
	fakeEvents
	err error
}

func (f *failingEvents) AppendEvent(context.Context, domain.CallEvent) error { return f.err }
