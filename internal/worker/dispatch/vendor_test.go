package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/jobs"
	"github.com/acme/outbound-dialer/internal/telephony/rest"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// vendorServer answers /calls with the scripted status codes in order and
// records the Idempotency-Key of every request.
type vendorServer struct {
	mu    sync.Mutex
	codes []int
	keys  []string
}

func (v *vendorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys = append(v.keys, r.Header.Get("Idempotency-Key"))
	code := http.StatusCreated
	if len(v.codes) > 0 {
		code, v.codes = v.codes[0], v.codes[1:]
	}
	w.WriteHeader(code)
	if code == http.StatusCreated {
		_, _ = w.Write([]byte(`{"id":"v-42","status":"queued"}`))
	} else {
		_, _ = w.Write([]byte(`{"error":"vendor says no"}`))
	}
}

func runVendorDispatch(t *testing.T, codes ...int) (*vendorServer, *fakeUsers, *jobs.Job) {
	t.Helper()
	vendor := &vendorServer{codes: codes}
	srv := httptest.NewServer(vendor)
	t.Cleanup(srv.Close)

	provider := rest.NewProvider(config.ProviderConfig{
		RequestTimeout: 2 * time.Second,
		REST:           config.RESTConfig{BaseURL: srv.URL, APIKey: "key-1"},
	})
	c := newClock()
	h := &harness{
		clock: c,
		queue: jobs.New(jobs.NewMemoryStore(), config.QueueConfig{}, logger.NewNop(), jobs.WithClock(c.Now)),
		users: &fakeUsers{},
	}
	h.handler = New(provider, h.users, newLedger(t), "agent-7", time.Second, logger.NewNop())
	h.queue.Process(jobs.KindUserCall, 1, h.handler.Handle)

	id := h.enqueue(t, "u1")
	h.runOnce(t)
	h.clock.Advance(2 * time.Second)
	h.runOnce(t)

	job, err := h.queue.Get(context.Background(), jobs.KindUserCall, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return vendor, h.users, job
}

func TestDispatchVendorServerErrorKeepsIdempotencyKey(t *testing.T) {
	vendor, users, job := runVendorDispatch(t, http.StatusGatewayTimeout)

	if len(vendor.keys) != 2 {
		t.Fatalf("expected 2 vendor requests, got %d", len(vendor.keys))
	}
	if vendor.keys[0] == "" || vendor.keys[0] != vendor.keys[1] {
		t.Fatalf("retry after 504 must reuse the idempotency key, got %v", vendor.keys)
	}
	if job.State != jobs.StateCompleted {
		t.Fatalf("expected completed job, got %s", job.State)
	}
	if len(users.recorded) != 1 || users.recorded[0].callID != vendor.keys[0] || users.recorded[0].vendorCallID != "v-42" {
		t.Fatalf("unexpected recorded calls %+v", users.recorded)
	}
}

func TestDispatchVendorRejectionRotatesIdempotencyKey(t *testing.T) {
	vendor, _, job := runVendorDispatch(t, http.StatusUnprocessableEntity)

	if len(vendor.keys) != 2 {
		t.Fatalf("expected 2 vendor requests, got %d", len(vendor.keys))
	}
	if vendor.keys[0] == vendor.keys[1] {
		t.Fatalf("rejected call id must not be reused, got %v", vendor.keys)
	}
	if job.State != jobs.StateCompleted {
		t.Fatalf("expected completed job, got %s", job.State)
	}
}
