package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/telephony"
)

// Provider simulates a vendor. It does not sign its webhooks.
type Provider struct {
	successRate float64
	latency     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewProvider constructs a mock provider. A zero seed uses the clock.
func NewProvider(cfg config.MockConfig) *Provider {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Provider{
		successRate: cfg.SuccessRate,
		latency:     cfg.Latency,
		rng:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
	}
}

func (p *Provider) Name() string { return "mock" }

// InitiateCall simulates placing a call.
func (p *Provider) InitiateCall(ctx context.Context, req telephony.InitiateCallRequest) (telephony.InitiateCallResponse, error) {
	if p.latency > 0 {
		select {
		case <-ctx.Done():
			return telephony.InitiateCallResponse{}, ctx.Err()
		case <-time.After(p.latency):
		}
	}

	p.mu.Lock()
	roll := p.rng.Float64()
	p.mu.Unlock()

	if roll >= p.successRate {
		return telephony.InitiateCallResponse{
			Success: false,
			CallID:  req.Metadata.CallID,
			Error:   "simulated vendor rejection",
		}, nil
	}
	return telephony.InitiateCallResponse{
		Success:      true,
		CallID:       req.Metadata.CallID,
		VendorCallID: "mock-" + uuid.NewString(),
		Status:       "queued",
		Message:      "call queued",
	}, nil
}

// ParseWebhook accepts the normalized JSON callback shape.
func (p *Provider) ParseWebhook(req telephony.WebhookRequest) (telephony.CallWebhookPayload, error) {
	return telephony.ParseJSONWebhook(req.Body, p.now())
}
