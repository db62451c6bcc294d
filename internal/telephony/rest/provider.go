// Package rest talks to vendors exposing a JSON call API with bearer auth,
// idempotency keys and HMAC-SHA256 signed webhooks.
package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

const signatureHeader = "X-Signature"

// Provider is a generic JSON vendor client.
type Provider struct {
	baseURL string
	apiKey  string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewProvider builds the client. The HTTP client timeout mirrors the
// provider request timeout.
func NewProvider(cfg config.ProviderConfig) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(cfg.REST.BaseURL, "/"),
		apiKey:  cfg.REST.APIKey,
		secret:  cfg.REST.WebhookSecret,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: telephony.NewLimiter(cfg),
		now:     time.Now,
	}
}

func (p *Provider) Name() string { return "rest" }

type initiateBody struct {
	ToNumber string                 `json:"to_number"`
	AgentID  string                 `json:"agent_id"`
	Metadata telephony.CallMetadata `json:"metadata"`
}

type initiateReply struct {
	ID      string `json:"id"`
	CallID  string `json:"call_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// InitiateCall posts to /calls. 4xx rejections come back as Success=false.
// Transport failures, timeouts, 408 and 5xx answers are returned as errors
// because the vendor-side outcome is unknown.
func (p *Provider) InitiateCall(ctx context.Context, req telephony.InitiateCallRequest) (telephony.InitiateCallResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return telephony.InitiateCallResponse{}, fmt.Errorf("rest: rate limit: %w", err)
	}

	body, err := json.Marshal(initiateBody{ToNumber: req.ToNumber, AgentID: req.AgentID, Metadata: req.Metadata})
	if err != nil {
		return telephony.InitiateCallResponse{}, fmt.Errorf("rest: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/calls", bytes.NewReader(body))
	if err != nil {
		return telephony.InitiateCallResponse{}, fmt.Errorf("rest: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return telephony.InitiateCallResponse{}, fmt.Errorf("rest: initiate call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return telephony.InitiateCallResponse{}, fmt.Errorf("rest: read response: %w", err)
	}

	if telephony.AmbiguousHTTPStatus(resp.StatusCode) {
		return telephony.InitiateCallResponse{}, fmt.Errorf("rest: initiate call: %w: vendor returned %d", telephony.ErrAmbiguousOutcome, resp.StatusCode)
	}

	var reply initiateReply
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil && resp.StatusCode < 300 {
			return telephony.InitiateCallResponse{}, fmt.Errorf("rest: decode response: %w", err)
		}
	}

	out := telephony.InitiateCallResponse{
		CallID:       req.Metadata.CallID,
		VendorCallID: reply.ID,
		Status:       reply.Status,
		Message:      reply.Message,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Success = true
		return out, nil
	}
	out.Error = reply.Error
	if out.Error == "" {
		out.Error = fmt.Sprintf("vendor returned %d", resp.StatusCode)
	}
	return out, nil
}

// ParseWebhook accepts the normalized JSON callback shape.
func (p *Provider) ParseWebhook(req telephony.WebhookRequest) (telephony.CallWebhookPayload, error) {
	return telephony.ParseJSONWebhook(req.Body, p.now())
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw body.
func (p *Provider) VerifyWebhookSignature(req telephony.WebhookRequest) error {
	if p.secret == "" {
		return telephony.ErrSignatureUnsupported
	}
	got, err := hex.DecodeString(req.Header.Get(signatureHeader))
	if err != nil || len(got) == 0 {
		return apperrors.ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(p.secret, req.Body)) {
		return apperrors.ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature a vendor attaches to body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
