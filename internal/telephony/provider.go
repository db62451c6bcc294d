package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/domain"
	"golang.org/x/time/rate"
)

// CallMetadata travels with a call and is echoed back in vendor webhooks so
// status updates can be correlated with the job that placed the call.
type CallMetadata struct {
	CallID string
	UserID string
	Name   *string
	Extra  map[string]string
}

// MarshalJSON flattens Extra next to the well-known keys.
func (m CallMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["call_id"] = m.CallID
	out["user_id"] = m.UserID
	if m.Name != nil {
		out["name"] = *m.Name
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts unknown keys into Extra.
func (m *CallMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = CallMetadata{}
	for k, v := range raw {
		switch k {
		case "call_id":
			m.CallID = stringValue(v)
		case "user_id":
			m.UserID = stringValue(v)
		case "name":
			if v != nil {
				name := stringValue(v)
				m.Name = &name
			}
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[k] = stringValue(v)
		}
	}
	return nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// InitiateCallRequest asks a vendor to place one call.
type InitiateCallRequest struct {
	ToNumber string
	AgentID  string
	Metadata CallMetadata
	// IdempotencyKey is forwarded to vendors that support it.
	IdempotencyKey string
}

// InitiateCallResponse is the normalized vendor answer.
type InitiateCallResponse struct {
	Success      bool
	CallID       string
	VendorCallID string
	Status       string
	Message      string
	Error        string
}

// CallWebhookPayload is the normalized vendor status callback.
type CallWebhookPayload struct {
	VendorCallID string
	Status       domain.CallStatus
	Metadata     *CallMetadata
	Transcript   *string
	RecordingURL *string
	Duration     *int
	Timestamp    time.Time
}

// CallID returns the correlation id echoed in metadata, if any.
func (p CallWebhookPayload) CallID() string {
	if p.Metadata == nil {
		return ""
	}
	return p.Metadata.CallID
}

// WebhookRequest is the raw inbound callback handed to a provider.
type WebhookRequest struct {
	Body        []byte
	Header      http.Header
	URL         string
	ContentType string
}

// CallProvider abstracts one call vendor.
type CallProvider interface {
	Name() string
	// InitiateCall places a call. It is not idempotent: each invocation may
	// ring a phone unless the vendor honours IdempotencyKey.
	InitiateCall(ctx context.Context, req InitiateCallRequest) (InitiateCallResponse, error)
	// ParseWebhook validates a raw callback and normalizes it.
	ParseWebhook(req WebhookRequest) (CallWebhookPayload, error)
}

// SignatureVerifier is implemented by providers that sign their webhooks.
type SignatureVerifier interface {
	VerifyWebhookSignature(req WebhookRequest) error
}

// Verification is the outcome of checking a webhook signature.
type Verification string

const (
	VerificationUnsupported Verification = "unsupported"
	VerificationPassed      Verification = "passed"
)

// ErrSignatureUnsupported is returned by verifiers that lack the secret needed to check signatures.
var ErrSignatureUnsupported = errors.New("telephony: signature verification not supported")

// VerifyWebhook checks the signature when the provider supports it. A
// provider without verification yields VerificationUnsupported, never
// VerificationPassed. A bad signature returns ErrInvalidSignature.
func VerifyWebhook(p CallProvider, req WebhookRequest) (Verification, error) {
	v, ok := p.(SignatureVerifier)
	if !ok {
		return VerificationUnsupported, nil
	}
	err := v.VerifyWebhookSignature(req)
	switch {
	case err == nil:
		return VerificationPassed, nil
	case errors.Is(err, ErrSignatureUnsupported):
		return VerificationUnsupported, nil
	default:
		return "", err
	}
}

// NewLimiter builds the outbound request limiter shared by HTTP vendors.
func NewLimiter(cfg config.ProviderConfig) *rate.Limiter {
	if cfg.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
}

// ErrAmbiguousOutcome marks vendor answers that do not tell whether the call
// was placed. Callers must retry with the same call id.
var ErrAmbiguousOutcome = errors.New("vendor outcome unknown")

// AmbiguousHTTPStatus reports whether an HTTP vendor answer leaves the call
// outcome unknown: request timeouts and server-side errors.
func AmbiguousHTTPStatus(code int) bool {
	return code == http.StatusRequestTimeout || code >= http.StatusInternalServerError
}
