package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/acme/outbound-dialer/internal/domain"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

var receivedAt = time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

func TestParseJSONWebhookPreservesInProgress(t *testing.T) {
	body := []byte(`{
		"vendorCallId": "v-123",
		"status": "in_progress",
		"metadata": {"call_id": "c-1", "user_id": "u-1", "name": "Ada", "campaign": "spring"},
		"duration": 12,
		"timestamp": "2024-05-06T11:59:00Z",
		"someFutureField": {"nested": true}
	}`)

	got, err := ParseJSONWebhook(body, receivedAt)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Status != domain.CallStatusInProgress {
		t.Fatalf("expected in_progress, got %q", got.Status)
	}
	if got.VendorCallID != "v-123" || got.CallID() != "c-1" {
		t.Fatalf("unexpected correlation keys %+v", got)
	}
	if got.Metadata.Name == nil || *got.Metadata.Name != "Ada" || got.Metadata.Extra["campaign"] != "spring" {
		t.Fatalf("metadata not preserved: %+v", got.Metadata)
	}
	if got.Duration == nil || *got.Duration != 12 {
		t.Fatalf("duration not preserved")
	}
	if !got.Timestamp.Equal(time.Date(2024, 5, 6, 11, 59, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", got.Timestamp)
	}
}

func TestParseJSONWebhookRejectsUnknownStatus(t *testing.T) {
	body := []byte(`{"vendorCallId": "v-123", "status": "unknown_status"}`)
	if _, err := ParseJSONWebhook(body, receivedAt); !errors.Is(err, apperrors.ErrInvalidWebhookPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestParseJSONWebhookMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"vendorCallId":`,
		"missing vendor":   `{"status": "completed"}`,
		"missing status":   `{"vendorCallId": "v"}`,
		"negative seconds": `{"vendorCallId": "v", "status": "completed", "duration": -1}`,
		"array":            `[]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseJSONWebhook([]byte(body), receivedAt); !errors.Is(err, apperrors.ErrInvalidWebhookPayload) {
				t.Fatalf("expected invalid payload, got %v", err)
			}
		})
	}
}

func TestParseJSONWebhookDefaultsTimestamp(t *testing.T) {
	got, err := ParseJSONWebhook([]byte(`{"vendorCallId": "v", "status": "busy"}`), receivedAt)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Timestamp.Equal(receivedAt) || got.Metadata != nil {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestParseStatusCoversClosedSet(t *testing.T) {
	for _, s := range []string{"ringing", "in_progress", "completed", "failed", "no_answer", "busy"} {
		got, err := ParseStatus(s)
		if err != nil || string(got) != s {
			t.Fatalf("ParseStatus(%q) = %q, %v", s, got, err)
		}
	}
	for _, s := range []string{"", "in-progress", "COMPLETED", "queued"} {
		if _, err := ParseStatus(s); err == nil {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestCallMetadataRoundTripKeepsExtra(t *testing.T) {
	name := "Grace"
	in := CallMetadata{CallID: "c", UserID: "u", Name: &name, Extra: map[string]string{"locale": "en-GB"}}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out CallMetadata
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.CallID != "c" || out.UserID != "u" || *out.Name != "Grace" || out.Extra["locale"] != "en-GB" {
		t.Fatalf("unexpected metadata %+v", out)
	}
}

type plainProvider struct{}

func (plainProvider) Name() string { return "plain" }
func (plainProvider) InitiateCall(_ context.Context, _ InitiateCallRequest) (InitiateCallResponse, error) {
	return InitiateCallResponse{}, nil
}
func (plainProvider) ParseWebhook(WebhookRequest) (CallWebhookPayload, error) {
	return CallWebhookPayload{}, nil
}

type signingProvider struct {
	plainProvider
	err error
}

func (p signingProvider) VerifyWebhookSignature(WebhookRequest) error { return p.err }

func TestVerifyWebhook(t *testing.T) {
	if v, err := VerifyWebhook(plainProvider{}, WebhookRequest{}); err != nil || v != VerificationUnsupported {
		t.Fatalf("absent verifier must be unsupported, got %q %v", v, err)
	}
	if v, err := VerifyWebhook(signingProvider{}, WebhookRequest{}); err != nil || v != VerificationPassed {
		t.Fatalf("expected passed, got %q %v", v, err)
	}
	if v, err := VerifyWebhook(signingProvider{err: ErrSignatureUnsupported}, WebhookRequest{}); err != nil || v != VerificationUnsupported {
		t.Fatalf("expected unsupported, got %q %v", v, err)
	}
	if _, err := VerifyWebhook(signingProvider{err: apperrors.ErrInvalidSignature}, WebhookRequest{}); !errors.Is(err, apperrors.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}
