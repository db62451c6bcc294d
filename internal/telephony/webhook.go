package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/acme/outbound-dialer/internal/domain"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// ParseStatus maps a normalized wire status onto the closed status set.
func ParseStatus(raw string) (domain.CallStatus, error) {
	switch domain.CallStatus(raw) {
	case domain.CallStatusRinging:
		return domain.CallStatusRinging, nil
	case domain.CallStatusInProgress:
		return domain.CallStatusInProgress, nil
	case domain.CallStatusCompleted:
		return domain.CallStatusCompleted, nil
	case domain.CallStatusFailed:
		return domain.CallStatusFailed, nil
	case domain.CallStatusNoAnswer:
		return domain.CallStatusNoAnswer, nil
	case domain.CallStatusBusy:
		return domain.CallStatusBusy, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidWebhookPayload, raw)
	}
}

type jsonWebhook struct {
	VendorCallID string        `json:"vendorCallId"`
	Status       *string       `json:"status"`
	Metadata     *CallMetadata `json:"metadata"`
	Transcript   *string       `json:"transcript"`
	RecordingURL *string       `json:"recordingUrl"`
	Duration     *int          `json:"duration"`
	Timestamp    *time.Time    `json:"timestamp"`
}

// ParseJSONWebhook decodes the normalized JSON callback shape shared by
// vendors that already speak it. Unknown fields are ignored; vendorCallId
// and status are required. A missing timestamp defaults to receivedAt.
func ParseJSONWebhook(body []byte, receivedAt time.Time) (CallWebhookPayload, error) {
	var in jsonWebhook
	if err := json.Unmarshal(body, &in); err != nil {
		return CallWebhookPayload{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidWebhookPayload, err)
	}
	if strings.TrimSpace(in.VendorCallID) == "" {
		return CallWebhookPayload{}, fmt.Errorf("%w: vendorCallId is required", apperrors.ErrInvalidWebhookPayload)
	}
	if in.Status == nil {
		return CallWebhookPayload{}, fmt.Errorf("%w: status is required", apperrors.ErrInvalidWebhookPayload)
	}
	status, err := ParseStatus(*in.Status)
	if err != nil {
		return CallWebhookPayload{}, err
	}
	if in.Duration != nil && *in.Duration < 0 {
		return CallWebhookPayload{}, fmt.Errorf("%w: negative duration", apperrors.ErrInvalidWebhookPayload)
	}

	ts := receivedAt.UTC()
	if in.Timestamp != nil {
		ts = in.Timestamp.UTC()
	}
	return CallWebhookPayload{
		VendorCallID: in.VendorCallID,
		Status:       status,
		Metadata:     in.Metadata,
		Transcript:   in.Transcript,
		RecordingURL: in.RecordingURL,
		Duration:     in.Duration,
		Timestamp:    ts,
	}, nil
}
