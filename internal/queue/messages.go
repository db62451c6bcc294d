package queue

import (
	"encoding/json"
	"time"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/telephony"
)

// StatusMessage is a normalized vendor webhook travelling from the API to
// the status worker.
type StatusMessage struct {
	Provider     string            `json:"provider"`
	Verification string            `json:"verification"`
	VendorCallID string            `json:"vendor_call_id"`
	CallID       string            `json:"call_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Status       domain.CallStatus `json:"status"`
	Transcript   *string           `json:"transcript,omitempty"`
	RecordingURL *string           `json:"recording_url,omitempty"`
	Duration     *int              `json:"duration,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
	ReceivedAt   time.Time         `json:"received_at"`
}

// NewStatusMessage builds the message for a parsed webhook.
func NewStatusMessage(provider string, p telephony.CallWebhookPayload, v telephony.Verification, receivedAt time.Time) StatusMessage {
	msg := StatusMessage{
		Provider:     provider,
		Verification: string(v),
		VendorCallID: p.VendorCallID,
		Status:       p.Status,
		Transcript:   p.Transcript,
		RecordingURL: p.RecordingURL,
		Duration:     p.Duration,
		OccurredAt:   p.Timestamp.UTC(),
		ReceivedAt:   receivedAt.UTC(),
	}
	if p.Metadata != nil {
		msg.CallID = p.Metadata.CallID
		msg.UserID = p.Metadata.UserID
	}
	return msg
}

// Update converts the message to the user store contract.
func (m StatusMessage) Update() domain.CallStatusUpdate {
	return domain.CallStatusUpdate{
		VendorCallID: m.VendorCallID,
		CallID:       m.CallID,
		Status:       m.Status,
		Transcript:   m.Transcript,
		RecordingURL: m.RecordingURL,
		Duration:     m.Duration,
		OccurredAt:   m.OccurredAt,
	}
}

// Event converts the message to a timeline entry.
func (m StatusMessage) Event() domain.CallEvent {
	return domain.CallEvent{
		VendorCallID: m.VendorCallID,
		CallID:       m.CallID,
		UserID:       m.UserID,
		Provider:     m.Provider,
		Status:       m.Status,
		Duration:     m.Duration,
		RecordingURL: m.RecordingURL,
		OccurredAt:   m.OccurredAt,
	}
}

// DeadLetterMessage describes a job that exhausted its attempts.
type DeadLetterMessage struct {
	JobID       string          `json:"job_id"`
	Kind        string          `json:"kind"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Error       string          `json:"error"`
	Payload     json.RawMessage `json:"payload"`
	FailedAt    time.Time       `json:"failed_at"`
}
