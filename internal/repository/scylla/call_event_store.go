package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-dialer/internal/domain"
)

// CallEventStore keeps the webhook timeline per vendor call in Scylla.
//
//	CREATE TABLE call_events (
//	  vendor_call_id text, occurred_at timestamp, status text,
//	  call_id text, user_id text, provider text, duration int, recording_url text,
//	  PRIMARY KEY (vendor_call_id, occurred_at, status)
//	) WITH CLUSTERING ORDER BY (occurred_at ASC, status ASC);
type CallEventStore struct {
	session *gocql.Session
}

// NewCallEventStore creates a new event store.
func NewCallEventStore(session *gocql.Session) *CallEventStore {
	return &CallEventStore{session: session}
}

// AppendEvent records one status event. Redelivered webhooks overwrite the
// same row.
func (s *CallEventStore) AppendEvent(ctx context.Context, ev domain.CallEvent) error {
	if err := s.session.Query(`INSERT INTO call_events (vendor_call_id, occurred_at, status, call_id, user_id, provider, duration, recording_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.VendorCallID, ev.OccurredAt.UTC(), string(ev.Status), ev.CallID, ev.UserID, ev.Provider, ev.Duration, ev.RecordingURL,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call events: insert: %w", err)
	}
	return nil
}

// ListEvents returns the timeline of a call, oldest first, with pagination.
func (s *CallEventStore) ListEvents(ctx context.Context, vendorCallID string, limit int, pagingState []byte) ([]domain.CallEvent, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT occurred_at, status, call_id, user_id, provider, duration, recording_url
		FROM call_events WHERE vendor_call_id = ?`, vendorCallID).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	events := make([]domain.CallEvent, 0, limit)

	var (
		occurredAt   time.Time
		status       string
		callID       string
		userID       string
		provider     string
		duration     *int
		recordingURL *string
	)
	for iter.Scan(&occurredAt, &status, &callID, &userID, &provider, &duration, &recordingURL) {
		events = append(events, domain.CallEvent{
			VendorCallID: vendorCallID,
			CallID:       callID,
			UserID:       userID,
			Provider:     provider,
			Status:       domain.CallStatus(status),
			Duration:     duration,
			RecordingURL: recordingURL,
			OccurredAt:   occurredAt,
		})
		duration, recordingURL = nil, nil
		if len(events) == limit {
			break
		}
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("call events: iter close: %w", err)
	}
	return events, iter.PageState(), nil
}
