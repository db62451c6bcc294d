package repository

import (
	"context"
	"time"

	"github.com/acme/outbound-dialer/internal/domain"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// UserStore is the narrow contract the dialer needs from the user/call store.
type UserStore interface {
	// FindUsersDueForCall atomically claims up to limit users whose next
	// call time is at or before now and who are not already claimed for
	// that time. A claimed user is never returned again for the same window.
	FindUsersDueForCall(ctx context.Context, now time.Time, limit int) ([]domain.DueUser, error)
	// ReleaseClaims makes users eligible again when their dispatch job
	// could not be enqueued.
	ReleaseClaims(ctx context.Context, users []domain.DueUser) error
	// RecordCallInitiated stores a placed call. It is safe to repeat.
	RecordCallInitiated(ctx context.Context, callID, vendorCallID, userID string) error
	// RecordCallStatus applies a vendor status update, matching on the
	// vendor call id or the echoed call id.
	RecordCallStatus(ctx context.Context, update domain.CallStatusUpdate) error
}

// CallEventStore keeps the per-call webhook timeline.
type CallEventStore interface {
	AppendEvent(ctx context.Context, event domain.CallEvent) error
	ListEvents(ctx context.Context, vendorCallID string, limit int, pagingState []byte) ([]domain.CallEvent, []byte, error)
}
