package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNotAuthenticated is returned when a caller has no valid session.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrQueueUnavailable is returned when the job store cannot be reached.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrLookupFailed is returned when the user store cannot be queried during fan-out.
	ErrLookupFailed = errors.New("user lookup failed")
	// ErrProviderInitiationFailed is returned when the call vendor rejects or errors on a call.
	ErrProviderInitiationFailed = errors.New("provider initiation failed")
	// ErrInvalidWebhookPayload is returned for malformed vendor callbacks.
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")
	// ErrInvalidSignature is returned when a webhook signature does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
