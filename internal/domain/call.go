package domain

import (
	"time"
)

// ScheduleTrigger is the payload of a fan-out job.
type ScheduleTrigger struct {
	TriggeredAt time.Time `json:"triggeredAt"`
	Manual      bool      `json:"manual"`
}

// UserCallJob is the payload of a per-user dispatch job.
type UserCallJob struct {
	UserID      string    `json:"userId"`
	Phone       string    `json:"phone"`
	Name        *string   `json:"name,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// DueUser is a user whose next call time has arrived and who has been
// claimed for that window by the user store.
type DueUser struct {
	UserID      string
	Phone       string
	Name        *string
	ScheduledAt time.Time
}

// CallStatus enumerates the normalized lifecycle stages reported by vendors.
type CallStatus string

const (
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
)

// Terminal reports whether no further status updates are expected.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return true
	default:
		return false
	}
}

// CallStatusUpdate is the normalized status change applied to the user store.
type CallStatusUpdate struct {
	VendorCallID string
	CallID       string
	Status       CallStatus
	Transcript   *string
	RecordingURL *string
	Duration     *int
	OccurredAt   time.Time
}

// CallEvent captures one status webhook in the call timeline.
type CallEvent struct {
	VendorCallID string
	CallID       string
	UserID       string
	Provider     string
	Status       CallStatus
	Duration     *int
	RecordingURL *string
	OccurredAt   time.Time
}

// CallingWindow captures an allowed calling window for a day of week.
type CallingWindow struct {
	DayOfWeek time.Weekday
	Start     time.Time
	End       time.Time
}
