package scheduler

import (
	"fmt"
	"time"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/domain"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// CallingHours restricts dialing to local time windows. The zero value
// allows every instant.
type CallingHours struct {
	loc     *time.Location
	windows []domain.CallingWindow
}

// NewCallingHours parses the configured windows. Start and end use "15:04".
func NewCallingHours(cfg config.CallingHoursConfig) (*CallingHours, error) {
	loc := time.UTC
	if cfg.TimeZone != "" {
		l, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("%w: calling hours time zone %q: %v", apperrors.ErrValidation, cfg.TimeZone, err)
		}
		loc = l
	}

	windows := make([]domain.CallingWindow, 0, len(cfg.Windows))
	for _, w := range cfg.Windows {
		if w.DayOfWeek < 0 || w.DayOfWeek > 6 {
			return nil, fmt.Errorf("%w: calling hours day_of_week %d", apperrors.ErrValidation, w.DayOfWeek)
		}
		start, err := time.Parse("15:04", w.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: calling hours start %q", apperrors.ErrValidation, w.Start)
		}
		end, err := time.Parse("15:04", w.End)
		if err != nil {
			return nil, fmt.Errorf("%w: calling hours end %q", apperrors.ErrValidation, w.End)
		}
		windows = append(windows, domain.CallingWindow{DayOfWeek: time.Weekday(w.DayOfWeek), Start: start, End: end})
	}
	return &CallingHours{loc: loc, windows: windows}, nil
}

// Allows reports whether now falls inside any window.
func (c *CallingHours) Allows(now time.Time) bool {
	if c == nil || len(c.windows) == 0 {
		return true
	}
	return withinWindows(now.In(c.loc), c.windows)
}

func withinWindows(local time.Time, windows []domain.CallingWindow) bool {
	minuteOfDay := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()

	for _, window := range windows {
		start := window.Start.Hour()*60 + window.Start.Minute()
		end := window.End.Hour()*60 + window.End.Minute()

		if end <= start {
			// spans midnight
			nextDay := time.Weekday((int(window.DayOfWeek) + 1) % 7)
			if window.DayOfWeek == weekday && minuteOfDay >= start {
				return true
			}
			if nextDay == weekday && minuteOfDay < end {
				return true
			}
			continue
		}

		if window.DayOfWeek == weekday && minuteOfDay >= start && minuteOfDay < end {
			return true
		}
	}
	return false
}
