package domain

import (
	"time"
	_ "time/tzdata"
)

// RateLimitSettings governs how fast and when the dispatch worker may send.
type RateLimitSettings struct {
	MinDelay  time.Duration
	MaxDelay  time.Duration
	Jitter    time.Duration
	PerMinute int
	PerHour   int
	// WindowStart and WindowEnd are minutes after local midnight. When end is
	// not after start the window spans midnight. Equal values mean always open.
	WindowStart        int
	WindowEnd          int
	TimeZone           string
	EnforceWindow      bool
	QueueOutsideWindow bool
	RetryBaseDelay     time.Duration
	RetryMultiplier    float64
	RetryMaxDelay      time.Duration
	MediaDelay         time.Duration
}

// InWindow reports whether now falls inside the daily send window.
func (s RateLimitSettings) InWindow(now time.Time) bool {
	if !s.EnforceWindow || s.WindowStart == s.WindowEnd {
		return true
	}

	loc := time.UTC
	if s.TimeZone != "" {
		if l, err := time.LoadLocation(s.TimeZone); err == nil {
			loc = l
		}
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if s.WindowEnd <= s.WindowStart {
		// window spans midnight
		return minute >= s.WindowStart || minute < s.WindowEnd
	}
	return minute >= s.WindowStart && minute < s.WindowEnd
}
