package market

import "time"

// Clock abstracts wall-clock access so hold timers and daily cache keys are
// testable.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// UTCDay formats t as the UTC calendar day used to key daily signal caches.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
