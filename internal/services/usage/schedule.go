package usage

import "time"

// StaleAfter is how long a snapshot stays fresh after a successful fetch.
const StaleAfter = 660 * time.Second

// Interval returns the delay before the next poll after failures consecutive
// failed attempts.
func Interval(failures uint) time.Duration {
	switch {
	case failures < 3:
		return 120 * time.Second
	case failures < 6:
		return 300 * time.Second
	case failures < 10:
		return 600 * time.Second
	default:
		return 1800 * time.Second
	}
}

// IsStale reports whether a snapshot fetched at last is stale at now.
// A missing fetch time is always stale.
func IsStale(last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) > StaleAfter
}
