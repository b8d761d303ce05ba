// Package throttle decides whether a cached summary is still inside its
// throttle window. All timestamps are unix milliseconds.
package throttle

import "time"

// Decision is the per-request freshness verdict for a stored entry.
type Decision struct {
	Fresh bool
	// Remaining is the time left in the window; zero unless Fresh.
	Remaining time.Duration
	// NextEligibleAt is the earliest unix millisecond at which a new
	// generation is allowed.
	NextEligibleAt int64
}

// Decide reports whether generatedAt is still fresh at now. The window is
// half-open: an entry exactly window old is expired. A generatedAt in the
// future is reported as fresh with Remaining larger than window.
func Decide(now, generatedAt int64, window time.Duration) Decision {
	windowMS := window.Milliseconds()
	age := now - generatedAt
	d := Decision{NextEligibleAt: generatedAt + windowMS}
	if age < windowMS {
		d.Fresh = true
		d.Remaining = time.Duration(windowMS-age) * time.Millisecond
	}
	return d
}
