package transport

import "time"

// TimeProvider is an interface for getting the current time and creating timers.
// This allows injecting a mock time provider for deterministic testing of
// retransmission schedules and buffering deadlines.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// NewTicker creates a new ticker that fires at the given interval.
	NewTicker(d time.Duration) *time.Ticker
	// NewTimer creates a new timer that fires after the given duration.
	NewTimer(d time.Duration) *time.Timer
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// NewTicker creates a new ticker using the standard library.
func (RealTimeProvider) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// NewTimer creates a new timer using the standard library.
func (RealTimeProvider) NewTimer(d time.Duration) *time.Timer {
	return time.NewTimer(d)
}

// GetTimeProvider returns tp if non-nil, otherwise a RealTimeProvider.
func GetTimeProvider(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return RealTimeProvider{}
}

// StopTimer stops t and drains its channel so it can be safely reset.
func StopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
