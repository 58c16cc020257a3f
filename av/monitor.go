package av

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/phonecheck/transport"
	"github.com/sirupsen/logrus"
)

// ErrInvalidSchedule is returned for a non-positive interval or an
// active-hours bound outside 0-23.
var ErrInvalidSchedule = errors.New("invalid monitor schedule")

// Caller places one call. *Engine implements it.
type Caller interface {
	Run(ctx context.Context) *Result
	RunWithRetry(ctx context.Context) *Result
}

// Schedule spaces repeated checks and optionally confines them to a daily
// window of hours.
type Schedule struct {
	// Interval separates the start of consecutive checks.
	Interval time.Duration
	// ActiveFrom and ActiveUntil bound the checks to [from, until) hours
	// of the day in Location. Equal values allow every hour. A window may
	// wrap midnight, e.g. 22 to 6.
	ActiveFrom  int
	ActiveUntil int
	// Location interprets the window. Nil uses time.Local.
	Location *time.Location
}

// Validate checks the interval and window bounds.
func (s Schedule) Validate() error {
	if s.Interval <= 0 {
		return ErrInvalidSchedule
	}
	if s.ActiveFrom < 0 || s.ActiveFrom > 23 || s.ActiveUntil < 0 || s.ActiveUntil > 23 {
		return ErrInvalidSchedule
	}
	return nil
}

// Active reports whether t falls inside the daily window.
func (s Schedule) Active(t time.Time) bool {
	if s.ActiveFrom == s.ActiveUntil {
		return true
	}
	hour := t.In(s.location()).Hour()
	if s.ActiveFrom < s.ActiveUntil {
		return hour >= s.ActiveFrom && hour < s.ActiveUntil
	}
	return hour >= s.ActiveFrom || hour < s.ActiveUntil
}

// NextActive returns t itself when t is inside the window, otherwise the
// start of the next window.
func (s Schedule) NextActive(t time.Time) time.Time {
	if s.Active(t) {
		return t
	}
	local := t.In(s.location())
	start := time.Date(local.Year(), local.Month(), local.Day(), s.ActiveFrom, 0, 0, 0, local.Location())
	if !start.After(local) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}

// Next returns when the check following one started at last may run.
func (s Schedule) Next(last time.Time) time.Time {
	return s.NextActive(last.Add(s.Interval))
}

func (s Schedule) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.Local
}

// Monitor runs checks on a schedule and aggregates their results.
type Monitor struct {
	caller   Caller
	schedule Schedule
	metrics  *MetricsAggregator
	retry    bool
	time     transport.TimeProvider

	resultCallback func(result *Result)
}

// NewMonitor creates a monitor for caller. A nil metrics uses a new
// aggregator with the default history size.
//
// Parameters:
//   - caller: places each check call, usually an *Engine
//   - schedule: interval and active hours
//   - metrics: aggregator receiving every result
//
// Returns:
//   - *Monitor: monitor ready to Run
//   - error: ErrInvalidSchedule
func NewMonitor(caller Caller, schedule Schedule, metrics *MetricsAggregator) (*Monitor, error) {
	if caller == nil {
		return nil, errors.New("caller cannot be nil")
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NewMetricsAggregator(DefaultMaxHistory)
	}
	return &Monitor{
		caller:   caller,
		schedule: schedule,
		metrics:  metrics,
		retry:    true,
		time:     transport.GetTimeProvider(nil),
	}, nil
}

// SetRetry selects RunWithRetry (the default) or a single Run per check.
func (m *Monitor) SetRetry(retry bool) {
	m.retry = retry
}

// SetTimeProvider injects the clock. Nil restores the system clock.
func (m *Monitor) SetTimeProvider(tp transport.TimeProvider) {
	m.time = transport.GetTimeProvider(tp)
}

// OnResult registers a callback invoked after every check.
func (m *Monitor) OnResult(callback func(result *Result)) {
	m.resultCallback = callback
}

// Metrics returns the aggregator the monitor records into.
func (m *Monitor) Metrics() *MetricsAggregator {
	return m.metrics
}

// Run performs checks until ctx is done or, when checks is positive, until
// that many checks have run. The first check starts as soon as the window
// allows.
//
// Returns:
//   - error: nil after the requested checks, ctx.Err() when stopped early
func (m *Monitor) Run(ctx context.Context, checks int) error {
	next := m.schedule.NextActive(m.time.Now())

	for done := 0; checks <= 0 || done < checks; done++ {
		if err := m.waitUntil(ctx, next); err != nil {
			return err
		}

		started := m.time.Now()
		logrus.WithFields(logrus.Fields{
			"function": "Monitor.Run",
			"check":    done + 1,
		}).Info("Starting scheduled check")

		var result *Result
		if m.retry {
			result = m.caller.RunWithRetry(ctx)
		} else {
			result = m.caller.Run(ctx)
		}
		m.metrics.Record(result)
		if m.resultCallback != nil {
			m.resultCallback(result)
		}

		next = m.schedule.Next(started)
		logrus.WithFields(logrus.Fields{
			"function": "Monitor.Run",
			"state":    result.State.String(),
			"next":     next.Format(time.RFC3339),
		}).Info("Scheduled check finished")
	}
	return nil
}

func (m *Monitor) waitUntil(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := at.Sub(m.time.Now())
	if wait <= 0 {
		return nil
	}

	timer := m.time.NewTimer(wait)
	defer transport.StopTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
