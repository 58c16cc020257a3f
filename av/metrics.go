// Package av provides aggregated reporting over repeated test calls.
//
// This file builds on quality.go: every finished Result is folded into a
// rolling history and a summary suitable for health reporting.
package av

import (
	"sync"
	"time"

	"github.com/opd-ai/phonecheck/failure"
	"github.com/sirupsen/logrus"
)

// DefaultMaxHistory is the number of check records kept by default.
const DefaultMaxHistory = 100

// CheckRecord is the condensed outcome of one call.
type CheckRecord struct {
	At         time.Time
	State      CallState
	Kind       failure.Kind
	StatusCode int
	Audio      time.Duration
	PacketLoss float64
	Quality    QualityLevel
	Retried    bool
}

// Succeeded reports whether the recorded call completed with audio.
func (r CheckRecord) Succeeded() bool {
	return r.State == CallStateCompleted
}

// CheckSummary contains the aggregated outcome of all recorded calls.
type CheckSummary struct {
	// Call statistics since the aggregator was created
	TotalChecks    uint64
	Succeeded      uint64
	Failed         uint64
	Cancelled      uint64
	FailuresByKind map[failure.Kind]uint64

	// ConsecutiveFailures counts failed checks since the last success.
	ConsecutiveFailures int
	LastCheck           time.Time
	LastOK              bool

	// Averages over the successful checks still in the history window
	AverageAudio      time.Duration
	AveragePacketLoss float64

	// Quality distribution over the history window. Failed checks count
	// as poor.
	ExcellentChecks int
	GoodChecks      int
	FairChecks      int
	PoorChecks      int

	OverallQuality QualityLevel
}

// MetricsAggregator folds call results into a rolling history.
//
// Example usage:
//
//	aggregator := NewMetricsAggregator(50)
//	aggregator.OnReport(func(summary CheckSummary) {
//	    fmt.Printf("%d/%d checks ok\n", summary.Succeeded, summary.TotalChecks)
//	})
//	aggregator.Record(engine.RunWithRetry(ctx))
type MetricsAggregator struct {
	mu         sync.RWMutex
	maxHistory int
	history    []CheckRecord
	summary    CheckSummary

	reportCallback func(summary CheckSummary)
}

// NewMetricsAggregator creates an aggregator keeping at most maxHistory
// records. Values below one use DefaultMaxHistory.
//
// Parameters:
//   - maxHistory: size of the rolling history window
//
// Returns:
//   - *MetricsAggregator: new aggregator instance
func NewMetricsAggregator(maxHistory int) *MetricsAggregator {
	if maxHistory < 1 {
		maxHistory = DefaultMaxHistory
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewMetricsAggregator",
		"max_history": maxHistory,
	}).Debug("Creating metrics aggregator")

	return &MetricsAggregator{
		maxHistory: maxHistory,
		summary: CheckSummary{
			FailuresByKind: make(map[failure.Kind]uint64),
			LastOK:         true,
			OverallQuality: QualityExcellent,
		},
	}
}

// OnReport registers a callback invoked with the updated summary after
// every Record.
func (ma *MetricsAggregator) OnReport(callback func(summary CheckSummary)) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.reportCallback = callback
}

// Record adds a finished call. A nil result is ignored.
func (ma *MetricsAggregator) Record(result *Result) {
	if result == nil {
		return
	}

	record := CheckRecord{
		At:         result.StartedAt.Add(result.Elapsed),
		State:      result.State,
		Kind:       result.Kind,
		StatusCode: result.StatusCode,
		Audio:      result.Duration,
		PacketLoss: result.Quality.PacketLoss,
		Quality:    result.Quality.Quality,
		Retried:    result.Retried,
	}

	ma.mu.Lock()
	ma.history = append(ma.history, record)
	if len(ma.history) > ma.maxHistory {
		ma.history = ma.history[len(ma.history)-ma.maxHistory:]
	}

	s := &ma.summary
	s.TotalChecks++
	s.LastCheck = record.At
	switch {
	case record.Succeeded():
		s.Succeeded++
		s.ConsecutiveFailures = 0
		s.LastOK = true
	case record.State == CallStateCancelled:
		s.Cancelled++
	default:
		s.Failed++
		s.FailuresByKind[record.Kind]++
		s.ConsecutiveFailures++
		s.LastOK = false
	}
	ma.updateWindowMetrics()

	summary := ma.snapshot()
	callback := ma.reportCallback
	ma.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":             "MetricsAggregator.Record",
		"state":                record.State.String(),
		"total":                summary.TotalChecks,
		"consecutive_failures": summary.ConsecutiveFailures,
		"overall_quality":      summary.OverallQuality.String(),
	}).Debug("Check recorded")

	if callback != nil {
		callback(summary)
	}
}

// updateWindowMetrics recalculates averages and the quality distribution
// over the history window. Cancelled checks are not counted.
func (ma *MetricsAggregator) updateWindowMetrics() {
	s := &ma.summary
	s.ExcellentChecks, s.GoodChecks, s.FairChecks, s.PoorChecks = 0, 0, 0, 0

	var totalAudio time.Duration
	var totalLoss float64
	var successes int

	for _, record := range ma.history {
		if record.State == CallStateCancelled {
			continue
		}
		if !record.Succeeded() {
			s.PoorChecks++
			continue
		}

		successes++
		totalAudio += record.Audio
		totalLoss += record.PacketLoss

		switch record.Quality {
		case QualityExcellent:
			s.ExcellentChecks++
		case QualityGood:
			s.GoodChecks++
		case QualityFair:
			s.FairChecks++
		default:
			s.PoorChecks++
		}
	}

	s.AverageAudio, s.AveragePacketLoss = 0, 0
	if successes > 0 {
		s.AverageAudio = totalAudio / time.Duration(successes)
		s.AveragePacketLoss = totalLoss / float64(successes)
	}
	s.OverallQuality = ma.calculateOverallQuality()
}

// calculateOverallQuality grades the window by its quality distribution.
func (ma *MetricsAggregator) calculateOverallQuality() QualityLevel {
	s := &ma.summary
	counted := s.ExcellentChecks + s.GoodChecks + s.FairChecks + s.PoorChecks
	if counted == 0 {
		return QualityExcellent
	}

	if s.PoorChecks > counted/2 {
		return QualityPoor
	}
	if s.FairChecks+s.PoorChecks > counted/2 {
		return QualityFair
	}
	if s.ExcellentChecks > s.GoodChecks && s.ExcellentChecks > counted/2 {
		return QualityExcellent
	}
	return QualityGood
}

// snapshot copies the summary. Caller holds ma.mu.
func (ma *MetricsAggregator) snapshot() CheckSummary {
	summary := ma.summary
	summary.FailuresByKind = make(map[failure.Kind]uint64, len(ma.summary.FailuresByKind))
	for kind, count := range ma.summary.FailuresByKind {
		summary.FailuresByKind[kind] = count
	}
	return summary
}

// Summary returns a copy of the current summary.
func (ma *MetricsAggregator) Summary() CheckSummary {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.snapshot()
}

// History returns a copy of the recorded checks, oldest first.
func (ma *MetricsAggregator) History() []CheckRecord {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return append([]CheckRecord(nil), ma.history...)
}
