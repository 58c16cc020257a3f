package av

import (
	"fmt"

	"github.com/opd-ai/phonecheck/av/rtp"
	"github.com/sirupsen/logrus"
)

// QualityLevel represents the overall assessment of a received stream.
type QualityLevel int

const (
	// QualityExcellent indicates no meaningful loss
	QualityExcellent QualityLevel = iota
	// QualityGood indicates minor loss
	QualityGood
	// QualityFair indicates noticeable loss
	QualityFair
	// QualityPoor indicates significant loss
	QualityPoor
	// QualityUnacceptable indicates the stream is unusable or absent
	QualityUnacceptable
)

// String returns the string representation of QualityLevel.
func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityFair:
		return "Fair"
	case QualityPoor:
		return "Poor"
	case QualityUnacceptable:
		return "Unacceptable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(q))
	}
}

// QualityThresholds holds the packet loss percentages separating the
// quality levels. Loss counts sequence numbers the jitter buffer skipped
// plus packets that arrived too late to be played.
type QualityThresholds struct {
	ExcellentPacketLoss float64 // < 1.0%
	GoodPacketLoss      float64 // < 3.0%
	FairPacketLoss      float64 // < 8.0%
	PoorPacketLoss      float64 // < 15.0%
}

// DefaultQualityThresholds returns VoIP-typical loss thresholds.
func DefaultQualityThresholds() *QualityThresholds {
	return &QualityThresholds{
		ExcellentPacketLoss: 1.0,
		GoodPacketLoss:      3.0,
		FairPacketLoss:      8.0,
		PoorPacketLoss:      15.0,
	}
}

// QualityReport summarizes how the stream arrived.
type QualityReport struct {
	// PacketLoss is the percentage (0.0-100.0) of expected packets that
	// were never played.
	PacketLoss float64
	// Played is the number of packets decoded into the capture.
	Played int
	// Missing is the number of sequence numbers skipped plus late arrivals.
	Missing    int
	Duplicates int
	Quality    QualityLevel
}

// AssessQuality grades a finished stream from its jitter buffer statistics.
// A nil thresholds value uses DefaultQualityThresholds.
func AssessQuality(stats rtp.JitterStats, thresholds *QualityThresholds) QualityReport {
	if thresholds == nil {
		thresholds = DefaultQualityThresholds()
	}

	report := QualityReport{
		Played:     stats.Released,
		Missing:    stats.Lost + stats.Late,
		Duplicates: stats.Duplicates,
	}

	expected := report.Played + report.Missing
	if expected == 0 {
		report.PacketLoss = 100
		report.Quality = QualityUnacceptable
		return report
	}
	report.PacketLoss = float64(report.Missing) * 100 / float64(expected)
	report.Quality = assessPacketLossQuality(report.PacketLoss, thresholds)

	logrus.WithFields(logrus.Fields{
		"function":    "AssessQuality",
		"played":      report.Played,
		"missing":     report.Missing,
		"packet_loss": report.PacketLoss,
		"quality":     report.Quality.String(),
	}).Debug("Stream quality assessed")

	return report
}

func assessPacketLossQuality(loss float64, thresholds *QualityThresholds) QualityLevel {
	switch {
	case loss < thresholds.ExcellentPacketLoss:
		return QualityExcellent
	case loss < thresholds.GoodPacketLoss:
		return QualityGood
	case loss < thresholds.FairPacketLoss:
		return QualityFair
	case loss < thresholds.PoorPacketLoss:
		return QualityPoor
	default:
		return QualityUnacceptable
	}
}
