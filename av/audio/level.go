package audio

import (
	"math"
)

// SilenceThreshold is the peak amplitude (about -60 dBFS) below which a
// capture is treated as digital silence.
const SilenceThreshold = 33

// Level summarizes the loudness of a capture.
type Level struct {
	// Peak is the largest absolute sample value.
	Peak int
	// RMS is the root mean square amplitude normalized to 0.0-1.0.
	RMS float64
	// DBFS is RMS in decibels relative to full scale, -Inf for silence.
	DBFS float64
}

// Silent reports whether the capture never rose above SilenceThreshold.
func (l Level) Silent() bool {
	return l.Peak < SilenceThreshold
}

// MeasureLevel computes peak and RMS level of samples.
func MeasureLevel(samples []int16) Level {
	if len(samples) == 0 {
		return Level{DBFS: math.Inf(-1)}
	}

	var peak int
	var sumSquares float64
	for _, sample := range samples {
		abs := int(sample)
		if abs < 0 {
			abs = -abs
		}
		if abs > peak {
			peak = abs
		}
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}

	rms := math.Sqrt(sumSquares / float64(len(samples)))
	level := Level{Peak: peak, RMS: rms, DBFS: math.Inf(-1)}
	if rms > 0 {
		level.DBFS = 20 * math.Log10(rms)
	}
	return level
}
