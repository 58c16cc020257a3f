package audio

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// WidebandSampleRate is the 16 kHz rate speech tooling usually expects.
const WidebandSampleRate = 16000

// Resample converts mono PCM from one sample rate to another with linear
// interpolation. Equal rates return a copy.
//
// Parameters:
//   - samples: mono 16-bit PCM
//   - fromRate: rate of samples in Hz
//   - toRate: requested rate in Hz
//
// Returns:
//   - []int16: resampled PCM, len(samples)*toRate/fromRate samples
//   - error: a non-positive rate
func Resample(samples []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", fromRate, toRate)
	}
	if fromRate == toRate || len(samples) == 0 {
		return append([]int16(nil), samples...), nil
	}

	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		index := int(pos)
		if index >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(index)
		out[i] = int16(float64(samples[index])*(1.0-frac) + float64(samples[index+1])*frac)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Resample",
		"input_rate":  fromRate,
		"output_rate": toRate,
		"input_size":  len(samples),
		"output_size": len(out),
	}).Debug("Resampled audio")

	return out, nil
}
