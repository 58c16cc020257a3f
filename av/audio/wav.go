package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
)

// ErrEmptyCapture indicates there are no samples to export.
var ErrEmptyCapture = errors.New("no samples to write")

const (
	wavBitDepth  = 16
	wavChannels  = 1
	wavFormatPCM = 1
)

// WriteWAV writes mono 16-bit PCM samples as a RIFF/WAVE stream.
func WriteWAV(w io.WriteSeeker, samples []int16, sampleRate int) error {
	if len(samples) == 0 {
		return ErrEmptyCapture
	}
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	enc := wav.NewEncoder(w, sampleRate, wavBitDepth, wavChannels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: wavChannels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to encode samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalise WAV header: %w", err)
	}
	return nil
}

// SaveWAV writes the captured samples to path, replacing any existing file.
func SaveWAV(path string, samples []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := WriteWAV(f, samples, sampleRate); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "SaveWAV",
		"path":        path,
		"samples":     len(samples),
		"sample_rate": sampleRate,
	}).Info("Saved captured audio")

	return f.Close()
}
