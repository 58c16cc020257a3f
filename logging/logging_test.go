package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_Levels(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		want    logrus.Level
		wantErr bool
	}{
		{"default", "", logrus.InfoLevel, false},
		{"debug", "debug", logrus.DebugLevel, false},
		{"upper case", "WARN", logrus.WarnLevel, false},
		{"bogus", "loud", logrus.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logrus.New()
			_, err := configure(logger, Config{Level: tt.level}, &bytes.Buffer{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestConfigure_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()

	_, err := configure(logger, Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.WithField("function", "Test").Info("Hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Hello", entry["msg"])
	assert.Equal(t, "Test", entry["function"])
}

func TestConfigure_UnknownFormat(t *testing.T) {
	_, err := configure(logrus.New(), Config{Format: "xml"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestConfigure_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phonecheck.log")
	var console bytes.Buffer
	logger := logrus.New()

	closer, err := configure(logger, Config{Level: "info", File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)

	logger.Info("Call completed")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Call completed")
	assert.Contains(t, console.String(), "Call completed")
}
