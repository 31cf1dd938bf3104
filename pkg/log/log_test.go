package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseLevel(tc.name), "level %q", tc.name)
	}
}

func TestNewHandler_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(newHandler(&buf, "info", "json"))
	logger.Info("server ready", "port", 9080)

	var record map[string]any

	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "server ready", record["msg"])
	assert.EqualValues(t, 9080, record["port"])
}

func TestNewHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(newHandler(&buf, "warn", "text"))
	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
}

func TestNewHandler_UnknownFormatFallsBackToText(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(newHandler(&buf, "info", "logfmt"))
	logger.Info("hello")

	assert.Contains(t, buf.String(), "msg=hello")
}
