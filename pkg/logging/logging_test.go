package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"chatty", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestAutoFormatIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(Options{Writer: &buf})
	require.NoError(t, err)
	defer closer.Close()

	log.Info("traced", "steps", 3)
	line := strings.TrimSpace(buf.String())
	require.True(t, gjson.Valid(line), line)
	assert.Equal(t, "traced", gjson.Get(line, "msg").String())
	assert.Equal(t, int64(3), gjson.Get(line, "steps").Int())
}

func TestTextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(Options{Writer: &buf, Format: "text", Level: "warn"})
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", "component", "session")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown component=session")
}

func TestLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctutor.log")
	log, closer, err := New(Options{File: path, Format: "json"})
	require.NoError(t, err)
	log.Error("boom")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "boom", gjson.GetBytes(data, "msg").String())
}

func TestNewErrors(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(Options{Format: "xml"})
	assert.Error(t, err)
	_, _, err = New(Options{File: filepath.Join(t.TempDir(), "no", "such", "dir.log")})
	assert.Error(t, err)
}
