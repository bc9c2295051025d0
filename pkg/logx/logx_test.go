package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line: %s", line)
		out = append(out, m)
	}
	return out
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))

	l.Info("hello", Int("n", 3), Err(errors.New("boom")))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0]["message"])
	assert.Equal(t, "test", lines[0]["comp"])
	assert.EqualValues(t, 3, lines[0]["n"])
	assert.Equal(t, "boom", lines[0]["err"])
	assert.Contains(t, lines[0]["caller"], "logx_test.go")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
	assert.False(t, l.Enabled(LevelInfo))
	assert.True(t, l.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() { l.Error("nothing", String("k", "v")) })
	assert.False(t, Nop().IsZero())
}

func TestCronLoggerDemotesInfo(t *testing.T) {
	var buf bytes.Buffer
	cl := CronLogger(NewWriter(&buf, "info"))

	cl.Info("wake", "now", "x")
	cl.Error(errors.New("bad"), "panic", "job", "fetch", "dangling")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "cron: panic", lines[0]["message"])
	assert.Equal(t, "fetch", lines[0]["job"])
	assert.Equal(t, "<missing>", lines[0]["dangling"])
}
