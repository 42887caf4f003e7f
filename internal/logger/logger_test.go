package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var out map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &out))
	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestStoreLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	l.StoreLogger("events").LogSkippedRow("20240101_000", "e\x01click", errors.New("boom"))
	entry := lastLine(t, &buf)
	assert.Equal(t, "attrstore", entry["service"])
	assert.Equal(t, "store", entry["component"])
	assert.Equal(t, "events", entry["store"])
	assert.Equal(t, "row_skipped", entry["event"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "warn", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})

	l.LogStoreOperation("save", time.Millisecond, 3, nil)
	assert.Zero(t, buf.Len(), "successful operations log at debug")

	l.LogStoreOperation("save", time.Millisecond, 3, errors.New("disk full"))
	entry := lastLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "save", entry["operation"])
	assert.EqualValues(t, 3, entry["record_count"])
}

func TestNop(t *testing.T) {
	l := OrNop(nil)
	require.NotNil(t, l)
	l.Info("discarded").Send()
	l.IndexLogger("events_index").Warn("discarded").Send()
}
