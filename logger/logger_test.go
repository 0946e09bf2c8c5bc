package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	buf.Reset()
	return entry
}

func TestZerologLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(&buf, "wsrelay", zerolog.DebugLevel)

	t.Run("service and fields are attached", func(t *testing.T) {
		l.Info("session_added", Field{Key: "session_id", Value: "7"})
		entry := decodeLine(t, &buf)
		assert.Equal(t, "wsrelay", entry["service"])
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "session_added", entry["message"])
		assert.Equal(t, "7", entry["session_id"])
	})

	t.Run("errors are rendered as strings", func(t *testing.T) {
		l.Warn("delivery_failed", Field{Key: "error", Value: errors.New("broken pipe")})
		entry := decodeLine(t, &buf)
		assert.Equal(t, "broken pipe", entry["error"])
	})

	t.Run("With carries fields forward", func(t *testing.T) {
		child := l.With(Field{Key: "session_id", Value: "42"})
		child.Error("read_failed")
		entry := decodeLine(t, &buf)
		assert.Equal(t, "42", entry["session_id"])
		assert.NoError(t, child.Close())
	})
}

func TestZerologLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(&buf, "wsrelay", zerolog.WarnLevel)
	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	l.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Info("nothing")
	assert.NoError(t, l.With(Field{Key: "k", Value: 1}).Close())
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDailyFileWriter("relay", dir)
	require.NoError(t, err)

	t.Run("writes to dated file", func(t *testing.T) {
		_, err := w.Write([]byte("line\n"))
		require.NoError(t, err)
		name := w.CurrentLogFile()
		assert.Equal(t, filepath.Join(dir, "relay_"+time.Now().Format(dateLayout)+".log"), name)
		data, err := os.ReadFile(name)
		require.NoError(t, err)
		assert.Equal(t, "line\n", string(data))
	})

	t.Run("rotates when the date changes", func(t *testing.T) {
		w.now = func() time.Time { return time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC) }
		_, err := w.Write([]byte("next\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "relay_2030-01-02.log"), w.CurrentLogFile())
	})

	t.Run("close is idempotent and blocks writes", func(t *testing.T) {
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
		_, err := w.Write([]byte("x"))
		assert.ErrorIs(t, err, errWriterClosed)
		assert.Empty(t, w.CurrentLogFile())
	})
}

func TestNewZerologFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := NewZerologFileLogger("relay", dir, zerolog.InfoLevel)
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
