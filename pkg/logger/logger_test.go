package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJSONEntryFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(Config{Level: "debug", Role: "replica"}, &buf)
	log.Named("puller").Debug("Applied WAL frames", zap.Uint64("to", 150))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, "walproxy", entry["service"])
	require.Equal(t, "replica", entry["role"])
	require.Equal(t, "puller", entry["logger"])
	require.Equal(t, float64(150), entry["to"])
	require.Contains(t, entry, "caller")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(Config{Level: "warn"}, &buf)
	log.Info("dropped")
	require.Zero(t, buf.Len())
	log.Warn("kept")
	require.NotZero(t, buf.Len())

	buf.Reset()
	log = NewWriter(Config{Level: "chatty"}, &buf)
	log.Debug("dropped")
	log.Info("kept")
	require.Contains(t, buf.String(), "kept")
	require.NotContains(t, buf.String(), "dropped")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walproxy.log")
	log, err := New(Config{OutputFile: path, Format: "console"})
	require.NoError(t, err)
	log.Info("hello")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")

	_, err = New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "x.log")})
	require.Error(t, err)
}
