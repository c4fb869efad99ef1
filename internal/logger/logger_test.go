package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	require.NoError(t, SetLevel("DEBUG"))
	require.Equal(t, slog.LevelDebug, levelVar.Level())
	require.NoError(t, SetLevel(" warn "))
	require.Equal(t, slog.LevelWarn, levelVar.Level())
	require.NoError(t, SetLevel("info+2"))
	require.Equal(t, slog.LevelInfo+2, levelVar.Level())

	require.Error(t, SetLevel("nonsense"))
	require.Equal(t, slog.LevelInfo, levelVar.Level())
}

func TestSetFormat_JSONRespectsLevel(t *testing.T) {
	orig := L
	t.Cleanup(func() {
		L = orig
		_ = SetLevel("info")
	})

	var buf bytes.Buffer
	SetFormat("json", &buf)
	require.NoError(t, SetLevel("warn"))

	L.Info("dropped")
	L.Warn("kept", "remote_addr", "10.0.0.1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "10.0.0.1", entry["remote_addr"])
}
