package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"DEBUG": slog.LevelDebug, "info": slog.LevelInfo, "": slog.LevelInfo,
		"Warning": slog.LevelWarn, "warn": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestInitToJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	require.NoError(t, InitTo(&buf, "warn", "json"))
	slog.Info("hidden")
	slog.Warn("violation detected", "tag", "motor_speed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "violation detected", line["msg"])
	assert.Equal(t, "motor_speed", line["tag"])
	assert.Equal(t, "plc-remedy", line["service"])

	assert.Error(t, InitTo(&buf, "info", "xml"))
}
