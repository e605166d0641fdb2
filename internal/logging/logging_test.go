package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestNewWritesJSONToBuffers(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "info", Writer: &buf})

	l.Info().Str("component", "sync").Int("inserted", 3).Msg("activities loaded")
	l.Debug().Msg("filtered out")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "activities loaded", line["message"])
	assert.Equal(t, "sync", line["component"])
	assert.EqualValues(t, 3, line["inserted"])
}

func TestUseConsole(t *testing.T) {
	var buf bytes.Buffer
	assert.True(t, useConsole("console", &buf))
	assert.False(t, useConsole("json", &buf))
	assert.False(t, useConsole("", &buf), "non-file writers default to JSON")
}
