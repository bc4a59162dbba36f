package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name   string
		appEnv string
		level  string
		want   zerolog.Level
	}{
		{name: "production default", appEnv: "production", want: zerolog.InfoLevel},
		{name: "development default", appEnv: "development", want: zerolog.DebugLevel},
		{name: "explicit level wins", appEnv: "development", level: "warn", want: zerolog.WarnLevel},
		{name: "case insensitive", appEnv: "production", level: "DEBUG", want: zerolog.DebugLevel},
		{name: "unknown level ignored", appEnv: "production", level: "loud", want: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := newLogger(&bytes.Buffer{}, tt.appEnv, tt.level)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNewLogger_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "production", "")
	logger.Info().Str("job_id", "abc").Msg("claimed job")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "claimed job", entry["message"])
	assert.Equal(t, "abc", entry["job_id"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "time")
}
