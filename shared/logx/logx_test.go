package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRenamesKeysAndRedacts(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "ingest", "test", "v1", "debug")

	l.Info(context.Background(), "event_accepted", "accepted",
		slog.String("event_id", "e-1"),
		slog.String("email", "carol@example.com"),
		slog.String("Authorization", "Bearer abc"),
	)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "event_accepted", rec["event"])
	assert.Equal(t, "INFO", rec["level"])
	assert.Contains(t, rec, "ts")
	assert.Equal(t, "accepted", rec["msg"])
	assert.Equal(t, "e-1", rec["event_id"])
	assert.Equal(t, "[REDACTED]", rec["email"])
	assert.Equal(t, "[REDACTED]", rec["Authorization"])
	assert.Equal(t, "v1", rec["version"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "ingest", "test", "", "warn")
	l.Info(context.Background(), "noise", "dropped")
	assert.Zero(t, buf.Len())
	l.Warn(context.Background(), "kept", "kept")
	assert.NotZero(t, buf.Len())
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	var zero Logger
	zero.Error(context.Background(), "x", "y")
	Nop().With(slog.String("k", "v")).Info(context.Background(), "x", "y")
}
