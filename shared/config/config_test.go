package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestParseAnyCSV(t *testing.T) {
	got := parseAnyCSV([]any{"x", " ", "y", 3})
	assert.Equal(t, []string{"x", "y"}, got)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	cfg, problems := Load("ingest", 8080)
	require.Empty(t, problems)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "events", cfg.KafkaTopicEvents)
	assert.Equal(t, "events-errors", cfg.KafkaTopicErrors)
	assert.Equal(t, 300, cfg.IdempotencyTTLSec)
	assert.Equal(t, 60, cfg.IdempotencySweepSec)
	assert.Equal(t, 100, cfg.MaxBatchSize)
	assert.True(t, cfg.SanitizePII)
	assert.Equal(t, "memory", cfg.IdempotencyBackend)
	assert.ElementsMatch(t, []string{"transfer_completed", "payment_completed", "login", "logout"}, cfg.CriticalEventTypes)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CRITICAL_EVENT_TYPES", "login")
	t.Setenv("SANITIZE_PII", "no")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, problems := Load("ingest", 8080)
	require.Empty(t, problems)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"login"}, cfg.CriticalEventTypes)
	assert.False(t, cfg.SanitizePII)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 0.0001)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"http_port": 7000, "kafka_brokers": ["a:1", "b:2"], "idempotency_ttl_seconds": 30, "sanitize_pii": false}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("IDEMPOTENCY_TTL_SECONDS", "45")

	cfg, problems := Load("ingest", 8080)
	require.Empty(t, problems)
	assert.Equal(t, 7000, cfg.HTTPPort)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	assert.Equal(t, 45, cfg.IdempotencyTTLSec)
	assert.False(t, cfg.SanitizePII)
}

func TestLoadReportsProblems(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("HTTP_PORT", "not-a-port")
	t.Setenv("IDEMPOTENCY_BACKEND", "redis")
	t.Setenv("MAX_BATCH_SIZE", "0")

	cfg, problems := Load("ingest", 8080)
	fields := make([]string, 0, len(problems))
	for _, p := range problems {
		fields = append(fields, p.Field)
	}
	assert.Contains(t, fields, "HTTP_PORT")
	assert.Contains(t, fields, "REDIS_ADDR")
	assert.Contains(t, fields, "MAX_BATCH_SIZE")
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 100, cfg.MaxBatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
	_, problems := Load("ingest", 8080)
	require.Len(t, problems, 1)
	assert.Equal(t, "CONFIG_PATH", problems[0].Field)
}
