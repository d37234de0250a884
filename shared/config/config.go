package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers           []string
	KafkaClientID          string
	KafkaGroupID           string
	KafkaTopicEvents       string
	KafkaTopicErrors       string
	KafkaRetryMax          int
	KafkaWriteMS           int
	KafkaConnectAttempts   int
	KafkaConnectBackoffMS  int
	KafkaConnectMaxBackoff int
	KafkaReconnectCooldown int
	KafkaDispatchTimeoutMS int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	IdempotencyBackend  string
	IdempotencyTTLSec   int
	IdempotencySweepSec int

	SanitizePII        bool
	CriticalEventTypes []string
	MaxBatchSize       int
	MaxBodyBytes       int

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWKSURL     string
	JWKSTTLSec  int

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		ServiceName:            serviceNameDefault,
		HTTPPort:               httpPortDefault,
		LogLevel:               "info",
		ConfigPath:             strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:       10000,
		DBMaxConns:             10,
		DBMinConns:             1,
		DBConnMaxIdleSec:       300,
		DBConnMaxLifeSec:       1800,
		KafkaClientID:          "moneyflow-api",
		KafkaTopicEvents:       "events",
		KafkaTopicErrors:       "events-errors",
		KafkaRetryMax:          5,
		KafkaWriteMS:           30000,
		KafkaConnectAttempts:   10,
		KafkaConnectBackoffMS:  1000,
		KafkaConnectMaxBackoff: 30000,
		KafkaReconnectCooldown: 5000,
		KafkaDispatchTimeoutMS: 30000,
		IdempotencyBackend:     "memory",
		IdempotencyTTLSec:      300,
		IdempotencySweepSec:    60,
		SanitizePII:            true,
		MaxBatchSize:           100,
		MaxBodyBytes:           10 << 20,
		JWTIssuer:              "moneyflow-api",
		JWTAudience:            "moneyflow-client",
		JWKSTTLSec:             300,
		RateLimitRPS:           50,
		RateLimitBurst:         100,
		OtelInsecure:           true,
		OtelSampleRatio:        1.0,
	}
	cfg.CriticalEventTypes = []string{"transfer_completed", "payment_completed", "login", "logout"}

	problems := make([]Problem, 0, 4)

	if raw, fileProblems, ok := loadConfigFile(cfg.ConfigPath); ok {
		apply(&cfg, fileLookup(raw), &problems)
	} else {
		problems = append(problems, fileProblems...)
	}
	apply(&cfg, envLookup, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

// lookup returns the raw value for a key from one configuration source.
type lookup func(key string) (any, bool)

func envLookup(key string) (any, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, false
	}
	return v, true
}

func fileLookup(raw map[string]any) lookup {
	normalized := make(map[string]any, len(raw))
	for k, v := range raw {
		normalized[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return func(key string) (any, bool) {
		v, ok := normalized[key]
		return v, ok
	}
}

func apply(cfg *Config, get lookup, problems *[]Problem) {
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				*dst = strings.TrimSpace(s)
			}
		}
	}
	num := func(key string, dst *int) {
		if v, ok := get(key); ok {
			if n, ok := asInt(v); ok {
				*dst = n
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			}
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := get(key); ok {
			if f, ok := asFloat(v); ok {
				*dst = f
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			if b, ok := asAnyBool(v); ok {
				*dst = b
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			}
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := get(key); ok {
			switch t := v.(type) {
			case string:
				*dst = parseCSV(t)
			case []any:
				*dst = parseAnyCSV(t)
			default:
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a list"})
			}
		}
	}

	str("ENV", &cfg.Env)
	str("SERVICE_NAME", &cfg.ServiceName)
	num("PORT", &cfg.HTTPPort)
	num("HTTP_PORT", &cfg.HTTPPort)
	str("LOG_LEVEL", &cfg.LogLevel)
	num("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)

	str("DATABASE_URL", &cfg.DatabaseURL)
	num("DB_MAX_CONNS", &cfg.DBMaxConns)
	num("DB_MIN_CONNS", &cfg.DBMinConns)
	num("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	num("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)

	list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	str("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	str("KAFKA_CONSUMER_GROUP", &cfg.KafkaGroupID)
	str("KAFKA_TOPIC_EVENTS", &cfg.KafkaTopicEvents)
	str("KAFKA_TOPIC_ERRORS", &cfg.KafkaTopicErrors)
	num("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	num("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)
	num("KAFKA_CONNECT_ATTEMPTS", &cfg.KafkaConnectAttempts)
	num("KAFKA_CONNECT_BACKOFF_MS", &cfg.KafkaConnectBackoffMS)
	num("KAFKA_CONNECT_MAX_BACKOFF_MS", &cfg.KafkaConnectMaxBackoff)
	num("KAFKA_RECONNECT_COOLDOWN_MS", &cfg.KafkaReconnectCooldown)
	num("DISPATCH_TIMEOUT_MS", &cfg.KafkaDispatchTimeoutMS)

	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)

	str("IDEMPOTENCY_BACKEND", &cfg.IdempotencyBackend)
	num("IDEMPOTENCY_TTL_SECONDS", &cfg.IdempotencyTTLSec)
	num("IDEMPOTENCY_SWEEP_SECONDS", &cfg.IdempotencySweepSec)

	flag("SANITIZE_PII", &cfg.SanitizePII)
	list("CRITICAL_EVENT_TYPES", &cfg.CriticalEventTypes)
	num("MAX_BATCH_SIZE", &cfg.MaxBatchSize)
	num("MAX_BODY_BYTES", &cfg.MaxBodyBytes)

	str("JWT_SECRET", &cfg.JWTSecret)
	str("JWT_ISSUER", &cfg.JWTIssuer)
	str("JWT_AUDIENCE", &cfg.JWTAudience)
	str("OIDC_JWKS_URL", &cfg.JWKSURL)
	num("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSec)

	list("CORS_ALLOWED_ORIGINS", &cfg.CORSAllowedOrigins)
	flt("RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	num("RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	flag("OTEL_ENABLED", &cfg.OtelEnabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint)
	flag("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure)
	flt("OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio)
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	positive := func(field string, v *int, fallback int) {
		if *v <= 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be > 0"})
			*v = fallback
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	positive("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 10000)
	positive("DB_MAX_CONNS", &cfg.DBMaxConns, 10)
	if cfg.DBMinConns < 0 {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positive("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 300)
	positive("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1800)
	if cfg.KafkaRetryMax < 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	positive("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 30000)
	positive("KAFKA_CONNECT_ATTEMPTS", &cfg.KafkaConnectAttempts, 10)
	positive("KAFKA_CONNECT_BACKOFF_MS", &cfg.KafkaConnectBackoffMS, 1000)
	positive("KAFKA_CONNECT_MAX_BACKOFF_MS", &cfg.KafkaConnectMaxBackoff, 30000)
	if cfg.KafkaReconnectCooldown < 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_RECONNECT_COOLDOWN_MS", Message: "KAFKA_RECONNECT_COOLDOWN_MS must be >= 0"})
		cfg.KafkaReconnectCooldown = 5000
	}
	positive("DISPATCH_TIMEOUT_MS", &cfg.KafkaDispatchTimeoutMS, 30000)
	if cfg.KafkaTopicEvents == cfg.KafkaTopicErrors {
		*problems = append(*problems, Problem{Field: "KAFKA_TOPIC_ERRORS", Message: "KAFKA_TOPIC_ERRORS must differ from KAFKA_TOPIC_EVENTS"})
	}
	if cfg.RedisDB < 0 {
		*problems = append(*problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	cfg.IdempotencyBackend = strings.ToLower(cfg.IdempotencyBackend)
	switch cfg.IdempotencyBackend {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			*problems = append(*problems, Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required when IDEMPOTENCY_BACKEND=redis"})
		}
	default:
		*problems = append(*problems, Problem{Field: "IDEMPOTENCY_BACKEND", Message: "IDEMPOTENCY_BACKEND must be memory or redis"})
		cfg.IdempotencyBackend = "memory"
	}
	positive("IDEMPOTENCY_TTL_SECONDS", &cfg.IdempotencyTTLSec, 300)
	positive("IDEMPOTENCY_SWEEP_SECONDS", &cfg.IdempotencySweepSec, 60)
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > 1000 {
		*problems = append(*problems, Problem{Field: "MAX_BATCH_SIZE", Message: "MAX_BATCH_SIZE must be 1-1000"})
		cfg.MaxBatchSize = 100
	}
	positive("MAX_BODY_BYTES", &cfg.MaxBodyBytes, 10<<20)
	positive("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSec, 300)
	if cfg.RateLimitRPS < 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be >= 0"})
		cfg.RateLimitRPS = 50
	}
	if cfg.RateLimitBurst < 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_BURST", Message: "RATE_LIMIT_BURST must be >= 0"})
		cfg.RateLimitBurst = 100
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSec) * time.Second
}

func (c Config) IdempotencySweep() time.Duration {
	return time.Duration(c.IdempotencySweepSec) * time.Second
}

func loadConfigFile(path string) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asAnyBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return asBool(t)
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
