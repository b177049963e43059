// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// intake, the database, the broker, and the dispatch and consume workers.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/command-relay/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	Path   string // DB_PATH (sqlite)
	URL    string // DATABASE_URL (postgres)
}

// DSN returns the data source for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return d.URL
	}
	return d.Path
}

// BrokerConfig selects the message transport.
type BrokerConfig struct {
	Kind          string // BROKER: memory|redis|nats
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string
	NATSStream    string
}

// CommandsConfig tunes intake routing and the command consumer.
type CommandsConfig struct {
	ServiceName string // target service this process consumes for
	Topic       string
	DLQTopic    string
	Group       string
	RoutesPath  string // optional JSON route table

	ConsumerEnabled bool
	BatchSize       int
	MaxBatchBytes   int
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	RetrySchedule   []time.Duration // overrides RetryBackoff when set
	PollInterval    time.Duration
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	DispatcherEnabled bool
	WorkerID          string
	PollInterval      time.Duration
	BatchSize         int
	LockTimeout       time.Duration
	MaxRetries        int
	Backoff           time.Duration
	BackoffMax        time.Duration
	MaxTenants        int
}

// ThrottleConfig spaces dispatches per tenant.
type ThrottleConfig struct {
	MinSpacing      time.Duration
	MaxJitter       time.Duration
	CleanupInterval time.Duration
	IdleTTL         time.Duration
}

// LedgerConfig tunes the idempotency ledger and its retry worker.
type LedgerConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxBackoff    time.Duration
	RetryBatch    int
	RetryInterval time.Duration
	LockTimeout   time.Duration
}

// BreakerConfig tunes the per-target circuit breakers.
type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	HalfOpenRequests int
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body limit
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	CORS CORSConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	Database DatabaseConfig
	Broker   BrokerConfig
	Commands CommandsConfig
	Outbox   OutboxConfig
	Throttle ThrottleConfig
	Ledger   LedgerConfig
	Breaker  BreakerConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	instance := sysutil.InstanceID("commandcenter")

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 1<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Database: DatabaseConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "commands.db"),
			URL:    getenv("DATABASE_URL", ""),
		},

		Broker: BrokerConfig{
			Kind:          strings.ToLower(getenv("BROKER", "memory")),
			RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getint("REDIS_DB", 0),
			NATSURL:       getenv("NATS_URL", "nats://localhost:4222"),
			NATSStream:    getenv("NATS_STREAM", "COMMANDS"),
		},

		Commands: CommandsConfig{
			ServiceName:     getenv("SERVICE_NAME", "commandcenter"),
			Topic:           getenv("COMMANDS_TOPIC", "commands"),
			DLQTopic:        getenv("COMMANDS_DLQ_TOPIC", ""),
			Group:           getenv("CONSUMER_GROUP", "commandcenter"),
			RoutesPath:      getenv("COMMAND_ROUTES_PATH", ""),
			ConsumerEnabled: getbool("CONSUMER_ENABLED", true),
			BatchSize:       getint("CONSUMER_BATCH_SIZE", 50),
			MaxBatchBytes:   getint("CONSUMER_MAX_BATCH_BYTES", 1<<20),
			MaxRetries:      getint("CONSUMER_MAX_RETRIES", 3),
			RetryBackoff:    getdur("CONSUMER_RETRY_BACKOFF", 200*time.Millisecond),
			RetryBackoffMax: getdur("CONSUMER_RETRY_BACKOFF_MAX", 5*time.Second),
			PollInterval:    getdur("CONSUMER_POLL_INTERVAL", 500*time.Millisecond),
		},

		Outbox: OutboxConfig{
			DispatcherEnabled: getbool("DISPATCHER_ENABLED", true),
			WorkerID:          getenv("DISPATCHER_WORKER_ID", instance),
			PollInterval:      getdur("OUTBOX_POLL_INTERVAL", time.Second),
			BatchSize:         getint("OUTBOX_BATCH_SIZE", 100),
			LockTimeout:       getdur("OUTBOX_LOCK_TIMEOUT", 30*time.Second),
			MaxRetries:        getint("OUTBOX_MAX_RETRIES", 5),
			Backoff:           getdur("OUTBOX_BACKOFF", time.Second),
			BackoffMax:        getdur("OUTBOX_BACKOFF_MAX", 5*time.Minute),
			MaxTenants:        getint("DISPATCHER_MAX_TENANTS", 8),
		},

		Throttle: ThrottleConfig{
			MinSpacing:      getdur("TENANT_MIN_SPACING", 0),
			MaxJitter:       getdur("TENANT_MAX_JITTER", 0),
			CleanupInterval: getdur("TENANT_CLEANUP_INTERVAL", time.Minute),
			IdleTTL:         getdur("TENANT_IDLE_TTL", 10*time.Minute),
		},

		Ledger: LedgerConfig{
			MaxAttempts:   getint("LEDGER_MAX_ATTEMPTS", 5),
			BaseDelay:     getdur("LEDGER_BASE_DELAY", time.Second),
			MaxBackoff:    getdur("LEDGER_MAX_BACKOFF", 5*time.Minute),
			RetryBatch:    getint("LEDGER_RETRY_BATCH", 50),
			RetryInterval: getdur("LEDGER_RETRY_INTERVAL", 2*time.Second),
			LockTimeout:   getdur("LEDGER_LOCK_TIMEOUT", time.Minute),
		},

		Breaker: BreakerConfig{
			FailureThreshold: getint("BREAKER_FAILURE_THRESHOLD", 5),
			OpenTimeout:      getdur("BREAKER_OPEN_TIMEOUT", 30*time.Second),
			HalfOpenRequests: getint("BREAKER_HALF_OPEN_REQUESTS", 1),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "command-relay"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	schedule, err := parseSchedule(getenv("CONSUMER_RETRY_SCHEDULE", ""))
	if err != nil {
		return cfg, err
	}
	cfg.Commands.RetrySchedule = schedule

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.Database.Driver == "postgresql" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Commands.DLQTopic == "" {
		cfg.Commands.DLQTopic = cfg.Commands.Topic + ".dlq"
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return errors.New("MAX_BODY_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Database.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Database.URL) == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}

	switch cfg.Broker.Kind {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Broker.RedisAddr) == "" {
			return errors.New("REDIS_ADDR must not be empty")
		}
	case "nats":
		if strings.TrimSpace(cfg.Broker.NATSURL) == "" || strings.TrimSpace(cfg.Broker.NATSStream) == "" {
			return errors.New("NATS_URL and NATS_STREAM must not be empty")
		}
	default:
		return errors.New("BROKER must be one of: memory, redis, nats")
	}

	c := cfg.Commands
	if strings.TrimSpace(c.Topic) == "" || strings.TrimSpace(c.ServiceName) == "" {
		return errors.New("COMMANDS_TOPIC and SERVICE_NAME must not be empty")
	}
	if c.DLQTopic == c.Topic {
		return errors.New("COMMANDS_DLQ_TOPIC must differ from COMMANDS_TOPIC")
	}
	if c.BatchSize < 1 || c.MaxBatchBytes < 1 {
		return errors.New("CONSUMER_BATCH_SIZE and CONSUMER_MAX_BATCH_BYTES must be >= 1")
	}
	if c.MaxRetries < 0 {
		return errors.New("CONSUMER_MAX_RETRIES must be >= 0")
	}
	if c.RetryBackoff <= 0 || c.RetryBackoffMax < c.RetryBackoff {
		return errors.New("CONSUMER_RETRY_BACKOFF must be > 0 and <= CONSUMER_RETRY_BACKOFF_MAX")
	}
	if c.PollInterval <= 0 {
		return errors.New("CONSUMER_POLL_INTERVAL must be > 0")
	}

	o := cfg.Outbox
	if strings.TrimSpace(o.WorkerID) == "" {
		return errors.New("DISPATCHER_WORKER_ID must not be empty")
	}
	if o.PollInterval <= 0 || o.LockTimeout <= 0 {
		return errors.New("OUTBOX_POLL_INTERVAL and OUTBOX_LOCK_TIMEOUT must be > 0")
	}
	if o.BatchSize < 1 || o.MaxTenants < 1 {
		return errors.New("OUTBOX_BATCH_SIZE and DISPATCHER_MAX_TENANTS must be >= 1")
	}
	if o.MaxRetries < 0 {
		return errors.New("OUTBOX_MAX_RETRIES must be >= 0")
	}
	if o.Backoff <= 0 || o.BackoffMax < o.Backoff {
		return errors.New("OUTBOX_BACKOFF must be > 0 and <= OUTBOX_BACKOFF_MAX")
	}

	if cfg.Throttle.MinSpacing < 0 || cfg.Throttle.MaxJitter < 0 {
		return errors.New("TENANT_MIN_SPACING and TENANT_MAX_JITTER must be >= 0")
	}

	l := cfg.Ledger
	if l.MaxAttempts < 1 {
		return errors.New("LEDGER_MAX_ATTEMPTS must be >= 1")
	}
	if l.BaseDelay <= 0 || l.MaxBackoff < l.BaseDelay {
		return errors.New("LEDGER_BASE_DELAY must be > 0 and <= LEDGER_MAX_BACKOFF")
	}
	if l.RetryBatch < 1 || l.RetryInterval <= 0 || l.LockTimeout <= 0 {
		return errors.New("LEDGER_RETRY_BATCH, LEDGER_RETRY_INTERVAL and LEDGER_LOCK_TIMEOUT must be positive")
	}

	if cfg.Breaker.FailureThreshold < 1 || cfg.Breaker.HalfOpenRequests < 1 || cfg.Breaker.OpenTimeout <= 0 {
		return errors.New("breaker settings must be positive")
	}

	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if sysutil.IsTruthy(v) {
			return true
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseSchedule reads a comma separated list of durations ("100ms,1s,5s").
// A malformed entry is an error rather than a fallback.
func parseSchedule(s string) ([]time.Duration, error) {
	parts := splitCSV(s)
	if len(parts) == 0 {
		return nil, nil
	}
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("CONSUMER_RETRY_SCHEDULE: invalid delay %q", p)
		}
		out = append(out, d)
	}
	return out, nil
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
