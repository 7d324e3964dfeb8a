package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL string
	DBMaxConns  int

	JWTSecret string

	IdempotencyHeader  string
	IdempotencyTTL     time.Duration
	IdempotencyLease   time.Duration
	IdempotencyWait    time.Duration
	IdempotencyBackend string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	SweepInterval      time.Duration

	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	EscrowBaseURL string
	EscrowTimeout time.Duration

	AuditTimeout    time.Duration
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment. Call Validate after any
// flag overrides have been applied.
func Load() (*Config, error) {
	cfg := &Config{
		Env:                getEnv("APP_ENV", "development"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		IdempotencyHeader:  getEnv("IDEMPOTENCY_HEADER", "Idempotency-Key"),
		IdempotencyBackend: strings.ToLower(getEnv("IDEMPOTENCY_BACKEND", BackendPostgres)),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		EscrowBaseURL:      os.Getenv("ESCROW_BASE_URL"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	durations := []struct {
		dst *time.Duration
		key string
		def string
	}{
		{&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", "24h"},
		{&cfg.IdempotencyLease, "IDEMPOTENCY_LEASE", "1m"},
		{&cfg.IdempotencyWait, "IDEMPOTENCY_WAIT", "10s"},
		{&cfg.SweepInterval, "SWEEP_INTERVAL", "1h"},
		{&cfg.ReconcileInterval, "RECONCILE_INTERVAL", "1m"},
		{&cfg.ReconcileGrace, "RECONCILE_GRACE", "30s"},
		{&cfg.EscrowTimeout, "ESCROW_TIMEOUT", "5s"},
		{&cfg.AuditTimeout, "AUDIT_TIMEOUT", "5s"},
		{&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", "15s"},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	ints := []struct {
		dst *int
		key string
		def int
	}{
		{&cfg.DBMaxConns, "DB_MAX_CONNS", 16},
		{&cfg.RedisDB, "REDIS_DB", 0},
	}
	for _, n := range ints {
		v, err := getEnvInt(n.key, n.def)
		if err != nil {
			return nil, err
		}
		*n.dst = v
	}

	return cfg, nil
}

// BindFlags registers command-line overrides whose defaults are the values
// already loaded from the environment.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "Postgres connection string")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", c.DBMaxConns, "maximum pooled Postgres connections")
	fs.StringVar(&c.IdempotencyHeader, "idempotency-header", c.IdempotencyHeader, "request header carrying the idempotency key")
	fs.DurationVar(&c.IdempotencyTTL, "idempotency-ttl", c.IdempotencyTTL, "how long captured responses stay replayable")
	fs.DurationVar(&c.IdempotencyLease, "idempotency-lease", c.IdempotencyLease, "how long an in-flight reservation survives a crashed holder")
	fs.DurationVar(&c.IdempotencyWait, "idempotency-wait", c.IdempotencyWait, "how long a duplicate request waits for the in-flight original")
	fs.StringVar(&c.IdempotencyBackend, "idempotency-backend", c.IdempotencyBackend, "idempotency store: postgres, redis or memory")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for the redis idempotency backend")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "interval between expired idempotency record sweeps")
	fs.DurationVar(&c.ReconcileInterval, "reconcile-interval", c.ReconcileInterval, "interval between settlement reconcile passes")
	fs.StringVar(&c.EscrowBaseURL, "escrow-base-url", c.EscrowBaseURL, "escrow provider base URL; empty defers every hold")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "json or text")
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 characters"))
	}
	if strings.TrimSpace(c.IdempotencyHeader) == "" {
		errs = append(errs, errors.New("IDEMPOTENCY_HEADER must not be empty"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	if c.IdempotencyLease <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_LEASE must be positive"))
	}
	if c.IdempotencyWait < 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_WAIT must not be negative"))
	}
	switch c.IdempotencyBackend {
	case BackendPostgres, BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis idempotency backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_BACKEND %q is not one of postgres, redis, memory", c.IdempotencyBackend))
	}
	if c.SweepInterval <= 0 || c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL and RECONCILE_INTERVAL must be positive"))
	}
	if c.DBMaxConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not json or text", c.LogFormat))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
