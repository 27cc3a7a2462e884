package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	// KVPath points the rate limiter / idempotency KV at a BoltDB file.
	// Empty means the in-process memory backend (single-node deployments).
	KVPath string

	// FailOpen controls limiter behavior when the KV store is unreachable:
	// true allows the request through after logging, false rejects it.
	FailOpen bool

	AdminToken string

	HoldDuration  time.Duration
	SweepInterval time.Duration

	GatewayURL     string
	GatewayTimeout time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:         dbSource,
		Port:             getEnv("SERVER_PORT", "8080"),
		Env:              getEnv("ENVIRONMENT", "development"),
		KVPath:           os.Getenv("KV_PATH"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		GatewayURL:       getEnv("GATEWAY_URL", "http://localhost:9090"),
		RetryMaxAttempts: 3,
	}

	var err error
	if cfg.FailOpen, err = getBool("RATE_LIMIT_FAIL_OPEN", true); err != nil {
		return nil, err
	}
	if cfg.HoldDuration, err = getDuration("HOLD_DURATION", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.GatewayTimeout, err = getDuration("GATEWAY_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = getDuration("RETRY_BASE_DELAY", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %q", v)
		}
		cfg.RetryMaxAttempts = n
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
