package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	UpstreamStatusURL string
	UpstreamToken     string

	DailyBudget     int
	AllocSingle     int
	AllocBatch      int
	AllocFrame      int
	PrivilegedUsers []string

	PollInitialDelay  time.Duration
	PollInterval      time.Duration
	PollMaxAttempts   int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	EvictionGrace     time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// DATABASE_URL is optional: without it quota counters and the credential
// store run in memory and do not survive restart.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		UpstreamStatusURL: getEnv("UPSTREAM_STATUS_URL", "https://clip.example.com/v1/operations:batchCheck"),
		UpstreamToken:     os.Getenv("UPSTREAM_TOKEN"),

		DailyBudget:     getEnvInt("DAILY_BUDGET", 100),
		AllocSingle:     getEnvInt("ALLOC_SINGLE", 60),
		AllocBatch:      getEnvInt("ALLOC_BATCH", 30),
		AllocFrame:      getEnvInt("ALLOC_FRAME", 10),
		PrivilegedUsers: splitList(os.Getenv("PRIVILEGED_USERS")),

		PollInitialDelay:  time.Second * time.Duration(getEnvInt("POLL_INITIAL_DELAY_SECONDS", 10)),
		PollInterval:      time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 3)),
		PollMaxAttempts:   getEnvInt("POLL_MAX_ATTEMPTS", 10000),
		BackoffInitial:    time.Second * time.Duration(getEnvInt("BACKOFF_INITIAL_SECONDS", 30)),
		BackoffMultiplier: getEnvFloat("BACKOFF_MULTIPLIER", 1.5),
		BackoffMax:        time.Second * time.Duration(getEnvInt("BACKOFF_MAX_SECONDS", 120)),
		EvictionGrace:     time.Minute * time.Duration(getEnvInt("EVICTION_GRACE_MINUTES", 5)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.AllocSingle+cfg.AllocBatch+cfg.AllocFrame != cfg.DailyBudget {
		return nil, fmt.Errorf("quota split %d+%d+%d does not sum to DAILY_BUDGET %d",
			cfg.AllocSingle, cfg.AllocBatch, cfg.AllocFrame, cfg.DailyBudget)
	}
	if cfg.UpstreamStatusURL == "" {
		return nil, fmt.Errorf("UPSTREAM_STATUS_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
