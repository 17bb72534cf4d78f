package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every runtime knob the service reads from the environment.
type Config struct {
	Env         string
	DatabaseURL string
	JWTSecret   string

	ProviderBaseURL string
	ProviderSecret  string
	ValidationURL   string

	// AutoReleaseWindow is how long a brand has to act on a submitted
	// milestone before the scheduler releases it.
	AutoReleaseWindow time.Duration
	// MaxRevisions caps reject/resubmit cycles per milestone.
	MaxRevisions int

	ReleaseWorkers int
	OutboxWorkers  int
	PollInterval   time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.Atoi(v); err == nil {
			return out
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if out, err := time.ParseDuration(v); err == nil {
			return out
		}
	}
	return def
}

// Load reads configuration from the environment. A missing DATABASE_URL is
// returned as an error value so callers decide whether it is fatal.
func Load() (Config, error) {
	cfg := Config{
		Env:               getenv("APP_ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		JWTSecret:         getenv("JWT_SECRET", "dev-secret-change-me"),
		ProviderBaseURL:   getenv("PROVIDER_BASE_URL", "https://escrow.example.com/api"),
		ProviderSecret:    os.Getenv("PROVIDER_SECRET"),
		ValidationURL:     getenv("VALIDATION_URL", "http://localhost:9090"),
		AutoReleaseWindow: getenvDuration("AUTO_RELEASE_WINDOW", 120*time.Hour),
		MaxRevisions:      getenvInt("MAX_REVISIONS", 3),
		ReleaseWorkers:    getenvInt("RELEASE_WORKERS", 4),
		OutboxWorkers:     getenvInt("OUTBOX_WORKERS", 1),
		PollInterval:      getenvDuration("POLL_INTERVAL", 2*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("config: DATABASE_URL not set")
	}
	return cfg, nil
}
