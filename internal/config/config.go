package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all runtime configuration for the sync engine.
// Loaded once at startup from the environment and passed by explicit
// dependency; nothing reads os.Getenv after boot.
type Config struct {
	Env      string `validate:"oneof=dev prod"`
	HTTPAddr string `validate:"required"`

	DatabaseURL string `validate:"required"`
	PGMaxConns  int    `validate:"min=1,max=200"`
	PGMinConns  int    `validate:"min=0,max=200"`
	RedisAddr   string // empty = in-process cache fallback

	WebhookSecret  string `validate:"required"`
	AdminAPIKey    string `validate:"required"`
	AdminJWTSecret string

	QueueName    string `validate:"required"`
	WorkerCount  int    `validate:"min=1,max=64"`
	MaxAttempts  int    `validate:"min=1,max=10"`
	MessageTTL   time.Duration
	DedupTTL     time.Duration `validate:"min=1s"`
	PollInterval time.Duration `validate:"min=1m"`

	SchedulerTick      time.Duration `validate:"min=1s,max=1m"`
	MaxDeliveryRetries int           `validate:"min=1,max=10"`

	ClarifyTTL      time.Duration `validate:"min=1m"`
	MemoryRetention time.Duration `validate:"min=24h"`
	HotWindowTurns  int           `validate:"min=1,max=50"`

	ConfidenceThreshold float64 `validate:"gt=0,lte=1"`
	FuzzyThreshold      float64 `validate:"gt=0,lte=1"`

	VendorBaseURL string
	VendorToken   string

	SlackToken          string
	TransportWebhookURL string

	LookupTablePath string

	// RoleBootstrap seeds the role map at startup: "email:role" pairs.
	RoleBootstrap []string
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are seconds, for parity with the ops runbook
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// FromEnv builds a Config from the environment with documented defaults.
func FromEnv() *Config {
	cfg := &Config{
		Env:      env("ENV", "dev"),
		HTTPAddr: env("HTTP_ADDR", ":8081"),

		DatabaseURL: env("DATABASE_URL", ""),
		PGMaxConns:  envInt("PG_MAX_CONNS", 20),
		PGMinConns:  envInt("PG_MIN_CONNS", 2),
		RedisAddr:   env("REDIS_ADDR", ""),

		WebhookSecret:  env("WEBHOOK_SECRET", ""),
		AdminAPIKey:    env("ADMIN_API_KEY", ""),
		AdminJWTSecret: env("ADMIN_JWT_SECRET", ""),

		QueueName:    env("QUEUE_NAME", "crm-events"),
		WorkerCount:  envInt("WORKER_COUNT", 4),
		MaxAttempts:  envInt("MAX_ATTEMPTS", 5),
		MessageTTL:   envDuration("MESSAGE_TTL", 24*time.Hour),
		DedupTTL:     envDuration("DEDUP_TTL", 600*time.Second),
		PollInterval: envDuration("POLL_INTERVAL", 15*time.Minute),

		SchedulerTick:      envDuration("SCHEDULER_TICK", time.Minute),
		MaxDeliveryRetries: envInt("MAX_DELIVERY_RETRIES", 3),

		ClarifyTTL:      envDuration("CLARIFY_TTL", 300*time.Second),
		MemoryRetention: envDuration("MEMORY_RETENTION", 720*time.Hour),
		HotWindowTurns:  envInt("HOT_WINDOW_TURNS", 10),

		ConfidenceThreshold: envFloat("CLASSIFIER_CONFIDENCE_THRESHOLD", 0.8),
		FuzzyThreshold:      envFloat("FUZZY_MATCH_THRESHOLD", 0.72),

		VendorBaseURL: env("VENDOR_BASE_URL", ""),
		VendorToken:   env("VENDOR_TOKEN", ""),

		SlackToken:          env("SLACK_TOKEN", ""),
		TransportWebhookURL: env("TRANSPORT_WEBHOOK_URL", ""),

		LookupTablePath: env("LOOKUP_TABLE_PATH", ""),
	}

	if v := os.Getenv("ROLE_BOOTSTRAP"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			if pair = strings.TrimSpace(pair); pair != "" {
				cfg.RoleBootstrap = append(cfg.RoleBootstrap, pair)
			}
		}
	}

	return cfg
}

// Validate checks the configuration for structural problems.
// Called after CLI flag overrides are applied.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	for _, pair := range c.RoleBootstrap {
		if !strings.Contains(pair, ":") {
			return fmt.Errorf("invalid ROLE_BOOTSTRAP entry %q (want email:role)", pair)
		}
	}
	return nil
}
