// Package config loads process settings from the environment and the
// optional per-repository configuration document.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Settings is the environment-sourced configuration shared by the gateway
// and the workers.
type Settings struct {
	// GitHub App
	AppID          int64
	PrivateKey     []byte
	WebhookSecret  string

	// Stores
	RedisURL    string
	DatabaseURL string

	// Model providers
	AnthropicAPIKey string
	EmbeddingAPIKey string
	VectorStoreURL  string

	// HTTP
	Port        string
	AdminSecret string
	BotName     string

	// Review pipeline
	CheapModel       string
	StrongModel      string
	CostCeiling      float64 // currency units per review
	LargePRThreshold int

	// Scheduler
	FastWorkers    int
	SlowWorkers    int
	IndexWorkers   int
	ReplyWorkers   int
	SoftDeadline   time.Duration
	HardDeadline   time.Duration
	IdempotencyTTL time.Duration

	// Gateway
	AckBudget     time.Duration
	EnqueueBudget time.Duration
}

// Load reads settings from the environment. Missing key material (app id,
// private key, webhook secret) is a hard failure with a diagnostic; every
// tunable has a default.
func Load() (*Settings, error) {
	s := &Settings{
		Port:             envOr("PORT", "8080"),
		BotName:          envOr("BOT_NAME", "pullsentry"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RedisURL:         envOr("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		EmbeddingAPIKey:  os.Getenv("EMBEDDING_API_KEY"),
		VectorStoreURL:   os.Getenv("VECTOR_STORE_URL"),
		CheapModel:       envOr("CHEAP_MODEL", "claude-haiku-4-5-20251001"),
		StrongModel:      envOr("STRONG_MODEL", "claude-sonnet-4-5-20250929"),
		CostCeiling:      envFloat("COST_CEILING", 0.50),
		LargePRThreshold: envInt("LARGE_PR_THRESHOLD", 50),
		FastWorkers:      envInt("FAST_WORKERS", 4),
		SlowWorkers:      envInt("SLOW_WORKERS", 1),
		IndexWorkers:     envInt("INDEX_WORKERS", 1),
		ReplyWorkers:     envInt("REPLY_WORKERS", 2),
		SoftDeadline:     envDuration("SOFT_DEADLINE", 180*time.Second),
		HardDeadline:     envDuration("HARD_DEADLINE", 300*time.Second),
		IdempotencyTTL:   envDuration("IDEMPOTENCY_TTL", 2*time.Hour),
		AckBudget:        envDuration("ACK_BUDGET", 100*time.Millisecond),
		EnqueueBudget:    envDuration("ENQUEUE_BUDGET", 50*time.Millisecond),
	}

	appIDStr := os.Getenv("GITHUB_APP_ID")
	if appIDStr == "" {
		return nil, fmt.Errorf("GITHUB_APP_ID is required")
	}
	appID, err := strconv.ParseInt(appIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid GITHUB_APP_ID: %w", err)
	}
	s.AppID = appID

	s.WebhookSecret = os.Getenv("GITHUB_WEBHOOK_SECRET")
	if s.WebhookSecret == "" {
		return nil, fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}

	if key := os.Getenv("GITHUB_PRIVATE_KEY"); key != "" {
		s.PrivateKey = []byte(key)
	} else if path := os.Getenv("GITHUB_PRIVATE_KEY_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read GITHUB_PRIVATE_KEY_PATH: %w", err)
		}
		s.PrivateKey = data
	} else {
		return nil, fmt.Errorf("GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_PATH is required")
	}

	if s.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return s, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
