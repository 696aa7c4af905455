// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string // ingress / health / metrics

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string

	// Key material for the credential sealed box. Empty disables
	// encryption (dev only).
	EncryptionKey string

	// JWKS endpoint used to validate bearer tokens on the event
	// ingress. Empty disables auth (dev only).
	IngressJWKSURL string
	IngressIssuer  string

	// Path to the vendor profile YAML (endpoints, field mappings,
	// rate limits, token lead time).
	VendorProfilePath string

	// Base URL + static token for the directory ingestion API.
	SinkBaseURL string
	SinkToken   string

	// Scheduler knobs.
	Workers           int
	RetryBudget       int
	DeleteConcurrency int
	DefaultRetryAfter time.Duration
	TokenLeadTime     time.Duration
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:               env("ROSTERSYNC_ENV", "dev"),
		HTTPAddr:          env("ROSTERSYNC_HTTP_ADDR", ":8080"),
		RedisURL:          env("REDIS_URL", ""),
		DatabaseURL:       env("DATABASE_URL", ""),
		EncryptionKey:     env("CREDENTIALS_ENCRYPTION_KEY", ""),
		IngressJWKSURL:    env("INGRESS_JWKS_URL", ""),
		IngressIssuer:     env("INGRESS_ISSUER", ""),
		VendorProfilePath: env("VENDOR_PROFILE_PATH", ""),
		SinkBaseURL:       env("SINK_BASE_URL", "http://localhost:9090"),
		SinkToken:         env("SINK_TOKEN", ""),
		Workers:           envInt("WORKERS", 8),
		RetryBudget:       envInt("RETRY_BUDGET", 5),
		DeleteConcurrency: envInt("DELETE_CONCURRENCY", 4),
		DefaultRetryAfter: envDur("DEFAULT_RETRY_AFTER_SEC", 60) * time.Second,
		TokenLeadTime:     envDur("TOKEN_LEAD_TIME_SEC", 300) * time.Second,
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set — using in-memory tenant store for dev")
	}
	if cfg.RedisURL == "" {
		log.Println("[WARN] REDIS_URL not set — using in-memory event bus for dev")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i)
		}
	}
	return time.Duration(def)
}
