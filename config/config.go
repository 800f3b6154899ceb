package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Storage
	SQLitePath string

	// Historical provider
	ProviderURL   string
	ProviderToken string
	ProviderRPM   int // request budget per minute

	// Live tick feed (optional; historical-only mode when empty)
	FeedWSURL string

	// Redis publisher (optional; disabled when addr is empty)
	RedisAddr     string
	RedisPassword string

	// Health/metrics HTTP server
	ListenAddr string

	// Instruments swept periodically (comma-separated symbols)
	Symbols string

	// Backfill workers
	WorkerCount int

	// Tick retention before pruning
	TickRetention time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		SQLitePath: getEnv("SQLITE_PATH", "data/pipeline.db"),

		ProviderURL:   getEnv("PROVIDER_URL", ""),
		ProviderToken: getEnv("PROVIDER_TOKEN", ""),
		ProviderRPM:   getEnvInt("PROVIDER_RPM", 40),

		FeedWSURL: getEnv("FEED_WS_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		ListenAddr: getEnv("LISTEN_ADDR", ":9100"),

		Symbols: getEnv("SYMBOLS", ""),

		WorkerCount:   getEnvInt("WORKER_COUNT", 2),
		TickRetention: getEnvDuration("TICK_RETENTION", 7*24*time.Hour),
	}
}

// ParseSymbols parses the Symbols string into a symbol slice. Returns nil
// when unset so callers can fall back to the default instrument set.
func (c *Config) ParseSymbols() []string {
	parts := strings.Split(c.Symbols, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		symbols = append(symbols, p)
	}
	if len(symbols) == 0 {
		return nil
	}
	return symbols
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
