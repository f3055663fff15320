package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	ProviderMode   string
	ProviderURL    string
	ProviderAPIKey string
	ProviderModel  string

	DatabaseURL string

	// AuthTokens holds "token:userID" pairs separated by commas. Empty means
	// single-user mode with no credential check.
	AuthTokens map[string]string

	// FlushEvery is the streaming persistence throttle in characters.
	FlushEvery int
	// ChunkUnit scales the chunker's per-character delays; one unit of delay
	// sleeps this long.
	ChunkUnit time.Duration

	// Retention bounds.
	MaxSessions           int
	MaxMessagesPerSession int
	MaxAgeDays            int
	PageSize              int
	CleanupCooldown       time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "calliope"),
		AllowAnyOrigin:   false,
		ProviderMode:     envOrDefault("PROVIDER_MODE", "auto"),
		ProviderURL:      envTrimmed("PROVIDER_URL"),
		ProviderAPIKey:   envTrimmed("PROVIDER_API_KEY"),
		ProviderModel:    envOrDefault("PROVIDER_MODEL", "qwen-turbo"),
		DatabaseURL:      envTrimmed("DATABASE_URL"),

		FlushEvery: 20,
		ChunkUnit:  time.Millisecond,

		MaxSessions:           100,
		MaxMessagesPerSession: 50,
		MaxAgeDays:            30,
		PageSize:              20,
		CleanupCooldown:       24 * time.Hour,

		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.FlushEvery, err = intFromEnv("STREAM_FLUSH_EVERY", cfg.FlushEvery)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkUnit, err = durationFromEnv("STREAM_CHUNK_UNIT", cfg.ChunkUnit)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessions, err = intFromEnv("HISTORY_MAX_SESSIONS", cfg.MaxSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessagesPerSession, err = intFromEnv("HISTORY_MAX_MESSAGES_PER_SESSION", cfg.MaxMessagesPerSession)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxAgeDays, err = intFromEnv("HISTORY_MAX_AGE_DAYS", cfg.MaxAgeDays)
	if err != nil {
		return Config{}, err
	}
	cfg.PageSize, err = intFromEnv("HISTORY_PAGE_SIZE", cfg.PageSize)
	if err != nil {
		return Config{}, err
	}
	cfg.CleanupCooldown, err = durationFromEnv("HISTORY_CLEANUP_COOLDOWN", cfg.CleanupCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthTokens, err = tokensFromEnv("AUTH_TOKENS")
	if err != nil {
		return Config{}, err
	}

	if cfg.FlushEvery < 1 {
		return Config{}, fmt.Errorf("STREAM_FLUSH_EVERY must be at least 1")
	}
	if cfg.ChunkUnit <= 0 {
		return Config{}, fmt.Errorf("STREAM_CHUNK_UNIT must be positive")
	}
	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("HISTORY_MAX_SESSIONS must be positive")
	}
	if cfg.MaxMessagesPerSession <= 0 {
		return Config{}, fmt.Errorf("HISTORY_MAX_MESSAGES_PER_SESSION must be positive")
	}
	if cfg.MaxAgeDays <= 0 {
		return Config{}, fmt.Errorf("HISTORY_MAX_AGE_DAYS must be positive")
	}
	if cfg.PageSize <= 0 {
		return Config{}, fmt.Errorf("HISTORY_PAGE_SIZE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func tokensFromEnv(key string) (map[string]string, error) {
	v := envTrimmed(key)
	if v == "" {
		return nil, nil
	}
	tokens := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, ok := strings.Cut(pair, ":")
		token = strings.TrimSpace(token)
		userID = strings.TrimSpace(userID)
		if !ok || token == "" || userID == "" {
			return nil, fmt.Errorf("%s parse error: expected token:userID pairs", key)
		}
		tokens[token] = userID
	}
	return tokens, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
