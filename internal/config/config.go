package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat routing service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool

	// Liveness monitoring knobs. A session missing MaxMissedPolls consecutive
	// poll intervals is evicted by the reconciler.
	PollInterval    time.Duration
	MaxMissedPolls  int
	PollHistorySize int

	// ReconcileInterval is the period of the background loop that refreshes
	// shift state, evicts stale sessions and drains the queue.
	ReconcileInterval time.Duration

	// WaitPerSlot is the rough per-position wait estimate reported to queued
	// customers while they poll.
	WaitPerSlot time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "chatrouter"),
		LogLevel:          envOrDefault("APP_LOG_LEVEL", "info"),
		AllowAnyOrigin:    false,
		ShutdownTimeout:   15 * time.Second,
		PollInterval:      time.Second,
		MaxMissedPolls:    3,
		PollHistorySize:   100,
		ReconcileInterval: 10 * time.Second,
		WaitPerSlot:       90 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("APP_POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMissedPolls, err = intFromEnv("APP_MAX_MISSED_POLLS", cfg.MaxMissedPolls)
	if err != nil {
		return Config{}, err
	}
	cfg.PollHistorySize, err = intFromEnv("APP_POLL_HISTORY_SIZE", cfg.PollHistorySize)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileInterval, err = durationFromEnv("APP_RECONCILE_INTERVAL", cfg.ReconcileInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.WaitPerSlot, err = durationFromEnv("APP_WAIT_PER_SLOT", cfg.WaitPerSlot)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.PollInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("APP_POLL_INTERVAL must be at least 100ms")
	}
	if cfg.MaxMissedPolls < 1 {
		return Config{}, fmt.Errorf("APP_MAX_MISSED_POLLS must be positive")
	}
	if cfg.PollHistorySize < 1 {
		return Config{}, fmt.Errorf("APP_POLL_HISTORY_SIZE must be positive")
	}
	if cfg.ReconcileInterval < time.Second {
		return Config{}, fmt.Errorf("APP_RECONCILE_INTERVAL must be at least 1s")
	}
	if cfg.WaitPerSlot <= 0 {
		return Config{}, fmt.Errorf("APP_WAIT_PER_SLOT must be positive")
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

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
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
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
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
