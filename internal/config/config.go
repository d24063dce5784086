package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the approval and distribution
// service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	ChatOpsEnabled    bool
	ChatOpsServiceURL string
	ChatOpsChannel    string

	ApprovalTTL   time.Duration
	SweepInterval time.Duration

	DistributionStrategy string

	WSSendBuffer int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "warden"),
		AllowAnyOrigin:       false,
		DatabaseURL:          envTrimmed("DATABASE_URL"),
		ChatOpsServiceURL:    envTrimmed("CHATOPS_SERVICE_URL"),
		ChatOpsChannel:       envTrimmed("CHATOPS_CHANNEL"),
		DistributionStrategy: envOrDefault("APP_DISTRIBUTION_STRATEGY", "round_robin"),
		ShutdownTimeout:      15 * time.Second,
		ApprovalTTL:          30 * time.Minute,
		SweepInterval:        time.Minute,
		WSSendBuffer:         64,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ApprovalTTL, err = durationFromEnv("APP_APPROVAL_TTL", cfg.ApprovalTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("APP_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatOpsEnabled, err = boolFromEnv("CHATOPS_ENABLED", cfg.ChatOpsServiceURL != "")
	if err != nil {
		return Config{}, err
	}
	cfg.WSSendBuffer, err = intFromEnv("APP_WS_SEND_BUFFER", cfg.WSSendBuffer)
	if err != nil {
		return Config{}, err
	}

	if cfg.ChatOpsEnabled && cfg.ChatOpsServiceURL == "" {
		return Config{}, fmt.Errorf("CHATOPS_SERVICE_URL required when CHATOPS_ENABLED is set")
	}
	if cfg.ChatOpsEnabled && cfg.ChatOpsChannel == "" {
		return Config{}, fmt.Errorf("CHATOPS_CHANNEL required when CHATOPS_ENABLED is set")
	}
	if cfg.ApprovalTTL < 0 {
		return Config{}, fmt.Errorf("APP_APPROVAL_TTL must be >= 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("APP_SWEEP_INTERVAL must be positive")
	}
	if cfg.WSSendBuffer <= 0 {
		return Config{}, fmt.Errorf("APP_WS_SEND_BUFFER must be positive")
	}
	switch cfg.DistributionStrategy {
	case "round_robin", "least_loaded", "random":
	default:
		return Config{}, fmt.Errorf("APP_DISTRIBUTION_STRATEGY must be round_robin, least_loaded or random")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := envTrimmed(key)
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
