package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port              string
	LogLevel          string
	DataDir           string
	AdminToken        string
	ControlToken      string
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	MaxTaskIterations int
	AutonomousMode    string
	OTLPEndpoint      string
	RedisAddr         string
	RedisPassword     string
}

// Load reads configuration from environment variables, applying defaults
// for anything unset. It returns an error when a value fails to parse or
// validate; callers treat that as a configuration fault rather than a
// runtime one.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		DataDir:        envOr("DATA_DIR", "data"),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),
		ControlToken:   os.Getenv("CONTROL_TOKEN"),
		AutonomousMode: envOr("AUTONOMOUS_MODE", "off"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
	}

	switch cfg.AutonomousMode {
	case "off", "assisted", "full":
	default:
		return nil, fmt.Errorf("config: AUTONOMOUS_MODE %q: want off, assisted or full", cfg.AutonomousMode)
	}

	ttl, err := envInt("LEASE_TTL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("config: LEASE_TTL_SECONDS must be positive, got %d", ttl)
	}
	cfg.LeaseTTL = time.Duration(ttl) * time.Second

	// Heartbeats must land well before the lease lapses or every run
	// loses its work item mid-flight.
	hb, err := envInt("HEARTBEAT_INTERVAL_SECONDS", ttl/2)
	if err != nil {
		return nil, err
	}
	if hb <= 0 || hb >= ttl {
		return nil, fmt.Errorf("config: HEARTBEAT_INTERVAL_SECONDS must be between 1 and %d, got %d", ttl-1, hb)
	}
	cfg.HeartbeatInterval = time.Duration(hb) * time.Second

	iters, err := envInt("MAX_TASK_ITERATIONS", 50)
	if err != nil {
		return nil, err
	}
	if iters < 0 {
		return nil, fmt.Errorf("config: MAX_TASK_ITERATIONS must not be negative, got %d", iters)
	}
	cfg.MaxTaskIterations = iters

	return cfg, nil
}

// DatabasePath returns the SQLite database location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "mandate.db")
}

// PoliciesDir returns the directory scanned for policy packs at boot.
func (c *Config) PoliciesDir() string {
	return filepath.Join(c.DataDir, "policies")
}

// ModulesDir returns the directory scanned for sandboxed tool modules.
func (c *Config) ModulesDir() string {
	return filepath.Join(c.DataDir, "modules")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
