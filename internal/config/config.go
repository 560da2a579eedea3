// Package config loads process configuration from environment variables
// with an optional YAML file overlay (spec §6, expanded in the ambient
// stack). Grounded on the YAML-unmarshal-then-Validate shape of
// internal/config/providers.go from the teacher repository; the
// env-var-first precedence is this system's own since spec §6 frames
// configuration as "environment or config file".
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config binds every key enumerated in spec §6 plus the two the expansion
// adds for venue selection and heartbeat cadence (VENUES,
// HEARTBEAT_INTERVAL_MS), and the REST snapshot rate-limit settings
// (rest_rate_per_sec, rest_burst), which are read from the YAML file only.
type Config struct {
	ListenAddr          string        `yaml:"listen_addr"`
	BroadcastCapacity   int           `yaml:"broadcast_capacity"`
	EgressThrottleMS    int           `yaml:"egress_throttle_ms"`
	DepthMax            int           `yaml:"depth_max"`
	DisplayDepth        int           `yaml:"display_depth"`
	TrimGrowthFactor    int           `yaml:"trim_growth_factor"`
	LatencyRingSize     int           `yaml:"latency_ring_size"`
	MetricsIntervalMS   int           `yaml:"metrics_interval_ms"`
	ReconnectBackoffMS  int           `yaml:"reconnect_backoff_ms"`
	HeartbeatIntervalMS int           `yaml:"heartbeat_interval_ms"`
	Symbols             []string      `yaml:"symbols"`
	Venues              []string      `yaml:"venues"`
	RESTRatePerSec      float64       `yaml:"rest_rate_per_sec"`
	RESTBurst           int           `yaml:"rest_burst"`
}

// Default returns spec §6's documented defaults.
func Default() Config {
	return Config{
		ListenAddr:          "0.0.0.0:8080",
		BroadcastCapacity:   4096,
		EgressThrottleMS:    1000,
		DepthMax:            100,
		DisplayDepth:        5,
		TrimGrowthFactor:    10,
		LatencyRingSize:     4096,
		MetricsIntervalMS:   1000,
		ReconnectBackoffMS:  5000,
		HeartbeatIntervalMS: 30000,
		Symbols:             []string{"BTCUSDT", "ETHUSDT"},
		Venues:              []string{"binance", "kraken", "coinbase", "okx"},
		RESTRatePerSec:      5,
		RESTBurst:           10,
	}
}

// Load builds a Config starting from Default, overlaying an optional YAML
// file (if path is non-empty and exists), then overlaying environment
// variables — the most specific source wins, matching the teacher's
// file-then-validate pattern with env taking final precedence for
// container-friendly overrides.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", yamlPath, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", yamlPath, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	envInt("BROADCAST_CAPACITY", &cfg.BroadcastCapacity)
	envInt("EGRESS_THROTTLE_MS", &cfg.EgressThrottleMS)
	envInt("DEPTH_MAX", &cfg.DepthMax)
	envInt("DISPLAY_DEPTH", &cfg.DisplayDepth)
	envInt("TRIM_GROWTH_FACTOR", &cfg.TrimGrowthFactor)
	envInt("LATENCY_RING_SIZE", &cfg.LatencyRingSize)
	envInt("METRICS_INTERVAL_MS", &cfg.MetricsIntervalMS)
	envInt("RECONNECT_BACKOFF_MS", &cfg.ReconnectBackoffMS)
	envInt("HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatIntervalMS)
	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.Symbols = splitCSV(v)
	}
	if v := os.Getenv("VENUES"); v != "" {
		cfg.Venues = splitCSV(v)
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects configuration that would make the process meaningless or
// crash-loop (spec §7 FatalConfig: "Process exits").
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.BroadcastCapacity <= 0 {
		return fmt.Errorf("broadcast_capacity must be positive, got %d", c.BroadcastCapacity)
	}
	if c.DepthMax <= 0 {
		return fmt.Errorf("depth_max must be positive, got %d", c.DepthMax)
	}
	if c.DisplayDepth <= 0 || c.DisplayDepth > 25 {
		return fmt.Errorf("display_depth must be in (0, 25], got %d", c.DisplayDepth)
	}
	if c.TrimGrowthFactor <= 0 {
		return fmt.Errorf("trim_growth_factor must be positive, got %d", c.TrimGrowthFactor)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols cannot be empty")
	}
	if len(c.Venues) == 0 {
		return fmt.Errorf("venues cannot be empty")
	}
	return nil
}

// EgressThrottle returns EgressThrottleMS as a time.Duration.
func (c Config) EgressThrottle() time.Duration {
	return time.Duration(c.EgressThrottleMS) * time.Millisecond
}

// MetricsInterval returns MetricsIntervalMS as a time.Duration.
func (c Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalMS) * time.Millisecond
}

// ReconnectBackoff returns ReconnectBackoffMS as a time.Duration.
func (c Config) ReconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectBackoffMS) * time.Millisecond
}

// HeartbeatInterval returns HeartbeatIntervalMS as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}
