// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port        string          `yaml:"port"`
	FrontendURL string          `yaml:"frontend_url"`
	DBPath      string          `yaml:"db_path"`
	Agent       AgentConfig     `yaml:"agent"`
	Sync        SyncConfig      `yaml:"sync"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Log         LogConfig       `yaml:"log"`
}

// AgentConfig controls the task engine and agent lifecycle.
type AgentConfig struct {
	// EngineAddr is the gRPC address of a remote task engine. Empty selects the local echo engine.
	EngineAddr        string        `yaml:"engine_addr"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	EchoDelay         time.Duration `yaml:"echo_delay"`
	EventBufferSize   int           `yaml:"event_buffer_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// SweepInterval runs the pending-destruction sweep periodically. Zero disables the background sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SyncConfig controls the broadcast channel.
type SyncConfig struct {
	SendQueueSize int           `yaml:"send_queue_size"`
	PingInterval  time.Duration `yaml:"ping_interval"`
}

// RateLimitConfig controls per-session REST throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads configuration from environment variables, then overlays the
// YAML file named by CONFIG_FILE (or path, when non-empty).
func Load(path string) (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/chat.db"),
		Agent: AgentConfig{
			EngineAddr:        getEnv("AGENT_ENGINE_ADDR", ""),
			ConnectTimeout:    getEnvDuration("AGENT_CONNECT_TIMEOUT", 5*time.Second),
			EchoDelay:         getEnvDuration("AGENT_ECHO_DELAY", 40*time.Millisecond),
			EventBufferSize:   getEnvInt("TASK_EVENT_BUFFER_SIZE", 1000),
			HeartbeatInterval: getEnvDuration("TASK_HEARTBEAT_INTERVAL", 15*time.Second),
			SweepInterval:     getEnvDuration("AGENT_SWEEP_INTERVAL", time.Minute),
		},
		Sync: SyncConfig{
			SendQueueSize: getEnvInt("SYNC_SEND_QUEUE_SIZE", 64),
			PingInterval:  getEnvDuration("SYNC_PING_INTERVAL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("RATE_LIMIT_RPS", 20),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 40),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			JSON:       getEnvBool("LOG_JSON", true),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		},
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// mergeFile overlays values present in the YAML file onto cfg.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Agent.EventBufferSize <= 0 {
		return fmt.Errorf("TASK_EVENT_BUFFER_SIZE must be > 0")
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("TASK_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Agent.SweepInterval < 0 {
		return fmt.Errorf("AGENT_SWEEP_INTERVAL cannot be negative")
	}
	if c.Sync.SendQueueSize <= 0 {
		return fmt.Errorf("SYNC_SEND_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// EngineKind names the configured task engine.
func (c *Config) EngineKind() string {
	if c.Agent.EngineAddr != "" {
		return "grpc"
	}
	return "echo"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
