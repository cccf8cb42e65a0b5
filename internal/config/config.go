// Package config provides configuration management for QuotaGate.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"quotagate/internal/domain"
	"quotagate/internal/ratelimit"

	"github.com/BurntSushi/toml"
)

// DefaultJobTypeID is the job type assigned to submissions that carry no
// jobTypeId, and the sole job type synthesized when none are configured.
const DefaultJobTypeID = "default"

// Config is the root configuration structure
type Config struct {
	Label     string          `toml:"label"`
	Server    ServerConfig    `toml:"server"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Backend   BackendConfig   `toml:"backend"`

	Models          map[string]domain.ModelConfig   `toml:"models"`
	EscalationOrder []string                        `toml:"escalation_order"`
	JobTypes        map[string]domain.JobTypeConfig `toml:"job_types"`

	Memory          *ratelimit.MemoryConfig      `toml:"memory"`
	RatioAdjustment domain.RatioAdjustmentConfig `toml:"ratio_adjustment"`
	Coordinator     CoordinatorConfig            `toml:"coordinator"`
}

// ServerConfig contains the debug/metrics HTTP surface settings. The surface
// is read-only; job submission stays a library-level call.
type ServerConfig struct {
	HTTPPort     int           `toml:"http_port"`
	BindAddress  string        `toml:"bind_address"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled           bool   `toml:"enabled"`
	ServiceName       string `toml:"service_name"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	LogFormat         string `toml:"log_format"` // "json" or "pretty"
	LogLevel          string `toml:"log_level"`
}

// BackendConfig selects and configures the coordination backend.
type BackendConfig struct {
	Driver string      `toml:"driver"` // "memory" or "redis"
	Redis  RedisConfig `toml:"redis"`
}

// RedisConfig contains Redis connection settings for the coordinated backend.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// CoordinatorConfig governs instance liveness and pool recomputation.
type CoordinatorConfig struct {
	HeartbeatIntervalMs int64 `toml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int64 `toml:"heartbeat_timeout_ms"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Label: "quotagate",
		Server: ServerConfig{
			HTTPPort:     8080,
			BindAddress:  "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:           true,
			ServiceName:       "quotagate",
			PrometheusEnabled: true,
			LogFormat:         "json",
			LogLevel:          "info",
		},
		Backend: BackendConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "quotagate",
			},
		},
		Models:          make(map[string]domain.ModelConfig),
		JobTypes:        make(map[string]domain.JobTypeConfig),
		RatioAdjustment: domain.DefaultRatioAdjustmentConfig(),
		Coordinator: CoordinatorConfig{
			HeartbeatIntervalMs: 5_000,
			HeartbeatTimeoutMs:  15_000,
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := Default()

	// Parse TOML
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		// If file doesn't exist, return defaults
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Substitute environment variables
	cfg.substituteEnvVars()

	return cfg, nil
}

// LoadOrDefault loads config from file or returns defaults
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("Warning: Failed to load config from %s: %v\n", path, err)
		return Default()
	}

	return cfg
}

// substituteEnvVars substitutes ${VAR} patterns with environment variables
// and applies direct QUOTAGATE_* environment variable overrides
func (c *Config) substituteEnvVars() {
	c.Backend.Redis.Addr = expandEnv(c.Backend.Redis.Addr)
	c.Backend.Redis.Password = expandEnv(c.Backend.Redis.Password)

	// Direct environment variable overrides for Docker deployment
	if v := os.Getenv("QUOTAGATE_BACKEND_DRIVER"); v != "" {
		c.Backend.Driver = v
	}
	if v := os.Getenv("QUOTAGATE_REDIS_ADDR"); v != "" {
		c.Backend.Redis.Addr = v
	}
	if v := os.Getenv("QUOTAGATE_REDIS_PASSWORD"); v != "" {
		c.Backend.Redis.Password = v
	}
	if v := os.Getenv("QUOTAGATE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Backend.Redis.DB = db
		}
	}
	if v := os.Getenv("QUOTAGATE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("QUOTAGATE_LABEL"); v != "" {
		c.Label = v
	}
	if v := os.Getenv("QUOTAGATE_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
}

// expandEnv expands ${VAR} or $VAR patterns
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

const ratioEpsilon = 1e-6

// Validate checks the configuration invariants that must hold before a
// scheduler can be constructed. Violations are fatal and returned as a
// ConfigError; nothing is repaired silently except the documented defaults
// (sole-model escalation order, the synthesized default job type, the
// coordinator heartbeat interval and timeout).
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return &domain.ConfigError{Reason: "no models configured"}
	}

	// Model IDs live in the map key; mirror them into the structs so the
	// rest of the system never depends on the TOML shape.
	for id, m := range c.Models {
		m.ID = id
		c.Models[id] = m
	}

	if len(c.EscalationOrder) == 0 {
		if len(c.Models) > 1 {
			return &domain.ConfigError{Reason: "escalation_order is required when more than one model is configured"}
		}
		for id := range c.Models {
			c.EscalationOrder = []string{id}
		}
	}
	seen := make(map[string]bool, len(c.EscalationOrder))
	for rank, id := range c.EscalationOrder {
		m, ok := c.Models[id]
		if !ok {
			return &domain.ConfigError{Reason: fmt.Sprintf("escalation_order references undefined model %q", id)}
		}
		if seen[id] {
			return &domain.ConfigError{Reason: fmt.Sprintf("escalation_order lists model %q twice", id)}
		}
		seen[id] = true
		m.EscalationRank = rank
		c.Models[id] = m
	}

	for id, m := range c.Models {
		if (m.TokensPerMinute > 0 || m.TokensPerDay > 0) && m.DefaultEstimate.EstimatedUsedTokens <= 0 {
			return &domain.ConfigError{Reason: fmt.Sprintf("model %q has a token limit but no token estimate", id)}
		}
		if (m.RequestsPerMinute > 0 || m.RequestsPerDay > 0) && m.DefaultEstimate.EstimatedNumberOfRequests <= 0 {
			return &domain.ConfigError{Reason: fmt.Sprintf("model %q has a request limit but no request estimate", id)}
		}
	}

	if c.Memory != nil {
		declared := false
		for _, m := range c.Models {
			if m.DefaultEstimate.EstimatedUsedMemoryKB > 0 {
				declared = true
				break
			}
		}
		if !declared {
			return &domain.ConfigError{Reason: "memory policy configured but no model declares estimated_memory_kb"}
		}
		if c.Memory.FreeMemoryRatio <= 0 || c.Memory.FreeMemoryRatio > 1 {
			return &domain.ConfigError{Reason: "memory.free_memory_ratio must be in (0, 1]"}
		}
	}

	if len(c.JobTypes) == 0 {
		c.JobTypes = map[string]domain.JobTypeConfig{
			DefaultJobTypeID: {
				ID:    DefaultJobTypeID,
				Ratio: domain.Ratio{InitialValue: 1.0, Flexible: false},
			},
		}
	}
	sum := 0.0
	for id, jt := range c.JobTypes {
		jt.ID = id
		c.JobTypes[id] = jt
		if jt.Ratio.InitialValue < 0 || jt.Ratio.InitialValue > 1 {
			return &domain.ConfigError{Reason: fmt.Sprintf("job type %q has ratio %v outside [0, 1]", id, jt.Ratio.InitialValue)}
		}
		sum += jt.Ratio.InitialValue
	}
	if math.Abs(sum-1.0) > ratioEpsilon {
		return &domain.ConfigError{Reason: fmt.Sprintf("job type ratios sum to %v, want 1.0", sum)}
	}

	if c.Coordinator.HeartbeatIntervalMs <= 0 {
		c.Coordinator.HeartbeatIntervalMs = 5_000
	}
	if c.Coordinator.HeartbeatTimeoutMs <= 0 {
		c.Coordinator.HeartbeatTimeoutMs = 3 * c.Coordinator.HeartbeatIntervalMs
	}
	if c.Coordinator.HeartbeatTimeoutMs <= c.Coordinator.HeartbeatIntervalMs {
		return &domain.ConfigError{Reason: "coordinator.heartbeat_timeout_ms must exceed heartbeat_interval_ms"}
	}

	return nil
}

// GetModel returns model configuration by ID
func (c *Config) GetModel(modelID string) (domain.ModelConfig, bool) {
	m, ok := c.Models[modelID]
	return m, ok
}

// JobTypeOrDefault resolves a submission's jobTypeId: empty falls back to the
// sole configured type when there is exactly one, else to the default type.
func (c *Config) JobTypeOrDefault(jobTypeID string) (domain.JobTypeConfig, bool) {
	if jobTypeID == "" {
		if len(c.JobTypes) == 1 {
			for _, jt := range c.JobTypes {
				return jt, true
			}
		}
		jobTypeID = DefaultJobTypeID
	}
	jt, ok := c.JobTypes[jobTypeID]
	return jt, ok
}

// JobTypeList returns the configured job types as a slice, for components
// that iterate rather than look up.
func (c *Config) JobTypeList() []domain.JobTypeConfig {
	out := make([]domain.JobTypeConfig, 0, len(c.JobTypes))
	for _, jt := range c.JobTypes {
		out = append(out, jt)
	}
	return out
}
