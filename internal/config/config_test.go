package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotagate/internal/domain"
	"quotagate/internal/ratelimit"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Models = map[string]domain.ModelConfig{
		"model-a": {
			TokensPerMinute:   10_000,
			RequestsPerMinute: 100,
			DefaultEstimate: domain.ResourceEstimate{
				EstimatedNumberOfRequests: 1,
				EstimatedUsedTokens:       500,
			},
		},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("valid single-model config", func(t *testing.T) {
		cfg := validConfig()
		require.NoError(t, cfg.Validate())

		assert.Equal(t, []string{"model-a"}, cfg.EscalationOrder, "sole model becomes the escalation order")
		assert.Equal(t, "model-a", cfg.Models["model-a"].ID, "map key mirrored into the struct")

		// A default job type is synthesized.
		jt, ok := cfg.JobTypeOrDefault("")
		require.True(t, ok)
		assert.Equal(t, DefaultJobTypeID, jt.ID)
		assert.Equal(t, 1.0, jt.Ratio.InitialValue)
	})

	t.Run("empty models is fatal", func(t *testing.T) {
		cfg := Default()
		err := cfg.Validate()
		var ce *domain.ConfigError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("escalation order required for multiple models", func(t *testing.T) {
		cfg := validConfig()
		cfg.Models["model-b"] = domain.ModelConfig{
			DefaultEstimate: domain.ResourceEstimate{EstimatedNumberOfRequests: 1},
		}
		assert.Error(t, cfg.Validate())

		cfg.EscalationOrder = []string{"model-a", "model-b"}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 0, cfg.Models["model-a"].EscalationRank)
		assert.Equal(t, 1, cfg.Models["model-b"].EscalationRank)
	})

	t.Run("escalation order referencing unknown model is fatal", func(t *testing.T) {
		cfg := validConfig()
		cfg.EscalationOrder = []string{"model-a", "ghost"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("rate limit without estimate is fatal", func(t *testing.T) {
		cfg := validConfig()
		m := cfg.Models["model-a"]
		m.DefaultEstimate.EstimatedUsedTokens = 0
		cfg.Models["model-a"] = m
		assert.Error(t, cfg.Validate())
	})

	t.Run("memory policy without declaring model is fatal", func(t *testing.T) {
		cfg := validConfig()
		cfg.Memory = &ratelimit.MemoryConfig{FreeMemoryRatio: 0.5}
		assert.Error(t, cfg.Validate())

		m := cfg.Models["model-a"]
		m.DefaultEstimate.EstimatedUsedMemoryKB = 1_024
		cfg.Models["model-a"] = m
		assert.NoError(t, cfg.Validate())
	})

	t.Run("job type ratios must sum to one", func(t *testing.T) {
		cfg := validConfig()
		cfg.JobTypes = map[string]domain.JobTypeConfig{
			"chat":  {Ratio: domain.Ratio{InitialValue: 0.6, Flexible: true}},
			"batch": {Ratio: domain.Ratio{InitialValue: 0.6, Flexible: true}},
		}
		assert.Error(t, cfg.Validate())

		cfg.JobTypes["batch"] = domain.JobTypeConfig{Ratio: domain.Ratio{InitialValue: 0.4, Flexible: true}}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("heartbeat timeout must exceed interval", func(t *testing.T) {
		cfg := validConfig()
		cfg.Coordinator.HeartbeatIntervalMs = 5_000
		cfg.Coordinator.HeartbeatTimeoutMs = 5_000
		assert.Error(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Backend.Driver)
		assert.Equal(t, int64(5_000), cfg.Coordinator.HeartbeatIntervalMs)
	})

	t.Run("parses models and job types", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		data := `
label = "test-gate"
escalation_order = ["alpha", "beta"]

[backend]
driver = "redis"

[backend.redis]
addr = "redis:6379"

[models.alpha]
tokens_per_minute = 1000
requests_per_minute = 10

[models.alpha.default_estimate]
estimated_requests = 1
estimated_tokens = 100

[models.beta]
requests_per_minute = 100

[models.beta.default_estimate]
estimated_requests = 1

[job_types.chat]
[job_types.chat.ratio]
initial_value = 0.7
flexible = true

[job_types.batch]
max_wait_ms = 0
[job_types.batch.ratio]
initial_value = 0.3
flexible = false
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())

		assert.Equal(t, "test-gate", cfg.Label)
		assert.Equal(t, "redis", cfg.Backend.Driver)
		assert.Equal(t, "redis:6379", cfg.Backend.Redis.Addr)
		assert.Equal(t, int64(1000), cfg.Models["alpha"].TokensPerMinute)
		assert.Equal(t, 0.7, cfg.JobTypes["chat"].Ratio.InitialValue)

		batch := cfg.JobTypes["batch"]
		require.NotNil(t, batch.MaxWaitMS)
		assert.Equal(t, int64(0), *batch.MaxWaitMS)
		assert.False(t, batch.Ratio.Flexible)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("QUOTAGATE_BACKEND_DRIVER", "redis")
		t.Setenv("QUOTAGATE_REDIS_ADDR", "other:6379")

		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte(`label = "x"`), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "redis", cfg.Backend.Driver)
		assert.Equal(t, "other:6379", cfg.Backend.Redis.Addr)
	})
}
