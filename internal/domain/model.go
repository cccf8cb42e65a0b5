package domain

// ResourceEstimate is the default per-event estimate used for admission
// bookkeeping until actual usage is reported. Any field left at zero is
// treated as "no estimate for this dimension" by the limiter it feeds.
type ResourceEstimate struct {
	EstimatedNumberOfRequests int64 `toml:"estimated_requests" json:"estimated_requests"`
	EstimatedUsedTokens       int64 `toml:"estimated_tokens" json:"estimated_tokens"`
	EstimatedUsedMemoryKB     int64 `toml:"estimated_memory_kb" json:"estimated_memory_kb"`
}

// ModelConfig is the immutable, provider-side configuration for one model
// endpoint. Any limit left at zero/nil means that dimension is unbounded.
type ModelConfig struct {
	ID                    string           `toml:"id" json:"id"`
	RequestsPerMinute     int64            `toml:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute       int64            `toml:"tokens_per_minute" json:"tokens_per_minute"`
	RequestsPerDay        int64            `toml:"requests_per_day" json:"requests_per_day"`
	TokensPerDay          int64            `toml:"tokens_per_day" json:"tokens_per_day"`
	MaxConcurrentRequests int64            `toml:"max_concurrent_requests" json:"max_concurrent_requests"`
	DefaultEstimate       ResourceEstimate `toml:"default_estimate" json:"default_estimate"`

	// EscalationRank is this model's index in the configured escalation
	// order; lower is tried first. Set by Config validation, not by the
	// user directly.
	EscalationRank int `toml:"-" json:"escalation_rank"`
}

// HasDimension reports whether a rate-limit dimension is configured
// (non-zero) for this model.
func (m ModelConfig) HasDimension(dim Dimension) bool {
	switch dim {
	case DimRPM:
		return m.RequestsPerMinute > 0
	case DimTPM:
		return m.TokensPerMinute > 0
	case DimRPD:
		return m.RequestsPerDay > 0
	case DimTPD:
		return m.TokensPerDay > 0
	default:
		return false
	}
}

// Dimension identifies one of the four window-counted resource dimensions a
// ModelLimiter tracks.
type Dimension string

const (
	DimRPM Dimension = "rpm"
	DimTPM Dimension = "tpm"
	DimRPD Dimension = "rpd"
	DimTPD Dimension = "tpd"
)

// WindowMs returns the fixed window length for a dimension: one minute for
// RPM/TPM, one day for RPD/TPD.
func (d Dimension) WindowMs() int64 {
	switch d {
	case DimRPM, DimTPM:
		return 60_000
	case DimRPD, DimTPD:
		return 86_400_000
	default:
		return 0
	}
}

// ModelPool is the distributed allocation for one (instance, model) pair,
// as computed by the Coordinator from the live peer count.
type ModelPool struct {
	TotalSlots        int64 `json:"total_slots"`
	TokensPerMinute   int64 `json:"tokens_per_minute"`
	RequestsPerMinute int64 `json:"requests_per_minute"`
	TokensPerDay      int64 `json:"tokens_per_day"`
	RequestsPerDay    int64 `json:"requests_per_day"`
}

// AllocationInfo is the coordination backend's view of the cluster: how
// many instances are alive and what pool each of them currently holds per
// model.
type AllocationInfo struct {
	InstanceCount int                  `json:"instance_count"`
	Pools         map[string]ModelPool `json:"pools"` // keyed by modelId
}

// UnlimitedSlots stands in for "no concurrency limit configured" in pool
// math. It is kept far from MaxInt64 so per-instance division and ratio
// multiplication never overflow.
const UnlimitedSlots = int64(1) << 40

// PoolForInstances derives one instance's share of a model's configured
// quota when n instances are alive: each window dimension is divided by n
// with floor rounding, so the cluster-wide sum never exceeds the configured
// quota. n < 1 is treated as a single instance.
func PoolForInstances(m ModelConfig, n int) ModelPool {
	if n < 1 {
		n = 1
	}
	slots := m.MaxConcurrentRequests
	if slots <= 0 {
		slots = UnlimitedSlots
	}
	div := int64(n)
	return ModelPool{
		TotalSlots:        slots / div,
		TokensPerMinute:   m.TokensPerMinute / div,
		RequestsPerMinute: m.RequestsPerMinute / div,
		TokensPerDay:      m.TokensPerDay / div,
		RequestsPerDay:    m.RequestsPerDay / div,
	}
}
