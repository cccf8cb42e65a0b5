package domain

// Ratio is a job type's share of a model's pool.
type Ratio struct {
	InitialValue float64 `toml:"initial_value" json:"initial_value"`
	Flexible     bool    `toml:"flexible" json:"flexible"`
}

// JobTypeConfig is a named class of jobs that share an estimate profile and
// a share ratio of the model pool. The live ratio is JobTypeState's
// CurrentRatio, which starts at InitialValue and is mutated by the
// JobTypeAllocator's periodic redistribution; InitialValue itself never
// changes and is the reset/anchor point.
type JobTypeConfig struct {
	ID    string `toml:"id" json:"id"`
	Ratio Ratio  `toml:"ratio" json:"ratio"`

	// MaxWaitMSByModel overrides the default escalation wait for specific
	// models; MaxWaitMS is the type-wide override used when no per-model
	// entry exists. Both are optional (nil/absent ⇒ fall through to the
	// Scheduler's time-to-next-minute default).
	MaxWaitMSByModel map[string]int64 `toml:"max_wait_ms_by_model" json:"max_wait_ms_by_model"`
	MaxWaitMS        *int64           `toml:"max_wait_ms" json:"max_wait_ms,omitempty"`

	// EstimateOverrides replaces a model's DefaultEstimate for jobs of this
	// type, keyed by modelId. A zero ResourceEstimate value is not stored
	// here; absence means "use the model's default".
	EstimateOverrides map[string]ResourceEstimate `toml:"estimate_overrides" json:"estimate_overrides"`
}

// ResolveMaxWaitMS returns the configured override for a model, if any, in
// the priority order the Scheduler uses: per-model override, then the
// type-wide override. A false second return means neither was configured
// and the caller should fall back to its own time-based default.
func (jt JobTypeConfig) ResolveMaxWaitMS(modelID string) (int64, bool) {
	if jt.MaxWaitMSByModel != nil {
		if v, ok := jt.MaxWaitMSByModel[modelID]; ok {
			return v, true
		}
	}
	if jt.MaxWaitMS != nil {
		return *jt.MaxWaitMS, true
	}
	return 0, false
}

// EstimateFor returns the resource estimate to use for this job type against
// a given model: an override if one is configured, else the model's own
// default.
func (jt JobTypeConfig) EstimateFor(model ModelConfig) ResourceEstimate {
	if jt.EstimateOverrides != nil {
		if est, ok := jt.EstimateOverrides[model.ID]; ok {
			return est
		}
	}
	return model.DefaultEstimate
}

// JobTypeState is the mutable per-jobType state tracked by the
// JobTypeAllocator: the live currentRatio plus the inputs needed for slot
// math.
type JobTypeState struct {
	Config       JobTypeConfig
	CurrentRatio float64
}
