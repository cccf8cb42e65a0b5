package domain

// RatioAdjustmentConfig governs the periodic redistribution of job-type
// ratios within one model's pool.
type RatioAdjustmentConfig struct {
	IntervalMs         int64   `toml:"interval_ms" json:"interval_ms"`
	MaxAdjustment      float64 `toml:"max_adjustment" json:"max_adjustment"`
	MinRatio           float64 `toml:"min_ratio" json:"min_ratio"`
	ReceiverThreshold  float64 `toml:"receiver_threshold" json:"receiver_threshold"`
	DonorThreshold     float64 `toml:"donor_threshold" json:"donor_threshold"`
	MinJobTypeCapacity int64   `toml:"min_job_type_capacity" json:"min_job_type_capacity"`
}

// DefaultRatioAdjustmentConfig matches the defaults named in the
// configuration reference: a 5s cycle, 70%/30% receiver/donor thresholds.
func DefaultRatioAdjustmentConfig() RatioAdjustmentConfig {
	return RatioAdjustmentConfig{
		IntervalMs:         5_000,
		MaxAdjustment:      0.1,
		MinRatio:           0.05,
		ReceiverThreshold:  0.70,
		DonorThreshold:     0.30,
		MinJobTypeCapacity: 1,
	}
}
