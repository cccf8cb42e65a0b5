package ratelimit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotagate/internal/domain"
)

func testAdjustmentConfig() domain.RatioAdjustmentConfig {
	cfg := domain.DefaultRatioAdjustmentConfig()
	cfg.IntervalMs = 0 // cycles driven explicitly by the tests
	return cfg
}

func twoTypeAllocator(t *testing.T, flexibleA, flexibleB bool) *JobTypeAllocator {
	t.Helper()
	jobTypes := []domain.JobTypeConfig{
		{ID: "chat", Ratio: domain.Ratio{InitialValue: 0.5, Flexible: flexibleA}},
		{ID: "batch", Ratio: domain.Ratio{InitialValue: 0.5, Flexible: flexibleB}},
	}
	estimates := map[string]domain.ResourceEstimate{
		"chat":  {EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1},
		"batch": {EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1},
	}
	return NewJobTypeAllocator("model-a", testAdjustmentConfig(), nil, jobTypes, estimates)
}

func ratioSum(a *JobTypeAllocator) float64 {
	sum := 0.0
	for _, r := range a.GetRatios() {
		sum += r
	}
	return sum
}

func TestSlotCalculation(t *testing.T) {
	t.Run("binding constraint is the minimum candidate", func(t *testing.T) {
		pool := domain.ModelPool{
			TokensPerMinute:   10_000, // 50 slots at ratio .5 / 100 tokens
			RequestsPerMinute: 20,     // 10 slots at ratio .5 / 1 request
			TotalSlots:        200,    // 100 slots at ratio .5
		}
		est := domain.ResourceEstimate{EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1}

		slots := computeJobTypeSlots(pool, 0.5, est, 1, 0)
		assert.Equal(t, int64(10), slots.Slots)
		assert.True(t, slots.RateBased)
	})

	t.Run("tie prefers rate-based over concurrency", func(t *testing.T) {
		pool := domain.ModelPool{
			TokensPerMinute: 2_000, // 10 slots
			TotalSlots:      20,    // 10 slots too
		}
		est := domain.ResourceEstimate{EstimatedUsedTokens: 100}

		slots := computeJobTypeSlots(pool, 0.5, est, 1, 0)
		assert.Equal(t, int64(10), slots.Slots)
		assert.True(t, slots.RateBased, "refund accounting must flow through the window counter")
	})

	t.Run("unconfigured dimensions are not candidates", func(t *testing.T) {
		pool := domain.ModelPool{TotalSlots: 8} // no rate dimensions configured
		est := domain.ResourceEstimate{EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1}

		slots := computeJobTypeSlots(pool, 1.0, est, 1, 0)
		assert.Equal(t, int64(8), slots.Slots)
		assert.False(t, slots.RateBased)
	})

	t.Run("floored to minimum capacity", func(t *testing.T) {
		pool := domain.ModelPool{TokensPerMinute: 50, TotalSlots: 100}
		est := domain.ResourceEstimate{EstimatedUsedTokens: 100}

		slots := computeJobTypeSlots(pool, 0.5, est, 3, 0)
		assert.Equal(t, int64(3), slots.Slots)
	})

	t.Run("memory candidate uses the local budget", func(t *testing.T) {
		pool := domain.ModelPool{TotalSlots: 1_000}
		est := domain.ResourceEstimate{EstimatedUsedMemoryKB: 1_000}

		slots := computeJobTypeSlots(pool, 1.0, est, 1, 4_000)
		assert.Equal(t, int64(4), slots.Slots)
		assert.False(t, slots.RateBased)
	})
}

func TestSetPoolRecomputesImmediately(t *testing.T) {
	a := twoTypeAllocator(t, true, true)

	a.SetPool(domain.ModelPool{TokensPerMinute: 20_000, TotalSlots: 1_000})
	slots, ok := a.GetSlots("chat")
	require.True(t, ok)
	assert.Equal(t, int64(100), slots.Slots)

	a.SetPool(domain.ModelPool{TokensPerMinute: 4_000, TotalSlots: 1_000})
	slots, _ = a.GetSlots("chat")
	assert.Equal(t, int64(20), slots.Slots, "pool change recomputes without waiting for the cycle")
}

func TestRatioAdjustment(t *testing.T) {
	t.Run("donor feeds receiver, sum preserved", func(t *testing.T) {
		a := twoTypeAllocator(t, true, true)
		a.SetPool(domain.ModelPool{TokensPerMinute: 20_000, TotalSlots: 1_000})

		// chat idle (donor), batch saturated (receiver).
		for i := 0; i < 95; i++ {
			a.RecordInFlight("batch", 1)
		}
		a.AdjustRatios()

		ratios := a.GetRatios()
		assert.Less(t, ratios["chat"], 0.5)
		assert.Greater(t, ratios["batch"], 0.5)
		assert.InDelta(t, 1.0, ratioSum(a), 1e-6)
	})

	t.Run("per-cycle change bounded by maxAdjustment", func(t *testing.T) {
		a := twoTypeAllocator(t, true, true)
		a.SetPool(domain.ModelPool{TokensPerMinute: 20_000, TotalSlots: 1_000})
		for i := 0; i < 100; i++ {
			a.RecordInFlight("batch", 1)
		}

		before := a.GetRatios()
		a.AdjustRatios()
		after := a.GetRatios()

		cfg := testAdjustmentConfig()
		assert.LessOrEqual(t, math.Abs(after["chat"]-before["chat"]), cfg.MaxAdjustment+1e-9)
		assert.LessOrEqual(t, math.Abs(after["batch"]-before["batch"]), cfg.MaxAdjustment+1e-9)
	})

	t.Run("fixed types never move", func(t *testing.T) {
		a := twoTypeAllocator(t, false, true)
		a.SetPool(domain.ModelPool{TokensPerMinute: 20_000, TotalSlots: 1_000})
		for i := 0; i < 100; i++ {
			a.RecordInFlight("batch", 1)
		}
		a.AdjustRatios()

		// batch is a receiver but chat is fixed: no donor, no change.
		ratios := a.GetRatios()
		assert.Equal(t, 0.5, ratios["chat"])
		assert.Equal(t, 0.5, ratios["batch"])
	})

	t.Run("donor floor at minRatio", func(t *testing.T) {
		a := twoTypeAllocator(t, true, true)
		a.SetPool(domain.ModelPool{TokensPerMinute: 20_000, TotalSlots: 1_000})

		cfg := testAdjustmentConfig()
		for cycle := 0; cycle < 20; cycle++ {
			// Re-saturate batch against its growing allocation each cycle.
			slots, _ := a.GetSlots("batch")
			inFlight := slots.Slots // load 1.0 > receiverThreshold
			for i := int64(0); i < inFlight; i++ {
				a.RecordInFlight("batch", 1)
			}
			a.AdjustRatios()
			for i := int64(0); i < inFlight; i++ {
				a.RecordInFlight("batch", -1)
			}
		}

		ratios := a.GetRatios()
		assert.GreaterOrEqual(t, ratios["chat"], cfg.MinRatio-1e-9)
		assert.InDelta(t, 1.0, ratioSum(a), 1e-6)
	})

	t.Run("all donors means no change", func(t *testing.T) {
		a := twoTypeAllocator(t, true, true)
		a.SetPool(domain.ModelPool{TokensPerMinute: 20_000, TotalSlots: 1_000})

		a.AdjustRatios() // both idle: both donor candidates, no receiver

		ratios := a.GetRatios()
		assert.Equal(t, 0.5, ratios["chat"])
		assert.Equal(t, 0.5, ratios["batch"])
	})

	t.Run("zero allocated slots treated as idle", func(t *testing.T) {
		a := twoTypeAllocator(t, true, true)
		// No pool set: allocations are minCapacity only; in-flight zero.
		a.AdjustRatios()
		assert.InDelta(t, 1.0, ratioSum(a), 1e-6)
	})
}
