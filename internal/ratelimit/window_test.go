package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minuteMs = int64(60_000)

func TestWindowCounterCapacity(t *testing.T) {
	t.Run("counts against the limit", func(t *testing.T) {
		w := NewWindowCounter(minuteMs, 10)
		now := 5 * minuteMs

		assert.True(t, w.HasCapacityFor(now, 10))
		w.Add(now, 10)
		assert.False(t, w.HasCapacity(now))
		assert.False(t, w.HasCapacityFor(now, 1))
	})

	t.Run("negative limit means unbounded", func(t *testing.T) {
		w := NewWindowCounter(minuteMs, -1)
		now := int64(0)
		w.Add(now, 1_000_000)
		assert.True(t, w.HasCapacityFor(now, 1_000_000))
	})

	t.Run("zero limit admits nothing", func(t *testing.T) {
		w := NewWindowCounter(minuteMs, 0)
		assert.False(t, w.HasCapacity(0), "an empty pool share blocks admission")
	})

	t.Run("rollover resets count at window boundary", func(t *testing.T) {
		w := NewWindowCounter(minuteMs, 5)
		w.Add(0, 5)
		require.False(t, w.HasCapacity(minuteMs-1))

		// t = k*windowMs: a fresh window, counters read zero.
		assert.True(t, w.HasCapacityFor(minuteMs, 5))
		stats := w.GetStats(minuteMs)
		assert.Equal(t, int64(0), stats.Current)
		assert.Equal(t, int64(5), stats.Remaining)
	})
}

func TestWindowCounterRefund(t *testing.T) {
	t.Run("applies within the reserved window", func(t *testing.T) {
		w := NewWindowCounter(minuteMs, 100)
		start := w.Add(10_000, 40)

		applied := w.SubtractIfSameWindow(20_000, 15, start)
		assert.True(t, applied)
		assert.Equal(t, int64(25), w.GetStats(20_000).Current)
	})

	t.Run("dropped when the window rolled over", func(t *testing.T) {
		w := NewWindowCounter(minuteMs, 100)
		start := w.Add(10_000, 40)

		later := minuteMs + 1_000
		applied := w.SubtractIfSameWindow(later, 15, start)
		assert.False(t, applied)
		// The new window was reset, not decremented below what it held.
		assert.Equal(t, int64(0), w.GetStats(later).Current)
	})

	t.Run("never goes below zero", func(t *testing.T) {
		w := NewWindowCounter(minuteMs, 100)
		start := w.Add(1_000, 5)
		w.SubtractIfSameWindow(2_000, 50, start)
		assert.Equal(t, int64(0), w.GetStats(2_000).Current)
	})
}

func TestWindowCounterSetLimit(t *testing.T) {
	t.Run("does not clamp count", func(t *testing.T) {
		w := NewWindowCounter(minuteMs, 100)
		w.Add(1_000, 80)

		w.SetLimit(50)

		// Count may exceed the new limit; admission blocks until rollover.
		stats := w.GetStats(2_000)
		assert.Equal(t, int64(80), stats.Current)
		assert.Equal(t, int64(50), stats.Limit)
		assert.Equal(t, int64(0), stats.Remaining)
		assert.False(t, w.HasCapacity(2_000))

		assert.True(t, w.HasCapacity(minuteMs))
	})
}

func TestWindowCounterStats(t *testing.T) {
	w := NewWindowCounter(minuteMs, 100)
	w.Add(10_000, 30)

	stats := w.GetStats(15_000)
	assert.Equal(t, int64(30), stats.Current)
	assert.Equal(t, int64(100), stats.Limit)
	assert.Equal(t, int64(70), stats.Remaining)
	assert.Equal(t, minuteMs-15_000, stats.ResetsInMs)
}

func TestWindowCounterWindowStartAlignment(t *testing.T) {
	w := NewWindowCounter(minuteMs, 100)
	start := w.Add(3*minuteMs+17_123, 1)
	assert.Equal(t, 3*minuteMs, start)
	assert.Zero(t, start%minuteMs)
}
