// Package ratelimit implements the local admission primitives: fixed-window
// counters, the FIFO wait queue, the memory governor, the per-model limiter,
// the job-type allocator, and the two-layer admission core that ties them
// together.
package ratelimit

import "sync"

// WindowCounter is a fixed-window counter for a single resource dimension.
// windowMs is constant for the life of the counter (60_000 for minute
// dimensions, 86_400_000 for day dimensions); windowStart is always a
// multiple of windowMs. All arithmetic is integer-only.
type WindowCounter struct {
	mu          sync.Mutex
	windowMs    int64
	limit       int64 // < 0 means unlimited; 0 admits nothing
	count       int64
	windowStart int64
}

// NewWindowCounter creates a counter for one dimension. A negative limit
// means the dimension is unbounded and HasCapacityFor always succeeds; a
// zero limit admits nothing (an empty pool share).
func NewWindowCounter(windowMs, limit int64) *WindowCounter {
	return &WindowCounter{windowMs: windowMs, limit: limit}
}

// currentWindowID is floor(t / windowMs), the window-rollover comparison
// point every other method here rolls forward from.
func currentWindowID(nowMs, windowMs int64) int64 {
	if windowMs <= 0 {
		return 0
	}
	return nowMs / windowMs
}

// rollIfNeeded resets count and advances windowStart when the wall clock has
// moved into a new window. Caller must hold mu.
func (w *WindowCounter) rollIfNeeded(nowMs int64) {
	id := currentWindowID(nowMs, w.windowMs)
	start := id * w.windowMs
	if start != w.windowStart {
		w.windowStart = start
		w.count = 0
	}
}

// HasCapacityFor reports whether n more units fit within the limit in the
// window containing nowMs, rolling the window over first if needed.
func (w *WindowCounter) HasCapacityFor(nowMs, n int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded(nowMs)
	if w.limit < 0 {
		return true
	}
	return w.count+n <= w.limit
}

// HasCapacity is HasCapacityFor(nowMs, 1).
func (w *WindowCounter) HasCapacity(nowMs int64) bool {
	return w.HasCapacityFor(nowMs, 1)
}

// Add unconditionally increases the counter by n, rolling the window over
// first if needed. It returns the windowStart the increment was recorded
// against, which callers capture into a Reservation for later refunds.
func (w *WindowCounter) Add(nowMs, n int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded(nowMs)
	w.count += n
	return w.windowStart
}

// Increment is Add(nowMs, 1).
func (w *WindowCounter) Increment(nowMs int64) int64 {
	return w.Add(nowMs, 1)
}

// SubtractIfSameWindow applies a refund of n only if the window the
// reservation was made under is still the current window; otherwise the
// refund is silently dropped, since the window it would have credited no
// longer exists. Returns whether the subtraction was applied.
func (w *WindowCounter) SubtractIfSameWindow(nowMs, n, reservedWindowStart int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded(nowMs)
	if w.windowStart != reservedWindowStart {
		return false
	}
	w.count -= n
	if w.count < 0 {
		w.count = 0
	}
	return true
}

// SetLimit replaces the limit without resetting count. count is never
// clamped to the new limit: it may temporarily exceed it, blocking further
// admission until the next window rollover.
func (w *WindowCounter) SetLimit(newLimit int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limit = newLimit
}

// WindowStart returns the counter's current windowStart, rolling the window
// over first if needed; used to address a refund at the current window.
func (w *WindowCounter) WindowStart(nowMs int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollIfNeeded(nowMs)
	return w.windowStart
}

// Stats is the read-only snapshot returned by GetStats.
type Stats struct {
	Current    int64
	Limit      int64
	Remaining  int64
	ResetsInMs int64
}

// GetStats returns a point-in-time snapshot of the counter, rolling the
// window over first if needed.
func (w *WindowCounter) GetStats(nowMs int64) Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded(nowMs)

	remaining := int64(0)
	if w.limit > 0 {
		remaining = w.limit - w.count
		if remaining < 0 {
			remaining = 0
		}
	}

	resetsIn := int64(0)
	if w.windowMs > 0 {
		resetsIn = (w.windowStart + w.windowMs) - nowMs
		if resetsIn < 0 {
			resetsIn = 0
		}
	}

	return Stats{
		Current:    w.count,
		Limit:      w.limit,
		Remaining:  remaining,
		ResetsInMs: resetsIn,
	}
}
