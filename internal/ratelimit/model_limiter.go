package ratelimit

import (
	"sync"
	"time"

	"quotagate/internal/domain"
)

// ModelLimiterConfig is the immutable shape a ModelLimiter is built from.
type ModelLimiterConfig struct {
	Model    domain.ModelConfig
	Governor *MemoryGovernor // nil if this model's jobs never declare memory
}

// ModelLimiter composes the four window-counted dimensions, a concurrency
// gate and an optional memory binding for one model; wait queues live in
// AdmissionCore. TryReserve checks and commits under the limiter's mutex;
// Release and Cancel adjust each counter under that counter's own lock.
// Critical sections here are all O(1).
type ModelLimiter struct {
	modelID string

	rpm *WindowCounter // nil if unconfigured
	tpm *WindowCounter
	rpd *WindowCounter
	tpd *WindowCounter

	governor *MemoryGovernor

	mu            sync.Mutex
	concurrent    int64
	maxConcurrent int64 // <= 0 means unbounded

	onOverage func(domain.OverageEvent)
}

// NewModelLimiter builds the limiter for one model. A governor of nil means
// this model's jobs never declare memory (and TryReserve never touches it).
func NewModelLimiter(cfg ModelLimiterConfig, onOverage func(domain.OverageEvent)) *ModelLimiter {
	m := cfg.Model
	l := &ModelLimiter{
		modelID:       m.ID,
		maxConcurrent: m.MaxConcurrentRequests,
		governor:      cfg.Governor,
		onOverage:     onOverage,
	}
	if m.HasDimension(domain.DimRPM) {
		l.rpm = NewWindowCounter(domain.DimRPM.WindowMs(), m.RequestsPerMinute)
	}
	if m.HasDimension(domain.DimTPM) {
		l.tpm = NewWindowCounter(domain.DimTPM.WindowMs(), m.TokensPerMinute)
	}
	if m.HasDimension(domain.DimRPD) {
		l.rpd = NewWindowCounter(domain.DimRPD.WindowMs(), m.RequestsPerDay)
	}
	if m.HasDimension(domain.DimTPD) {
		l.tpd = NewWindowCounter(domain.DimTPD.WindowMs(), m.TokensPerDay)
	}
	return l
}

// TryReserve is the ModelLimiter's admission check. It either admits and
// records the reservation in one atomic step, or rejects without side
// effects; there is no partial reservation left behind on a rejected call.
func (l *ModelLimiter) TryReserve(jobTypeID string, est domain.ResourceEstimate) (domain.Reservation, bool) {
	now := nowMs()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConcurrent > 0 && l.concurrent >= l.maxConcurrent {
		return domain.Reservation{}, false
	}
	if l.rpm != nil && !l.rpm.HasCapacityFor(now, est.EstimatedNumberOfRequests) {
		return domain.Reservation{}, false
	}
	if l.tpm != nil && !l.tpm.HasCapacityFor(now, est.EstimatedUsedTokens) {
		return domain.Reservation{}, false
	}
	if l.rpd != nil && !l.rpd.HasCapacityFor(now, est.EstimatedNumberOfRequests) {
		return domain.Reservation{}, false
	}
	if l.tpd != nil && !l.tpd.HasCapacityFor(now, est.EstimatedUsedTokens) {
		return domain.Reservation{}, false
	}
	if l.governor != nil && !l.governor.TryAcquire(est.EstimatedUsedMemoryKB) {
		return domain.Reservation{}, false
	}

	l.concurrent++

	res := domain.Reservation{
		ModelID:           l.modelID,
		JobTypeID:         jobTypeID,
		EstimatedTokens:   est.EstimatedUsedTokens,
		EstimatedRequests: est.EstimatedNumberOfRequests,
		EstimatedMemoryKB: est.EstimatedUsedMemoryKB,
	}
	if l.rpm != nil {
		res.RPMWindowStart = l.rpm.Add(now, est.EstimatedNumberOfRequests)
	}
	if l.tpm != nil {
		res.TPMWindowStart = l.tpm.Add(now, est.EstimatedUsedTokens)
	}
	if l.rpd != nil {
		res.RPDWindowStart = l.rpd.Add(now, est.EstimatedNumberOfRequests)
	}
	if l.tpd != nil {
		res.TPDWindowStart = l.tpd.Add(now, est.EstimatedUsedTokens)
	}

	return res, true
}

// Release reconciles a reservation against the job's actual outcome,
// decrements concurrency and releases the memory budget. It depends on no
// timer, so it is safe to call after the Scheduler has stopped; refunds
// that would have landed in a now-stale window are silently dropped by
// SubtractIfSameWindow.
func (l *ModelLimiter) Release(res domain.Reservation, outcome domain.Outcome) {
	now := nowMs()

	actualReq := outcome.RequestCount
	actualTok := outcome.Usage.TotalTokens()

	l.reconcileDimension(l.rpm, now, res.EstimatedRequests, actualReq, res.RPMWindowStart, "requests", res.JobTypeID)
	l.reconcileDimension(l.rpd, now, res.EstimatedRequests, actualReq, res.RPDWindowStart, "requests", res.JobTypeID)
	l.reconcileDimension(l.tpm, now, res.EstimatedTokens, actualTok, res.TPMWindowStart, "tokens", res.JobTypeID)
	l.reconcileDimension(l.tpd, now, res.EstimatedTokens, actualTok, res.TPDWindowStart, "tokens", res.JobTypeID)

	l.mu.Lock()
	l.concurrent--
	if l.concurrent < 0 {
		l.concurrent = 0
	}
	l.mu.Unlock()

	if l.governor != nil {
		l.governor.Release(res.EstimatedMemoryKB)
	}
}

// Cancel undoes a reservation that never ran: the estimates are subtracted
// back out (window-scoped, like any refund), concurrency and memory are
// returned, and no overage event is emitted. Used when a later admission
// layer rejects after this limiter already admitted.
func (l *ModelLimiter) Cancel(res domain.Reservation) {
	now := nowMs()

	if l.rpm != nil {
		l.rpm.SubtractIfSameWindow(now, res.EstimatedRequests, res.RPMWindowStart)
	}
	if l.rpd != nil {
		l.rpd.SubtractIfSameWindow(now, res.EstimatedRequests, res.RPDWindowStart)
	}
	if l.tpm != nil {
		l.tpm.SubtractIfSameWindow(now, res.EstimatedTokens, res.TPMWindowStart)
	}
	if l.tpd != nil {
		l.tpd.SubtractIfSameWindow(now, res.EstimatedTokens, res.TPDWindowStart)
	}

	l.mu.Lock()
	l.concurrent--
	if l.concurrent < 0 {
		l.concurrent = 0
	}
	l.mu.Unlock()

	if l.governor != nil {
		l.governor.Release(res.EstimatedMemoryKB)
	}
}

// reconcileDimension applies the refund-or-overage rule for one counter:
// actual < estimated refunds within the reservation's window only; actual >
// estimated always counts, and is reported as an OverageEvent.
func (l *ModelLimiter) reconcileDimension(counter *WindowCounter, now, estimated, actual, windowStart int64, resourceType, jobTypeID string) {
	if counter == nil {
		return
	}
	diff := actual - estimated
	if diff == 0 {
		return
	}
	if diff < 0 {
		counter.SubtractIfSameWindow(now, -diff, windowStart)
		return
	}
	counter.Add(now, diff)
	if l.onOverage != nil {
		l.onOverage(domain.OverageEvent{
			ModelID:      l.modelID,
			JobTypeID:    jobTypeID,
			ResourceType: resourceType,
			Estimated:    estimated,
			Actual:       actual,
			Overage:      diff,
			Timestamp:    time.UnixMilli(now),
		})
	}
}

// SetLimit updates one dimension's window limit, used when the Coordinator
// announces a new AllocationInfo. A nil counter (dimension not configured
// for this model) is a no-op.
func (l *ModelLimiter) SetLimit(dim domain.Dimension, newLimit int64) {
	switch dim {
	case domain.DimRPM:
		if l.rpm != nil {
			l.rpm.SetLimit(newLimit)
		}
	case domain.DimTPM:
		if l.tpm != nil {
			l.tpm.SetLimit(newLimit)
		}
	case domain.DimRPD:
		if l.rpd != nil {
			l.rpd.SetLimit(newLimit)
		}
	case domain.DimTPD:
		if l.tpd != nil {
			l.tpd.SetLimit(newLimit)
		}
	}
}

// ModelLimiterStats is the observability snapshot for one model.
type ModelLimiterStats struct {
	ModelID       string       `json:"model_id"`
	Concurrent    int64        `json:"concurrent"`
	MaxConcurrent int64        `json:"max_concurrent"`
	RPM           *Stats       `json:"rpm,omitempty"`
	TPM           *Stats       `json:"tpm,omitempty"`
	RPD           *Stats       `json:"rpd,omitempty"`
	TPD           *Stats       `json:"tpd,omitempty"`
	Memory        *MemoryStats `json:"memory,omitempty"`
}

func (l *ModelLimiter) GetStats() ModelLimiterStats {
	now := nowMs()

	l.mu.Lock()
	s := ModelLimiterStats{
		ModelID:       l.modelID,
		Concurrent:    l.concurrent,
		MaxConcurrent: l.maxConcurrent,
	}
	l.mu.Unlock()

	if l.rpm != nil {
		v := l.rpm.GetStats(now)
		s.RPM = &v
	}
	if l.tpm != nil {
		v := l.tpm.GetStats(now)
		s.TPM = &v
	}
	if l.rpd != nil {
		v := l.rpd.GetStats(now)
		s.RPD = &v
	}
	if l.tpd != nil {
		v := l.tpd.GetStats(now)
		s.TPD = &v
	}
	if l.governor != nil {
		v := l.governor.GetStats()
		s.Memory = &v
	}
	return s
}

// nowMs is the wall-clock read used by ModelLimiter and AdmissionCore. It is
// not injectable; WindowCounter is the component that takes nowMs as a
// parameter, so window rollover is tested there with explicit timestamps.
func nowMs() int64 {
	return time.Now().UnixMilli()
}
