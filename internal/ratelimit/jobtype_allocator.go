package ratelimit

import (
	"math"
	"sync"
	"time"

	"quotagate/internal/domain"
)

// JobTypeSlots is the computed local admission budget for one (model,
// jobType) pair.
type JobTypeSlots struct {
	Slots     int64
	RateBased bool // true when a window-counted dimension (TPM/RPM) was the binding constraint
}

type jobTypeEntry struct {
	state    domain.JobTypeState
	estimate domain.ResourceEstimate
	inFlight int64
	slots    JobTypeSlots
}

// JobTypeAllocator translates one model's pool into per-jobType slot
// budgets and periodically redistributes currentRatio across flexible job
// types based on observed load.
type JobTypeAllocator struct {
	modelID  string
	cfg      domain.RatioAdjustmentConfig
	governor *MemoryGovernor // nil if this model's job types never declare memory

	mu      sync.Mutex
	entries map[string]*jobTypeEntry
	order   []string // insertion order, for deterministic residual assignment
	pool    domain.ModelPool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewJobTypeAllocator builds the allocator for one model. jobTypes gives
// each job type's static config and its per-model resource estimate
// (already resolved via JobTypeConfig.EstimateFor).
func NewJobTypeAllocator(modelID string, cfg domain.RatioAdjustmentConfig, governor *MemoryGovernor, jobTypes []domain.JobTypeConfig, estimates map[string]domain.ResourceEstimate) *JobTypeAllocator {
	a := &JobTypeAllocator{
		modelID:  modelID,
		cfg:      cfg,
		governor: governor,
		entries:  make(map[string]*jobTypeEntry, len(jobTypes)),
		stopCh:   make(chan struct{}),
	}
	for _, jt := range jobTypes {
		a.entries[jt.ID] = &jobTypeEntry{
			state:    domain.JobTypeState{Config: jt, CurrentRatio: jt.Ratio.InitialValue},
			estimate: estimates[jt.ID],
		}
		a.order = append(a.order, jt.ID)
	}
	return a
}

// Start launches the periodic ratio-adjustment loop.
func (a *JobTypeAllocator) Start() {
	if a.cfg.IntervalMs <= 0 {
		return
	}
	go a.loop()
}

func (a *JobTypeAllocator) loop() {
	ticker := time.NewTicker(time.Duration(a.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.AdjustRatios()
		case <-a.stopCh:
			return
		}
	}
}

// Stop halts the adjustment loop. Safe to call multiple times.
func (a *JobTypeAllocator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// SetPool updates the model's pool and recomputes every job type's slots
// immediately, without waiting for the next adjustment cycle.
func (a *JobTypeAllocator) SetPool(pool domain.ModelPool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pool = pool
	a.recomputeSlotsLocked()
}

// RecordInFlight adjusts the live in-flight count for a job type by delta
// (+1 on admission, -1 on release); used as the load signal for ratio
// adjustment.
func (a *JobTypeAllocator) RecordInFlight(jobTypeID string, delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[jobTypeID]
	if !ok {
		return
	}
	e.inFlight += delta
	if e.inFlight < 0 {
		e.inFlight = 0
	}
}

// GetSlots returns the last-computed slot budget for a job type.
func (a *JobTypeAllocator) GetSlots(jobTypeID string) (JobTypeSlots, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[jobTypeID]
	if !ok {
		return JobTypeSlots{}, false
	}
	return e.slots, true
}

// recomputeSlotsLocked recalculates every job type's slot budget against the
// current pool and ratios. Caller must hold mu.
func (a *JobTypeAllocator) recomputeSlotsLocked() {
	memBudget := int64(0)
	if a.governor != nil {
		memBudget = a.governor.BudgetKB()
	}
	for _, id := range a.order {
		e := a.entries[id]
		e.slots = computeJobTypeSlots(a.pool, e.state.CurrentRatio, e.estimate, a.cfg.MinJobTypeCapacity, memBudget)
	}
}

// computeJobTypeSlots implements the per-(model,jobType) slot formula: the
// binding constraint is the minimum of the token, request, concurrency and
// memory candidates, floored to MinJobTypeCapacity. Ties prefer a
// window-counted (rate-based) candidate over a concurrency/memory one, so
// refund accounting flows through the window counter rather than the plain
// in-flight count.
func computeJobTypeSlots(pool domain.ModelPool, ratio float64, est domain.ResourceEstimate, minCapacity, memBudgetKB int64) JobTypeSlots {
	type candidate struct {
		slots     int64
		rateBased bool
	}
	var candidates []candidate

	// A pool dimension of zero means the model never configured that limit;
	// only configured dimensions produce candidates.
	if est.EstimatedUsedTokens > 0 && pool.TokensPerMinute > 0 {
		tpmSlots := int64(math.Floor(float64(pool.TokensPerMinute) * ratio / float64(est.EstimatedUsedTokens)))
		candidates = append(candidates, candidate{tpmSlots, true})
	}
	if est.EstimatedNumberOfRequests > 0 && pool.RequestsPerMinute > 0 {
		rpmSlots := int64(math.Floor(float64(pool.RequestsPerMinute) * ratio / float64(est.EstimatedNumberOfRequests)))
		candidates = append(candidates, candidate{rpmSlots, true})
	}
	concSlots := int64(math.Floor(float64(pool.TotalSlots) * ratio))
	candidates = append(candidates, candidate{concSlots, false})

	if est.EstimatedUsedMemoryKB > 0 && memBudgetKB > 0 {
		memSlots := int64(math.Floor(float64(memBudgetKB) * ratio / float64(est.EstimatedUsedMemoryKB)))
		candidates = append(candidates, candidate{memSlots, false})
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.slots < best.slots {
			best = c
			continue
		}
		if c.slots == best.slots && c.rateBased && !best.rateBased {
			best = c
		}
	}

	slots := best.slots
	if slots < minCapacity {
		slots = minCapacity
	}
	return JobTypeSlots{Slots: slots, RateBased: best.rateBased}
}

// AdjustRatios runs one redistribution cycle: classify each flexible job
// type as donor/receiver/neutral by load, move ratio from donors to
// receivers bounded by MaxAdjustment and MinRatio, then renormalise so
// ratios sum to 1 exactly.
func (a *JobTypeAllocator) AdjustRatios() {
	a.mu.Lock()
	defer a.mu.Unlock()

	type loadInfo struct {
		id   string
		load float64
	}
	var donors, receivers []loadInfo

	for _, id := range a.order {
		e := a.entries[id]
		if !e.state.Config.Ratio.Flexible {
			continue
		}
		allocated := e.slots.Slots
		load := 0.0
		if allocated > 0 {
			load = float64(e.inFlight) / float64(allocated)
		}
		switch {
		case load > a.cfg.ReceiverThreshold:
			receivers = append(receivers, loadInfo{id, load})
		case load < a.cfg.DonorThreshold:
			donors = append(donors, loadInfo{id, load})
		}
	}

	if len(donors) == 0 || len(receivers) == 0 {
		a.recomputeSlotsLocked()
		return
	}

	donated := 0.0
	for _, d := range donors {
		e := a.entries[d.id]
		delta := a.cfg.MaxAdjustment
		if e.state.CurrentRatio-delta < a.cfg.MinRatio {
			delta = e.state.CurrentRatio - a.cfg.MinRatio
		}
		if delta <= 0 {
			continue
		}
		e.state.CurrentRatio -= delta
		donated += delta
	}

	excessSum := 0.0
	for _, r := range receivers {
		excessSum += r.load - a.cfg.ReceiverThreshold
	}

	var largestReceiver string
	largestGain := -1.0
	if donated > 0 && excessSum > 0 {
		for _, r := range receivers {
			share := donated * (r.load - a.cfg.ReceiverThreshold) / excessSum
			if share > a.cfg.MaxAdjustment {
				share = a.cfg.MaxAdjustment
			}
			a.entries[r.id].state.CurrentRatio += share
			if share > largestGain {
				largestGain = share
				largestReceiver = r.id
			}
		}
	}

	a.renormaliseLocked(largestReceiver)
	a.recomputeSlotsLocked()
}

// renormaliseLocked corrects any rounding residual so ratios sum to exactly
// 1.0, crediting/debiting the largest receiver (or, absent one, the entry
// with the largest current ratio).
func (a *JobTypeAllocator) renormaliseLocked(preferredID string) {
	sum := 0.0
	for _, id := range a.order {
		sum += a.entries[id].state.CurrentRatio
	}
	residual := 1.0 - sum
	if residual == 0 {
		return
	}

	target := preferredID
	if target == "" {
		best := -1.0
		for _, id := range a.order {
			if a.entries[id].state.CurrentRatio > best {
				best = a.entries[id].state.CurrentRatio
				target = id
			}
		}
	}
	if target != "" {
		a.entries[target].state.CurrentRatio += residual
	}
}

// GetRatios returns a snapshot of every job type's current ratio, for the
// observability surface and for tests asserting ratio conservation.
func (a *JobTypeAllocator) GetRatios() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.order))
	for _, id := range a.order {
		out[id] = a.entries[id].state.CurrentRatio
	}
	return out
}
