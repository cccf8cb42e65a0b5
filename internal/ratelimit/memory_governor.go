package ratelimit

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemorySource reports available system memory in KB. The production
// path is backed by gopsutil; tests substitute a fixed-value stub so
// recompute behaviour doesn't depend on the machine running the suite.
type MemorySource interface {
	AvailableKB() (int64, error)
}

type gopsutilMemorySource struct{}

func (gopsutilMemorySource) AvailableKB() (int64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int64(v.Available) / 1024, nil
}

// MemoryConfig is the user-facing memory policy. RecalculationIntervalMs <= 0
// disables periodic recompute (the budget is computed once at construction).
type MemoryConfig struct {
	FreeMemoryRatio         float64 `toml:"free_memory_ratio" json:"free_memory_ratio"`
	RecalculationIntervalMs int64   `toml:"recalculation_interval_ms" json:"recalculation_interval_ms"`
	MaxMemoryKB             int64   `toml:"max_memory_kb" json:"max_memory_kb,omitempty"`
	MinCapacityKB           int64   `toml:"min_capacity_kb" json:"min_capacity_kb,omitempty"`
	MaxCapacityKB           int64   `toml:"max_capacity_kb" json:"max_capacity_kb,omitempty"`
}

// MemoryGovernor gates jobs whose estimated memory use would exceed the
// local process's current memory budget. It is purely process-local: no
// state here is ever shared across instances or backed by the coordination
// backend.
type MemoryGovernor struct {
	cfg    MemoryConfig
	source MemorySource

	mu       sync.Mutex
	budgetKB int64
	inUseKB  int64
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryGovernor builds a governor and performs an initial budget
// computation synchronously so the first admission decision after
// construction is never against a zero budget.
func NewMemoryGovernor(cfg MemoryConfig) *MemoryGovernor {
	g := &MemoryGovernor{
		cfg:    cfg,
		source: gopsutilMemorySource{},
		stopCh: make(chan struct{}),
	}
	g.recompute()
	return g
}

// NewMemoryGovernorWithSource is used by tests to inject a deterministic
// MemorySource instead of querying the real machine.
func NewMemoryGovernorWithSource(cfg MemoryConfig, source MemorySource) *MemoryGovernor {
	g := &MemoryGovernor{
		cfg:    cfg,
		source: source,
		stopCh: make(chan struct{}),
	}
	g.recompute()
	return g
}

// recompute samples the memory source and derives the admissible budget,
// clamped to [MinCapacityKB, MaxCapacityKB] when those are configured.
// Recompute errors leave the previous budget in place; a transient failure
// to read system memory shouldn't suddenly starve admission.
func (g *MemoryGovernor) recompute() {
	availableKB, err := g.source.AvailableKB()
	if err != nil {
		return
	}

	budget := int64(float64(availableKB) * g.cfg.FreeMemoryRatio)
	if g.cfg.MaxMemoryKB > 0 && budget > g.cfg.MaxMemoryKB {
		budget = g.cfg.MaxMemoryKB
	}
	if g.cfg.MinCapacityKB > 0 && budget < g.cfg.MinCapacityKB {
		budget = g.cfg.MinCapacityKB
	}
	if g.cfg.MaxCapacityKB > 0 && budget > g.cfg.MaxCapacityKB {
		budget = g.cfg.MaxCapacityKB
	}

	g.mu.Lock()
	g.budgetKB = budget
	g.mu.Unlock()
}

// Start launches the periodic recompute loop; it is a no-op if
// RecalculationIntervalMs <= 0.
func (g *MemoryGovernor) Start() {
	if g.cfg.RecalculationIntervalMs <= 0 {
		return
	}
	go g.recomputeLoop()
}

func (g *MemoryGovernor) recomputeLoop() {
	interval := time.Duration(g.cfg.RecalculationIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.recompute()
		case <-g.stopCh:
			return
		}
	}
}

// Stop halts the recompute loop. Safe to call multiple times.
func (g *MemoryGovernor) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})
}

// TryAcquire reports whether estMemoryKB more can be reserved against the
// current budget, and if so reserves it. estMemoryKB <= 0 always succeeds
// without reserving anything: a model whose jobs don't declare a memory
// estimate is skipped entirely, per configuration.
func (g *MemoryGovernor) TryAcquire(estMemoryKB int64) bool {
	if estMemoryKB <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUseKB+estMemoryKB > g.budgetKB {
		return false
	}
	g.inUseKB += estMemoryKB
	return true
}

// Release returns estMemoryKB to the budget. Safe to call for a no-op
// reservation (estMemoryKB <= 0) or after Stop.
func (g *MemoryGovernor) Release(estMemoryKB int64) {
	if estMemoryKB <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inUseKB -= estMemoryKB
	if g.inUseKB < 0 {
		g.inUseKB = 0
	}
}

// MemoryStats is a point-in-time snapshot for the observability surface.
type MemoryStats struct {
	BudgetKB int64 `json:"budget_kb"`
	InUseKB  int64 `json:"in_use_kb"`
}

func (g *MemoryGovernor) GetStats() MemoryStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return MemoryStats{BudgetKB: g.budgetKB, InUseKB: g.inUseKB}
}

// BudgetKB exposes the current budget for JobTypeAllocator slot math.
func (g *MemoryGovernor) BudgetKB() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.budgetKB
}
