// Package scheduler implements the job lifecycle: accept, escalate through
// the configured model order, wait for admission, execute, record actuals,
// and release with window-aware refunds. It owns the wiring between the
// local admission layers, the distributed backend, and the coordinator.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"quotagate/internal/backend"
	"quotagate/internal/config"
	"quotagate/internal/coordinator"
	"quotagate/internal/domain"
	"quotagate/internal/ratelimit"
	"quotagate/internal/telemetry"
)

// SlotsChangeReason names why available capacity may have changed.
const (
	ReasonLocal       = "local"
	ReasonDistributed = "distributed"
	ReasonWindowReset = "window-reset"
)

// Options is everything a Scheduler is built from. Config and Backend are
// required; the rest default to no-ops.
type Options struct {
	Config  *config.Config
	Backend backend.Backend
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	OnOverage              func(domain.OverageEvent)
	OnAvailableSlotsChange func(available bool, reason string)
}

// QueueJobRequest is one submission. JobID defaults to a generated UUID;
// JobTypeID defaults to the sole configured type.
type QueueJobRequest struct {
	JobID     string
	JobTypeID string
	Job       domain.JobFunc
}

// modelCore bundles the per-model admission machinery.
type modelCore struct {
	model     domain.ModelConfig
	limiter   *ratelimit.ModelLimiter
	allocator *ratelimit.JobTypeAllocator
	admission *ratelimit.AdmissionCore
}

// Scheduler is the top-level entry point: one per process instance.
type Scheduler struct {
	cfg     *config.Config
	backend backend.Backend
	logger  *slog.Logger
	metrics *telemetry.Metrics

	governor *ratelimit.MemoryGovernor // nil unless a memory policy is configured
	cores    map[string]*modelCore
	coord    *coordinator.Coordinator // nil for a plain (V1) backend

	instanceID    string
	onOverage     func(domain.OverageEvent)
	onSlotsChange func(available bool, reason string)

	mu         sync.Mutex
	activeJobs map[string]*domain.Job
	lastAlloc  *domain.AllocationInfo

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New validates the configuration and wires the full admission stack. All
// configuration errors are fatal here; nothing is constructed half-valid.
func New(opts Options) (*Scheduler, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, &domain.ConfigError{Reason: "nil config"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Backend == nil {
		return nil, &domain.ConfigError{Reason: "nil backend"}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Label != "" {
		logger = logger.With("label", cfg.Label)
	}

	s := &Scheduler{
		cfg:           cfg,
		backend:       opts.Backend,
		logger:        logger,
		metrics:       opts.Metrics,
		instanceID:    coordinator.NewInstanceID(),
		onOverage:     opts.OnOverage,
		onSlotsChange: opts.OnAvailableSlotsChange,
		cores:         make(map[string]*modelCore, len(cfg.Models)),
		activeJobs:    make(map[string]*domain.Job),
		stopCh:        make(chan struct{}),
	}

	if cfg.Memory != nil {
		s.governor = ratelimit.NewMemoryGovernor(*cfg.Memory)
	}

	jobTypes := cfg.JobTypeList()
	for _, modelID := range cfg.EscalationOrder {
		model := cfg.Models[modelID]

		var governor *ratelimit.MemoryGovernor
		if s.governor != nil && model.DefaultEstimate.EstimatedUsedMemoryKB > 0 {
			governor = s.governor
		}

		limiter := ratelimit.NewModelLimiter(ratelimit.ModelLimiterConfig{
			Model:    model,
			Governor: governor,
		}, s.handleOverage)

		estimates := make(map[string]domain.ResourceEstimate, len(jobTypes))
		for _, jt := range jobTypes {
			estimates[jt.ID] = jt.EstimateFor(model)
		}
		allocator := ratelimit.NewJobTypeAllocator(modelID, cfg.RatioAdjustment, governor, jobTypes, estimates)
		// Until the coordinator announces otherwise, this instance holds
		// the full configured quota (the single-instance pool).
		allocator.SetPool(domain.PoolForInstances(model, 1))

		estimateFn := func(m domain.ModelConfig) func(string) domain.ResourceEstimate {
			return func(jobTypeID string) domain.ResourceEstimate {
				jt, ok := cfg.JobTypes[jobTypeID]
				if !ok {
					return m.DefaultEstimate
				}
				return jt.EstimateFor(m)
			}
		}(model)

		admission := ratelimit.NewAdmissionCore(modelID, limiter, allocator, estimateFn)
		admission.SetAdmitFunc(func(id string) func(string) (domain.Reservation, bool) {
			return func(jobTypeID string) (domain.Reservation, bool) {
				return s.admit(id, jobTypeID)
			}
		}(modelID), func(id string) func(domain.Reservation) {
			return func(res domain.Reservation) {
				s.cancelAdmit(id, res)
			}
		}(modelID))

		s.cores[modelID] = &modelCore{
			model:     model,
			limiter:   limiter,
			allocator: allocator,
			admission: admission,
		}
	}

	if coordinated, ok := backend.AsCoordinated(opts.Backend); ok {
		s.coord = coordinator.New(s.instanceID, coordinated, coordinator.Config{
			HeartbeatIntervalMs: cfg.Coordinator.HeartbeatIntervalMs,
			HeartbeatTimeoutMs:  cfg.Coordinator.HeartbeatTimeoutMs,
		}, logger, s.applyAllocation)
		if s.metrics != nil {
			s.coord.OnHeartbeat(s.metrics.HeartbeatsTotal.Inc)
		}
	}

	return s, nil
}

// Start launches the periodic machinery: memory recompute, ratio adjustment,
// coordination, and the window-rollover wakeup.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.governor != nil {
		s.governor.Start()
	}
	for _, core := range s.cores {
		core.allocator.Start()
	}
	if s.coord != nil {
		if err := s.coord.Start(ctx); err != nil {
			return err
		}
	}
	go s.windowResetLoop()
	if s.metrics != nil {
		go s.gaugeLoop()
	}
	return nil
}

// gaugeLoop refreshes the snapshot-style gauges (queue depth, job-type
// ratios and slots, memory budget) at a coarse cadence.
func (s *Scheduler) gaugeLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := s.GetStats()
			for modelID, ms := range snap.Models {
				for jtID, jts := range ms.JobTypes {
					s.metrics.QueueDepth.WithLabelValues(modelID, jtID).Set(float64(jts.QueueDepth))
					s.metrics.JobTypeRatio.WithLabelValues(modelID, jtID).Set(jts.CurrentRatio)
					s.metrics.JobTypeSlots.WithLabelValues(modelID, jtID).Set(float64(jts.Slots))
				}
			}
			if snap.Memory != nil {
				s.metrics.MemoryBudgetKB.Set(float64(snap.Memory.BudgetKB))
				s.metrics.MemoryInUseKB.Set(float64(snap.Memory.InUseKB))
			}
		case <-s.stopCh:
			return
		}
	}
}

// windowResetLoop wakes every queue just after each minute boundary: the
// counters there have rolled to zero, so waiters blocked on a full window
// can now be admitted. Day boundaries coincide with minute boundaries and
// need no separate timer.
func (s *Scheduler) windowResetLoop() {
	const windowMs = 60_000
	for {
		now := time.Now().UnixMilli()
		wait := windowMs - now%windowMs + 10
		select {
		case <-time.After(time.Duration(wait) * time.Millisecond):
			for _, core := range s.cores {
				core.admission.WakeAll()
			}
			s.notifySlotsChange(true, ReasonWindowReset)
		case <-s.stopCh:
			return
		}
	}
}

// admit is the full admission predicate for one (model, jobType): the two
// local layers, then the distributed backend. A backend rejection or error
// rolls the local reservation back so no capacity is leaked.
func (s *Scheduler) admit(modelID, jobTypeID string) (domain.Reservation, bool) {
	core := s.cores[modelID]

	res, ok := core.admission.Reserve(jobTypeID)
	if !ok {
		if s.metrics != nil {
			s.metrics.RecordRejection(modelID, jobTypeID, "local")
		}
		return domain.Reservation{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	admitted, err := s.backend.Acquire(ctx, backend.AcquireContext{
		ModelID:           modelID,
		JobTypeID:         jobTypeID,
		EstimatedTokens:   res.EstimatedTokens,
		EstimatedRequests: res.EstimatedRequests,
	})
	if err != nil {
		// Transient by contract: an acquire error is a rejection.
		s.logger.Warn("backend acquire failed", "model", modelID, "error", err)
		if s.metrics != nil {
			s.metrics.RecordBackendError("acquire")
		}
		admitted = false
	}
	if !admitted {
		core.admission.Rollback(jobTypeID, res)
		if s.metrics != nil {
			s.metrics.RecordRejection(modelID, jobTypeID, "backend")
		}
		return domain.Reservation{}, false
	}
	return res, true
}

// cancelAdmit reverses a full admission whose waiter timed out before it
// could be served: the backend gets the estimate back (actuals of zero), and
// the local layers roll back.
func (s *Scheduler) cancelAdmit(modelID string, res domain.Reservation) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.backend.Release(ctx, backend.AcquireContext{
		ModelID:           modelID,
		JobTypeID:         res.JobTypeID,
		EstimatedTokens:   res.EstimatedTokens,
		EstimatedRequests: res.EstimatedRequests,
	})
	if err != nil {
		s.logger.Warn("backend release failed", "model", modelID, "error", err)
		if s.metrics != nil {
			s.metrics.RecordBackendError("release")
		}
	}
	s.cores[modelID].admission.Rollback(res.JobTypeID, res)
}

// release reconciles one finished job everywhere: the aggregate backend
// first so that freed capacity is visible to the waiters the local release
// then wakes.
func (s *Scheduler) release(modelID, jobTypeID string, res domain.Reservation, outcome domain.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.backend.Release(ctx, backend.AcquireContext{
		ModelID:           modelID,
		JobTypeID:         jobTypeID,
		EstimatedTokens:   res.EstimatedTokens,
		EstimatedRequests: res.EstimatedRequests,
		ActualTokens:      outcome.Usage.TotalTokens(),
		ActualRequests:    outcome.RequestCount,
	})
	if err != nil {
		// Swallowed: local state still converges, the backend reconverges
		// by window rollover.
		s.logger.Warn("backend release failed", "model", modelID, "error", err)
		if s.metrics != nil {
			s.metrics.RecordBackendError("release")
		}
	}

	core := s.cores[modelID]
	core.admission.Release(jobTypeID, res, outcome)

	if s.metrics != nil {
		refunded := res.EstimatedTokens - outcome.Usage.TotalTokens()
		if refunded < 0 {
			refunded = 0
		}
		s.metrics.RecordRelease(modelID, jobTypeID, refunded)
	}
	s.notifySlotsChange(true, ReasonLocal)
}

// QueueJob submits one job and blocks until it reaches a terminal state:
// executed on the first model that admits it, or failed after every model in
// the escalation order rejected or timed out.
func (s *Scheduler) QueueJob(ctx context.Context, req QueueJobRequest) (domain.JobResult, error) {
	if req.Job == nil {
		return domain.JobResult{}, &domain.ConfigError{Reason: "nil job callback"}
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	jt, ok := s.cfg.JobTypeOrDefault(req.JobTypeID)
	if !ok {
		return domain.JobResult{}, &domain.ConfigError{Reason: "unknown job type " + req.JobTypeID}
	}

	job := &domain.Job{ID: jobID, JobTypeID: jt.ID, Run: req.Job, Status: domain.JobStatusPending}
	s.mu.Lock()
	s.activeJobs[jobID] = job
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.activeJobs, jobID)
		s.mu.Unlock()
	}()

	var modelsTried []string
	for _, modelID := range s.cfg.EscalationOrder {
		core := s.cores[modelID]
		modelsTried = append(modelsTried, modelID)

		// Captured when escalation evaluates this model, not at submission.
		maxWait := s.resolveMaxWait(jt, modelID)

		waitStart := time.Now()
		queue := core.admission.QueueFor(jt.ID)
		res, admitted := queue.WaitForCapacity(ctx, func() (domain.Reservation, bool) {
			return s.admit(modelID, jt.ID)
		}, maxWait)

		if !admitted {
			if s.metrics != nil {
				s.metrics.EscalationsTotal.WithLabelValues(modelID).Inc()
			}
			if ctx.Err() != nil {
				return domain.JobResult{}, ctx.Err()
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordAdmission(modelID, jt.ID, time.Since(waitStart), res.EstimatedTokens)
		}

		return s.runJob(job, core, jt, res, modelsTried)
	}

	job.Status = domain.JobStatusFailed
	return domain.JobResult{}, &domain.AdmissionRejectedError{ModelsTried: modelsTried}
}

// runJob executes the admitted job and reconciles its outcome. A job that
// errors without reporting usage is accounted at its estimate: the work may
// well have hit the provider before failing.
func (s *Scheduler) runJob(job *domain.Job, core *modelCore, jt domain.JobTypeConfig, res domain.Reservation, modelsTried []string) (domain.JobResult, error) {
	job.Status = domain.JobStatusRunning
	job.ModelUsed = core.model.ID
	job.StartedAt = time.Now()

	var reported *domain.Usage
	resolve := func(u domain.Usage) {
		reported = &u
	}

	outcome, jobErr := job.Run(domain.JobContext{ModelID: core.model.ID}, resolve)
	job.CompletedAt = time.Now()

	if jobErr != nil {
		job.Status = domain.JobStatusFailed
		actual := domain.Outcome{
			RequestCount: res.EstimatedRequests,
			Usage:        domain.Usage{InputTokens: res.EstimatedTokens},
		}
		if reported != nil {
			actual = domain.Outcome{RequestCount: res.EstimatedRequests, Usage: *reported}
		}
		s.release(core.model.ID, jt.ID, res, actual)
		return domain.JobResult{}, &domain.JobExecutionError{Err: jobErr}
	}

	job.Status = domain.JobStatusCompleted
	s.release(core.model.ID, jt.ID, res, outcome)

	return domain.JobResult{
		ModelUsed:    core.model.ID,
		RequestCount: outcome.RequestCount,
		Usage:        outcome.Usage,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ModelsTried:  modelsTried,
	}, nil
}

// resolveMaxWait applies the configured override chain, falling back to
// time-until-next-minute plus a small grace so a waiter survives into the
// fresh window where counters have reset.
func (s *Scheduler) resolveMaxWait(jt domain.JobTypeConfig, modelID string) int64 {
	if v, ok := jt.ResolveMaxWaitMS(modelID); ok {
		if v < 0 {
			return 0
		}
		return v
	}
	secondsIntoMinute := time.Now().UnixMilli() % 60_000 / 1000
	wait := (60 - secondsIntoMinute + 5) * 1000
	if wait < 0 {
		wait = 0
	}
	return wait
}

// SetDistributedAvailability applies an allocation directly, bypassing the
// coordinator; the manual override used when operating without pub/sub and
// by tests that need a known allocation in place. Never suspends.
func (s *Scheduler) SetDistributedAvailability(info domain.AllocationInfo) {
	s.applyAllocation(info)
}

// applyAllocation installs a coordinator announcement: new window limits on
// every limiter, new pools in every allocator, then a queue wakeup since
// slots may have grown.
func (s *Scheduler) applyAllocation(info domain.AllocationInfo) {
	s.mu.Lock()
	s.lastAlloc = &info
	s.mu.Unlock()

	for modelID, core := range s.cores {
		pool, ok := info.Pools[modelID]
		if !ok {
			continue
		}
		core.limiter.SetLimit(domain.DimTPM, pool.TokensPerMinute)
		core.limiter.SetLimit(domain.DimRPM, pool.RequestsPerMinute)
		core.limiter.SetLimit(domain.DimTPD, pool.TokensPerDay)
		core.limiter.SetLimit(domain.DimRPD, pool.RequestsPerDay)
		core.allocator.SetPool(pool)
		core.admission.WakeAll()
	}

	if s.metrics != nil {
		slots := make(map[string]int64, len(info.Pools))
		tpm := make(map[string]int64, len(info.Pools))
		for id, p := range info.Pools {
			slots[id] = p.TotalSlots
			tpm[id] = p.TokensPerMinute
		}
		s.metrics.UpdateAllocation(info.InstanceCount, slots, tpm)
	}

	s.logger.Info("applied allocation",
		"instance_count", info.InstanceCount,
		"models", len(info.Pools),
	)
	s.notifySlotsChange(true, ReasonDistributed)
}

func (s *Scheduler) notifySlotsChange(available bool, reason string) {
	if s.onSlotsChange != nil {
		s.onSlotsChange(available, reason)
	}
}

func (s *Scheduler) handleOverage(ev domain.OverageEvent) {
	if s.metrics != nil {
		s.metrics.RecordOverage(ev.ModelID, ev.ResourceType, ev.Overage)
	}
	s.logger.Warn("usage exceeded estimate",
		"model", ev.ModelID,
		"resource_type", ev.ResourceType,
		"overage", ev.Overage,
	)
	if s.onOverage != nil {
		s.onOverage(ev)
	}
}

// JobTypeStats is the observability snapshot for one job type on one model.
type JobTypeStats struct {
	CurrentRatio float64 `json:"current_ratio"`
	Slots        int64   `json:"slots"`
	InFlight     int64   `json:"in_flight"`
	QueueDepth   int     `json:"queue_depth"`
}

// ModelStats combines the limiter counters with per-jobType slot state.
type ModelStats struct {
	Limiter  ratelimit.ModelLimiterStats `json:"limiter"`
	JobTypes map[string]JobTypeStats     `json:"job_types"`
}

// StatsSnapshot is the full read-only observability surface.
type StatsSnapshot struct {
	InstanceID string                 `json:"instance_id"`
	Models     map[string]ModelStats  `json:"models"`
	Memory     *ratelimit.MemoryStats `json:"memory,omitempty"`
}

// GetStats returns per-model counters, per-jobType slots and in-flight
// counts, and memory stats.
func (s *Scheduler) GetStats() StatsSnapshot {
	snap := StatsSnapshot{
		InstanceID: s.instanceID,
		Models:     make(map[string]ModelStats, len(s.cores)),
	}
	for modelID, core := range s.cores {
		ms := ModelStats{
			Limiter:  core.limiter.GetStats(),
			JobTypes: make(map[string]JobTypeStats),
		}
		ratios := core.allocator.GetRatios()
		inFlight := core.admission.InFlightSnapshot()
		depths := core.admission.QueueDepths()
		for jtID, ratio := range ratios {
			slots, _ := core.allocator.GetSlots(jtID)
			ms.JobTypes[jtID] = JobTypeStats{
				CurrentRatio: ratio,
				Slots:        slots.Slots,
				InFlight:     inFlight[jtID],
				QueueDepth:   depths[jtID],
			}
		}
		snap.Models[modelID] = ms
	}
	if s.governor != nil {
		v := s.governor.GetStats()
		snap.Memory = &v
	}
	return snap
}

// GetAllocation returns the last-applied AllocationInfo. For a plain (V1)
// backend that never received one it is the static single-instance
// allocation.
func (s *Scheduler) GetAllocation() domain.AllocationInfo {
	s.mu.Lock()
	last := s.lastAlloc
	s.mu.Unlock()
	if last != nil {
		return *last
	}
	pools := make(map[string]domain.ModelPool, len(s.cfg.Models))
	for id, m := range s.cfg.Models {
		pools[id] = domain.PoolForInstances(m, 1)
	}
	return domain.AllocationInfo{InstanceCount: 1, Pools: pools}
}

// GetActiveJobs returns a snapshot of in-flight job IDs.
func (s *Scheduler) GetActiveJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.activeJobs))
	for id := range s.activeJobs {
		out = append(out, id)
	}
	return out
}

// GetInstanceID returns this instance's stable identity.
func (s *Scheduler) GetInstanceID() string {
	return s.instanceID
}

// Stop shuts the scheduler down: periodic timers halt, pending waiters
// resolve false, and the instance unregisters from the backend. Releases for
// still-running jobs arriving afterwards still reconcile counters safely and
// find no waiters to wake.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		if s.coord != nil {
			s.coord.Stop(ctx)
		}
		for _, core := range s.cores {
			core.allocator.Stop()
			core.admission.ClearQueues()
		}
		if s.governor != nil {
			s.governor.Stop()
		}
		s.logger.Info("scheduler stopped", "instance_id", s.instanceID)
	})
}
