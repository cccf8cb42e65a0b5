package backend

import (
	"context"
	"sync"
	"time"

	"quotagate/internal/domain"
	"quotagate/internal/ratelimit"
)

// modelWindows is the aggregate (cluster-wide) window accounting for one
// model. The in-memory backend is authoritative for the whole "cluster" it
// serves, so these counters carry the full configured quota, not a per
// instance share.
type modelWindows struct {
	tpm *ratelimit.WindowCounter
	rpm *ratelimit.WindowCounter
	tpd *ratelimit.WindowCounter
	rpd *ratelimit.WindowCounter
}

// InMemory implements the Coordinated port in process memory. It backs
// single-instance deployments and the test suite, where several scheduler
// instances share one InMemory value to exercise the distributed protocol
// without a real transport.
type InMemory struct {
	models           map[string]domain.ModelConfig
	heartbeatTimeout time.Duration

	mu            sync.Mutex
	instances     map[string]time.Time
	subs          map[string]func(domain.AllocationInfo)
	windows       map[string]*modelWindows
	totalAcquires int64
}

// NewInMemory builds an in-memory backend for the given model quotas.
// heartbeatTimeout bounds how long a silent instance stays in the peer set.
func NewInMemory(models map[string]domain.ModelConfig, heartbeatTimeout time.Duration) *InMemory {
	b := &InMemory{
		models:           models,
		heartbeatTimeout: heartbeatTimeout,
		instances:        make(map[string]time.Time),
		subs:             make(map[string]func(domain.AllocationInfo)),
		windows:          make(map[string]*modelWindows, len(models)),
	}
	for id, m := range models {
		w := &modelWindows{}
		if m.TokensPerMinute > 0 {
			w.tpm = ratelimit.NewWindowCounter(domain.DimTPM.WindowMs(), m.TokensPerMinute)
		}
		if m.RequestsPerMinute > 0 {
			w.rpm = ratelimit.NewWindowCounter(domain.DimRPM.WindowMs(), m.RequestsPerMinute)
		}
		if m.TokensPerDay > 0 {
			w.tpd = ratelimit.NewWindowCounter(domain.DimTPD.WindowMs(), m.TokensPerDay)
		}
		if m.RequestsPerDay > 0 {
			w.rpd = ratelimit.NewWindowCounter(domain.DimRPD.WindowMs(), m.RequestsPerDay)
		}
		b.windows[id] = w
	}
	return b
}

// Acquire checks every configured dimension of the model against the
// aggregate quota and commits the estimate on success. Check and commit run
// under one lock so two racing instances can't both squeeze into the last
// slot of a window.
func (b *InMemory) Acquire(_ context.Context, ac AcquireContext) (bool, error) {
	now := time.Now().UnixMilli()

	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[ac.ModelID]
	if !ok {
		return false, nil
	}

	if w.tpm != nil && !w.tpm.HasCapacityFor(now, ac.EstimatedTokens) {
		return false, nil
	}
	if w.rpm != nil && !w.rpm.HasCapacityFor(now, ac.EstimatedRequests) {
		return false, nil
	}
	if w.tpd != nil && !w.tpd.HasCapacityFor(now, ac.EstimatedTokens) {
		return false, nil
	}
	if w.rpd != nil && !w.rpd.HasCapacityFor(now, ac.EstimatedRequests) {
		return false, nil
	}

	if w.tpm != nil {
		w.tpm.Add(now, ac.EstimatedTokens)
	}
	if w.rpm != nil {
		w.rpm.Add(now, ac.EstimatedRequests)
	}
	if w.tpd != nil {
		w.tpd.Add(now, ac.EstimatedTokens)
	}
	if w.rpd != nil {
		w.rpd.Add(now, ac.EstimatedRequests)
	}

	b.totalAcquires++
	return true, nil
}

// Release reconciles the aggregate counters with the actual usage reported in
// ac. Overage is always added; a refund lands in the current window only.
// If the window rolled since acquire, the counter already reset and there is
// nothing to give back.
func (b *InMemory) Release(_ context.Context, ac AcquireContext) error {
	now := time.Now().UnixMilli()

	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[ac.ModelID]
	if !ok {
		return nil
	}

	tokDiff := ac.ActualTokens - ac.EstimatedTokens
	reqDiff := ac.ActualRequests - ac.EstimatedRequests

	reconcile := func(wc *ratelimit.WindowCounter, diff int64) {
		if wc == nil || diff == 0 {
			return
		}
		if diff > 0 {
			wc.Add(now, diff)
			return
		}
		wc.SubtractIfSameWindow(now, -diff, wc.WindowStart(now))
	}

	reconcile(w.tpm, tokDiff)
	reconcile(w.tpd, tokDiff)
	reconcile(w.rpm, reqDiff)
	reconcile(w.rpd, reqDiff)
	return nil
}

// Register adds an instance to the peer set and returns the allocation it
// should start from. Every subscriber is notified of the new membership.
func (b *InMemory) Register(_ context.Context, instanceID string) (domain.AllocationInfo, error) {
	b.mu.Lock()
	b.instances[instanceID] = time.Now()
	info := b.allocationLocked()
	subs := b.subscribersLocked()
	b.mu.Unlock()

	b.notify(subs, info)
	return info, nil
}

// Unregister removes an instance and announces the shrunk membership.
func (b *InMemory) Unregister(_ context.Context, instanceID string) error {
	b.mu.Lock()
	delete(b.instances, instanceID)
	info := b.allocationLocked()
	subs := b.subscribersLocked()
	b.mu.Unlock()

	b.notify(subs, info)
	return nil
}

// Heartbeat renews an instance's liveness and sweeps peers whose heartbeat
// has lapsed past the timeout. A membership change triggers an announcement.
func (b *InMemory) Heartbeat(_ context.Context, instanceID string) error {
	now := time.Now()

	b.mu.Lock()
	b.instances[instanceID] = now

	changed := false
	for id, last := range b.instances {
		if now.Sub(last) > b.heartbeatTimeout {
			delete(b.instances, id)
			changed = true
		}
	}

	var info domain.AllocationInfo
	var subs []func(domain.AllocationInfo)
	if changed {
		info = b.allocationLocked()
		subs = b.subscribersLocked()
	}
	b.mu.Unlock()

	if changed {
		b.notify(subs, info)
	}
	return nil
}

// Subscribe registers an allocation callback for an instance. The returned
// func removes it.
func (b *InMemory) Subscribe(instanceID string, cb func(domain.AllocationInfo)) (func(), error) {
	b.mu.Lock()
	b.subs[instanceID] = cb
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, instanceID)
		b.mu.Unlock()
	}, nil
}

// allocationLocked computes the current AllocationInfo. Caller must hold mu.
func (b *InMemory) allocationLocked() domain.AllocationInfo {
	n := len(b.instances)
	pools := make(map[string]domain.ModelPool, len(b.models))
	for id, m := range b.models {
		pools[id] = domain.PoolForInstances(m, n)
	}
	return domain.AllocationInfo{InstanceCount: n, Pools: pools}
}

func (b *InMemory) subscribersLocked() []func(domain.AllocationInfo) {
	out := make([]func(domain.AllocationInfo), 0, len(b.subs))
	for _, cb := range b.subs {
		out = append(out, cb)
	}
	return out
}

// notify runs outside the lock: subscribers apply limits and may re-enter the
// backend.
func (b *InMemory) notify(subs []func(domain.AllocationInfo), info domain.AllocationInfo) {
	for _, cb := range subs {
		cb(info)
	}
}

// TotalAcquires reports how many acquires have succeeded since construction;
// a test hook for cross-instance coordination assertions.
func (b *InMemory) TotalAcquires() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalAcquires
}

// RemainingTPM reports the unconsumed tokens-per-minute aggregate for a
// model; a test hook.
func (b *InMemory) RemainingTPM(modelID string) int64 {
	b.mu.Lock()
	w, ok := b.windows[modelID]
	b.mu.Unlock()
	if !ok || w.tpm == nil {
		return 0
	}
	return w.tpm.GetStats(time.Now().UnixMilli()).Remaining
}
