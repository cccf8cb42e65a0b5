package ratelimit

import (
	"sync"

	"quotagate/internal/domain"
)

// localSlotWindowMs is the fixed window used for rate-based job-type slot
// accounting, independent of whichever model dimension drove the slot
// formula.
const localSlotWindowMs = int64(60_000)

// AdmissionCore is the two-layer admission gate for one model: Layer 1
// checks the local per-(model,jobType) slot budget, Layer 2 checks the
// ModelLimiter's global reservation. Both layers run under the core's
// mutex, so two racing reserves cannot both pass a last-slot check, and a
// Layer 2 rejection leaves no Layer 1 state behind.
type AdmissionCore struct {
	modelID   string
	limiter   *ModelLimiter
	allocator *JobTypeAllocator
	estimate  func(jobTypeID string) domain.ResourceEstimate

	mu            sync.Mutex
	localInFlight map[string]int64
	rateCounters  map[string]*WindowCounter
	queues        map[string]*WaitQueue[domain.Reservation]

	// admit is the full admission predicate used when waking queued
	// waiters. It defaults to Reserve; the Scheduler replaces it with a
	// predicate that also consults the distributed backend, so a waiter
	// woken here passes the same layers as one admitted inline.
	// cancelAdmit undoes one admit whose waiter timed out mid-serve.
	admit       func(jobTypeID string) (domain.Reservation, bool)
	cancelAdmit func(res domain.Reservation)
}

// NewAdmissionCore builds the admission gate for one model. estimate
// resolves a job type's resource estimate against this model (a job type's
// EstimateOverrides, falling back to the model's DefaultEstimate).
func NewAdmissionCore(modelID string, limiter *ModelLimiter, allocator *JobTypeAllocator, estimate func(jobTypeID string) domain.ResourceEstimate) *AdmissionCore {
	a := &AdmissionCore{
		modelID:       modelID,
		limiter:       limiter,
		allocator:     allocator,
		estimate:      estimate,
		localInFlight: make(map[string]int64),
		rateCounters:  make(map[string]*WindowCounter),
		queues:        make(map[string]*WaitQueue[domain.Reservation]),
	}
	a.admit = a.Reserve
	a.cancelAdmit = func(res domain.Reservation) { a.Rollback(res.JobTypeID, res) }
	return a
}

// SetAdmitFunc replaces the predicate used to wake queued waiters and its
// undo. Called once at wiring time, before any job is submitted.
func (a *AdmissionCore) SetAdmitFunc(admit func(jobTypeID string) (domain.Reservation, bool), cancel func(res domain.Reservation)) {
	a.admit = admit
	a.cancelAdmit = cancel
}

// QueueFor returns the (model,jobType) WaitQueue a Scheduler escalation
// attempt should block on, creating it on first use.
func (a *AdmissionCore) QueueFor(jobTypeID string) *WaitQueue[domain.Reservation] {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[jobTypeID]
	if !ok {
		q = NewWaitQueue[domain.Reservation]()
		a.queues[jobTypeID] = q
	}
	return q
}

// Reserve is the combined tryReserve predicate: Layer 1 (local slot) then
// Layer 2 (ModelLimiter). On success it returns the Reservation and records
// both the local in-flight increment and, for rate-based slots, the
// per-(model,jobType) window increment.
func (a *AdmissionCore) Reserve(jobTypeID string) (domain.Reservation, bool) {
	slots, ok := a.allocator.GetSlots(jobTypeID)
	if !ok {
		return domain.Reservation{}, false
	}

	now := nowMs()

	a.mu.Lock()
	defer a.mu.Unlock()

	if slots.RateBased {
		wc, exists := a.rateCounters[jobTypeID]
		if !exists {
			wc = NewWindowCounter(localSlotWindowMs, slots.Slots)
			a.rateCounters[jobTypeID] = wc
		} else {
			wc.SetLimit(slots.Slots)
		}
		if !wc.HasCapacity(now) {
			return domain.Reservation{}, false
		}
	} else {
		if a.localInFlight[jobTypeID] >= slots.Slots {
			return domain.Reservation{}, false
		}
	}

	est := a.estimate(jobTypeID)
	res, ok := a.limiter.TryReserve(jobTypeID, est)
	if !ok {
		return domain.Reservation{}, false
	}
	res.RateBased = slots.RateBased

	a.localInFlight[jobTypeID]++
	if slots.RateBased {
		a.rateCounters[jobTypeID].Increment(now)
	}
	a.allocator.RecordInFlight(jobTypeID, 1)

	return res, true
}

// Rollback undoes a Reserve whose job never ran because a later admission
// layer (the distributed backend) rejected it. Local in-flight and the rate
// window slot are returned, and the limiter reservation is cancelled without
// refund/overage events.
func (a *AdmissionCore) Rollback(jobTypeID string, res domain.Reservation) {
	now := nowMs()

	a.mu.Lock()
	if a.localInFlight[jobTypeID] > 0 {
		a.localInFlight[jobTypeID]--
	}
	if res.RateBased {
		if wc, ok := a.rateCounters[jobTypeID]; ok {
			wc.SubtractIfSameWindow(now, 1, wc.WindowStart(now))
		}
	}
	a.mu.Unlock()

	a.allocator.RecordInFlight(jobTypeID, -1)
	a.limiter.Cancel(res)
}

// Release decrements the local in-flight counter (the window counter, if
// any, is never decremented here; it resets only by rolling to a new
// window), reconciles the global reservation, and wakes every job-type
// queue on this model since the global layer's capacity may have changed
// for job types other than the one that just released.
func (a *AdmissionCore) Release(jobTypeID string, res domain.Reservation, outcome domain.Outcome) {
	a.mu.Lock()
	if a.localInFlight[jobTypeID] > 0 {
		a.localInFlight[jobTypeID]--
	}
	a.mu.Unlock()

	a.allocator.RecordInFlight(jobTypeID, -1)
	a.limiter.Release(res, outcome)

	a.WakeAll()
}

// WakeAll walks every job-type queue on this model with the full admission
// predicate. Called after a release, after a pool update from the
// Coordinator, and on minute-window rollover.
func (a *AdmissionCore) WakeAll() {
	a.mu.Lock()
	queues := make([]*WaitQueue[domain.Reservation], 0, len(a.queues))
	ids := make([]string, 0, len(a.queues))
	for id, q := range a.queues {
		queues = append(queues, q)
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for i, q := range queues {
		id := ids[i]
		q.NotifyCapacityAvailable(func() (domain.Reservation, bool) {
			return a.admit(id)
		}, a.cancelAdmit)
	}
}

// InFlightSnapshot returns the local in-flight count per job type, for the
// observability surface.
func (a *AdmissionCore) InFlightSnapshot() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int64, len(a.localInFlight))
	for id, n := range a.localInFlight {
		out[id] = n
	}
	return out
}

// QueueDepths reports the number of waiters per job-type queue.
func (a *AdmissionCore) QueueDepths() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.queues))
	for id, q := range a.queues {
		out[id] = q.Len()
	}
	return out
}

// ClearQueues resolves every pending waiter false on shutdown.
func (a *AdmissionCore) ClearQueues() {
	a.mu.Lock()
	queues := make([]*WaitQueue[domain.Reservation], 0, len(a.queues))
	for _, q := range a.queues {
		queues = append(queues, q)
	}
	a.mu.Unlock()

	for _, q := range queues {
		q.Clear()
	}
}
