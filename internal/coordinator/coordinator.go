// Package coordinator maintains this instance's membership in the shared
// quota cluster: registration, heartbeat renewal, and application of
// allocation announcements published by the coordination backend.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"quotagate/internal/backend"
	"quotagate/internal/domain"
	"quotagate/internal/resilience"
)

// NewInstanceID generates the stable identity an instance registers under.
func NewInstanceID() string {
	return "inst-" + uuid.NewString()
}

// Config carries the coordinator's timing knobs.
type Config struct {
	HeartbeatIntervalMs int64
	HeartbeatTimeoutMs  int64
}

// Coordinator registers one instance with a Coordinated backend, renews its
// heartbeat, and forwards every AllocationInfo announcement to the wired
// apply callback (the Scheduler's limit-update path). It owns no quota state
// itself beyond the last received allocation.
type Coordinator struct {
	instanceID string
	backend    backend.Coordinated
	cfg        Config
	logger     *slog.Logger

	// onAllocation applies a received allocation: SetLimit on every model
	// limiter, pool recompute in every allocator, queue wakeup.
	onAllocation func(domain.AllocationInfo)
	onHeartbeat  func()

	mu       sync.Mutex
	last     domain.AllocationInfo
	hasAlloc bool

	unsubscribe func()
	stopCh      chan struct{}
	stopOnce    sync.Once
	started     bool
	done        chan struct{}
}

// New builds a coordinator for one instance. onAllocation must be safe to
// call from the subscription goroutine.
func New(instanceID string, b backend.Coordinated, cfg Config, logger *slog.Logger, onAllocation func(domain.AllocationInfo)) *Coordinator {
	if cfg.HeartbeatIntervalMs <= 0 {
		cfg.HeartbeatIntervalMs = 5_000
	}
	if cfg.HeartbeatTimeoutMs <= 0 {
		cfg.HeartbeatTimeoutMs = 3 * cfg.HeartbeatIntervalMs
	}
	return &Coordinator{
		instanceID:   instanceID,
		backend:      b,
		cfg:          cfg,
		logger:       logger,
		onAllocation: onAllocation,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// OnHeartbeat installs a hook fired after every successful heartbeat. Set
// before Start.
func (c *Coordinator) OnHeartbeat(fn func()) {
	c.onHeartbeat = fn
}

// Start subscribes, registers, applies the initial allocation and launches
// the heartbeat loop. Registration is retried briefly; a backend that stays
// down is a startup failure.
func (c *Coordinator) Start(ctx context.Context) error {
	unsub, err := c.backend.Subscribe(c.instanceID, c.handleAllocation)
	if err != nil {
		return err
	}
	c.unsubscribe = unsub

	var initial domain.AllocationInfo
	err = resilience.Retry(ctx, resilience.DefaultBackendRetry(), func() error {
		var regErr error
		initial, regErr = c.backend.Register(ctx, c.instanceID)
		return regErr
	})
	if err != nil {
		c.unsubscribe()
		return err
	}

	c.handleAllocation(initial)
	c.logger.Info("registered with coordination backend",
		"instance_id", c.instanceID,
		"instance_count", initial.InstanceCount,
	)

	c.started = true
	go c.heartbeatLoop()
	return nil
}

func (c *Coordinator) heartbeatLoop() {
	defer close(c.done)
	ticker := time.NewTicker(time.Duration(c.cfg.HeartbeatIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.HeartbeatIntervalMs)*time.Millisecond)
			err := c.backend.Heartbeat(ctx, c.instanceID)
			cancel()
			if err != nil {
				// Transient by contract: the next tick retries, and the
				// backend's TTL decides whether we fell out of the peer set.
				c.logger.Warn("heartbeat failed", "instance_id", c.instanceID, "error", err)
			} else if c.onHeartbeat != nil {
				c.onHeartbeat()
			}
		case <-c.stopCh:
			return
		}
	}
}

// handleAllocation caches the announcement and hands it to the apply hook.
func (c *Coordinator) handleAllocation(info domain.AllocationInfo) {
	c.mu.Lock()
	c.last = info
	c.hasAlloc = true
	c.mu.Unlock()

	if c.onAllocation != nil {
		c.onAllocation(info)
	}
}

// GetAllocation returns the last received AllocationInfo.
func (c *Coordinator) GetAllocation() (domain.AllocationInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasAlloc
}

// InstanceID returns the identity this instance registered under.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// Stop halts the heartbeat loop, unsubscribes and unregisters. Unregister
// errors are logged only: the backend's TTL removes us anyway.
func (c *Coordinator) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.started {
			<-c.done
		}

		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if err := c.backend.Unregister(ctx, c.instanceID); err != nil {
			c.logger.Warn("unregister failed", "instance_id", c.instanceID, "error", err)
		}
	})
}
