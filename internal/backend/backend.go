// Package backend defines the coordination port the admission core consumes
// and its two production shapes: a plain acquire/release backend for
// single-instance deployments and tests, and a coordinated backend that
// divides the provider quota among live instances.
package backend

import (
	"context"

	"quotagate/internal/domain"
)

// AcquireContext carries the dimensions of one admission attempt across the
// port. On release, ActualTokens/ActualRequests hold the reconciled usage;
// zeros on a release of a non-zero estimate mean the work never ran and the
// whole estimate refunds.
type AcquireContext struct {
	ModelID           string
	JobTypeID         string
	EstimatedTokens   int64
	EstimatedRequests int64

	ActualTokens   int64
	ActualRequests int64
}

// Backend is the minimal (V1) port: an atomic admission check against the
// aggregate quota and its matching release. Acquire errors count as
// rejection; Release errors are logged and swallowed by the caller.
type Backend interface {
	Acquire(ctx context.Context, ac AcquireContext) (bool, error)
	Release(ctx context.Context, ac AcquireContext) error
}

// Coordinated is the V2 port: V1 plus instance membership and allocation
// announcements. Register returns the initial allocation; Subscribe delivers
// every subsequent recomputation until the returned unsubscribe is called.
type Coordinated interface {
	Backend

	Register(ctx context.Context, instanceID string) (domain.AllocationInfo, error)
	Unregister(ctx context.Context, instanceID string) error
	Heartbeat(ctx context.Context, instanceID string) error
	Subscribe(instanceID string, cb func(domain.AllocationInfo)) (func(), error)
}

// AsCoordinated is the capability test for the two port shapes: it reports
// whether b supports membership coordination.
func AsCoordinated(b Backend) (Coordinated, bool) {
	c, ok := b.(Coordinated)
	return c, ok
}
