package backend

import "context"

// V1 restricts any backend to the plain acquire/release shape, hiding the
// coordination methods from the capability test. Deployments that share one
// provider quota without membership coordination (and the test suite's
// shared-quota scenarios) wrap their backend in this.
type V1 struct {
	inner Backend
}

// NewV1 wraps inner so AsCoordinated reports false for it.
func NewV1(inner Backend) *V1 {
	return &V1{inner: inner}
}

func (v *V1) Acquire(ctx context.Context, ac AcquireContext) (bool, error) {
	return v.inner.Acquire(ctx, ac)
}

func (v *V1) Release(ctx context.Context, ac AcquireContext) error {
	return v.inner.Release(ctx, ac)
}
