package modkernel

import "context"

// Readiness is implemented by services that keep initializing after their
// module has been activated. WaitForReady waits on every registered
// Readiness service before declaring the kernel ready.
type Readiness interface {
	WaitUntilReady(ctx context.Context) error
}

// ReadinessFunc adapts a function to Readiness.
type ReadinessFunc func(ctx context.Context) error

// WaitUntilReady calls f.
func (f ReadinessFunc) WaitUntilReady(ctx context.Context) error {
	return f(ctx)
}
