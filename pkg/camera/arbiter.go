package camera

import (
	"context"
)

// Arbiter is the device's mutual-exclusion gate. It is not reentrant: a
// function running under the gate must not call WithExclusiveDeviceAccess.
type Arbiter struct {
	sem chan struct{}
}

func NewArbiter() *Arbiter {
	return &Arbiter{sem: make(chan struct{}, 1)}
}

// WithExclusiveDeviceAccess runs fn while holding the gate. Waiting for the
// gate gives up when ctx is done, and fn never runs for a ctx that is already
// done. The gate is released on every exit path, including a panic in fn.
func (a *Arbiter) WithExclusiveDeviceAccess(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-a.sem }()
	// both select cases may have been ready
	if err := ctx.Err(); err != nil {
		return err
	}

	return fn()
}

// Busy reports whether someone holds the gate.
func (a *Arbiter) Busy() bool {
	return len(a.sem) > 0
}
