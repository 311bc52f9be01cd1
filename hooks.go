package alive

import (
	"context"
	"fmt"
)

// LivenessProbe decides whether a heartbeat cycle may write. Returning false
// abandons the cycle quietly so the marker ages out; returning an error fails
// the cycle and hands it back to the scheduler for retry.
type LivenessProbe func(ctx context.Context) (bool, error)

// Callback is a best-effort action. After a successful heartbeat write its
// error (or panic) is discarded.
type Callback func(ctx context.Context) error

// AlwaysAlive is the default probe.
func AlwaysAlive(context.Context) (bool, error) { return true, nil }

// NoOpCallback is the default callback.
func NoOpCallback(context.Context) error { return nil }

// ChainCallbacks runs every callback in order. All of them run even if an
// earlier one fails; the first error is returned.
func ChainCallbacks(callbacks ...Callback) Callback {
	return func(ctx context.Context) error {
		var first error
		for _, cb := range callbacks {
			if cb == nil {
				continue
			}
			if err := invokeCallback(ctx, cb); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}

// invokeProbe runs the probe, converting a panic into an error.
func invokeProbe(ctx context.Context, probe LivenessProbe) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("%w: panic: %v", ErrProbeFailed, r)
		}
	}()
	ok, err = probe(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	return ok, nil
}

// invokeCallback runs the callback, converting a panic into an error.
func invokeCallback(ctx context.Context, cb Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb(ctx)
}
