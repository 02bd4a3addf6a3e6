// Package clock abstracts time for the relay node. Liveness windows,
// interest TTLs, registry aging, and reconnect waits all measure against a
// Clock so tests can advance time instead of sleeping.
package clock

import (
	"context"
	"time"
)

// Clock is the time source threaded through the engine.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }

// SleepCtx waits for d on the given clock, or until ctx is done. It returns
// ctx.Err when the context won.
func SleepCtx(ctx context.Context, clk Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
