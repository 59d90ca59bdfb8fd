// Package wait provides the bounded "wait for a condition or give up" primitive
// shared by every component that polls a process, a probe or a file.
package wait

import (
	"context"
	"time"
)

// DefaultStep is the polling interval used when step <= 0.
const DefaultStep = 50 * time.Millisecond

// Until polls cond every step until it returns true, timeout elapses or ctx is done.
// It returns true only when cond was satisfied. cond is always evaluated at least once.
func Until(ctx context.Context, timeout, step time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}
	if timeout <= 0 {
		return false
	}
	if step <= 0 {
		step = DefaultStep
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(step)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return cond()
		case <-tick.C:
			if cond() {
				return true
			}
		}
	}
}

// Sleep waits for d or until ctx is done, whichever happens first.
// It returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
