package process

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/loykin/skyrelay/internal/detector"
	"github.com/loykin/skyrelay/internal/wait"
)

const pollStep = 20 * time.Millisecond

// IsAlive is the non-blocking signal-0 liveness probe. A stale, foreign or
// zombie pid is reported as false; it never fails.
func IsAlive(pid int) bool { return detector.PIDAlive(pid) }

// Terminate stops a pid that this handle did not launch, e.g. one read back
// from a pid record after a supervisor restart. Semantics match
// Process.Terminate: SIGTERM, bounded wait, SIGKILL, bounded wait. An absent pid
// is a no-op.
func Terminate(pid int, grace time.Duration) error {
	return TerminateWithMargin(pid, grace, DefaultKillMargin)
}

func TerminateWithMargin(pid int, grace, margin time.Duration) error {
	if !IsAlive(pid) {
		return nil
	}
	ctx := context.Background()
	gone := func() bool { return !IsAlive(pid) }

	if err := signal(pid, syscall.SIGTERM); err != nil {
		return err
	}
	if wait.Until(ctx, grace, pollStep, gone) {
		return nil
	}
	if err := signal(pid, syscall.SIGKILL); err != nil {
		return err
	}
	if wait.Until(ctx, margin, pollStep, gone) {
		return nil
	}
	return fmt.Errorf("pid %d: %w", pid, ErrStillAlive)
}
