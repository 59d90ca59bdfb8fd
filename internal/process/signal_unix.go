//go:build !windows

package process

import (
	"errors"
	"fmt"
	"syscall"
)

// killGroup signals the process group led by pid. Errors are the caller's to
// ignore; the group may already be gone.
func killGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// signal targets the whole group when pid leads one, otherwise pid alone.
// ESRCH means the process is already gone.
func signal(pid int, sig syscall.Signal) error {
	target := pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
		target = -pid
	}
	err := syscall.Kill(target, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return fmt.Errorf("signal %v to pid %d: %w", sig, pid, err)
}
