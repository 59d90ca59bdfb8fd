//go:build windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// killGroup has no group semantics on Windows: every signal terminates pid.
func killGroup(pid int, sig syscall.Signal) error {
	return signal(pid, sig)
}

func signal(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
