//go:build !windows

package detector

import "syscall"

func signalZero(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
