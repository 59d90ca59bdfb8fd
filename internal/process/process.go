package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/skyrelay/internal/detector"
	"github.com/loykin/skyrelay/internal/pidfile"
)

// DefaultKillMargin bounds the wait after SIGKILL.
const DefaultKillMargin = 2 * time.Second

// Process is a handle on one launched child. It owns the child's wait so the
// exit is reaped and observable through Done.
type Process struct {
	spec Spec

	mu        sync.Mutex
	pid       int
	startUnix int64
	exitErr   error
	done      chan struct{}
}

func New(spec Spec) *Process { return &Process{spec: spec} }

func (p *Process) Spec() Spec { return p.spec }

// Launch starts the process detached from the terminal with stdout/stderr appended
// to spec.LogPath and writes the pid record. It fails only when fork/exec fails
// or the record cannot be written (the child is killed in that case).
func (p *Process) Launch() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return 0, &LaunchError{Name: p.spec.Name, Command: p.spec.Command, Err: fmt.Errorf("already running as pid %d", p.pid)}
		}
	}

	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(p.spec.Env) > 0 {
		cmd.Env = p.spec.Env
	}
	configureSysProcAttr(cmd)

	out, err := OpenLog(p.spec.LogPath)
	if err != nil {
		return 0, &LaunchError{Name: p.spec.Name, Command: p.spec.Command, Err: err}
	}
	// the child keeps its own descriptor
	defer func() { _ = out.Close() }()
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return 0, &LaunchError{Name: p.spec.Name, Command: p.spec.Command, Err: err}
	}
	pid := cmd.Process.Pid
	done := make(chan struct{})
	go p.reap(cmd, done)

	p.pid = pid
	p.done = done
	p.exitErr = nil
	p.startUnix = detector.ProcStartUnix(pid)

	if p.spec.PIDFile != "" {
		rec := pidfile.Record{PID: pid, Meta: pidfile.Meta{Name: p.spec.Name, Command: p.spec.Command, StartUnix: p.startUnix}}
		if err := pidfile.Write(p.spec.PIDFile, rec); err != nil {
			_ = killGroup(pid, syscall.SIGKILL)
			return 0, &LaunchError{Name: p.spec.Name, Command: p.spec.Command, Err: fmt.Errorf("write pid record: %w", err)}
		}
	}
	return pid, nil
}

func (p *Process) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(done)
}

// PID returns the last launched pid, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Done is closed when the child has exited and been reaped. Nil before Launch.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// ExitErr returns the wait error of the last run once Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Alive reports whether the launched child is still running.
func (p *Process) Alive() bool {
	done := p.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	return detector.PIDAlive(p.PID())
}

// Terminate sends SIGTERM to the process group, waits up to grace, then SIGKILL
// and waits up to DefaultKillMargin. Terminating a process that is not running
// is a no-op.
func (p *Process) Terminate(grace time.Duration) error {
	return p.TerminateWithMargin(grace, DefaultKillMargin)
}

func (p *Process) TerminateWithMargin(grace, margin time.Duration) error {
	done := p.Done()
	if done == nil {
		return nil
	}
	pid := p.PID()
	select {
	case <-done:
		return nil
	default:
	}
	_ = killGroup(pid, syscall.SIGTERM)
	if waitDone(done, grace) {
		return nil
	}
	_ = killGroup(pid, syscall.SIGKILL)
	if waitDone(done, margin) {
		return nil
	}
	return fmt.Errorf("%s (pid %d): %w", p.spec.Name, pid, ErrStillAlive)
}

// ClearRecord removes the pid record regardless of prior state.
func (p *Process) ClearRecord() error {
	if p.spec.PIDFile == "" {
		return nil
	}
	return pidfile.Remove(p.spec.PIDFile)
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// OpenLog opens path for appending, creating parent directories. An empty path
// yields /dev/null.
func OpenLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G302
}
