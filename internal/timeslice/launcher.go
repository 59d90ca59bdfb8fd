package timeslice

import (
	"path/filepath"
	"time"

	"github.com/loykin/skyrelay/internal/env"
	"github.com/loykin/skyrelay/internal/pidfile"
	"github.com/loykin/skyrelay/internal/process"
)

// Instance is one running slot process.
type Instance interface {
	PID() int
	Done() <-chan struct{}
	TerminateWithMargin(grace, margin time.Duration) error
	ClearRecord() error
}

// Launcher starts the process for a slot.
type Launcher interface {
	Launch(slot Slot) (Instance, error)
}

// ProcessLauncher launches slots as detached processes with a pid record and an
// append-mode log named after the function.
type ProcessLauncher struct {
	PIDDir string
	LogDir string
	Env    *env.Env
}

func (l ProcessLauncher) Launch(slot Slot) (Instance, error) {
	e := l.Env
	if e == nil {
		e = env.New(nil)
	}
	p := process.New(process.Spec{
		Name:    slot.Function,
		Command: slot.Command,
		Env:     e.Merge(slot.Env),
		LogPath: filepath.Join(l.LogDir, slot.Function+".log"),
		PIDFile: pidfile.NewStore(l.PIDDir).Path(slot.Function),
	})
	if _, err := p.Launch(); err != nil {
		return nil, err
	}
	return p, nil
}
