package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/loykin/skyrelay/internal/detector"
	"github.com/loykin/skyrelay/internal/device"
	"github.com/loykin/skyrelay/internal/mirror"
	"github.com/loykin/skyrelay/internal/timeslice"
	"github.com/loykin/skyrelay/internal/tree"
)

// SliceScheduler builds the time-slice scheduler for one device and its
// functions, in rotation order.
func (s *Supervisor) SliceScheduler(dev, serial string, functions []device.Function) (*timeslice.Scheduler, error) {
	idx, err := strconv.Atoi(dev)
	if err != nil {
		return nil, fmt.Errorf("invalid device %q: %w", dev, err)
	}
	if len(functions) == 0 {
		return nil, errors.New("no functions to time-slice")
	}
	d := device.Device{Index: idx, Serial: serial}
	al := s.Allocator()
	slots := make([]timeslice.Slot, 0, len(functions))
	for _, f := range functions {
		fc, ok := s.cfg.Function(f)
		if !ok || !f.Valid() {
			return nil, fmt.Errorf("function %q is not configured", f)
		}
		cmd, err := al.Render(f, d)
		if err != nil {
			return nil, err
		}
		patterns := fc.Patterns
		if len(patterns) == 0 {
			patterns = []string{cmd}
		}
		slots = append(slots, timeslice.Slot{
			Function: string(f),
			Command:  cmd,
			Dwell:    fc.Dwell,
			Env:      fc.Env,
			Patterns: patterns,
		})
	}
	ts := s.cfg.TimeSlice
	var sw timeslice.Sweeper
	if s.cfg.Sweep.Enabled {
		sw = s.sweeper
	}
	var probe detector.Detector
	if ts.ProbeCommand != "" {
		probe = detector.CommandDetector{Command: ts.ProbeCommand}
	}
	return timeslice.New(timeslice.Config{
		Device:        d.ID(),
		Slots:         slots,
		MaxErrors:     ts.MaxErrors,
		Quiescence:    ts.Quiescence,
		Grace:         ts.Grace,
		KillMargin:    ts.KillMargin,
		RecoveryDelay: ts.RecoveryDelay,
		Probe:         probe,
		StateFile:     s.cfg.StateFile(d.ID()),
		Launcher:      timeslice.ProcessLauncher{PIDDir: s.cfg.PIDDir, LogDir: s.cfg.LogDir, Env: s.env},
		Sweeper:       sw,
		Logger:        s.logger,
		History:       s.hist,
	})
}

// RunSlice runs the scheduler of one device until ctx is done.
func (s *Supervisor) RunSlice(ctx context.Context, dev, serial string, functions []device.Function) error {
	sched, err := s.SliceScheduler(dev, serial, functions)
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}

// RunMirrors supervises every configured mirror until ctx is done.
func (s *Supervisor) RunMirrors(ctx context.Context) error {
	ms := s.Mirrors(nil)
	if len(ms) == 0 {
		return errors.New("no mirrors configured")
	}
	return mirror.RunAll(ctx, ms, s.logger, tree.Config{})
}
