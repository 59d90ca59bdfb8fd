// Package timeslice rotates a single exclusive-access device between capture
// functions that cannot run at the same time.
//
// One goroutine owns all state. A slot is launched only after the previous
// occupant has been confirmed dead, so at most one slot process is alive.
package timeslice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/loykin/skyrelay/internal/detector"
	"github.com/loykin/skyrelay/internal/history"
	"github.com/loykin/skyrelay/internal/metrics"
	"github.com/loykin/skyrelay/internal/process"
	"github.com/loykin/skyrelay/internal/wait"
)

// ErrSchedulerFailed is returned when MaxErrors consecutive slot failures occurred.
var ErrSchedulerFailed = errors.New("time-slice scheduler failed")

var errDeviceBusy = errors.New("device busy")

const (
	DefaultMaxErrors     = 5
	DefaultQuiescence    = 3 * time.Second
	DefaultGrace         = 5 * time.Second
	DefaultRecoveryDelay = 10 * time.Second
	DefaultDwell         = 5 * time.Minute
)

// Slot is one function in the rotation.
type Slot struct {
	Function string
	Command  string
	Dwell    time.Duration
	Env      []string
	// Patterns are command-line signatures swept on shutdown.
	Patterns []string
}

// Sweeper is the last-resort cleanup run on shutdown.
type Sweeper interface {
	Sweep(ctx context.Context, patterns []string, grace time.Duration) []int
}

type Config struct {
	Device        string
	Slots         []Slot
	MaxErrors     int
	Quiescence    time.Duration
	Grace         time.Duration
	KillMargin    time.Duration
	RecoveryDelay time.Duration
	// Probe, when set, must report alive (device free) before each launch.
	Probe     detector.Detector
	StateFile string
	Launcher  Launcher
	Sweeper   Sweeper
	Logger    *slog.Logger
	History   *history.Recorder
}

type Scheduler struct {
	cfg Config
	log *slog.Logger
	cb  *gobreaker.CircuitBreaker[struct{}]

	mu   sync.Mutex
	snap SliceState

	// owned by the control loop
	occupant Instance
	occSlot  Slot
	errors   int
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Device == "" {
		return nil, errors.New("timeslice: device is required")
	}
	if len(cfg.Slots) == 0 {
		return nil, errors.New("timeslice: at least one slot is required")
	}
	cfg.Slots = append([]Slot(nil), cfg.Slots...)
	for i, sl := range cfg.Slots {
		if sl.Function == "" || sl.Command == "" {
			return nil, fmt.Errorf("timeslice: slot %d needs a function and a command", i)
		}
		if sl.Dwell <= 0 {
			cfg.Slots[i].Dwell = DefaultDwell
		}
	}
	if cfg.Launcher == nil {
		return nil, errors.New("timeslice: launcher is required")
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if cfg.Quiescence < 0 {
		cfg.Quiescence = 0
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.KillMargin <= 0 {
		cfg.KillMargin = process.DefaultKillMargin
	}
	if cfg.RecoveryDelay < 0 {
		cfg.RecoveryDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Scheduler{
		cfg: cfg,
		log: cfg.Logger.With("device", cfg.Device),
		snap: SliceState{
			Device: cfg.Device,
			State:  StateIdle,
			Since:  time.Now().UTC(),
		},
	}
	limit := uint32(cfg.MaxErrors)
	s.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name: "slice-" + cfg.Device,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			s.errors = int(c.ConsecutiveFailures)
			return c.ConsecutiveFailures >= limit
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return s, nil
}

// Snapshot returns the current state.
func (s *Scheduler) Snapshot() SliceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Run drives the rotation until ctx is cancelled or MaxErrors consecutive
// failures occur. Cancellation stops the current occupant, sweeps every slot's
// patterns and returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.transition(StateIdle, "", 0, nil)
	idx := 0
	for {
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}
		slot := s.cfg.Slots[idx]
		_, err := s.cb.Execute(func() (struct{}, error) {
			return struct{}{}, s.runSlot(ctx, slot)
		})
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}
		if err == nil {
			s.errors = 0
			metrics.SetSliceErrors(s.cfg.Device, 0)
			idx = (idx + 1) % len(s.cfg.Slots)
			continue
		}

		s.log.Warn("slot failed", "function", slot.Function, "errors", s.errors, "max", s.cfg.MaxErrors, "error", err)
		metrics.SetSliceErrors(s.cfg.Device, s.errors)
		s.cfg.History.Emit(history.EventSliceFailed, history.Record{
			Name: slot.Function, Status: "failed", Detail: err.Error(),
		})
		s.transition(StateFailed, slot.Function, 0, err)
		if s.cb.State() == gobreaker.StateOpen {
			s.log.Error("too many consecutive failures, giving up", "function", slot.Function, "errors", s.errors)
			s.stopOccupant()
			s.sweep()
			return fmt.Errorf("%w: device %s: %d consecutive failures, last: %v", ErrSchedulerFailed, s.cfg.Device, s.errors, err)
		}
		if wait.Sleep(ctx, s.cfg.RecoveryDelay) != nil {
			s.shutdown()
			return nil
		}
	}
}

// runSlot takes one slot through RUNNING, STOPPING and QUIESCING.
func (s *Scheduler) runSlot(ctx context.Context, slot Slot) error {
	if err := s.probe(ctx); err != nil {
		return err
	}
	inst, err := s.cfg.Launcher.Launch(slot)
	if err != nil {
		metrics.IncLaunchFailure(slot.Function)
		return err
	}
	s.occupant, s.occSlot = inst, slot
	s.transition(StateRunning, slot.Function, inst.PID(), nil)
	s.cfg.History.Emit(history.EventSliceStart, history.Record{
		Name: slot.Function, PID: inst.PID(), Status: "running", Detail: slot.Command,
	})
	s.log.Info("slot running", "function", slot.Function, "pid", inst.PID(), "dwell", slot.Dwell)

	started := time.Now()
	dwell := time.NewTimer(slot.Dwell)
	defer dwell.Stop()
	select {
	case <-ctx.Done():
		s.stopOccupant()
		return ctx.Err()
	case <-inst.Done():
		ran := time.Since(started).Round(time.Millisecond)
		s.stopOccupant()
		return fmt.Errorf("%s exited after %s of %s dwell", slot.Function, ran, slot.Dwell)
	case <-dwell.C:
	}

	if err := s.stopOccupant(); err != nil {
		return err
	}
	metrics.IncRotation(s.cfg.Device, slot.Function)
	s.mu.Lock()
	s.snap.Rotations++
	s.mu.Unlock()

	s.transition(StateQuiescing, "", 0, nil)
	if err := wait.Sleep(ctx, s.cfg.Quiescence); err != nil {
		return err
	}
	return nil
}

// probe checks that the previous occupant is gone and the optional device probe
// passes.
func (s *Scheduler) probe(ctx context.Context) error {
	if s.occupant != nil {
		if err := s.stopOccupant(); err != nil {
			return fmt.Errorf("%w: previous occupant: %v", errDeviceBusy, err)
		}
	}
	if s.cfg.Probe == nil {
		return nil
	}
	var lastErr error
	ok := wait.Until(ctx, s.cfg.Grace, wait.DefaultStep, func() bool {
		alive, err := s.cfg.Probe.Alive()
		lastErr = err
		return alive
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !ok {
		if lastErr != nil {
			return fmt.Errorf("%w: %s: %v", errDeviceBusy, s.cfg.Probe.Describe(), lastErr)
		}
		return fmt.Errorf("%w: %s", errDeviceBusy, s.cfg.Probe.Describe())
	}
	return nil
}

// stopOccupant terminates the current slot process and clears its record.
// The occupant is kept when it could not be confirmed dead.
func (s *Scheduler) stopOccupant() error {
	inst := s.occupant
	if inst == nil {
		return nil
	}
	slot := s.occSlot
	s.transition(StateStopping, slot.Function, inst.PID(), nil)
	if err := inst.TerminateWithMargin(s.cfg.Grace, s.cfg.KillMargin); err != nil {
		s.log.Warn("slot process survived termination", "function", slot.Function, "pid", inst.PID(), "error", err)
		return err
	}
	if err := inst.ClearRecord(); err != nil {
		s.log.Warn("clear slot record", "function", slot.Function, "error", err)
	}
	s.occupant = nil
	s.cfg.History.Emit(history.EventSliceStop, history.Record{Name: slot.Function, PID: inst.PID(), Status: "stopped"})
	s.log.Info("slot stopped", "function", slot.Function, "pid", inst.PID())
	return nil
}

func (s *Scheduler) shutdown() {
	if err := s.stopOccupant(); err != nil {
		s.log.Warn("shutdown: occupant still alive, relying on sweep", "error", err)
	}
	s.sweep()
	s.transition(StateExited, "", 0, nil)
	s.log.Info("scheduler exited")
}

func (s *Scheduler) sweep() {
	if s.cfg.Sweeper == nil {
		return
	}
	var patterns []string
	for _, sl := range s.cfg.Slots {
		patterns = append(patterns, sl.Patterns...)
	}
	// the caller's context is usually done by now
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Grace+s.cfg.KillMargin)
	defer cancel()
	s.cfg.Sweeper.Sweep(ctx, patterns, s.cfg.Grace)
}

func (s *Scheduler) transition(to State, function string, pid int, cause error) {
	s.mu.Lock()
	from := s.snap.State
	s.snap.State = to
	s.snap.Function = function
	s.snap.PID = pid
	s.snap.Errors = s.errors
	s.snap.Since = time.Now().UTC()
	if cause != nil {
		s.snap.LastError = cause.Error()
	}
	snap := s.snap
	s.mu.Unlock()

	metrics.SetSliceState(s.cfg.Device, string(from), string(to))
	s.log.Debug("transition", "from", from, "to", snap.String())
	if s.cfg.StateFile != "" {
		if err := WriteState(s.cfg.StateFile, snap); err != nil {
			s.log.Warn("persist slice state", "path", s.cfg.StateFile, "error", err)
		}
	}
}
