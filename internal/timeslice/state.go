package timeslice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the scheduler's control state.
type State string

const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"
	StateStopping  State = "STOPPING"
	StateQuiescing State = "QUIESCING"
	StateFailed    State = "FAILED"
	StateExited    State = "EXITED"
)

// SliceState is an externally visible snapshot of a scheduler.
type SliceState struct {
	Device    string    `json:"device"`
	State     State     `json:"state"`
	Function  string    `json:"function,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Errors    int       `json:"errors"`
	Since     time.Time `json:"since"`
	Rotations uint64    `json:"rotations"`
	LastError string    `json:"last_error,omitempty"`
}

func (s SliceState) String() string {
	switch s.State {
	case StateRunning, StateStopping:
		return fmt.Sprintf("%s(%s)", s.State, s.Function)
	case StateFailed:
		return fmt.Sprintf("%s(%d)", s.State, s.Errors)
	}
	return string(s.State)
}

// StateFileName is the per-device state file name inside the pid directory.
func StateFileName(device string) string {
	return "slice-" + device + ".state.json"
}

// WriteState persists st to path atomically.
func WriteState(path string, st SliceState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// ReadState loads a state file written by a running scheduler.
func ReadState(path string) (SliceState, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return SliceState{}, err
	}
	var st SliceState
	if err := json.Unmarshal(b, &st); err != nil {
		return SliceState{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return st, nil
}
