package process

import (
	"errors"
	"fmt"
)

var (
	// ErrLaunch matches every *LaunchError via errors.Is.
	ErrLaunch = errors.New("launch failed")
	// ErrStillAlive is returned when a process survives SIGKILL and the kill margin.
	ErrStillAlive = errors.New("process still alive after kill")
)

// LaunchError reports that the OS could not start a process.
type LaunchError struct {
	Name    string
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s (%s): %v", e.Name, e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }
