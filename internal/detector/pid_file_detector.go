package detector

import (
	"errors"
	"fmt"

	"github.com/loykin/skyrelay/internal/pidfile"
)

// PIDFileDetector detects a service via its pid record.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	rec, err := pidfile.Read(d.PIDFile)
	if err != nil {
		if errors.Is(err, pidfile.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return RecordAlive(rec), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// RecordAlive checks a pid record, rejecting a pid whose start time no longer
// matches the recorded one.
func RecordAlive(rec pidfile.Record) bool {
	if !PIDAlive(rec.PID) {
		return false
	}
	if rec.Meta.StartUnix > 0 {
		if cur := ProcStartUnix(rec.PID); cur > 0 && cur != rec.Meta.StartUnix {
			return false
		}
	}
	return true
}

// PIDDetector detects by a provided pid number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return PIDAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
