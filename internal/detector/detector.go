package detector

// Detector is a strategy that determines if a service is up.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the service is detected as up.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDAlive is a signal-0 probe: true only when pid exists, is not a zombie and
// can be signalled by this user. It never fails; a stale pid is simply false.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	return signalZero(pid)
}
