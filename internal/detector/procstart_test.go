package detector

import (
	"os"
	"testing"
	"time"
)

func TestProcStartUnixOwnProcess(t *testing.T) {
	if got := ProcStartUnix(0); got != 0 {
		t.Fatalf("pid 0: got %d want 0", got)
	}
	if got := ProcStartUnix(-1); got != 0 {
		t.Fatalf("pid -1: got %d want 0", got)
	}
	start := ProcStartUnix(os.Getpid())
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	now := time.Now().Unix()
	if start > now+1 || start < now-24*3600 {
		t.Fatalf("start time %d not near now %d", start, now)
	}
}

func TestOwnProcessIsNotZombie(t *testing.T) {
	if isZombie(os.Getpid()) {
		t.Fatal("running test process reported as zombie")
	}
}
