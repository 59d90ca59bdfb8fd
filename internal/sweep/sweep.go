// Package sweep is the last-resort cleanup: it finds processes by command-line
// signature and terminates them. It exists for processes whose pid record was
// lost and is never the primary teardown path.
package sweep

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/time/rate"

	"github.com/loykin/skyrelay/internal/history"
	"github.com/loykin/skyrelay/internal/metrics"
	"github.com/loykin/skyrelay/internal/process"
)

// Candidate is a process visible to the sweeper.
type Candidate struct {
	PID     int
	Cmdline string
}

// Lister enumerates running processes.
type Lister func(ctx context.Context) ([]Candidate, error)

// Killer terminates one pid with a grace window.
type Killer func(pid int, grace time.Duration) error

// Sweeper terminates processes matching command signatures, one kill at a time
// under a rate limit.
type Sweeper struct {
	Limiter *rate.Limiter
	Logger  *slog.Logger
	History *history.Recorder
	List    Lister
	Kill    Killer
	// Exclude lists pids never touched besides ourselves and our parent.
	Exclude []int
}

// New returns a sweeper allowing perSecond kills with the given burst.
func New(perSecond float64, burst int, logger *slog.Logger) *Sweeper {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		Logger:  logger,
		List:    ListProcesses,
		Kill:    process.Terminate,
	}
}

// Sweep terminates every process whose command line contains one of patterns.
// It returns the pids it terminated. Errors are logged, never returned: the sweep
// is best effort and stops early only when ctx is done.
func (s *Sweeper) Sweep(ctx context.Context, patterns []string, grace time.Duration) []int {
	patterns = compact(patterns)
	if len(patterns) == 0 {
		return nil
	}
	cands, err := s.List(ctx)
	if err != nil {
		s.Logger.Warn("sweep: list processes failed", "error", err)
		return nil
	}
	skip := map[int]bool{os.Getpid(): true, os.Getppid(): true}
	for _, pid := range s.Exclude {
		skip[pid] = true
	}
	var killed []int
	for _, c := range cands {
		if skip[c.PID] || c.PID <= 1 {
			continue
		}
		pat, ok := match(c.Cmdline, patterns)
		if !ok {
			continue
		}
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				s.Logger.Warn("sweep interrupted", "error", err)
				return killed
			}
		}
		s.Logger.Warn("sweep: terminating untracked process", "pid", c.PID, "pattern", pat, "cmdline", c.Cmdline)
		if err := s.Kill(c.PID, grace); err != nil {
			s.Logger.Warn("sweep: terminate failed", "pid", c.PID, "error", err)
			continue
		}
		killed = append(killed, c.PID)
		metrics.IncSweepKill(pat)
		s.History.Emit(history.EventSweepKill, history.Record{Name: pat, PID: c.PID, Status: "killed", Detail: c.Cmdline})
	}
	return killed
}

// ListProcesses enumerates processes through gopsutil. Processes that vanish or
// cannot be inspected are skipped.
func ListProcesses(ctx context.Context) ([]Candidate, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		out = append(out, Candidate{PID: int(p.Pid), Cmdline: cmdline})
	}
	return out, nil
}

func match(cmdline string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if strings.Contains(cmdline, p) {
			return p, true
		}
	}
	return "", false
}

func compact(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
