package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/loykin/skyrelay/internal/detector"
	"github.com/loykin/skyrelay/internal/device"
	"github.com/loykin/skyrelay/internal/mirror"
	"github.com/loykin/skyrelay/internal/pidfile"
	"github.com/loykin/skyrelay/internal/timeslice"
)

// Status reports every known or recorded service: pid liveness from the
// registry, an HTTP reachability probe where a URL is configured, and the
// scheduler state of time-slice services.
func (s *Supervisor) Status(ctx context.Context) []ServiceStatus {
	names := s.knownServices()
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	recorded, err := s.reg.Names()
	if err != nil {
		s.logger.Warn("list pid records", "error", err)
	}
	sort.Strings(recorded)
	for _, n := range recorded {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}

	out := make([]ServiceStatus, 0, len(names))
	for _, n := range names {
		st := s.reg.StatusOf(n)
		ss := ServiceStatus{Name: n, Up: st.Up, PID: st.PID, Command: st.Command}
		if url := s.probeURL(n); url != "" {
			ok := detector.HTTPDetector{URL: url, Timeout: detector.DefaultHTTPTimeout}.Probe(ctx)
			ss.URL = url
			ss.Reachable = &ok
		}
		if dev, ok := strings.CutPrefix(n, SlicePrefix); ok {
			if slice, err := timeslice.ReadState(s.cfg.StateFile(dev)); err == nil {
				ss.Slice = &slice
			}
		}
		out = append(out, ss)
	}
	return out
}

// StatusOf returns the status of one service; ok is false for an unknown name.
func (s *Supervisor) StatusOf(ctx context.Context, name string) (ServiceStatus, bool) {
	for _, st := range s.Status(ctx) {
		if st.Name == name {
			return st, true
		}
	}
	return ServiceStatus{}, false
}

func (s *Supervisor) knownServices() []string {
	var names []string
	for _, f := range s.cfg.EnabledFunctions() {
		names = append(names, string(f))
	}
	if len(s.Mirrors(nil)) > 0 {
		names = append(names, ServiceMirror)
	}
	for _, n := range []string{ServiceAI, ServiceBridge, ServiceWeb} {
		if s.serviceConfig(n).Enabled {
			names = append(names, n)
		}
	}
	if s.cfg.API.Enabled {
		names = append(names, ServiceAPI)
	}
	return names
}

func (s *Supervisor) probeURL(name string) string {
	switch name {
	case ServiceAI, ServiceBridge, ServiceWeb:
		if sc := s.serviceConfig(name); sc.Enabled {
			return sc.URL
		}
	}
	return ""
}

// Mirrors returns a mirror for every enabled function that has both an output
// and a snapshot path. With a plan, only functions the plan enables count.
func (s *Supervisor) Mirrors(plan *device.Plan) []*mirror.Mirror {
	var out []*mirror.Mirror
	for _, f := range s.cfg.EnabledFunctions() {
		if plan != nil {
			if a, ok := plan.Get(f); !ok || !a.Enabled() {
				continue
			}
		}
		fc, _ := s.cfg.Function(f)
		if fc.Output == "" || fc.Snapshot == "" {
			continue
		}
		out = append(out, &mirror.Mirror{
			Name:     string(f),
			Source:   fc.Output,
			Snapshot: fc.Snapshot,
			Poll:     s.cfg.Mirror.Poll,
			Logger:   s.logger,
		})
	}
	return out
}

// Logs writes the last lines of a service log to w and, with follow, keeps
// copying appended output until ctx is done.
func (s *Supervisor) Logs(ctx context.Context, name string, lines int, follow bool, w io.Writer) error {
	if err := pidfile.ValidateName(name); err != nil {
		return err
	}
	path := s.reg.LogPath(name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no log for service %q", name)
		}
		return err
	}
	tail, off, err := mirror.Tail(path, lines)
	if err != nil {
		return err
	}
	for _, l := range tail {
		if _, err := io.WriteString(w, l); err != nil {
			return err
		}
	}
	if !follow {
		return nil
	}
	return mirror.Follow(ctx, path, off, w, s.cfg.Mirror.Poll)
}
