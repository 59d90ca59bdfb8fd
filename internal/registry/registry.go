// Package registry keeps one persisted pid slot per named service and starts and
// stops services through it. The pid record, not memory, is the durable identity
// of a service across supervisor restarts.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/loykin/skyrelay/internal/detector"
	"github.com/loykin/skyrelay/internal/env"
	"github.com/loykin/skyrelay/internal/history"
	"github.com/loykin/skyrelay/internal/metrics"
	"github.com/loykin/skyrelay/internal/pidfile"
	"github.com/loykin/skyrelay/internal/process"
)

// ErrAlreadyRunning is returned by Start when the named service is alive.
// Callers must stop it first.
var ErrAlreadyRunning = errors.New("service already running")

// DefaultGrace is the stop grace window used when Options.Grace is zero.
const DefaultGrace = 5 * time.Second

// Service describes what to run under a name.
type Service struct {
	Command string
	WorkDir string
	Env     []string // per-service "K=V" entries layered over the global env
}

// Status is the observed state of one named service.
type Status struct {
	Name      string `json:"name"`
	Up        bool   `json:"up"`
	PID       int    `json:"pid,omitempty"`
	Command   string `json:"command,omitempty"`
	StartUnix int64  `json:"start_unix,omitempty"`
}

type Options struct {
	PIDDir     string
	LogDir     string
	Grace      time.Duration
	KillMargin time.Duration
	Env        *env.Env
	Logger     *slog.Logger
	History    *history.Recorder
}

type Registry struct {
	mu         sync.Mutex
	store      *pidfile.Store
	logDir     string
	grace      time.Duration
	killMargin time.Duration
	env        *env.Env
	logger     *slog.Logger
	hist       *history.Recorder
	started    *orderedmap.OrderedMap[string, *process.Process]
}

func New(o Options) *Registry {
	r := &Registry{
		store:      pidfile.NewStore(o.PIDDir),
		logDir:     o.LogDir,
		grace:      o.Grace,
		killMargin: o.KillMargin,
		env:        o.Env,
		logger:     o.Logger,
		hist:       o.History,
		started:    orderedmap.New[string, *process.Process](),
	}
	if r.grace <= 0 {
		r.grace = DefaultGrace
	}
	if r.killMargin <= 0 {
		r.killMargin = process.DefaultKillMargin
	}
	if r.env == nil {
		r.env = env.New(nil)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

func (r *Registry) Store() *pidfile.Store { return r.store }

// LogPath is where a service's stdout and stderr are appended.
func (r *Registry) LogPath(name string) string {
	return filepath.Join(r.logDir, name+".log")
}

// Start launches svc under name unless a live record already holds the name.
// A stale record is cleared first.
func (r *Registry) Start(name string, svc Service) (int, error) {
	if err := pidfile.ValidateName(name); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.Read(name)
	switch {
	case err == nil:
		if detector.RecordAlive(rec) {
			return rec.PID, fmt.Errorf("%s (pid %d): %w", name, rec.PID, ErrAlreadyRunning)
		}
		r.logger.Debug("clearing stale pid record", "service", name, "pid", rec.PID)
		if err := r.store.Clear(name); err != nil {
			return 0, fmt.Errorf("clear stale record for %s: %w", name, err)
		}
	case errors.Is(err, pidfile.ErrNotFound):
	default:
		// unreadable record: treat like a stale one
		r.logger.Warn("unreadable pid record", "service", name, "error", err)
		_ = r.store.Clear(name)
	}

	p := process.New(process.Spec{
		Name:    name,
		Command: svc.Command,
		WorkDir: svc.WorkDir,
		Env:     r.env.Merge(svc.Env),
		LogPath: r.LogPath(name),
		PIDFile: r.store.Path(name),
	})
	pid, err := p.Launch()
	if err != nil {
		metrics.IncLaunchFailure(name)
		return 0, err
	}
	r.started.Delete(name)
	r.started.Set(name, p)
	metrics.IncStart(name)
	r.hist.Emit(history.EventServiceStart, history.Record{Name: name, PID: pid, Status: "up", Detail: svc.Command})
	r.logger.Info("service started", "service", name, "pid", pid)
	return pid, nil
}

// Stop terminates the named service and clears its record. It never fails:
// OS errors are logged at warn and swallowed.
func (r *Registry) Stop(name string) {
	r.StopWithGrace(name, r.grace)
}

// StopWithGrace is Stop with a per-call grace window, for services that need
// time to shut down their own children.
func (r *Registry) StopWithGrace(name string, grace time.Duration) {
	if err := pidfile.ValidateName(name); err != nil {
		r.logger.Warn("stop skipped", "service", name, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, recErr := r.store.Read(name)
	pid := 0
	var stopErr error
	if p, ok := r.started.Get(name); ok && (recErr != nil || rec.PID == p.PID()) {
		pid = p.PID()
		if p.Alive() {
			stopErr = p.TerminateWithMargin(grace, r.killMargin)
		} else {
			pid = 0
		}
	} else if recErr == nil && detector.RecordAlive(rec) {
		pid = rec.PID
		stopErr = process.TerminateWithMargin(rec.PID, grace, r.killMargin)
	}
	r.started.Delete(name)
	if stopErr != nil {
		r.logger.Warn("stop failure", "service", name, "pid", pid, "error", stopErr)
	}
	if err := r.store.Clear(name); err != nil {
		r.logger.Warn("clear pid record", "service", name, "error", err)
	}
	if pid == 0 {
		return
	}
	metrics.IncStop(name)
	status := "stopped"
	detail := ""
	if stopErr != nil {
		status = "stop_failed"
		detail = stopErr.Error()
	}
	r.hist.Emit(history.EventServiceStop, history.Record{Name: name, PID: pid, Status: status, Detail: detail})
	r.logger.Info("service stopped", "service", name, "pid", pid)
}

// StopAll stops names in the given order.
func (r *Registry) StopAll(names []string) {
	for _, n := range names {
		r.Stop(n)
	}
}

// StopStarted stops every service started by this registry, newest first.
func (r *Registry) StopStarted() {
	r.StopAll(r.Started())
}

// Started returns the services started through this instance, newest first.
func (r *Registry) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, r.started.Len())
	for pair := r.started.Newest(); pair != nil; pair = pair.Prev() {
		names = append(names, pair.Key)
	}
	return names
}

// StatusOf is a pure read of the persisted record plus a liveness probe.
func (r *Registry) StatusOf(name string) Status {
	st := Status{Name: name}
	rec, err := r.store.Read(name)
	if err != nil {
		return st
	}
	st.Command = rec.Meta.Command
	if detector.RecordAlive(rec) {
		st.Up = true
		st.PID = rec.PID
		st.StartUnix = rec.Meta.StartUnix
	}
	return st
}

// Names lists every service that currently has a pid record.
func (r *Registry) Names() ([]string, error) {
	return r.store.List()
}

// Process returns the in-memory handle of a service started by this instance.
func (r *Registry) Process(name string) (*process.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started.Get(name)
}
