// Package supervisor is the facade behind the CLI: it enumerates devices, plans
// their use, launches every service in dependency order and tears them down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/skyrelay/internal/config"
	"github.com/loykin/skyrelay/internal/detector"
	"github.com/loykin/skyrelay/internal/device"
	"github.com/loykin/skyrelay/internal/env"
	"github.com/loykin/skyrelay/internal/history"
	"github.com/loykin/skyrelay/internal/history/factory"
	"github.com/loykin/skyrelay/internal/process"
	"github.com/loykin/skyrelay/internal/registry"
	"github.com/loykin/skyrelay/internal/sweep"
	"github.com/loykin/skyrelay/internal/timeslice"
	"github.com/loykin/skyrelay/internal/wait"
)

// Well-known service names.
const (
	ServiceMirror = "mirror"
	ServiceAI     = "ai"
	ServiceBridge = "bridge"
	ServiceWeb    = "web"
	ServiceAPI    = "api"
	SlicePrefix   = "slice-"
)

// Sweeper is the pattern-based last-resort cleanup.
type Sweeper interface {
	Sweep(ctx context.Context, patterns []string, grace time.Duration) []int
}

type Options struct {
	Config *config.Config
	// ConfigPath is handed to the internal commands via --config.
	ConfigPath string
	Logger     *slog.Logger
	// Enumerator overrides the one derived from the devices config.
	Enumerator device.Enumerator
	// Policy overrides the plan file and the functions config.
	Policy device.Policy
	// Executable runs the internal slice, mirror and api commands. Defaults to os.Executable.
	Executable string
	LookPath   func(string) (string, error)
	History    *history.Recorder
	Sweeper    Sweeper
}

type Supervisor struct {
	cfg      *config.Config
	cfgPath  string
	logger   *slog.Logger
	session  string
	enum     device.Enumerator
	policy   device.Policy
	exe      string
	lookPath func(string) (string, error)
	hist     *history.Recorder
	ownHist  bool
	sweeper  Sweeper
	env      *env.Env
	reg      *registry.Registry
}

func New(o Options) (*Supervisor, error) {
	if o.Config == nil {
		return nil, errors.New("supervisor: config is required")
	}
	c := o.Config
	s := &Supervisor{
		cfg:      c,
		cfgPath:  o.ConfigPath,
		logger:   o.Logger,
		session:  uuid.NewString(),
		enum:     o.Enumerator,
		policy:   o.Policy,
		exe:      o.Executable,
		lookPath: o.LookPath,
		hist:     o.History,
		sweeper:  o.Sweeper,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("session", s.session)
	if s.cfgPath != "" {
		if abs, err := filepath.Abs(s.cfgPath); err == nil {
			s.cfgPath = abs
		}
	}
	if s.exe == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: locate executable: %w", err)
		}
		s.exe = exe
	}
	if s.lookPath == nil {
		s.lookPath = exec.LookPath
	}
	if s.enum == nil {
		s.enum = enumeratorFor(c)
	}
	if s.hist == nil {
		s.hist = history.NewRecorder(s.session, s.logger)
		s.ownHist = true
		for _, dsn := range c.History.DSNs {
			sink, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				s.logger.Warn("history sink disabled", "error", err)
				continue
			}
			s.hist.AddSink(sink)
		}
	}
	if s.sweeper == nil {
		sw := sweep.New(c.Sweep.Rate, c.Sweep.Burst, s.logger)
		sw.History = s.hist
		s.sweeper = sw
	}
	global, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	s.env = env.New(global)
	s.reg = registry.New(registry.Options{
		PIDDir:     c.PIDDir,
		LogDir:     c.LogDir,
		Grace:      c.Registry.Grace,
		KillMargin: c.Registry.KillMargin,
		Env:        s.env,
		Logger:     s.logger,
		History:    s.hist,
	})
	return s, nil
}

// Session is the id stamped on this instance's history events.
func (s *Supervisor) Session() string { return s.session }

func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Close releases history sinks opened by New.
func (s *Supervisor) Close() error {
	if s.ownHist {
		return s.hist.Close()
	}
	return nil
}

func enumeratorFor(c *config.Config) device.Enumerator {
	if len(c.Devices.Static) > 0 {
		devs := make(device.StaticEnumerator, 0, len(c.Devices.Static))
		for _, d := range c.Devices.Static {
			devs = append(devs, device.Device{Index: d.Index, Serial: d.Serial, Descriptor: d.Descriptor})
		}
		return devs
	}
	return device.CommandEnumerator{Command: c.Devices.Probe, Timeout: c.Devices.ProbeTimeout}
}

// Allocator builds the device allocator from the functions config.
func (s *Supervisor) Allocator() *device.Allocator {
	al := &device.Allocator{
		Templates: make(map[device.Function]string),
		Outputs:   make(map[device.Function]string),
		Logger:    s.logger,
	}
	for _, f := range device.Functions {
		if fc, ok := s.cfg.Function(f); ok {
			al.Templates[f] = fc.Command
			al.Outputs[f] = fc.Output
		}
	}
	return al
}

// DefaultRequest is the plan request described by the functions and
// timeslice config.
func (s *Supervisor) DefaultRequest() device.Request {
	req := device.Request{
		Functions:  s.cfg.EnabledFunctions(),
		Choices:    make(map[device.Function]string),
		TimeSlice:  s.cfg.TimeSlice.Enabled,
		AllowShare: s.cfg.Devices.AllowShare,
		SliceADSB:  s.cfg.TimeSlice.SliceADSB,
	}
	for _, f := range req.Functions {
		if fc, _ := s.cfg.Function(f); fc.Device != "" {
			req.Choices[f] = fc.Device
		}
	}
	for _, o := range s.cfg.TimeSlice.Order {
		req.Order = append(req.Order, device.Function(o))
	}
	return req
}

func (s *Supervisor) planPolicy() (device.Policy, error) {
	if s.policy != nil {
		return s.policy, nil
	}
	if s.cfg.PlanFile != "" {
		req, err := device.LoadPlan(s.cfg.PlanFile)
		if err == nil {
			return device.StaticPolicy(req), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		s.logger.Info("no plan file, using functions config", "plan_file", s.cfg.PlanFile)
	}
	return device.StaticPolicy(s.DefaultRequest()), nil
}

// Devices enumerates attached devices.
func (s *Supervisor) Devices(ctx context.Context) ([]device.Device, error) {
	return device.Enumerate(ctx, s.enum)
}

// Start stops whatever is running, then launches every configured service.
// A *FatalStartupError or a required *LaunchFailure aborts the start after the
// services launched so far are stopped again.
func (s *Supervisor) Start(ctx context.Context) (*Report, error) {
	s.Stop(ctx)
	rep := &Report{Session: s.session}

	devs, err := device.Enumerate(ctx, s.enum)
	if err != nil {
		s.logger.Error("device enumeration failed", "error", err)
		return rep, &FatalStartupError{Resource: "device", Err: err}
	}
	rep.Devices = devs
	s.logger.Info("devices found", "count", len(devs))

	if err := s.checkTools(rep); err != nil {
		s.logger.Error("required tool missing", "error", err)
		return rep, err
	}

	policy, err := s.planPolicy()
	if err != nil {
		return rep, &FatalStartupError{Resource: "plan file", Err: err}
	}
	plan, err := s.Allocator().Plan(devs, policy)
	if err != nil {
		return rep, &FatalStartupError{Resource: "device plan", Err: err}
	}
	rep.Plan = &plan
	conflicts := plan.Conflicts()
	for i := range conflicts {
		rep.warn(&conflicts[i])
	}

	for _, g := range plan.Groups() {
		names := make([]string, len(g.Functions))
		for i, f := range g.Functions {
			names[i] = string(f)
		}
		args := []string{"slice", "--device", g.Device.ID(), "--functions", strings.Join(names, ",")}
		if g.Device.Serial != "" {
			args = append(args, "--serial", g.Device.Serial)
		}
		svc := registry.Service{Command: s.internalCommand(args...), WorkDir: s.cfg.WorkDir}
		if err := s.launch(rep, SlicePrefix+g.Device.ID(), svc, true); err != nil {
			return rep, err
		}
	}
	for _, a := range plan.Direct() {
		fc, _ := s.cfg.Function(a.Function)
		svc := registry.Service{Command: a.Command, WorkDir: s.cfg.WorkDir, Env: fc.Env}
		if err := s.launch(rep, string(a.Function), svc, fc.Required); err != nil {
			return rep, err
		}
	}

	if len(s.Mirrors(&plan)) > 0 {
		svc := registry.Service{Command: s.internalCommand("mirror"), WorkDir: s.cfg.WorkDir}
		if err := s.launch(rep, ServiceMirror, svc, false); err != nil {
			return rep, err
		}
	}

	if err := s.startSidecar(ctx, rep); err != nil {
		return rep, err
	}
	for _, n := range []string{ServiceBridge, ServiceWeb} {
		sc := s.serviceConfig(n)
		if !sc.Enabled {
			continue
		}
		svc := registry.Service{Command: sc.Command, WorkDir: s.cfg.WorkDir, Env: sc.Env}
		if err := s.launch(rep, n, svc, sc.Required); err != nil {
			return rep, err
		}
	}
	if s.cfg.API.Enabled {
		svc := registry.Service{Command: s.internalCommand("api"), WorkDir: s.cfg.WorkDir}
		if err := s.launch(rep, ServiceAPI, svc, false); err != nil {
			return rep, err
		}
	}
	s.logger.Info("supervisor started", "services", len(rep.Started), "warnings", len(rep.Warnings))
	return rep, nil
}

func (s *Supervisor) serviceConfig(name string) config.ServiceConfig {
	switch name {
	case ServiceAI:
		return s.cfg.Sidecar.ServiceConfig
	case ServiceBridge:
		return s.cfg.Bridge
	case ServiceWeb:
		return s.cfg.Web
	}
	return config.ServiceConfig{}
}

// checkTools verifies every required binary before anything is launched.
func (s *Supervisor) checkTools(rep *Report) error {
	type tool struct {
		owner    string
		command  string
		required bool
	}
	var tools []tool
	for _, f := range s.cfg.EnabledFunctions() {
		fc, _ := s.cfg.Function(f)
		tools = append(tools, tool{string(f), fc.Command, fc.Required})
	}
	for _, n := range []string{ServiceBridge, ServiceWeb} {
		if sc := s.serviceConfig(n); sc.Enabled {
			tools = append(tools, tool{n, sc.Command, sc.Required})
		}
	}
	for _, t := range tools {
		bin := process.Spec{Command: t.command}.Binary()
		if bin == "" || strings.Contains(bin, "{{") {
			continue
		}
		if _, err := s.lookPath(bin); err != nil {
			if t.required {
				return &FatalStartupError{Resource: bin, Err: fmt.Errorf("required by %s: %w", t.owner, err)}
			}
			s.logger.Warn("optional tool missing", "service", t.owner, "tool", bin)
			rep.warn(&LaunchFailure{Service: t.owner, Err: err})
		}
	}
	return nil
}

func (s *Supervisor) launch(rep *Report, name string, svc registry.Service, required bool) error {
	pid, err := s.reg.Start(name, svc)
	if err == nil {
		rep.Started = append(rep.Started, registry.Status{Name: name, Up: true, PID: pid, Command: svc.Command})
		return nil
	}
	lf := &LaunchFailure{Service: name, Required: required, Err: err}
	if !required {
		s.logger.Warn("optional service failed to launch", "service", name, "error", err)
		rep.warn(lf)
		return nil
	}
	s.logger.Error("required service failed to launch, rolling back", "service", name, "error", err)
	s.rollback()
	rep.Started = nil
	return lf
}

// rollback stops the services of this session newest first, giving slice
// schedulers the same grace as Stop.
func (s *Supervisor) rollback() {
	for _, n := range s.reg.Started() {
		s.reg.StopWithGrace(n, s.graceFor(n))
	}
	s.clearSliceStates()
}

func (s *Supervisor) startSidecar(ctx context.Context, rep *Report) error {
	sc := s.cfg.Sidecar
	if !sc.Enabled {
		return nil
	}
	bin := process.Spec{Command: sc.Command}.Binary()
	if _, err := s.lookPath(bin); err != nil {
		s.logger.Warn("sidecar binary missing, feature unavailable", "tool", bin)
		rep.warn(&LaunchFailure{Service: ServiceAI, Err: err})
		return nil
	}
	svc := registry.Service{Command: sc.Command, WorkDir: s.cfg.WorkDir, Env: sc.Env}
	before := len(rep.Started)
	if err := s.launch(rep, ServiceAI, svc, sc.Required); err != nil {
		return err
	}
	if len(rep.Started) == before {
		return nil
	}
	if sc.URL == "" {
		rep.SidecarAvailable = true
		return nil
	}
	probe := detector.HTTPDetector{URL: sc.URL, Timeout: sc.ProbeInterval}
	start := time.Now()
	ready := wait.Until(ctx, sc.ReadyTimeout, sc.ProbeInterval, func() bool { return probe.Probe(ctx) })
	if !ready {
		w := &SidecarUnreachable{URL: sc.URL, Waited: time.Since(start).Round(time.Millisecond)}
		s.logger.Warn("sidecar unreachable, feature unavailable", "error", w)
		rep.warn(w)
		return nil
	}
	rep.SidecarAvailable = true
	return nil
}

// Stop stops every service in reverse dependency order, then any other
// recorded service, then sweeps known command signatures. It never fails.
func (s *Supervisor) Stop(ctx context.Context) *Report {
	rep := &Report{Session: s.session}
	stop := func(name string) {
		if s.reg.StatusOf(name).Up {
			rep.Stopped = append(rep.Stopped, name)
		}
		s.reg.StopWithGrace(name, s.graceFor(name))
	}

	for _, n := range []string{ServiceAPI, ServiceWeb, ServiceBridge, ServiceAI, ServiceMirror} {
		stop(n)
	}
	names, err := s.reg.Names()
	if err != nil {
		s.logger.Warn("list pid records", "error", err)
	}
	for _, n := range names {
		if strings.HasPrefix(n, SlicePrefix) {
			stop(n)
		}
	}
	for _, f := range device.Functions {
		stop(string(f))
	}
	names, _ = s.reg.Names()
	sort.Strings(names)
	for _, n := range names {
		stop(n)
	}
	s.clearSliceStates()

	if s.cfg.Sweep.Enabled {
		rep.Swept = s.sweeper.Sweep(ctx, s.SweepPatterns(), s.registryGrace())
	}
	s.logger.Info("supervisor stopped", "stopped", len(rep.Stopped), "swept", len(rep.Swept))
	return rep
}

func (s *Supervisor) registryGrace() time.Duration {
	if s.cfg.Registry.Grace <= 0 {
		return registry.DefaultGrace
	}
	return s.cfg.Registry.Grace
}

// graceFor is the stop grace of one service. Slice schedulers get enough time
// to stop their own slot process.
func (s *Supervisor) graceFor(name string) time.Duration {
	if strings.HasPrefix(name, SlicePrefix) {
		return s.sliceGrace()
	}
	return s.registryGrace()
}

// sliceGrace leaves a scheduler time to stop its own slot process.
func (s *Supervisor) sliceGrace() time.Duration {
	return s.cfg.TimeSlice.Grace + s.cfg.TimeSlice.KillMargin + time.Second
}

func (s *Supervisor) clearSliceStates() {
	matches, _ := filepath.Glob(filepath.Join(s.cfg.PIDDir, timeslice.StateFileName("*")))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove slice state", "path", m, "error", err)
		}
	}
}

// SweepPatterns returns the command signatures swept on stop: explicit patterns
// from the config, the binary of every configured capture function and the
// binary of every enabled sidecar, bridge or web service without patterns.
func (s *Supervisor) SweepPatterns() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(ps ...string) {
		for _, p := range ps {
			p = strings.TrimSpace(p)
			if p != "" && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	for _, f := range device.Functions {
		fc, ok := s.cfg.Function(f)
		if !ok {
			continue
		}
		if len(fc.Patterns) > 0 {
			add(fc.Patterns...)
			continue
		}
		add(commandSignature(fc.Command))
	}
	for _, n := range []string{ServiceAI, ServiceBridge, ServiceWeb} {
		sc := s.serviceConfig(n)
		if len(sc.Patterns) > 0 {
			add(sc.Patterns...)
			continue
		}
		if sc.Enabled {
			add(commandSignature(sc.Command))
		}
	}
	add(s.cfg.Sweep.Patterns...)
	return out
}

// commandSignature is the base name of the binary a command runs, or "" when
// the binary is still a template.
func commandSignature(command string) string {
	bin := (process.Spec{Command: command}).Binary()
	if bin == "" || strings.Contains(bin, "{{") {
		return ""
	}
	return filepath.Base(bin)
}

// internalCommand builds a command line re-invoking this binary.
func (s *Supervisor) internalCommand(args ...string) string {
	parts := []string{shellQuote(s.exe)}
	if s.cfgPath != "" {
		parts = append(parts, "--config", shellQuote(s.cfgPath))
	}
	parts = append(parts, args...)
	return strings.Join(parts, " ")
}

func shellQuote(p string) string {
	if !strings.ContainsAny(p, " \t'\"$`;&|<>()*?[]{}~\\") {
		return p
	}
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}
