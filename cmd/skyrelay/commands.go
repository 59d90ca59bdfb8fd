package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/skyrelay/internal/config"
	"github.com/loykin/skyrelay/internal/device"
	"github.com/loykin/skyrelay/internal/logger"
	"github.com/loykin/skyrelay/internal/server"
	"github.com/loykin/skyrelay/internal/supervisor"
	"github.com/loykin/skyrelay/internal/tree"
	"github.com/loykin/skyrelay/pkg/client"
)

// command binds the cobra handlers to the config selected by the global flags.
type command struct {
	flags *GlobalFlags
	// newSupervisor is replaced in tests.
	newSupervisor func(supervisor.Options) (*supervisor.Supervisor, error)
}

func (c *command) load() (*config.Config, error) {
	return config.Load(c.flags.ConfigPath)
}

// session is a loaded config with its supervisor and logger.
type session struct {
	sup    *supervisor.Supervisor
	cfg    *config.Config
	log    *slog.Logger
	closer io.Closer
}

func (s *session) Close() {
	_ = s.sup.Close()
	_ = s.closer.Close()
}

// open loads the config and builds a supervisor. Interactive commands log to
// stderr; the long-running internal ones honour log.file.
func (c *command) open(internal bool) (*session, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	lc := cfg.Log.Logger()
	if !internal {
		lc.File = ""
	}
	log, closer, err := logger.New(lc)
	if err != nil {
		return nil, err
	}
	build := c.newSupervisor
	if build == nil {
		build = supervisor.New
	}
	sup, err := build(supervisor.Options{Config: cfg, ConfigPath: c.flags.ConfigPath, Logger: log})
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	return &session{sup: sup, cfg: cfg, log: log, closer: closer}, nil
}

func (c *command) Start(ctx context.Context, w io.Writer) error {
	ss, err := c.open(false)
	if err != nil {
		return err
	}
	defer ss.Close()
	rep, err := ss.sup.Start(ctx)
	printReport(w, rep)
	return err
}

func printReport(w io.Writer, rep *supervisor.Report) {
	if rep == nil {
		return
	}
	for _, d := range rep.Devices {
		_, _ = fmt.Fprintf(w, "device %s\n", d)
	}
	for _, st := range rep.Started {
		_, _ = fmt.Fprintf(w, "started %-10s pid %d\n", st.Name, st.PID)
	}
	for _, warn := range rep.Warnings {
		_, _ = fmt.Fprintf(w, "warning: %v\n", warn)
	}
}

// Stop never fails once the config is loaded.
func (c *command) Stop(ctx context.Context, w io.Writer) error {
	ss, err := c.open(false)
	if err != nil {
		return err
	}
	defer ss.Close()
	rep := ss.sup.Stop(ctx)
	for _, n := range rep.Stopped {
		_, _ = fmt.Fprintf(w, "stopped %s\n", n)
	}
	if len(rep.Swept) > 0 {
		_, _ = fmt.Fprintf(w, "swept %d leftover process(es)\n", len(rep.Swept))
	}
	if len(rep.Stopped) == 0 && len(rep.Swept) == 0 {
		_, _ = fmt.Fprintln(w, "nothing was running")
	}
	return nil
}

func (c *command) Status(ctx context.Context, w io.Writer, f StatusFlags) error {
	var sts []supervisor.ServiceStatus
	if f.APIURL != "" {
		remote, err := client.New(client.Config{BaseURL: f.APIURL, Timeout: f.APITimeout}).Status(ctx)
		if err != nil {
			return fmt.Errorf("query status api: %w", err)
		}
		sts = remote
	} else {
		ss, err := c.open(false)
		if err != nil {
			return err
		}
		defer ss.Close()
		sts = ss.sup.Status(ctx)
	}
	if f.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sts)
	}
	return printStatusTable(w, sts)
}

func printStatusTable(w io.Writer, sts []supervisor.ServiceStatus) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tSTATE\tPID\tDETAIL")
	for _, st := range sts {
		state := "DOWN"
		pid := "-"
		if st.Up {
			state = "UP"
			pid = fmt.Sprint(st.PID)
		}
		var detail []string
		if st.Reachable != nil {
			if *st.Reachable {
				detail = append(detail, "reachable")
			} else {
				detail = append(detail, "unreachable")
			}
		}
		if st.Slice != nil {
			detail = append(detail, st.Slice.String())
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Name, state, pid, strings.Join(detail, " "))
	}
	return tw.Flush()
}

func (c *command) Logs(ctx context.Context, w io.Writer, name string, f LogsFlags) error {
	ss, err := c.open(false)
	if err != nil {
		return err
	}
	defer ss.Close()
	return ss.sup.Logs(ctx, name, f.Lines, f.Follow, w)
}

func (c *command) Devices(ctx context.Context, w io.Writer) error {
	ss, err := c.open(false)
	if err != nil {
		return err
	}
	defer ss.Close()
	devs, err := ss.sup.Devices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devs {
		_, _ = fmt.Fprintln(w, d)
	}
	return nil
}

// Setup asks for a device per function, shows the resulting plan and saves it.
func (c *command) Setup(ctx context.Context, in io.Reader, w io.Writer) error {
	ss, err := c.open(false)
	if err != nil {
		return err
	}
	defer ss.Close()
	sup, cfg := ss.sup, ss.cfg
	if cfg.PlanFile == "" {
		return errors.New("plan_file is not configured")
	}
	devs, err := sup.Devices(ctx)
	if err != nil {
		return err
	}
	fns := cfg.EnabledFunctions()
	if len(fns) == 0 {
		fns = device.Functions
	}
	policy := &device.InteractivePolicy{In: in, Out: w, Functions: fns, Defaults: sup.DefaultRequest()}
	req, err := policy.Request(devs)
	if err != nil {
		return err
	}
	plan, err := sup.Allocator().Plan(devs, device.StaticPolicy(req))
	if err != nil {
		return err
	}
	printPlan(w, plan)
	if err := device.SavePlan(cfg.PlanFile, req, devs); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "plan saved to %s\n", cfg.PlanFile)
	return nil
}

func printPlan(w io.Writer, plan device.Plan) {
	for _, a := range plan.Assignments() {
		switch {
		case !a.Enabled():
			_, _ = fmt.Fprintf(w, "%-6s disabled\n", a.Function)
		case a.TimeSliced:
			_, _ = fmt.Fprintf(w, "%-6s device %s (time-sliced)\n", a.Function, a.Device.ID())
		default:
			_, _ = fmt.Fprintf(w, "%-6s device %s\n", a.Function, a.Device.ID())
		}
	}
	for _, fb := range plan.Fallbacks() {
		_, _ = fmt.Fprintf(w, "note: %s choice %q not found, using device %s\n", fb.Function, fb.Input, fb.Device.ID())
	}
	conflicts := plan.Conflicts()
	for i := range conflicts {
		_, _ = fmt.Fprintf(w, "warning: %v\n", &conflicts[i])
	}
}

func (c *command) Slice(ctx context.Context, f SliceFlags) error {
	fns := make([]device.Function, 0, len(f.Functions))
	for _, name := range f.Functions {
		fn := device.Function(strings.TrimSpace(name))
		if !fn.Valid() {
			return fmt.Errorf("unknown function %q", name)
		}
		fns = append(fns, fn)
	}
	ss, err := c.open(true)
	if err != nil {
		return err
	}
	defer ss.Close()
	return ss.sup.RunSlice(ctx, f.Device, f.Serial, fns)
}

func (c *command) Mirror(ctx context.Context) error {
	ss, err := c.open(true)
	if err != nil {
		return err
	}
	defer ss.Close()
	return ss.sup.RunMirrors(ctx)
}

func (c *command) API(ctx context.Context) error {
	ss, err := c.open(true)
	if err != nil {
		return err
	}
	defer ss.Close()
	r, err := server.NewRouter(ss.sup, "/api", ss.log)
	if err != nil {
		return err
	}
	srv := server.New(ss.cfg.API.Listen, r)
	ss.log.Info("status api listening", "addr", ss.cfg.API.Listen)
	return tree.Run(ctx, "api", ss.log, tree.Config{}, server.NewService(srv, 10*time.Second))
}
