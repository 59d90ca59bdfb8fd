package supervisor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/skyrelay/internal/config"
	"github.com/loykin/skyrelay/internal/device"
	"github.com/loykin/skyrelay/internal/pidfile"
	"github.com/loykin/skyrelay/internal/process"
	"github.com/loykin/skyrelay/internal/timeslice"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

type fakeSweeper struct {
	mu       sync.Mutex
	patterns [][]string
}

func (f *fakeSweeper) Sweep(_ context.Context, patterns []string, _ time.Duration) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, patterns)
	return nil
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		WorkDir: dir,
		LogDir:  filepath.Join(dir, "logs"),
		PIDDir:  filepath.Join(dir, "run"),
		Functions: map[string]config.FunctionConfig{
			"adsb": {Enabled: true, Required: true, Command: "sleep 3{{.Index}}1", Dwell: time.Minute},
			"vdl2": {Enabled: true, Required: true, Command: "sleep 3{{.Index}}2", Dwell: time.Minute},
		},
		TimeSlice: config.TimeSliceConfig{
			Enabled:       true,
			MaxErrors:     5,
			Grace:         200 * time.Millisecond,
			KillMargin:    200 * time.Millisecond,
			Quiescence:    10 * time.Millisecond,
			RecoveryDelay: 10 * time.Millisecond,
		},
		Registry: config.RegistryConfig{Grace: 500 * time.Millisecond, KillMargin: time.Second},
		Sidecar: config.SidecarConfig{
			ReadyTimeout:  200 * time.Millisecond,
			ProbeInterval: 50 * time.Millisecond,
		},
		Sweep:  config.SweepConfig{Rate: 5, Burst: 1},
		Mirror: config.MirrorConfig{Poll: 20 * time.Millisecond},
	}
}

type fixture struct {
	dir     string
	cfg     *config.Config
	sweeper *fakeSweeper
	devices device.StaticEnumerator
	missing map[string]bool
	exe     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "fake-skyrelay")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nexec sleep 30\n"), 0o700))
	return &fixture{
		dir:     dir,
		cfg:     testConfig(dir),
		sweeper: &fakeSweeper{},
		devices: device.StaticEnumerator{{Index: 0, Serial: "00000001"}, {Index: 1, Serial: "1090"}},
		missing: map[string]bool{},
		exe:     exe,
	}
}

func (f *fixture) supervisor(t *testing.T) *Supervisor {
	t.Helper()
	s, err := New(Options{
		Config:     f.cfg,
		Enumerator: f.devices,
		Executable: f.exe,
		Sweeper:    f.sweeper,
		LookPath: func(name string) (string, error) {
			if f.missing[name] {
				return "", errors.New("executable file not found in $PATH")
			}
			return "/usr/bin/" + name, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Stop(context.Background())
		_ = s.Close()
	})
	return s
}

func startedNames(rep *Report) []string {
	var out []string
	for _, st := range rep.Started {
		out = append(out, st.Name)
	}
	return out
}

func TestStartNoDeviceIsFatal(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.devices = nil
	s := f.supervisor(t)

	rep, err := s.Start(context.Background())
	var fatal *FatalStartupError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "device", fatal.Resource)
	assert.ErrorIs(t, err, device.ErrNoDeviceFound)
	assert.Empty(t, rep.Started)
	names, _ := s.Registry().Names()
	assert.Empty(t, names)
}

func TestStartMissingRequiredToolIsFatal(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.cfg.Functions["vdl2"] = config.FunctionConfig{Enabled: true, Required: true, Command: "dumpvdl2 --rtlsdr {{.Index}}"}
	f.missing["dumpvdl2"] = true
	s := f.supervisor(t)

	_, err := s.Start(context.Background())
	var fatal *FatalStartupError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "dumpvdl2", fatal.Resource)
	assert.Contains(t, err.Error(), "dumpvdl2")
	names, _ := s.Registry().Names()
	assert.Empty(t, names, "nothing launched before the tool check")
}

func TestStartStatusStop(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer web.Close()
	f.cfg.Bridge = config.ServiceConfig{Enabled: true, Required: true, Command: "sleep 41"}
	f.cfg.Web = config.ServiceConfig{Enabled: true, Required: true, Command: "sleep 42", URL: web.URL}
	s := f.supervisor(t)

	rep, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"adsb", "vdl2", "bridge", "web"}, startedNames(rep))
	assert.Empty(t, rep.Warnings)
	require.NotNil(t, rep.Plan)
	adsb, _ := rep.Plan.Get(device.ADSB)
	assert.Equal(t, "sleep 301", adsb.Command)

	byName := map[string]ServiceStatus{}
	for _, st := range s.Status(context.Background()) {
		byName[st.Name] = st
	}
	for _, n := range []string{"adsb", "vdl2", "bridge", "web"} {
		assert.True(t, byName[n].Up, n)
	}
	require.NotNil(t, byName["web"].Reachable)
	assert.True(t, *byName["web"].Reachable)
	assert.Nil(t, byName["bridge"].Reachable)

	pids := make([]int, 0, len(rep.Started))
	for _, st := range rep.Started {
		pids = append(pids, st.PID)
	}
	stopRep := s.Stop(context.Background())
	assert.ElementsMatch(t, []string{"adsb", "vdl2", "bridge", "web"}, stopRep.Stopped)
	for _, pid := range pids {
		assert.False(t, process.IsAlive(pid))
	}
	for _, st := range s.Status(context.Background()) {
		assert.False(t, st.Up, st.Name)
	}
}

func TestStartTwiceKeepsOneProcessPerName(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	s := f.supervisor(t)

	first, err := s.Start(context.Background())
	require.NoError(t, err)
	second, err := s.Start(context.Background())
	require.NoError(t, err)

	for _, st := range first.Started {
		assert.False(t, process.IsAlive(st.PID), st.Name)
	}
	for _, st := range second.Started {
		assert.True(t, process.IsAlive(st.PID), st.Name)
	}
	names, err := s.Registry().Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"adsb", "vdl2"}, names)
}

func TestRequiredLaunchFailureRollsBack(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.cfg.Bridge = config.ServiceConfig{Enabled: true, Required: true, Command: "/nonexistent/bridge --port 1"}
	s := f.supervisor(t)

	rep, err := s.Start(context.Background())
	var lf *LaunchFailure
	require.ErrorAs(t, err, &lf)
	assert.Equal(t, "bridge", lf.Service)
	assert.True(t, lf.Required)
	assert.ErrorIs(t, err, process.ErrLaunch)
	assert.Empty(t, rep.Started)
	for _, st := range s.Status(context.Background()) {
		assert.False(t, st.Up, st.Name)
	}
}

func TestOptionalLaunchFailureIsWarning(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.cfg.Web = config.ServiceConfig{Enabled: true, Command: "/nonexistent/web"}
	s := f.supervisor(t)

	rep, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Warnings, 1)
	var lf *LaunchFailure
	require.ErrorAs(t, rep.Warnings[0], &lf)
	assert.Equal(t, "web", lf.Service)
	assert.False(t, lf.Required)
	assert.Equal(t, []string{"adsb", "vdl2"}, startedNames(rep))
}

func TestSidecarUnreachableIsWarning(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	f.cfg.Sidecar.ServiceConfig = config.ServiceConfig{Enabled: true, Command: "sleep 51", URL: url}
	s := f.supervisor(t)

	start := time.Now()
	rep, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, rep.SidecarAvailable)
	var su *SidecarUnreachable
	require.Len(t, rep.Warnings, 1)
	require.ErrorAs(t, rep.Warnings[0], &su)
	assert.Equal(t, url, su.URL)
	assert.True(t, s.Registry().StatusOf("ai").Up, "sidecar keeps running")
}

func TestSidecarReady(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	ready := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ready.Close()
	f.cfg.Sidecar.ServiceConfig = config.ServiceConfig{Enabled: true, Command: "sleep 52", URL: ready.URL}
	s := f.supervisor(t)

	rep, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.SidecarAvailable)
	assert.Empty(t, rep.Warnings)
}

func TestSidecarMissingBinaryIsWarning(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.cfg.Sidecar.ServiceConfig = config.ServiceConfig{Enabled: true, Required: true, Command: "llama-server --port 8081"}
	f.missing["llama-server"] = true
	s := f.supervisor(t)

	rep, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Warnings, 1)
	assert.False(t, s.Registry().StatusOf("ai").Up)
}

func TestSingleDeviceStartsSliceService(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.devices = device.StaticEnumerator{{Index: 0, Serial: "00000001"}}
	f.cfg.Functions["adsb"] = config.FunctionConfig{Enabled: false, Command: "sleep 1"}
	f.cfg.Functions["acars"] = config.FunctionConfig{Enabled: true, Required: true, Command: "sleep 3{{.Index}}3", Dwell: time.Minute}
	f.cfg.TimeSlice.Order = []string{"acars", "vdl2"}
	s := f.supervisor(t)

	rep, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"slice-0"}, startedNames(rep))
	cmd := rep.Started[0].Command
	assert.True(t, strings.HasPrefix(cmd, f.exe+" slice --device 0 --functions acars,vdl2"), cmd)
	assert.Contains(t, cmd, "--serial 00000001")

	require.NoError(t, timeslice.WriteState(f.cfg.StateFile("0"), timeslice.SliceState{
		Device: "0", State: timeslice.StateRunning, Function: "acars", PID: 4242,
	}))
	st, ok := s.StatusOf(context.Background(), "slice-0")
	require.True(t, ok)
	assert.True(t, st.Up)
	require.NotNil(t, st.Slice)
	assert.Equal(t, "RUNNING(acars)", st.Slice.String())

	s.Stop(context.Background())
	_, err = os.Stat(f.cfg.StateFile("0"))
	assert.True(t, os.IsNotExist(err), "state file removed on stop")
}

func TestTimeSliceOptOutWarnsConflict(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.devices = device.StaticEnumerator{{Index: 0}}
	f.cfg.TimeSlice.Enabled = false
	s := f.supervisor(t)

	rep, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"adsb", "vdl2"}, startedNames(rep))
	require.Len(t, rep.Warnings, 1)
	var dc *DeviceConflict
	assert.ErrorAs(t, rep.Warnings[0], &dc)
}

func TestStopSweepsKnownSignatures(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.cfg.Sweep.Enabled = true
	f.cfg.Sweep.Patterns = []string{"rtl_tcp"}
	f.cfg.Functions["vdl2"] = config.FunctionConfig{Enabled: true, Command: "sh -c 'dumpvdl2 --rtlsdr {{.Index}}'", Patterns: []string{"dumpvdl2"}}
	s := f.supervisor(t)

	rep := s.Stop(context.Background())
	assert.Empty(t, rep.Stopped)
	f.sweeper.mu.Lock()
	defer f.sweeper.mu.Unlock()
	require.Len(t, f.sweeper.patterns, 1)
	assert.Equal(t, []string{"sleep", "dumpvdl2", "rtl_tcp"}, f.sweeper.patterns[0])
}

func TestSweepPatternsCoverServiceBinaries(t *testing.T) {
	f := newFixture(t)
	f.cfg.Sidecar.ServiceConfig = config.ServiceConfig{Enabled: true, Command: "ollama serve"}
	f.cfg.Bridge = config.ServiceConfig{Enabled: true, Command: "/opt/bridge/bridge-server --port 8080"}
	f.cfg.Web = config.ServiceConfig{Enabled: true, Command: "python3 -m http.server", Patterns: []string{"http.server"}}
	s := f.supervisor(t)
	assert.Equal(t, []string{"sleep", "ollama", "bridge-server", "http.server"}, s.SweepPatterns())

	f.cfg.Sidecar.Enabled = false
	f.cfg.Web = config.ServiceConfig{Enabled: true, Command: "{{.Web}} --port 80"}
	assert.Equal(t, []string{"sleep", "bridge-server"}, s.SweepPatterns())
}

func TestRollbackGivesSliceSchedulerItsGrace(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	marker := filepath.Join(f.dir, "slice-cleaned-up")
	script := "#!/bin/sh\ntrap 'sleep 0.8; touch " + marker + "; exit 0' TERM\nwhile :; do sleep 0.05; done\n"
	require.NoError(t, os.WriteFile(f.exe, []byte(script), 0o700))
	f.devices = device.StaticEnumerator{{Index: 0}}
	// the sidecar's readiness wait gives the scheduler time to install its trap
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	f.cfg.Sidecar.ServiceConfig = config.ServiceConfig{Enabled: true, Command: "sleep 53", URL: url}
	f.cfg.Bridge = config.ServiceConfig{Enabled: true, Required: true, Command: "/nonexistent/bridge --port 1"}
	s := f.supervisor(t)

	_, err := s.Start(context.Background())
	var lf *LaunchFailure
	require.ErrorAs(t, err, &lf)
	assert.Equal(t, "bridge", lf.Service)
	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "scheduler finished its own shutdown before being killed")
	assert.False(t, s.Registry().StatusOf("slice-0").Up)
}

func TestStopIsAlwaysSuccessful(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	s := f.supervisor(t)
	gone := exec.Command("true")
	require.NoError(t, gone.Run())
	require.NoError(t, s.Registry().Store().Write("bridge", pidfile.Record{PID: gone.Process.Pid}))
	rep := s.Stop(context.Background())
	assert.Empty(t, rep.Stopped)
	names, _ := s.Registry().Names()
	assert.Empty(t, names)
}

func TestLogs(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	s := f.supervisor(t)
	require.NoError(t, os.MkdirAll(f.cfg.LogDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.LogDir, "vdl2.log"), []byte("one\ntwo\nthree\n"), 0o600))

	var buf bytes.Buffer
	require.NoError(t, s.Logs(context.Background(), "vdl2", 2, false, &buf))
	assert.Equal(t, "two\nthree\n", buf.String())

	assert.Error(t, s.Logs(context.Background(), "acars", 10, false, &buf))
	assert.Error(t, s.Logs(context.Background(), "../etc/passwd", 10, false, &buf))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	buf.Reset()
	require.NoError(t, s.Logs(ctx, "vdl2", 1, true, &buf))
	assert.Equal(t, "three\n", buf.String())
}

func TestMirrorsFollowPlanAndConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.Functions["vdl2"] = config.FunctionConfig{
		Enabled: true, Command: "sleep 1",
		Output: filepath.Join(f.dir, "vdl2.jsonl"), Snapshot: filepath.Join(f.dir, "vdl2.json"),
	}
	s := f.supervisor(t)
	ms := s.Mirrors(nil)
	require.Len(t, ms, 1)
	assert.Equal(t, "vdl2", ms[0].Name)
	assert.Equal(t, 20*time.Millisecond, ms[0].Poll)
}

func TestSliceSchedulerBuildsSlots(t *testing.T) {
	f := newFixture(t)
	s := f.supervisor(t)
	sched, err := s.SliceScheduler("1", "1090", []device.Function{device.VDL2, device.ADSB})
	require.NoError(t, err)
	snap := sched.Snapshot()
	assert.Equal(t, "1", snap.Device)
	assert.Equal(t, timeslice.StateIdle, snap.State)

	_, err = s.SliceScheduler("x", "", []device.Function{device.VDL2})
	assert.Error(t, err)
	_, err = s.SliceScheduler("0", "", []device.Function{device.ACARS})
	assert.Error(t, err, "acars is not configured in the fixture")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "/usr/bin/skyrelay", shellQuote("/usr/bin/skyrelay"))
	assert.Equal(t, "'/opt/sky relay/bin'", shellQuote("/opt/sky relay/bin"))
	assert.Equal(t, `'/it'\''s'`, shellQuote("/it's"))
}

func TestDefaultRequestFromConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.Functions["vdl2"] = config.FunctionConfig{Enabled: true, Command: "x", Device: "1090"}
	f.cfg.TimeSlice.Order = []string{"vdl2"}
	f.cfg.Devices.AllowShare = true
	s := f.supervisor(t)
	req := s.DefaultRequest()
	assert.Equal(t, []device.Function{device.ADSB, device.VDL2}, req.Functions)
	assert.Equal(t, "1090", req.Choices[device.VDL2])
	assert.True(t, req.TimeSlice)
	assert.True(t, req.AllowShare)
	assert.Equal(t, []device.Function{device.VDL2}, req.Order)
	assert.NotEmpty(t, s.Session())
}
