package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/skyrelay/internal/device"
	"github.com/loykin/skyrelay/internal/server"
	"github.com/loykin/skyrelay/internal/supervisor"
	"github.com/loykin/skyrelay/internal/timeslice"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
}

const testConfig = `
devices:
  static:
    - index: 0
      serial: "00000001"
      descriptor: "Realtek, RTL2838UHIDIR"
    - index: 1
functions:
  adsb:
    command: "sleep 301"
    output: ""
  vdl2:
    command: "sleep 302"
    snapshot: ""
  acars:
    enabled: false
sweep:
  enabled: false
registry:
  grace: 500ms
  kill_margin: 1s
log:
  level: error
`

type noSweep struct{}

func (noSweep) Sweep(context.Context, []string, time.Duration) []int { return nil }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "skyrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	exe := filepath.Join(dir, "fake-skyrelay")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nexec sleep 30\n"), 0o700))
	return path
}

// run executes the CLI with args against the config at path.
func run(t *testing.T, path string, stdin string, args ...string) (string, error) {
	t.Helper()
	c := &command{
		flags: &GlobalFlags{},
		newSupervisor: func(o supervisor.Options) (*supervisor.Supervisor, error) {
			o.Executable = filepath.Join(filepath.Dir(path), "fake-skyrelay")
			o.Sweeper = noSweep{}
			return supervisor.New(o)
		},
	}
	root := newRoot(c)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", path}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHelpListsCommands(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	for _, c := range []string{"start", "stop", "status", "logs", "setup", "devices"} {
		assert.Contains(t, out.String(), c)
	}
	assert.NotRegexp(t, `(?m)^\s+(slice|mirror|api)\s`, out.String(), "internal commands stay hidden")
}

func TestStartStatusLogsStop(t *testing.T) {
	requireUnix(t)
	path := writeConfig(t, testConfig)
	t.Cleanup(func() { _, _ = run(t, path, "", "stop") })

	out, err := run(t, path, "", "start")
	require.NoError(t, err, out)
	assert.Contains(t, out, "device #0 Realtek, RTL2838UHIDIR")
	assert.Contains(t, out, "started adsb")
	assert.Contains(t, out, "started vdl2")

	out, err = run(t, path, "", "status")
	require.NoError(t, err)
	assert.Regexp(t, `adsb\s+UP\s+\d+`, out)
	assert.Regexp(t, `vdl2\s+UP\s+\d+`, out)

	out, err = run(t, path, "", "status", "--json")
	require.NoError(t, err)
	var sts []supervisor.ServiceStatus
	require.NoError(t, json.Unmarshal([]byte(out), &sts))
	require.Len(t, sts, 2)
	assert.True(t, sts[0].Up)

	out, err = run(t, path, "", "logs", "adsb", "-n", "5")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = run(t, path, "", "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped adsb")
	assert.Contains(t, out, "stopped vdl2")

	out, err = run(t, path, "", "status")
	require.NoError(t, err)
	assert.Regexp(t, `adsb\s+DOWN\s+-`, out)
}

func TestStartWithoutDevicesFails(t *testing.T) {
	requireUnix(t)
	path := writeConfig(t, "devices:\n  probe: \"true\"\nsweep:\n  enabled: false\nlog:\n  level: error\n")
	_, err := run(t, path, "", "start")
	var fatal *supervisor.FatalStartupError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "device", fatal.Resource)
	assert.ErrorIs(t, err, device.ErrNoDeviceFound)
}

func TestStopWhenNothingRuns(t *testing.T) {
	requireUnix(t)
	path := writeConfig(t, testConfig)
	out, err := run(t, path, "", "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing was running")
}

func TestStopFailsOnlyOnBadConfig(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "missing.yaml"), "", "stop")
	assert.Error(t, err)
}

func TestDevicesCommand(t *testing.T) {
	path := writeConfig(t, testConfig)
	out, err := run(t, path, "", "devices")
	require.NoError(t, err)
	assert.Equal(t, "#0 Realtek, RTL2838UHIDIR\n#1\n", out)
}

func TestSetupWritesPlan(t *testing.T) {
	path := writeConfig(t, testConfig)
	out, err := run(t, path, "1\n00000001\n", "setup")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Device for adsb")
	assert.Contains(t, out, "adsb   device 1")
	assert.Contains(t, out, "vdl2   device 0")

	planPath := filepath.Join(filepath.Dir(path), "plan.yaml")
	assert.Contains(t, out, "plan saved to "+planPath)
	req, err := device.LoadPlan(planPath)
	require.NoError(t, err)
	assert.Equal(t, []device.Function{device.ADSB, device.VDL2}, req.Functions)
	assert.Equal(t, "1", req.Choices[device.ADSB])
	assert.Equal(t, "00000001", req.Choices[device.VDL2])
}

func TestSliceRejectsUnknownFunction(t *testing.T) {
	path := writeConfig(t, testConfig)
	_, err := run(t, path, "", "slice", "--device", "0", "--functions", "vdl2,hfdl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown function "hfdl"`)

	_, err = run(t, path, "", "slice", "--functions", "vdl2")
	assert.Error(t, err, "--device is required")
}

func TestPrintStatusTable(t *testing.T) {
	up, down := true, false
	var buf bytes.Buffer
	require.NoError(t, printStatusTable(&buf, []supervisor.ServiceStatus{
		{Name: "slice-0", Up: true, PID: 42, Slice: &timeslice.SliceState{State: timeslice.StateFailed, Errors: 2}},
		{Name: "web", Up: true, PID: 43, Reachable: &up},
		{Name: "ai", Reachable: &down},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Regexp(t, `^SERVICE\s+STATE\s+PID\s+DETAIL$`, lines[0])
	assert.Regexp(t, `^slice-0\s+UP\s+42\s+FAILED\(2\)$`, lines[1])
	assert.Regexp(t, `^web\s+UP\s+43\s+reachable$`, lines[2])
	assert.Regexp(t, `^ai\s+DOWN\s+-\s+unreachable$`, lines[3])
}

func TestStatusFromAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := apiSource{sts: []supervisor.ServiceStatus{{Name: "web", Up: true, PID: 7}}}
	r, err := server.NewRouter(src, "/api", nil)
	require.NoError(t, err)
	ts := httptest.NewServer(r.Handler())
	defer ts.Close()

	out, err := run(t, filepath.Join(t.TempDir(), "unused.yaml"), "", "status", "--api-url", ts.URL+"/api")
	require.NoError(t, err)
	assert.Regexp(t, `web\s+UP\s+7`, out)
}

type apiSource struct{ sts []supervisor.ServiceStatus }

func (a apiSource) Status(context.Context) []supervisor.ServiceStatus { return a.sts }
func (a apiSource) StatusOf(context.Context, string) (supervisor.ServiceStatus, bool) {
	return supervisor.ServiceStatus{}, false
}
func (a apiSource) Logs(context.Context, string, int, bool, io.Writer) error { return nil }
