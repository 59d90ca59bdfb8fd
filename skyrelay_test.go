package skyrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/skyrelay/internal/config"
	"github.com/loykin/skyrelay/internal/device"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

type noSweep struct{}

func (noSweep) Sweep(context.Context, []string, time.Duration) []int { return nil }

func facadeConfig(dir string) *Config {
	return &Config{
		WorkDir: dir,
		LogDir:  filepath.Join(dir, "logs"),
		PIDDir:  filepath.Join(dir, "run"),
		Functions: map[string]config.FunctionConfig{
			"adsb": {Enabled: true, Required: true, Command: "sleep 5"},
		},
		Registry: config.RegistryConfig{Grace: 200 * time.Millisecond, KillMargin: time.Second},
		Sweep:    config.SweepConfig{Rate: 5, Burst: 1},
	}
}

func TestSupervisorFacadeStartStatusStop(t *testing.T) {
	requireUnix(t)
	s, err := New(Options{
		Config:     facadeConfig(t.TempDir()),
		Enumerator: device.StaticEnumerator{{Index: 0}},
		Executable: "/bin/true",
		LookPath:   exec.LookPath,
		Sweeper:    noSweep{},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	rep, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(rep.Started) != 1 || rep.Started[0].Name != "adsb" {
		t.Fatalf("unexpected start report: %+v", rep.Started)
	}
	if sts := s.Status(ctx); len(sts) != 1 || !sts[0].Up {
		t.Fatalf("unexpected status: %+v", sts)
	}

	h, err := s.StatusHandler("/api")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status/adsb", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"up":true`) {
		t.Fatalf("status api: %d %s", rec.Code, rec.Body.String())
	}

	stop := s.Stop(ctx)
	if len(stop.Stopped) != 1 {
		t.Fatalf("unexpected stop report: %+v", stop)
	}
	if s.Session() == "" {
		t.Fatal("empty session id")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestRegisterMetrics(t *testing.T) {
	if err := RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
}
