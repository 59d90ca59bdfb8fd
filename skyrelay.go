package skyrelay

import (
	"context"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/skyrelay/internal/config"
	"github.com/loykin/skyrelay/internal/device"
	"github.com/loykin/skyrelay/internal/history"
	"github.com/loykin/skyrelay/internal/metrics"
	iapi "github.com/loykin/skyrelay/internal/server"
	"github.com/loykin/skyrelay/internal/supervisor"
	"github.com/loykin/skyrelay/internal/timeslice"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Options = supervisor.Options

type Report = supervisor.Report

type ServiceStatus = supervisor.ServiceStatus

type Device = device.Device

type SliceState = timeslice.SliceState

type HistorySink = history.Sink

type FatalStartupError = supervisor.FatalStartupError

type LaunchFailure = supervisor.LaunchFailure

type SidecarUnreachable = supervisor.SidecarUnreachable

var (
	ErrNoDeviceFound   = device.ErrNoDeviceFound
	ErrSchedulerFailed = timeslice.ErrSchedulerFailed
)

// Supervisor is a thin facade over internal/supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

func New(o Options) (*Supervisor, error) {
	s, err := supervisor.New(o)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func (s *Supervisor) Start(ctx context.Context) (*Report, error) { return s.inner.Start(ctx) }
func (s *Supervisor) Stop(ctx context.Context) *Report           { return s.inner.Stop(ctx) }
func (s *Supervisor) Status(ctx context.Context) []ServiceStatus { return s.inner.Status(ctx) }
func (s *Supervisor) Logs(ctx context.Context, name string, lines int, follow bool, w io.Writer) error {
	return s.inner.Logs(ctx, name, lines, follow, w)
}
func (s *Supervisor) Devices(ctx context.Context) ([]Device, error) { return s.inner.Devices(ctx) }
func (s *Supervisor) Session() string                               { return s.inner.Session() }
func (s *Supervisor) Close() error                                  { return s.inner.Close() }

// StatusHandler returns the read-only status API mounted under basePath.
func (s *Supervisor) StatusHandler(basePath string) (http.Handler, error) {
	r, err := iapi.NewRouter(s.inner, basePath, nil)
	if err != nil {
		return nil, err
	}
	return r.Handler(), nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
