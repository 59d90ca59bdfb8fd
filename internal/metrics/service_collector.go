package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ServiceSample is one service as seen at scrape time.
type ServiceSample struct {
	Name      string
	PID       int
	Up        bool
	Reachable *bool // nil when the service has no HTTP probe

	// Set for time-slice services only.
	Slice       bool
	Device      string
	Rotations   uint64
	SliceErrors int
}

// ServiceCollector reports service liveness and resource usage on every scrape.
// Source is called once per Collect.
type ServiceCollector struct {
	Source func() []ServiceSample

	up        *prometheus.Desc
	reachable *prometheus.Desc
	cpu       *prometheus.Desc
	rss       *prometheus.Desc
	rotations *prometheus.Desc
	errors    *prometheus.Desc
}

func NewServiceCollector(source func() []ServiceSample) *ServiceCollector {
	return &ServiceCollector{
		Source: source,
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "up"),
			"1 when the service pid is alive.", []string{"name"}, nil),
		reachable: prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "reachable"),
			"1 when the service HTTP probe succeeds.", []string{"name"}, nil),
		cpu: prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "cpu_percent"),
			"CPU usage of the service process.", []string{"name"}, nil),
		rss: prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "resident_memory_bytes"),
			"Resident memory of the service process.", []string{"name"}, nil),
		rotations: prometheus.NewDesc(prometheus.BuildFQName(namespace, "slice", "persisted_rotations_total"),
			"Rotations recorded in the scheduler state file.", []string{"device"}, nil),
		errors: prometheus.NewDesc(prometheus.BuildFQName(namespace, "slice", "persisted_errors"),
			"Consecutive failures recorded in the scheduler state file.", []string{"device"}, nil),
	}
}

func (c *ServiceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.reachable
	ch <- c.cpu
	ch <- c.rss
	ch <- c.rotations
	ch <- c.errors
}

func (c *ServiceCollector) Collect(ch chan<- prometheus.Metric) {
	if c.Source == nil {
		return
	}
	for _, s := range c.Source() {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, boolToFloat(s.Up), s.Name)
		if s.Reachable != nil {
			ch <- prometheus.MustNewConstMetric(c.reachable, prometheus.GaugeValue, boolToFloat(*s.Reachable), s.Name)
		}
		if s.Slice {
			ch <- prometheus.MustNewConstMetric(c.rotations, prometheus.CounterValue, float64(s.Rotations), s.Device)
			ch <- prometheus.MustNewConstMetric(c.errors, prometheus.GaugeValue, float64(s.SliceErrors), s.Device)
		}
		if !s.Up || s.PID <= 0 {
			continue
		}
		p, err := gopsproc.NewProcess(int32(s.PID)) // #nosec G115
		if err != nil {
			continue
		}
		if pct, err := p.CPUPercent(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, pct, s.Name)
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mem.RSS), s.Name)
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
