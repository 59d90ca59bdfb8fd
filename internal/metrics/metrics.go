package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skyrelay"

// Package-level collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service launches.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service stops.",
		}, []string{"name"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "launch_failures_total",
			Help:      "Number of failed launches.",
		}, []string{"name"},
	)
	sliceRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeslice",
			Name:      "rotations_total",
			Help:      "Completed dwell cycles per device and function.",
		}, []string{"device", "function"},
	)
	sliceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "timeslice",
			Name:      "state",
			Help:      "Current scheduler state per device (1 = active state).",
		}, []string{"device", "state"},
	)
	sliceErrors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "timeslice",
			Name:      "consecutive_errors",
			Help:      "Consecutive launch failures per device.",
		}, []string{"device"},
	)
	sweepKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "kills_total",
			Help:      "Processes terminated by the pattern sweep.",
		}, []string{"pattern"},
	)
	mirrorUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "updates_total",
			Help:      "Snapshot rewrites per mirror.",
		}, []string{"name"},
	)
)

// Register registers all metrics with r. Subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, launchFailures, sliceRotations, sliceState, sliceErrors, sweepKills, mirrorUpdates}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves metrics from the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func IncLaunchFailure(name string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(name).Inc()
	}
}

func IncRotation(device, function string) {
	if regOK.Load() {
		sliceRotations.WithLabelValues(device, function).Inc()
	}
}

// SetSliceState marks state active for device and the previous state inactive.
func SetSliceState(device, from, to string) {
	if !regOK.Load() {
		return
	}
	if from != "" && from != to {
		sliceState.WithLabelValues(device, from).Set(0)
	}
	sliceState.WithLabelValues(device, to).Set(1)
}

func SetSliceErrors(device string, n int) {
	if regOK.Load() {
		sliceErrors.WithLabelValues(device).Set(float64(n))
	}
}

func IncSweepKill(pattern string) {
	if regOK.Load() {
		sweepKills.WithLabelValues(pattern).Inc()
	}
}

func IncMirrorUpdate(name string) {
	if regOK.Load() {
		mirrorUpdates.WithLabelValues(name).Inc()
	}
}
