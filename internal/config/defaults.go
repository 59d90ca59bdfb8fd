package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/skyrelay/internal/device"
)

// Default timings.
const (
	DefaultMaxErrors     = 5
	DefaultQuiescence    = 3 * time.Second
	DefaultGrace         = 5 * time.Second
	DefaultKillMargin    = 2 * time.Second
	DefaultRecoveryDelay = 10 * time.Second
	DefaultDwell         = 5 * time.Minute
	DefaultReadyTimeout  = 30 * time.Second
	DefaultProbeInterval = time.Second
	DefaultSweepRate     = 5.0
	DefaultSweepBurst    = 1
	DefaultMirrorPoll    = time.Second
	DefaultAPIListen     = "127.0.0.1:8090"
)

var defaultFunctions = map[device.Function]map[string]any{
	device.ADSB: {
		"enabled":  true,
		"command":  "readsb --device-type rtlsdr --device {{.Index}} --net --write-json {{.Output}}",
		"output":   "run/adsb",
		"required": true,
	},
	device.VDL2: {
		"enabled":  true,
		"command":  "dumpvdl2 --rtlsdr {{.Index}} --output decoded:json:file:path={{.Output}} 136725000 136975000 136875000",
		"output":   "run/vdl2.jsonl",
		"snapshot": "www/vdl2.json",
		"required": true,
	},
	device.ACARS: {
		"enabled":  true,
		"command":  "acarsdec -o 4 -l {{.Output}} -r {{.Index}} 131.550 131.725 130.025",
		"output":   "run/acars.jsonl",
		"snapshot": "www/acars.json",
		"required": true,
	},
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_dir", "logs")
	v.SetDefault("pid_dir", "run")
	v.SetDefault("plan_file", "plan.yaml")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("devices.probe", device.DefaultProbeCommand)
	v.SetDefault("devices.probe_timeout", 10*time.Second)
	v.SetDefault("devices.allow_share", false)

	for f, kv := range defaultFunctions {
		for k, val := range kv {
			v.SetDefault("functions."+string(f)+"."+k, val)
		}
		v.SetDefault("functions."+string(f)+".dwell", DefaultDwell)
	}

	v.SetDefault("timeslice.enabled", true)
	v.SetDefault("timeslice.order", []string{string(device.VDL2), string(device.ACARS)})
	v.SetDefault("timeslice.max_errors", DefaultMaxErrors)
	v.SetDefault("timeslice.quiescence", DefaultQuiescence)
	v.SetDefault("timeslice.grace", DefaultGrace)
	v.SetDefault("timeslice.kill_margin", DefaultKillMargin)
	v.SetDefault("timeslice.recovery_delay", DefaultRecoveryDelay)

	v.SetDefault("registry.grace", DefaultGrace)
	v.SetDefault("registry.kill_margin", DefaultKillMargin)

	v.SetDefault("sidecar.enabled", false)
	v.SetDefault("sidecar.url", "http://127.0.0.1:8081/health")
	v.SetDefault("sidecar.ready_timeout", DefaultReadyTimeout)
	v.SetDefault("sidecar.probe_interval", DefaultProbeInterval)

	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.required", true)
	v.SetDefault("web.enabled", false)
	v.SetDefault("web.required", true)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.rate", DefaultSweepRate)
	v.SetDefault("sweep.burst", DefaultSweepBurst)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", DefaultAPIListen)

	v.SetDefault("mirror.poll", DefaultMirrorPoll)
}
