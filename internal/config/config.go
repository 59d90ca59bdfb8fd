// Package config loads the supervisor configuration with viper (YAML or TOML,
// chosen by file extension), applies SKYRELAY_* environment overrides and
// validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/loykin/skyrelay/internal/device"
	"github.com/loykin/skyrelay/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. SKYRELAY_TIMESLICE_MAX_ERRORS.
const EnvPrefix = "SKYRELAY"

type Config struct {
	WorkDir  string   `mapstructure:"work_dir"`
	LogDir   string   `mapstructure:"log_dir" validate:"required"`
	PIDDir   string   `mapstructure:"pid_dir" validate:"required"`
	PlanFile string   `mapstructure:"plan_file"`
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`

	Log       LogConfig                 `mapstructure:"log"`
	Devices   DevicesConfig             `mapstructure:"devices"`
	Functions map[string]FunctionConfig `mapstructure:"functions" validate:"dive"`
	TimeSlice TimeSliceConfig           `mapstructure:"timeslice"`
	Registry  RegistryConfig            `mapstructure:"registry"`
	Sidecar   SidecarConfig             `mapstructure:"sidecar"`
	Bridge    ServiceConfig             `mapstructure:"bridge"`
	Web       ServiceConfig             `mapstructure:"web"`
	Sweep     SweepConfig               `mapstructure:"sweep"`
	History   HistoryConfig             `mapstructure:"history"`
	API       APIConfig                 `mapstructure:"api"`
	Mirror    MirrorConfig              `mapstructure:"mirror"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=text json color"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// Logger converts to the logger package's options.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

type StaticDevice struct {
	Index      int    `mapstructure:"index" validate:"gte=0"`
	Serial     string `mapstructure:"serial"`
	Descriptor string `mapstructure:"descriptor"`
}

type DevicesConfig struct {
	// Probe lists devices; ignored when Static is set.
	Probe        string         `mapstructure:"probe"`
	ProbeTimeout time.Duration  `mapstructure:"probe_timeout" validate:"gte=0"`
	Static       []StaticDevice `mapstructure:"static" validate:"dive"`
	AllowShare   bool           `mapstructure:"allow_share"`
}

type FunctionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Device  string `mapstructure:"device"`
	// Command is a text/template with .Index, .Serial, .Output and .Function.
	Command  string        `mapstructure:"command" validate:"required_if=Enabled true"`
	Output   string        `mapstructure:"output"`
	Snapshot string        `mapstructure:"snapshot"`
	Dwell    time.Duration `mapstructure:"dwell" validate:"gte=0"`
	Required bool          `mapstructure:"required"`
	Env      []string      `mapstructure:"env"`
	Patterns []string      `mapstructure:"patterns"`
}

type TimeSliceConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Order         []string      `mapstructure:"order" validate:"dive,oneof=adsb vdl2 acars"`
	SliceADSB     bool          `mapstructure:"slice_adsb"`
	MaxErrors     int           `mapstructure:"max_errors" validate:"gte=1"`
	Quiescence    time.Duration `mapstructure:"quiescence" validate:"gte=0"`
	Grace         time.Duration `mapstructure:"grace" validate:"gte=0"`
	KillMargin    time.Duration `mapstructure:"kill_margin" validate:"gte=0"`
	RecoveryDelay time.Duration `mapstructure:"recovery_delay" validate:"gte=0"`
	// ProbeCommand must exit 0 when the device is free.
	ProbeCommand string `mapstructure:"probe_command"`
}

type RegistryConfig struct {
	Grace      time.Duration `mapstructure:"grace" validate:"gte=0"`
	KillMargin time.Duration `mapstructure:"kill_margin" validate:"gte=0"`
}

type ServiceConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Command  string   `mapstructure:"command" validate:"required_if=Enabled true"`
	Env      []string `mapstructure:"env"`
	Required bool     `mapstructure:"required"`
	// URL, when set, is probed for HTTP reachability in status.
	URL      string   `mapstructure:"url" validate:"omitempty,url"`
	Patterns []string `mapstructure:"patterns"`
}

type SidecarConfig struct {
	ServiceConfig `mapstructure:",squash"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout" validate:"gte=0"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"gte=0"`
}

type SweepConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Rate     float64  `mapstructure:"rate" validate:"gt=0"`
	Burst    int      `mapstructure:"burst" validate:"gte=1"`
	Patterns []string `mapstructure:"patterns"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true"`
}

type MirrorConfig struct {
	Poll time.Duration `mapstructure:"poll" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path (or searches for skyrelay.{yaml,yml,toml} when path is empty),
// applies defaults and environment overrides, resolves relative paths against
// work_dir and validates the result. A missing searched-for file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("skyrelay")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "skyrelay"))
		}
		v.AddConfigPath("/etc/skyrelay")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.resolve(v.ConfigFileUsed()); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name := range c.Functions {
		if !device.Function(name).Valid() {
			return fmt.Errorf("invalid config: unknown function %q", name)
		}
	}
	return nil
}

func (c *Config) resolve(configFile string) error {
	if c.WorkDir == "" {
		if configFile != "" {
			c.WorkDir = filepath.Dir(configFile)
		} else {
			c.WorkDir = "."
		}
	}
	wd, err := filepath.Abs(c.WorkDir)
	if err != nil {
		return fmt.Errorf("resolve work_dir: %w", err)
	}
	c.WorkDir = wd
	c.LogDir = c.Path(c.LogDir)
	c.PIDDir = c.Path(c.PIDDir)
	if c.PlanFile != "" {
		c.PlanFile = c.Path(c.PlanFile)
	}
	if c.Log.File != "" {
		c.Log.File = c.Path(c.Log.File)
	}
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = c.Path(f)
	}
	for name, fc := range c.Functions {
		if fc.Output != "" {
			fc.Output = c.Path(fc.Output)
		}
		if fc.Snapshot != "" {
			fc.Snapshot = c.Path(fc.Snapshot)
		}
		c.Functions[name] = fc
	}
	return nil
}

// Path resolves p against WorkDir unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkDir, p)
}

// Function returns the configuration of f and whether it is configured.
func (c *Config) Function(f device.Function) (FunctionConfig, bool) {
	fc, ok := c.Functions[string(f)]
	return fc, ok
}

// EnabledFunctions lists enabled functions in the standard order.
func (c *Config) EnabledFunctions() []device.Function {
	var out []device.Function
	for _, f := range device.Functions {
		if fc, ok := c.Function(f); ok && fc.Enabled {
			out = append(out, f)
		}
	}
	return out
}

// StateFile is where the scheduler of device persists its state.
func (c *Config) StateFile(dev string) string {
	return filepath.Join(c.PIDDir, "slice-"+dev+".state.json")
}

// GlobalEnv merges env_files in order, then the env list on top. Keys are sorted.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and # comments are ignored,
// as is a leading "export ".
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if k != "" {
			m[k] = v
		}
	}
	return m, nil
}
