// Package tree builds the suture supervisors that keep the long-running internal
// commands (mirrors, status API) alive inside their own process.
package tree

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config tunes restarts of failed services. Zero fields take suture's defaults.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// New returns a supervisor that logs its events through logger.
func New(name string, logger *slog.Logger, c Config) *suture.Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = def.FailureDecay
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = def.FailureBackoff
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return suture.New(name, suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: logger}).MustHook(),
		FailureThreshold: c.FailureThreshold,
		FailureDecay:     c.FailureDecay,
		FailureBackoff:   c.FailureBackoff,
		Timeout:          c.ShutdownTimeout,
	})
}

// Run serves services under one supervisor until ctx is done. Cancellation is a
// clean exit.
func Run(ctx context.Context, name string, logger *slog.Logger, c Config, services ...suture.Service) error {
	if len(services) == 0 {
		return errors.New(name + ": nothing to supervise")
	}
	sup := New(name, logger, c)
	for _, s := range services {
		sup.Add(s)
	}
	err := sup.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
