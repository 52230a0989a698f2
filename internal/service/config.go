package service

import (
	"log/slog"
	"time"

	"github.com/mmynk/pacegroup/internal/calculator"
	"github.com/mmynk/pacegroup/internal/clock"
	"github.com/mmynk/pacegroup/internal/metrics"
	"github.com/mmynk/pacegroup/internal/models"
)

// DefaultPendingTimeout is how long a joining pointer blocks other joins
// by the same identity before it is considered abandoned.
const DefaultPendingTimeout = 30 * time.Second

// Config is shared by the services of one client. Zero fields take
// defaults.
type Config struct {
	MaxGroupSize   int
	Strategy       calculator.Strategy
	Retry          RetryPolicy
	PendingTimeout time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxGroupSize <= 0 {
		c.MaxGroupSize = models.DefaultMaxGroupSize
	}
	if c.Strategy == "" {
		c.Strategy = calculator.Recompute
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = DefaultPendingTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
