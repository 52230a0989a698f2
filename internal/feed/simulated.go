package feed

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/mmynk/pacegroup/internal/clock"
	"github.com/mmynk/pacegroup/internal/models"
)

// SimulatedConfig shapes a simulated rider. Zero fields take defaults.
type SimulatedConfig struct {
	// Interval between samples. Defaults to DefaultInterval.
	Interval time.Duration

	// BaseSpeed is the starting speed in mph. Defaults to 15.
	BaseSpeed float64

	// MaxStep bounds the change between two samples. Defaults to 1.5 mph.
	MaxStep float64

	// MaxSpeed caps the simulated speed. Defaults to 35 mph.
	MaxSpeed float64

	// Seed makes the sequence reproducible. Zero seeds from the clock.
	Seed uint64

	Clock clock.Clock
}

// Simulated emits a random walk of plausible cycling speeds.
type Simulated struct {
	cfg SimulatedConfig
	rng *rand.Rand
	once
}

// NewSimulated creates a simulated rider.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BaseSpeed <= 0 {
		cfg.BaseSpeed = 15
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = 1.5
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = 35
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(cfg.Clock.Now().UnixNano())
	}

	return &Simulated{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Samples starts the rider. One sample is emitted per interval tick; ticks
// are skipped while the reader is busy.
func (s *Simulated) Samples(ctx context.Context) <-chan models.SpeedSample {
	if !s.claim() {
		return closedChannel()
	}

	out := make(chan models.SpeedSample)
	go s.run(ctx, out)
	return out
}

func (s *Simulated) run(ctx context.Context, out chan<- models.SpeedSample) {
	defer close(out)

	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	speed := s.cfg.BaseSpeed
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			speed = s.step(speed)
			select {
			case out <- models.SpeedSample{Timestamp: now, Speed: speed}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// step moves speed by a random amount within MaxStep, clamped to
// [0, MaxSpeed].
func (s *Simulated) step(speed float64) float64 {
	speed += (s.rng.Float64()*2 - 1) * s.cfg.MaxStep
	return min(max(speed, 0), s.cfg.MaxSpeed)
}
