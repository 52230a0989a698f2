// Package feed provides sources of speed samples: the location pipeline of
// a real device or a simulated rider.
package feed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mmynk/pacegroup/internal/models"
)

// Nominal cadences of a location provider.
const (
	DefaultInterval = 3 * time.Second
	FastestInterval = 1500 * time.Millisecond
)

// Source produces an open-ended sequence of speed samples. The channel
// returned by Samples is closed when ctx ends or the source runs dry. A
// source can be consumed once; later calls get a closed channel.
type Source interface {
	Samples(ctx context.Context) <-chan models.SpeedSample
}

// once guards the single consumption of a source.
type once struct {
	started atomic.Bool
}

func (o *once) claim() bool {
	return o.started.CompareAndSwap(false, true)
}

func closedChannel() <-chan models.SpeedSample {
	ch := make(chan models.SpeedSample)
	close(ch)
	return ch
}

// Channel adapts a channel owned by someone else, typically the platform's
// location callback.
type Channel struct {
	in <-chan models.SpeedSample
	once
}

// FromChannel returns a Source reading from in.
func FromChannel(in <-chan models.SpeedSample) *Channel {
	return &Channel{in: in}
}

func (c *Channel) Samples(ctx context.Context) <-chan models.SpeedSample {
	if !c.claim() {
		return closedChannel()
	}

	out := make(chan models.SpeedSample)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case sample, ok := <-c.in:
				if !ok {
					return
				}
				select {
				case out <- sample:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

type throttled struct {
	src         Source
	minInterval time.Duration
}

// Throttle drops samples timestamped less than minInterval after the last
// forwarded one.
func Throttle(src Source, minInterval time.Duration) Source {
	return &throttled{src: src, minInterval: minInterval}
}

func (t *throttled) Samples(ctx context.Context) <-chan models.SpeedSample {
	in := t.src.Samples(ctx)
	out := make(chan models.SpeedSample)
	go func() {
		defer close(out)
		var last time.Time
		for sample := range in {
			if !last.IsZero() && sample.Timestamp.Sub(last) < t.minInterval {
				continue
			}
			last = sample.Timestamp
			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
