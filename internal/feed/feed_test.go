package feed

import (
	"context"
	"testing"
	"time"

	"github.com/mmynk/pacegroup/internal/clock"
	"github.com/mmynk/pacegroup/internal/models"
	"github.com/mmynk/pacegroup/internal/testutil"
)

var epoch = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func TestSimulated(t *testing.T) {
	t.Run("emits one sample per interval", func(t *testing.T) {
		clk := clock.Fake(epoch)
		sim := NewSimulated(SimulatedConfig{Clock: clk, Seed: 7})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		samples := sim.Samples(ctx)

		for i := 1; i <= 3; i++ {
			clk.BlockUntil(1)
			clk.Advance(DefaultInterval)
			sample := testutil.RequireReceive(t, samples, 5*time.Second, "sample %d", i)

			want := epoch.Add(time.Duration(i) * DefaultInterval)
			if !sample.Timestamp.Equal(want) {
				t.Errorf("sample %d timestamp = %v, want %v", i, sample.Timestamp, want)
			}
			if sample.Speed < 0 || sample.Speed > 35 {
				t.Errorf("sample %d speed %v out of range", i, sample.Speed)
			}
		}
	})

	t.Run("same seed yields the same ride", func(t *testing.T) {
		a := NewSimulated(SimulatedConfig{Seed: 42, Clock: clock.Fake(epoch)})
		b := NewSimulated(SimulatedConfig{Seed: 42, Clock: clock.Fake(epoch)})

		speedA, speedB := 15.0, 15.0
		for i := 0; i < 20; i++ {
			speedA = a.step(speedA)
			speedB = b.step(speedB)
			if speedA != speedB {
				t.Fatalf("step %d diverged: %v vs %v", i, speedA, speedB)
			}
		}
	})

	t.Run("steps stay within bounds", func(t *testing.T) {
		sim := NewSimulated(SimulatedConfig{Seed: 3, MaxStep: 10, MaxSpeed: 20, Clock: clock.Fake(epoch)})
		speed := 15.0
		for i := 0; i < 1000; i++ {
			next := sim.step(speed)
			if next < 0 || next > 20 {
				t.Fatalf("step produced %v, outside [0, 20]", next)
			}
			if diff := next - speed; diff > 10 || diff < -10 {
				t.Fatalf("step moved %v, more than MaxStep", diff)
			}
			speed = next
		}
	})

	t.Run("cancellation closes the channel", func(t *testing.T) {
		clk := clock.Fake(epoch)
		sim := NewSimulated(SimulatedConfig{Clock: clk})

		ctx, cancel := context.WithCancel(context.Background())
		samples := sim.Samples(ctx)
		cancel()

		testutil.RequireClosed(t, samples, 5*time.Second, "samples after cancel")
	})

	t.Run("second consumer gets a closed channel", func(t *testing.T) {
		sim := NewSimulated(SimulatedConfig{Clock: clock.Fake(epoch)})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_ = sim.Samples(ctx)

		testutil.RequireClosed(t, sim.Samples(ctx), time.Second, "second Samples call")
	})
}

func TestChannel(t *testing.T) {
	in := make(chan models.SpeedSample)
	src := FromChannel(in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	samples := src.Samples(ctx)

	go func() {
		in <- models.SpeedSample{Timestamp: epoch, Speed: 12}
		close(in)
	}()

	sample := testutil.RequireReceive(t, samples, 5*time.Second, "forwarded sample")
	if sample.Speed != 12 {
		t.Errorf("speed = %v, want 12", sample.Speed)
	}
	testutil.RequireClosed(t, samples, 5*time.Second, "closed after input closes")
}

func TestThrottle(t *testing.T) {
	in := make(chan models.SpeedSample, 4)
	in <- models.SpeedSample{Timestamp: epoch, Speed: 10}
	in <- models.SpeedSample{Timestamp: epoch.Add(500 * time.Millisecond), Speed: 11}
	in <- models.SpeedSample{Timestamp: epoch.Add(FastestInterval), Speed: 12}
	in <- models.SpeedSample{Timestamp: epoch.Add(2 * time.Second), Speed: 13}
	close(in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []float64
	for sample := range Throttle(FromChannel(in), FastestInterval).Samples(ctx) {
		got = append(got, sample.Speed)
	}

	want := []float64{10, 12}
	if len(got) != len(want) {
		t.Fatalf("forwarded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}
