package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmynk/pacegroup/internal/clock"
	"github.com/mmynk/pacegroup/internal/storage"
)

// RetryPolicy bounds the silent retries of transient store failures.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Backoff is the delay before the second try. It doubles after each
	// try up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		Backoff:    100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
	}
}

// Transient reports whether err is worth retrying: backend unavailability
// or a transaction that lost every compare-and-swap race.
func Transient(err error) bool {
	return errors.Is(err, storage.ErrUnavailable) || errors.Is(err, storage.ErrConflict)
}

// do runs op until it succeeds, fails with a non-transient error, or the
// attempts run out. Exhausted transient errors are wrapped in
// ErrStoreFailure.
func (p RetryPolicy) do(ctx context.Context, clk clock.Clock, op func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.Backoff

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil || !Transient(err) {
			return err
		}
		if attempt >= attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(delay):
		}
		delay = min(delay*2, max(p.MaxBackoff, p.Backoff))
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrStoreFailure, attempts, err)
}
