package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mmynk/pacegroup/internal/clock"
	"github.com/mmynk/pacegroup/internal/storage"
	"github.com/mmynk/pacegroup/internal/testutil"
)

func TestPartialFailureError(t *testing.T) {
	cause := fmt.Errorf("%w: timeout", storage.ErrUnavailable)
	err := error(&PartialFailureError{
		Kind:    ErrJoinFailed,
		GroupID: "g1",
		Stage:   StagePointerActive,
		Err:     cause,
	})

	if !errors.Is(err, ErrJoinFailed) {
		t.Error("expected errors.Is(err, ErrJoinFailed)")
	}
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Error("expected the cause to be reachable")
	}
	if errors.Is(err, ErrCreateFailed) {
		t.Error("did not expect ErrCreateFailed")
	}
	want := "group join failed: group g1 at pointer stage (not compensated): store unavailable: timeout"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("failed to join group g: %w", fmt.Errorf("%w: %w", storage.ErrAborted, ErrGroupFull)), "Group is full, cannot join"},
		{fmt.Errorf("failed to join group g: %w", ErrNotFound), "Group does not exist"},
		{ErrAlreadyMember, "You are already in a group. Leave it first."},
		{errors.New("boom"), "Something went wrong. Try again."},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.err); got != tt.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()
	transient := fmt.Errorf("%w: flaky", storage.ErrUnavailable)

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := RetryPolicy{Attempts: 3}.do(ctx, clock.Real(), func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("expected success on call 3, got %v after %d calls", err, calls)
		}
	})

	t.Run("gives up with a store failure", func(t *testing.T) {
		calls := 0
		err := RetryPolicy{Attempts: 3}.do(ctx, clock.Real(), func(context.Context) error {
			calls++
			return transient
		})
		if !errors.Is(err, ErrStoreFailure) || !errors.Is(err, storage.ErrUnavailable) {
			t.Errorf("expected ErrStoreFailure wrapping the cause, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("aborts are never retried", func(t *testing.T) {
		calls := 0
		full := fmt.Errorf("%w: %w", storage.ErrAborted, ErrGroupFull)
		err := RetryPolicy{Attempts: 3}.do(ctx, clock.Real(), func(context.Context) error {
			calls++
			return full
		})
		if !errors.Is(err, ErrGroupFull) || errors.Is(err, ErrStoreFailure) || calls != 1 {
			t.Errorf("expected one call returning ErrGroupFull, got %v after %d calls", err, calls)
		}
	})

	t.Run("backs off on the clock", func(t *testing.T) {
		clk := clock.Fake(epoch)
		calls := make(chan int, 3)
		done := make(chan error, 1)
		policy := RetryPolicy{Attempts: 3, Backoff: time.Second, MaxBackoff: time.Second}

		go func() {
			n := 0
			done <- policy.do(ctx, clk, func(context.Context) error {
				n++
				calls <- n
				return transient
			})
		}()

		testutil.RequireReceive(t, calls, waitTimeout, "first call")
		clk.BlockUntil(1)
		clk.Advance(time.Second)
		testutil.RequireReceive(t, calls, waitTimeout, "second call")
		clk.BlockUntil(1)
		clk.Advance(time.Second)
		testutil.RequireReceive(t, calls, waitTimeout, "third call")

		if err := testutil.RequireReceive(t, done, waitTimeout, "do"); !errors.Is(err, ErrStoreFailure) {
			t.Errorf("expected ErrStoreFailure, got %v", err)
		}
	})
}
