package storage

import (
	"context"
	"fmt"
)

// LoadFunc reads the current encoding at a transaction's path.
type LoadFunc func(ctx context.Context) ([]byte, error)

// CommitFunc atomically replaces expected with next. It returns false when
// the stored value no longer equals expected.
type CommitFunc func(ctx context.Context, expected, next []byte) (bool, error)

// RunOptimistic is the read-modify-write loop shared by the backends: load,
// apply update outside any lock, then compare-and-swap. Values compare by
// their deterministic encoding.
func RunOptimistic(ctx context.Context, path string, maxRetries int, load LoadFunc, commit CommitFunc, update UpdateFunc) (Value, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxTransactionRetries
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Value{}, err
		}

		current, err := load(ctx)
		if err != nil {
			return Value{}, err
		}

		proposed, err := update(Value{raw: current})
		if err != nil {
			return Value{}, fmt.Errorf("%w at %s: %w", ErrAborted, path, err)
		}

		next, err := encodeAny(proposed)
		if err != nil {
			return Value{}, fmt.Errorf("%w at %s: %w", ErrAborted, path, err)
		}

		committed, err := commit(ctx, current, next)
		if err != nil {
			return Value{}, err
		}
		if committed {
			return Value{raw: next}, nil
		}
	}

	return Value{}, fmt.Errorf("%w at %s after %d attempts", ErrConflict, path, maxRetries)
}
