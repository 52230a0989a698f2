// Package storage provides abstractions over the remote key/value store that
// carries every piece of shared group state.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrAborted wraps the error returned by an UpdateFunc that ended a
	// transaction. It is a caller decision, never retried by the store.
	ErrAborted = errors.New("transaction aborted")

	// ErrConflict means a transaction lost the compare-and-swap race on
	// every attempt of its retry budget.
	ErrConflict = errors.New("transaction retries exhausted")

	// ErrUnavailable wraps transient backend failures (network, locks,
	// I/O). Callers may retry.
	ErrUnavailable = errors.New("store unavailable")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")

	// ErrInvalidPath is returned for malformed key paths.
	ErrInvalidPath = errors.New("invalid path")
)

// DefaultMaxTransactionRetries bounds the read-modify-write attempts of a
// single Transact call.
const DefaultMaxTransactionRetries = 25

// UpdateFunc computes the proposed value of a transaction from the current
// one. It may be invoked several times against fresh reads and must not have
// side effects other than reads. Returning nil deletes the path; returning an
// error aborts the transaction.
type UpdateFunc func(current Value) (any, error)

// Handle identifies a live subscription.
type Handle uint64

// Store defines the remote store operations the group protocol relies on.
// Implementations serialize values with the codec package and treat
// '/'-separated paths as a tree: reading a path that has no value of its own
// returns the tree assembled from its descendants.
type Store interface {
	// Read returns the value at path. The returned Value reports
	// Exists() == false when nothing is stored at or below path.
	Read(ctx context.Context, path string) (Value, error)

	// Write replaces the value at path. A nil value deletes path and
	// everything below it. Writes are last-writer-wins.
	Write(ctx context.Context, path string, value any) error

	// Update applies several writes atomically. No path may be an
	// ancestor of another.
	Update(ctx context.Context, values map[string]any) error

	// GenerateKey returns a unique, time-ordered key for a new child of
	// parent.
	GenerateKey(ctx context.Context, parent string) (string, error)

	// Transact runs an optimistic read-modify-write on path, retrying
	// update against fresh data until the compare-and-swap commits. It
	// returns the committed value.
	Transact(ctx context.Context, path string, update UpdateFunc) (Value, error)

	// Subscribe delivers the current value at path to onChange right away
	// and again after every change at or below path. Calls are serialized
	// per subscription. When the subscription dies, onError is called once
	// and no further calls are made.
	Subscribe(ctx context.Context, path string, onChange func(Value), onError func(error)) (Handle, error)

	// Unsubscribe stops a subscription. It is idempotent. A delivery
	// already in progress may still complete.
	Unsubscribe(h Handle)

	// Close releases any resources held by the store.
	Close() error
}
