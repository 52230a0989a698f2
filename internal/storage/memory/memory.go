// Package memory provides an in-process implementation of storage.Store.
//
// All clients sharing one *Store observe each other's writes, which makes it
// the backend of choice for tests and single-process demos. Transactions are
// optimistic exactly as on the remote backends: the update function runs
// without holding the lock and the commit is a compare-and-swap on the
// value's encoding.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mmynk/pacegroup/internal/storage"
	"github.com/mmynk/pacegroup/internal/storage/watch"
)

// Ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

// Store is an in-memory tree of CBOR leaves.
type Store struct {
	mu     sync.RWMutex
	leaves map[string][]byte
	closed bool

	hub        *watch.Hub
	maxRetries int
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store and its subscriptions.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMaxRetries bounds the attempts of a single Transact call.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		leaves:     make(map[string][]byte),
		maxRetries: storage.DefaultMaxTransactionRetries,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = watch.NewHub(s.Read, s.logger)
	return s
}

// Read returns the value at path.
func (s *Store) Read(ctx context.Context, path string) (storage.Value, error) {
	raw, err := s.load(ctx, path)
	if err != nil {
		return storage.Value{}, err
	}
	return storage.ValueOf(raw), nil
}

// Write replaces the value at path.
func (s *Store) Write(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

// Update applies several writes atomically.
func (s *Store) Update(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateUpdate(values); err != nil {
		return err
	}

	encoded := make(map[string][]byte, len(values))
	for path, value := range values {
		v, err := storage.Encode(value)
		if err != nil {
			return err
		}
		encoded[path] = v.Bytes()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	paths := make([]string, 0, len(encoded))
	for path, raw := range encoded {
		s.writeLocked(path, raw)
		paths = append(paths, path)
	}
	s.mu.Unlock()

	s.hub.Notify(paths...)
	return nil
}

// GenerateKey returns a time-ordered UUIDv7.
func (s *Store) GenerateKey(ctx context.Context, parent string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := storage.ValidatePath(parent); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("%w: failed to generate key: %v", storage.ErrUnavailable, err)
	}
	return id.String(), nil
}

// Transact runs an optimistic read-modify-write on path.
func (s *Store) Transact(ctx context.Context, path string, update storage.UpdateFunc) (storage.Value, error) {
	if err := storage.ValidatePath(path); err != nil {
		return storage.Value{}, err
	}

	commit := func(ctx context.Context, expected, next []byte) (bool, error) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false, storage.ErrClosed
		}
		current, err := s.treeLocked(path)
		if err != nil {
			s.mu.Unlock()
			return false, err
		}
		if !bytes.Equal(current, expected) {
			s.mu.Unlock()
			return false, nil
		}
		s.writeLocked(path, next)
		s.mu.Unlock()

		s.hub.Notify(path)
		return true, nil
	}

	load := func(ctx context.Context) ([]byte, error) {
		return s.load(ctx, path)
	}

	return storage.RunOptimistic(ctx, path, s.maxRetries, load, commit, update)
}

// Subscribe delivers the value at path now and after every related change.
func (s *Store) Subscribe(ctx context.Context, path string, onChange func(storage.Value), onError func(error)) (storage.Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.hub.Subscribe(path, onChange, onError)
}

// Unsubscribe stops a subscription.
func (s *Store) Unsubscribe(h storage.Handle) {
	s.hub.Unsubscribe(h)
}

// Close fails every subscription and rejects further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

// Len returns the number of stored leaves.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.leaves)
}

func (s *Store) load(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storage.ValidatePath(path); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.treeLocked(path)
}

func (s *Store) treeLocked(path string) ([]byte, error) {
	if raw, ok := s.leaves[path]; ok {
		return raw, nil
	}
	within := make(map[string][]byte)
	for leafPath, raw := range s.leaves {
		if storage.Within(leafPath, path) {
			within[leafPath] = raw
		}
	}
	value, err := storage.AssembleTree(path, within)
	if err != nil {
		return nil, err
	}
	return value.Bytes(), nil
}

// writeLocked replaces the subtree at path. Ancestor leaves are removed so
// the tree never holds a value both at a path and below it.
func (s *Store) writeLocked(path string, raw []byte) {
	for leafPath := range s.leaves {
		if storage.Within(leafPath, path) {
			delete(s.leaves, leafPath)
		}
	}
	if raw == nil {
		return
	}
	for _, ancestor := range storage.Ancestors(path) {
		delete(s.leaves, ancestor)
	}
	s.leaves[path] = raw
}
