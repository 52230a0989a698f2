// Package middleware decorates a storage.Store with cross-cutting
// concerns: logging and prometheus instrumentation.
package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/mmynk/pacegroup/internal/metrics"
	"github.com/mmynk/pacegroup/internal/storage"
)

type instrumentedStore struct {
	next    storage.Store
	metrics *metrics.Metrics
}

// Instrument returns a Store that records every operation of next in m.
func Instrument(next storage.Store, m *metrics.Metrics) storage.Store {
	return &instrumentedStore{next: next, metrics: m}
}

var _ storage.Store = (*instrumentedStore)(nil)

func (s *instrumentedStore) Read(ctx context.Context, path string) (storage.Value, error) {
	start := time.Now()
	v, err := s.next.Read(ctx, path)
	s.metrics.ObserveStoreOp("read", time.Since(start), err)
	return v, err
}

func (s *instrumentedStore) Write(ctx context.Context, path string, value any) error {
	start := time.Now()
	err := s.next.Write(ctx, path, value)
	s.metrics.ObserveStoreOp("write", time.Since(start), err)
	return err
}

func (s *instrumentedStore) Update(ctx context.Context, values map[string]any) error {
	start := time.Now()
	err := s.next.Update(ctx, values)
	s.metrics.ObserveStoreOp("update", time.Since(start), err)
	return err
}

func (s *instrumentedStore) GenerateKey(ctx context.Context, parent string) (string, error) {
	start := time.Now()
	key, err := s.next.GenerateKey(ctx, parent)
	s.metrics.ObserveStoreOp("generate_key", time.Since(start), err)
	return key, err
}

func (s *instrumentedStore) Transact(ctx context.Context, path string, update storage.UpdateFunc) (storage.Value, error) {
	kind := keyKind(path)
	start := time.Now()
	v, err := s.next.Transact(ctx, path, func(current storage.Value) (any, error) {
		s.metrics.TransactionAttempt(kind)
		return update(current)
	})
	s.metrics.ObserveStoreOp("transact", time.Since(start), err)
	return v, err
}

func (s *instrumentedStore) Subscribe(ctx context.Context, path string, onChange func(storage.Value), onError func(error)) (storage.Handle, error) {
	start := time.Now()
	h, err := s.next.Subscribe(ctx, path, onChange, onError)
	s.metrics.ObserveStoreOp("subscribe", time.Since(start), err)
	return h, err
}

func (s *instrumentedStore) Unsubscribe(h storage.Handle) {
	s.next.Unsubscribe(h)
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}

// keyKind is the last segment of a path: "members", "totalSpeed" or
// "membership" for the keys the group protocol transacts on.
func keyKind(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
