package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mmynk/pacegroup/internal/storage"
)

type loggingStore struct {
	next   storage.Store
	logger *slog.Logger
}

// Logging returns a Store that logs every operation of next with its path
// and duration. Successful calls log at debug level, transaction aborts at
// info and everything else that fails at warn.
func Logging(next storage.Store, logger *slog.Logger) storage.Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingStore{next: next, logger: logger}
}

var _ storage.Store = (*loggingStore)(nil)

func (s *loggingStore) Read(ctx context.Context, path string) (storage.Value, error) {
	start := time.Now()
	v, err := s.next.Read(ctx, path)
	s.log(ctx, "read", path, start, err, "exists", v.Exists())
	return v, err
}

func (s *loggingStore) Write(ctx context.Context, path string, value any) error {
	start := time.Now()
	err := s.next.Write(ctx, path, value)
	s.log(ctx, "write", path, start, err, "delete", value == nil)
	return err
}

func (s *loggingStore) Update(ctx context.Context, values map[string]any) error {
	start := time.Now()
	err := s.next.Update(ctx, values)
	s.log(ctx, "update", "", start, err, "paths", len(values))
	return err
}

func (s *loggingStore) GenerateKey(ctx context.Context, parent string) (string, error) {
	start := time.Now()
	key, err := s.next.GenerateKey(ctx, parent)
	s.log(ctx, "generate_key", parent, start, err, "key", key)
	return key, err
}

func (s *loggingStore) Transact(ctx context.Context, path string, update storage.UpdateFunc) (storage.Value, error) {
	start := time.Now()
	attempts := 0
	v, err := s.next.Transact(ctx, path, func(current storage.Value) (any, error) {
		attempts++
		return update(current)
	})
	s.log(ctx, "transact", path, start, err, "attempts", attempts)
	return v, err
}

func (s *loggingStore) Subscribe(ctx context.Context, path string, onChange func(storage.Value), onError func(error)) (storage.Handle, error) {
	start := time.Now()
	h, err := s.next.Subscribe(ctx, path, onChange, func(err error) {
		s.logger.Warn("Store subscription failed", "path", path, "error", err)
		if onError != nil {
			onError(err)
		}
	})
	s.log(ctx, "subscribe", path, start, err, "handle", h)
	return h, err
}

func (s *loggingStore) Unsubscribe(h storage.Handle) {
	s.next.Unsubscribe(h)
	s.logger.Debug("Store op ok", "op", "unsubscribe", "handle", h)
}

func (s *loggingStore) Close() error {
	err := s.next.Close()
	if err != nil {
		s.logger.Error("Store close failed", "error", err)
	}
	return err
}

func (s *loggingStore) log(ctx context.Context, op, path string, start time.Time, err error, attrs ...any) {
	duration := time.Since(start).Milliseconds()
	attrs = append([]any{"op", op, "path", path, "duration_ms", duration}, attrs...)

	switch {
	case err == nil:
		s.logger.DebugContext(ctx, "Store op ok", attrs...)
	case errors.Is(err, storage.ErrAborted):
		s.logger.InfoContext(ctx, "Store op aborted", append(attrs, "reason", err)...)
	default:
		s.logger.WarnContext(ctx, "Store op failed", append(attrs, "error", err)...)
	}
}
