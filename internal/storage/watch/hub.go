// Package watch fans store changes out to path subscribers.
//
// A Hub is a pure routing engine: backends call Notify with the paths they
// changed and the Hub wakes every subscriber whose path is related. Each
// subscriber owns one goroutine that reloads the current value and delivers
// it, so deliveries for one subscription are serialized and reflect the
// store's own order of commits. Bursts coalesce: a subscriber that is woken
// several times before it runs delivers the latest value once.
//
// Thread safety: all exported methods are safe for concurrent use and may be
// called from inside a delivery callback.
package watch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mmynk/pacegroup/internal/storage"
)

// Loader reads the current value at a path.
type Loader func(ctx context.Context, path string) (storage.Value, error)

// Hub routes change notifications to subscribers.
type Hub struct {
	load   Loader
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	next        storage.Handle
	subscribers map[storage.Handle]*subscriber
	closed      bool
}

type subscriber struct {
	path     string
	onChange func(storage.Value)
	onError  func(error)

	wake   chan struct{}
	done   chan struct{}
	stop   sync.Once
	closed atomic.Bool
	err    error // written before done is closed
}

// NewHub creates a Hub that reads values through load.
func NewHub(load Loader, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		load:        load,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[storage.Handle]*subscriber),
	}
}

// Subscribe registers a subscriber and schedules the initial delivery.
func (h *Hub) Subscribe(path string, onChange func(storage.Value), onError func(error)) (storage.Handle, error) {
	if err := storage.ValidatePath(path); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, storage.ErrClosed
	}

	h.next++
	handle := h.next
	sub := &subscriber{
		path:     path,
		onChange: onChange,
		onError:  onError,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	h.subscribers[handle] = sub
	sub.wake <- struct{}{}
	go h.run(handle, sub)

	h.logger.Debug("subscription opened", "handle", handle, "path", path)
	return handle, nil
}

// Unsubscribe stops a subscriber. Unknown or already stopped handles are
// ignored.
func (h *Hub) Unsubscribe(handle storage.Handle) {
	h.mu.Lock()
	sub, ok := h.subscribers[handle]
	delete(h.subscribers, handle)
	h.mu.Unlock()

	if ok {
		sub.end(nil)
		h.logger.Debug("subscription closed", "handle", handle, "path", sub.path)
	}
}

// Notify wakes every subscriber whose path is related to one of paths.
func (h *Hub) Notify(paths ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		for _, path := range paths {
			if storage.Related(sub.path, path) {
				select {
				case sub.wake <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}

// NotifyAll wakes every subscriber. Backends use it after losing track of
// which paths changed.
func (h *Hub) NotifyAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// Fail kills every subscriber, reporting err to each onError.
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	dead := h.subscribers
	h.subscribers = make(map[storage.Handle]*subscriber)
	h.mu.Unlock()

	for handle, sub := range dead {
		h.logger.Warn("subscription failed", "handle", handle, "path", sub.path, "error", err)
		sub.end(err)
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close fails every subscriber with storage.ErrClosed and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.Fail(storage.ErrClosed)
	h.cancel()
}

func (h *Hub) run(handle storage.Handle, sub *subscriber) {
	for {
		select {
		case <-sub.done:
			if sub.err != nil && sub.onError != nil {
				sub.onError(sub.err)
			}
			return
		case <-sub.wake:
		}

		value, err := h.load(h.ctx, sub.path)
		if err != nil {
			h.mu.Lock()
			delete(h.subscribers, handle)
			h.mu.Unlock()
			h.logger.Warn("subscription load failed", "handle", handle, "path", sub.path, "error", err)
			sub.end(err)
			continue
		}

		if sub.closed.Load() {
			continue
		}
		sub.onChange(value)
	}
}

// end stops the subscriber once. A non-nil err is reported to onError by
// the subscriber's own goroutine, after any delivery in progress.
func (s *subscriber) end(err error) {
	s.stop.Do(func() {
		s.err = err
		s.closed.Store(true)
		close(s.done)
	})
}
