package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmynk/pacegroup/internal/calculator"
	"github.com/mmynk/pacegroup/internal/clock"
	"github.com/mmynk/pacegroup/internal/models"
	"github.com/mmynk/pacegroup/internal/storage"
	"github.com/mmynk/pacegroup/internal/storage/memory"
)

var epoch = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

// faultyStore wraps a store and fails selected operations with a transient
// error a set number of times. It can also run a hook between a
// transaction's update function and its commit, and counts Unsubscribe
// calls.
type faultyStore struct {
	storage.Store

	mu        sync.Mutex
	writes    map[string]int
	transacts map[string]int
	reads     map[string]int
	hooks     map[string]func()

	unsubscribes atomic.Int32
}

func newFaultyStore(inner storage.Store) *faultyStore {
	return &faultyStore{
		Store:     inner,
		writes:    make(map[string]int),
		transacts: make(map[string]int),
		reads:     make(map[string]int),
		hooks:     make(map[string]func()),
	}
}

// failWrites makes the next n writes to path fail. A negative n fails them
// until heal is called.
func (f *faultyStore) failWrites(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[path] = n
}

func (f *faultyStore) failTransacts(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transacts[path] = n
}

func (f *faultyStore) failReads(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[path] = n
}

// afterUpdate runs hook once, after the next update function for path
// returns and before that attempt commits.
func (f *faultyStore) afterUpdate(path string, hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[path] = hook
}

func (f *faultyStore) takeHook(path string) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	hook := f.hooks[path]
	delete(f.hooks, path)
	return hook
}

func (f *faultyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.writes)
	clear(f.transacts)
	clear(f.reads)
}

func (f *faultyStore) inject(faults map[string]int, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := faults[path]
	if !ok || n == 0 {
		return nil
	}
	if n > 0 {
		faults[path] = n - 1
	}
	return fmt.Errorf("%w: injected fault at %s", storage.ErrUnavailable, path)
}

func (f *faultyStore) Read(ctx context.Context, path string) (storage.Value, error) {
	if err := f.inject(f.reads, path); err != nil {
		return storage.Value{}, err
	}
	return f.Store.Read(ctx, path)
}

func (f *faultyStore) Write(ctx context.Context, path string, value any) error {
	if err := f.inject(f.writes, path); err != nil {
		return err
	}
	return f.Store.Write(ctx, path, value)
}

func (f *faultyStore) Transact(ctx context.Context, path string, update storage.UpdateFunc) (storage.Value, error) {
	if err := f.inject(f.transacts, path); err != nil {
		return storage.Value{}, err
	}
	if hook := f.takeHook(path); hook != nil {
		inner := update
		update = func(current storage.Value) (any, error) {
			v, err := inner(current)
			hook()
			return v, err
		}
	}
	return f.Store.Transact(ctx, path, update)
}

func (f *faultyStore) Unsubscribe(h storage.Handle) {
	f.unsubscribes.Add(1)
	f.Store.Unsubscribe(h)
}

// testConfig returns a quiet configuration. Retries have no backoff so they
// work with a fake clock.
func testConfig(clk clock.Clock) Config {
	return Config{
		Strategy: calculator.Recompute,
		Retry:    RetryPolicy{Attempts: 3},
		Clock:    clk,
		Logger:   slog.New(slog.DiscardHandler),
	}
}

// newTestClient returns a client over a fresh in-memory store wrapped in a
// faultyStore.
func newTestClient(t *testing.T, mutate ...func(*Config)) (*Client, *faultyStore, *clock.FakeClock) {
	t.Helper()

	clk := clock.Fake(epoch)
	store := newFaultyStore(memory.New())
	t.Cleanup(func() { store.Close() })

	cfg := testConfig(clk)
	for _, m := range mutate {
		m(&cfg)
	}
	return NewClient(store, cfg), store, clk
}

func identities(n int, prefix string) []models.Identity {
	ids := make([]models.Identity, n)
	for i := range ids {
		ids[i] = models.Identity(fmt.Sprintf("%s%02d", prefix, i+1))
	}
	return ids
}

func mustCreate(t *testing.T, c *Client, identity models.Identity) string {
	t.Helper()
	groupID, err := c.Groups.CreateGroup(context.Background(), identity, "")
	if err != nil {
		t.Fatalf("CreateGroup(%s) failed: %v", identity, err)
	}
	return groupID
}

func mustJoin(t *testing.T, c *Client, identity models.Identity, groupID string) {
	t.Helper()
	if err := c.Groups.JoinGroup(context.Background(), identity, groupID); err != nil {
		t.Fatalf("JoinGroup(%s) failed: %v", identity, err)
	}
}

func mustGetGroup(t *testing.T, c *Client, groupID string) *models.Group {
	t.Helper()
	group, err := c.Groups.GetGroup(context.Background(), groupID)
	if err != nil {
		t.Fatalf("GetGroup(%s) failed: %v", groupID, err)
	}
	return group
}
