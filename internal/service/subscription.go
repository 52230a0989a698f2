package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/mmynk/pacegroup/internal/codec"
	"github.com/mmynk/pacegroup/internal/models"
	"github.com/mmynk/pacegroup/internal/storage"
)

// Subscriber opens live views of groups.
type Subscriber struct {
	store  storage.Store
	cfg    Config
	logger *slog.Logger
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(store storage.Store, cfg Config) *Subscriber {
	cfg = cfg.withDefaults()
	return &Subscriber{store: store, cfg: cfg, logger: cfg.Logger}
}

// GroupSubscription delivers a normalized Snapshot of one group on every
// remote change until it is closed or fails.
type GroupSubscription struct {
	groupID    string
	store      storage.Store
	subscriber *Subscriber
	onSnapshot func(models.Snapshot)
	onError    func(error)

	// lastDigest is touched only from store deliveries, which are
	// serialized.
	lastDigest string

	mu         sync.Mutex
	handle     storage.Handle
	registered bool
	closed     bool

	dead      atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Open subscribes to groupID. onSnapshot receives the current state right
// away and again after changes that alter it; identical consecutive states
// are delivered once. Changes committed while a delivery is in progress
// coalesce: the next snapshot is the latest state, not one per commit.
// When the group is deleted or the store subscription fails, onError
// receives an ErrSubscription and the subscription is dead. Callbacks run on a store goroutine, one at a time.
func (s *Subscriber) Open(ctx context.Context, groupID string, onSnapshot func(models.Snapshot), onError func(error)) (*GroupSubscription, error) {
	if err := validateKey("group ID", groupID); err != nil {
		return nil, err
	}
	if onError == nil {
		onError = func(error) {}
	}

	gs := &GroupSubscription{
		groupID:    groupID,
		store:      s.store,
		subscriber: s,
		onSnapshot: onSnapshot,
		onError:    onError,
		done:       make(chan struct{}),
	}

	handle, err := s.store.Subscribe(ctx, groupPath(groupID), gs.deliver, gs.fail)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSubscription, groupID, err)
	}
	s.cfg.Metrics.SubscriptionOpened()

	gs.mu.Lock()
	gs.handle = handle
	gs.registered = true
	closed := gs.closed
	gs.mu.Unlock()

	// Closed (or failed) before the handle was known: unsubscribe here,
	// since Close could not.
	if closed {
		s.store.Unsubscribe(handle)
	}

	s.logger.Info("Group subscription opened", "group_id", groupID)
	return gs, nil
}

// GroupID returns the subscribed group.
func (gs *GroupSubscription) GroupID() string {
	return gs.groupID
}

// Done is closed once the subscription is closed or has failed.
func (gs *GroupSubscription) Done() <-chan struct{} {
	return gs.done
}

// Err returns the failure that ended the subscription, or nil if it was
// closed normally or is still open.
func (gs *GroupSubscription) Err() error {
	select {
	case <-gs.done:
		return gs.err
	default:
		return nil
	}
}

// Close stops the subscription. It is safe to call any number of times,
// including after a failure; the store subscription is released exactly
// once.
func (gs *GroupSubscription) Close() error {
	gs.shutdown(nil)
	return nil
}

func (gs *GroupSubscription) shutdown(cause error) {
	gs.closeOnce.Do(func() {
		gs.dead.Store(true)

		gs.mu.Lock()
		gs.closed = true
		handle, registered := gs.handle, gs.registered
		gs.mu.Unlock()

		if registered {
			gs.store.Unsubscribe(handle)
		}

		gs.err = cause
		close(gs.done)
		gs.subscriber.cfg.Metrics.SubscriptionClosed()
		gs.subscriber.logger.Info("Group subscription closed", "group_id", gs.groupID, "error", cause)
	})
}

func (gs *GroupSubscription) deliver(v storage.Value) {
	if gs.dead.Load() {
		return
	}

	var group models.Group
	if err := v.Decode(&group); err != nil {
		gs.fail(fmt.Errorf("failed to decode group: %w", err))
		return
	}
	if len(group.Members) == 0 {
		gs.fail(fmt.Errorf("%w: %s", ErrNotFound, gs.groupID))
		return
	}

	snap, err := Normalize(gs.groupID, &group)
	if err != nil {
		gs.fail(err)
		return
	}
	if snap.Digest == gs.lastDigest {
		return
	}
	gs.lastDigest = snap.Digest

	if gs.dead.Load() {
		return
	}
	gs.subscriber.cfg.Metrics.SnapshotDelivered()
	if gs.onSnapshot != nil {
		gs.onSnapshot(snap)
	}
}

func (gs *GroupSubscription) fail(err error) {
	if gs.dead.Load() {
		return
	}
	wrapped := fmt.Errorf("%w: %s: %w", ErrSubscription, gs.groupID, err)
	gs.subscriber.logger.Warn("Group subscription failed", "group_id", gs.groupID, "error", err)
	gs.shutdown(wrapped)
	gs.onError(wrapped)
}

// Normalize converts a group record into the Snapshot observers see:
// members sorted, speeds restricted to current members and a content
// digest over both plus the name and total.
func Normalize(groupID string, group *models.Group) (models.Snapshot, error) {
	members := make([]models.Identity, 0, len(group.Members))
	for id, present := range group.Members {
		if present {
			members = append(members, id)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	speeds := make(map[models.Identity]float64, len(members))
	for _, id := range members {
		if speed, ok := group.Speeds[id]; ok {
			speeds[id] = speed
		}
	}

	snap := models.Snapshot{
		GroupID:    groupID,
		Name:       group.Meta.Name,
		Members:    members,
		Speeds:     speeds,
		TotalSpeed: group.TotalSpeed(),
	}

	digest, err := digestOf(snap)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap.Digest = digest
	return snap, nil
}

// digestOf hashes the deterministic encoding of a snapshot's content.
func digestOf(snap models.Snapshot) (string, error) {
	content := struct {
		Name       string                      `cbor:"1,keyasint"`
		Members    []models.Identity           `cbor:"2,keyasint"`
		Speeds     map[models.Identity]float64 `cbor:"3,keyasint"`
		TotalSpeed float64                     `cbor:"4,keyasint"`
	}{snap.Name, snap.Members, snap.Speeds, snap.TotalSpeed}

	data, err := codec.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}
