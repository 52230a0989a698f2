package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mmynk/pacegroup/internal/feed"
	"github.com/mmynk/pacegroup/internal/models"
	"github.com/mmynk/pacegroup/internal/storage"
)

// Client bundles the services one device uses against one store.
type Client struct {
	Groups     *GroupService
	Speeds     *SpeedService
	Subscriber *Subscriber

	logger *slog.Logger
}

// NewClient wires the services over store.
func NewClient(store storage.Store, cfg Config) *Client {
	cfg = cfg.withDefaults()
	speeds := NewSpeedService(store, cfg)
	return &Client{
		Groups:     NewGroupService(store, speeds, cfg),
		Speeds:     speeds,
		Subscriber: NewSubscriber(store, cfg),
		logger:     cfg.Logger,
	}
}

// Session is an identity's live participation in its group: one open
// subscription and a pump of feed samples into the aggregate. It owns the
// subscription and releases it on every exit path.
type Session struct {
	identity models.Identity
	groupID  string
	client   *Client
	sub      *GroupSubscription

	snapshots chan models.Snapshot
	sendMu    sync.Mutex

	closeOnce sync.Once
}

// StartSession opens the session of identity's current group. onSnapshot
// may be nil; snapshots are also available from Snapshots.
func (c *Client) StartSession(ctx context.Context, identity models.Identity, onSnapshot func(models.Snapshot)) (*Session, error) {
	ptr, err := c.Groups.CheckMembership(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !ptr.Active() {
		return nil, ErrNotMember
	}

	session := &Session{
		identity:  identity,
		groupID:   ptr.GroupID,
		client:    c,
		snapshots: make(chan models.Snapshot, 1),
	}

	sub, err := c.Subscriber.Open(ctx, ptr.GroupID, func(snap models.Snapshot) {
		session.publish(snap)
		if onSnapshot != nil {
			onSnapshot(snap)
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	session.sub = sub

	c.logger.Info("Session started", "identity", identity, "group_id", ptr.GroupID)
	return session, nil
}

// GroupID returns the session's group.
func (s *Session) GroupID() string {
	return s.groupID
}

// Snapshots returns a channel holding the latest undelivered snapshot.
// Older snapshots are replaced, not queued.
func (s *Session) Snapshots() <-chan models.Snapshot {
	return s.snapshots
}

// Run submits every sample of src until ctx ends, src closes or the
// subscription fails. Failed submissions are logged and skipped; the
// samples are a live signal and the next one supersedes them. The session
// is closed when Run returns.
func (s *Session) Run(ctx context.Context, src feed.Source) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	samples := src.Samples(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.sub.Done():
			return s.sub.Err()

		case sample, ok := <-samples:
			if !ok {
				// Sources close their channel on cancellation too.
				return ctx.Err()
			}
			err := s.client.Speeds.Submit(ctx, s.groupID, s.identity, sample.Speed)
			switch {
			case err == nil:
			case errors.Is(err, ErrNotFound):
				return fmt.Errorf("group %s is gone: %w", s.groupID, err)
			case errors.Is(err, ErrNotMember):
				return fmt.Errorf("%s is no longer in group %s: %w", s.identity, s.groupID, err)
			case errors.Is(err, context.Canceled):
				return ctx.Err()
			default:
				s.client.logger.Warn("Sample dropped", "identity", s.identity, "group_id", s.groupID, "speed", sample.Speed, "error", err)
			}
		}
	}
}

// Close releases the session's subscription. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.sub != nil {
			s.sub.Close()
		}
		s.client.logger.Info("Session closed", "identity", s.identity, "group_id", s.groupID)
	})
	return nil
}

// Leave closes the session and removes the identity from the group.
func (s *Session) Leave(ctx context.Context) error {
	s.Close()
	return s.client.Groups.LeaveGroup(ctx, s.identity)
}

// publish replaces any unread snapshot with snap.
func (s *Session) publish(snap models.Snapshot) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.snapshots:
	default:
	}
	s.snapshots <- snap
}
