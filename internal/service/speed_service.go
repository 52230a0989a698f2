package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mmynk/pacegroup/internal/calculator"
	"github.com/mmynk/pacegroup/internal/models"
	"github.com/mmynk/pacegroup/internal/storage"
)

// SpeedService stores member speeds and maintains each group's totalSpeed.
type SpeedService struct {
	store  storage.Store
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSpeedService creates a SpeedService using the configured aggregate
// strategy.
func NewSpeedService(store storage.Store, cfg Config) *SpeedService {
	cfg = cfg.withDefaults()
	return &SpeedService{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Strategy returns the aggregate strategy in use.
func (s *SpeedService) Strategy() calculator.Strategy {
	return s.cfg.Strategy
}

// Submit records identity's current speed in groupID and updates the group
// total. Only members may submit. The speed is durable once its write
// succeeds; a failed total update is reported as ErrAggregateUpdateFailed
// and corrected by a later submission.
func (s *SpeedService) Submit(ctx context.Context, groupID string, identity models.Identity, speed float64) (err error) {
	defer func() { s.cfg.Metrics.Sample(err) }()

	if err := validateKey("group ID", groupID); err != nil {
		return err
	}
	if err := validateKey("identity", string(identity)); err != nil {
		return err
	}
	if err := calculator.ValidateSpeed(speed); err != nil {
		return err
	}

	unlock := s.lock(groupID, identity)
	defer unlock()

	if err := s.requireMember(ctx, groupID, identity); err != nil {
		return err
	}

	err = s.retry(ctx, func(ctx context.Context) error {
		return s.store.Write(ctx, speedPath(groupID, identity), speed)
	})
	if err != nil {
		s.logger.Error("Failed to store speed", "group_id", groupID, "identity", identity, "error", err)
		return fmt.Errorf("failed to store speed: %w", err)
	}

	if s.cfg.Strategy == calculator.Incremental {
		err = s.increment(ctx, groupID, identity, speed)
	} else {
		var agg models.Aggregate
		agg, err = s.recompute(ctx, groupID)
		if err == nil && !agg.Includes(identity) {
			// The identity left between the membership check and the total.
			err = fmt.Errorf("%w: %s left group %s", ErrNotMember, identity, groupID)
		}
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotMember) {
		// Do not leave a speed behind in a group the identity is not in.
		if derr := s.store.Write(ctx, speedPath(groupID, identity), nil); derr != nil {
			s.logger.Warn("Failed to delete orphaned speed", "group_id", groupID, "identity", identity, "error", derr)
		}
	}
	if errors.Is(err, ErrNotMember) {
		return err
	}
	if err != nil {
		s.logger.Warn("Aggregate update failed", "group_id", groupID, "identity", identity, "strategy", s.cfg.Strategy, "error", err)
		return fmt.Errorf("%w: %w", ErrAggregateUpdateFailed, err)
	}

	s.logger.Debug("Speed submitted", "group_id", groupID, "identity", identity, "speed", speed)
	return nil
}

// Recompute sets groupID's total to the sum of its current members' speeds
// and returns it. Speeds are read inside the transaction, after the current
// aggregate. Every commit bumps the aggregate's revision, so a total
// computed from speeds that another commit has since superseded always
// loses the compare-and-swap and is recomputed.
func (s *SpeedService) Recompute(ctx context.Context, groupID string) (float64, error) {
	agg, err := s.recompute(ctx, groupID)
	return agg.Speed, err
}

func (s *SpeedService) recompute(ctx context.Context, groupID string) (models.Aggregate, error) {
	var agg models.Aggregate
	err := s.retry(ctx, func(ctx context.Context) error {
		committed, err := s.store.Transact(ctx, totalSpeedPath(groupID), func(current storage.Value) (any, error) {
			var prev models.Aggregate
			if err := current.Decode(&prev); err != nil {
				return nil, err
			}

			v, err := s.store.Read(ctx, groupPath(groupID))
			if err != nil {
				return nil, err
			}
			var group models.Group
			if err := v.Decode(&group); err != nil {
				return nil, err
			}
			if len(group.Members) == 0 {
				return nil, ErrNotFound
			}

			return models.Aggregate{
				Speed:   calculator.MemberSum(group.Members, group.Speeds),
				Rev:     prev.Rev + 1,
				Counted: calculator.Counted(group.Members, group.Speeds),
			}, nil
		})
		if err != nil {
			return err
		}
		agg = models.Aggregate{}
		return committed.Decode(&agg)
	})
	return agg, err
}

// increment adds the change since the speed the total last counted for
// identity. The counted speed is committed together with the total, so a
// retried attempt or a new process never counts a speed twice.
func (s *SpeedService) increment(ctx context.Context, groupID string, identity models.Identity, speed float64) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.store.Transact(ctx, totalSpeedPath(groupID), func(current storage.Value) (any, error) {
			if !current.Exists() {
				return nil, ErrNotFound
			}
			var agg models.Aggregate
			if err := current.Decode(&agg); err != nil {
				return nil, err
			}

			members, err := s.readMembers(ctx, groupID)
			if err != nil {
				return nil, err
			}
			if !members[identity] {
				return nil, fmt.Errorf("%w: %s in group %s", ErrNotMember, identity, groupID)
			}

			counted := make(map[models.Identity]float64, len(agg.Counted)+1)
			for id, v := range agg.Counted {
				counted[id] = v
			}
			counted[identity] = speed

			return models.Aggregate{
				Speed:   calculator.ApplyDelta(agg.Speed, agg.Counted[identity], speed),
				Rev:     agg.Rev + 1,
				Counted: counted,
			}, nil
		})
		return err
	})
}

// requireMember fails with ErrNotFound when groupID does not exist and with
// ErrNotMember when identity is not in it.
func (s *SpeedService) requireMember(ctx context.Context, groupID string, identity models.Identity) error {
	var members map[models.Identity]bool
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		members, err = s.readMembers(ctx, groupID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read members of %s: %w", groupID, err)
	}
	if !members[identity] {
		return fmt.Errorf("%w: %s in group %s", ErrNotMember, identity, groupID)
	}
	return nil
}

// readMembers reads groupID's member set once. A missing set is
// ErrNotFound.
func (s *SpeedService) readMembers(ctx context.Context, groupID string) (map[models.Identity]bool, error) {
	v, err := s.store.Read(ctx, membersPath(groupID))
	if err != nil {
		return nil, err
	}
	if !v.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, groupID)
	}

	members := make(map[models.Identity]bool)
	if err := v.Decode(&members); err != nil {
		return nil, err
	}
	return members, nil
}

// lock serializes submissions of one identity to one group.
func (s *SpeedService) lock(groupID string, identity models.Identity) func() {
	key := lockKey(groupID, identity)

	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func lockKey(groupID string, identity models.Identity) string {
	return groupID + "/" + string(identity)
}

func (s *SpeedService) retry(ctx context.Context, op func(ctx context.Context) error) error {
	return s.cfg.Retry.do(ctx, s.cfg.Clock, op)
}
