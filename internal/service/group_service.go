package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/mmynk/pacegroup/internal/models"
	"github.com/mmynk/pacegroup/internal/storage"
)

// GroupService is the group registry. It creates, joins and leaves groups
// and keeps each identity's membership pointer consistent with the member
// sets it names.
//
// Membership changes span two store locations (the group's member set and
// the identity's pointer) that cannot be written in one transaction, so
// each operation runs as a small saga: the pointer records the stage
// (joining, active, leaving) and Reconcile finishes or undoes whatever a
// crash or outage interrupted.
type GroupService struct {
	store  storage.Store
	speeds *SpeedService
	cfg    Config
	logger *slog.Logger
}

// NewGroupService creates a GroupService. speeds is used to correct the
// group total when a member leaves.
func NewGroupService(store storage.Store, speeds *SpeedService, cfg Config) *GroupService {
	cfg = cfg.withDefaults()
	if speeds == nil {
		speeds = NewSpeedService(store, cfg)
	}
	return &GroupService{
		store:  store,
		speeds: speeds,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// CreateGroup creates a group with identity as its only member and returns
// the new group ID. An empty name gets a generated "Group NNNN" label.
func (s *GroupService) CreateGroup(ctx context.Context, identity models.Identity, name string) (groupID string, err error) {
	defer func() { s.cfg.Metrics.Membership("create", err) }()

	if err := validateKey("identity", string(identity)); err != nil {
		return "", err
	}
	s.logger.Info("CreateGroup request received", "identity", identity, "name", name)

	if err := s.settle(ctx, identity); err != nil {
		return "", err
	}

	err = s.retry(ctx, func(ctx context.Context) error {
		var err error
		groupID, err = s.store.GenerateKey(ctx, groupsRoot)
		return err
	})
	if err != nil {
		s.logger.Error("CreateGroup failed", "identity", identity, "error", err)
		return "", fmt.Errorf("failed to generate group key: %w", err)
	}

	if _, err := s.claim(ctx, identity, groupID); err != nil {
		s.logger.Error("CreateGroup failed", "identity", identity, "error", err)
		return "", fmt.Errorf("failed to create group: %w", err)
	}

	if name == "" {
		name = models.DefaultGroupName(1000 + rand.IntN(9000))
	}
	meta := models.GroupMeta{Name: name, CreatedAt: s.cfg.Clock.Now().UnixMilli()}

	err = s.retry(ctx, func(ctx context.Context) error {
		return s.store.Update(ctx, map[string]any{
			metaPath(groupID):       meta,
			membersPath(groupID):    map[models.Identity]bool{identity: true},
			totalSpeedPath(groupID): models.Aggregate{},
		})
	})
	if err != nil {
		return "", s.partialFailure(ctx, ErrCreateFailed, StageGroupWrite, identity, groupID, err)
	}

	if err := s.activate(ctx, identity, groupID); err != nil {
		return "", s.partialFailure(ctx, ErrCreateFailed, StagePointerActive, identity, groupID, err)
	}

	s.logger.Info("Group created", "group_id", groupID, "identity", identity, "name", name)
	return groupID, nil
}

// JoinGroup adds identity to an existing group. Joining the group the
// identity already belongs to succeeds without changes.
func (s *GroupService) JoinGroup(ctx context.Context, identity models.Identity, groupID string) (err error) {
	defer func() { s.cfg.Metrics.Membership("join", err) }()

	if err := validateKey("identity", string(identity)); err != nil {
		return err
	}
	if err := validateKey("group ID", groupID); err != nil {
		return err
	}
	s.logger.Info("JoinGroup request received", "identity", identity, "group_id", groupID)

	if err := s.settle(ctx, identity); err != nil {
		return err
	}

	already, err := s.claim(ctx, identity, groupID)
	if err != nil {
		s.logger.Error("JoinGroup failed", "identity", identity, "group_id", groupID, "error", err)
		return fmt.Errorf("failed to join group %s: %w", groupID, err)
	}
	if already {
		s.logger.Info("JoinGroup: already a member", "identity", identity, "group_id", groupID)
		return nil
	}

	err = s.retry(ctx, func(ctx context.Context) error {
		_, err := s.store.Transact(ctx, membersPath(groupID), s.addMember(identity))
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrAborted) {
			// The member set was not touched; only the claim needs undoing.
			if rerr := s.releaseClaim(ctx, identity, groupID); rerr != nil {
				s.logger.Warn("Failed to release membership claim", "identity", identity, "group_id", groupID, "error", rerr)
			}
			s.logger.Info("JoinGroup rejected", "identity", identity, "group_id", groupID, "error", err)
			return fmt.Errorf("failed to join group %s: %w", groupID, err)
		}
		return s.partialFailure(ctx, ErrJoinFailed, StageMembers, identity, groupID, err)
	}

	if err := s.activate(ctx, identity, groupID); err != nil {
		return s.partialFailure(ctx, ErrJoinFailed, StagePointerActive, identity, groupID, err)
	}

	s.logger.Info("Group joined", "identity", identity, "group_id", groupID)
	return nil
}

// LeaveGroup removes identity from its group. The last member to leave
// deletes the group. An interrupted leave is resumed by calling LeaveGroup
// (or Reconcile) again.
func (s *GroupService) LeaveGroup(ctx context.Context, identity models.Identity) (err error) {
	defer func() { s.cfg.Metrics.Membership("leave", err) }()

	if err := validateKey("identity", string(identity)); err != nil {
		return err
	}

	ptr, err := s.readPointer(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to read membership: %w", err)
	}
	if ptr == nil {
		return ErrNotMember
	}
	groupID := ptr.GroupID
	s.logger.Info("LeaveGroup request received", "identity", identity, "group_id", groupID, "state", ptr.State)

	if ptr.State != models.MembershipLeaving {
		if err := s.writePointer(ctx, identity, groupID, models.MembershipLeaving); err != nil {
			return fmt.Errorf("failed to leave group %s: %w", groupID, err)
		}
	}

	empty, err := s.removeMember(ctx, identity, groupID)
	if err != nil {
		s.logger.Error("LeaveGroup failed", "identity", identity, "group_id", groupID, "error", err)
		return fmt.Errorf("failed to leave group %s: %w", groupID, err)
	}

	if err := s.cleanup(ctx, identity, groupID, empty); err != nil {
		s.logger.Warn("Group cleanup incomplete", "identity", identity, "group_id", groupID, "error", err)
	}

	err = s.retry(ctx, func(ctx context.Context) error {
		return s.store.Write(ctx, membershipPath(identity), nil)
	})
	if err != nil {
		return fmt.Errorf("failed to clear membership of group %s: %w", groupID, err)
	}

	s.logger.Info("Group left", "identity", identity, "group_id", groupID, "deleted", empty)
	return nil
}

// CheckMembership returns identity's membership pointer, or nil when the
// identity belongs to no group or is leaving one. A joining pointer is
// returned as is; its Active method reports false.
func (s *GroupService) CheckMembership(ctx context.Context, identity models.Identity) (*models.MembershipPointer, error) {
	if err := validateKey("identity", string(identity)); err != nil {
		return nil, err
	}

	ptr, err := s.readPointer(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to read membership: %w", err)
	}
	if ptr == nil || ptr.State == models.MembershipLeaving {
		return nil, nil
	}
	return ptr, nil
}

// Reconcile resolves a membership pointer left in an intermediate state. A
// leaving pointer has its leave completed. A joining pointer is activated
// when the member set contains the identity and released once it is older
// than the pending timeout. The resulting pointer is returned.
func (s *GroupService) Reconcile(ctx context.Context, identity models.Identity) (*models.MembershipPointer, error) {
	if err := validateKey("identity", string(identity)); err != nil {
		return nil, err
	}

	ptr, err := s.readPointer(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to read membership: %w", err)
	}
	if ptr == nil {
		return nil, nil
	}

	switch ptr.State {
	case models.MembershipActive:
		return ptr, nil

	case models.MembershipLeaving:
		s.logger.Info("Reconcile: resuming leave", "identity", identity, "group_id", ptr.GroupID)
		if err := s.LeaveGroup(ctx, identity); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		members, err := s.readMembers(ctx, ptr.GroupID)
		if err != nil {
			return nil, err
		}
		if members[identity] {
			s.logger.Info("Reconcile: completing join", "identity", identity, "group_id", ptr.GroupID)
			if err := s.activate(ctx, identity, ptr.GroupID); err != nil {
				return nil, fmt.Errorf("failed to activate membership: %w", err)
			}
			return s.readPointer(ctx, identity)
		}

		age := s.cfg.Clock.Now().UnixMilli() - ptr.UpdatedAt
		if age < s.cfg.PendingTimeout.Milliseconds() {
			return ptr, nil
		}
		s.logger.Info("Reconcile: releasing abandoned join", "identity", identity, "group_id", ptr.GroupID)
		if err := s.releaseClaim(ctx, identity, ptr.GroupID); err != nil {
			return nil, fmt.Errorf("failed to release membership claim: %w", err)
		}
		return nil, nil
	}
}

// GetGroup reads the full record of a group.
func (s *GroupService) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	if err := validateKey("group ID", groupID); err != nil {
		return nil, err
	}

	var v storage.Value
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		v, err = s.store.Read(ctx, groupPath(groupID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read group %s: %w", groupID, err)
	}

	var group models.Group
	if err := v.Decode(&group); err != nil {
		return nil, err
	}
	if len(group.Members) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, groupID)
	}
	group.ID = groupID
	return &group, nil
}

// claim points identity at groupID in the joining state. Any pointer at
// another group, whatever its state, rejects the claim. It reports true
// when the identity is already an active member of groupID, in which case
// nothing is written.
func (s *GroupService) claim(ctx context.Context, identity models.Identity, groupID string) (bool, error) {
	now := s.cfg.Clock.Now().UnixMilli()

	var already bool
	err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.store.Transact(ctx, membershipPath(identity), func(current storage.Value) (any, error) {
			already = false
			if current.Exists() {
				var ptr models.MembershipPointer
				if err := current.Decode(&ptr); err != nil {
					return nil, err
				}
				if ptr.GroupID == groupID && ptr.State == models.MembershipActive {
					already = true
					return current, nil
				}
				if ptr.GroupID != groupID {
					return nil, fmt.Errorf("%w: %s in %s", ErrAlreadyMember, ptr.State, ptr.GroupID)
				}
			}
			return models.MembershipPointer{
				GroupID:   groupID,
				State:     models.MembershipJoining,
				UpdatedAt: now,
			}, nil
		})
		return err
	})
	return already, err
}

// releaseClaim deletes identity's pointer if it is still a joining claim
// on groupID.
func (s *GroupService) releaseClaim(ctx context.Context, identity models.Identity, groupID string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.store.Transact(ctx, membershipPath(identity), func(current storage.Value) (any, error) {
			var ptr models.MembershipPointer
			if err := current.Decode(&ptr); err != nil {
				return nil, err
			}
			if ptr.GroupID == groupID && ptr.State == models.MembershipJoining {
				return nil, nil
			}
			return current, nil
		})
		return err
	})
}

func (s *GroupService) activate(ctx context.Context, identity models.Identity, groupID string) error {
	return s.writePointer(ctx, identity, groupID, models.MembershipActive)
}

// writePointer blind-writes identity's pointer. Only the identity itself
// writes its pointer, so no transaction is needed.
func (s *GroupService) writePointer(ctx context.Context, identity models.Identity, groupID string, state models.MembershipState) error {
	ptr := models.MembershipPointer{
		GroupID:   groupID,
		State:     state,
		UpdatedAt: s.cfg.Clock.Now().UnixMilli(),
	}
	return s.retry(ctx, func(ctx context.Context) error {
		return s.store.Write(ctx, membershipPath(identity), ptr)
	})
}

func (s *GroupService) readPointer(ctx context.Context, identity models.Identity) (*models.MembershipPointer, error) {
	var v storage.Value
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		v, err = s.store.Read(ctx, membershipPath(identity))
		return err
	})
	if err != nil {
		return nil, err
	}
	if !v.Exists() {
		return nil, nil
	}

	var ptr models.MembershipPointer
	if err := v.Decode(&ptr); err != nil {
		return nil, err
	}
	return &ptr, nil
}

func (s *GroupService) readMembers(ctx context.Context, groupID string) (map[models.Identity]bool, error) {
	var v storage.Value
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		v, err = s.store.Read(ctx, membersPath(groupID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read members of %s: %w", groupID, err)
	}

	members := make(map[models.Identity]bool)
	if err := v.Decode(&members); err != nil {
		return nil, err
	}
	return members, nil
}

// addMember returns the member-set update that admits identity, enforcing
// existence and capacity against the committed state.
func (s *GroupService) addMember(identity models.Identity) storage.UpdateFunc {
	return func(current storage.Value) (any, error) {
		if !current.Exists() {
			return nil, ErrNotFound
		}

		members := make(map[models.Identity]bool)
		if err := current.Decode(&members); err != nil {
			return nil, err
		}
		if members[identity] {
			return members, nil
		}
		if len(members) >= s.cfg.MaxGroupSize {
			return nil, ErrGroupFull
		}
		members[identity] = true
		return members, nil
	}
}

// removeMember takes identity out of groupID's member set, deleting the set
// when it becomes empty. It reports whether the group is now empty.
func (s *GroupService) removeMember(ctx context.Context, identity models.Identity, groupID string) (bool, error) {
	var empty bool
	err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.store.Transact(ctx, membersPath(groupID), func(current storage.Value) (any, error) {
			empty = false
			if !current.Exists() {
				empty = true
				return nil, nil
			}

			members := make(map[models.Identity]bool)
			if err := current.Decode(&members); err != nil {
				return nil, err
			}
			delete(members, identity)
			if len(members) == 0 {
				empty = true
				return nil, nil
			}
			return members, nil
		})
		return err
	})
	return empty, err
}

// cleanup removes what a departed member leaves behind: the whole group
// when it is empty, otherwise the member's speed, after which the total is
// recomputed.
func (s *GroupService) cleanup(ctx context.Context, identity models.Identity, groupID string, empty bool) error {
	if empty {
		return s.retry(ctx, func(ctx context.Context) error {
			return s.store.Write(ctx, groupPath(groupID), nil)
		})
	}

	err := s.retry(ctx, func(ctx context.Context) error {
		return s.store.Write(ctx, speedPath(groupID, identity), nil)
	})
	if err != nil {
		return fmt.Errorf("failed to delete speed: %w", err)
	}

	if _, err := s.speeds.Recompute(ctx, groupID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to recompute total: %w", err)
	}
	return nil
}

// partialFailure undoes a create or join that failed after claiming the
// pointer and wraps the cause in a PartialFailureError.
func (s *GroupService) partialFailure(ctx context.Context, kind error, stage string, identity models.Identity, groupID string, cause error) error {
	compensated := true
	if err := s.compensate(ctx, identity, groupID); err != nil {
		compensated = false
		s.logger.Warn("Compensation failed", "identity", identity, "group_id", groupID, "error", err)
	}

	perr := &PartialFailureError{
		Kind:        kind,
		GroupID:     groupID,
		Stage:       stage,
		Compensated: compensated,
		Err:         cause,
	}
	s.logger.Error("Membership change failed", "identity", identity, "group_id", groupID, "stage", stage, "compensated", compensated, "error", cause)
	return perr
}

// compensate removes identity from groupID (tearing the group down when it
// empties) and then deletes the pointer. The pointer goes last so that a
// failed compensation stays visible to Reconcile.
func (s *GroupService) compensate(ctx context.Context, identity models.Identity, groupID string) error {
	empty, err := s.removeMember(ctx, identity, groupID)
	if err != nil {
		return err
	}
	if err := s.cleanup(ctx, identity, groupID, empty); err != nil {
		return err
	}

	// The active write may have landed despite reporting failure.
	return s.retry(ctx, func(ctx context.Context) error {
		return s.store.Write(ctx, membershipPath(identity), nil)
	})
}

// settle reconciles a pointer left behind by an earlier interrupted
// operation so that it does not block a new create or join.
func (s *GroupService) settle(ctx context.Context, identity models.Identity) error {
	if _, err := s.Reconcile(ctx, identity); err != nil {
		s.logger.Error("Failed to reconcile membership", "identity", identity, "error", err)
		return fmt.Errorf("failed to reconcile membership: %w", err)
	}
	return nil
}

func (s *GroupService) retry(ctx context.Context, op func(ctx context.Context) error) error {
	return s.cfg.Retry.do(ctx, s.cfg.Clock, op)
}
