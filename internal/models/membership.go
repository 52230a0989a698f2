package models

// MembershipState is the saga stage recorded in a MembershipPointer.
type MembershipState string

const (
	// MembershipJoining is written before the member set is touched by a
	// create or join. A pointer left in this state after a crash is
	// resolved by reconciliation.
	MembershipJoining MembershipState = "joining"

	// MembershipActive means the identity is a committed member.
	MembershipActive MembershipState = "active"

	// MembershipLeaving is written before the member is removed from the
	// group. Observers treat it as "not a member"; a leave can be resumed
	// from it.
	MembershipLeaving MembershipState = "leaving"
)

// MembershipPointer records which group, if any, an identity belongs to.
// Only the identity it names ever writes it.
type MembershipPointer struct {
	GroupID string          `cbor:"groupId"`
	State   MembershipState `cbor:"state"`

	// UpdatedAt is the Unix millisecond timestamp of the last state change.
	UpdatedAt int64 `cbor:"updatedAt"`
}

// Active reports whether the pointer names a committed membership.
func (p *MembershipPointer) Active() bool {
	return p != nil && p.State == MembershipActive
}
