package models

import "fmt"

// DefaultMaxGroupSize is the member capacity of a group unless configured
// otherwise.
const DefaultMaxGroupSize = 10

// Identity is the opaque user identifier issued by the auth provider. It is
// used as the member key inside a group.
type Identity string

// GroupMeta is written once when a group is created and never modified.
type GroupMeta struct {
	// Name is the display label (e.g., "Group 4821").
	Name string `cbor:"name"`

	// CreatedAt is the Unix millisecond timestamp of creation.
	CreatedAt int64 `cbor:"createdAt"`
}

// Group is the full shared record of a tracking session.
type Group struct {
	// ID is the store-generated key of the group.
	ID string `cbor:"-"`

	Meta GroupMeta `cbor:"meta"`

	// Members maps each member identity to its presence flag. Only
	// transactions mutate it.
	Members map[Identity]bool `cbor:"members"`

	// Speeds holds each member's last submitted speed in mph. Each entry is
	// written only by the identity it names.
	Speeds map[Identity]float64 `cbor:"speeds"`

	// Total is the aggregate of member speeds at the last committed
	// aggregate transaction.
	Total Aggregate `cbor:"totalSpeed"`
}

// TotalSpeed returns the group total in mph.
func (g *Group) TotalSpeed() float64 {
	return g.Total.Speed
}

// HasMember reports whether id is in the member set.
func (g *Group) HasMember(id Identity) bool {
	return g.Members[id]
}

// Size returns the number of members.
func (g *Group) Size() int {
	return len(g.Members)
}

// DefaultGroupName returns the label given to groups created without one.
func DefaultGroupName(n int) string {
	return fmt.Sprintf("Group %d", n)
}
