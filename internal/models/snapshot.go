package models

// Snapshot is the normalized, point-in-time view of a group delivered to
// local observers on every remote change.
type Snapshot struct {
	GroupID string

	// Name is the group's display label.
	Name string

	// Members is the member set in ascending order.
	Members []Identity

	// Speeds holds the last submitted speed of each current member.
	// Members that never submitted are absent.
	Speeds map[Identity]float64

	// TotalSpeed is the group aggregate in mph.
	TotalSpeed float64

	// Digest is a hex content hash of the fields above. Two snapshots with
	// the same digest describe the same state.
	Digest string
}

// Size returns the number of members in the snapshot.
func (s Snapshot) Size() int {
	return len(s.Members)
}
