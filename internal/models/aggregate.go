package models

// Aggregate is the record stored at a group's totalSpeed leaf.
type Aggregate struct {
	// Speed is the group total in mph.
	Speed float64 `cbor:"speed"`

	// Rev increases on every commit, so two commits never leave identical
	// encodings behind and a compare-and-swap cannot mistake a rewritten
	// total for an untouched one.
	Rev uint64 `cbor:"rev"`

	// Counted holds the speed of each member that Speed currently
	// includes.
	Counted map[Identity]float64 `cbor:"counted,omitempty"`
}

// Includes reports whether id's speed is part of the total.
func (a *Aggregate) Includes(id Identity) bool {
	_, ok := a.Counted[id]
	return ok
}
