// Package models defines the domain types shared by the pacegroup store
// layout, services and observers.
//
// # Records
//
// The following records live in the remote store:
//   - GroupMeta: immutable label and creation time of a group
//   - Group: the full group record (meta, members, speeds, aggregate)
//   - MembershipPointer: one per identity, naming the group it belongs to
//
// The following types never leave the client:
//   - SpeedSample: one reading from a sample feed
//   - Snapshot: the normalized view of a group handed to observers
//
// # Design Principles
//
//  1. Identities are opaque strings issued by an external auth provider.
//  2. Records reference each other by ID, never by pointer.
//  3. Every field written to the store carries an explicit cbor tag so the
//     wire names stay stable when Go names change.
package models
