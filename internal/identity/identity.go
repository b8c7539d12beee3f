// Package identity defines the value types that name users and rooms.
package identity

import "github.com/google/uuid"

// UserID names one user. It is opaque to the relay: the transport layer
// authenticates it, the core only compares and hashes it.
type UserID string

func (u UserID) String() string {
	return string(u)
}

// UserPair is the canonical member pair of a DM room. The two ids are kept
// in lexicographic order so that A→B and B→A address the same room.
type UserPair struct {
	First  UserID
	Second UserID
}

// MakeUserPair builds the canonical pair for two users, in either order.
func MakeUserPair(a, b UserID) UserPair {
	if b < a {
		a, b = b, a
	}
	return UserPair{First: a, Second: b}
}

// Members returns both ids of the pair.
func (p UserPair) Members() []UserID {
	return []UserID{p.First, p.Second}
}

// GroupID names a group chat room. Reserved: the relay routes only DMs
// today, but the storage model carries group rooms.
type GroupID uuid.UUID

// NewGroupID mints a fresh group id.
func NewGroupID() GroupID {
	return GroupID(uuid.New())
}

func (g GroupID) String() string {
	return uuid.UUID(g).String()
}
