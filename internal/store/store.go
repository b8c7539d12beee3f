// Package store persists finalized messages, indexed by room. A DM room is
// keyed by the canonical user pair, a group room by its group id.
package store

import (
	"context"
	"errors"
	"fmt"

	"parley/server/internal/identity"
	"parley/server/internal/protocol"
)

// ErrMissingRoom is returned when no room exists for a room id.
var ErrMissingRoom = errors.New("room not found")

// ErrMissingMessage is returned when a room holds no message with the id.
var ErrMissingMessage = errors.New("message not found")

// RoomKind discriminates DM rooms from group rooms.
type RoomKind int

const (
	RoomDM RoomKind = iota
	RoomGroup
)

// RoomID addresses one room. Exactly one of Pair (RoomDM) or Group
// (RoomGroup) is meaningful.
type RoomID struct {
	Kind  RoomKind
	Pair  identity.UserPair
	Group identity.GroupID
}

// DMRoom builds the id of the DM room between two users, in either order.
func DMRoom(a, b identity.UserID) RoomID {
	return RoomID{Kind: RoomDM, Pair: identity.MakeUserPair(a, b)}
}

// GroupRoom builds the id of a group room.
func GroupRoom(g identity.GroupID) RoomID {
	return RoomID{Kind: RoomGroup, Group: g}
}

// Key returns a stable string form, also used as the SQLite room key.
func (id RoomID) Key() string {
	switch id.Kind {
	case RoomDM:
		return fmt.Sprintf("dm:%s|%s", id.Pair.First, id.Pair.Second)
	case RoomGroup:
		return fmt.Sprintf("group:%s", id.Group)
	default:
		return fmt.Sprintf("unknown:%d", id.Kind)
	}
}

func (id RoomID) String() string {
	return id.Key()
}

// MessagesDAO is the storage surface the routing core mutates. Adding a
// message auto-creates the room if absent; for DMs the member set is
// {sender, recipient}.
type MessagesDAO interface {
	AddMessage(ctx context.Context, msg protocol.Message, dest protocol.Destination) error
	Room(ctx context.Context, id RoomID) (Room, error)
}

// Room is the per-room DAO. Adding a message whose id already exists in
// the room overwrites it (idempotent upsert).
type Room interface {
	AddMessage(ctx context.Context, msg protocol.Message) error
	Message(ctx context.Context, id protocol.MessageID) (protocol.Message, error)
	Messages(ctx context.Context, filter func(protocol.Message) bool) ([]protocol.Message, error)
	EditMessage(ctx context.Context, id protocol.MessageID, content string) error
	Members(ctx context.Context) ([]identity.UserID, error)
}
