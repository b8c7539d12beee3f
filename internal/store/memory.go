package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"parley/server/internal/identity"
	"parley/server/internal/protocol"
)

// Memory is the in-memory MessagesDAO. The routing core is the only
// mutator; the lock exists so the HTTP history endpoint can read
// concurrently.
type Memory struct {
	mu     sync.RWMutex
	dms    map[identity.UserPair]*memoryRoom
	groups map[identity.GroupID]*memoryRoom
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		dms:    make(map[identity.UserPair]*memoryRoom),
		groups: make(map[identity.GroupID]*memoryRoom),
	}
}

type memoryRoom struct {
	mu       *sync.RWMutex // shared with the parent store
	members  []identity.UserID
	isDM     bool
	messages map[protocol.MessageID]protocol.Message
	order    []protocol.MessageID
}

func newMemoryRoom(mu *sync.RWMutex, members []identity.UserID, isDM bool) *memoryRoom {
	return &memoryRoom{
		mu:       mu,
		members:  members,
		isDM:     isDM,
		messages: make(map[protocol.MessageID]protocol.Message),
	}
}

// AddMessage stores a finalized message under the destination's room,
// creating the room on first use.
func (m *Memory) AddMessage(_ context.Context, msg protocol.Message, dest protocol.Destination) error {
	pair := identity.MakeUserPair(msg.Sender, dest.User)

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.dms[pair]
	if !ok {
		slog.Debug("creating dm room", "first", pair.First, "second", pair.Second)
		room = newMemoryRoom(&m.mu, pair.Members(), true)
		m.dms[pair] = room
	}
	room.addLocked(msg)
	slog.Debug("message stored", "room", DMRoom(msg.Sender, dest.User), "msg_id", msg.ID, "sender", msg.Sender)
	return nil
}

// Room returns the per-room DAO, or ErrMissingRoom.
func (m *Memory) Room(_ context.Context, id RoomID) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var room *memoryRoom
	switch id.Kind {
	case RoomDM:
		room = m.dms[id.Pair]
	case RoomGroup:
		room = m.groups[id.Group]
	}
	if room == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingRoom, id)
	}
	return room, nil
}

func (r *memoryRoom) addLocked(msg protocol.Message) {
	if _, exists := r.messages[msg.ID]; !exists {
		r.order = append(r.order, msg.ID)
	}
	r.messages[msg.ID] = msg
}

func (r *memoryRoom) AddMessage(_ context.Context, msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(msg)
	return nil
}

func (r *memoryRoom) Message(_ context.Context, id protocol.MessageID) (protocol.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return protocol.Message{}, fmt.Errorf("%w: %s", ErrMissingMessage, id)
	}
	return msg, nil
}

// Messages returns the messages passing filter, oldest start time first.
// A nil filter includes everything.
func (r *memoryRoom) Messages(_ context.Context, filter func(protocol.Message) bool) ([]protocol.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Message, 0, len(r.order))
	for _, id := range r.order {
		msg := r.messages[id]
		if filter == nil || filter(msg) {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (r *memoryRoom) EditMessage(_ context.Context, id protocol.MessageID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingMessage, id)
	}
	msg.Content = content
	r.messages[id] = msg
	return nil
}

func (r *memoryRoom) Members(_ context.Context) ([]identity.UserID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]identity.UserID, len(r.members))
	copy(out, r.members)
	return out, nil
}
