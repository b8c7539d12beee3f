// Package core is the routing and draft state machine. A single dispatcher
// goroutine owns the session registry, the per-user backlog, and the table
// of live drafts; every mutation arrives over one command channel, so the
// single-writer invariant is structural.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"parley/server/internal/identity"
	"parley/server/internal/protocol"
	"parley/server/internal/store"
)

// ErrAlreadyRegistered is returned by Register when the user already holds
// a live session. Transports surface it as a forbidden response.
var ErrAlreadyRegistered = errors.New("user already registered")

// ErrRouterStopped is returned when the dispatcher is no longer running.
var ErrRouterStopped = errors.New("router stopped")

// draftKey addresses the at-most-one live draft per (sender, destination).
type draftKey struct {
	sender identity.UserID
	dest   protocol.Destination
}

// Router routes packets between sessions, backlogs packets for absent
// users, and mediates the live-draft protocol. All state below ops is
// touched only by the dispatcher goroutine.
type Router struct {
	storage store.MessagesDAO
	now     func() protocol.Timestamp
	newID   func() protocol.MessageID

	ops  chan func(ctx context.Context)
	done chan struct{}

	sessions map[identity.UserID]*Egress
	backlog  map[identity.UserID][]protocol.SPacket
	drafts   map[draftKey]protocol.Draft
}

// NewRouter returns a router over the given storage. Run must be started
// before any other method is useful.
func NewRouter(storage store.MessagesDAO) *Router {
	return &Router{
		storage:  storage,
		now:      protocol.Now,
		newID:    protocol.NewMessageID,
		ops:      make(chan func(ctx context.Context), 256),
		done:     make(chan struct{}),
		sessions: make(map[identity.UserID]*Egress),
		backlog:  make(map[identity.UserID][]protocol.SPacket),
		drafts:   make(map[draftKey]protocol.Draft),
	}
}

// Run drains the command channel until ctx is canceled. It is the only
// goroutine that touches the router's state.
func (r *Router) Run(ctx context.Context) {
	defer close(r.done)
	slog.Info("routing dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("routing dispatcher stopped")
			return
		case op := <-r.ops:
			op(ctx)
		}
	}
}

// Register creates the egress queue for uid, drains its backlog into it in
// FIFO order, and synthesizes catch-up packets for live drafts destined to
// uid. Fails with ErrAlreadyRegistered if uid already holds a session.
func (r *Router) Register(ctx context.Context, uid identity.UserID) (*Egress, error) {
	type result struct {
		egress *Egress
		err    error
	}
	resCh := make(chan result, 1)
	op := func(context.Context) {
		eg, err := r.register(uid)
		resCh <- result{eg, err}
	}

	select {
	case r.ops <- op:
	case <-r.done:
		return nil, ErrRouterStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-resCh:
		return res.egress, res.err
	case <-r.done:
		return nil, ErrRouterStopped
	}
}

// Deregister removes uid's session and emits best-effort DiscardDraft
// notices for every live draft uid was composing. Idempotent.
func (r *Router) Deregister(ctx context.Context, uid identity.UserID) {
	doneCh := make(chan struct{})
	op := func(context.Context) {
		r.deregister(uid)
		close(doneCh)
	}

	select {
	case r.ops <- op:
	case <-r.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-doneCh:
	case <-r.done:
	}
}

// Process enqueues one inbound packet for the dispatcher. Packets enqueued
// from one goroutine are dispatched in order.
func (r *Router) Process(ctx context.Context, sp protocol.SPacket) error {
	op := func(opCtx context.Context) {
		r.process(opCtx, sp)
	}
	select {
	case r.ops <- op:
		return nil
	case <-r.done:
		return ErrRouterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports the connected session count and live draft count.
func (r *Router) Stats(ctx context.Context) (sessions, drafts int) {
	type counts struct{ sessions, drafts int }
	resCh := make(chan counts, 1)
	op := func(context.Context) {
		resCh <- counts{len(r.sessions), len(r.drafts)}
	}

	select {
	case r.ops <- op:
	case <-r.done:
		return 0, 0
	case <-ctx.Done():
		return 0, 0
	}
	select {
	case c := <-resCh:
		return c.sessions, c.drafts
	case <-r.done:
		return 0, 0
	}
}

// ConnectedUsers returns the ids of users holding a live session.
func (r *Router) ConnectedUsers(ctx context.Context) []identity.UserID {
	resCh := make(chan []identity.UserID, 1)
	op := func(context.Context) {
		out := make([]identity.UserID, 0, len(r.sessions))
		for uid := range r.sessions {
			out = append(out, uid)
		}
		resCh <- out
	}

	select {
	case r.ops <- op:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case users := <-resCh:
		return users
	case <-r.done:
		return nil
	}
}

func (r *Router) register(uid identity.UserID) (*Egress, error) {
	if _, exists := r.sessions[uid]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, uid)
	}
	eg := newEgress()
	r.sessions[uid] = eg

	r.flushBacklog(uid)

	// Re-announce every draft someone is composing to this user. The
	// backlog may already have carried the same NewDraft/Edit pair; the
	// duplication matches the original client contract.
	now := r.now()
	for key, draft := range r.drafts {
		if key.dest.User != uid {
			continue
		}
		slog.Info("catching up user", "user_id", uid, "draft_id", draft.ID, "draft_sender", key.sender)
		announce := protocol.SPacket{
			Sender:      key.sender,
			Destination: key.dest,
			Time:        now,
			Packet:      protocol.NewDraftPacket(draft.ID, draft.StartTime),
		}
		if err := eg.push(announce); err != nil {
			slog.Warn("could not resend draft to newly registered user", "user_id", uid, "err", err)
			continue
		}
		edit := protocol.SPacket{
			Sender:      key.sender,
			Destination: key.dest,
			Time:        now,
			Packet:      protocol.EditPacket(draft.ID, draft.Content, true),
		}
		if err := eg.push(edit); err != nil {
			slog.Warn("could not resend draft to newly registered user", "user_id", uid, "err", err)
		}
	}

	slog.Info("user registered", "user_id", uid, "total_sessions", len(r.sessions))
	return eg, nil
}

func (r *Router) deregister(uid identity.UserID) {
	if eg, ok := r.sessions[uid]; ok {
		delete(r.sessions, uid)
		eg.finish()
		slog.Info("user deregistered", "user_id", uid, "remaining_sessions", len(r.sessions))
	}

	// Abandon everything uid was composing and tell the recipients. The
	// notice is best-effort: offline recipients are not backlogged.
	now := r.now()
	for key, draft := range r.drafts {
		if key.sender != uid {
			continue
		}
		if eg, ok := r.sessions[key.dest.User]; ok {
			notice := protocol.SPacket{
				Sender:      uid,
				Destination: key.dest,
				Time:        now,
				Packet:      protocol.DiscardDraftPacket(draft.ID),
			}
			if err := eg.push(notice); err != nil {
				slog.Warn("unable to send discard notice", "to", key.dest.User, "draft_id", draft.ID, "err", err)
			}
		}
		delete(r.drafts, key)
	}
}

// flushBacklog drains uid's backlog into its session in FIFO order. If the
// receive side drops mid-drain, the undelivered remainder stays queued in
// order and the session is torn down.
func (r *Router) flushBacklog(uid identity.UserID) {
	eg, ok := r.sessions[uid]
	if !ok {
		return
	}
	queued := r.backlog[uid]
	if len(queued) == 0 {
		return
	}
	delete(r.backlog, uid)

	for i, sp := range queued {
		if err := eg.push(sp); err != nil {
			r.backlog[uid] = queued[i:]
			slog.Warn("session dropped during backlog drain", "user_id", uid, "requeued", len(queued)-i)
			r.deregister(uid)
			return
		}
	}
	slog.Debug("backlog drained", "user_id", uid, "count", len(queued))
}

// process applies one inbound packet: drain the destination's backlog,
// dispatch on packet kind, and funnel every emission through trySend.
func (r *Router) process(ctx context.Context, sp protocol.SPacket) {
	to := sp.Destination.User
	r.flushBacklog(to)

	broken := make(map[identity.UserID]struct{})
	trySend := func(p protocol.SPacket) {
		target := p.Destination.User
		if eg, ok := r.sessions[target]; ok {
			if err := eg.push(p); err == nil {
				return
			}
			// Receiver was dropped without deregistering; recover the
			// packet and fall through to backlog.
			broken[target] = struct{}{}
		}
		r.backlog[target] = append(r.backlog[target], p)
		slog.Debug("packet backlogged", "user_id", target, "kind", p.Packet.Kind)
	}

	now := r.now()
	key := draftKey{sender: sp.Sender, dest: sp.Destination}

	switch sp.Packet.Kind {
	case protocol.KindStartDraft:
		id := r.newID()
		r.drafts[key] = protocol.Draft{ID: id, Content: "", StartTime: now}
		slog.Debug("draft started", "sender", sp.Sender, "to", to, "draft_id", id)

		trySend(protocol.SPacket{
			Sender:      sp.Sender,
			Destination: sp.Destination,
			Time:        now,
			Packet:      protocol.NewDraftPacket(id, now),
		})
		// Sender echo so the composing client learns the draft id.
		trySend(protocol.SPacket{
			Sender:      sp.Sender,
			Destination: protocol.UserDestination(sp.Sender),
			Time:        now,
			Packet:      protocol.NewDraftPacket(id, now),
		})

	case protocol.KindEndDraft:
		if draft, ok := r.drafts[key]; ok {
			delete(r.drafts, key)
			// The finalizing packet carries the authoritative text.
			draft.Content = sp.Packet.Content
			msg := draft.IntoMessage(sp.Sender, now)
			if err := r.storage.AddMessage(ctx, msg, sp.Destination); err != nil {
				slog.Warn("unable to persist finalized draft", "msg_id", sp.Packet.UUID, "err", err)
			}
		}
		// Forward regardless of storage outcome so recipients still see
		// the finalized content.
		trySend(protocol.SPacket{
			Sender:      sp.Sender,
			Destination: sp.Destination,
			Time:        now,
			Packet:      protocol.EndDraftPacket(sp.Packet.UUID, sp.Packet.Content),
		})
		trySend(protocol.SPacket{
			Sender:      sp.Sender,
			Destination: protocol.UserDestination(sp.Sender),
			Time:        now,
			Packet:      protocol.EndDraftPacket(sp.Packet.UUID, sp.Packet.Content),
		})

	case protocol.KindEdit:
		if draft, ok := r.drafts[key]; ok {
			if draft.ID == sp.Packet.UUID {
				draft.Content = sp.Packet.Content
				r.drafts[key] = draft
			}
		} else if !sp.Packet.EditingDraft {
			r.editStoredMessage(ctx, sp)
		}
		// Forward with the original intake time; no sender echo.
		trySend(sp)

	case protocol.KindDiscardDraft:
		if draft, ok := r.drafts[key]; ok {
			delete(r.drafts, key)
			slog.Debug("draft discarded", "sender", sp.Sender, "to", to, "draft_id", draft.ID)
		}
		trySend(sp)

	default:
		// NewMessage and any future kind forward verbatim.
		trySend(sp)
	}

	for uid := range broken {
		r.deregister(uid)
	}
}

// editStoredMessage replaces the content of an already-finalized message
// in place. A missing room or message is logged and dropped; the packet is
// still forwarded by the caller.
func (r *Router) editStoredMessage(ctx context.Context, sp protocol.SPacket) {
	roomID := store.DMRoom(sp.Sender, sp.Destination.User)
	room, err := r.storage.Room(ctx, roomID)
	if err != nil {
		slog.Warn("unable to edit message", "room", roomID, "msg_id", sp.Packet.UUID, "err", err)
		return
	}
	if err := room.EditMessage(ctx, sp.Packet.UUID, sp.Packet.Content); err != nil {
		slog.Warn("unable to edit message", "room", roomID, "msg_id", sp.Packet.UUID, "err", err)
	}
}
