package core

import (
	"errors"
	"testing"

	"parley/server/internal/protocol"
)

func TestEgressFIFO(t *testing.T) {
	eg := newEgress()
	for _, c := range []string{"one", "two", "three"} {
		sp := spacket("A", "B", protocol.NewMessagePacket(protocol.NewMessageID(), c, 0, 0))
		if err := eg.push(sp); err != nil {
			t.Fatalf("push %q: %v", c, err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		sp, ok := eg.Next()
		if !ok {
			t.Fatal("queue ended early")
		}
		if sp.Packet.Content != want {
			t.Fatalf("expected %q, got %q", want, sp.Packet.Content)
		}
	}
}

func TestEgressFinishDrainsThenEnds(t *testing.T) {
	eg := newEgress()
	if err := eg.push(spacket("A", "B", protocol.NewMessagePacket(protocol.NewMessageID(), "last", 0, 0))); err != nil {
		t.Fatalf("push: %v", err)
	}
	eg.finish()

	if err := eg.push(spacket("A", "B", protocol.StartDraftPacket())); !errors.Is(err, ErrEgressClosed) {
		t.Fatalf("expected push after finish to fail, got %v", err)
	}

	sp, ok := eg.Next()
	if !ok || sp.Packet.Content != "last" {
		t.Fatalf("expected the queued packet to drain, got ok=%v sp=%#v", ok, sp)
	}
	if _, ok := eg.Next(); ok {
		t.Fatal("expected the queue to end after draining")
	}
}

func TestEgressCloseDropsQueued(t *testing.T) {
	eg := newEgress()
	if err := eg.push(spacket("A", "B", protocol.NewMessagePacket(protocol.NewMessageID(), "lost", 0, 0))); err != nil {
		t.Fatalf("push: %v", err)
	}
	eg.Close()

	if _, ok := eg.Next(); ok {
		t.Fatal("expected no packets after Close")
	}
	if err := eg.push(spacket("A", "B", protocol.StartDraftPacket())); !errors.Is(err, ErrEgressClosed) {
		t.Fatalf("expected ErrEgressClosed, got %v", err)
	}
	if eg.Len() != 0 {
		t.Fatalf("expected emptied queue, got %d", eg.Len())
	}
}
