package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestPacketRoundTrip(t *testing.T) {
	id := MessageID(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	packets := []Packet{
		NewMessagePacket(id, "hi", 10, 20),
		StartDraftPacket(),
		NewDraftPacket(id, 10),
		EndDraftPacket(id, "hello"),
		DiscardDraftPacket(id),
		EditPacket(id, "edited", true),
		EditPacket(id, "edited", false),
	}

	for _, p := range packets {
		data, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("%s: marshal: %v", p.Kind, err)
		}
		var got Packet
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("%s: unmarshal %s: %v", p.Kind, data, err)
		}
		if got != p {
			t.Fatalf("%s: round trip changed packet: %#v != %#v", p.Kind, got, p)
		}
	}
}

func TestPacketWireShape(t *testing.T) {
	data, err := json.Marshal(StartDraftPacket())
	if err != nil {
		t.Fatalf("marshal StartDraft: %v", err)
	}
	if string(data) != `{"StartDraft":null}` {
		t.Fatalf("unexpected StartDraft encoding: %s", data)
	}

	id := MessageID(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	data, err = json.Marshal(EndDraftPacket(id, "hello"))
	if err != nil {
		t.Fatalf("marshal EndDraft: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"EndDraft":{`) {
		t.Fatalf("expected externally tagged EndDraft, got %s", data)
	}
	// The id travels as a compact byte array, not a string.
	if strings.Contains(string(data), "6ba7b810") {
		t.Fatalf("expected compact uuid encoding, got %s", data)
	}
}

func TestPacketDecodeCanonicalUUID(t *testing.T) {
	var p Packet
	frame := `{"EndDraft":{"uuid":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","content":"hello"}}`
	if err := json.Unmarshal([]byte(frame), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Kind != KindEndDraft || p.Content != "hello" {
		t.Fatalf("unexpected packet: %#v", p)
	}
	if p.UUID.String() != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
		t.Fatalf("unexpected uuid: %s", p.UUID)
	}
}

func TestPacketDecodeUnknownVariant(t *testing.T) {
	var p Packet
	err := json.Unmarshal([]byte(`{"Nonsense":{}}`), &p)
	if !errors.Is(err, ErrUnknownPacket) {
		t.Fatalf("expected ErrUnknownPacket, got %v", err)
	}
}

func TestWebPacketRoundTrip(t *testing.T) {
	id := NewMessageID()
	sp := SPacket{
		Sender:      "alice",
		Destination: UserDestination("bob"),
		Time:        12345,
		Packet:      NewMessagePacket(id, "hi", 10, 20),
	}

	data, err := json.Marshal(MakeWebPacket(sp))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wp WebPacket
	if err := json.Unmarshal(data, &wp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wp.Sender != "alice" || wp.Destination.User != "bob" {
		t.Fatalf("unexpected envelope: %#v", wp)
	}
	if wp.Timestamp == nil || *wp.Timestamp != 12345 {
		t.Fatalf("unexpected timestamp: %v", wp.Timestamp)
	}
	if wp.Content != sp.Packet {
		t.Fatalf("payload changed: %#v != %#v", wp.Content, sp.Packet)
	}
}

func TestMakeServerPacketIgnoresClientStamps(t *testing.T) {
	bogus := Timestamp(999)
	wp := WebPacket{
		Content:     StartDraftPacket(),
		Destination: UserDestination("bob"),
		Sender:      "mallory",
		Timestamp:   &bogus,
	}

	sp := MakeServerPacket(wp, "alice", 42)
	if sp.Sender != "alice" {
		t.Fatalf("expected authenticated sender, got %q", sp.Sender)
	}
	if sp.Time != 42 {
		t.Fatalf("expected server timestamp, got %d", sp.Time)
	}
	if sp.Destination.User != "bob" {
		t.Fatalf("unexpected destination: %#v", sp.Destination)
	}
}

func TestDraftIntoMessage(t *testing.T) {
	d := Draft{ID: NewMessageID(), Content: "hello", StartTime: 10}
	m := d.IntoMessage("alice", 30)
	if m.Sender != "alice" || m.Content != "hello" || m.ID != d.ID {
		t.Fatalf("unexpected message: %#v", m)
	}
	if m.StartTime != 10 || m.EndTime != 30 {
		t.Fatalf("unexpected timestamps: %#v", m)
	}
}
