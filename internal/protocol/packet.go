package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"parley/server/internal/identity"
)

// PacketKind tags the packet union. The values are the wire variant names.
type PacketKind string

const (
	KindNewMessage   PacketKind = "NewMessage"
	KindStartDraft   PacketKind = "StartDraft"
	KindNewDraft     PacketKind = "NewDraft"
	KindEndDraft     PacketKind = "EndDraft"
	KindDiscardDraft PacketKind = "DiscardDraft"
	KindEdit         PacketKind = "Edit"
)

// ErrUnknownPacket is returned when a frame carries no recognized variant.
var ErrUnknownPacket = errors.New("unknown packet variant")

// Packet is the tagged union carried in both directions. Kind selects the
// variant; the other fields are meaningful only for the kinds that carry
// them. On the wire it is externally tagged: {"EndDraft":{...}},
// {"StartDraft":null}.
type Packet struct {
	Kind         PacketKind
	UUID         MessageID // all kinds except StartDraft
	Content      string    // NewMessage, EndDraft, Edit
	StartTime    Timestamp // NewMessage, NewDraft
	EndTime      Timestamp // NewMessage
	EditingDraft bool      // Edit
}

// NewMessagePacket is a completed message with no draft phase.
func NewMessagePacket(id MessageID, content string, start, end Timestamp) Packet {
	return Packet{Kind: KindNewMessage, UUID: id, Content: content, StartTime: start, EndTime: end}
}

// StartDraftPacket asks the server to open a draft slot.
func StartDraftPacket() Packet {
	return Packet{Kind: KindStartDraft}
}

// NewDraftPacket is the server's reply identifying a freshly opened draft.
func NewDraftPacket(id MessageID, start Timestamp) Packet {
	return Packet{Kind: KindNewDraft, UUID: id, StartTime: start}
}

// EndDraftPacket finalizes a draft into a stored message.
func EndDraftPacket(id MessageID, content string) Packet {
	return Packet{Kind: KindEndDraft, UUID: id, Content: content}
}

// DiscardDraftPacket abandons a draft without persisting it.
func DiscardDraftPacket(id MessageID) Packet {
	return Packet{Kind: KindDiscardDraft, UUID: id}
}

// EditPacket replaces content: of the live draft while editingDraft is
// true, of the stored message otherwise.
func EditPacket(id MessageID, content string, editingDraft bool) Packet {
	return Packet{Kind: KindEdit, UUID: id, Content: content, EditingDraft: editingDraft}
}

type newMessageBody struct {
	UUID      MessageID `json:"uuid"`
	Content   string    `json:"content"`
	StartTime Timestamp `json:"start_time"`
	EndTime   Timestamp `json:"end_time"`
}

type newDraftBody struct {
	UUID      MessageID `json:"uuid"`
	StartTime Timestamp `json:"start_time"`
}

type endDraftBody struct {
	UUID    MessageID `json:"uuid"`
	Content string    `json:"content"`
}

type discardDraftBody struct {
	UUID MessageID `json:"uuid"`
}

type editBody struct {
	UUID         MessageID `json:"uuid"`
	Content      string    `json:"content"`
	EditingDraft bool      `json:"editing_draft"`
}

func (p Packet) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindNewMessage:
		return json.Marshal(map[string]newMessageBody{
			string(KindNewMessage): {UUID: p.UUID, Content: p.Content, StartTime: p.StartTime, EndTime: p.EndTime},
		})
	case KindStartDraft:
		return []byte(`{"StartDraft":null}`), nil
	case KindNewDraft:
		return json.Marshal(map[string]newDraftBody{
			string(KindNewDraft): {UUID: p.UUID, StartTime: p.StartTime},
		})
	case KindEndDraft:
		return json.Marshal(map[string]endDraftBody{
			string(KindEndDraft): {UUID: p.UUID, Content: p.Content},
		})
	case KindDiscardDraft:
		return json.Marshal(map[string]discardDraftBody{
			string(KindDiscardDraft): {UUID: p.UUID},
		})
	case KindEdit:
		return json.Marshal(map[string]editBody{
			string(KindEdit): {UUID: p.UUID, Content: p.Content, EditingDraft: p.EditingDraft},
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, p.Kind)
	}
}

func (p *Packet) UnmarshalJSON(data []byte) error {
	var variants map[string]json.RawMessage
	if err := json.Unmarshal(data, &variants); err != nil {
		return fmt.Errorf("decode packet: %w", err)
	}

	if raw, ok := variants[string(KindNewMessage)]; ok {
		var b newMessageBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("decode NewMessage: %w", err)
		}
		*p = NewMessagePacket(b.UUID, b.Content, b.StartTime, b.EndTime)
		return nil
	}
	if _, ok := variants[string(KindStartDraft)]; ok {
		*p = StartDraftPacket()
		return nil
	}
	if raw, ok := variants[string(KindNewDraft)]; ok {
		var b newDraftBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("decode NewDraft: %w", err)
		}
		*p = NewDraftPacket(b.UUID, b.StartTime)
		return nil
	}
	if raw, ok := variants[string(KindEndDraft)]; ok {
		var b endDraftBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("decode EndDraft: %w", err)
		}
		*p = EndDraftPacket(b.UUID, b.Content)
		return nil
	}
	if raw, ok := variants[string(KindDiscardDraft)]; ok {
		var b discardDraftBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("decode DiscardDraft: %w", err)
		}
		*p = DiscardDraftPacket(b.UUID)
		return nil
	}
	if raw, ok := variants[string(KindEdit)]; ok {
		var b editBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("decode Edit: %w", err)
		}
		*p = EditPacket(b.UUID, b.Content, b.EditingDraft)
		return nil
	}
	return ErrUnknownPacket
}

// Destination is where a packet is routed. Only user destinations exist
// today; group destinations are reserved in the data model.
type Destination struct {
	User identity.UserID `json:"User"`
}

// UserDestination routes to one user.
func UserDestination(uid identity.UserID) Destination {
	return Destination{User: uid}
}

// SPacket is the internal routed unit: a packet normalized with the
// transport-authenticated sender and the server intake timestamp.
type SPacket struct {
	Sender      identity.UserID
	Destination Destination
	Time        Timestamp
	Packet      Packet
}

// WebPacket is the JSON wire envelope. Sender and Timestamp are set only
// server→client.
type WebPacket struct {
	Content     Packet          `json:"content"`
	Destination Destination     `json:"destination"`
	Sender      identity.UserID `json:"sender,omitempty"`
	Timestamp   *Timestamp      `json:"timestamp,omitempty"`
}

// MakeServerPacket normalizes an inbound wire packet. The client-supplied
// sender and timestamp are ignored; the authenticated sender and the
// server clock are authoritative.
func MakeServerPacket(wp WebPacket, sender identity.UserID, now Timestamp) SPacket {
	return SPacket{
		Sender:      sender,
		Destination: wp.Destination,
		Time:        now,
		Packet:      wp.Content,
	}
}

// MakeWebPacket projects an outbound packet onto the wire envelope.
func MakeWebPacket(sp SPacket) WebPacket {
	ts := sp.Time
	return WebPacket{
		Content:     sp.Packet,
		Destination: sp.Destination,
		Sender:      sp.Sender,
		Timestamp:   &ts,
	}
}
