// Package protocol defines the packets exchanged with clients and the
// values the relay stores for finalized messages.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"parley/server/internal/identity"

	"github.com/google/uuid"
)

// Timestamp is unsigned Unix microseconds, assigned by the server at packet
// intake from the wall clock.
type Timestamp uint64

// Now returns the current server time.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMicro())
}

// MessageID identifies one message or draft. On the wire it is the compact
// 16-byte uuid form (a JSON array of numbers); the decoder also accepts the
// canonical hyphenated string.
type MessageID uuid.UUID

// NewMessageID mints a fresh v4 id.
func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether the id is the all-zero uuid.
func (id MessageID) IsZero() bool {
	return id == MessageID{}
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal([16]byte(id))
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("parse uuid %q: %w", s, err)
		}
		*id = MessageID(u)
		return nil
	}
	var raw [16]byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse compact uuid: %w", err)
	}
	*id = MessageID(raw)
	return nil
}

// Draft is the in-flight composition state for one (sender, destination)
// slot: an id, the latest content, and when composition started.
type Draft struct {
	ID        MessageID
	Content   string
	StartTime Timestamp
}

// IntoMessage finalizes the draft into a storable message.
func (d Draft) IntoMessage(sender identity.UserID, end Timestamp) Message {
	return Message{
		Sender:    sender,
		Content:   d.Content,
		ID:        d.ID,
		StartTime: d.StartTime,
		EndTime:   end,
	}
}

// Message is a finalized message as held in a room.
type Message struct {
	Sender    identity.UserID
	Content   string
	ID        MessageID
	StartTime Timestamp
	EndTime   Timestamp
}
