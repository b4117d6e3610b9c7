package realtime

import (
	"encoding/json"
	"fmt"
)

// Kind names an event published on a room topic.
type Kind string

const (
	KindMessage Kind = "chat.message"
	KindDestroy Kind = "chat.destroy"
	KindTyping  Kind = "chat.typing"
)

// AllKinds lists every event kind a room topic carries.
var AllKinds = []Kind{KindMessage, KindDestroy, KindTyping}

// ParseKind validates an event kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMessage, KindDestroy, KindTyping:
		return k, nil
	}
	return "", fmt.Errorf("realtime: unknown event kind %q", s)
}

// Event is the payload carried on a room topic. Data holds the JSON-encoded
// kind-specific payload so the bus stays agnostic of room types.
type Event struct {
	Kind   Kind            `json:"event"`
	RoomID string          `json:"room_id"`
	Data   json.RawMessage `json:"data"`
}

// DestroyPayload is the fixed marker carried by chat.destroy.
type DestroyPayload struct {
	IsDestroyed bool `json:"isDestroyed"`
}

// TypingPayload is carried by chat.typing.
type TypingPayload struct {
	Sender   string `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

// NewEvent encodes payload into an event for roomID.
func NewEvent(roomID string, kind Kind, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("realtime: marshal %s payload: %w", kind, err)
	}
	return Event{Kind: kind, RoomID: roomID, Data: data}, nil
}

// DestroyEvent builds the chat.destroy event for roomID.
func DestroyEvent(roomID string) Event {
	return Event{
		Kind:   KindDestroy,
		RoomID: roomID,
		Data:   json.RawMessage(`{"isDestroyed":true}`),
	}
}

// Decode unmarshals the event's payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("realtime: decode %s payload: %w", e.Kind, err)
	}
	return nil
}
