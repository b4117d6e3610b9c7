// Package protocol defines the WebSocket message types used between a viewer
// and the realtime feed. All messages are serialized as JSON and follow a
// consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected  = "connected"
	TypeSubscribed = "subscribed"
	TypeEvent      = "event"
	TypeClosed     = "closed"
	TypeError      = "error"
	TypePong       = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest   = "bad_request"
	CodeRoomNotFound = "room_not_found"
	CodeUnavailable  = "unavailable"
	CodeTooMany      = "too_many_rooms"
)

// Reasons carried by ClosedMsg.
const (
	ReasonDestroyed   = "destroyed"
	ReasonUnsubscribe = "unsubscribed"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest can be decoded later into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg opens a feed for the given rooms. Events filters the kinds
// delivered (chat.message, chat.typing, chat.destroy); empty means all.
// chat.destroy always ends a room's feed, even when filtered out.
type SubscribeMsg struct {
	Type    string   `json:"type"`
	RoomIDs []string `json:"room_ids"`
	Events  []string `json:"events,omitempty"`
}

// UnsubscribeMsg stops the feed for the given rooms.
type UnsubscribeMsg struct {
	Type    string   `json:"type"`
	RoomIDs []string `json:"room_ids"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after the upgrade.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// SubscribedMsg confirms a subscription and carries each room's
// authoritative remaining TTL in seconds, so viewers can reconcile their
// local countdown on (re)connect.
type SubscribedMsg struct {
	Type  string           `json:"type"`
	Rooms map[string]int64 `json:"rooms"`
}

// EventMsg relays one room event. Data is the event payload: the full
// message for chat.message, {sender,isTyping} for chat.typing and
// {isDestroyed:true} for chat.destroy.
type EventMsg struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	RoomID string          `json:"room_id"`
	Data   json.RawMessage `json:"data"`
}

// ClosedMsg tells the viewer no further events will arrive for a room.
type ClosedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"room_id,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that cannot fail to
// encode, such as the fixed structs in this package.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
