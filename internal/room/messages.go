package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ahsanbhutta01/private-chat/internal/metrics"
	"github.com/ahsanbhutta01/private-chat/internal/realtime"
	"github.com/ahsanbhutta01/private-chat/internal/store"
)

// Message is one entry of a room's log.
type Message struct {
	ID        string `json:"id"` // UUIDv7, time ordered
	RoomID    string `json:"roomId"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// Log is the append-only message history of each room. Messages live only
// as long as their room: the list key carries the room's expiry and is
// deleted with it.
type Log struct {
	store store.Store
	bus   realtime.Broadcaster
	now   func() time.Time
}

// NewLog creates a message log over st and bus.
func NewLog(st store.Store, bus realtime.Broadcaster, opts ...Option) *Log {
	o := buildOptions(opts)
	return &Log{store: st, bus: bus, now: o.now}
}

// Append stores a message in room roomID and publishes it as chat.message.
// The append is checked against the room key atomically, so nothing is
// stored once the room is gone. Input is assumed validated.
func (l *Log) Append(ctx context.Context, roomID, sender, text string) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("room: message id: %w", err)
	}
	msg := Message{
		ID:        id.String(),
		RoomID:    roomID,
		Sender:    sender,
		Text:      text,
		Timestamp: l.now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("room: marshal message: %w", err)
	}

	if _, err := l.store.AppendIfExists(ctx, roomKey(roomID), messagesKey(roomID), data); err != nil {
		return nil, storeErr("append", roomID, err)
	}
	metrics.MessagesAppended.Inc()

	ev, err := realtime.NewEvent(roomID, realtime.KindMessage, msg)
	if err != nil {
		log.Printf("[room] %v", err)
		return &msg, nil
	}
	_ = publish(ctx, l.bus, ev)
	return &msg, nil
}

// List returns every message of room roomID ordered by (timestamp, id). A
// live room without messages yields an empty slice.
func (l *Log) List(ctx context.Context, roomID string) ([]Message, error) {
	if _, err := l.store.TTL(ctx, roomKey(roomID)); err != nil {
		return nil, storeErr("list", roomID, err)
	}

	raw, err := l.store.List(ctx, messagesKey(roomID))
	if err != nil {
		return nil, storeErr("list", roomID, err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, data := range raw {
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Printf("[room] skipping undecodable message in %s: %v", roomID, err)
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}
