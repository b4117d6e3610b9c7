package ws

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/ahsanbhutta01/private-chat/internal/protocol"
	"github.com/ahsanbhutta01/private-chat/internal/realtime"
	"github.com/ahsanbhutta01/private-chat/internal/room"
)

// MaxRoomsPerSubscribe bounds a single subscribe request.
const MaxRoomsPerSubscribe = 32

// Feed turns subscribe/unsubscribe messages into bus subscriptions and pumps
// room events to the viewer. Each connection owns its subscriptions; they
// are closed when the connection goes away.
type Feed struct {
	registry *room.Registry
	bus      realtime.Broadcaster

	mu      sync.Mutex
	viewers map[string]*viewer
}

type viewer struct {
	conn   *Connection
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*realtime.Subscription
}

// NewFeed creates a feed over registry and bus.
func NewFeed(registry *room.Registry, bus realtime.Broadcaster) *Feed {
	return &Feed{
		registry: registry,
		bus:      bus,
		viewers:  make(map[string]*viewer),
	}
}

// Register installs the feed's handlers on d.
func (f *Feed) Register(d *MessageDispatcher) {
	d.Register(protocol.TypeSubscribe, f.handleSubscribe)
	d.Register(protocol.TypeUnsubscribe, f.handleUnsubscribe)
}

// Disconnect closes every subscription held by conn. It is installed as the
// server's disconnect callback.
func (f *Feed) Disconnect(conn *Connection) {
	f.mu.Lock()
	v, ok := f.viewers[conn.ID]
	delete(f.viewers, conn.ID)
	f.mu.Unlock()

	if ok {
		v.cancel()
	}
}

// Viewers returns the number of connections holding subscriptions.
func (f *Feed) Viewers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.viewers)
}

// viewerFor returns the viewer for conn, creating it on first use. It
// returns nil once conn is closed: the server closes a connection before
// calling Disconnect, so a viewer created after that would never be released.
func (f *Feed) viewerFor(conn *Connection) *viewer {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.viewers[conn.ID]
	if !ok {
		if conn.Closed() {
			return nil
		}
		ctx, cancel := context.WithCancel(context.Background())
		v = &viewer{
			conn:   conn,
			ctx:    ctx,
			cancel: cancel,
			rooms:  make(map[string]*realtime.Subscription),
		}
		f.viewers[conn.ID] = v
	}
	return v
}

func (f *Feed) handleSubscribe(conn *Connection, msg interface{}) {
	req, ok := msg.(protocol.SubscribeMsg)
	if !ok {
		return
	}
	if len(req.RoomIDs) == 0 {
		sendError(conn, protocol.CodeBadRequest, "room_ids is required", "")
		return
	}
	if len(req.RoomIDs) > MaxRoomsPerSubscribe {
		sendError(conn, protocol.CodeTooMany, "too many rooms in one subscribe", "")
		return
	}

	wanted := make(map[realtime.Kind]bool, len(req.Events))
	for _, name := range req.Events {
		kind, err := realtime.ParseKind(name)
		if err != nil {
			sendError(conn, protocol.CodeBadRequest, err.Error(), "")
			return
		}
		wanted[kind] = true
	}
	for _, id := range req.RoomIDs {
		if err := room.ValidateRoomID(id); err != nil {
			sendError(conn, protocol.CodeBadRequest, err.Error(), id)
			return
		}
	}

	live := f.liveRooms(conn, req.RoomIDs)
	if len(live) == 0 {
		return
	}

	v := f.viewerFor(conn)
	if v == nil {
		return
	}
	kinds := make([]realtime.Kind, 0, len(wanted)+1)
	if len(wanted) > 0 {
		for k := range wanted {
			kinds = append(kinds, k)
		}
		// A destroy always ends the room's feed, so it is always consumed.
		if !wanted[realtime.KindDestroy] {
			kinds = append(kinds, realtime.KindDestroy)
		}
	}

	sub, err := f.bus.Subscribe(v.ctx, live, kinds)
	if err != nil {
		log.Printf("ws: subscribe id=%s rooms=%v: %v", conn.ID, live, err)
		sendError(conn, protocol.CodeUnavailable, "realtime feed unavailable", "")
		return
	}

	// A destroy published between the first check and Subscribe would be
	// missed, so confirm each room again now that the feed is attached.
	ttls := make(map[string]int64, len(live))
	for _, id := range live {
		ttl, err := f.registry.RemainingTTL(v.ctx, id)
		if err != nil {
			sub.Leave(id)
			if errors.Is(err, room.ErrRoomNotFound) {
				sendError(conn, protocol.CodeRoomNotFound, "room not found", id)
			} else {
				sendError(conn, protocol.CodeUnavailable, "room lookup failed", id)
			}
			continue
		}
		ttls[id] = room.Seconds(ttl)
	}
	if len(ttls) == 0 {
		sub.Close()
		return
	}

	v.track(sub, ttls)
	send(conn, protocol.TypeSubscribed, protocol.SubscribedMsg{Rooms: ttls})
	go v.pump(sub, wanted)
}

// liveRooms returns the rooms in ids that currently exist, reporting the
// others to the viewer.
func (f *Feed) liveRooms(conn *Connection, ids []string) []string {
	live := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		ok, err := f.registry.Exists(context.Background(), id)
		switch {
		case err != nil:
			log.Printf("ws: room lookup %s: %v", id, err)
			sendError(conn, protocol.CodeUnavailable, "room lookup failed", id)
		case !ok:
			sendError(conn, protocol.CodeRoomNotFound, "room not found", id)
		default:
			live = append(live, id)
		}
	}
	return live
}

func (f *Feed) handleUnsubscribe(conn *Connection, msg interface{}) {
	req, ok := msg.(protocol.UnsubscribeMsg)
	if !ok {
		return
	}

	f.mu.Lock()
	v := f.viewers[conn.ID]
	f.mu.Unlock()
	if v == nil {
		return
	}

	for _, id := range req.RoomIDs {
		if sub := v.untrack(id, nil); sub != nil {
			sub.Leave(id)
			send(conn, protocol.TypeClosed, protocol.ClosedMsg{RoomID: id, Reason: protocol.ReasonUnsubscribe})
		}
	}
}

// track records sub as the feed for each room, replacing older feeds.
func (v *viewer) track(sub *realtime.Subscription, rooms map[string]int64) {
	var replaced []struct {
		sub *realtime.Subscription
		id  string
	}

	v.mu.Lock()
	for id := range rooms {
		if old, ok := v.rooms[id]; ok && old != sub {
			replaced = append(replaced, struct {
				sub *realtime.Subscription
				id  string
			}{old, id})
		}
		v.rooms[id] = sub
	}
	v.mu.Unlock()

	for _, r := range replaced {
		r.sub.Leave(r.id)
	}
}

// untrack forgets roomID. When only is non-nil the entry is removed only if
// it still belongs to that subscription. It returns the removed
// subscription.
func (v *viewer) untrack(roomID string, only *realtime.Subscription) *realtime.Subscription {
	v.mu.Lock()
	defer v.mu.Unlock()

	sub, ok := v.rooms[roomID]
	if !ok || (only != nil && sub != only) {
		return nil
	}
	delete(v.rooms, roomID)
	return sub
}

// pump forwards sub's events until it closes. A destroy is relayed as an
// event when requested and always followed by a closed message.
func (v *viewer) pump(sub *realtime.Subscription, wanted map[realtime.Kind]bool) {
	for ev := range sub.Events() {
		if len(wanted) == 0 || wanted[ev.Kind] {
			send(v.conn, protocol.TypeEvent, protocol.EventMsg{
				Event:  string(ev.Kind),
				RoomID: ev.RoomID,
				Data:   ev.Data,
			})
		}
		if ev.Kind == realtime.KindDestroy {
			v.untrack(ev.RoomID, sub)
			send(v.conn, protocol.TypeClosed, protocol.ClosedMsg{
				RoomID: ev.RoomID,
				Reason: protocol.ReasonDestroyed,
			})
		}
	}
	if n := sub.Dropped(); n > 0 {
		log.Printf("ws: viewer id=%s fell behind, %d events dropped", v.conn.ID, n)
	}
}
