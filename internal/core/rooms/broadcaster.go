// Package rooms owns room membership and fans messages out to room members.
//
// Both directions of the membership relation (room -> members and
// connection -> rooms) live here under one lock, so they are always
// consistent. Sends happen outside the lock through a Sender.
package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/zeusync/zeuscollab/internal/core/events/bus"
	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/observability/metrics"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

// Sender delivers one message to one connection. The connection registry
// implements it.
type Sender interface {
	Send(id protocol.ConnectionID, msg protocol.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(id protocol.ConnectionID, msg protocol.Message) error

func (f SenderFunc) Send(id protocol.ConnectionID, msg protocol.Message) error { return f(id, msg) }

type room struct {
	id        protocol.RoomID
	members   map[protocol.ConnectionID]struct{}
	createdAt time.Time
	metadata  map[string]any
}

// Info is a read-only room snapshot.
type Info struct {
	ID        protocol.RoomID
	Members   []protocol.ConnectionID
	CreatedAt time.Time
	Metadata  map[string]any
}

type Broadcaster struct {
	mu          sync.RWMutex
	rooms       map[protocol.RoomID]*room
	memberships map[protocol.ConnectionID]map[protocol.RoomID]struct{}

	senderMu sync.RWMutex
	sender   Sender

	events  *bus.Bus[EventKind, Event]
	logger  log.Log
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a broadcaster. sender may be nil and bound later with Bind.
func New(sender Sender, logger log.Log, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		rooms:       make(map[protocol.RoomID]*room),
		memberships: make(map[protocol.ConnectionID]map[protocol.RoomID]struct{}),
		sender:      sender,
		events:      bus.New[EventKind, Event](),
		logger:      log.OrNop(logger).Named("rooms"),
		metrics:     m,
		now:         time.Now,
	}
}

// Bind sets the sender used for fan-out.
func (b *Broadcaster) Bind(sender Sender) {
	b.senderMu.Lock()
	defer b.senderMu.Unlock()
	b.sender = sender
}

// Subscribe registers handler for one event kind.
func (b *Broadcaster) Subscribe(kind EventKind, handler bus.Handler[Event]) bus.Subscription {
	return b.events.Subscribe(kind, handler)
}

// SubscribeAll registers handler for every event kind.
func (b *Broadcaster) SubscribeAll(handler bus.Handler[Event]) bus.Subscription {
	return b.events.SubscribeAll(handler)
}

// JoinRoom adds conn to roomID, creating the room if needed, and tells the
// other members with user_joined. Joining a room twice is a no-op.
func (b *Broadcaster) JoinRoom(conn protocol.ConnectionID, roomID protocol.RoomID) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}
	if conn == "" {
		return ErrEmptyConnection
	}

	now := b.now()

	b.mu.Lock()
	r, exists := b.rooms[roomID]
	if !exists {
		r = &room{
			id:        roomID,
			members:   make(map[protocol.ConnectionID]struct{}),
			createdAt: now,
			metadata:  make(map[string]any),
		}
		b.rooms[roomID] = r
	}
	if _, member := r.members[conn]; member {
		b.mu.Unlock()
		return nil
	}
	r.members[conn] = struct{}{}
	joined, ok := b.memberships[conn]
	if !ok {
		joined = make(map[protocol.RoomID]struct{})
		b.memberships[conn] = joined
	}
	joined[roomID] = struct{}{}
	recipients := sortedMembers(r, conn)
	count := len(r.members)
	b.mu.Unlock()

	if !exists {
		b.metrics.RoomCreated()
		b.logger.Debug("Room created", log.String("room_id", roomID.String()))
		b.publish(Event{Kind: RoomCreated, Room: roomID, Connection: conn, Members: count, Timestamp: now})
	}

	msg := protocol.Message{Type: protocol.TypeUserJoined, RoomID: roomID, ConnectionID: conn, Timestamp: now.UnixMilli()}
	b.sendAll(recipients, msg)
	b.publish(Event{Kind: MemberJoined, Room: roomID, Connection: conn, Members: count, Timestamp: now})
	return nil
}

// LeaveRoom removes conn from roomID, tells the remaining members with
// user_left and deletes the room when it becomes empty. It reports whether
// conn was a member; leaving a room you are not in does nothing.
func (b *Broadcaster) LeaveRoom(conn protocol.ConnectionID, roomID protocol.RoomID) bool {
	now := b.now()

	b.mu.Lock()
	r, ok := b.rooms[roomID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if _, member := r.members[conn]; !member {
		b.mu.Unlock()
		return false
	}
	delete(r.members, conn)
	if joined, ok := b.memberships[conn]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(b.memberships, conn)
		}
	}
	deleted := len(r.members) == 0
	if deleted {
		delete(b.rooms, roomID)
	}
	recipients := sortedMembers(r, "")
	count := len(r.members)
	b.mu.Unlock()

	msg := protocol.Message{Type: protocol.TypeUserLeft, RoomID: roomID, ConnectionID: conn, Timestamp: now.UnixMilli()}
	b.sendAll(recipients, msg)
	b.publish(Event{Kind: MemberLeft, Room: roomID, Connection: conn, Members: count, Timestamp: now})

	if deleted {
		b.metrics.RoomDeleted()
		b.logger.Debug("Room deleted", log.String("room_id", roomID.String()))
		b.publish(Event{Kind: RoomDeleted, Room: roomID, Connection: conn, Timestamp: now})
	}
	return true
}

// LeaveAll removes conn from every room it joined, in room id order, and
// returns the rooms it left.
func (b *Broadcaster) LeaveAll(conn protocol.ConnectionID) []protocol.RoomID {
	joined := b.RoomsOf(conn)
	left := make([]protocol.RoomID, 0, len(joined))
	for _, roomID := range joined {
		if b.LeaveRoom(conn, roomID) {
			left = append(left, roomID)
		}
	}
	return left
}

// Broadcast sends msg to every member of roomID except the excluded
// connections, in connection id order. Unknown rooms are a no-op. It returns
// the number of members the message was handed to.
func (b *Broadcaster) Broadcast(roomID protocol.RoomID, msg protocol.Message, exclude ...protocol.ConnectionID) int {
	b.mu.RLock()
	r, ok := b.rooms[roomID]
	if !ok {
		b.mu.RUnlock()
		return 0
	}
	recipients := sortedMembers(r, exclude...)
	b.mu.RUnlock()

	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	b.metrics.Broadcast()
	return b.sendAll(recipients, msg)
}

func (b *Broadcaster) sendAll(recipients []protocol.ConnectionID, msg protocol.Message) int {
	if len(recipients) == 0 {
		return 0
	}
	b.senderMu.RLock()
	sender := b.sender
	b.senderMu.RUnlock()
	if sender == nil {
		b.logger.Warn("Dropping room message", log.String("type", msg.Type), log.Error(ErrSenderNotBound))
		return 0
	}

	sent := 0
	for _, id := range recipients {
		if err := sender.Send(id, msg); err != nil {
			b.logger.Debug("Room send failed",
				log.String("connection_id", id.String()),
				log.String("type", msg.Type),
				log.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (b *Broadcaster) publish(ev Event) {
	if err := b.events.Publish(ev.Kind, ev); err != nil {
		b.logger.Warn("Room event handler failed", log.Stringer("kind", ev.Kind), log.Error(err))
	}
}

// Members returns the members of roomID sorted by id.
func (b *Broadcaster) Members(roomID protocol.RoomID) []protocol.ConnectionID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return nil
	}
	return sortedMembers(r)
}

// RoomsOf returns the rooms conn has joined sorted by id.
func (b *Broadcaster) RoomsOf(conn protocol.ConnectionID) []protocol.RoomID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	joined := b.memberships[conn]
	out := make([]protocol.RoomID, 0, len(joined))
	for id := range joined {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Broadcaster) IsMember(conn protocol.ConnectionID, roomID protocol.RoomID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.memberships[conn][roomID]
	return ok
}

// RoomCount returns the number of live rooms.
func (b *Broadcaster) RoomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}

func (b *Broadcaster) HasRoom(roomID protocol.RoomID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.rooms[roomID]
	return ok
}

// Room returns a snapshot of roomID.
func (b *Broadcaster) Room(roomID protocol.RoomID) (Info, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return Info{}, false
	}
	return r.info(), true
}

// Rooms returns snapshots of all rooms sorted by id.
func (b *Broadcaster) Rooms() []Info {
	b.mu.RLock()
	out := make([]Info, 0, len(b.rooms))
	for _, r := range b.rooms {
		out = append(out, r.info())
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetMetadata stores a free-form value on a live room.
func (b *Broadcaster) SetMetadata(roomID protocol.RoomID, key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.metadata[key] = value
	return nil
}

func (b *Broadcaster) Metadata(roomID protocol.RoomID, key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return nil, false
	}
	v, ok := r.metadata[key]
	return v, ok
}

// Close detaches every event subscriber.
func (b *Broadcaster) Close() {
	b.events.Close()
}

func (r *room) info() Info {
	meta := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		meta[k] = v
	}
	return Info{ID: r.id, Members: sortedMembers(r), CreatedAt: r.createdAt, Metadata: meta}
}

func sortedMembers(r *room, exclude ...protocol.ConnectionID) []protocol.ConnectionID {
	out := make([]protocol.ConnectionID, 0, len(r.members))
	for id := range r.members {
		if excluded(id, exclude) {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func excluded(id protocol.ConnectionID, exclude []protocol.ConnectionID) bool {
	for _, e := range exclude {
		if e != "" && e == id {
			return true
		}
	}
	return false
}
