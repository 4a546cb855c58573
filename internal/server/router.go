package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/zeuscollab/internal/core/document"
	"github.com/zeusync/zeuscollab/internal/core/events/bus"
	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/ot"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/internal/core/protocol/payload"
	"github.com/zeusync/zeuscollab/internal/core/registry"
	"github.com/zeusync/zeuscollab/internal/core/rooms"
	"github.com/zeusync/zeuscollab/internal/core/statesync"
)

// stripeCount bounds the per-room locks that keep fan-out in commit order.
const stripeCount = 64

// MessageSource is the part of the registry the router listens to.
type MessageSource interface {
	Subscribe(kind registry.EventKind, handler bus.Handler[registry.Event]) bus.Subscription
}

// Router turns application messages into document, presence and state
// changes and fans the results out to the room.
type Router struct {
	sender rooms.Sender
	rooms  *rooms.Broadcaster
	docs   *document.Manager
	state  *statesync.Manager
	logger log.Log

	stripes [stripeCount]sync.Mutex

	mu    sync.RWMutex
	users map[protocol.ConnectionID]protocol.UserID
	subs  []bus.Subscription
}

func NewRouter(sender rooms.Sender, b *rooms.Broadcaster, docs *document.Manager, state *statesync.Manager, logger log.Log) *Router {
	return &Router{
		sender: sender,
		rooms:  b,
		docs:   docs,
		state:  state,
		logger: log.OrNop(logger).Named("router"),
		users:  make(map[protocol.ConnectionID]protocol.UserID),
	}
}

// Attach subscribes the router to inbound messages and membership changes.
func (rt *Router) Attach(src MessageSource) {
	subs := []bus.Subscription{
		src.Subscribe(registry.MessageReceived, func(ev registry.Event) error {
			rt.Handle(ev.Message)
			return nil
		}),
		src.Subscribe(registry.ConnectionLost, func(ev registry.Event) error {
			rt.forget(ev.Connection)
			return nil
		}),
		rt.rooms.Subscribe(rooms.MemberJoined, func(ev rooms.Event) error {
			rt.memberJoined(ev.Room, ev.Connection)
			return nil
		}),
		rt.rooms.Subscribe(rooms.MemberLeft, func(ev rooms.Event) error {
			rt.memberLeft(ev.Room, ev.Connection)
			return nil
		}),
	}

	rt.mu.Lock()
	rt.subs = append(rt.subs, subs...)
	rt.mu.Unlock()
}

// Detach cancels every subscription made by Attach.
func (rt *Router) Detach() {
	rt.mu.Lock()
	subs := rt.subs
	rt.subs = nil
	rt.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// Handle processes one application message. msg.ConnectionID names the
// sender.
func (rt *Router) Handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeOperation:
		rt.handleOperation(msg)
	case protocol.TypeCursor:
		rt.handleCursor(msg)
	case protocol.TypeSelection:
		rt.handleSelection(msg)
	case protocol.TypeStateSet:
		rt.handleStateSet(msg)
	case protocol.TypeStateGet:
		rt.handleStateGet(msg)
	case protocol.TypeSyncRequest:
		rt.handleSyncRequest(msg)
	default:
		rt.logger.Debug("Ignoring message", log.String("type", msg.Type), log.String("connection_id", msg.ConnectionID.String()))
	}
}

func (rt *Router) handleOperation(msg protocol.Message) {
	doc, ok := rt.memberDocument(msg)
	if !ok {
		return
	}
	var op ot.Operation
	if err := msg.DecodePayload(&op); err != nil {
		rt.fail(msg, payload.CodeInvalidMessage, err)
		return
	}
	user := rt.userOf(msg)

	lock := rt.stripe(msg.RoomID)
	lock.Lock()
	defer lock.Unlock()

	committed, err := doc.ApplyOperation(op, user)
	if err != nil {
		code := payload.CodeInvalidOperation
		if errors.Is(err, document.ErrVersionEvicted) {
			code = payload.CodeResyncRequired
		}
		rt.fail(msg, code, err)
		return
	}

	// Fan out here under the stripe rather than from the document's own
	// event: that fires under the document lock, and a failing send re-enters
	// the document through memberLeft.
	version := committed.Version + 1
	rt.broadcast(msg.RoomID, protocol.TypeOperationApplied, user,
		payload.OperationApplied{Operation: committed, Version: version}, msg.ConnectionID)
	rt.reply(msg, protocol.TypeOperationAck,
		payload.OperationAck{OperationID: committed.ID, Operation: committed, Version: version})
}

func (rt *Router) handleCursor(msg protocol.Message) {
	doc, ok := rt.memberDocument(msg)
	if !ok {
		return
	}
	var p payload.Cursor
	if err := msg.DecodePayload(&p); err != nil {
		rt.fail(msg, payload.CodeInvalidMessage, err)
		return
	}
	user := rt.userOf(msg)

	lock := rt.stripe(msg.RoomID)
	lock.Lock()
	defer lock.Unlock()

	if err := doc.UpdateCursor(user, p.Position); err != nil {
		rt.fail(msg, payload.CodeNotFound, err)
		return
	}
	cursor := doc.State().Cursors[user]
	rt.broadcast(msg.RoomID, protocol.TypeCursorUpdated, user,
		payload.Cursor{Position: cursor.Position, UserID: user}, msg.ConnectionID)
}

func (rt *Router) handleSelection(msg protocol.Message) {
	doc, ok := rt.memberDocument(msg)
	if !ok {
		return
	}
	var p payload.Selection
	if err := msg.DecodePayload(&p); err != nil {
		rt.fail(msg, payload.CodeInvalidMessage, err)
		return
	}
	user := rt.userOf(msg)

	lock := rt.stripe(msg.RoomID)
	lock.Lock()
	defer lock.Unlock()

	if err := doc.UpdateSelection(user, document.Range{Start: p.Start, End: p.End}); err != nil {
		rt.fail(msg, payload.CodeNotFound, err)
		return
	}
	sel := doc.State().Selections[user].Range
	rt.broadcast(msg.RoomID, protocol.TypeSelectionUpdated, user,
		payload.Selection{Start: sel.Start, End: sel.End, UserID: user}, msg.ConnectionID)
}

// handleStateSet stores the value and notifies the whole room, sender
// included, so every member learns the new version. Without a room only the
// sender is answered.
func (rt *Router) handleStateSet(msg protocol.Message) {
	var p payload.StateSet
	if err := msg.DecodePayload(&p); err != nil || p.Key == "" {
		rt.fail(msg, payload.CodeInvalidMessage, fmt.Errorf("%w: state_set needs a key", ErrInvalidMessage))
		return
	}
	if msg.RoomID != "" && !rt.rooms.IsMember(msg.ConnectionID, msg.RoomID) {
		rt.fail(msg, payload.CodeNotMember, ErrNotMember)
		return
	}
	user := rt.userOf(msg)

	entry, err := rt.state.SetState(stateKey(msg.RoomID, p.Key), p.Value, user)
	if err != nil {
		rt.fail(msg, payload.CodeStateFailed, err)
		return
	}
	changed := changedPayload(p.Key, entry)
	if msg.RoomID == "" {
		rt.reply(msg, protocol.TypeStateChanged, changed)
		return
	}
	rt.broadcast(msg.RoomID, protocol.TypeStateChanged, user, changed)
}

func (rt *Router) handleStateGet(msg protocol.Message) {
	var p payload.StateGet
	if err := msg.DecodePayload(&p); err != nil || p.Key == "" {
		rt.fail(msg, payload.CodeInvalidMessage, fmt.Errorf("%w: state_get needs a key", ErrInvalidMessage))
		return
	}
	entry, ok := rt.state.Entry(stateKey(msg.RoomID, p.Key))
	if !ok {
		rt.fail(msg, payload.CodeNotFound, fmt.Errorf("no state for key %q", p.Key))
		return
	}
	rt.reply(msg, protocol.TypeStateChanged, changedPayload(p.Key, entry))
}

func (rt *Router) handleSyncRequest(msg protocol.Message) {
	doc, ok := rt.memberDocument(msg)
	if !ok {
		return
	}
	var p payload.SyncRequest
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&p); err != nil {
			rt.fail(msg, payload.CodeInvalidMessage, err)
			return
		}
	}

	lock := rt.stripe(msg.RoomID)
	lock.Lock()
	defer lock.Unlock()

	reply := payload.DocumentState{State: doc.State()}
	if p.Since != nil {
		ops, err := doc.OperationsSince(*p.Since)
		if err != nil && !errors.Is(err, document.ErrVersionEvicted) {
			rt.fail(msg, payload.CodeInvalidMessage, err)
			return
		}
		reply.Operations = ops
	}
	rt.reply(msg, protocol.TypeDocumentState, reply)
}

// memberJoined sends the joiner the current document.
func (rt *Router) memberJoined(room protocol.RoomID, conn protocol.ConnectionID) {
	doc := rt.docs.GetOrCreate(room)

	lock := rt.stripe(room)
	lock.Lock()
	defer lock.Unlock()

	msg, err := protocol.NewMessage(protocol.TypeDocumentState).WithPayload(payload.DocumentState{State: doc.State()})
	if err != nil {
		rt.logger.Error("Encoding document state failed", log.Error(err))
		return
	}
	msg.RoomID = room
	if err := rt.sender.Send(conn, msg); err != nil {
		rt.logger.Debug("Document state not delivered", log.String("connection_id", conn.String()), log.Error(err))
	}
}

// memberLeft drops the leaver's presence. It may run while a stripe is held
// by a failing broadcast, so it takes no stripe itself.
func (rt *Router) memberLeft(room protocol.RoomID, conn protocol.ConnectionID) {
	rt.mu.RLock()
	user, ok := rt.users[conn]
	rt.mu.RUnlock()
	if !ok {
		user = protocol.UserID(conn)
	}

	doc, ok := rt.docs.Get(room)
	if !ok || !doc.RemovePresence(user) {
		return
	}
	rt.broadcast(room, protocol.TypeCursorUpdated, user, payload.Cursor{UserID: user, Removed: true}, conn)
}

func (rt *Router) forget(conn protocol.ConnectionID) {
	rt.mu.Lock()
	delete(rt.users, conn)
	rt.mu.Unlock()
}

// memberDocument resolves the room document for msg, answering the sender
// with an error when msg has no room or the sender is not a member.
func (rt *Router) memberDocument(msg protocol.Message) (*document.Document, bool) {
	if msg.RoomID == "" {
		rt.fail(msg, payload.CodeInvalidMessage, ErrMissingRoom)
		return nil, false
	}
	if !rt.rooms.IsMember(msg.ConnectionID, msg.RoomID) {
		rt.fail(msg, payload.CodeNotMember, ErrNotMember)
		return nil, false
	}
	return rt.docs.GetOrCreate(msg.RoomID), true
}

// userOf returns the author of msg. The last user id a connection announced
// sticks; connections that never announce one act as their own user.
func (rt *Router) userOf(msg protocol.Message) protocol.UserID {
	if msg.UserID != "" {
		rt.mu.Lock()
		rt.users[msg.ConnectionID] = msg.UserID
		rt.mu.Unlock()
		return msg.UserID
	}
	rt.mu.RLock()
	user, ok := rt.users[msg.ConnectionID]
	rt.mu.RUnlock()
	if ok {
		return user
	}
	return protocol.UserID(msg.ConnectionID)
}

func (rt *Router) stripe(room protocol.RoomID) *sync.Mutex {
	return &rt.stripes[xxhash.Sum64String(string(room))%stripeCount]
}

func (rt *Router) broadcast(room protocol.RoomID, typ string, user protocol.UserID, body any, exclude ...protocol.ConnectionID) {
	msg, err := protocol.NewMessage(typ).WithPayload(body)
	if err != nil {
		rt.logger.Error("Encoding broadcast failed", log.String("type", typ), log.Error(err))
		return
	}
	msg.RoomID = room
	msg.UserID = user
	rt.rooms.Broadcast(room, msg, exclude...)
}

func (rt *Router) reply(to protocol.Message, typ string, body any) {
	msg, err := protocol.NewMessage(typ).WithPayload(body)
	if err != nil {
		rt.logger.Error("Encoding reply failed", log.String("type", typ), log.Error(err))
		return
	}
	msg.RoomID = to.RoomID
	if err := rt.sender.Send(to.ConnectionID, msg); err != nil {
		rt.logger.Debug("Reply not delivered",
			log.String("connection_id", to.ConnectionID.String()),
			log.String("type", typ),
			log.Error(err))
	}
}

func (rt *Router) fail(to protocol.Message, code string, err error) {
	rt.logger.Debug("Request failed",
		log.String("connection_id", to.ConnectionID.String()),
		log.String("type", to.Type),
		log.String("code", code),
		log.Error(err))
	rt.reply(to, protocol.TypeError, payload.Error{Code: code, Message: err.Error(), Request: to.Type})
}

func stateKey(room protocol.RoomID, key string) string {
	if room == "" {
		return key
	}
	return string(room) + "/" + key
}

func changedPayload(key string, e statesync.Entry) payload.StateChanged {
	return payload.StateChanged{
		Key:       key,
		Value:     e.Value,
		UserID:    e.UserID,
		Version:   e.Version,
		Timestamp: e.Timestamp,
	}
}
