package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/zeuscollab/internal/config"
	"github.com/zeusync/zeuscollab/internal/core/document"
	"github.com/zeusync/zeuscollab/internal/core/ot"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/internal/core/protocol/payload"
	"github.com/zeusync/zeuscollab/internal/core/registry"
	"github.com/zeusync/zeuscollab/internal/core/rooms"
	"github.com/zeusync/zeuscollab/internal/core/statesync"
	"github.com/zeusync/zeuscollab/internal/core/transport/memory"
	"github.com/zeusync/zeuscollab/internal/server"
)

const (
	serverURL = "mem://collab"
	room      = protocol.RoomID("doc")
)

type backend struct {
	net   *memory.Network
	docs  *document.Manager
	peers chan *memory.Channel
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := rooms.New(nil, nil, nil)
	reg, err := registry.New(registry.DefaultConfig(), nil, b, nil, nil)
	require.NoError(t, err)
	docs, err := document.NewManager(document.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	state, err := statesync.New(statesync.DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)
	srv := server.New(config.Default().Server, reg, b, docs, state, server.NewRouter(reg, b, docs, state, nil), nil, nil)
	t.Cleanup(func() { _ = srv.Close() })

	be := &backend{net: memory.NewNetwork(), docs: docs, peers: make(chan *memory.Channel, 16)}
	be.net.Handle(serverURL, func(peer *memory.Channel) {
		_, _ = reg.Accept(peer)
		be.peers <- peer
	})
	return be
}

type recorded struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorded) of(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorded) wait(t *testing.T, typ EventType, n int) Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.of(typ)) >= n }, 2*time.Second, 2*time.Millisecond,
		"waiting for %d %s event(s)", n, typ)
	return r.of(typ)[n-1]
}

func (be *backend) client(t *testing.T, user protocol.UserID) (*Client, *recorded) {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.ServerURL = serverURL
	cfg.UserID = user
	cfg.Registry.ReconnectDelay = 5 * time.Millisecond

	c, err := NewClient(cfg, be.net, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	rec := &recorded{}
	c.OnAnyEvent(func(ev Event) error {
		rec.mu.Lock()
		rec.events = append(rec.events, ev)
		rec.mu.Unlock()
		return nil
	})
	require.NoError(t, c.Connect(context.Background()))
	rec.wait(t, EventTypeConnected, 1)
	return c, rec
}

func TestCollaborationRoundTrip(t *testing.T) {
	be := newBackend(t)
	alice, aliceEvents := be.client(t, "alice")
	bob, bobEvents := be.client(t, "bob")

	require.NoError(t, alice.JoinRoom(room))
	aliceEvents.wait(t, EventTypeDocumentState, 1)
	require.NoError(t, bob.JoinRoom(room))
	bobEvents.wait(t, EventTypeDocumentState, 1)
	aliceEvents.wait(t, EventTypeUserJoined, 1)

	require.NoError(t, alice.Insert(room, 0, "Hello"))
	aliceEvents.wait(t, EventTypeOperationAck, 1)
	applied := bobEvents.wait(t, EventTypeOperationApplied, 1)
	assert.Equal(t, protocol.UserID("alice"), applied.UserID)
	assert.Equal(t, uint64(1), alice.Version(room))
	assert.Equal(t, uint64(1), bob.Version(room))

	require.NoError(t, bob.Insert(room, 5, " world"))
	bobEvents.wait(t, EventTypeOperationAck, 1)
	doc, ok := be.docs.Get(room)
	require.True(t, ok)
	assert.Equal(t, "Hello world", doc.State().Content)

	require.NoError(t, bob.UpdateCursor(room, 3))
	var cursor payload.Cursor
	require.NoError(t, aliceEvents.wait(t, EventTypeCursorUpdated, 1).Decode(&cursor))
	assert.Equal(t, 3, cursor.Position)
	assert.Equal(t, protocol.UserID("bob"), cursor.UserID)

	require.NoError(t, alice.UpdateSelection(room, 0, 5))
	bobEvents.wait(t, EventTypeSelectionUpdated, 1)

	require.NoError(t, alice.SetState(room, "title", "Greeting"))
	var changed payload.StateChanged
	require.NoError(t, bobEvents.wait(t, EventTypeStateChanged, 1).Decode(&changed))
	assert.Equal(t, "Greeting", changed.Value)

	require.NoError(t, bob.RequestState(room, "title"))
	bobEvents.wait(t, EventTypeStateChanged, 2)

	since := uint64(1)
	require.NoError(t, bob.RequestSync(room, &since))
	var st payload.DocumentState
	require.NoError(t, bobEvents.wait(t, EventTypeDocumentState, 2).Decode(&st))
	assert.Len(t, st.Operations, 1)
}

func TestServerErrorsBecomeEvents(t *testing.T) {
	be := newBackend(t)
	alice, events := be.client(t, "alice")
	require.NoError(t, alice.JoinRoom(room))
	events.wait(t, EventTypeDocumentState, 1)

	require.NoError(t, alice.SendOperation(room, ot.NewDelete(4, 1, 0)))
	ev := events.wait(t, EventTypeError, 1)
	assert.True(t, IsServerError(ev.Error, payload.CodeInvalidOperation))

	var se *ServerError
	require.True(t, errors.As(ev.Error, &se))
	assert.Equal(t, protocol.TypeOperation, se.Request)
}

func TestRoomRequired(t *testing.T) {
	be := newBackend(t)
	alice, _ := be.client(t, "alice")

	assert.ErrorIs(t, alice.Insert("elsewhere", 0, "x"), ErrNotInRoom)
	assert.ErrorIs(t, alice.UpdateCursor("elsewhere", 0), ErrNotInRoom)
	assert.ErrorIs(t, alice.LeaveRoom("elsewhere"), ErrNotInRoom)
	assert.ErrorIs(t, alice.JoinRoom(""), protocol.ErrInvalidMessage)
}

func TestReconnectRejoinsRooms(t *testing.T) {
	be := newBackend(t)
	alice, events := be.client(t, "alice")
	alicePeer := <-be.peers

	// bob keeps the room, and with it the document, alive
	bob, bobEvents := be.client(t, "bob")
	require.NoError(t, bob.JoinRoom(room))
	bobEvents.wait(t, EventTypeDocumentState, 1)

	require.NoError(t, alice.JoinRoom(room))
	events.wait(t, EventTypeDocumentState, 1)
	require.NoError(t, alice.Insert(room, 0, "abc"))
	events.wait(t, EventTypeOperationAck, 1)

	require.NoError(t, alicePeer.Close("kicked"))

	events.wait(t, EventTypeDisconnected, 1)
	events.wait(t, EventTypeReconnected, 1)

	var st payload.DocumentState
	require.NoError(t, events.wait(t, EventTypeDocumentState, 2).Decode(&st))
	assert.Equal(t, "abc", st.Content)
	assert.Equal(t, uint64(1), alice.Version(room))
	assert.True(t, alice.IsConnected())
	assert.Equal(t, []protocol.RoomID{room}, alice.Rooms())

	bobEvents.wait(t, EventTypeUserLeft, 1)
	bobEvents.wait(t, EventTypeUserJoined, 2)
}

func TestDisconnectAndClose(t *testing.T) {
	be := newBackend(t)
	alice, _ := be.client(t, "alice")
	require.NoError(t, alice.JoinRoom(room))

	assert.ErrorIs(t, alice.Connect(context.Background()), ErrAlreadyConnected)
	require.NoError(t, alice.Disconnect())
	assert.False(t, alice.IsConnected())
	assert.Empty(t, alice.Rooms())
	assert.ErrorIs(t, alice.SetState(room, "k", 1), ErrNotConnected)
	assert.ErrorIs(t, alice.Disconnect(), ErrNotConnected)

	require.NoError(t, alice.Close())
	assert.True(t, alice.IsClosed())
	assert.ErrorIs(t, alice.Connect(context.Background()), ErrClientClosed)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewClient(Config{ServerURL: serverURL}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := DefaultClientConfig()
	cfg.UserID = "alice"
	c, err := NewClient(cfg, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}
