package rooms

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

type sent struct {
	to  protocol.ConnectionID
	msg protocol.Message
}

type fakeSender struct {
	mu   sync.Mutex
	out  []sent
	fail map[protocol.ConnectionID]bool
}

func (f *fakeSender) Send(id protocol.ConnectionID, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[id] {
		return errors.New("send failed")
	}
	f.out = append(f.out, sent{to: id, msg: msg})
	return nil
}

func (f *fakeSender) ofType(t string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []sent
	for _, s := range f.out {
		if s.msg.Type == t {
			res = append(res, s)
		}
	}
	return res
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = nil
}

func newTestBroadcaster() (*Broadcaster, *fakeSender) {
	s := &fakeSender{}
	return New(s, nil, nil), s
}

func TestJoinRoomNotifiesOthers(t *testing.T) {
	b, s := newTestBroadcaster()

	require.NoError(t, b.JoinRoom("a", "doc"))
	assert.Empty(t, s.ofType(protocol.TypeUserJoined), "first member has nobody to notify")

	require.NoError(t, b.JoinRoom("b", "doc"))
	joined := s.ofType(protocol.TypeUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, protocol.ConnectionID("a"), joined[0].to)
	assert.Equal(t, protocol.ConnectionID("b"), joined[0].msg.ConnectionID)
	assert.Equal(t, protocol.RoomID("doc"), joined[0].msg.RoomID)
	assert.NotZero(t, joined[0].msg.Timestamp)

	assert.Equal(t, []protocol.ConnectionID{"a", "b"}, b.Members("doc"))
	assert.Equal(t, []protocol.RoomID{"doc"}, b.RoomsOf("b"))
}

func TestJoinRoomValidation(t *testing.T) {
	b, _ := newTestBroadcaster()
	assert.ErrorIs(t, b.JoinRoom("a", ""), ErrEmptyRoomID)
	assert.ErrorIs(t, b.JoinRoom("", "r"), ErrEmptyConnection)
	assert.Zero(t, b.RoomCount())
}

func TestJoinTwiceIsNoop(t *testing.T) {
	b, s := newTestBroadcaster()
	require.NoError(t, b.JoinRoom("a", "doc"))
	require.NoError(t, b.JoinRoom("b", "doc"))
	s.reset()

	require.NoError(t, b.JoinRoom("b", "doc"))
	assert.Empty(t, s.ofType(protocol.TypeUserJoined))
	assert.Len(t, b.Members("doc"), 2)
}

func TestLeaveRoomIsIdempotent(t *testing.T) {
	b, s := newTestBroadcaster()
	require.NoError(t, b.JoinRoom("a", "doc"))
	require.NoError(t, b.JoinRoom("b", "doc"))
	s.reset()

	assert.True(t, b.LeaveRoom("b", "doc"))
	assert.False(t, b.LeaveRoom("b", "doc"))
	assert.False(t, b.LeaveRoom("b", "other"))

	left := s.ofType(protocol.TypeUserLeft)
	require.Len(t, left, 1, "second leave must not broadcast again")
	assert.Equal(t, protocol.ConnectionID("a"), left[0].to)
	assert.Equal(t, []protocol.ConnectionID{"a"}, b.Members("doc"))
	assert.Empty(t, b.RoomsOf("b"))
}

func TestRoomAutoCleanup(t *testing.T) {
	b, s := newTestBroadcaster()
	require.NoError(t, b.JoinRoom("a", "doc"))
	require.Equal(t, 1, b.RoomCount())

	b.LeaveRoom("a", "doc")
	assert.Equal(t, 0, b.RoomCount())
	assert.False(t, b.HasRoom("doc"))

	s.reset()
	n := b.Broadcast("doc", protocol.NewMessage("note"))
	assert.Zero(t, n)
	assert.Empty(t, s.out)
}

func TestBroadcastExcludesSenderInOrder(t *testing.T) {
	b, s := newTestBroadcaster()
	for _, id := range []protocol.ConnectionID{"c", "a", "b"} {
		require.NoError(t, b.JoinRoom(id, "doc"))
	}
	s.reset()

	n := b.Broadcast("doc", protocol.NewMessage("note"), "b")
	assert.Equal(t, 2, n)
	notes := s.ofType("note")
	require.Len(t, notes, 2)
	assert.Equal(t, protocol.ConnectionID("a"), notes[0].to)
	assert.Equal(t, protocol.ConnectionID("c"), notes[1].to)
	assert.Equal(t, protocol.RoomID("doc"), notes[0].msg.RoomID)
}

func TestBroadcastSkipsFailedSends(t *testing.T) {
	b, s := newTestBroadcaster()
	require.NoError(t, b.JoinRoom("a", "doc"))
	require.NoError(t, b.JoinRoom("b", "doc"))
	s.fail = map[protocol.ConnectionID]bool{"a": true}

	assert.Equal(t, 1, b.Broadcast("doc", protocol.NewMessage("note")))
}

func TestLeaveAll(t *testing.T) {
	b, s := newTestBroadcaster()
	require.NoError(t, b.JoinRoom("a", "r2"))
	require.NoError(t, b.JoinRoom("a", "r1"))
	require.NoError(t, b.JoinRoom("b", "r1"))
	s.reset()

	left := b.LeaveAll("a")
	assert.Equal(t, []protocol.RoomID{"r1", "r2"}, left)
	assert.Len(t, s.ofType(protocol.TypeUserLeft), 1, "only r1 still had a member to notify")
	assert.Equal(t, 1, b.RoomCount())
	assert.Empty(t, b.LeaveAll("a"))
}

func TestMembershipStaysConsistentUnderConcurrency(t *testing.T) {
	b, _ := newTestBroadcaster()
	conns := []protocol.ConnectionID{"a", "b", "c", "d"}
	roomIDs := []protocol.RoomID{"r1", "r2", "r3"}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c protocol.ConnectionID) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r := roomIDs[i%len(roomIDs)]
				if i%2 == 0 {
					_ = b.JoinRoom(c, r)
				} else {
					b.LeaveRoom(c, r)
				}
			}
		}(c)
	}
	wg.Wait()

	for _, c := range conns {
		for _, r := range b.RoomsOf(c) {
			assert.Contains(t, b.Members(r), c)
		}
	}
	for _, info := range b.Rooms() {
		assert.NotEmpty(t, info.Members)
		for _, c := range info.Members {
			assert.True(t, b.IsMember(c, info.ID))
		}
	}
}

func TestEventsAndMetadata(t *testing.T) {
	b, _ := newTestBroadcaster()

	var mu sync.Mutex
	var kinds []EventKind
	b.SubscribeAll(func(ev Event) error {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
		return nil
	})

	require.NoError(t, b.JoinRoom("a", "doc"))
	require.NoError(t, b.SetMetadata("doc", "title", "Notes"))
	v, ok := b.Metadata("doc", "title")
	require.True(t, ok)
	assert.Equal(t, "Notes", v)

	info, ok := b.Room("doc")
	require.True(t, ok)
	assert.Equal(t, "Notes", info.Metadata["title"])
	assert.False(t, info.CreatedAt.IsZero())

	b.LeaveRoom("a", "doc")
	assert.ErrorIs(t, b.SetMetadata("doc", "title", "x"), ErrRoomNotFound)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{RoomCreated, MemberJoined, MemberLeft, RoomDeleted}, kinds)
}

func TestUnboundSenderDrops(t *testing.T) {
	b := New(nil, nil, nil)
	require.NoError(t, b.JoinRoom("a", "doc"))
	require.NoError(t, b.JoinRoom("b", "doc"))
	assert.Zero(t, b.Broadcast("doc", protocol.NewMessage("note")))

	s := &fakeSender{}
	b.Bind(s)
	assert.Equal(t, 2, b.Broadcast("doc", protocol.NewMessage("note")))
}
