package document

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/zeuscollab/internal/core/ot"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/internal/core/rooms"
)

func newDoc(t *testing.T) *Document {
	t.Helper()
	return New("doc", DefaultConfig(), nil, nil)
}

func TestBasicEdit(t *testing.T) {
	d := newDoc(t)

	_, err := d.ApplyOperation(ot.NewInsert(0, "Hello", 0), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Hello", d.State().Content)
	assert.Equal(t, uint64(1), d.Version())

	_, err = d.ApplyOperation(ot.NewInsert(5, " World", 1), "bob")
	require.NoError(t, err)
	st := d.State()
	assert.Equal(t, "Hello World", st.Content)
	assert.Equal(t, uint64(2), st.Version)
	assert.Equal(t, 2, st.OperationsCount)
}

func TestConcurrentInsertTransform(t *testing.T) {
	d := newDoc(t)
	_, err := d.ApplyOperation(ot.NewInsert(0, "Hello", 0), "alice")
	require.NoError(t, err)

	_, err = d.ApplyOperation(ot.NewInsert(5, "!", 1), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Hello!", d.State().Content)

	committed, err := d.ApplyOperation(ot.NewInsert(5, " World", 1), "bob")
	require.NoError(t, err)
	assert.Equal(t, 6, committed.Position)
	assert.Equal(t, uint64(2), committed.Version)
	assert.Equal(t, protocol.UserID("bob"), committed.UserID)
	assert.NotEmpty(t, committed.ID)
	assert.NotZero(t, committed.AppliedAt)

	st := d.State()
	assert.Equal(t, "Hello! World", st.Content)
	assert.Equal(t, uint64(3), st.Version)
}

// b is computed against the document as it was before a committed, so it is
// rebased over a and then applied.
func TestConcurrentOperationsAreRebased(t *testing.T) {
	tests := []struct {
		name  string
		start string
		a, b  ot.Operation
		want  string
	}{
		{"insert then insert", "Hello World", ot.NewInsert(0, ">> ", 1), ot.NewInsert(6, "big ", 1), ">> Hello big World"},
		{"insert then delete", "Hello World", ot.NewInsert(0, ">> ", 1), ot.NewDelete(6, 5, 1), ">> Hello "},
		{"insert then replace", "Hello World", ot.NewInsert(0, ">> ", 1), ot.NewReplace(0, 5, "Howdy", 1), ">> Howdy World"},
		{"delete then insert", "Hello World", ot.NewDelete(6, 5, 1), ot.NewInsert(5, ",", 1), "Hello, "},
		{"delete then overrunning delete", "Hello World", ot.NewDelete(0, 6, 1), ot.NewDelete(3, 5, 1), ""},
		{"delete then overrunning replace", "abcdef", ot.NewDelete(0, 3, 1), ot.NewReplace(2, 4, "X", 1), "X"},
		{"replace then insert", "Hello World", ot.NewReplace(0, 5, "Hi", 1), ot.NewInsert(5, " there", 1), "Hi there World"},
		{"replace then delete", "Hello World", ot.NewReplace(0, 5, "Hi", 1), ot.NewDelete(6, 5, 1), "Hi "},
		{"replace then replace", "Hello World", ot.NewReplace(0, 5, "Hi", 1), ot.NewReplace(6, 5, "Go", 1), "Hi Go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDoc(t)
			_, err := d.ApplyOperation(ot.NewInsert(0, tt.start, 0), "alice")
			require.NoError(t, err)

			_, err = d.ApplyOperation(tt.a, "alice")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), d.Version())

			committed, err := d.ApplyOperation(tt.b, "bob")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), committed.Version)

			st := d.State()
			assert.Equal(t, tt.want, st.Content)
			assert.Equal(t, uint64(3), st.Version)
			assert.Equal(t, 3, st.OperationsCount)
		})
	}
}

func TestInvalidOperationRejected(t *testing.T) {
	d := newDoc(t)
	_, err := d.ApplyOperation(ot.NewInsert(0, "Hello", 0), "alice")
	require.NoError(t, err)

	var events int
	d.Subscribe(OperationApplied, func(Event) error { events++; return nil })

	_, err = d.ApplyOperation(ot.NewDelete(10, 1, 1), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ot.ErrInvalidOperation)

	_, err = d.ApplyOperation(ot.NewInsert(0, "x", 7), "alice")
	assert.ErrorIs(t, err, ot.ErrInvalidOperation, "base version ahead of the document")

	_, err = d.ApplyOperation(ot.Operation{Kind: "bold", Position: 0}, "alice")
	assert.ErrorIs(t, err, ot.ErrInvalidOperation)

	st := d.State()
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, "Hello", st.Content)
	assert.Zero(t, events)
}

func TestStateSyncLastWriterWins(t *testing.T) {
	d := newDoc(t)
	_, err := d.ApplyOperation(ot.NewInsert(0, "ab", 0), "alice")
	require.NoError(t, err)
	_, err = d.ApplyOperation(ot.NewInsert(2, "c", 1), "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(2), d.Version())

	var synced []Event
	d.Subscribe(StateSynced, func(ev Event) error { synced = append(synced, ev); return nil })

	took, err := d.SyncState(State{
		Content: "X",
		Version: 5,
		Cursors: map[protocol.UserID]Cursor{"carol": {Position: 1}},
	})
	require.NoError(t, err)
	assert.True(t, took)

	st := d.State()
	assert.Equal(t, "X", st.Content)
	assert.Equal(t, uint64(5), st.Version)
	assert.Equal(t, 1, st.Cursors["carol"].Position)
	assert.Zero(t, st.OperationsCount)
	require.Len(t, synced, 1)
	assert.Equal(t, uint64(5), synced[0].Version)

	took, err = d.SyncState(State{Content: "stale", Version: 1})
	require.NoError(t, err)
	assert.False(t, took)
	assert.Equal(t, "X", d.State().Content)
	assert.Equal(t, uint64(5), d.Version())

	_, err = d.ApplyOperation(ot.NewInsert(0, "y", 2), "alice")
	assert.ErrorIs(t, err, ot.ErrInvalidOperation, "history before the sync is gone")
	_, err = d.ApplyOperation(ot.NewInsert(1, "y", 5), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Xy", d.State().Content)
}

func TestVersionMonotonicUnderConcurrency(t *testing.T) {
	d := newDoc(t)

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	d.Subscribe(OperationApplied, func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		assert.False(t, seen[ev.Operation.Version], "version %d observed twice", ev.Operation.Version)
		seen[ev.Operation.Version] = true
		return nil
	})

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(user protocol.UserID) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				base := d.Version()
				_, err := d.ApplyOperation(ot.NewInsert(0, "x", base), user)
				assert.NoError(t, err)
			}
		}(protocol.UserID(rune('a' + w)))
	}
	wg.Wait()

	assert.Equal(t, uint64(writers*perWriter), d.Version())
	assert.Len(t, seen, writers*perWriter)
	assert.Equal(t, writers*perWriter, ot.TextLen(d.State().Content))
}

func TestLogEvictionAndOperationsSince(t *testing.T) {
	d := New("doc", Config{MaxOperations: 3}, nil, nil)
	for i := 0; i < 5; i++ {
		_, err := d.ApplyOperation(ot.NewInsert(i, "x", uint64(i)), "alice")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, d.State().OperationsCount)

	ops, err := d.OperationsSince(3)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(3), ops[0].Version)
	assert.Equal(t, uint64(4), ops[1].Version)

	ops, err = d.OperationsSince(5)
	require.NoError(t, err)
	assert.Empty(t, ops)

	_, err = d.OperationsSince(1)
	assert.ErrorIs(t, err, ErrVersionEvicted)
	_, err = d.OperationsSince(9)
	assert.ErrorIs(t, err, ErrFutureVersion)

	_, err = d.ApplyOperation(ot.NewInsert(0, "y", 0), "bob")
	assert.ErrorIs(t, err, ot.ErrInvalidOperation, "base version was evicted")
	assert.ErrorIs(t, err, ErrVersionEvicted)
}

func TestPresence(t *testing.T) {
	d := newDoc(t)
	_, err := d.ApplyOperation(ot.NewInsert(0, "Hello", 0), "alice")
	require.NoError(t, err)

	var last Event
	d.SubscribeAll(func(ev Event) error { last = ev; return nil })

	require.NoError(t, d.UpdateCursor("alice", 3))
	require.NoError(t, d.UpdateCursor("bob", 99))
	assert.Equal(t, CursorUpdated, last.Kind)
	require.Len(t, last.Cursors, 2)
	assert.Equal(t, 5, last.Cursors["bob"].Position, "clamped to the document end")

	require.NoError(t, d.UpdateSelection("alice", Range{Start: 4, End: 1}))
	assert.Equal(t, SelectionUpdated, last.Kind)
	assert.Equal(t, Range{Start: 1, End: 4}, last.Selections["alice"].Range)

	assert.True(t, d.RemovePresence("alice"))
	assert.False(t, d.RemovePresence("alice"))
	st := d.State()
	assert.Len(t, st.Cursors, 1)
	assert.Empty(t, st.Selections)
}

func TestDestroy(t *testing.T) {
	d := newDoc(t)
	_, err := d.ApplyOperation(ot.NewInsert(0, "Hello", 0), "alice")
	require.NoError(t, err)
	require.NoError(t, d.UpdateCursor("alice", 1))

	var kinds []EventKind
	d.SubscribeAll(func(ev Event) error { kinds = append(kinds, ev.Kind); return nil })
	d.Destroy()
	d.Destroy()

	assert.Equal(t, []EventKind{Destroyed}, kinds)
	_, err = d.ApplyOperation(ot.NewInsert(0, "x", 1), "alice")
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, d.UpdateCursor("alice", 0), ErrDestroyed)
	_, err = d.SyncState(State{Version: 10})
	assert.ErrorIs(t, err, ErrDestroyed)

	st := d.State()
	assert.Zero(t, st.OperationsCount)
	assert.Empty(t, st.Cursors)
}

func TestManagerFollowsRoomLifetime(t *testing.T) {
	b := rooms.New(nil, nil, nil)
	m, err := NewManager(Config{ConflictResolution: "crdt"}, nil, nil)
	require.NoError(t, err)
	m.Attach(b)

	require.NoError(t, b.JoinRoom("c1", "r1"))
	doc := m.GetOrCreate("r1")
	assert.Same(t, doc, m.GetOrCreate("r1"))

	var applied []Event
	doc.Subscribe(OperationApplied, func(ev Event) error { applied = append(applied, ev); return nil })
	_, err = doc.ApplyOperation(ot.NewInsert(0, "hi", 0), "alice")
	require.NoError(t, err)

	require.Len(t, applied, 1)
	assert.Equal(t, protocol.RoomID("r1"), applied[0].Document)
	assert.Equal(t, "hi", applied[0].Content)

	b.LeaveRoom("c1", "r1")
	_, ok := m.Get("r1")
	assert.False(t, ok)
	_, err = doc.ApplyOperation(ot.NewInsert(0, "x", 1), "alice")
	assert.ErrorIs(t, err, ErrDestroyed)

	m.GetOrCreate("r2")
	assert.Equal(t, []protocol.RoomID{"r2"}, m.Rooms())
	m.Close()
	assert.Zero(t, m.Len())

	_, err = NewManager(Config{MaxOperations: -1}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
