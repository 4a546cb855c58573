package statesync

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

// Entry is one versioned value. Version starts at 1 on the first write and
// grows by one per write to the same key.
type Entry struct {
	Key       string          `json:"key"`
	Value     any             `json:"value"`
	UserID    protocol.UserID `json:"userId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Version   uint64          `json:"version"`
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
	dirty   map[string]struct{}
}

// store stripes keys over shards by xxhash so writers to different keys
// rarely contend.
type store struct {
	shards []*shard
}

func newStore(count int) *store {
	s := &store{shards: make([]*shard, count)}
	for i := range s.shards {
		s.shards[i] = &shard{
			entries: make(map[string]Entry),
			dirty:   make(map[string]struct{}),
		}
	}
	return s
}

func (s *store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *store) set(key string, value any, userID protocol.UserID, ts int64) Entry {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := Entry{
		Key:       key,
		Value:     value,
		UserID:    userID,
		Timestamp: ts,
		Version:   sh.entries[key].Version + 1,
	}
	sh.entries[key] = e
	sh.dirty[key] = struct{}{}
	return e
}

func (s *store) get(key string) (Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	return e, ok
}

func (s *store) snapshot() []Entry {
	var out []Entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	sortEntries(out)
	return out
}

// takeDirty returns entries written since the last take and clears the
// dirty marks.
func (s *store) takeDirty() []Entry {
	var out []Entry
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key := range sh.dirty {
			out = append(out, sh.entries[key])
		}
		clear(sh.dirty)
		sh.mu.Unlock()
	}
	sortEntries(out)
	return out
}

// markDirty re-marks entries after a failed push unless they were
// overwritten in the meantime, which marks them anyway.
func (s *store) markDirty(entries []Entry) {
	for _, e := range entries {
		sh := s.shardFor(e.Key)
		sh.mu.Lock()
		if cur, ok := sh.entries[e.Key]; ok && cur.Version == e.Version {
			sh.dirty[e.Key] = struct{}{}
		}
		sh.mu.Unlock()
	}
}

func (s *store) dirtyCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.dirty)
		sh.mu.RUnlock()
	}
	return n
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
