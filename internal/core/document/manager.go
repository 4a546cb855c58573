package document

import (
	"sort"
	"sync"

	"github.com/zeusync/zeuscollab/internal/core/events/bus"
	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/observability/metrics"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/internal/core/rooms"
)

// RoomEvents is the part of the room broadcaster the manager listens to.
type RoomEvents interface {
	Subscribe(kind rooms.EventKind, handler bus.Handler[rooms.Event]) bus.Subscription
}

// Manager keeps one document per room. Subscribe to a document directly for
// its events.
type Manager struct {
	mu   sync.Mutex
	docs map[protocol.RoomID]*Document

	config  Config
	logger  log.Log
	metrics *metrics.Metrics
}

func NewManager(config Config, logger log.Log, m *metrics.Metrics) (*Manager, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger = log.OrNop(logger).Named("documents")
	if config.UnsupportedStrategy() {
		logger.Warn("Unsupported conflict resolution strategy, using operational transform",
			log.String("strategy", config.ConflictResolution))
	}
	return &Manager{
		docs:    make(map[protocol.RoomID]*Document),
		config:  config,
		logger:  logger,
		metrics: m,
	}, nil
}

// Attach destroys a room's document when the room is deleted.
func (m *Manager) Attach(r RoomEvents) bus.Subscription {
	return r.Subscribe(rooms.RoomDeleted, func(ev rooms.Event) error {
		m.Destroy(ev.Room)
		return nil
	})
}

// Get returns the document for room if it exists.
func (m *Manager) Get(room protocol.RoomID) (*Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[room]
	return doc, ok
}

// GetOrCreate returns the document for room, creating an empty one.
func (m *Manager) GetOrCreate(room protocol.RoomID) *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[room]; ok {
		return doc
	}

	doc := New(room, m.config, m.logger, m.metrics)
	m.docs[room] = doc
	m.logger.Debug("Document created", log.String("room_id", room.String()))
	return doc
}

// Destroy destroys and forgets the document for room.
func (m *Manager) Destroy(room protocol.RoomID) bool {
	m.mu.Lock()
	doc, ok := m.docs[room]
	delete(m.docs, room)
	m.mu.Unlock()

	if ok {
		doc.Destroy()
	}
	return ok
}

// Rooms lists rooms that have a document, sorted.
func (m *Manager) Rooms() []protocol.RoomID {
	m.mu.Lock()
	out := make([]protocol.RoomID, 0, len(m.docs))
	for id := range m.docs {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Close destroys every document.
func (m *Manager) Close() {
	for _, id := range m.Rooms() {
		m.Destroy(id)
	}
}
