// Package statesync is a versioned key/value store for arbitrary shared
// state. Writers bump a per-key version and notify subscribers of that key;
// an optional auto-sync loop pushes changed entries through a Pusher.
package statesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/zeuscollab/internal/core/events/bus"
	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/observability/metrics"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/pkg/schedule"
)

// EventKind enumerates state sync events.
type EventKind uint8

const StateChanged EventKind = 1

// Callback observes writes to one key.
type Callback func(value any, userID protocol.UserID, key string)

type Manager struct {
	store   *store
	events  *bus.Bus[EventKind, Entry]
	pusher  Pusher
	config  Config
	logger  log.Log
	metrics *metrics.Metrics
	now     func() time.Time
	closed  atomic.Bool

	autoMu sync.Mutex
	auto   *schedule.Periodic

	flushMu sync.Mutex
}

// New creates a manager. pusher may be nil, in which case auto-sync only
// clears the change marks.
func New(config Config, pusher Pusher, logger log.Log, m *metrics.Metrics) (*Manager, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		store:   newStore(config.Shards),
		events:  bus.New[EventKind, Entry](),
		pusher:  pusher,
		config:  config,
		logger:  log.OrNop(logger).Named("statesync"),
		metrics: m,
		now:     time.Now,
	}, nil
}

// SetState stores value under key and notifies the key's subscribers.
func (m *Manager) SetState(key string, value any, userID protocol.UserID) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}
	if m.closed.Load() {
		return Entry{}, ErrClosed
	}

	e := m.store.set(key, value, userID, m.now().UnixMilli())
	m.metrics.StateSet()

	if err := m.events.PublishToTopic(key, StateChanged, e); err != nil {
		m.logger.Warn("State subscriber failed", log.String("key", key), log.Error(err))
	}
	if err := m.events.Publish(StateChanged, e); err != nil {
		m.logger.Warn("State watcher failed", log.String("key", key), log.Error(err))
	}
	return e, nil
}

// GetState returns the current value of key.
func (m *Manager) GetState(key string) (any, bool) {
	e, ok := m.store.get(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Entry returns the full entry for key.
func (m *Manager) Entry(key string) (Entry, bool) {
	return m.store.get(key)
}

// Snapshot returns every entry sorted by key.
func (m *Manager) Snapshot() []Entry {
	return m.store.snapshot()
}

// Subscribe calls cb after every write to key.
func (m *Manager) Subscribe(key string, cb Callback) bus.Subscription {
	return m.events.SubscribeTopic(key, StateChanged, func(e Entry) error {
		cb(e.Value, e.UserID, e.Key)
		return nil
	})
}

// Unsubscribe cancels a subscription returned by Subscribe or Watch.
func (m *Manager) Unsubscribe(sub bus.Subscription) {
	if sub != nil {
		sub.Cancel()
	}
}

// Watch calls handler after every write to any key.
func (m *Manager) Watch(handler func(Entry)) bus.Subscription {
	return m.events.Subscribe(StateChanged, func(e Entry) error {
		handler(e)
		return nil
	})
}

// StartAutoSync starts pushing changed entries every SyncInterval. It
// reports false if auto-sync was already running.
func (m *Manager) StartAutoSync() bool {
	m.autoMu.Lock()
	defer m.autoMu.Unlock()
	if m.auto != nil || m.closed.Load() {
		return false
	}
	m.auto = schedule.Every(m.config.SyncInterval, m.autoFlush)
	m.logger.Info("Auto-sync started", log.Duration("interval", m.config.SyncInterval))
	return true
}

// StopAutoSync stops the loop and waits for an in-flight push. It reports
// false if auto-sync was not running.
func (m *Manager) StopAutoSync() bool {
	m.autoMu.Lock()
	auto := m.auto
	m.auto = nil
	m.autoMu.Unlock()
	if auto == nil {
		return false
	}
	auto.Stop()
	m.logger.Info("Auto-sync stopped")
	return true
}

func (m *Manager) AutoSyncRunning() bool {
	m.autoMu.Lock()
	defer m.autoMu.Unlock()
	return m.auto != nil
}

func (m *Manager) autoFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.PushTimeout)
	defer cancel()
	_ = m.Flush(ctx)
}

// Flush pushes every entry changed since the last successful push. Entries
// of a failed push stay marked and are retried next time.
func (m *Manager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	entries := m.store.takeDirty()
	if len(entries) == 0 || m.pusher == nil {
		return nil
	}

	err := m.pusher.Push(ctx, entries)
	m.metrics.StatePushed(err)
	if err != nil {
		m.store.markDirty(entries)
		m.logger.Error("State push failed", log.Int("entries", len(entries)), log.Error(err))
		return err
	}
	m.logger.Debug("State pushed", log.Int("entries", len(entries)))
	return nil
}

// Pending returns the number of entries waiting for the next push.
func (m *Manager) Pending() int {
	return m.store.dirtyCount()
}

// Close stops auto-sync and detaches every subscriber. Reads keep working.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.StopAutoSync()
	m.events.Close()
}
