// Package document holds collaborative text documents: content, a version
// counter, a bounded operation log and per-user presence. Every edit goes
// through ApplyOperation, which rebases it with the ot package.
package document

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zeusync/zeuscollab/internal/core/events/bus"
	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/observability/metrics"
	"github.com/zeusync/zeuscollab/internal/core/ot"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

// State is an immutable snapshot used to bootstrap or catch up a replica.
type State struct {
	Content         string                        `json:"content"`
	Version         uint64                        `json:"version"`
	Cursors         map[protocol.UserID]Cursor    `json:"cursors"`
	Selections      map[protocol.UserID]Selection `json:"selections"`
	OperationsCount int                           `json:"operationsCount"`
}

type Document struct {
	id protocol.RoomID

	mu         sync.Mutex
	content    string
	length     int
	version    uint64
	log        []ot.Operation
	cursors    map[protocol.UserID]Cursor
	selections map[protocol.UserID]Selection
	destroyed  bool
	entropy    io.Reader

	config  Config
	events  *bus.Bus[EventKind, Event]
	logger  log.Log
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an empty document at version 0.
func New(id protocol.RoomID, config Config, logger log.Log, m *metrics.Metrics) *Document {
	config = config.withDefaults()
	return &Document{
		id:         id,
		log:        make([]ot.Operation, 0, min(config.MaxOperations, 64)),
		cursors:    make(map[protocol.UserID]Cursor),
		selections: make(map[protocol.UserID]Selection),
		entropy:    ulid.Monotonic(rand.Reader, 0),
		config:     config,
		events:     bus.New[EventKind, Event](),
		logger:     log.OrNop(logger).Named("document").With(log.String("document_id", id.String())),
		metrics:    m,
		now:        time.Now,
	}
}

func (d *Document) ID() protocol.RoomID {
	return d.id
}

// Subscribe registers handler for one event kind.
func (d *Document) Subscribe(kind EventKind, handler bus.Handler[Event]) bus.Subscription {
	return d.events.Subscribe(kind, handler)
}

// SubscribeAll registers handler for every event kind.
func (d *Document) SubscribeAll(handler bus.Handler[Event]) bus.Subscription {
	return d.events.SubscribeAll(handler)
}

// ApplyOperation validates op, rebases it over the operations committed since
// op.BaseVersion, applies it and bumps the version by one. It returns the
// committed operation. A rejected operation leaves the document unchanged.
func (d *Document) ApplyOperation(op ot.Operation, userID protocol.UserID) (ot.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return ot.Operation{}, ErrDestroyed
	}
	if err := d.validate(op); err != nil {
		d.metrics.OperationRejected()
		d.logger.Warn("Operation rejected", log.String("user_id", userID.String()), log.Error(err))
		return ot.Operation{}, err
	}

	rebased, transformed := ot.Rebase(op, d.log, d.length)
	content, err := ot.Apply(d.content, rebased)
	if err != nil {
		d.metrics.OperationRejected()
		return ot.Operation{}, err
	}

	now := d.now()
	committed := rebased
	committed.ID = ulid.MustNew(ulid.Timestamp(now), d.entropy).String()
	committed.UserID = userID
	committed.Version = d.version
	committed.AppliedAt = now.UnixMilli()

	if len(d.log) >= d.config.MaxOperations {
		evict := len(d.log) - d.config.MaxOperations + 1
		n := copy(d.log, d.log[evict:])
		clear(d.log[n:])
		d.log = d.log[:n]
	}
	d.log = append(d.log, committed)
	d.content = content
	d.length = ot.TextLen(content)
	d.version++

	d.metrics.OperationApplied(string(committed.Kind), transformed)
	d.emit(Event{
		Kind:      OperationApplied,
		UserID:    userID,
		Operation: committed,
		Content:   d.content,
		Version:   d.version,
	})
	return committed, nil
}

func (d *Document) validate(op ot.Operation) error {
	if err := ot.Validate(op, d.length); err != nil {
		return err
	}
	if op.BaseVersion > d.version {
		return &ot.InvalidOperationError{Reason: "base version is ahead of the document", Operation: op}
	}
	if op.BaseVersion < d.version && (len(d.log) == 0 || op.BaseVersion < d.log[0].Version) {
		return fmt.Errorf("%w: %w", ErrVersionEvicted,
			&ot.InvalidOperationError{Reason: "base version is older than the operation log, resync first", Operation: op})
	}
	return nil
}

// UpdateCursor records userID's caret, clamped into the document.
func (d *Document) UpdateCursor(userID protocol.UserID, position int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}

	d.cursors[userID] = Cursor{Position: clampInt(position, 0, d.length), LastUpdated: d.now().UnixMilli()}
	d.emit(Event{Kind: CursorUpdated, UserID: userID, Cursors: copyCursors(d.cursors)})
	return nil
}

// UpdateSelection records userID's selection, normalised so Start <= End and
// clamped into the document.
func (d *Document) UpdateSelection(userID protocol.UserID, r Range) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}

	if r.Start > r.End {
		r.Start, r.End = r.End, r.Start
	}
	r.Start = clampInt(r.Start, 0, d.length)
	r.End = clampInt(r.End, 0, d.length)
	d.selections[userID] = Selection{Range: r, LastUpdated: d.now().UnixMilli()}
	d.emit(Event{Kind: SelectionUpdated, UserID: userID, Selections: copySelections(d.selections)})
	return nil
}

// RemovePresence forgets userID's cursor and selection and reports whether
// there was anything to forget.
func (d *Document) RemovePresence(userID protocol.UserID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return false
	}

	_, hadCursor := d.cursors[userID]
	_, hadSelection := d.selections[userID]
	delete(d.cursors, userID)
	delete(d.selections, userID)
	if hadCursor {
		d.emit(Event{Kind: CursorUpdated, UserID: userID, Cursors: copyCursors(d.cursors)})
	}
	if hadSelection {
		d.emit(Event{Kind: SelectionUpdated, UserID: userID, Selections: copySelections(d.selections)})
	}
	return hadCursor || hadSelection
}

// State returns a snapshot of the document.
func (d *Document) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

func (d *Document) stateLocked() State {
	return State{
		Content:         d.content,
		Version:         d.version,
		Cursors:         copyCursors(d.cursors),
		Selections:      copySelections(d.selections),
		OperationsCount: len(d.log),
	}
}

// Version returns the current version.
func (d *Document) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// SyncState replaces the whole document with remote when remote is newer.
// The operation log is cleared because it no longer describes the content.
// It reports whether remote was taken.
func (d *Document) SyncState(remote State) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return false, ErrDestroyed
	}
	if remote.Version <= d.version {
		return false, nil
	}

	d.logger.Info("Synced from remote state",
		log.Uint64("from_version", d.version),
		log.Uint64("to_version", remote.Version))

	d.content = remote.Content
	d.length = ot.TextLen(remote.Content)
	d.version = remote.Version
	clear(d.log)
	d.log = d.log[:0]
	d.cursors = copyCursors(remote.Cursors)
	d.selections = copySelections(remote.Selections)

	d.emit(Event{
		Kind:       StateSynced,
		Content:    d.content,
		Version:    d.version,
		Cursors:    copyCursors(d.cursors),
		Selections: copySelections(d.selections),
	})
	return true, nil
}

// OperationsSince returns the committed operations a replica at version has
// not seen, oldest first.
func (d *Document) OperationsSince(version uint64) ([]ot.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDestroyed
	}

	switch {
	case version > d.version:
		return nil, ErrFutureVersion
	case version == d.version:
		return []ot.Operation{}, nil
	case len(d.log) == 0 || version < d.log[0].Version:
		return nil, ErrVersionEvicted
	}

	start := int(version - d.log[0].Version)
	return append([]ot.Operation(nil), d.log[start:]...), nil
}

// Destroy clears the log and presence and detaches every subscriber. Later
// calls fail with ErrDestroyed.
func (d *Document) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.log = nil
	d.cursors = make(map[protocol.UserID]Cursor)
	d.selections = make(map[protocol.UserID]Selection)
	d.emit(Event{Kind: Destroyed, Version: d.version})
	d.mu.Unlock()

	d.events.Close()
	d.logger.Debug("Document destroyed")
}

func (d *Document) emit(ev Event) {
	ev.Document = d.id
	if err := d.events.Publish(ev.Kind, ev); err != nil {
		d.logger.Warn("Document event handler failed", log.Stringer("kind", ev.Kind), log.Error(err))
	}
}
