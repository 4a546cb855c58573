// Package registry owns the set of live channels. It assigns connection ids,
// supervises liveness with heartbeats, reconnects dialed connections with
// exponential backoff and dispatches control messages. Application messages
// are published as MessageReceived events for higher layers.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/zeusync/zeuscollab/internal/core/events/bus"
	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/observability/metrics"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/internal/core/transport"
	"github.com/zeusync/zeuscollab/pkg/schedule"
)

// Close reasons set by the registry.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonSendError        = "send_error"
	ReasonRemoved          = "removed"
	ReasonShutdown         = "shutdown"
)

// RoomDirectory is the part of the room broadcaster the registry drives.
type RoomDirectory interface {
	JoinRoom(conn protocol.ConnectionID, room protocol.RoomID) error
	LeaveRoom(conn protocol.ConnectionID, room protocol.RoomID) bool
	LeaveAll(conn protocol.ConnectionID) []protocol.RoomID
	RoomsOf(conn protocol.ConnectionID) []protocol.RoomID
}

type connection struct {
	id       protocol.ConnectionID
	url      string
	accepted bool

	channel transport.Channel
	// generation changes whenever the channel is replaced or retired;
	// callbacks from an older channel are ignored.
	generation uint64
	status     protocol.ConnectionStatus

	attempts    int
	backoff     *backoff.ExponentialBackOff
	pending     *schedule.Task
	pendingSeq  uint64
	dialing     bool
	lastSeen    time.Time
	connectedAt time.Time
}

// Info is a read-only connection snapshot.
type Info struct {
	ID                protocol.ConnectionID
	URL               string
	Accepted          bool
	Status            protocol.ConnectionStatus
	ReconnectAttempts int
	LastSeen          time.Time
	ConnectedAt       time.Time
	Rooms             []protocol.RoomID
}

type Registry struct {
	mu     sync.Mutex
	conns  map[protocol.ConnectionID]*connection
	closed bool

	config  Config
	dialer  transport.Dialer
	rooms   RoomDirectory
	codec   protocol.Codec
	events  *bus.Bus[EventKind, Event]
	logger  log.Log
	metrics *metrics.Metrics

	dropped atomic.Uint64
	monitor *schedule.Periodic

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// New creates a registry and starts heartbeat supervision. dialer may be nil
// when only accepted channels are used.
func New(config Config, dialer transport.Dialer, rooms RoomDirectory, logger log.Log, m *metrics.Metrics) (*Registry, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		conns:   make(map[protocol.ConnectionID]*connection),
		config:  config,
		dialer:  dialer,
		rooms:   rooms,
		codec:   protocol.JSONCodec{},
		events:  bus.New[EventKind, Event](),
		logger:  log.OrNop(logger).Named("registry"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	r.monitor = schedule.Every(config.HeartbeatInterval, r.performHealthChecks)
	return r, nil
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.config
}

// Subscribe registers handler for one event kind. Handlers run on transport
// goroutines and must not block.
func (r *Registry) Subscribe(kind EventKind, handler bus.Handler[Event]) bus.Subscription {
	return r.events.Subscribe(kind, handler)
}

// SubscribeAll registers handler for every event kind.
func (r *Registry) SubscribeAll(handler bus.Handler[Event]) bus.Subscription {
	return r.events.SubscribeAll(handler)
}

// Connect opens a channel to url and registers it under a fresh id.
func (r *Registry) Connect(ctx context.Context, url string) (protocol.ConnectionID, error) {
	if r.isClosed() {
		return "", ErrRegistryClosed
	}
	if r.dialer == nil {
		return "", protocol.NewTransportError("open", url, protocol.ErrDialFailed)
	}

	ch, err := r.dialer.Open(ctx, url)
	if err != nil {
		r.logger.Warn("Connect failed", log.String("url", url), log.Error(err))
		return "", protocol.NewTransportError("open", url, err)
	}

	conn := &connection{
		id:      protocol.GenerateConnectionID(),
		url:     url,
		backoff: r.newBackOff(),
	}
	if err := r.register(conn, ch); err != nil {
		_ = ch.Close(ReasonShutdown)
		return "", err
	}
	r.logger.Info("Connection opened", log.String("connection_id", conn.id.String()), log.String("url", url))
	return conn.id, nil
}

// Accept registers a server-side channel. Accepted connections are
// supervised like dialed ones but are removed as soon as they close.
func (r *Registry) Accept(ch transport.Channel) (protocol.ConnectionID, error) {
	conn := &connection{
		id:       protocol.GenerateConnectionID(),
		accepted: true,
	}
	if err := r.register(conn, ch); err != nil {
		_ = ch.Close(ReasonShutdown)
		return "", err
	}
	r.logger.Debug("Connection accepted", log.String("connection_id", conn.id.String()))
	return conn.id, nil
}

func (r *Registry) register(conn *connection, ch transport.Channel) error {
	now := r.now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	conn.channel = ch
	conn.generation = 1
	conn.status = protocol.StatusConnected
	conn.lastSeen = now
	conn.connectedAt = now
	r.conns[conn.id] = conn
	gen := conn.generation
	r.mu.Unlock()

	r.metrics.ConnectionUp()
	r.publish(Event{Kind: Connected, Connection: conn.id, Timestamp: now})
	r.listen(conn.id, gen, ch)
	return nil
}

func (r *Registry) listen(id protocol.ConnectionID, gen uint64, ch transport.Channel) {
	ch.Listen(
		func(data []byte) { r.handleMessage(id, gen, data) },
		func(reason string) { r.handleClosed(id, gen, reason) },
	)
}

// Send encodes msg and writes it to the connection. Messages for a
// connection that is not connected are dropped without error and counted.
func (r *Registry) Send(id protocol.ConnectionID, msg protocol.Message) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || conn.status != protocol.StatusConnected || conn.channel == nil {
		r.mu.Unlock()
		r.dropped.Add(1)
		r.metrics.MessageDropped()
		return nil
	}
	ch, gen, url := conn.channel, conn.generation, conn.url
	r.mu.Unlock()

	data, err := r.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := ch.Send(data); err != nil {
		r.logger.Warn("Send failed",
			log.String("connection_id", id.String()),
			log.String("type", msg.Type),
			log.Error(err))
		r.markErrored(id, gen)
		r.forceClose(id, gen, ch, ReasonSendError)
		return protocol.NewTransportError("send", url, err)
	}
	return nil
}

// DroppedMessages counts sends that were discarded because the target was
// not connected.
func (r *Registry) DroppedMessages() uint64 {
	return r.dropped.Load()
}

func (r *Registry) markErrored(id protocol.ConnectionID, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok && conn.generation == gen {
		conn.status = protocol.StatusErrored
	}
}

func (r *Registry) handleMessage(id protocol.ConnectionID, gen uint64, data []byte) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || conn.generation != gen {
		r.mu.Unlock()
		return
	}
	conn.lastSeen = r.now()
	r.mu.Unlock()

	msg, err := r.codec.Decode(data)
	if err != nil {
		r.logger.Warn("Discarding undecodable message", log.String("connection_id", id.String()), log.Error(err))
		r.publish(Event{Kind: Errored, Connection: id, Err: err, Timestamp: r.now()})
		return
	}

	if !protocol.IsControl(msg.Type) {
		msg.ConnectionID = id
		r.publish(Event{Kind: MessageReceived, Connection: id, Message: msg, Timestamp: r.now()})
		return
	}

	switch msg.Type {
	case protocol.TypeHeartbeat:
		_ = r.Send(id, protocol.NewMessage(protocol.TypeHeartbeatAck))
	case protocol.TypeHeartbeatAck:
	case protocol.TypeJoinRoom:
		r.joinRoom(id, msg)
	case protocol.TypeLeaveRoom:
		if r.rooms != nil {
			r.rooms.LeaveRoom(id, roomOf(msg))
		}
	}
}

func (r *Registry) joinRoom(id protocol.ConnectionID, msg protocol.Message) {
	if r.rooms == nil {
		return
	}
	if err := r.rooms.JoinRoom(id, roomOf(msg)); err != nil {
		r.logger.Debug("Join rejected", log.String("connection_id", id.String()), log.Error(err))
		r.publish(Event{Kind: Errored, Connection: id, Message: msg, Err: err, Timestamp: r.now()})
	}
}

// roomOf reads the room id from the envelope, falling back to the payload.
func roomOf(msg protocol.Message) protocol.RoomID {
	if msg.RoomID != "" {
		return msg.RoomID
	}
	var body struct {
		RoomID protocol.RoomID `json:"roomId"`
	}
	if err := msg.DecodePayload(&body); err != nil {
		return ""
	}
	return body.RoomID
}

// performHealthChecks probes every connected connection and closes the ones
// that have been silent for more than two intervals.
func (r *Registry) performHealthChecks() {
	now := r.now()
	deadline := 2 * r.config.HeartbeatInterval

	type target struct {
		id  protocol.ConnectionID
		gen uint64
		ch  transport.Channel
	}
	var alive, expired []target

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for id, conn := range r.conns {
		if conn.status != protocol.StatusConnected || conn.channel == nil {
			continue
		}
		t := target{id: id, gen: conn.generation, ch: conn.channel}
		if now.Sub(conn.lastSeen) > deadline {
			expired = append(expired, t)
		} else {
			alive = append(alive, t)
		}
	}
	r.mu.Unlock()

	for _, t := range expired {
		r.metrics.HeartbeatTimedOut()
		r.logger.Warn("Heartbeat timeout", log.String("connection_id", t.id.String()))
		r.forceClose(t.id, t.gen, t.ch, ReasonHeartbeatTimeout)
	}
	for _, t := range alive {
		_ = r.Send(t.id, protocol.NewMessage(protocol.TypeHeartbeat))
	}
}

// forceClose closes ch and runs close handling right away instead of waiting
// for the transport callback.
func (r *Registry) forceClose(id protocol.ConnectionID, gen uint64, ch transport.Channel, reason string) {
	_ = ch.Close(reason)
	r.handleClosed(id, gen, reason)
}

// handleClosed retires the channel of generation gen. Only the first call
// per generation has an effect.
func (r *Registry) handleClosed(id protocol.ConnectionID, gen uint64, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || conn.generation != gen {
		r.mu.Unlock()
		return
	}
	conn.generation++
	conn.channel = nil
	if conn.status != protocol.StatusErrored {
		conn.status = protocol.StatusDisconnected
		if reason == transport.ReasonReadError {
			conn.status = protocol.StatusErrored
		}
	}
	accepted := conn.accepted
	if accepted {
		delete(r.conns, id)
	}
	closed := r.closed
	r.mu.Unlock()

	r.metrics.ConnectionDown()
	if r.rooms != nil {
		r.rooms.LeaveAll(id)
	}

	var cause error
	if reason == ReasonHeartbeatTimeout {
		cause = ErrHeartbeatTimeout
	}
	r.logger.Info("Connection closed", log.String("connection_id", id.String()), log.String("reason", reason))
	r.publish(Event{Kind: Disconnected, Connection: id, Reason: reason, Err: cause, Timestamp: r.now()})

	if accepted {
		r.publish(Event{Kind: ConnectionLost, Connection: id, Reason: reason, Err: protocol.ErrChannelClosed, Timestamp: r.now()})
		return
	}
	if !closed {
		r.scheduleReconnect(id)
	}
}

// scheduleReconnect arms the next backoff attempt, or drops the connection
// when the attempts are used up.
func (r *Registry) scheduleReconnect(id protocol.ConnectionID) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || r.closed {
		r.mu.Unlock()
		return
	}
	if conn.attempts >= r.config.ReconnectAttempts {
		delete(r.conns, id)
		attempts := conn.attempts
		r.mu.Unlock()

		r.logger.Warn("Reconnect attempts exhausted", log.String("connection_id", id.String()), log.Int("attempts", attempts))
		r.publish(Event{Kind: ConnectionLost, Connection: id, Attempt: attempts, Err: ErrReconnectExhausted, Timestamp: r.now()})
		return
	}

	delay := conn.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = r.config.MaxReconnectDelay
	}
	attempt := conn.attempts + 1
	conn.pendingSeq++
	seq := conn.pendingSeq
	conn.pending = schedule.After(delay, func() { r.attemptReconnect(id, seq) })
	r.mu.Unlock()

	r.metrics.ReconnectScheduled()
	r.logger.Info("Reconnect scheduled",
		log.String("connection_id", id.String()),
		log.Int("attempt", attempt),
		log.Duration("delay", delay))
	r.publish(Event{Kind: Reconnecting, Connection: id, Attempt: attempt, Delay: delay, Timestamp: r.now()})
}

func (r *Registry) attemptReconnect(id protocol.ConnectionID, seq uint64) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || r.closed || conn.pending == nil || conn.pendingSeq != seq || conn.dialing {
		r.mu.Unlock()
		return
	}
	conn.pending = nil
	conn.attempts++
	conn.dialing = true
	r.mu.Unlock()

	if err := r.redial(conn); err != nil {
		r.logger.Warn("Reconnect failed", log.String("connection_id", id.String()), log.Error(err))
		r.publish(Event{Kind: Errored, Connection: id, Err: err, Timestamp: r.now()})
		r.scheduleReconnect(id)
	}
}

// Reconnect cancels a pending backoff and dials now. A failed manual dial
// falls back to the regular backoff schedule.
func (r *Registry) Reconnect(ctx context.Context, id protocol.ConnectionID) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrRegistryClosed
	case !ok:
		r.mu.Unlock()
		return ErrUnknownConnection
	case conn.accepted:
		r.mu.Unlock()
		return ErrNotDialable
	case conn.status == protocol.StatusConnected:
		r.mu.Unlock()
		return nil
	case conn.dialing:
		r.mu.Unlock()
		return ErrReconnectInProgress
	}
	conn.pending.Cancel()
	conn.pending = nil
	conn.dialing = true
	r.mu.Unlock()

	if err := r.redialContext(ctx, conn); err != nil {
		r.scheduleReconnect(id)
		return err
	}
	return nil
}

func (r *Registry) redial(conn *connection) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.DialTimeout)
	defer cancel()
	return r.redialContext(ctx, conn)
}

// redialContext dials conn again. The caller has set conn.dialing under the
// lock; it is cleared here.
func (r *Registry) redialContext(ctx context.Context, conn *connection) error {
	r.mu.Lock()
	conn.status = protocol.StatusConnecting
	r.mu.Unlock()

	ch, err := r.dialer.Open(ctx, conn.url)

	r.mu.Lock()
	conn.dialing = false
	if err != nil {
		conn.status = protocol.StatusDisconnected
		r.mu.Unlock()
		return protocol.NewTransportError("open", conn.url, err)
	}
	if current, ok := r.conns[conn.id]; !ok || current != conn || r.closed {
		r.mu.Unlock()
		_ = ch.Close(ReasonRemoved)
		return ErrUnknownConnection
	}
	if conn.channel != nil {
		// another dial already won
		r.mu.Unlock()
		_ = ch.Close(ReasonRemoved)
		return nil
	}
	now := r.now()
	conn.channel = ch
	conn.generation++
	conn.status = protocol.StatusConnected
	conn.attempts = 0
	conn.backoff.Reset()
	conn.lastSeen = now
	conn.connectedAt = now
	gen := conn.generation
	r.mu.Unlock()

	r.metrics.ConnectionUp()
	r.logger.Info("Reconnected", log.String("connection_id", conn.id.String()))
	r.publish(Event{Kind: Reconnected, Connection: conn.id, Timestamp: now})
	r.listen(conn.id, gen, ch)
	return nil
}

// Remove closes and forgets a connection, cancelling any pending reconnect.
// Its rooms are left; no connection_lost event is emitted.
func (r *Registry) Remove(id protocol.ConnectionID) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	delete(r.conns, id)
	conn.pending.Cancel()
	conn.pending = nil
	conn.generation++
	ch := conn.channel
	conn.channel = nil
	wasConnected := conn.status == protocol.StatusConnected
	conn.status = protocol.StatusDisconnected
	r.mu.Unlock()

	if ch != nil {
		_ = ch.Close(ReasonRemoved)
	}
	if wasConnected {
		r.metrics.ConnectionDown()
	}
	if r.rooms != nil {
		r.rooms.LeaveAll(id)
	}
	r.publish(Event{Kind: Disconnected, Connection: id, Reason: ReasonRemoved, Timestamp: r.now()})
	return nil
}

// Close stops supervision, cancels reconnects and removes every connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ids := make([]protocol.ConnectionID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.monitor.Stop()
	for _, id := range ids {
		_ = r.Remove(id)
	}
	r.events.Close()
	r.logger.Info("Registry closed", log.Int("connections", len(ids)))
	return nil
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Connection returns a snapshot of id.
func (r *Registry) Connection(id protocol.ConnectionID) (Info, bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return Info{}, false
	}
	info := conn.info()
	r.mu.Unlock()

	if r.rooms != nil {
		info.Rooms = r.rooms.RoomsOf(id)
	}
	return info, true
}

// Connections returns snapshots of every known connection sorted by id.
func (r *Registry) Connections() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if r.rooms != nil {
		for i := range out {
			out[i].Rooms = r.rooms.RoomsOf(out[i].ID)
		}
	}
	return out
}

// Len returns the number of known connections, connected or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (c *connection) info() Info {
	return Info{
		ID:                c.id,
		URL:               c.url,
		Accepted:          c.accepted,
		Status:            c.status,
		ReconnectAttempts: c.attempts,
		LastSeen:          c.lastSeen,
		ConnectedAt:       c.connectedAt,
	}
}

func (r *Registry) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.ReconnectDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = r.config.MaxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (r *Registry) publish(ev Event) {
	if err := r.events.Publish(ev.Kind, ev); err != nil {
		r.logger.Warn("Registry event handler failed", log.Stringer("kind", ev.Kind), log.Error(err))
	}
}
