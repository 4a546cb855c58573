// Package client provides a Go SDK for the collaboration server. A client
// keeps one connection under a registry, so heartbeats and reconnects follow
// the same rules as on the server. Joined rooms are re-joined after every
// reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/zeuscollab/internal/core/events/bus"
	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/ot"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/internal/core/protocol/payload"
	"github.com/zeusync/zeuscollab/internal/core/registry"
	"github.com/zeusync/zeuscollab/internal/core/transport"
	"github.com/zeusync/zeuscollab/internal/core/transport/quic"
	"github.com/zeusync/zeuscollab/internal/core/transport/websocket"
)

// Config holds configuration for the client
type Config struct {
	// ServerURL is a ws://, wss:// or quic:// address.
	ServerURL      string
	UserID         protocol.UserID
	ConnectTimeout time.Duration

	Registry  registry.Config
	WebSocket websocket.Config
	// Header is sent with the websocket handshake.
	Header http.Header
	QUIC   quic.Config
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerURL:      "ws://localhost:8080/ws",
		ConnectTimeout: 30 * time.Second,
		Registry:       registry.DefaultConfig(),
		WebSocket:      websocket.DefaultConfig(),
		QUIC:           quic.DefaultConfig(),
	}
}

func (c Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("%w: server url is empty", ErrInvalidConfig)
	}
	if c.UserID == "" {
		return fmt.Errorf("%w: user id is empty", ErrInvalidConfig)
	}
	return nil
}

// schemeDialer picks the transport from the URL scheme.
type schemeDialer struct {
	ws   transport.Dialer
	quic transport.Dialer
}

func (d schemeDialer) Open(ctx context.Context, url string) (transport.Channel, error) {
	if strings.HasPrefix(url, quic.Scheme) {
		return d.quic.Open(ctx, url)
	}
	return d.ws.Open(ctx, url)
}

// Client represents a collaboration client connection
type Client struct {
	config Config
	reg    *registry.Registry
	events *bus.Bus[EventType, Event]
	logger log.Log

	mu       sync.RWMutex
	id       protocol.ConnectionID
	rooms    map[protocol.RoomID]uint64 // room -> last known document version
	regEvent bus.Subscription

	closed atomic.Bool
}

// NewClient creates a client. dialer may be nil, in which case websocket or
// QUIC is chosen from ServerURL.
func NewClient(config Config, dialer transport.Dialer, logger log.Log) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultClientConfig().ConnectTimeout
	}
	if dialer == nil {
		dialer = schemeDialer{
			ws:   websocket.NewDialer(config.WebSocket, config.Header),
			quic: quic.NewDialer(config.QUIC),
		}
	}

	logger = log.OrNop(logger).Named("client").With(log.String("user_id", config.UserID.String()))
	reg, err := registry.New(config.Registry, dialer, nil, logger, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config: config,
		reg:    reg,
		events: bus.New[EventType, Event](),
		logger: logger,
		rooms:  make(map[protocol.RoomID]uint64),
	}
	c.regEvent = reg.SubscribeAll(c.handleRegistryEvent)

	c.logger.Info("Client created", log.String("server_url", config.ServerURL))
	return c, nil
}

// Connect establishes the connection to the server
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.mu.RLock()
	connected := c.id != ""
	c.mu.RUnlock()
	if connected {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	c.logger.Info("Connecting to server", log.String("url", c.config.ServerURL))
	id, err := c.reg.Connect(ctx, c.config.ServerURL)
	if err != nil {
		c.logger.Error("Failed to connect to server", log.String("url", c.config.ServerURL), log.Error(err))
		return err
	}

	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	return nil
}

// Disconnect closes the connection without reconnecting. Joined rooms are
// forgotten.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	id := c.id
	c.id = ""
	c.rooms = make(map[protocol.RoomID]uint64)
	c.mu.Unlock()
	if id == "" {
		return ErrNotConnected
	}

	c.logger.Info("Disconnecting from server")
	return c.reg.Remove(id)
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("Closing client")

	c.regEvent.Cancel()
	err := c.reg.Close()
	c.events.Close()

	c.mu.Lock()
	c.id = ""
	c.mu.Unlock()
	return err
}

// OnEvent registers a handler for one event type. Handlers run on transport
// goroutines and must not block.
func (c *Client) OnEvent(eventType EventType, handler EventHandler) bus.Subscription {
	return c.events.Subscribe(eventType, bus.Handler[Event](handler))
}

// OnAnyEvent registers a handler for every event.
func (c *Client) OnAnyEvent(handler EventHandler) bus.Subscription {
	return c.events.SubscribeAll(bus.Handler[Event](handler))
}

// JoinRoom joins room. The server answers with the document state.
func (c *Client) JoinRoom(room protocol.RoomID) error {
	if room == "" {
		return fmt.Errorf("%w: empty room id", protocol.ErrInvalidMessage)
	}
	if err := c.send(room, protocol.TypeJoinRoom, nil); err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.rooms[room]; !ok {
		c.rooms[room] = 0
	}
	c.mu.Unlock()
	return nil
}

// LeaveRoom leaves room.
func (c *Client) LeaveRoom(room protocol.RoomID) error {
	c.mu.Lock()
	_, ok := c.rooms[room]
	delete(c.rooms, room)
	c.mu.Unlock()
	if !ok {
		return ErrNotInRoom
	}
	return c.send(room, protocol.TypeLeaveRoom, nil)
}

// SendOperation submits op to the room document. The outcome arrives as an
// operation_ack or an error event.
func (c *Client) SendOperation(room protocol.RoomID, op ot.Operation) error {
	if err := c.requireRoom(room); err != nil {
		return err
	}
	return c.send(room, protocol.TypeOperation, op)
}

// Insert submits an insert based on the last known document version.
func (c *Client) Insert(room protocol.RoomID, position int, text string) error {
	return c.SendOperation(room, ot.NewInsert(position, text, c.Version(room)))
}

// Delete submits a delete based on the last known document version.
func (c *Client) Delete(room protocol.RoomID, position, length int) error {
	return c.SendOperation(room, ot.NewDelete(position, length, c.Version(room)))
}

// Replace submits a replace based on the last known document version.
func (c *Client) Replace(room protocol.RoomID, position, length int, text string) error {
	return c.SendOperation(room, ot.NewReplace(position, length, text, c.Version(room)))
}

func (c *Client) UpdateCursor(room protocol.RoomID, position int) error {
	if err := c.requireRoom(room); err != nil {
		return err
	}
	return c.send(room, protocol.TypeCursor, payload.Cursor{Position: position})
}

func (c *Client) UpdateSelection(room protocol.RoomID, start, end int) error {
	if err := c.requireRoom(room); err != nil {
		return err
	}
	return c.send(room, protocol.TypeSelection, payload.Selection{Start: start, End: end})
}

// SetState writes a room-scoped value. An empty room writes a global value.
func (c *Client) SetState(room protocol.RoomID, key string, value any) error {
	return c.send(room, protocol.TypeStateSet, payload.StateSet{Key: key, Value: value})
}

// RequestState asks for the current value of key; it arrives as a
// state_changed event.
func (c *Client) RequestState(room protocol.RoomID, key string) error {
	return c.send(room, protocol.TypeStateGet, payload.StateGet{Key: key})
}

// RequestSync asks for the document state. With since set the reply also
// carries the operations committed after that version.
func (c *Client) RequestSync(room protocol.RoomID, since *uint64) error {
	if err := c.requireRoom(room); err != nil {
		return err
	}
	return c.send(room, protocol.TypeSyncRequest, payload.SyncRequest{Since: since})
}

// Version returns the last document version seen for room.
func (c *Client) Version(room protocol.RoomID) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[room]
}

// Rooms returns the joined rooms in lexical order.
func (c *Client) Rooms() []protocol.RoomID {
	c.mu.RLock()
	out := make([]protocol.RoomID, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Client) ID() protocol.ConnectionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Client) IsConnected() bool {
	id := c.ID()
	if id == "" {
		return false
	}
	info, ok := c.reg.Connection(id)
	return ok && info.Status == protocol.StatusConnected
}

func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// ConnectionInfo returns the registry view of the connection.
func (c *Client) ConnectionInfo() (registry.Info, error) {
	id := c.ID()
	if id == "" {
		return registry.Info{}, ErrNotConnected
	}
	info, ok := c.reg.Connection(id)
	if !ok {
		return registry.Info{}, ErrNotConnected
	}
	return info, nil
}

func (c *Client) requireRoom(room protocol.RoomID) error {
	c.mu.RLock()
	_, ok := c.rooms[room]
	c.mu.RUnlock()
	if !ok {
		return ErrNotInRoom
	}
	return nil
}

func (c *Client) send(room protocol.RoomID, typ string, body any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	msg := protocol.NewMessage(typ)
	if body != nil {
		var err error
		if msg, err = msg.WithPayload(body); err != nil {
			return err
		}
	}
	msg.RoomID = room
	msg.UserID = c.config.UserID
	return c.reg.Send(c.ID(), msg)
}

// handleRegistryEvent translates registry events. The registry only ever
// holds this client's connection, and Connected fires before Connect has
// stored the id, so events are not filtered by id.
func (c *Client) handleRegistryEvent(ev registry.Event) error {
	out := Event{
		Reason:    ev.Reason,
		Attempt:   ev.Attempt,
		Delay:     ev.Delay,
		Error:     ev.Err,
		Timestamp: ev.Timestamp,
	}
	switch ev.Kind {
	case registry.Connected:
		out.Type = EventTypeConnected
	case registry.Disconnected:
		out.Type = EventTypeDisconnected
	case registry.Reconnecting:
		out.Type = EventTypeReconnecting
	case registry.Reconnected:
		out.Type = EventTypeReconnected
		c.rejoin()
	case registry.ConnectionLost:
		out.Type = EventTypeConnectionLost
		c.mu.Lock()
		if c.id == ev.Connection {
			c.id = ""
		}
		c.mu.Unlock()
	case registry.Errored:
		out.Type = EventTypeError
	case registry.MessageReceived:
		out = c.messageEvent(ev.Message, ev.Timestamp)
	default:
		return nil
	}
	c.emitEvent(out)
	return nil
}

// rejoin announces every joined room again; the server dropped the
// memberships with the old channel.
func (c *Client) rejoin() {
	for _, room := range c.Rooms() {
		if err := c.send(room, protocol.TypeJoinRoom, nil); err != nil {
			c.logger.Warn("Rejoin failed", log.String("room_id", room.String()), log.Error(err))
		}
	}
}

func (c *Client) messageEvent(msg protocol.Message, ts time.Time) Event {
	ev := Event{
		Type:      EventTypeMessage,
		Room:      msg.RoomID,
		UserID:    msg.UserID,
		Message:   msg,
		Timestamp: ts,
	}
	if t, ok := messageEvents[msg.Type]; ok {
		ev.Type = t
	}

	switch ev.Type {
	case EventTypeDocumentState:
		var p payload.DocumentState
		if err := msg.DecodePayload(&p); err == nil {
			c.setVersion(msg.RoomID, p.Version, true)
		}
	case EventTypeOperationApplied:
		var p payload.OperationApplied
		if err := msg.DecodePayload(&p); err == nil {
			c.setVersion(msg.RoomID, p.Version, false)
		}
	case EventTypeOperationAck:
		var p payload.OperationAck
		if err := msg.DecodePayload(&p); err == nil {
			c.setVersion(msg.RoomID, p.Version, false)
		}
	case EventTypeError:
		var p payload.Error
		if err := msg.DecodePayload(&p); err != nil {
			ev.Error = err
		} else {
			ev.Error = &ServerError{Code: p.Code, Message: p.Message, Request: p.Request}
		}
	}
	return ev
}

// setVersion records a newer version for a joined room. A document state
// replaces the version outright.
func (c *Client) setVersion(room protocol.RoomID, version uint64, reset bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.rooms[room]
	if !ok {
		return
	}
	if reset || version > current {
		c.rooms[room] = version
	}
}

func (c *Client) emitEvent(ev Event) {
	if err := c.events.Publish(ev.Type, ev); err != nil {
		c.logger.Warn("Event handler failed", log.String("event", string(ev.Type)), log.Error(err))
	}
}

// IsServerError reports whether err is a ServerError with the given code.
func IsServerError(err error, code string) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == code
}
