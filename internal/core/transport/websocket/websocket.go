// Package websocket adapts gorilla/websocket connections to transport.Channel.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/internal/core/transport"
)

var _ transport.Channel = (*Channel)(nil)

// Config holds socket-level limits shared by dialer and upgrader.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	ReadBufferSize   int
	WriteBufferSize  int
	// CheckOrigin is used by the upgrader; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns sane socket limits.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        1 << 20,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
}

// Channel represents a WebSocket connection carrying one JSON message per
// text frame.
type Channel struct {
	conn   *websocket.Conn
	config Config

	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   atomic.Bool
	reason    atomic.Value // string
	listening atomic.Bool
}

// NewChannel wraps an established connection.
func NewChannel(conn *websocket.Conn, config Config) *Channel {
	if config.ReadLimit > 0 {
		conn.SetReadLimit(config.ReadLimit)
	}
	return &Channel{conn: conn, config: config}
}

// Send writes data as a single text frame.
func (c *Channel) Send(data []byte) error {
	if c.closing.Load() {
		return protocol.ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return nil
}

// Listen starts the read loop.
func (c *Channel) Listen(onMessage func([]byte), onClose func(string)) {
	if !c.listening.CompareAndSwap(false, true) {
		return
	}
	go c.readLoop(onMessage, onClose)
}

func (c *Channel) readLoop(onMessage func([]byte), onClose func(string)) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if onClose != nil {
				onClose(c.closeReason(err))
			}
			_ = c.conn.Close()
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (c *Channel) closeReason(err error) string {
	if c.closing.Load() {
		if r, ok := c.reason.Load().(string); ok && r != "" {
			return r
		}
		return transport.ReasonLocalClose
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return transport.ReasonRemoteClose
	}
	return transport.ReasonReadError
}

// Close sends a close frame carrying reason and tears the socket down.
func (c *Channel) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		c.closing.Store(true)

		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(reason)), deadline)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// close frames carry at most 123 bytes of reason text
func truncateReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}

// Dialer opens client channels.
type Dialer struct {
	dialer *websocket.Dialer
	config Config
	header http.Header
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer; header is sent with every handshake.
func NewDialer(config Config, header http.Header) *Dialer {
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
		config: config,
		header: header,
	}
}

func (d *Dialer) Open(ctx context.Context, url string) (transport.Channel, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewChannel(conn, d.config), nil
}

// Upgrader accepts server-side channels from HTTP requests.
type Upgrader struct {
	upgrader websocket.Upgrader
	config   Config
}

func NewUpgrader(config Config) *Upgrader {
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Upgrader{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
			CheckOrigin:      checkOrigin,
		},
		config: config,
	}
}

// Upgrade completes the handshake. On failure the upgrader has already
// written an HTTP error response.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Channel, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn, u.config), nil
}
