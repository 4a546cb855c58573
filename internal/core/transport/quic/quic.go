// Package quic carries channels over a single bidirectional QUIC stream per
// connection. Messages are newline-delimited; wire messages are newline-free
// JSON, and an empty line is an ignored keepalive/announce frame.
package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/internal/core/transport"
)

const (
	// NextProto is the ALPN identifier negotiated by both ends.
	NextProto = "zeuscollab"
	// Scheme prefixes dial URLs, e.g. quic://127.0.0.1:4242.
	Scheme = "quic://"
)

// Config holds QUIC-specific settings.
type Config struct {
	TLSConfig       *tls.Config
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
	MaxFrameSize    int
}

// DefaultConfig returns development defaults: TLS 1.3 without certificate
// verification on the client side.
func DefaultConfig() Config {
	return Config{
		TLSConfig:       generateTLSConfig(),
		MaxIdleTimeout:  60 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
		MaxFrameSize:    1 << 20,
	}
}

// generateTLSConfig generates a basic TLS configuration for QUIC
func generateTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, // For development only
		NextProtos:         []string{NextProto},
		MinVersion:         tls.VersionTLS13, // QUIC requires TLS 1.3
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  c.MaxIdleTimeout,
		KeepAlivePeriod: c.KeepAlivePeriod,
	}
}

func (c Config) tlsConfig() *tls.Config {
	if c.TLSConfig == nil {
		return generateTLSConfig()
	}
	cfg := c.TLSConfig.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{NextProto}
	}
	return cfg
}

var _ transport.Channel = (*Channel)(nil)

// Channel is a QUIC connection plus its single message stream.
type Channel struct {
	conn     *quic.Conn
	stream   *quic.Stream
	maxFrame int

	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   atomic.Bool
	reason    atomic.Value // string
	listening atomic.Bool
}

func newChannel(conn *quic.Conn, stream *quic.Stream, maxFrame int) *Channel {
	if maxFrame <= 0 {
		maxFrame = 1 << 20
	}
	return &Channel{conn: conn, stream: stream, maxFrame: maxFrame}
}

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Channel) Send(data []byte) error {
	if c.closing.Load() {
		return protocol.ErrChannelClosed
	}
	if len(data) > c.maxFrame {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", protocol.ErrInvalidMessage, len(data), c.maxFrame)
	}
	return c.writeFrame(data)
}

func (c *Channel) writeFrame(data []byte) error {
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.stream.Write(frame)
	return err
}

func (c *Channel) Listen(onMessage func([]byte), onClose func(string)) {
	if !c.listening.CompareAndSwap(false, true) {
		return
	}
	go c.readLoop(onMessage, onClose)
}

func (c *Channel) readLoop(onMessage func([]byte), onClose func(string)) {
	scanner := bufio.NewScanner(c.stream)
	scanner.Buffer(make([]byte, 0, 4096), c.maxFrame+1)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if onMessage != nil {
			onMessage(append([]byte(nil), line...))
		}
	}
	if onClose != nil {
		onClose(c.closeReason(scanner.Err()))
	}
}

func (c *Channel) closeReason(err error) string {
	if c.closing.Load() {
		if r, ok := c.reason.Load().(string); ok && r != "" {
			return r
		}
		return transport.ReasonLocalClose
	}
	var appErr *quic.ApplicationError
	if err == nil || (errors.As(err, &appErr) && appErr.Remote) {
		return transport.ReasonRemoteClose
	}
	return transport.ReasonReadError
}

func (c *Channel) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		c.closing.Store(true)
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, reason)
	})
	return err
}

// Dialer opens client channels to quic:// URLs.
type Dialer struct {
	config Config
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer(config Config) *Dialer {
	return &Dialer{config: config}
}

func (d *Dialer) Open(ctx context.Context, url string) (transport.Channel, error) {
	addr := strings.TrimPrefix(url, Scheme)

	tlsConfig := d.config.tlsConfig()
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			tlsConfig.ServerName = addr
		} else {
			tlsConfig.ServerName = host
		}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, d.config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrDialFailed, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("%w: open stream: %v", protocol.ErrDialFailed, err)
	}

	ch := newChannel(conn, stream, d.config.MaxFrameSize)
	// the peer only sees the stream once bytes flow
	if err := ch.writeFrame(nil); err != nil {
		_ = ch.Close("announce failed")
		return nil, fmt.Errorf("%w: announce: %v", protocol.ErrDialFailed, err)
	}
	return ch, nil
}

// Listener accepts server-side channels.
type Listener struct {
	listener *quic.Listener
	config   Config
}

// Listen binds addr. config.TLSConfig must carry a certificate.
func Listen(addr string, config Config) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, config.tlsConfig(), config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic: listen %s: %w", addr, err)
	}
	return &Listener{listener: ln, config: config}, nil
}

// Accept waits for the next connection and its message stream.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return newChannel(conn, stream, l.config.MaxFrameSize), nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	return l.listener.Close()
}
