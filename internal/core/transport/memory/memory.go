// Package memory is an in-process transport: channels are connected pipes
// with unbounded, ordered, asynchronous delivery. It backs tests and
// single-process embedding.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/internal/core/transport"
)

var ErrNoListener = errors.New("memory: no listener for url")

var _ transport.Channel = (*Channel)(nil)

// Channel is one end of a pipe.
type Channel struct {
	peer *Channel

	mu        sync.Mutex
	cond      *sync.Cond
	queue     [][]byte
	closed    bool
	reason    string
	listening bool
	done      chan struct{}
}

func newChannel() *Channel {
	c := &Channel{done: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Pipe returns two connected channel ends.
func Pipe() (*Channel, *Channel) {
	a, b := newChannel(), newChannel()
	a.peer, b.peer = b, a
	return a, b
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return protocol.ErrChannelClosed
	}
	c.peer.enqueue(append([]byte(nil), data...))
	return nil
}

func (c *Channel) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, data)
	c.cond.Signal()
}

func (c *Channel) Listen(onMessage func([]byte), onClose func(string)) {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return
	}
	c.listening = true
	c.mu.Unlock()

	go c.deliver(onMessage, onClose)
}

func (c *Channel) deliver(onMessage func([]byte), onClose func(string)) {
	defer close(c.done)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) > 0 {
			data := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			if onMessage != nil {
				onMessage(data)
			}
			continue
		}
		reason := c.reason
		c.mu.Unlock()
		if onClose != nil {
			onClose(reason)
		}
		return
	}
}

// Close ends both sides. Pending inbound messages on this side are dropped;
// the peer drains what it already received and then sees ReasonRemoteClose.
func (c *Channel) Close(reason string) error {
	if !c.shutdown(reason, true) {
		return nil
	}
	c.peer.shutdown(transport.ReasonRemoteClose, false)
	return nil
}

func (c *Channel) shutdown(reason string, drop bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.reason = reason
	if drop {
		c.queue = nil
	}
	c.cond.Broadcast()
	return true
}

// Closed reports whether this end has been closed.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed after onClose returned. It never closes if Listen was not
// called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Network routes Open calls to registered accept handlers by URL.
type Network struct {
	mu       sync.Mutex
	handlers map[string]func(peer *Channel)
	refused  map[string]error
	dials    map[string]int
}

var _ transport.Dialer = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]func(peer *Channel)),
		refused:  make(map[string]error),
		dials:    make(map[string]int),
	}
}

// Handle registers accept for url. accept runs synchronously inside Open and
// receives the server end, which it should Listen on.
func (n *Network) Handle(url string, accept func(peer *Channel)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[url] = accept
}

// Refuse makes Open fail for url with err until Allow is called.
func (n *Network) Refuse(url string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("memory: connection refused: %s", url)
	}
	n.refused[url] = err
}

func (n *Network) Allow(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.refused, url)
}

// Dials counts Open calls for url, successful or not.
func (n *Network) Dials(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[url]
}

func (n *Network) Open(ctx context.Context, url string) (transport.Channel, error) {
	n.mu.Lock()
	n.dials[url]++
	refused := n.refused[url]
	accept, ok := n.handlers[url]
	n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if refused != nil {
		return nil, refused
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, url)
	}

	client, server := Pipe()
	accept(server)
	return client, nil
}
