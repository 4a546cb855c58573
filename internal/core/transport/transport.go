// Package transport defines the bidirectional channel abstraction the
// registry consumes. Framing, TLS and the wire itself belong to the concrete
// adapters in the subpackages.
package transport

import (
	"context"
)

// Channel is one participant's bidirectional message pipe.
type Channel interface {
	// Send writes one whole message.
	Send(data []byte) error
	// Listen starts delivery. onMessage receives every inbound message in
	// order; onClose is called exactly once when the channel ends, locally or
	// remotely. Listen must be called at most once.
	Listen(onMessage func(data []byte), onClose func(reason string))
	// Close ends the channel with reason. Closing twice is a no-op.
	Close(reason string) error
}

// Dialer opens channels.
type Dialer interface {
	Open(ctx context.Context, url string) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Channel, error)

func (f DialerFunc) Open(ctx context.Context, url string) (Channel, error) {
	return f(ctx, url)
}

// Close reasons shared by adapters.
const (
	ReasonLocalClose  = "local_close"
	ReasonRemoteClose = "remote_close"
	ReasonReadError   = "read_error"
)
