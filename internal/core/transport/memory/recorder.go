package memory

import (
	"sync"

	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

// Recorder listens on a channel and keeps every decoded message. Optional
// Reply hooks let a fake peer answer (e.g. heartbeat acks).
type Recorder struct {
	ch    *Channel
	codec protocol.JSONCodec

	mu       sync.Mutex
	messages []protocol.Message
	closed   string
	isClosed bool
	reply    func(msg protocol.Message) []protocol.Message
}

// Record starts listening on ch.
func Record(ch *Channel) *Recorder {
	r := &Recorder{ch: ch}
	ch.Listen(r.onMessage, r.onClose)
	return r
}

// AutoAck makes the recorder answer every heartbeat with heartbeat_ack.
func (r *Recorder) AutoAck() *Recorder {
	return r.OnMessage(func(msg protocol.Message) []protocol.Message {
		if msg.Type == protocol.TypeHeartbeat {
			return []protocol.Message{protocol.NewMessage(protocol.TypeHeartbeatAck)}
		}
		return nil
	})
}

// OnMessage installs a reply hook.
func (r *Recorder) OnMessage(reply func(msg protocol.Message) []protocol.Message) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reply = reply
	return r
}

func (r *Recorder) onMessage(data []byte) {
	msg, err := r.codec.Decode(data)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	reply := r.reply
	r.mu.Unlock()

	if reply == nil {
		return
	}
	for _, out := range reply(msg) {
		_ = r.Send(out)
	}
}

func (r *Recorder) onClose(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = reason
	r.isClosed = true
}

// Send encodes and writes msg to the other end.
func (r *Recorder) Send(msg protocol.Message) error {
	data, err := r.codec.Encode(msg)
	if err != nil {
		return err
	}
	return r.ch.Send(data)
}

// Channel returns the recorded end.
func (r *Recorder) Channel() *Channel { return r.ch }

// Messages returns a snapshot of everything received.
func (r *Recorder) Messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.messages...)
}

// OfType returns received messages whose type is t.
func (r *Recorder) OfType(t string) []protocol.Message {
	var out []protocol.Message
	for _, m := range r.Messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Closed reports the close reason once the channel has ended.
func (r *Recorder) Closed() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.isClosed
}
