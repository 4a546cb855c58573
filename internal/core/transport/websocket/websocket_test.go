package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/zeuscollab/internal/core/transport"
)

type sink struct {
	mu       sync.Mutex
	messages []string
	reason   string
	closed   bool
}

func (s *sink) onMessage(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, string(data))
}

func (s *sink) onClose(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
	s.closed = true
}

func (s *sink) snapshot() ([]string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...), s.reason, s.closed
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := NewUpgrader(DefaultConfig())
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		ch.Listen(func(data []byte) {
			_ = ch.Send(data)
		}, nil)
	}))
}

func TestDialerEcho(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := NewDialer(DefaultConfig(), nil)

	ch, err := d.Open(context.Background(), url)
	require.NoError(t, err)

	s := &sink{}
	ch.Listen(s.onMessage, s.onClose)
	require.NoError(t, ch.Send([]byte(`{"type":"heartbeat"}`)))

	require.Eventually(t, func() bool {
		msgs, _, _ := s.snapshot()
		return len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Close("heartbeat_timeout"))
	require.Eventually(t, func() bool {
		_, _, closed := s.snapshot()
		return closed
	}, 2*time.Second, 10*time.Millisecond)
	_, reason, _ := s.snapshot()
	assert.Equal(t, "heartbeat_timeout", reason)

	assert.Error(t, ch.Send([]byte("late")))
}

func TestServerCloseIsRemote(t *testing.T) {
	up := NewUpgrader(DefaultConfig())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		_ = ch.Close("shutting_down")
	}))
	defer srv.Close()

	ch, err := NewDialer(DefaultConfig(), nil).Open(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	s := &sink{}
	ch.Listen(s.onMessage, s.onClose)
	require.Eventually(t, func() bool {
		_, _, closed := s.snapshot()
		return closed
	}, 2*time.Second, 10*time.Millisecond)
	_, reason, _ := s.snapshot()
	assert.Equal(t, transport.ReasonRemoteClose, reason)
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewDialer(DefaultConfig(), nil).Open(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	assert.Error(t, err)
}

func TestTruncateReason(t *testing.T) {
	assert.Len(t, truncateReason(strings.Repeat("x", 200)), 123)
	assert.Equal(t, "ok", truncateReason("ok"))
}
