package quic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackRoundTrip(t *testing.T) {
	serverTLS, err := SelfSignedTLS("127.0.0.1", "localhost")
	require.NoError(t, err)

	serverCfg := DefaultConfig()
	serverCfg.TLSConfig = serverTLS
	ln, err := Listen("127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Channel, 1)
	go func() {
		ch, err := ln.Accept(ctx)
		if err == nil {
			accepted <- ch
		}
	}()

	client, err := NewDialer(DefaultConfig()).Open(ctx, Scheme+ln.Addr().String())
	require.NoError(t, err)

	var server *Channel
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("server did not accept")
	}

	server.Listen(func(data []byte) {
		_ = server.Send(data)
	}, nil)

	var mu sync.Mutex
	var got []string
	client.Listen(func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}, nil)

	require.NoError(t, client.Send([]byte(`{"type":"heartbeat"}`)))
	require.NoError(t, client.Send([]byte(`{"type":"join_room","roomId":"r"}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"type":"heartbeat"}`, got[0])

	require.NoError(t, client.Close("done"))
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	ch := newChannel(nil, nil, 4)
	assert.Error(t, ch.Send([]byte("too large")))
}
