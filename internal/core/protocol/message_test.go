package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecDecodesEnvelope(t *testing.T) {
	var codec JSONCodec
	raw := []byte(`{"type":"operation","roomId":"r1","payload":{"type":"insert","position":0,"text":"x"},"extra":true}`)

	msg, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeOperation, msg.Type)
	assert.Equal(t, RoomID("r1"), msg.RoomID)
	assert.JSONEq(t, `{"type":"insert","position":0,"text":"x"}`, string(msg.Payload))
	assert.False(t, IsControl(msg.Type))
}

func TestJSONCodecRejectsMissingType(t *testing.T) {
	var codec JSONCodec

	_, err := codec.Decode([]byte(`{"roomId":"r1"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = codec.Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrDeserializationFailed)

	_, err = codec.Encode(Message{})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncodeIsNewlineFree(t *testing.T) {
	var codec JSONCodec
	msg, err := NewMessage(TypeCursor).WithPayload(map[string]any{"text": "a\nb"})
	require.NoError(t, err)

	data, err := codec.Encode(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\n")
}

func TestEncodeKeepsMarkup(t *testing.T) {
	var codec JSONCodec
	msg := NewMessage(TypeOperation)
	msg.RoomID = "<notes & drafts>"

	data, err := codec.Encode(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"roomId":"<notes & drafts>"`)

	again, err := codec.Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestPayloadRoundTrip(t *testing.T) {
	type cursor struct {
		Position int `json:"position"`
	}
	msg, err := NewMessage(TypeCursor).WithPayload(cursor{Position: 4})
	require.NoError(t, err)

	var out cursor
	require.NoError(t, msg.DecodePayload(&out))
	assert.Equal(t, 4, out.Position)

	assert.ErrorIs(t, NewMessage(TypeCursor).DecodePayload(&out), ErrInvalidMessage)
}

func TestTransportError(t *testing.T) {
	cause := errors.New("refused")
	err := NewTransportError("open", "ws://x", cause)

	assert.ErrorIs(t, err, ErrTransportFailed)
	assert.ErrorIs(t, err, cause)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "open", te.Op)
	assert.Contains(t, err.Error(), "ws://x")

	assert.NoError(t, NewTransportError("send", "", nil))
}

func TestControlTypes(t *testing.T) {
	for _, typ := range []string{TypeHeartbeat, TypeHeartbeatAck, TypeJoinRoom, TypeLeaveRoom} {
		assert.True(t, IsControl(typ), typ)
	}
	assert.Equal(t, "connected", StatusConnected.String())
	assert.NotEqual(t, GenerateConnectionID(), GenerateConnectionID())
}
