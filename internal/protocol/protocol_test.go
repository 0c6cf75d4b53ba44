package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"muruntime/internal/domain"
	"muruntime/internal/wire"
)

type fakeBinder struct {
	begin func(tokenBytes []byte, endpoint string) (domain.BoundSession, *domain.ServerError)
	touch func(domain.SessionID)
}

func (f *fakeBinder) Begin(tokenBytes []byte, endpoint string) (domain.BoundSession, *domain.ServerError) {
	return f.begin(tokenBytes, endpoint)
}

func (f *fakeBinder) Touch(id domain.SessionID) {
	if f.touch != nil {
		f.touch(id)
	}
}

func newTestRuntime(binder SessionBinder) *Runtime {
	codec := wire.New(wire.DefaultLimits())
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{BurstSize: 1000, RefillPerSecond: 1000}
	return NewRuntime(codec, binder, cfg)
}

func encodeDatagram(t *testing.T, codec *wire.Codec, p wire.WirePacket) []byte {
	t.Helper()
	frame, err := codec.EncodeDatagram(p)
	require.NoError(t, err)
	return frame
}

func TestHelloProducesHelloAck(t *testing.T) {
	binder := &fakeBinder{
		begin: func(tokenBytes []byte, endpoint string) (domain.BoundSession, *domain.ServerError) {
			require.Equal(t, "endpoint-1", endpoint)
			return domain.BoundSession{
				SessionID:            "sess-1",
				HeartbeatIntervalMs:  15000,
				AuthorizedCharacters: []string{"char-1"},
			}, nil
		},
	}
	r := newTestRuntime(binder)
	codec := wire.New(wire.DefaultLimits())

	body, err := json.Marshal(HelloPayload{AuthToken: []byte("tok")})
	require.NoError(t, err)
	frame := encodeDatagram(t, codec, wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelControl,
		SessionID:  uuid.New(),
		PayloadKnd: wire.PayloadHello,
		Payload:    body,
	})

	out := r.DecodeDatagram(frame, "endpoint-1")
	require.Equal(t, OutcomeReply, out.Outcome)

	replyPacket, err := codec.DecodeDatagram(out.Reply)
	require.NoError(t, err)
	require.Equal(t, wire.PayloadHelloAck, replyPacket.PayloadKnd)

	var ack HelloAckPayload
	require.NoError(t, json.Unmarshal(replyPacket.Payload, &ack))
	require.Equal(t, []string{"char-1"}, ack.AuthorizedCharacters)
}

func TestHelloRejectedByBinder(t *testing.T) {
	binder := &fakeBinder{
		begin: func(tokenBytes []byte, endpoint string) (domain.BoundSession, *domain.ServerError) {
			return domain.BoundSession{}, domain.NewServerError(domain.ErrInvalidToken, "bad token")
		},
	}
	r := newTestRuntime(binder)
	codec := wire.New(wire.DefaultLimits())

	body, err := json.Marshal(HelloPayload{AuthToken: []byte("bad")})
	require.NoError(t, err)
	frame := encodeDatagram(t, codec, wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelControl,
		SessionID:  uuid.New(),
		PayloadKnd: wire.PayloadHello,
		Payload:    body,
	})

	out := r.DecodeDatagram(frame, "endpoint-1")
	require.Equal(t, OutcomeDrop, out.Outcome)
	require.Equal(t, domain.ErrInvalidToken, out.DropReason.Kind)
}

func TestKeepAliveProducesPong(t *testing.T) {
	touched := false
	binder := &fakeBinder{touch: func(domain.SessionID) { touched = true }}
	r := newTestRuntime(binder)
	codec := wire.New(wire.DefaultLimits())

	frame := encodeDatagram(t, codec, wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelControl,
		SessionID:  uuid.New(),
		PayloadKnd: wire.PayloadKeepAlive,
	})

	out := r.DecodeDatagram(frame, "endpoint-1")
	require.Equal(t, OutcomeReply, out.Outcome)
	require.True(t, touched)

	replyPacket, err := codec.DecodeDatagram(out.Reply)
	require.NoError(t, err)
	require.Equal(t, wire.PayloadPong, replyPacket.PayloadKnd)
}

func TestLocalChatForwarded(t *testing.T) {
	r := newTestRuntime(&fakeBinder{})
	codec := wire.New(wire.DefaultLimits())

	body, err := json.Marshal(ChatPayload{Scope: "Local", Text: "hi"})
	require.NoError(t, err)
	frame, err := codec.EncodeStream(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelChat,
		SessionID:  uuid.New(),
		PayloadKnd: wire.PayloadChat,
		Payload:    body,
	})
	require.NoError(t, err)

	outs := r.DecodeStreamChunk("sess-1", frame)
	require.Len(t, outs, 1)
	require.Equal(t, OutcomeForward, outs[0].Outcome)
}

func TestPartyChatForwarded(t *testing.T) {
	r := newTestRuntime(&fakeBinder{})
	codec := wire.New(wire.DefaultLimits())

	body, err := json.Marshal(ChatPayload{Scope: "Party", Text: "hi"})
	require.NoError(t, err)
	frame, err := codec.EncodeStream(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelChat,
		SessionID:  uuid.New(),
		PayloadKnd: wire.PayloadChat,
		Payload:    body,
	})
	require.NoError(t, err)

	outs := r.DecodeStreamChunk("sess-1", frame)
	require.Len(t, outs, 1)
	require.Equal(t, OutcomeForward, outs[0].Outcome)
}

func TestUnrecognizedPayloadForwarded(t *testing.T) {
	r := newTestRuntime(&fakeBinder{})
	codec := wire.New(wire.DefaultLimits())

	frame := encodeDatagram(t, codec, wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelGameplayInput,
		SessionID:  uuid.New(),
		PayloadKnd: wire.PayloadMove,
		Payload:    []byte("x"),
	})

	out := r.DecodeDatagram(frame, "endpoint-1")
	require.Equal(t, OutcomeForward, out.Outcome)
}

func TestRateLimitExceeded(t *testing.T) {
	binder := &fakeBinder{touch: func(domain.SessionID) {}}
	codec := wire.New(wire.DefaultLimits())
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{BurstSize: 1, RefillPerSecond: 0}
	r := NewRuntime(codec, binder, cfg)

	frame := encodeDatagram(t, codec, wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelControl,
		SessionID:  uuid.New(),
		PayloadKnd: wire.PayloadKeepAlive,
	})

	first := r.DecodeDatagram(frame, "endpoint-1")
	require.Equal(t, OutcomeReply, first.Outcome)

	second := r.DecodeDatagram(frame, "endpoint-1")
	require.Equal(t, OutcomeDrop, second.Outcome)
	require.Equal(t, domain.ErrRateLimited, second.DropReason.Kind)
}

func TestVersionMismatchIsSilentlyCodecDropped(t *testing.T) {
	r := newTestRuntime(&fakeBinder{})
	codec := wire.New(wire.DefaultLimits())

	frame := encodeDatagram(t, codec, wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelControl,
		SessionID:  uuid.New(),
		PayloadKnd: wire.PayloadKeepAlive,
	})
	frame[2] = 0x01 // corrupt the version field's high byte inside the envelope

	out := r.DecodeDatagram(frame, "endpoint-1")
	require.Equal(t, OutcomeCodecDrop, out.Outcome)
	require.Equal(t, domain.ErrVersionMismatch, out.DropReason.Kind)
}

func TestMalformedStreamFramingResetsWithoutABindableReply(t *testing.T) {
	r := newTestRuntime(&fakeBinder{})
	codec := wire.New(wire.DefaultLimits())

	frame, err := codec.EncodeStream(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelChat,
		SessionID:  uuid.New(),
		PayloadKnd: wire.PayloadChat,
		Payload:    []byte(`{}`),
	})
	require.NoError(t, err)
	frame[0] = 'X' // corrupt the stream magic prefix

	outs := r.DecodeStreamChunk("sess-1", frame)
	require.Len(t, outs, 1)
	require.Equal(t, OutcomeCodecDrop, outs[0].Outcome)
	require.Equal(t, domain.ErrInvalidAction, outs[0].DropReason.Kind)

	r.mu.Lock()
	_, stillBuffered := r.streams["sess-1"]
	r.mu.Unlock()
	require.False(t, stillBuffered, "a codec-level stream error must drop the corrupted decoder")
}
