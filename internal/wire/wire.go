// Package wire implements the framed binary envelope shared by every
// transport channel: encode/decode for both datagram and stream framing,
// and the per-channel size and category rules from the wire protocol.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// SupportedVersion is the wire-protocol revision this codec understands.
// An exact mismatch rejects the packet (spec §6).
const SupportedVersion uint16 = 0x0200 // 2.0

// Channel identifies one of the five logical channels multiplexed over the
// transport. It is the first byte of every datagram frame and the third
// byte of every stream frame.
type Channel uint8

const (
	ChannelControl       Channel = 0
	ChannelChat          Channel = 1
	ChannelGameplayInput Channel = 2
	ChannelGameplayEvent Channel = 3
	ChannelEconomy       Channel = 4
)

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelChat:
		return "chat"
	case ChannelGameplayInput:
		return "gameplay_input"
	case ChannelGameplayEvent:
		return "gameplay_event"
	case ChannelEconomy:
		return "economy"
	default:
		return "unknown"
	}
}

// Reliable reports whether the channel is carried over the reliable stream
// transport (true) or the unreliable datagram transport (false).
func (c Channel) Reliable() bool {
	return c != ChannelGameplayInput
}

// PayloadKind identifies the typed body carried in a WirePacket, used to
// enforce the channel/category pairing rule (spec §4.A, §8).
type PayloadKind uint8

const (
	PayloadHello PayloadKind = iota
	PayloadHelloAck
	PayloadKeepAlive
	PayloadPong
	PayloadSelectCharacter
	PayloadMapTransfer
	PayloadMapTransferAck
	PayloadEnterMap
	PayloadMove
	PayloadStateDelta
	PayloadChat
	PayloadEconomyAction
	PayloadEconomyResult
	PayloadServerError
	PayloadLogout
)

// channelForPayload is the authoritative payload-kind -> channel mapping
// used both to encode outgoing packets and to validate incoming ones.
var channelForPayload = map[PayloadKind]Channel{
	PayloadHello:           ChannelControl,
	PayloadHelloAck:        ChannelControl,
	PayloadKeepAlive:       ChannelControl,
	PayloadPong:            ChannelControl,
	PayloadSelectCharacter: ChannelControl,
	PayloadMapTransfer:     ChannelControl,
	PayloadMapTransferAck:  ChannelControl,
	PayloadEnterMap:        ChannelControl,
	PayloadLogout:          ChannelControl,
	PayloadMove:            ChannelGameplayInput,
	PayloadStateDelta:      ChannelGameplayEvent,
	PayloadChat:            ChannelChat,
	PayloadEconomyAction:   ChannelEconomy,
	PayloadEconomyResult:   ChannelEconomy,
	PayloadServerError:     ChannelControl,
}

// ChannelOf returns the channel a payload kind is authorized to travel on.
func ChannelOf(kind PayloadKind) (Channel, bool) {
	c, ok := channelForPayload[kind]
	return c, ok
}

// Default per-channel size caps (spec §6).
const (
	DefaultMaxDatagramSize      = 1200
	DefaultMaxStreamPayloadSize = 65536
)

// ErrorKind enumerates the codec-level rejection reasons (spec §4.A).
type ErrorKind string

const (
	ErrVersionMismatch  ErrorKind = "VersionMismatch"
	ErrChannelMismatch  ErrorKind = "ChannelMismatch"
	ErrOversizePayload  ErrorKind = "OversizePayload"
	ErrMalformedFraming ErrorKind = "MalformedFraming"
)

// CodecError reports a codec-level rejection. Codec errors are never
// forwarded to the client (spec §7): they are counted as metrics and the
// datagram is dropped, or the stream is reset.
type CodecError struct {
	Kind ErrorKind
	Msg  string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("wire: %s: %s", e.Kind, e.Msg)
}

func newError(kind ErrorKind, format string, args ...any) *CodecError {
	return &CodecError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WirePacket is the envelope carried by every frame, client- or
// server-origin (spec §4.A).
type WirePacket struct {
	Version    uint16
	ChannelID  Channel
	SessionID  uuid.UUID
	Sequence   uint32
	Ack        uint32
	SentAtMs   uint64
	PayloadKnd PayloadKind
	Payload    []byte
}

// Limits configures the per-channel caps enforced during decode.
type Limits struct {
	MaxDatagramSize      int
	MaxStreamPayloadSize int
}

// DefaultLimits returns the spec-mandated default caps.
func DefaultLimits() Limits {
	return Limits{
		MaxDatagramSize:      DefaultMaxDatagramSize,
		MaxStreamPayloadSize: DefaultMaxStreamPayloadSize,
	}
}

// Stats accumulates codec-level counters, read through Codec.Stats.
// /runtime/stats does not report them.
type Stats struct {
	Decoded  uint64
	Rejected map[ErrorKind]uint64
}

func newStats() *Stats {
	return &Stats{Rejected: make(map[ErrorKind]uint64)}
}

// Codec encodes and decodes WirePacket envelopes for both the datagram and
// stream transports, tracking per-channel size limits and rejection stats.
type Codec struct {
	limits Limits
	stats  Stats
}

// New constructs a Codec with the given per-channel size limits.
func New(limits Limits) *Codec {
	if limits.MaxDatagramSize <= 0 {
		limits.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if limits.MaxStreamPayloadSize <= 0 {
		limits.MaxStreamPayloadSize = DefaultMaxStreamPayloadSize
	}
	return &Codec{limits: limits, stats: Stats{Rejected: make(map[ErrorKind]uint64)}}
}

// Stats returns a snapshot of accumulated decode counters.
func (c *Codec) Stats() Stats {
	snap := Stats{Rejected: make(map[ErrorKind]uint64, len(c.stats.Rejected))}
	snap.Decoded = c.stats.Decoded
	for k, v := range c.stats.Rejected {
		snap.Rejected[k] = v
	}
	return snap
}

func (c *Codec) reject(kind ErrorKind) *CodecError {
	c.stats.Rejected[kind]++
	return newError(kind, "%s", kind)
}

// EncodeDatagram serializes p as a datagram frame: byte 0 is the channel
// id, the remainder is the compact binary envelope.
func (c *Codec) EncodeDatagram(p WirePacket) ([]byte, error) {
	body, err := encodeEnvelope(p)
	if err != nil {
		return nil, err
	}
	if len(body) > c.limits.MaxDatagramSize {
		return nil, c.reject(ErrOversizePayload)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(p.ChannelID))
	out = append(out, body...)
	return out, nil
}

// DecodeDatagram parses a datagram frame, validating version, channel
// agreement with the payload kind, and the size cap.
func (c *Codec) DecodeDatagram(frame []byte) (WirePacket, error) {
	if len(frame) < 1 {
		return WirePacket{}, c.reject(ErrMalformedFraming)
	}
	if len(frame) > c.limits.MaxDatagramSize+1 {
		return WirePacket{}, c.reject(ErrOversizePayload)
	}
	channelID := Channel(frame[0])
	p, err := decodeEnvelope(frame[1:])
	if err != nil {
		c.stats.Rejected[ErrMalformedFraming]++
		return WirePacket{}, err
	}
	p.ChannelID = channelID
	if err := c.validate(p); err != nil {
		return WirePacket{}, err
	}
	c.stats.Decoded++
	return p, nil
}

const streamMagic = "MU"

// EncodeStream serializes p as a length-prefixed stream frame:
// magic "MU", channel id, u32-LE length, payload bytes.
func (c *Codec) EncodeStream(p WirePacket) ([]byte, error) {
	body, err := encodeEnvelope(p)
	if err != nil {
		return nil, err
	}
	if len(body) > c.limits.MaxStreamPayloadSize {
		return nil, c.reject(ErrOversizePayload)
	}
	out := make([]byte, 0, len(streamMagic)+1+4+len(body))
	out = append(out, streamMagic...)
	out = append(out, byte(p.ChannelID))
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(body)))
	out = append(out, lenBuf...)
	out = append(out, body...)
	return out, nil
}

// StreamDecoder maintains a per-session partial-buffer over a reliable
// stream and yields complete frames as they arrive (spec §4.A/§4.B).
type StreamDecoder struct {
	codec *Codec
	buf   []byte
}

// NewStreamDecoder constructs a decoder bound to codec's limits.
func (c *Codec) NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{codec: c}
}

// Feed appends newly-received bytes and returns every WirePacket that could
// be fully decoded from the accumulated buffer.
func (d *StreamDecoder) Feed(chunk []byte) ([]WirePacket, error) {
	d.buf = append(d.buf, chunk...)
	var out []WirePacket
	for {
		p, consumed, err := d.tryDecodeOne()
		if err != nil {
			return out, err
		}
		if consumed == 0 {
			break
		}
		d.buf = d.buf[consumed:]
		out = append(out, p)
	}
	return out, nil
}

func (d *StreamDecoder) tryDecodeOne() (WirePacket, int, error) {
	const headerLen = len(streamMagic) + 1 + 4
	if len(d.buf) < headerLen {
		return WirePacket{}, 0, nil
	}
	if string(d.buf[0:2]) != streamMagic {
		return WirePacket{}, 0, d.codec.reject(ErrMalformedFraming)
	}
	channelID := Channel(d.buf[2])
	length := binary.LittleEndian.Uint32(d.buf[3:7])
	if int(length) > d.codec.limits.MaxStreamPayloadSize {
		return WirePacket{}, 0, d.codec.reject(ErrOversizePayload)
	}
	total := headerLen + int(length)
	if len(d.buf) < total {
		return WirePacket{}, 0, nil // wait for more bytes; not malformed
	}
	body := d.buf[headerLen:total]
	p, err := decodeEnvelope(body)
	if err != nil {
		return WirePacket{}, 0, d.codec.reject(ErrMalformedFraming)
	}
	p.ChannelID = channelID
	if err := d.codec.validate(p); err != nil {
		return WirePacket{}, total, err
	}
	d.codec.stats.Decoded++
	return p, total, nil
}

func (c *Codec) validate(p WirePacket) error {
	if p.Version != SupportedVersion {
		return c.reject(ErrVersionMismatch)
	}
	expected, ok := ChannelOf(p.PayloadKnd)
	if ok && expected != p.ChannelID {
		return c.reject(ErrChannelMismatch)
	}
	return nil
}

// encodeEnvelope writes the compact binary WirePacket body (without the
// framing channel byte / stream header).
func encodeEnvelope(p WirePacket) ([]byte, error) {
	// version(2) + channel(1) + sessionID(16) + sequence(4) + ack(4) +
	// sentAt(8) + payloadKind(1) + payloadLen(4) + payload
	buf := make([]byte, 0, 40+len(p.Payload))
	tmp2 := make([]byte, 2)
	binary.LittleEndian.PutUint16(tmp2, p.Version)
	buf = append(buf, tmp2...)
	buf = append(buf, byte(p.ChannelID))
	sid := p.SessionID
	buf = append(buf, sid[:]...)
	tmp4 := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp4, p.Sequence)
	buf = append(buf, tmp4...)
	binary.LittleEndian.PutUint32(tmp4, p.Ack)
	buf = append(buf, tmp4...)
	tmp8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp8, p.SentAtMs)
	buf = append(buf, tmp8...)
	buf = append(buf, byte(p.PayloadKnd))
	binary.LittleEndian.PutUint32(tmp4, uint32(len(p.Payload)))
	buf = append(buf, tmp4...)
	buf = append(buf, p.Payload...)
	return buf, nil
}

const envelopeHeaderLen = 2 + 1 + 16 + 4 + 4 + 8 + 1 + 4

func decodeEnvelope(b []byte) (WirePacket, error) {
	if len(b) < envelopeHeaderLen {
		return WirePacket{}, fmt.Errorf("wire: envelope too short: %d bytes", len(b))
	}
	var p WirePacket
	off := 0
	p.Version = binary.LittleEndian.Uint16(b[off:])
	off += 2
	p.ChannelID = Channel(b[off])
	off++
	copy(p.SessionID[:], b[off:off+16])
	off += 16
	p.Sequence = binary.LittleEndian.Uint32(b[off:])
	off += 4
	p.Ack = binary.LittleEndian.Uint32(b[off:])
	off += 4
	p.SentAtMs = binary.LittleEndian.Uint64(b[off:])
	off += 8
	p.PayloadKnd = PayloadKind(b[off])
	off++
	payloadLen := binary.LittleEndian.Uint32(b[off:])
	off += 4
	if uint32(len(b)-off) < payloadLen {
		return WirePacket{}, fmt.Errorf("wire: payload length %d inconsistent with %d remaining bytes", payloadLen, len(b)-off)
	}
	p.Payload = append([]byte(nil), b[off:off+int(payloadLen)]...)
	return p, nil
}
