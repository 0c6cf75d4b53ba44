// Package protocol bridges the wire codec and the gameplay dispatcher: it
// normalizes raw frames into typed Ingress values, enforces the per-session
// rate limit, and answers the handful of payload kinds that never need to
// reach a MapServer.
package protocol

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"muruntime/internal/domain"
	"muruntime/internal/wire"
)

// SessionBinder is the narrow slice of SessionManager the protocol runtime
// needs to answer Hello. Session ownership stays in internal/session; this
// interface exists so protocol never imports it (spec.md §2's dispatch:
// control/session packets are handled by SessionManager+ProtocolRuntime
// together, driven by the CoreRuntime).
type SessionBinder interface {
	Begin(tokenBytes []byte, transportEndpoint string) (domain.BoundSession, *domain.ServerError)
	Touch(sessionID domain.SessionID)
}

// HelloPayload is the client's opening handshake body.
type HelloPayload struct {
	AuthToken []byte `json:"authToken"`
}

// HelloAckPayload answers a Hello without reaching a MapServer.
type HelloAckPayload struct {
	MOTD                 string   `json:"motd"`
	HeartbeatIntervalMs   uint32   `json:"heartbeatIntervalMs"`
	AuthorizedCharacters []string `json:"authorizedCharacterIds"`
}

// ChatPayload carries a chat line; every scope is forwarded to CoreRuntime,
// which routes Local to the owning MapServer's in-instance broadcast and
// Party/Guild/Global/Whisper to MessageHub. ScopeKey names the party/guild/
// whisper-recipient the message targets; Local ignores it.
type ChatPayload struct {
	Scope    string `json:"scope"`
	ScopeKey string `json:"scopeKey,omitempty"`
	Text     string `json:"text"`
}

// SelectCharacterPayload is the client's choice of which authorized
// character to play this session (spec.md §8's login+move scenario).
type SelectCharacterPayload struct {
	CharacterID string `json:"characterId"`
}

// MapTransferPayload carries a Route and a signed, single-use RouteToken
// authorizing entry into it. CoreRuntime sends it after SelectCharacter;
// a MapServer sends it after a live in-map transfer request.
type MapTransferPayload struct {
	Route      domain.Route `json:"route"`
	RouteToken []byte       `json:"routeToken"`
}

// MapTransferAckPayload is the client's confirmation that it holds a
// RouteToken and is ready to attach to the MapInstance it names.
type MapTransferAckPayload struct {
	TransferID string `json:"transferId"`
	RouteToken []byte `json:"routeToken"`
}

// EnterMapPayload confirms a completed attach, naming the map_kind the
// client is now inside (spec.md §8).
type EnterMapPayload struct {
	MapKind string `json:"mapKind"`
}

// defaultMOTD is the MOTD DefaultConfig serves verbatim in every HelloAck.
// A Runtime built with a different Config.MOTD (internal/config's
// protocol.motd key) serves that text instead.
const defaultMOTD = "Welcome back to the realm."

// Config tunes the baseline-reply behavior.
type Config struct {
	MOTD                string
	HeartbeatIntervalMs uint32
	RateLimit           RateLimitConfig
}

// DefaultConfig returns spec.md §6-aligned defaults.
func DefaultConfig() Config {
	return Config{
		MOTD:                defaultMOTD,
		HeartbeatIntervalMs: 15000,
		RateLimit:           DefaultRateLimitConfig(),
	}
}

// Outcome tags what a decoded frame resolved to.
type Outcome int

const (
	// OutcomeForward means the ingress packet should reach the dispatcher.
	OutcomeForward Outcome = iota
	// OutcomeReply means Reply holds an encoded frame to send back verbatim.
	OutcomeReply
	// OutcomeDrop means a ProtocolRuntime-level rejection (rate limit,
	// malformed payload JSON, a failed Hello) that reports a typed
	// ServerError back to the client. CoreRuntime always frames that reply
	// on the control channel, whatever channel the rejected frame used.
	OutcomeDrop
	// OutcomeCodecDrop means wire.Codec itself rejected the frame
	// (VersionMismatch/ChannelMismatch/OversizePayload/MalformedFraming).
	// Per spec.md §7 these never reach the client: the codec already
	// counted them in its own Stats, the datagram is silently dropped, and
	// the stream is reset. DropReason is set for server-side logging only.
	OutcomeCodecDrop
)

// Ingress is the result of decoding one client frame.
type Ingress struct {
	Outcome    Outcome
	Packet     wire.WirePacket
	Reply      []byte
	DropReason *domain.ServerError
	// SessionID is set on a successful Hello reply, since a transport layer
	// registering the connection for out-of-band pushes (MapTransfer,
	// StateDelta) has no other way to learn the SessionID a fresh Hello
	// created — HelloAck itself only carries MOTD and character data.
	SessionID domain.SessionID
}

// Runtime implements the bridge between internal/wire and the gameplay
// dispatcher (spec.md §4.B).
type Runtime struct {
	cfg     Config
	codec   *wire.Codec
	binder  SessionBinder
	limiter *limiterSet

	mu      sync.Mutex
	streams map[domain.SessionID]*wire.StreamDecoder
}

// NewRuntime constructs a ProtocolRuntime over codec, answering Hello via
// binder.
func NewRuntime(codec *wire.Codec, binder SessionBinder, cfg Config) *Runtime {
	return &Runtime{
		cfg:     cfg,
		codec:   codec,
		binder:  binder,
		limiter: newLimiterSet(cfg.RateLimit),
		streams: make(map[domain.SessionID]*wire.StreamDecoder),
	}
}

// DecodeDatagram implements decode_datagram(bytes) → Ingress | Drop.
// transportEndpoint keys the rate limiter and is used verbatim as the
// endpoint passed to SessionBinder.Begin on Hello, since a session may not
// exist yet for datagrams that precede a successful handshake.
func (r *Runtime) DecodeDatagram(frame []byte, transportEndpoint string) Ingress {
	if !r.limiter.Allow(transportEndpoint) {
		return dropWith(domain.ErrRateLimited, "rate limit exceeded")
	}
	p, err := r.codec.DecodeDatagram(frame)
	if err != nil {
		return dropFromCodecErr(err)
	}
	return r.handle(p, transportEndpoint)
}

// DecodeStreamChunk implements decode_stream_chunk(session, bytes) →
// iterator<Ingress>, materialized here as a slice since Go has no lazy
// iterator idiom as portable as testify-friendly slices.
func (r *Runtime) DecodeStreamChunk(sessionID domain.SessionID, chunk []byte) []Ingress {
	key := string(sessionID)
	if !r.limiter.Allow(key) {
		return []Ingress{dropWith(domain.ErrRateLimited, "rate limit exceeded")}
	}
	dec := r.streamDecoderFor(sessionID)

	packets, err := dec.Feed(chunk)
	if err != nil {
		// The decoder's internal buffer is left holding the unconsumed,
		// undecodable bytes; a fresh decoder next call is the reset.
		r.DropStream(sessionID)
		return []Ingress{dropFromCodecErr(err)}
	}
	out := make([]Ingress, 0, len(packets))
	for _, p := range packets {
		out = append(out, r.handle(p, string(sessionID)))
	}
	return out
}

// DropStream releases the per-session partial-frame buffer, called on
// session close (spec.md §4.C's close notifying subscribers).
func (r *Runtime) DropStream(sessionID domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, sessionID)
	r.limiter.Drop(string(sessionID))
}

func (r *Runtime) streamDecoderFor(sessionID domain.SessionID) *wire.StreamDecoder {
	r.mu.Lock()
	defer r.mu.Unlock()
	dec, ok := r.streams[sessionID]
	if !ok {
		dec = r.codec.NewStreamDecoder()
		r.streams[sessionID] = dec
	}
	return dec
}

func (r *Runtime) handle(p wire.WirePacket, transportEndpoint string) Ingress {
	switch p.PayloadKnd {
	case wire.PayloadHello:
		return r.handleHello(p, transportEndpoint)
	case wire.PayloadKeepAlive:
		return r.handlePong(p)
	default:
		return Ingress{Outcome: OutcomeForward, Packet: p}
	}
}

func (r *Runtime) handleHello(p wire.WirePacket, transportEndpoint string) Ingress {
	var hello HelloPayload
	if err := json.Unmarshal(p.Payload, &hello); err != nil {
		return dropWith(domain.ErrInvalidAction, "malformed hello payload")
	}
	bound, sErr := r.binder.Begin(hello.AuthToken, transportEndpoint)
	if sErr != nil {
		return Ingress{Outcome: OutcomeDrop, DropReason: sErr}
	}

	ack := HelloAckPayload{
		MOTD:                 r.cfg.MOTD,
		HeartbeatIntervalMs:   bound.HeartbeatIntervalMs,
		AuthorizedCharacters: bound.AuthorizedCharacters,
	}
	body, err := json.Marshal(ack)
	if err != nil {
		return dropWith(domain.ErrFatalFailure, "failed to encode hello ack")
	}
	reply, err := r.codec.EncodeDatagram(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelControl,
		SessionID:  p.SessionID,
		SentAtMs:   uint64(time.Now().UnixMilli()),
		PayloadKnd: wire.PayloadHelloAck,
		Payload:    body,
	})
	if err != nil {
		return dropWith(domain.ErrFatalFailure, "failed to frame hello ack")
	}
	return Ingress{Outcome: OutcomeReply, Reply: reply, SessionID: bound.SessionID}
}

func (r *Runtime) handlePong(p wire.WirePacket) Ingress {
	r.binder.Touch(sessionIDFromUUID(p.SessionID))
	reply, err := r.codec.EncodeDatagram(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelControl,
		SessionID:  p.SessionID,
		SentAtMs:   uint64(time.Now().UnixMilli()),
		PayloadKnd: wire.PayloadPong,
		Payload:    nil,
	})
	if err != nil {
		return dropWith(domain.ErrFatalFailure, "failed to frame pong")
	}
	return Ingress{Outcome: OutcomeReply, Reply: reply}
}

func dropWith(kind domain.ErrorKind, msg string) Ingress {
	return Ingress{Outcome: OutcomeDrop, DropReason: domain.NewServerError(kind, msg)}
}

// dropFromCodecErr never produces a client-visible reply: wire.Codec has
// already counted the rejection in its own Stats, so this only carries
// enough of the reason for server-side logging.
func dropFromCodecErr(err error) Ingress {
	var codecErr *wire.CodecError
	if e, ok := err.(*wire.CodecError); ok {
		codecErr = e
	}
	if codecErr == nil {
		return Ingress{Outcome: OutcomeCodecDrop, DropReason: domain.NewServerError(domain.ErrInvalidAction, err.Error())}
	}
	kind := domain.ErrInvalidAction
	if codecErr.Kind == wire.ErrVersionMismatch {
		kind = domain.ErrVersionMismatch
	}
	return Ingress{Outcome: OutcomeCodecDrop, DropReason: domain.NewServerError(kind, codecErr.Error())}
}

func sessionIDFromUUID(id uuid.UUID) domain.SessionID {
	return domain.SessionID(id.String())
}
