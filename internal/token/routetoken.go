package token

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"

	"muruntime/internal/domain"
)

// RouteToken is the compact, single-use capability handed to a client to
// authorize its transfer into a specific MapInstance (spec.md §4.D/§9). It
// is a fixed-layout binary structure, not JSON, to keep the datagram frame
// carrying it small.
type RouteToken struct {
	TransferID  [16]byte
	SessionID   domain.SessionID
	CharacterID domain.CharacterID
	Route       domain.Route
	ExpiresAt   time.Time
}

const routeTokenMACSize = 32

var (
	// ErrRouteTokenExpired is returned when ExpiresAt has passed.
	ErrRouteTokenExpired = errors.New("token: route token expired")
	// ErrRouteTokenSignature is returned when the MAC does not verify.
	ErrRouteTokenSignature = errors.New("token: route token signature invalid")
	// ErrRouteTokenMalformed is returned when the byte layout is invalid.
	ErrRouteTokenMalformed = errors.New("token: route token malformed")
)

// RouteSigner signs and verifies RouteTokens with a keyed BLAKE2b-256 MAC.
// It holds no per-token state; single-use enforcement is the caller's
// responsibility (mapserver.Instance.Attach records consumed transfer_ids).
type RouteSigner struct {
	key []byte
}

// NewRouteSigner constructs a signer bound to the shared MAC key.
func NewRouteSigner(key []byte) *RouteSigner {
	return &RouteSigner{key: key}
}

// Sign encodes t and appends a keyed MAC, returning the wire-ready bytes.
func (s *RouteSigner) Sign(t RouteToken) ([]byte, error) {
	body := encodeRouteToken(t)
	mac, err := s.mac(body)
	if err != nil {
		return nil, err
	}
	return append(body, mac...), nil
}

// Verify decodes and authenticates a signed RouteToken, rejecting expired or
// tampered tokens before the caller ever inspects the route inside.
func (s *RouteSigner) Verify(signed []byte) (RouteToken, error) {
	if len(signed) <= routeTokenMACSize {
		return RouteToken{}, ErrRouteTokenMalformed
	}
	split := len(signed) - routeTokenMACSize
	body, mac := signed[:split], signed[split:]

	want, err := s.mac(body)
	if err != nil {
		return RouteToken{}, err
	}
	if !hmac.Equal(mac, want) {
		return RouteToken{}, ErrRouteTokenSignature
	}

	t, err := decodeRouteToken(body)
	if err != nil {
		return RouteToken{}, err
	}
	if t.ExpiresAt.Before(time.Now()) {
		return RouteToken{}, ErrRouteTokenExpired
	}
	return t, nil
}

func (s *RouteSigner) mac(body []byte) ([]byte, error) {
	h, err := blake2b.New256(s.key)
	if err != nil {
		return nil, err
	}
	h.Write(body)
	return h.Sum(nil), nil
}

// encodeRouteToken lays out the token as:
// transfer_id(16) | session_id_len(2) le | session_id | character_id_len(2) le | character_id |
// world_len(1) | world | entry_len(1) | entry | mapkind_len(1) | mapkind |
// instance_id_len(2) le | instance_id | expires_unix_ms(8) le
func encodeRouteToken(t RouteToken) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, t.TransferID[:]...)
	buf = appendString16(buf, string(t.SessionID))
	buf = appendString16(buf, string(t.CharacterID))
	buf = appendString8(buf, t.Route.World)
	buf = appendString8(buf, t.Route.EntryPoint)
	buf = appendString8(buf, t.Route.MapKind)
	buf = appendString16(buf, string(t.Route.InstanceID))
	var expires [8]byte
	binary.LittleEndian.PutUint64(expires[:], uint64(t.ExpiresAt.UnixMilli()))
	buf = append(buf, expires[:]...)
	return buf
}

func decodeRouteToken(b []byte) (RouteToken, error) {
	if len(b) < 16 {
		return RouteToken{}, ErrRouteTokenMalformed
	}
	var t RouteToken
	copy(t.TransferID[:], b[:16])
	rest := b[16:]

	sessionID, rest, err := readString16(rest)
	if err != nil {
		return RouteToken{}, err
	}
	characterID, rest, err := readString16(rest)
	if err != nil {
		return RouteToken{}, err
	}
	world, rest, err := readString8(rest)
	if err != nil {
		return RouteToken{}, err
	}
	entry, rest, err := readString8(rest)
	if err != nil {
		return RouteToken{}, err
	}
	mapKind, rest, err := readString8(rest)
	if err != nil {
		return RouteToken{}, err
	}
	instanceID, rest, err := readString16(rest)
	if err != nil {
		return RouteToken{}, err
	}
	if len(rest) != 8 {
		return RouteToken{}, ErrRouteTokenMalformed
	}
	expires := binary.LittleEndian.Uint64(rest)

	t.SessionID = domain.SessionID(sessionID)
	t.CharacterID = domain.CharacterID(characterID)
	t.Route = domain.Route{World: world, EntryPoint: entry, MapKind: mapKind, InstanceID: domain.InstanceID(instanceID)}
	t.ExpiresAt = time.UnixMilli(int64(expires))
	return t, nil
}

func appendString8(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func readString8(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, ErrRouteTokenMalformed
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, ErrRouteTokenMalformed
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

func appendString16(buf []byte, s string) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func readString16(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrRouteTokenMalformed
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, ErrRouteTokenMalformed
	}
	return string(b[:n]), b[n:], nil
}
