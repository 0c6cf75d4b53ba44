// Package domain holds the identifiers and cross-cutting types shared by
// every runtime component, so that session, directory, mapserver, and
// persistence packages can reference each other's entities without
// importing each other directly (spec.md §3, §9's asymmetric-reference note).
package domain

import (
	"encoding/json"
	"time"
)

// AccountID is the stable opaque identifier owned by the HTTP token issuer.
type AccountID string

// CharacterID identifies a gameplay entity.
type CharacterID string

// SessionID is a 128-bit random live-transport-binding identifier.
type SessionID string

// InstanceID identifies one running MapInstance.
type InstanceID string

// MonsterID identifies one simulated monster within a MapInstance. Monsters
// are not part of the persisted data model; the identifier only needs to
// stay stable for the lifetime of the instance that spawned it.
type MonsterID string

// Route identifies a destination MapInstance: (world, entry, map_kind, instance_id).
type Route struct {
	World      string     `json:"world"`
	EntryPoint string     `json:"entryPoint"`
	MapKind    string     `json:"mapKind"`
	InstanceID InstanceID `json:"instanceId"`
}

// Empty reports whether the route names no instance yet.
func (r Route) Empty() bool {
	return r.InstanceID == ""
}

// SessionState enumerates the Session lifecycle states (spec.md §3).
type SessionState string

const (
	SessionAwaitingHello SessionState = "AwaitingHello"
	SessionAuthenticated SessionState = "Authenticated"
	SessionInMap         SessionState = "InMap"
	SessionClosing       SessionState = "Closing"
)

// InstanceHealth enumerates the MapInstance health states (spec.md §3).
type InstanceHealth string

const (
	InstanceStarting InstanceHealth = "Starting"
	InstanceReady    InstanceHealth = "Ready"
	InstanceDegraded InstanceHealth = "Degraded"
	InstanceDraining InstanceHealth = "Draining"
	InstanceStopped  InstanceHealth = "Stopped"
)

// ErrorKind enumerates the typed server error taxonomy (spec.md §7).
type ErrorKind string

const (
	ErrVersionMismatch  ErrorKind = "VersionMismatch"
	ErrInvalidSession   ErrorKind = "InvalidSession"
	ErrInvalidToken     ErrorKind = "InvalidToken"
	ErrInvalidAction    ErrorKind = "InvalidAction"
	ErrRateLimited      ErrorKind = "RateLimited"
	ErrTransientFailure ErrorKind = "TransientFailure"
	ErrFatalFailure     ErrorKind = "FatalFailure"
)

// ServerError is the flat envelope returned to clients on the wire; it
// never leaks internal error structure (SPEC_FULL.md §7).
type ServerError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	EventID string    `json:"eventId,omitempty"`
}

func (e *ServerError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// NewServerError constructs a ServerError with no correlated WAL event.
func NewServerError(kind ErrorKind, message string) *ServerError {
	return &ServerError{Kind: kind, Message: message}
}

// WithEventID attaches a WAL event_id for client-side correlation (spec.md §7:
// "MapServer-level errors for economy-class actions are always reported to
// the originating client... logged with the WAL event_id").
func (e *ServerError) WithEventID(id string) *ServerError {
	if e == nil {
		return nil
	}
	clone := *e
	clone.EventID = id
	return &clone
}

// BoundSession is the subset of live Session state the protocol runtime
// needs to answer Hello with a HelloAck (spec.md §4.B).
type BoundSession struct {
	SessionID            SessionID
	HeartbeatIntervalMs  uint32
	AuthorizedCharacters []string
}

// Snapshot is the (character_id, non_critical_state, dirty_seq) tuple
// PersistenceWorker coalesces per character (spec.md §3).
type Snapshot struct {
	CharacterID CharacterID
	X, Y        float64
	HP, MaxHP   float64
	Cooldowns   map[string]time.Time
	DirtySeq    uint64
}

// CriticalCommitRecord is the durable body of one WriteAheadLog record for
// the UC-11 commit protocol. It carries everything needed to re-execute the
// critical write against Repo by event_id alone, with no other in-memory
// state, so a startup replay can reconstruct the same DB call the original
// commit made. CounterpartyID and CounterpartyCritical are set only for a
// two-party settlement (a trade or item move between two characters).
type CriticalCommitRecord struct {
	Kind                 uint8           `json:"kind"`
	CharacterID          CharacterID     `json:"characterId"`
	Critical             json.RawMessage `json:"critical"`
	CounterpartyID       CharacterID     `json:"counterpartyId,omitempty"`
	CounterpartyCritical json.RawMessage `json:"counterpartyCritical,omitempty"`
}

// CriticalKindLabel maps a WAL record's Kind byte to the label used in
// telemetry payloads. Kinds beyond the three currently defined economy
// actions surface as "unknown" rather than failing.
func CriticalKindLabel(kind uint8) string {
	switch kind {
	case 1:
		return "currency_transfer"
	case 2:
		return "item_move"
	case 3:
		return "trade_settlement"
	default:
		return "unknown"
	}
}
