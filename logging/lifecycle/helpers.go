package lifecycle

import (
	"context"

	"muruntime/logging"
)

const (
	// EventSessionBound is emitted when a session authenticates and attaches to a character.
	EventSessionBound logging.EventType = "lifecycle.session_bound"
	// EventSessionClosed is emitted when a session is torn down.
	EventSessionClosed logging.EventType = "lifecycle.session_closed"
	// EventMapInstanceStarted is emitted when a MapInstance's tick loop starts; CoreRuntime's
	// Start also emits one for the starting route, with no InstanceID.
	EventMapInstanceStarted logging.EventType = "lifecycle.map_instance_started"
	// EventMapInstanceDrained is emitted when a MapInstance's tick loop is stopped (Instance.Stop).
	EventMapInstanceDrained logging.EventType = "lifecycle.map_instance_drained"
)

// SessionBoundPayload captures the account/character binding for a new session.
type SessionBoundPayload struct {
	AccountID   string `json:"accountId"`
	CharacterID string `json:"characterId,omitempty"`
}

// SessionClosedPayload captures the reason a session was torn down.
type SessionClosedPayload struct {
	Reason string `json:"reason"`
}

// MapInstanceLifecyclePayload captures routing coordinates for an instance transition.
type MapInstanceLifecyclePayload struct {
	World      string `json:"world"`
	EntryPoint string `json:"entryPoint"`
	MapKind    string `json:"mapKind"`
	InstanceID string `json:"instanceId"`
}

// SessionBound publishes a session-bound lifecycle event.
func SessionBound(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionBoundPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionBound,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	})
}

// SessionClosed publishes a session-closed lifecycle event.
func SessionClosed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionClosedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionClosed,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	})
}

// MapInstanceStarted publishes a MapInstance startup lifecycle event.
func MapInstanceStarted(ctx context.Context, pub logging.Publisher, tick uint64, payload MapInstanceLifecyclePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventMapInstanceStarted,
		Tick:     tick,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	})
}

// MapInstanceDrained publishes a MapInstance drain lifecycle event.
func MapInstanceDrained(ctx context.Context, pub logging.Publisher, tick uint64, payload MapInstanceLifecyclePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventMapInstanceDrained,
		Tick:     tick,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	})
}
