package economy

import (
	"context"

	"muruntime/logging"
)

const (
	// EventCommitCommitted is emitted when a critical economy transaction (UC-11) commits.
	EventCommitCommitted logging.EventType = "economy.commit_committed"
	// EventCommitFailed is emitted when a critical economy transaction fails and the WAL record is left uncommitted.
	EventCommitFailed logging.EventType = "economy.commit_failed"
	// EventCommitReplayed is emitted when WAL replay re-applies a critical event after a crash.
	EventCommitReplayed logging.EventType = "economy.commit_replayed"
)

// CommitCommittedPayload describes a successfully committed critical transaction.
type CommitCommittedPayload struct {
	EventID string `json:"eventId"`
	Kind    string `json:"kind"`
}

// CommitFailedPayload describes a failed critical transaction attempt.
type CommitFailedPayload struct {
	EventID string `json:"eventId"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
}

// CommitReplayedPayload describes a WAL replay of a critical transaction.
type CommitReplayedPayload struct {
	EventID string `json:"eventId"`
	Kind    string `json:"kind"`
}

// CommitCommitted publishes an event for a successfully committed critical transaction.
func CommitCommitted(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload CommitCommittedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventCommitCommitted,
		Tick:      tick,
		Actor:     actor,
		Severity:  logging.SeverityInfo,
		Category:  "economy",
		Payload:   payload,
		Extra:     extra,
		CommandID: payload.EventID,
	})
}

// CommitFailed publishes an event for a failed critical transaction.
func CommitFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload CommitFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventCommitFailed,
		Tick:      tick,
		Actor:     actor,
		Severity:  logging.SeverityError,
		Category:  "economy",
		Payload:   payload,
		Extra:     extra,
		CommandID: payload.EventID,
	})
}

// CommitReplayed publishes an event for a WAL-driven replay of a critical transaction.
func CommitReplayed(ctx context.Context, pub logging.Publisher, tick uint64, payload CommitReplayedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventCommitReplayed,
		Tick:      tick,
		Severity:  logging.SeverityWarn,
		Category:  "economy",
		Payload:   payload,
		Extra:     extra,
		CommandID: payload.EventID,
	})
}
