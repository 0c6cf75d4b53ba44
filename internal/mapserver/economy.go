package mapserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"muruntime/internal/domain"
	"muruntime/internal/wire"
	"muruntime/logging/economy"
)

// Economy action kinds. handleEconomyAction does not check Kind against
// CounterpartyID: any request that names a counterparty is committed as a
// two-party pair, and any request that names none as a single entity.
const (
	KindCurrencyTransfer uint8 = 1
	KindItemMove         uint8 = 2
	KindTradeSettlement  uint8 = 3
)

// EconomyActionPayload is a client-originated request for a critical,
// atomic state change (currency/item/trade). Kind identifies the WAL
// record kind and is opaque to MapServer beyond routing it through the
// commit protocol. CounterpartyID and CounterpartyCritical name the second
// party of a two-party commit; the counterparty must already be attached
// to this instance.
type EconomyActionPayload struct {
	Kind                 uint8              `json:"kind"`
	Critical             json.RawMessage    `json:"critical"`
	CounterpartyID       domain.CharacterID `json:"counterpartyId,omitempty"`
	CounterpartyCritical json.RawMessage    `json:"counterpartyCritical,omitempty"`
}

// EconomyResultPayload answers an EconomyAction, always addressed back to
// the originating client (spec.md §7). A trade settlement's result is sent
// to both participants.
type EconomyResultPayload struct {
	Success bool                `json:"success"`
	EventID string              `json:"eventId,omitempty"`
	Error   *domain.ServerError `json:"error,omitempty"`
}

// handleEconomyAction implements the UC-11 commit protocol: validate → lock
// participating entities → WAL.begin with a fresh event_id → execute the DB
// write (a single UPDATE, or an atomic two-row UPDATE for a trade
// settlement) → on success WAL.commit and notify every participant; on
// failure roll back the locks and report, leaving the WAL record
// uncommitted so replay retries it with the same event_id (spec.md §4.H).
func (inst *Instance) handleEconomyAction(ctx context.Context, c *CharacterState, payload []byte) {
	var req EconomyActionPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		inst.sendError(c.SessionID, domain.NewServerError(domain.ErrInvalidAction, "malformed economy action"))
		return
	}

	inst.mu.Lock()
	var counterparty *CharacterState
	if req.CounterpartyID != "" {
		if req.CounterpartyID == c.CharacterID {
			inst.mu.Unlock()
			inst.sendError(c.SessionID, domain.NewServerError(domain.ErrInvalidAction, "cannot trade with self"))
			return
		}
		var ok bool
		counterparty, ok = inst.characters[req.CounterpartyID]
		if !ok {
			inst.mu.Unlock()
			inst.sendError(c.SessionID, domain.NewServerError(domain.ErrInvalidAction, "counterparty is not present on this map"))
			return
		}
	}
	if c.Trading || (counterparty != nil && counterparty.Trading) {
		inst.mu.Unlock()
		inst.sendError(c.SessionID, domain.NewServerError(domain.ErrInvalidAction, "a participant has a critical action already in flight"))
		return
	}
	c.Trading = true
	if counterparty != nil {
		counterparty.Trading = true
	}
	inst.mu.Unlock()
	defer func() {
		inst.mu.Lock()
		c.Trading = false
		if counterparty != nil {
			counterparty.Trading = false
		}
		inst.mu.Unlock()
	}()

	if inst.walLog == nil || inst.repo == nil {
		inst.sendError(c.SessionID, domain.NewServerError(domain.ErrFatalFailure, "critical commit path not configured"))
		return
	}

	commit := domain.CriticalCommitRecord{Kind: req.Kind, CharacterID: c.CharacterID, Critical: req.Critical}
	if counterparty != nil {
		commit.CounterpartyID = counterparty.CharacterID
		commit.CounterpartyCritical = req.CounterpartyCritical
	}
	commitPayload, err := json.Marshal(commit)
	if err != nil {
		inst.sendError(c.SessionID, domain.NewServerError(domain.ErrFatalFailure, "failed to encode critical event"))
		return
	}

	eventID := uuid.New()
	handle, err := inst.walLog.Begin(eventID, req.Kind, inst.tick, commitPayload)
	if err != nil {
		inst.sendError(c.SessionID, domain.NewServerError(domain.ErrTransientFailure, "failed to journal critical event").WithEventID(eventID.String()))
		return
	}

	var writeErr error
	if counterparty != nil {
		writeErr = inst.repo.UpsertCriticalFieldsPair(ctx, c.CharacterID, req.Critical, counterparty.CharacterID, req.CounterpartyCritical)
	} else {
		writeErr = inst.repo.UpsertCriticalFields(ctx, c.CharacterID, req.Critical)
	}
	if writeErr != nil {
		economy.CommitFailed(ctx, inst.events, inst.tick, actorRef(c.CharacterID), economy.CommitFailedPayload{
			EventID: eventID.String(), Kind: domain.CriticalKindLabel(req.Kind), Reason: writeErr.Error(),
		}, nil)
		result := EconomyResultPayload{
			Success: false,
			EventID: eventID.String(),
			Error:   domain.NewServerError(domain.ErrTransientFailure, "critical commit failed").WithEventID(eventID.String()),
		}
		inst.sendEconomyResult(c.SessionID, result)
		if counterparty != nil {
			inst.sendEconomyResult(counterparty.SessionID, result)
		}
		return
	}

	if err := inst.walLog.Commit(handle); err != nil {
		inst.logger.Printf("mapserver: wal commit failed for event %s: %v", eventID, err)
	}
	economy.CommitCommitted(ctx, inst.events, inst.tick, actorRef(c.CharacterID), economy.CommitCommittedPayload{
		EventID: eventID.String(), Kind: domain.CriticalKindLabel(req.Kind),
	}, nil)

	inst.mu.Lock()
	c.dirty = true
	if counterparty != nil {
		counterparty.dirty = true
	}
	inst.mu.Unlock()

	result := EconomyResultPayload{Success: true, EventID: eventID.String()}
	inst.sendEconomyResult(c.SessionID, result)
	if counterparty != nil {
		inst.sendEconomyResult(counterparty.SessionID, result)
	}
}

func (inst *Instance) sendEconomyResult(sessionID domain.SessionID, result EconomyResultPayload) {
	if inst.broadcaster == nil || inst.codec == nil {
		return
	}
	body, err := json.Marshal(result)
	if err != nil {
		return
	}
	frame, err := inst.codec.EncodeStream(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelEconomy,
		SentAtMs:   uint64(time.Now().UnixMilli()),
		PayloadKnd: wire.PayloadEconomyResult,
		Payload:    body,
	})
	if err != nil {
		return
	}
	inst.broadcaster.Send(sessionID, frame)
}
