package mapserver

import (
	"encoding/json"
	"time"

	"muruntime/internal/domain"
	"muruntime/internal/protocol"
	"muruntime/internal/wire"
)

// MovePayload is the client's authoritative-validated movement request.
// Only position is modeled; MapServer rejects a move whose distance exceeds
// maxMovePerTick as a coarse anti-cheat check rather than trusting the
// client's claimed coordinates outright.
type MovePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// maxMovePerTick bounds how far a character may move in a single player
// tick, rejecting movement packets that imply teleporting or speed-hacking.
const maxMovePerTick = 8.0

func (inst *Instance) applyMove(c *CharacterState, payload []byte) bool {
	var move MovePayload
	if err := json.Unmarshal(payload, &move); err != nil {
		return false
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	dx, dy := move.X-c.X, move.Y-c.Y
	if dx*dx+dy*dy > maxMovePerTick*maxMovePerTick {
		return false
	}
	if c.X == move.X && c.Y == move.Y {
		return false
	}
	c.X, c.Y = move.X, move.Y
	c.dirty = true
	return true
}

// StateDeltaEntry is one character's changed visible state.
type StateDeltaEntry struct {
	CharacterID string  `json:"characterId"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	HP          float64 `json:"hp"`
}

// StateDeltaPayload is broadcast to every session in the instance
// (spec.md §4.H step 4: "compute state deltas and broadcast").
type StateDeltaPayload struct {
	Tick    uint64            `json:"tick"`
	Entries []StateDeltaEntry `json:"entries"`
}

func (inst *Instance) broadcastDeltas(moved []*CharacterState) {
	if len(moved) == 0 || inst.broadcaster == nil || inst.codec == nil {
		return
	}
	entries := make([]StateDeltaEntry, 0, len(moved))
	inst.mu.Lock()
	for _, c := range moved {
		entries = append(entries, StateDeltaEntry{CharacterID: string(c.CharacterID), X: c.X, Y: c.Y, HP: c.HP})
	}
	inst.mu.Unlock()

	body, err := json.Marshal(StateDeltaPayload{Tick: inst.tick, Entries: entries})
	if err != nil {
		return
	}
	frame, err := inst.codec.EncodeStream(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelGameplayEvent,
		SentAtMs:   uint64(time.Now().UnixMilli()),
		PayloadKnd: wire.PayloadStateDelta,
		Payload:    body,
	})
	if err != nil {
		return
	}
	inst.broadcaster.BroadcastInstance(inst.route.InstanceID, frame, "")
}

// TransferRequestPayload is the client's request to depart for another
// route (spec.md §4.H's initiate_transfer, driven by a client-issued
// MapTransfer packet).
type TransferRequestPayload struct {
	Route domain.Route `json:"route"`
}

func decodeTransferRequest(payload []byte) (TransferRequestPayload, error) {
	var req TransferRequestPayload
	err := json.Unmarshal(payload, &req)
	return req, err
}

func (inst *Instance) sendTransferGranted(sessionID domain.SessionID, route domain.Route, signedRouteToken []byte) {
	if inst.broadcaster == nil || inst.codec == nil {
		return
	}
	body, err := json.Marshal(protocol.MapTransferPayload{Route: route, RouteToken: signedRouteToken})
	if err != nil {
		return
	}
	frame, err := inst.codec.EncodeStream(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelControl,
		SentAtMs:   uint64(time.Now().UnixMilli()),
		PayloadKnd: wire.PayloadMapTransfer,
		Payload:    body,
	})
	if err != nil {
		return
	}
	inst.broadcaster.Send(sessionID, frame)
}

func encodeServerError(sErr *domain.ServerError) ([]byte, error) {
	return json.Marshal(sErr)
}
