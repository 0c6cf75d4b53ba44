package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"muruntime/internal/directory"
	"muruntime/internal/domain"
	"muruntime/internal/mapserver"
	"muruntime/internal/messagehub"
	"muruntime/internal/protocol"
	"muruntime/internal/session"
	"muruntime/internal/telemetry"
	"muruntime/internal/token"
	"muruntime/internal/wal"
	"muruntime/internal/wire"
)

type sentFrame struct {
	sessionID domain.SessionID
	frame     []byte
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (b *fakeBroadcaster) Send(sessionID domain.SessionID, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentFrame{sessionID: sessionID, frame: append([]byte(nil), frame...)})
}

func (b *fakeBroadcaster) BroadcastInstance(_ domain.InstanceID, frame []byte, _ domain.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentFrame{frame: append([]byte(nil), frame...)})
}
func (b *fakeBroadcaster) Bind(domain.SessionID, domain.InstanceID) {}
func (b *fakeBroadcaster) Unbind(domain.SessionID)                  {}

func (b *fakeBroadcaster) latest(t *testing.T, sessionID domain.SessionID, kind wire.PayloadKind) wire.WirePacket {
	t.Helper()
	codec := wire.New(wire.DefaultLimits())
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].sessionID != sessionID {
			continue
		}
		dec := codec.NewStreamDecoder()
		pkts, err := dec.Feed(b.sent[i].frame)
		if err != nil || len(pkts) != 1 {
			continue
		}
		if pkts[0].PayloadKnd == kind {
			return pkts[0]
		}
	}
	t.Fatalf("no frame of kind %d found for session %s", kind, sessionID)
	return wire.WirePacket{}
}

type noopHub struct{}

func (noopHub) Publish(messagehub.Message) error { return nil }
func (noopHub) Close()                           {}

type noopPersistence struct{}

func (noopPersistence) Run(ctx context.Context)                     { <-ctx.Done() }
func (noopPersistence) Enqueue(domain.CharacterID, domain.Snapshot) {}

type noopJournal struct{}

func (noopJournal) Begin(uuid.UUID, uint8, uint64, []byte) (wal.Handle, error) {
	return wal.Handle{}, nil
}
func (noopJournal) Commit(wal.Handle) error                    { return nil }
func (noopJournal) Replay() ([]wal.UncommittedRecord, error)   { return nil, nil }
func (noopJournal) Quarantine(uuid.UUID, string) error         { return nil }
func (noopJournal) Close() error                               { return nil }

type noopRepo struct{}

func (noopRepo) UpsertCriticalFields(context.Context, domain.CharacterID, json.RawMessage) error {
	return nil
}
func (noopRepo) UpsertCriticalFieldsPair(context.Context, domain.CharacterID, json.RawMessage, domain.CharacterID, json.RawMessage) error {
	return nil
}
func (noopRepo) Close() {}

type fakeRecoveryJournal struct {
	mu         sync.Mutex
	records    []wal.UncommittedRecord
	committed  []uuid.UUID
	quarantined []uuid.UUID
}

func (j *fakeRecoveryJournal) Begin(uuid.UUID, uint8, uint64, []byte) (wal.Handle, error) {
	return wal.Handle{}, nil
}
func (j *fakeRecoveryJournal) Commit(h wal.Handle) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.committed = append(j.committed, h.EventID)
	return nil
}
func (j *fakeRecoveryJournal) Replay() ([]wal.UncommittedRecord, error) {
	return j.records, nil
}
func (j *fakeRecoveryJournal) Quarantine(eventID uuid.UUID, _ string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.quarantined = append(j.quarantined, eventID)
	return nil
}
func (j *fakeRecoveryJournal) Close() error { return nil }

type fakeRecoveryRepo struct {
	mu     sync.Mutex
	writes []domain.CharacterID
	pairs  [][2]domain.CharacterID
	failID domain.CharacterID
}

func (r *fakeRecoveryRepo) UpsertCriticalFields(_ context.Context, characterID domain.CharacterID, _ json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if characterID == r.failID {
		return errRecoveryFailed
	}
	r.writes = append(r.writes, characterID)
	return nil
}
func (r *fakeRecoveryRepo) UpsertCriticalFieldsPair(_ context.Context, aID domain.CharacterID, _ json.RawMessage, bID domain.CharacterID, _ json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, [2]domain.CharacterID{aID, bID})
	return nil
}
func (r *fakeRecoveryRepo) Close() {}

var errRecoveryFailed = fmt.Errorf("recovery write failed")

const testAuthSecret = "runtime-test-auth-secret"
const testRouteKey = "runtime-test-route-signer-key"

func newTestRuntime(t *testing.T) (*Runtime, *fakeBroadcaster) {
	t.Helper()
	codec := wire.New(wire.DefaultLimits())
	binder := session.NewManager(token.NewAuthVerifier([]byte(testAuthSecret)), nil, session.DefaultConfig())
	protocolRT := protocol.NewRuntime(codec, binder, protocol.DefaultConfig())
	signer := token.NewRouteSigner([]byte(testRouteKey))

	route := domain.Route{World: "azuria", EntryPoint: "newbie", MapKind: "town"}
	cfg := DefaultConfig(route)
	cfg.MapServer.PlayerTick = 10 * time.Millisecond
	cfg.MapServer.MonsterTickPeriod = 30 * time.Millisecond

	rt := New(codec, protocolRT, binder, nil, signer, noopHub{}, noopPersistence{}, noopJournal{}, noopRepo{}, telemetry.WrapLogger(nil), nil, cfg)

	topology := directory.Topology{
		"azuria": directory.WorldConfig{EntryPoints: map[string]directory.EntryPointConfig{
			"newbie": {MapKinds: map[string]directory.MapKindConfig{
				"town": {SoftPlayerCap: 10, HardPlayerCap: 20},
			}},
		}},
	}
	dir := directory.New(topology, rt, signer, directory.DefaultConfig())
	rt.directory = dir

	bcast := &fakeBroadcaster{}
	rt.SetBroadcaster(bcast)
	rt.Start(context.Background())
	t.Cleanup(func() { rt.Shutdown(context.Background()) })
	return rt, bcast
}

func beginSession(t *testing.T, rt *Runtime, accountID string, characters []string) domain.SessionID {
	t.Helper()
	tok, err := token.Issue([]byte(testAuthSecret), accountID, "http-sess-1", characters, time.Hour)
	require.NoError(t, err)
	bound, sErr := rt.sessions.Begin([]byte(tok), "test-endpoint")
	require.Nil(t, sErr)
	return bound.SessionID
}

func packet(sessionID domain.SessionID, kind wire.PayloadKind, payload any) wire.WirePacket {
	body, _ := json.Marshal(payload)
	var sid uuid.UUID
	if parsed, err := uuid.Parse(string(sessionID)); err == nil {
		sid = parsed
	}
	return wire.WirePacket{Version: wire.SupportedVersion, SessionID: sid, PayloadKnd: kind, Payload: body}
}

func selectAndAttach(t *testing.T, rt *Runtime, bcast *fakeBroadcaster, sessionID domain.SessionID, characterID string) domain.Route {
	t.Helper()
	rt.dispatch(packet(sessionID, wire.PayloadSelectCharacter, protocol.SelectCharacterPayload{CharacterID: characterID}))

	granted := bcast.latest(t, sessionID, wire.PayloadMapTransfer)
	var mt protocol.MapTransferPayload
	require.NoError(t, json.Unmarshal(granted.Payload, &mt))

	rt.dispatch(packet(sessionID, wire.PayloadMapTransferAck, protocol.MapTransferAckPayload{RouteToken: mt.RouteToken}))

	entered := bcast.latest(t, sessionID, wire.PayloadEnterMap)
	var em protocol.EnterMapPayload
	require.NoError(t, json.Unmarshal(entered.Payload, &em))
	require.Equal(t, mt.Route.MapKind, em.MapKind)
	return mt.Route
}

func TestSelectCharacterAttachEnterMapFlow(t *testing.T) {
	rt, bcast := newTestRuntime(t)
	sessionID := beginSession(t, rt, "acct-1", []string{"char-1"})

	route := selectAndAttach(t, rt, bcast, sessionID, "char-1")
	require.Equal(t, "town", route.MapKind)
	require.Equal(t, 1, rt.InstanceCount())

	snap := rt.directory.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, 1, snap[0].Occupancy)
}

func TestSelectCharacterRejectsUnauthorizedCharacter(t *testing.T) {
	rt, bcast := newTestRuntime(t)
	sessionID := beginSession(t, rt, "acct-2", []string{"char-2"})

	rt.dispatch(packet(sessionID, wire.PayloadSelectCharacter, protocol.SelectCharacterPayload{CharacterID: "not-mine"}))

	errFrame := bcast.latest(t, sessionID, wire.PayloadServerError)
	var sErr domain.ServerError
	require.NoError(t, json.Unmarshal(errFrame.Payload, &sErr))
	require.Equal(t, domain.ErrInvalidAction, sErr.Kind)
}

func TestMoveIsDeliveredToOwningInstance(t *testing.T) {
	rt, bcast := newTestRuntime(t)
	sessionID := beginSession(t, rt, "acct-3", []string{"char-3"})
	selectAndAttach(t, rt, bcast, sessionID, "char-3")

	rt.dispatch(packet(sessionID, wire.PayloadMove, mapserver.MovePayload{X: 3, Y: 4}))

	require.Eventually(t, func() bool {
		codec := wire.New(wire.DefaultLimits())
		bcast.mu.Lock()
		defer bcast.mu.Unlock()
		for _, f := range bcast.sent {
			dec := codec.NewStreamDecoder()
			pkts, err := dec.Feed(f.frame)
			if err != nil {
				continue
			}
			for _, p := range pkts {
				if p.PayloadKnd == wire.PayloadStateDelta {
					var delta mapserver.StateDeltaPayload
					if json.Unmarshal(p.Payload, &delta) == nil && len(delta.Entries) == 1 && delta.Entries[0].X == 3 {
						return true
					}
				}
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "expected a state delta reflecting the moved position")
}

func TestLogoutReleasesCharacterAndDirectorySlot(t *testing.T) {
	rt, bcast := newTestRuntime(t)
	sessionID := beginSession(t, rt, "acct-4", []string{"char-4"})
	selectAndAttach(t, rt, bcast, sessionID, "char-4")

	require.Equal(t, 1, rt.directory.Snapshot()[0].Occupancy)

	rt.dispatch(packet(sessionID, wire.PayloadLogout, struct{}{}))

	require.Eventually(t, func() bool {
		return rt.directory.Snapshot()[0].Occupancy == 0
	}, time.Second, 5*time.Millisecond)

	rt.mu.RLock()
	_, stillMapped := rt.sessionInstance[sessionID]
	rt.mu.RUnlock()
	require.False(t, stillMapped)
}

func TestIdleSweepReleasesStaleSession(t *testing.T) {
	codec := wire.New(wire.DefaultLimits())
	binder := session.NewManager(token.NewAuthVerifier([]byte(testAuthSecret)), nil, session.Config{IdleTimeout: -time.Second, HeartbeatIntervalMs: 1000, DuplicatePolicy: session.PolicyRejectNew})
	protocolRT := protocol.NewRuntime(codec, binder, protocol.DefaultConfig())
	signer := token.NewRouteSigner([]byte(testRouteKey))
	route := domain.Route{World: "azuria", EntryPoint: "newbie", MapKind: "town"}
	cfg := DefaultConfig(route)
	cfg.MapServer.PlayerTick = 10 * time.Millisecond

	rt := New(codec, protocolRT, binder, nil, signer, noopHub{}, noopPersistence{}, noopJournal{}, noopRepo{}, telemetry.WrapLogger(nil), nil, cfg)
	topology := directory.Topology{"azuria": directory.WorldConfig{EntryPoints: map[string]directory.EntryPointConfig{
		"newbie": {MapKinds: map[string]directory.MapKindConfig{"town": {SoftPlayerCap: 10, HardPlayerCap: 20}}},
	}}}
	dir := directory.New(topology, rt, signer, directory.DefaultConfig())
	rt.directory = dir
	bcast := &fakeBroadcaster{}
	rt.SetBroadcaster(bcast)
	rt.Start(context.Background())
	t.Cleanup(func() { rt.Shutdown(context.Background()) })

	sessionID := beginSession(t, rt, "acct-5", []string{"char-5"})
	selectAndAttach(t, rt, bcast, sessionID, "char-5")
	require.Equal(t, 1, rt.directory.Snapshot()[0].Occupancy)

	rt.sessions.SweepIdle(rt)

	require.Eventually(t, func() bool {
		return rt.directory.Snapshot()[0].Occupancy == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStartReplaysUncommittedWALRecordsAndCommitsThem(t *testing.T) {
	codec := wire.New(wire.DefaultLimits())
	binder := session.NewManager(token.NewAuthVerifier([]byte(testAuthSecret)), nil, session.DefaultConfig())
	protocolRT := protocol.NewRuntime(codec, binder, protocol.DefaultConfig())
	signer := token.NewRouteSigner([]byte(testRouteKey))
	route := domain.Route{World: "azuria", EntryPoint: "newbie", MapKind: "town"}
	cfg := DefaultConfig(route)

	singleEventID := uuid.New()
	singlePayload, err := json.Marshal(domain.CriticalCommitRecord{
		Kind: 1, CharacterID: "char-1", Critical: json.RawMessage(`{"gold":100}`),
	})
	require.NoError(t, err)

	tradeEventID := uuid.New()
	tradePayload, err := json.Marshal(domain.CriticalCommitRecord{
		Kind: 3, CharacterID: "char-2", Critical: json.RawMessage(`{"items":[]}`),
		CounterpartyID: "char-3", CounterpartyCritical: json.RawMessage(`{"items":["sword"]}`),
	})
	require.NoError(t, err)

	journal := &fakeRecoveryJournal{records: []wal.UncommittedRecord{
		{EventID: singleEventID, Kind: 1, Payload: singlePayload},
		{EventID: tradeEventID, Kind: 3, Payload: tradePayload},
	}}
	repo := &fakeRecoveryRepo{}

	rt := New(codec, protocolRT, binder, nil, signer, noopHub{}, noopPersistence{}, journal, repo, telemetry.WrapLogger(nil), nil, cfg)
	rt.Start(context.Background())
	t.Cleanup(func() { rt.Shutdown(context.Background()) })

	require.ElementsMatch(t, []domain.CharacterID{"char-1"}, repo.writes)
	require.Equal(t, [][2]domain.CharacterID{{"char-2", "char-3"}}, repo.pairs)
	require.ElementsMatch(t, []uuid.UUID{singleEventID, tradeEventID}, journal.committed)
	require.Empty(t, journal.quarantined)
}

func TestStartQuarantinesRecordThatFailsToReplay(t *testing.T) {
	codec := wire.New(wire.DefaultLimits())
	binder := session.NewManager(token.NewAuthVerifier([]byte(testAuthSecret)), nil, session.DefaultConfig())
	protocolRT := protocol.NewRuntime(codec, binder, protocol.DefaultConfig())
	signer := token.NewRouteSigner([]byte(testRouteKey))
	route := domain.Route{World: "azuria", EntryPoint: "newbie", MapKind: "town"}
	cfg := DefaultConfig(route)

	eventID := uuid.New()
	payload, err := json.Marshal(domain.CriticalCommitRecord{
		Kind: 1, CharacterID: "char-missing", Critical: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	journal := &fakeRecoveryJournal{records: []wal.UncommittedRecord{{EventID: eventID, Kind: 1, Payload: payload}}}
	repo := &fakeRecoveryRepo{failID: "char-missing"}

	rt := New(codec, protocolRT, binder, nil, signer, noopHub{}, noopPersistence{}, journal, repo, telemetry.WrapLogger(nil), nil, cfg)
	rt.Start(context.Background())
	t.Cleanup(func() { rt.Shutdown(context.Background()) })

	require.Empty(t, journal.committed)
	require.Equal(t, []uuid.UUID{eventID}, journal.quarantined)
}
