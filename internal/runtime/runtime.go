// Package runtime implements CoreRuntime: the process owning every other
// component, dispatching ingress packets by payload kind, and driving
// startup and graceful shutdown (spec.md §4.I).
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

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
	"muruntime/logging"
	"muruntime/logging/economy"
	"muruntime/logging/lifecycle"
)

// Broadcaster is CoreRuntime's transport-facing send surface; a live
// mapserver.Broadcaster is handed to every MapInstance it launches, and
// CoreRuntime itself uses it to answer control-channel packets (SelectCharacter,
// MapTransferAck) that never reach a MapInstance's own broadcaster.Send path.
type Broadcaster interface {
	Send(sessionID domain.SessionID, frame []byte)
	BroadcastInstance(instanceID domain.InstanceID, frame []byte, except domain.SessionID)
	// Bind and Unbind track which MapInstance a session is currently
	// attached to, so BroadcastInstance can be answered without the
	// transport layer needing its own copy of CoreRuntime's dispatch
	// tables.
	Bind(sessionID domain.SessionID, instanceID domain.InstanceID)
	Unbind(sessionID domain.SessionID)
}

// Hub is MessageHub's surface: publish for MapServer chat forwarding, close
// on shutdown. *messagehub.Hub satisfies it.
type Hub interface {
	Publish(msg messagehub.Message) error
	Close()
}

// Persistence is PersistenceWorker's surface CoreRuntime drives directly.
// *persistence.Worker satisfies it.
type Persistence interface {
	Run(ctx context.Context)
	Enqueue(characterID domain.CharacterID, snapshot domain.Snapshot)
}

// Journal is WriteAheadLog's surface: the UC-11 commit protocol, startup
// replay and quarantine, plus the shutdown close. *wal.WAL satisfies it.
type Journal interface {
	Begin(eventID uuid.UUID, kind uint8, logicalTs uint64, payload []byte) (wal.Handle, error)
	Commit(h wal.Handle) error
	Replay() ([]wal.UncommittedRecord, error)
	Quarantine(eventID uuid.UUID, reason string) error
	Close() error
}

// Repo is the critical-write repository surface plus its shutdown close.
// *dbrepo.Repo satisfies it.
type Repo interface {
	UpsertCriticalFields(ctx context.Context, characterID domain.CharacterID, critical json.RawMessage) error
	UpsertCriticalFieldsPair(ctx context.Context, aID domain.CharacterID, aCritical json.RawMessage, bID domain.CharacterID, bCritical json.RawMessage) error
	Close()
}

// Config tunes CoreRuntime's dispatch defaults.
type Config struct {
	// StartingRoute is the (world, entry, map_kind) every freshly selected
	// character enters. Persisted "last known location" per character is
	// not part of the data model (see DESIGN.md); every login begins here.
	StartingRoute     domain.Route
	IdleSweepInterval time.Duration
	ShutdownDrainWait time.Duration
	MapServer         mapserver.Config
}

// DefaultConfig returns spec.md-aligned defaults.
func DefaultConfig(startingRoute domain.Route) Config {
	return Config{
		StartingRoute:     startingRoute,
		IdleSweepInterval: 30 * time.Second,
		ShutdownDrainWait: 10 * time.Second,
		MapServer:         mapserver.DefaultConfig(),
	}
}

// Runtime is CoreRuntime.
type Runtime struct {
	cfg Config

	codec      *wire.Codec
	protocolRT *protocol.Runtime
	sessions   *session.Manager
	directory  *directory.Directory
	signer     *token.RouteSigner
	hub        Hub
	persist    Persistence
	journal    Journal
	repo       Repo
	broadcast  Broadcaster
	logger     telemetry.Logger
	events     logging.Publisher

	mu              sync.RWMutex
	instances       map[domain.InstanceID]*mapserver.Instance
	sessionInstance map[domain.SessionID]domain.InstanceID
	sessionAccount  map[domain.SessionID]domain.AccountID

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires CoreRuntime over its already-constructed components. Broadcaster
// is set separately via SetBroadcaster once the transport layer exists,
// resolving the startup ordering cycle between "runtime needs a way to push
// frames" and "transport needs a runtime to dispatch inbound frames to".
func New(codec *wire.Codec, protocolRT *protocol.Runtime, sessions *session.Manager, dir *directory.Directory, signer *token.RouteSigner, hub Hub, persist Persistence, journal Journal, repo Repo, logger telemetry.Logger, events logging.Publisher, cfg Config) *Runtime {
	if events == nil {
		events = logging.NopPublisher()
	}
	return &Runtime{
		cfg:             cfg,
		codec:           codec,
		protocolRT:      protocolRT,
		sessions:        sessions,
		directory:       dir,
		signer:          signer,
		hub:             hub,
		persist:         persist,
		journal:         journal,
		repo:            repo,
		logger:          logger,
		events:          events,
		instances:       make(map[domain.InstanceID]*mapserver.Instance),
		sessionInstance: make(map[domain.SessionID]domain.InstanceID),
		sessionAccount:  make(map[domain.SessionID]domain.AccountID),
	}
}

// SetBroadcaster installs the transport-facing send surface. Must be called
// before Start.
func (rt *Runtime) SetBroadcaster(b Broadcaster) {
	rt.broadcast = b
}

// SetDirectory installs WorldDirectory once constructed. New's caller and
// directory.New are mutually dependent (WorldDirectory needs a Launcher,
// and the only Launcher is CoreRuntime itself), so wiring code constructs
// Runtime first, then Directory with rt as its Launcher, then calls this to
// close the cycle. Must be called before Start.
func (rt *Runtime) SetDirectory(dir *directory.Directory) {
	rt.directory = dir
}

// Start recovers any critical writes left uncommitted by a prior crash,
// then begins the idle sweep and the persistence worker. MapInstances are
// launched lazily via Launch as WorldDirectory scales demand.
func (rt *Runtime) Start(ctx context.Context) {
	rt.ctx, rt.cancel = context.WithCancel(ctx)

	rt.recoverWAL(rt.ctx)

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.persist.Run(rt.ctx)
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.sessions.RunIdleSweep(rt.ctx.Done(), rt.cfg.IdleSweepInterval, rt)
	}()

	lifecycle.MapInstanceStarted(rt.ctx, rt.events, 0, lifecycle.MapInstanceLifecyclePayload{
		World: rt.cfg.StartingRoute.World, EntryPoint: rt.cfg.StartingRoute.EntryPoint, MapKind: rt.cfg.StartingRoute.MapKind,
	}, nil)
}

// recoverWAL implements the startup half of the UC-11 commit protocol
// (spec.md §4.G): every record begun but never committed before the last
// shutdown is re-executed against Repo using its event_id, then committed.
// A record whose replay fails is quarantined for manual reconciliation
// rather than retried on every future restart.
func (rt *Runtime) recoverWAL(ctx context.Context) {
	records, err := rt.journal.Replay()
	if err != nil {
		rt.logger.Printf("runtime: wal replay failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	rt.logger.Printf("runtime: replaying %d uncommitted wal record(s)", len(records))
	for _, rec := range records {
		if err := rt.reapplyCriticalRecord(ctx, rec); err != nil {
			rt.logger.Printf("runtime: quarantining wal record %s: %v", rec.EventID, err)
			if qErr := rt.journal.Quarantine(rec.EventID, err.Error()); qErr != nil {
				rt.logger.Printf("runtime: failed to quarantine wal record %s: %v", rec.EventID, qErr)
			}
			continue
		}
		if err := rt.journal.Commit(wal.Handle{EventID: rec.EventID}); err != nil {
			rt.logger.Printf("runtime: failed to commit replayed wal record %s: %v", rec.EventID, err)
			continue
		}
		economy.CommitReplayed(ctx, rt.events, 0, economy.CommitReplayedPayload{
			EventID: rec.EventID.String(), Kind: domain.CriticalKindLabel(rec.Kind),
		}, nil)
	}
}

// reapplyCriticalRecord decodes rec.Payload as a domain.CriticalCommitRecord
// and re-issues the same DB write the original commit made: the write is
// idempotent because it always sets critical_fields to the record's final
// value, so re-running it against a row already carrying that value is a
// no-op.
func (rt *Runtime) reapplyCriticalRecord(ctx context.Context, rec wal.UncommittedRecord) error {
	if len(rec.Payload) == 0 {
		return fmt.Errorf("uncommitted record has no payload to replay")
	}
	var commit domain.CriticalCommitRecord
	if err := json.Unmarshal(rec.Payload, &commit); err != nil {
		return fmt.Errorf("decode critical commit record: %w", err)
	}
	if commit.CounterpartyID != "" {
		return rt.repo.UpsertCriticalFieldsPair(ctx, commit.CharacterID, commit.Critical, commit.CounterpartyID, commit.CounterpartyCritical)
	}
	return rt.repo.UpsertCriticalFields(ctx, commit.CharacterID, commit.Critical)
}

// Launch implements directory.Launcher: spawns a MapInstance and starts its
// tick loop. Directory's resolve_or_scale blocks on the instance's own
// first-tick InstanceMetricsUpdate(health=Ready) call, not on anything here.
func (rt *Runtime) Launch(ctx context.Context, instanceID domain.InstanceID, route domain.Route, softCap, hardCap int) error {
	inst := mapserver.New(route, rt.codec, rt.signer, rt.directory, rt.persist, rt.journal, rt.repo, rt, rt.broadcast, rt.logger, rt.events, rt.cfg.MapServer)

	rt.mu.Lock()
	rt.instances[instanceID] = inst
	rt.mu.Unlock()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		inst.Run(rt.ctx)
	}()
	return nil
}

// Publish implements mapserver.Publisher for the shared MessageHub.
func (rt *Runtime) Publish(msg messagehub.Message) error {
	return rt.hub.Publish(msg)
}

// HandleDatagram implements the datagram half of ingress dispatch: decode,
// answer or forward, and return any reply frame to write back immediately.
// The returned SessionID is non-empty only for a successful Hello, letting
// the transport layer learn the SessionID it must register the connection
// under for later out-of-band pushes. A codec-level rejection (spec.md §7)
// yields no reply at all: the datagram is silently dropped.
func (rt *Runtime) HandleDatagram(frame []byte, transportEndpoint string) ([]byte, domain.SessionID) {
	reply, sessionID, _ := rt.finishIngress(rt.protocolRT.DecodeDatagram(frame, transportEndpoint))
	return reply, sessionID
}

// HandleStreamChunk implements the reliable-stream half of ingress dispatch.
// The second return reports that a codec-level rejection corrupted the
// stream framing (spec.md §7: "the stream is reset"); the transport must
// stop trusting this connection's stream state rather than keep reading
// from it, so any replies already produced by earlier packets in the same
// chunk are still returned but no further packets in it are processed.
func (rt *Runtime) HandleStreamChunk(sessionID domain.SessionID, chunk []byte) ([][]byte, bool) {
	ingresses := rt.protocolRT.DecodeStreamChunk(sessionID, chunk)
	var replies [][]byte
	for _, in := range ingresses {
		reply, _, reset := rt.finishIngress(in)
		if reset {
			return replies, true
		}
		if reply != nil {
			replies = append(replies, reply)
		}
	}
	return replies, false
}

func (rt *Runtime) finishIngress(in protocol.Ingress) (reply []byte, sessionID domain.SessionID, reset bool) {
	switch in.Outcome {
	case protocol.OutcomeReply:
		return in.Reply, in.SessionID, false
	case protocol.OutcomeCodecDrop:
		return nil, "", true
	case protocol.OutcomeDrop:
		body, err := json.Marshal(in.DropReason)
		if err != nil {
			return nil, "", false
		}
		reply, err := rt.codec.EncodeDatagram(wire.WirePacket{
			Version:    wire.SupportedVersion,
			ChannelID:  wire.ChannelControl,
			SentAtMs:   uint64(time.Now().UnixMilli()),
			PayloadKnd: wire.PayloadServerError,
			Payload:    body,
		})
		if err != nil {
			return nil, "", false
		}
		return reply, "", false
	case protocol.OutcomeForward:
		rt.dispatch(in.Packet)
		return nil, "", false
	default:
		return nil, "", false
	}
}

// dispatch implements the payload-kind routing table (spec.md §4.I):
// character selection reaches WorldDirectory+SessionManager here; every
// map-bound packet reaches the owning MapInstance's mailbox.
func (rt *Runtime) dispatch(pkt wire.WirePacket) {
	sessionID := domain.SessionID(pkt.SessionID.String())
	switch pkt.PayloadKnd {
	case wire.PayloadSelectCharacter:
		rt.handleSelectCharacter(sessionID, pkt)
	case wire.PayloadMapTransferAck:
		rt.handleTransferAck(sessionID, pkt)
	case wire.PayloadLogout:
		rt.deliverToInstance(sessionID, pkt)
		rt.sessions.Close(sessionID, session.CloseLogout, rt)
	default:
		rt.deliverToInstance(sessionID, pkt)
	}
}

func (rt *Runtime) deliverToInstance(sessionID domain.SessionID, pkt wire.WirePacket) {
	rt.mu.RLock()
	instID, ok := rt.sessionInstance[sessionID]
	inst := rt.instances[instID]
	rt.mu.RUnlock()
	if !ok || inst == nil {
		rt.sendError(sessionID, domain.NewServerError(domain.ErrInvalidSession, "session is not attached to any map"))
		return
	}
	inst.Deliver(pkt)
}

func (rt *Runtime) handleSelectCharacter(sessionID domain.SessionID, pkt wire.WirePacket) {
	var req protocol.SelectCharacterPayload
	if err := json.Unmarshal(pkt.Payload, &req); err != nil {
		rt.sendError(sessionID, domain.NewServerError(domain.ErrInvalidAction, "malformed select_character"))
		return
	}
	characterID := domain.CharacterID(req.CharacterID)

	if sErr := rt.sessions.BindCharacter(sessionID, characterID); sErr != nil {
		rt.sendError(sessionID, sErr)
		return
	}
	sess, ok := rt.sessions.Get(sessionID)
	if !ok {
		rt.sendError(sessionID, domain.NewServerError(domain.ErrInvalidSession, "session no longer exists"))
		return
	}

	route, err := rt.directory.ResolveOrScale(rt.ctx, rt.cfg.StartingRoute.World, rt.cfg.StartingRoute.EntryPoint, rt.cfg.StartingRoute.MapKind)
	if err != nil {
		rt.sendError(sessionID, domain.NewServerError(domain.ErrTransientFailure, err.Error()))
		return
	}
	signed, err := rt.directory.ReserveSlot(route, sessionID, characterID)
	if err != nil {
		rt.sendError(sessionID, domain.NewServerError(domain.ErrTransientFailure, err.Error()))
		return
	}

	rt.mu.Lock()
	rt.sessionAccount[sessionID] = sess.AccountID
	rt.mu.Unlock()

	rt.sendControl(sessionID, wire.PayloadMapTransfer, protocol.MapTransferPayload{Route: route, RouteToken: signed})
}

func (rt *Runtime) handleTransferAck(sessionID domain.SessionID, pkt wire.WirePacket) {
	var ack protocol.MapTransferAckPayload
	if err := json.Unmarshal(pkt.Payload, &ack); err != nil {
		rt.sendError(sessionID, domain.NewServerError(domain.ErrInvalidAction, "malformed map_transfer_ack"))
		return
	}

	rt2, err := rt.signer.Verify(ack.RouteToken)
	if err != nil {
		rt.sendError(sessionID, domain.NewServerError(domain.ErrInvalidToken, err.Error()))
		return
	}
	if rt2.SessionID != sessionID {
		rt.sendError(sessionID, domain.NewServerError(domain.ErrInvalidToken, "route token session mismatch"))
		return
	}

	rt.mu.RLock()
	target := rt.instances[rt2.Route.InstanceID]
	accountID := rt.sessionAccount[sessionID]
	oldInstID, hadOld := rt.sessionInstance[sessionID]
	rt.mu.RUnlock()
	if target == nil {
		rt.sendError(sessionID, domain.NewServerError(domain.ErrInvalidAction, "target map instance no longer exists"))
		return
	}

	if sErr := target.Attach(sessionID, accountID, ack.RouteToken); sErr != nil {
		rt.sendError(sessionID, sErr)
		return
	}

	rt.mu.Lock()
	rt.sessionInstance[sessionID] = rt2.Route.InstanceID
	rt.mu.Unlock()
	if rt.broadcast != nil {
		rt.broadcast.Bind(sessionID, rt2.Route.InstanceID)
	}

	if hadOld && oldInstID != rt2.Route.InstanceID {
		rt.mu.RLock()
		old := rt.instances[oldInstID]
		rt.mu.RUnlock()
		if old != nil {
			old.ReleaseAfterTransferAck(rt2.CharacterID)
		}
	}

	rt.sendControl(sessionID, wire.PayloadEnterMap, protocol.EnterMapPayload{MapKind: rt2.Route.MapKind})
}

func (rt *Runtime) sendControl(sessionID domain.SessionID, kind wire.PayloadKind, payload any) {
	if rt.broadcast == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := rt.codec.EncodeStream(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelControl,
		SentAtMs:   uint64(time.Now().UnixMilli()),
		PayloadKnd: kind,
		Payload:    body,
	})
	if err != nil {
		return
	}
	rt.broadcast.Send(sessionID, frame)
}

func (rt *Runtime) sendError(sessionID domain.SessionID, sErr *domain.ServerError) {
	rt.sendControl(sessionID, wire.PayloadServerError, sErr)
}

// OnSessionClosed implements session.CloseNotifier: releases the character
// from its current MapInstance and drops the protocol runtime's stream
// buffer, whether the close came from Logout, idle timeout, or a lost
// transport.
func (rt *Runtime) OnSessionClosed(sess session.Session, reason session.CloseReason) {
	rt.mu.Lock()
	instID, ok := rt.sessionInstance[sess.SessionID]
	delete(rt.sessionInstance, sess.SessionID)
	delete(rt.sessionAccount, sess.SessionID)
	rt.mu.Unlock()
	if rt.broadcast != nil {
		rt.broadcast.Unbind(sess.SessionID)
	}

	if ok && sess.BoundCharacterID != "" {
		rt.mu.RLock()
		inst := rt.instances[instID]
		rt.mu.RUnlock()
		if inst != nil {
			inst.ReleaseAfterTransferAck(sess.BoundCharacterID)
		}
	}
	rt.protocolRT.DropStream(sess.SessionID)
}

// Shutdown implements the graceful shutdown sequence (spec.md §4.I): stop
// accepting new sessions is the caller's (transport's) responsibility before
// invoking Shutdown; from here CoreRuntime drains every MapInstance, then
// lets PersistenceWorker's own ctx-cancellation flush run synchronously, then
// closes the WriteAheadLog.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.stopOnce.Do(func() {
		rt.mu.RLock()
		instances := make([]*mapserver.Instance, 0, len(rt.instances))
		for _, inst := range rt.instances {
			instances = append(instances, inst)
		}
		rt.mu.RUnlock()

		var drainWG sync.WaitGroup
		for _, inst := range instances {
			drainWG.Add(1)
			go func(i *mapserver.Instance) {
				defer drainWG.Done()
				i.Stop()
			}(inst)
		}
		drainCtx, cancelDrain := context.WithTimeout(ctx, rt.cfg.ShutdownDrainWait)
		defer cancelDrain()
		drainDone := make(chan struct{})
		go func() { drainWG.Wait(); close(drainDone) }()
		select {
		case <-drainDone:
		case <-drainCtx.Done():
			rt.logger.Printf("runtime: shutdown drain timed out after %s, forcing cancellation", rt.cfg.ShutdownDrainWait)
		}

		rt.cancel()
		rt.wg.Wait()

		if rt.journal != nil {
			if err := rt.journal.Close(); err != nil {
				rt.logger.Printf("runtime: wal close: %v", err)
			}
		}
		if rt.repo != nil {
			rt.repo.Close()
		}
		if rt.hub != nil {
			rt.hub.Close()
		}
	})
}

// DirectorySnapshot reports the live per-instance occupancy and health of
// every launched MapInstance, for httpapi's /runtime/worlds and
// /runtime/maps.
func (rt *Runtime) DirectorySnapshot() []directory.InstanceSnapshot {
	return rt.directory.Snapshot()
}

// SessionCount reports how many sessions are currently bound, for httpapi's
// /runtime/stats.
func (rt *Runtime) SessionCount() int {
	return rt.sessions.Count()
}

// InstanceCount reports how many MapInstances are currently registered, for
// httpapi's /runtime/stats.
func (rt *Runtime) InstanceCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.instances)
}
