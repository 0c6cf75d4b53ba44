// Package mapserver implements MapServer: the single logical owner of one
// live MapInstance, running its fixed-period tick loop, admitting and
// releasing characters, and dispatching chat and economy actions
// (spec.md §4.H).
package mapserver

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"muruntime/internal/domain"
	"muruntime/internal/telemetry"
	"muruntime/internal/token"
	"muruntime/internal/wal"
	"muruntime/internal/wire"
	"muruntime/logging"
	"muruntime/logging/lifecycle"
	"muruntime/logging/simulation"
)

// Directory is the slice of WorldDirectory a MapInstance needs at runtime.
type Directory interface {
	ReleaseSlot(instanceID domain.InstanceID)
	ReserveSlot(route domain.Route, sessionID domain.SessionID, characterID domain.CharacterID) ([]byte, error)
	InstanceMetricsUpdate(instanceID domain.InstanceID, occupancy int, loadP95Ms float64, health domain.InstanceHealth)
	RequestScale(ctx context.Context, route domain.Route) error
}

// PersistenceEnqueuer is PersistenceWorker's ingest surface.
type PersistenceEnqueuer interface {
	Enqueue(characterID domain.CharacterID, snapshot domain.Snapshot)
}

// WAL is the WriteAheadLog surface the UC-11 commit protocol needs.
type WAL interface {
	Begin(eventID uuid.UUID, kind uint8, logicalTs uint64, payload []byte) (wal.Handle, error)
	Commit(h wal.Handle) error
}

// CriticalRepo executes the authoritative DB write for a committed critical
// event, single-entity or the atomic two-party form a trade settlement
// needs; *dbrepo.Repo satisfies it.
type CriticalRepo interface {
	UpsertCriticalFields(ctx context.Context, characterID domain.CharacterID, critical json.RawMessage) error
	UpsertCriticalFieldsPair(ctx context.Context, aID domain.CharacterID, aCritical json.RawMessage, bID domain.CharacterID, bCritical json.RawMessage) error
}

// Broadcaster is the transport-side fan-out surface: send one frame to a
// single session, or to every session currently attached to an instance.
type Broadcaster interface {
	Send(sessionID domain.SessionID, frame []byte)
	BroadcastInstance(instanceID domain.InstanceID, frame []byte, except domain.SessionID)
}

// Config tunes tick cadence and degradation thresholds (spec.md §4.H).
type Config struct {
	PlayerTick             time.Duration
	MonsterTickPeriod      time.Duration
	MonsterMinBudget       time.Duration
	DegradeStreakThreshold int
	LoadSampleWindow       int
}

// DefaultConfig returns spec.md §4.H-aligned defaults: 50ms player tick,
// 150ms monster tick, a 5ms floor below which monster AI degrades, and a
// 20-consecutive-tick streak before requesting auto-scale (this session's
// resolution of the monster-AI-degradation Open Question).
func DefaultConfig() Config {
	return Config{
		PlayerTick:             50 * time.Millisecond,
		MonsterTickPeriod:      150 * time.Millisecond,
		MonsterMinBudget:       5 * time.Millisecond,
		DegradeStreakThreshold: 20,
		LoadSampleWindow:       20,
	}
}

// CharacterState is the live, in-memory state of one attached character.
type CharacterState struct {
	CharacterID domain.CharacterID
	SessionID   domain.SessionID
	AccountID   domain.AccountID
	X, Y        float64
	HP, MaxHP   float64
	Cooldowns   map[string]time.Time
	InCombat    bool
	Trading     bool
	dirty       bool
	dirtySeq    uint64
}

// Instance implements MapServer for exactly one MapInstance. One goroutine
// runs Run and executes step serially; every other method that touches
// shared state acquires mu, since Attach/InitiateTransfer are called from
// CoreRuntime's dispatch goroutines concurrently with the tick loop.
type Instance struct {
	cfg   Config
	route domain.Route

	codec       *wire.Codec
	signer      *token.RouteSigner
	directory   Directory
	persistence PersistenceEnqueuer
	walLog      WAL
	repo        CriticalRepo
	hub         Publisher
	broadcaster Broadcaster
	logger      telemetry.Logger
	events      logging.Publisher

	mailbox chan wire.WirePacket

	mu                 sync.Mutex
	characters         map[domain.CharacterID]*CharacterState
	sessionToCharacter map[domain.SessionID]domain.CharacterID
	consumedTransfers  map[[16]byte]bool
	dirtySeq           uint64

	tick          uint64
	degradeStreak int
	loadSamplesMs []float64

	monsters      map[domain.MonsterID]*MonsterState
	monsterRNG    *rand.Rand
	monsterStride int

	stop chan struct{}
	done chan struct{}
}

// New constructs a MapInstance bound to route. Any of directory, hub, or
// broadcaster may be nil in tests that don't exercise the corresponding
// operation.
func New(route domain.Route, codec *wire.Codec, signer *token.RouteSigner, directory Directory, persistence PersistenceEnqueuer, walLog WAL, repo CriticalRepo, hub Publisher, broadcaster Broadcaster, logger telemetry.Logger, events logging.Publisher, cfg Config) *Instance {
	if events == nil {
		events = logging.NopPublisher()
	}
	monsters, monsterRNG := spawnMonsters(route, monsterDefaultCount)
	stride := int(cfg.MonsterTickPeriod / cfg.PlayerTick)
	if stride < 1 {
		stride = 1
	}
	return &Instance{
		cfg:                cfg,
		route:              route,
		codec:              codec,
		signer:             signer,
		directory:          directory,
		persistence:        persistence,
		walLog:             walLog,
		repo:               repo,
		hub:                hub,
		broadcaster:        broadcaster,
		logger:             logger,
		events:             events,
		mailbox:            make(chan wire.WirePacket, 1024),
		characters:         make(map[domain.CharacterID]*CharacterState),
		sessionToCharacter: make(map[domain.SessionID]domain.CharacterID),
		consumedTransfers:  make(map[[16]byte]bool),
		monsters:           monsters,
		monsterRNG:         monsterRNG,
		monsterStride:      stride,
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}
}

// Deliver implements the mailbox side of "drain input packets addressed to
// characters in this instance" (spec.md §4.H step 1). A saturated mailbox
// drops the packet; the client's own ack/retry cycle recovers it.
func (inst *Instance) Deliver(pkt wire.WirePacket) {
	select {
	case inst.mailbox <- pkt:
	default:
		inst.logger.Printf("mapserver: mailbox saturated for instance %s, dropping packet", inst.route.InstanceID)
	}
}

func actorRef(characterID domain.CharacterID) logging.EntityRef {
	return logging.EntityRef{ID: string(characterID), Kind: logging.EntityKindPlayer}
}

// Run drives the tick loop until ctx is canceled or Stop is called.
func (inst *Instance) Run(ctx context.Context) {
	defer close(inst.done)
	lifecycle.MapInstanceStarted(ctx, inst.events, inst.tick, lifecycle.MapInstanceLifecyclePayload{
		World: inst.route.World, EntryPoint: inst.route.EntryPoint, MapKind: inst.route.MapKind, InstanceID: string(inst.route.InstanceID),
	}, nil)

	ticker := time.NewTicker(inst.cfg.PlayerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			inst.drainAndPersistOnStop()
			return
		case <-inst.stop:
			inst.drainAndPersistOnStop()
			return
		case <-ticker.C:
			inst.step(ctx)
		}
	}
}

// Stop signals Run to exit after its current tick.
func (inst *Instance) Stop() {
	close(inst.stop)
	<-inst.done
	lifecycle.MapInstanceDrained(context.Background(), inst.events, inst.tick, lifecycle.MapInstanceLifecyclePayload{
		World: inst.route.World, EntryPoint: inst.route.EntryPoint, MapKind: inst.route.MapKind, InstanceID: string(inst.route.InstanceID),
	}, nil)
}

func (inst *Instance) drainAndPersistOnStop() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for _, c := range inst.characters {
		inst.enqueuePersistenceLocked(c)
	}
}

// step executes one full tick: drain, resolve, broadcast deltas, run
// monster AI within budget, persist, report metrics (spec.md §4.H).
func (inst *Instance) step(ctx context.Context) {
	start := time.Now()
	inst.tick++

	batch := inst.drainMailbox()
	moved := inst.resolveActions(ctx, batch)
	inst.broadcastDeltas(moved)

	playerElapsed := time.Since(start)
	inst.runMonsterAI(ctx, playerElapsed)

	inst.enqueueDirty()

	tickMs := float64(time.Since(start).Microseconds()) / 1000
	inst.recordLoadSample(tickMs)
	inst.reportMetrics()
}

func (inst *Instance) drainMailbox() []wire.WirePacket {
	var batch []wire.WirePacket
	for {
		select {
		case pkt := <-inst.mailbox:
			batch = append(batch, pkt)
		default:
			return batch
		}
	}
}

func (inst *Instance) characterForSession(sessionID domain.SessionID) (*CharacterState, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	id, ok := inst.sessionToCharacter[sessionID]
	if !ok {
		return nil, false
	}
	c, ok := inst.characters[id]
	return c, ok
}

// resolveActions implements step 2 (resolve character actions) and, for
// economy-class packets, step 3 (apply critical state changes via the
// UC-11 commit path) inline, since the commit protocol is itself the
// authoritative validation for that action. Returns the characters whose
// visible state changed this tick, for the delta broadcast.
func (inst *Instance) resolveActions(ctx context.Context, batch []wire.WirePacket) []*CharacterState {
	var moved []*CharacterState
	for _, pkt := range batch {
		sessionID := domain.SessionID(pkt.SessionID.String())
		c, ok := inst.characterForSession(sessionID)
		if !ok {
			continue
		}
		switch pkt.PayloadKnd {
		case wire.PayloadMove:
			if inst.applyMove(c, pkt.Payload) {
				moved = append(moved, c)
			}
		case wire.PayloadChat:
			inst.handleChat(c, pkt.Payload)
		case wire.PayloadEconomyAction:
			inst.handleEconomyAction(ctx, c, pkt.Payload)
			moved = append(moved, c)
		case wire.PayloadMapTransfer:
			inst.handleTransferRequest(ctx, c, pkt.Payload)
		case wire.PayloadLogout:
			inst.releaseCharacter(c.CharacterID)
		}
	}
	return moved
}

func (inst *Instance) recordLoadSample(ms float64) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.loadSamplesMs = append(inst.loadSamplesMs, ms)
	if len(inst.loadSamplesMs) > inst.cfg.LoadSampleWindow {
		inst.loadSamplesMs = inst.loadSamplesMs[len(inst.loadSamplesMs)-inst.cfg.LoadSampleWindow:]
	}
}

func (inst *Instance) loadP95Locked() float64 {
	if len(inst.loadSamplesMs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), inst.loadSamplesMs...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * 0.95)
	return sorted[idx]
}

// reportMetrics implements step 7 (update WorldDirectory metrics).
func (inst *Instance) reportMetrics() {
	inst.mu.Lock()
	occupancy := len(inst.characters)
	p95 := inst.loadP95Locked()
	inst.mu.Unlock()

	if inst.directory == nil {
		return
	}
	health := domain.InstanceReady
	if inst.degradeStreak > 0 {
		health = domain.InstanceDegraded
	}
	inst.directory.InstanceMetricsUpdate(inst.route.InstanceID, occupancy, p95, health)
}

// enqueueDirty implements step 6: mark non-critical snapshots dirty and
// enqueue into PersistenceWorker.
func (inst *Instance) enqueueDirty() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for _, c := range inst.characters {
		if !c.dirty {
			continue
		}
		inst.enqueuePersistenceLocked(c)
		c.dirty = false
	}
}

func (inst *Instance) enqueuePersistenceLocked(c *CharacterState) {
	if inst.persistence == nil {
		return
	}
	inst.dirtySeq++
	c.dirtySeq = inst.dirtySeq
	inst.persistence.Enqueue(c.CharacterID, domain.Snapshot{
		CharacterID: c.CharacterID,
		X:           c.X,
		Y:           c.Y,
		HP:          c.HP,
		MaxHP:       c.MaxHP,
		Cooldowns:   c.Cooldowns,
		DirtySeq:    c.dirtySeq,
	})
}

// Attach implements attach(session, route_token) → Ok | Reject: validates
// the RouteToken end to end and, on success, spawns the character in this
// instance (spec.md §4.H).
func (inst *Instance) Attach(sessionID domain.SessionID, accountID domain.AccountID, signedRouteToken []byte) *domain.ServerError {
	rt, err := inst.signer.Verify(signedRouteToken)
	if err != nil {
		return domain.NewServerError(domain.ErrInvalidToken, err.Error())
	}
	if rt.Route.InstanceID != inst.route.InstanceID {
		return domain.NewServerError(domain.ErrInvalidToken, "route token targets a different instance")
	}
	if rt.SessionID != sessionID {
		return domain.NewServerError(domain.ErrInvalidToken, "route token session mismatch")
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.consumedTransfers[rt.TransferID] {
		return domain.NewServerError(domain.ErrInvalidToken, "route token already consumed")
	}
	inst.consumedTransfers[rt.TransferID] = true

	inst.characters[rt.CharacterID] = &CharacterState{
		CharacterID: rt.CharacterID,
		SessionID:   sessionID,
		AccountID:   accountID,
		MaxHP:       100,
		HP:          100,
		Cooldowns:   make(map[string]time.Time),
	}
	inst.sessionToCharacter[sessionID] = rt.CharacterID

	lifecycle.SessionBound(context.Background(), inst.events, inst.tick, actorRef(rt.CharacterID), lifecycle.SessionBoundPayload{
		AccountID: string(accountID), CharacterID: string(rt.CharacterID),
	}, nil)
	return nil
}

// InitiateTransfer implements initiate_transfer(session, target_route) →
// RouteToken: validates preconditions, enqueues a final snapshot to
// PersistenceWorker, and asks
// WorldDirectory to reserve a slot on the destination instance. The
// character is only released once the client acks via
// ReleaseAfterTransferAck.
func (inst *Instance) InitiateTransfer(characterID domain.CharacterID, targetRoute domain.Route) ([]byte, *domain.ServerError) {
	inst.mu.Lock()
	c, ok := inst.characters[characterID]
	if !ok {
		inst.mu.Unlock()
		return nil, domain.NewServerError(domain.ErrInvalidAction, "character not attached to this instance")
	}
	if c.InCombat || c.Trading {
		inst.mu.Unlock()
		return nil, domain.NewServerError(domain.ErrInvalidAction, "cannot transfer while in combat or trading")
	}
	inst.enqueuePersistenceLocked(c)
	sessionID := c.SessionID
	inst.mu.Unlock()

	if inst.directory == nil {
		return nil, domain.NewServerError(domain.ErrFatalFailure, "no directory configured")
	}
	signed, err := inst.directory.ReserveSlot(targetRoute, sessionID, characterID)
	if err != nil {
		return nil, domain.NewServerError(domain.ErrTransientFailure, err.Error())
	}
	return signed, nil
}

// ReleaseAfterTransferAck removes the character from this instance and
// releases its capacity slot, called once the client has acked its
// MapTransfer.
func (inst *Instance) ReleaseAfterTransferAck(characterID domain.CharacterID) {
	inst.releaseCharacter(characterID)
}

func (inst *Instance) releaseCharacter(characterID domain.CharacterID) {
	inst.mu.Lock()
	c, ok := inst.characters[characterID]
	if !ok {
		inst.mu.Unlock()
		return
	}
	delete(inst.characters, characterID)
	delete(inst.sessionToCharacter, c.SessionID)
	inst.mu.Unlock()

	if inst.directory != nil {
		inst.directory.ReleaseSlot(inst.route.InstanceID)
	}
	lifecycle.SessionClosed(context.Background(), inst.events, inst.tick, actorRef(characterID), lifecycle.SessionClosedPayload{
		Reason: "map_transfer_or_logout",
	}, nil)
}

func (inst *Instance) handleTransferRequest(ctx context.Context, c *CharacterState, payload []byte) {
	req, err := decodeTransferRequest(payload)
	if err != nil {
		inst.sendError(c.SessionID, domain.NewServerError(domain.ErrInvalidAction, "malformed transfer request"))
		return
	}
	signed, sErr := inst.InitiateTransfer(c.CharacterID, req.Route)
	if sErr != nil {
		inst.sendError(c.SessionID, sErr)
		return
	}
	inst.sendTransferGranted(c.SessionID, req.Route, signed)
}

// runMonsterAI implements step 5: monster AI runs at its own coarser cadence
// (MonsterTickPeriod, independent of the player tick) within whatever budget
// is left over after player-phase work. On overrun it degrades rather than
// stalling the player phase: update frequency drops (the stride between
// monster ticks doubles) and each monster reuses its last target instead of
// rescanning for the nearest player. A sustained overrun streak requests
// auto-scale (the Open Question resolution recorded in DESIGN.md).
func (inst *Instance) runMonsterAI(ctx context.Context, playerElapsed time.Duration) {
	budget := inst.cfg.PlayerTick - playerElapsed
	overran := budget < inst.cfg.MonsterMinBudget

	stride := inst.monsterStride
	if overran {
		stride *= 2
	}
	if stride < 1 {
		stride = 1
	}
	if inst.tick%uint64(stride) == 0 {
		inst.stepMonsters(ctx, overran)
	}

	if !overran {
		inst.degradeStreak = 0
		return
	}

	inst.degradeStreak++
	ratio := float64(playerElapsed.Milliseconds()) / float64(inst.cfg.PlayerTick.Milliseconds())
	simulation.TickBudgetOverrun(ctx, inst.events, inst.tick, simulation.TickBudgetOverrunPayload{
		DurationMillis: playerElapsed.Milliseconds(),
		BudgetMillis:   inst.cfg.PlayerTick.Milliseconds(),
		Ratio:          ratio,
		Streak:         uint64(inst.degradeStreak),
	}, nil)

	if inst.degradeStreak < inst.cfg.DegradeStreakThreshold {
		return
	}

	simulation.TickBudgetAlarm(ctx, inst.events, inst.tick, simulation.TickBudgetAlarmPayload{
		DurationMillis:  playerElapsed.Milliseconds(),
		BudgetMillis:    inst.cfg.PlayerTick.Milliseconds(),
		Ratio:           ratio,
		Streak:          uint64(inst.degradeStreak),
		ScaleRequested:  inst.directory != nil,
		ThresholdRatio:  1.0,
		ThresholdStreak: uint64(inst.cfg.DegradeStreakThreshold),
	}, nil)

	inst.degradeStreak = 0
	if inst.directory == nil {
		return
	}
	go func() {
		scaleCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := inst.directory.RequestScale(scaleCtx, inst.route); err != nil {
			inst.logger.Printf("mapserver: auto-scale request for %s failed: %v", inst.route.InstanceID, err)
		}
	}()
}

func (inst *Instance) sendError(sessionID domain.SessionID, sErr *domain.ServerError) {
	if inst.broadcaster == nil || inst.codec == nil {
		return
	}
	body, err := encodeServerError(sErr)
	if err != nil {
		return
	}
	frame, err := inst.codec.EncodeStream(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelControl,
		SentAtMs:   uint64(time.Now().UnixMilli()),
		PayloadKnd: wire.PayloadServerError,
		Payload:    body,
	})
	if err != nil {
		return
	}
	inst.broadcaster.Send(sessionID, frame)
}
