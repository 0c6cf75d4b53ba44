// Package directory implements WorldDirectory: the catalog of worlds, entry
// points, and live MapInstances, route selection, and auto-scale
// (spec.md §4.D).
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"muruntime/internal/domain"
	"muruntime/internal/token"
)

// MapKindConfig is the immutable capacity policy for one map kind inside an
// EntryPoint.
type MapKindConfig struct {
	SoftPlayerCap int
	HardPlayerCap int
}

// EntryPointConfig is the immutable routing shard inside a World.
type EntryPointConfig struct {
	MapKinds map[string]MapKindConfig
}

// WorldConfig is the immutable top-level topology container.
type WorldConfig struct {
	EntryPoints map[string]EntryPointConfig
}

// Topology is the full immutable configuration loaded at startup
// (spec.md §3: "World: static container... Immutable after configuration load").
type Topology map[string]WorldConfig

// Launcher spawns a new MapServer for a Starting MapInstance. The directory
// does not own MapServer lifecycles directly; it only requests one and waits
// for the instance to report Ready via InstanceMetricsUpdate.
type Launcher interface {
	Launch(ctx context.Context, instanceID domain.InstanceID, route domain.Route, softCap, hardCap int) error
}

type instanceState struct {
	Route          domain.Route
	SoftCap        int
	HardCap        int
	Occupancy      int
	LoadP95Ms      float64
	Health         domain.InstanceHealth
	readyCh        chan struct{}
	readyClosed    bool
	lastMetricsAt  time.Time
}

// Config tunes WorldDirectory behavior.
type Config struct {
	RouteTokenTTL time.Duration
	ScaleWait     time.Duration
}

// DefaultConfig returns spec.md §5-aligned defaults (10s scale-wait timeout).
func DefaultConfig() Config {
	return Config{RouteTokenTTL: 30 * time.Second, ScaleWait: 10 * time.Second}
}

var (
	// ErrUnknownRoute is returned when the (world, entry, map_kind) triple
	// does not exist in the topology.
	ErrUnknownRoute = errors.New("directory: unknown world/entry/map_kind")
	// ErrScaleTimeout is returned when resolve_or_scale gives up waiting for
	// a newly launched instance to report Ready.
	ErrScaleTimeout = errors.New("directory: timed out waiting for instance to become ready")
	// ErrCapacityExhausted is returned when reserve_slot cannot find room.
	ErrCapacityExhausted = errors.New("directory: no capacity available")
)

// Directory implements WorldDirectory.
type Directory struct {
	cfg      Config
	topology Topology
	launcher Launcher
	signer   *token.RouteSigner

	mu        sync.RWMutex
	instances map[domain.InstanceID]*instanceState
	nextSeq   uint64

	scaleLocksMu sync.Mutex
	scaleLocks   map[string]*sync.Mutex
}

// New constructs a WorldDirectory over the given immutable topology.
func New(topology Topology, launcher Launcher, signer *token.RouteSigner, cfg Config) *Directory {
	return &Directory{
		cfg:        cfg,
		topology:   topology,
		launcher:   launcher,
		signer:     signer,
		instances:  make(map[domain.InstanceID]*instanceState),
		scaleLocks: make(map[string]*sync.Mutex),
	}
}

func scaleKey(world, entry, mapKind string) string {
	return world + "\x00" + entry + "\x00" + mapKind
}

func (d *Directory) scaleLock(world, entry, mapKind string) *sync.Mutex {
	key := scaleKey(world, entry, mapKind)
	d.scaleLocksMu.Lock()
	defer d.scaleLocksMu.Unlock()
	l, ok := d.scaleLocks[key]
	if !ok {
		l = &sync.Mutex{}
		d.scaleLocks[key] = l
	}
	return l
}

func (d *Directory) kindConfig(world, entry, mapKind string) (MapKindConfig, bool) {
	w, ok := d.topology[world]
	if !ok {
		return MapKindConfig{}, false
	}
	e, ok := w.EntryPoints[entry]
	if !ok {
		return MapKindConfig{}, false
	}
	k, ok := e.MapKinds[mapKind]
	return k, ok
}

// SelectBestRoute implements select_best_route: the least-loaded ready
// instance with a free slot, tie-broken by lowest load_p95_ms then lowest
// instance_id (spec.md §4.D).
func (d *Directory) SelectBestRoute(world, entry, mapKind string) (domain.Route, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var candidates []*instanceState
	for _, inst := range d.instances {
		if inst.Route.World != world || inst.Route.EntryPoint != entry || inst.Route.MapKind != mapKind {
			continue
		}
		if inst.Health != domain.InstanceReady && inst.Health != domain.InstanceDegraded {
			continue
		}
		if inst.Occupancy >= inst.SoftCap {
			continue
		}
		candidates = append(candidates, inst)
	}
	if len(candidates) == 0 {
		return domain.Route{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri := float64(candidates[i].Occupancy) / float64(candidates[i].SoftCap)
		rj := float64(candidates[j].Occupancy) / float64(candidates[j].SoftCap)
		if ri != rj {
			return ri < rj
		}
		if candidates[i].LoadP95Ms != candidates[j].LoadP95Ms {
			return candidates[i].LoadP95Ms < candidates[j].LoadP95Ms
		}
		return candidates[i].Route.InstanceID < candidates[j].Route.InstanceID
	})
	return candidates[0].Route, true
}

// ResolveOrScale implements resolve_or_scale: returns an existing route with
// free capacity, or double-checked-lock scales a new MapInstance into
// existence.
func (d *Directory) ResolveOrScale(ctx context.Context, world, entry, mapKind string) (domain.Route, error) {
	kindCfg, ok := d.kindConfig(world, entry, mapKind)
	if !ok {
		return domain.Route{}, ErrUnknownRoute
	}

	if route, ok := d.SelectBestRoute(world, entry, mapKind); ok {
		return route, nil
	}

	lock := d.scaleLock(world, entry, mapKind)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: another goroutine may have scaled already.
	if route, ok := d.SelectBestRoute(world, entry, mapKind); ok {
		return route, nil
	}

	instanceID := d.newInstanceID(world, entry, mapKind)
	route := domain.Route{World: world, EntryPoint: entry, MapKind: mapKind, InstanceID: instanceID}

	inst := &instanceState{
		Route:   route,
		SoftCap: kindCfg.SoftPlayerCap,
		HardCap: kindCfg.HardPlayerCap,
		Health:  domain.InstanceStarting,
		readyCh: make(chan struct{}),
	}
	d.mu.Lock()
	d.instances[instanceID] = inst
	d.mu.Unlock()

	if err := d.launcher.Launch(ctx, instanceID, route, kindCfg.SoftPlayerCap, kindCfg.HardPlayerCap); err != nil {
		d.mu.Lock()
		delete(d.instances, instanceID)
		d.mu.Unlock()
		return domain.Route{}, fmt.Errorf("directory: launch failed: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ScaleWait)
	defer cancel()
	select {
	case <-inst.readyCh:
		return route, nil
	case <-waitCtx.Done():
		return domain.Route{}, ErrScaleTimeout
	}
}

func (d *Directory) newInstanceID(world, entry, mapKind string) domain.InstanceID {
	d.mu.Lock()
	d.nextSeq++
	seq := d.nextSeq
	d.mu.Unlock()
	return domain.InstanceID(fmt.Sprintf("%s-%s-%s-%04d", world, entry, mapKind, seq))
}

// ReserveSlot implements reserve_slot: decrements nominal capacity and
// issues a signed, single-use, time-bound RouteToken.
func (d *Directory) ReserveSlot(route domain.Route, sessionID domain.SessionID, characterID domain.CharacterID) ([]byte, error) {
	d.mu.Lock()
	inst, ok := d.instances[route.InstanceID]
	if !ok {
		d.mu.Unlock()
		return nil, ErrUnknownRoute
	}
	if inst.Occupancy >= inst.HardCap {
		d.mu.Unlock()
		return nil, ErrCapacityExhausted
	}
	inst.Occupancy++
	d.mu.Unlock()

	rt := token.RouteToken{
		TransferID:  uuid.New(),
		SessionID:   sessionID,
		CharacterID: characterID,
		Route:       route,
		ExpiresAt:   time.Now().Add(d.cfg.RouteTokenTTL),
	}
	signed, err := d.signer.Sign(rt)
	if err != nil {
		d.mu.Lock()
		inst.Occupancy--
		d.mu.Unlock()
		return nil, fmt.Errorf("directory: sign route token: %w", err)
	}
	return signed, nil
}

// ReleaseSlot implements release_slot, called on detach.
func (d *Directory) ReleaseSlot(instanceID domain.InstanceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[instanceID]
	if !ok {
		return
	}
	if inst.Occupancy > 0 {
		inst.Occupancy--
	}
}

// InstanceMetricsUpdate implements instance_metrics_update, fed by
// MapServers. A transition into Ready for the first time unblocks any
// resolve_or_scale caller waiting on this instance.
func (d *Directory) InstanceMetricsUpdate(instanceID domain.InstanceID, occupancy int, loadP95Ms float64, health domain.InstanceHealth) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[instanceID]
	if !ok {
		return
	}
	inst.Occupancy = occupancy
	inst.LoadP95Ms = loadP95Ms
	inst.Health = health
	inst.lastMetricsAt = time.Now()

	if health == domain.InstanceReady && !inst.readyClosed {
		close(inst.readyCh)
		inst.readyClosed = true
	}
}

// InstanceSnapshot describes one MapInstance for observability surfaces.
type InstanceSnapshot struct {
	Route     domain.Route          `json:"route"`
	Occupancy int                   `json:"occupancy"`
	SoftCap   int                   `json:"softCap"`
	HardCap   int                   `json:"hardCap"`
	LoadP95Ms float64               `json:"loadP95Ms"`
	Health    domain.InstanceHealth `json:"health"`
}

// Snapshot returns a copy of every known instance's state, used by
// httpapi's /runtime/maps.
func (d *Directory) Snapshot() []InstanceSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]InstanceSnapshot, 0, len(d.instances))
	for _, inst := range d.instances {
		out = append(out, InstanceSnapshot{
			Route:     inst.Route,
			Occupancy: inst.Occupancy,
			SoftCap:   inst.SoftCap,
			HardCap:   inst.HardCap,
			LoadP95Ms: inst.LoadP95Ms,
			Health:    inst.Health,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route.InstanceID < out[j].Route.InstanceID })
	return out
}

// RequestScale is called by a MapServer under sustained tick-overrun
// (spec.md's Open Question resolution for monster AI degradation) to ask
// the directory to eagerly resolve_or_scale another instance of its kind
// ahead of demand, rather than waiting for the next routing request.
func (d *Directory) RequestScale(ctx context.Context, route domain.Route) error {
	_, err := d.ResolveOrScale(ctx, route.World, route.EntryPoint, route.MapKind)
	return err
}
