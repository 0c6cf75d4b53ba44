package mapserver

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"muruntime/internal/domain"
	"muruntime/logging"
	"muruntime/logging/combat"
)

// Monster tuning. Persisted monster state is out of scope (monsters
// respawn identically every time an instance starts), but the AI that
// drives them within a running instance is not: it runs every monster
// tick, chasing and attacking players within aggro range.
const (
	monsterDefaultCount   = 3
	monsterDefaultHP      = 30.0
	monsterAggroRadius    = 120.0
	monsterWanderRadius   = 150.0
	monsterArriveRadius   = 8.0
	monsterChaseSpeed     = 2.0
	monsterWanderSpeed    = 0.6
	monsterAttackRadius   = 20.0
	monsterAttackDamage   = 5.0
	monsterAttackCooldown = 2 * time.Second
)

// MonsterState is one live monster's simulated state, owned entirely by the
// instance's tick goroutine except where noted; fields read or written from
// stepOneMonster are guarded by Instance.mu because a monster's target is a
// live CharacterState shared with the player-input path.
type MonsterState struct {
	MonsterID domain.MonsterID
	Kind      string
	X, Y      float64
	HP, MaxHP float64

	homeX, homeY     float64
	wanderX, wanderY float64
	targetID         domain.CharacterID
	nextAttackAt     time.Time
}

// spawnMonsters seeds a small fixed roster around the instance's origin.
// The seed is derived from the route's instance_id so restarts respawn the
// same roster in the same places without needing to persist anything.
func spawnMonsters(route domain.Route, count int) (map[domain.MonsterID]*MonsterState, *rand.Rand) {
	rng := rand.New(rand.NewSource(int64(fnvSeed(string(route.InstanceID)))))
	monsters := make(map[domain.MonsterID]*MonsterState, count)
	for i := 0; i < count; i++ {
		id := domain.MonsterID(fmt.Sprintf("%s-monster-%d", route.InstanceID, i))
		homeX := (rng.Float64()*2 - 1) * monsterWanderRadius
		homeY := (rng.Float64()*2 - 1) * monsterWanderRadius
		monsters[id] = &MonsterState{
			MonsterID: id,
			Kind:      "field_slime",
			X:         homeX,
			Y:         homeY,
			HP:        monsterDefaultHP,
			MaxHP:     monsterDefaultHP,
			homeX:     homeX,
			homeY:     homeY,
			wanderX:   homeX,
			wanderY:   homeY,
		}
	}
	return monsters, rng
}

func fnvSeed(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// stepMonsters advances every live monster one AI update. degraded is true
// when the player phase overran its budget this tick; in that state a
// monster already chasing someone skips the nearest-player rescan and just
// keeps closing on its last target, trading pathfinding accuracy for the
// CPU headroom the player phase needs.
func (inst *Instance) stepMonsters(ctx context.Context, degraded bool) {
	for _, m := range inst.monsters {
		inst.stepOneMonster(ctx, m, degraded)
	}
}

func (inst *Instance) stepOneMonster(ctx context.Context, m *MonsterState, degraded bool) {
	inst.mu.Lock()
	if m.HP <= 0 {
		inst.mu.Unlock()
		return
	}

	var target *CharacterState
	if degraded && m.targetID != "" {
		target = inst.characters[m.targetID]
		if target != nil && target.HP <= 0 {
			target = nil
		}
	}
	if target == nil {
		target = inst.nearestCharacterWithinLocked(m.X, m.Y, monsterAggroRadius)
	}

	if target == nil {
		m.targetID = ""
		inst.wanderLocked(m)
		inst.mu.Unlock()
		return
	}
	m.targetID = target.CharacterID

	dx, dy := target.X-m.X, target.Y-m.Y
	dist := math.Hypot(dx, dy)
	if dist > monsterAttackRadius {
		if dist > 0 {
			m.X += dx / dist * monsterChaseSpeed
			m.Y += dy / dist * monsterChaseSpeed
		}
		inst.mu.Unlock()
		return
	}

	now := time.Now()
	if now.Before(m.nextAttackAt) {
		inst.mu.Unlock()
		return
	}
	m.nextAttackAt = now.Add(monsterAttackCooldown)
	target.HP -= monsterAttackDamage
	if target.HP < 0 {
		target.HP = 0
	}
	target.dirty = true
	defeated := target.HP == 0
	targetID, targetHP := target.CharacterID, target.HP
	inst.mu.Unlock()

	combat.Damage(ctx, inst.events, inst.tick, monsterRef(m.MonsterID), actorRef(targetID), combat.DamagePayload{
		Ability: "monster_attack", Amount: monsterAttackDamage, TargetHealth: targetHP,
	}, nil)
	if defeated {
		combat.Defeat(ctx, inst.events, inst.tick, monsterRef(m.MonsterID), actorRef(targetID), combat.DefeatPayload{
			Ability: "monster_attack",
		}, nil)
	}
}

// nearestCharacterWithinLocked returns the closest live character to (x,y)
// within radius, or nil. Caller must hold inst.mu.
func (inst *Instance) nearestCharacterWithinLocked(x, y, radius float64) *CharacterState {
	var best *CharacterState
	bestDist := radius
	for _, c := range inst.characters {
		if c.HP <= 0 {
			continue
		}
		d := math.Hypot(c.X-x, c.Y-y)
		if d <= bestDist {
			best = c
			bestDist = d
		}
	}
	return best
}

// wanderLocked drifts m toward a fresh random point near its home once it
// arrives at the previous one. Caller must hold inst.mu.
func (inst *Instance) wanderLocked(m *MonsterState) {
	if math.Hypot(m.wanderX-m.X, m.wanderY-m.Y) < monsterArriveRadius {
		m.wanderX = m.homeX + (inst.monsterRNG.Float64()*2-1)*monsterWanderRadius
		m.wanderY = m.homeY + (inst.monsterRNG.Float64()*2-1)*monsterWanderRadius
	}
	dx, dy := m.wanderX-m.X, m.wanderY-m.Y
	dist := math.Hypot(dx, dy)
	if dist > 0.1 {
		m.X += dx / dist * monsterWanderSpeed
		m.Y += dy / dist * monsterWanderSpeed
	}
}

func monsterRef(id domain.MonsterID) logging.EntityRef {
	return logging.EntityRef{ID: string(id), Kind: logging.EntityKindNPC}
}
