package mapserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"muruntime/internal/domain"
)

func TestSpawnMonstersProducesConfiguredRoster(t *testing.T) {
	route := domain.Route{World: "noria", EntryPoint: "gate", MapKind: "field", InstanceID: "noria-gate-field-0001"}
	monsters, rng := spawnMonsters(route, monsterDefaultCount)
	require.Len(t, monsters, monsterDefaultCount)
	require.NotNil(t, rng)
	for id, m := range monsters {
		require.Equal(t, id, m.MonsterID)
		require.Equal(t, monsterDefaultHP, m.HP)
	}
}

func TestSpawnMonstersIsDeterministicForSameInstance(t *testing.T) {
	route := domain.Route{World: "noria", EntryPoint: "gate", MapKind: "field", InstanceID: "noria-gate-field-0001"}
	a, _ := spawnMonsters(route, monsterDefaultCount)
	b, _ := spawnMonsters(route, monsterDefaultCount)
	for id, m := range a {
		other, ok := b[id]
		require.True(t, ok)
		require.Equal(t, m.X, other.X)
		require.Equal(t, m.Y, other.Y)
	}
}

func TestStepOneMonsterChasesAndAttacksNearbyCharacter(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "sess-1", "char-1")

	m := &MonsterState{MonsterID: "m-1", HP: monsterDefaultHP, MaxHP: monsterDefaultHP, X: monsterAttackRadius - 1, Y: 0}

	f.inst.stepOneMonster(context.Background(), m, false)

	f.inst.mu.Lock()
	target := f.inst.characters["char-1"]
	hp := target.HP
	dirty := target.dirty
	f.inst.mu.Unlock()

	require.Less(t, hp, 100.0)
	require.True(t, dirty)
	require.Equal(t, domain.CharacterID("char-1"), m.targetID)
}

func TestStepOneMonsterChasesWithoutAttackingWhenOutOfRange(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "sess-1", "char-1")

	m := &MonsterState{MonsterID: "m-1", HP: monsterDefaultHP, MaxHP: monsterDefaultHP, X: monsterAggroRadius - 1, Y: 0}
	startX := m.X

	f.inst.stepOneMonster(context.Background(), m, false)

	require.Less(t, m.X, startX)

	f.inst.mu.Lock()
	target := f.inst.characters["char-1"]
	hp := target.HP
	f.inst.mu.Unlock()
	require.Equal(t, 100.0, hp)
}

func TestStepOneMonsterWandersWithoutTargetsInRange(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "sess-1", "char-1")

	f.inst.mu.Lock()
	f.inst.characters["char-1"].X = monsterAggroRadius * 10
	f.inst.characters["char-1"].Y = monsterAggroRadius * 10
	f.inst.mu.Unlock()

	m := &MonsterState{MonsterID: "m-1", HP: monsterDefaultHP, MaxHP: monsterDefaultHP}
	m.wanderX, m.wanderY = 50, 0

	f.inst.stepOneMonster(context.Background(), m, false)

	require.Equal(t, domain.CharacterID(""), m.targetID)
	require.Greater(t, m.X, 0.0)
}

func TestStepOneMonsterDegradedReusesLastTargetInsteadOfRescanning(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "sess-1", "char-1")
	f.attach(t, "sess-2", "char-2")

	f.inst.mu.Lock()
	f.inst.characters["char-1"].X, f.inst.characters["char-1"].Y = 5, 0
	f.inst.characters["char-2"].X, f.inst.characters["char-2"].Y = 0, 0
	f.inst.mu.Unlock()

	m := &MonsterState{MonsterID: "m-1", HP: monsterDefaultHP, MaxHP: monsterDefaultHP, X: 0, Y: 0, targetID: "char-1"}

	f.inst.stepOneMonster(context.Background(), m, true)

	require.Equal(t, domain.CharacterID("char-1"), m.targetID)
}

func TestStepOneMonsterDoesNothingWhenDead(t *testing.T) {
	f := newFixture(t)
	m := &MonsterState{MonsterID: "m-1", HP: 0, MaxHP: monsterDefaultHP}
	f.inst.stepOneMonster(context.Background(), m, false)
	require.Equal(t, 0.0, m.X)
	require.Equal(t, 0.0, m.Y)
}

func TestRunMonsterAISkipsStepOnNonStrideTicks(t *testing.T) {
	f := newFixture(t)
	f.inst.monsterStride = 3
	f.inst.monsters = map[domain.MonsterID]*MonsterState{
		"m-1": {MonsterID: "m-1", HP: monsterDefaultHP, MaxHP: monsterDefaultHP, wanderX: 50},
	}

	f.inst.tick = 1
	f.inst.runMonsterAI(context.Background(), 0)
	require.Equal(t, 0.0, f.inst.monsters["m-1"].X)

	f.inst.tick = 3
	f.inst.runMonsterAI(context.Background(), 0)
	require.NotEqual(t, 0.0, f.inst.monsters["m-1"].X)
}
