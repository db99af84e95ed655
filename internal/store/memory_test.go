package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
)

func record(id, server string) BattleRecord {
	return BattleRecord{
		ID:              id,
		ServerID:        server,
		Mode:            engine.ModeRanked,
		Status:          StatusActive,
		Phase:           engine.PhaseCombat,
		Round:           1,
		MaxRounds:       3,
		UserActorID:     "alice",
		OpponentActorID: "bob",
		UserRoster:      []engine.Combatant{{ID: "u1", MaxHealth: 100}},
		OpponentRoster:  []engine.Combatant{{ID: "o1", MaxHealth: 100}},
	}
}

func TestMemoryBattleLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateBattle(ctx, record("b1", "s1"), []Participant{{BattleID: "b1", CharacterID: "u1", Active: true}}))
	assert.ErrorIs(t, m.CreateBattle(ctx, record("b1", "s1"), nil), ErrExists)

	active, err := m.ActiveByActor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, m.UpdateBattle(ctx, "b1", Update{
		Status:        Ptr(StatusCompleted),
		WinnerActorID: Ptr("alice"),
		Rewards:       &Rewards{XP: 100},
	}))
	got, err := m.GetBattle(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "alice", got.WinnerActorID)
	assert.Equal(t, 100, got.Rewards.XP)
	assert.Equal(t, engine.PhaseCombat, got.Phase, "untouched fields survive")

	active, err = m.ActiveByServer(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, active)

	moved, err := m.Reassign(ctx, "b1", "s1", "s2")
	require.NoError(t, err)
	assert.False(t, moved, "completed battles stay put")

	_, err = m.GetBattle(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.UpdateBattle(ctx, "nope", Update{}), ErrNotFound)
}

func TestMemoryReassign(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateBattle(ctx, record("b1", "s1"), nil))

	moved, err := m.Reassign(ctx, "b1", "s9", "s2")
	require.NoError(t, err)
	assert.False(t, moved, "wrong current owner")

	moved, err = m.Reassign(ctx, "b1", "s1", "s2")
	require.NoError(t, err)
	assert.True(t, moved)

	active, err := m.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s2", active[0].ServerID)

	moved, err = m.Reassign(ctx, "b1", "s1", "s3")
	require.NoError(t, err)
	assert.False(t, moved, "second adopter loses")
}

func TestMemoryLocks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Lock(ctx, "b1", []string{"c1", "c2"}))
	require.NoError(t, m.Lock(ctx, "b1", []string{"c1"}), "relocking for the same battle is fine")

	err := m.Lock(ctx, "b2", []string{"c3", "c2"})
	assert.ErrorIs(t, err, ErrCharacterLocked)
	_, held, _ := m.Holder(ctx, "c3")
	assert.False(t, held, "a failed lock takes nothing")

	require.NoError(t, m.Unlock(ctx, "b1"))
	require.NoError(t, m.Unlock(ctx, "b1"))
	_, held, _ = m.Holder(ctx, "c1")
	assert.False(t, held)
	require.NoError(t, m.Lock(ctx, "b2", []string{"c2"}))
}

func TestParticipantsFrom(t *testing.T) {
	c := engine.NewContext(record("b1", "s1").Setup())
	ps := ParticipantsFrom(&c)
	require.Len(t, ps, 2)
	assert.Equal(t, "b1", ps[0].BattleID)
	assert.Equal(t, engine.SideUser, ps[0].Side)
	assert.Equal(t, engine.UserSpawns[0], ps[0].Position)
	assert.True(t, ps[1].Active)
}
