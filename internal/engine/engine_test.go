package engine

import (
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/DoyleJ11/hex-arena-backend/internal/catalog"
)

// fixedRoller replays scripted rolls, repeating the last one when exhausted.
type fixedRoller struct {
	ints   []int
	floats []float64
}

func (r *fixedRoller) IntN(n int) int {
	if len(r.ints) == 0 {
		return 0
	}
	v := r.ints[0]
	if len(r.ints) > 1 {
		r.ints = r.ints[1:]
	}
	return v % n
}

func (r *fixedRoller) Float64() float64 {
	if len(r.floats) == 0 {
		return 0.5
	}
	v := r.floats[0]
	if len(r.floats) > 1 {
		r.floats = r.floats[1:]
	}
	return v
}

func fighter(id string, speed int) Combatant {
	return Combatant{ID: id, Name: id, Level: 10, MaxHealth: 100, Attack: 50, Defense: 0, Speed: speed, Magic: 20, MaxActionPoints: 3, Adherence: 80,
		Powers: []string{"power_slam"}, Spells: []string{"fireball"}}
}

func newSetup() Setup {
	return Setup{
		BattleID:       "b1",
		UserActor:      "alice",
		OpponentActor:  "bob",
		UserRoster:     []Combatant{fighter("u1", 30), fighter("u2", 50), fighter("u3", 10)},
		OpponentRoster: []Combatant{fighter("o1", 50), fighter("o2", 20), fighter("o3", 40)},
	}
}

func TestDistance(t *testing.T) {
	cases := []struct {
		a, b Hex
		want int
	}{
		{Hex{0, 0}, Hex{0, 0}, 0},
		{Hex{2, 5}, Hex{3, 5}, 1},
		{Hex{3, 5}, Hex{4, 4}, 1},
		{Hex{2, 4}, Hex{9, 4}, 7},
		{Hex{2, 6}, Hex{9, 4}, 7},
	}
	for _, tc := range cases {
		if got := Distance(tc.a, tc.b); got != tc.want {
			t.Fatalf("Distance(%v,%v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestPathRoutesAroundTower(t *testing.T) {
	c := NewContext(Setup{})
	path, err := c.Path(Hex{4, 5}, Hex{6, 5})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if slices.Contains(path, TowerHex) {
		t.Fatalf("path crosses the tower: %v", path)
	}
	if len(path) <= 2 {
		t.Fatalf("expected a detour longer than 2, got %v", path)
	}
}

func TestPathRejectsBlockedHexes(t *testing.T) {
	c := NewContext(newSetup())
	cases := []struct {
		name string
		to   Hex
	}{
		{"perimeter", Hex{3, 0}},
		{"tower", TowerHex},
		{"out of bounds", Hex{14, 3}},
		{"occupied", Hex{9, 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Path(Hex{2, 5}, tc.to); !errors.Is(err, ErrNoPath) {
				t.Fatalf("want ErrNoPath, got %v", err)
			}
		})
	}
}

func TestLineOfSight(t *testing.T) {
	c := NewContext(Setup{})
	if c.LineOfSight(Hex{3, 5}, Hex{7, 5}) {
		t.Fatalf("tower should block (3,5)->(7,5)")
	}
	if !c.LineOfSight(Hex{3, 3}, Hex{3, 7}) {
		t.Fatalf("(3,3)->(3,7) should be clear")
	}
}

func TestTurnOrderIsStablePermutation(t *testing.T) {
	c := NewContext(newSetup())
	want := []string{"u2", "o1", "o3", "u1", "o2", "u3"}
	if !slices.Equal(c.TurnOrder, want) {
		t.Fatalf("turn order = %v, want %v", c.TurnOrder, want)
	}

	ids := make([]string, 0, len(c.Characters))
	for _, ch := range c.Characters {
		ids = append(ids, ch.ID)
	}
	got := slices.Clone(c.TurnOrder)
	slices.Sort(got)
	slices.Sort(ids)
	if !slices.Equal(got, ids) {
		t.Fatalf("turn order %v is not a permutation of %v", c.TurnOrder, ids)
	}
}

func TestNewContextSpawnsAndAP(t *testing.T) {
	c := NewContext(newSetup())
	for i, id := range []string{"u1", "u2", "u3"} {
		ch, _ := c.Character(id)
		if ch.Position != UserSpawns[i] {
			t.Fatalf("%s at %v, want %v", id, ch.Position, UserSpawns[i])
		}
		if ch.ActionPoints != ch.MaxActionPoints {
			t.Fatalf("%s starts with %d AP", id, ch.ActionPoints)
		}
	}
	o1, _ := c.Character("o1")
	if o1.Position != OpponentSpawns[0] || o1.Side != SideOpponent || o1.ActorID != "bob" {
		t.Fatalf("unexpected o1: %+v", o1)
	}
}

func TestQueueCostTracksMoves(t *testing.T) {
	cat := catalog.Default()
	actions := []PlannedAction{
		{Kind: ActionMove, TargetHex: &Hex{3, 5}},
		{Kind: ActionMove, TargetHex: &Hex{4, 4}},
		{Kind: ActionAttack, AttackType: "strike", TargetID: "o1"},
	}
	got, err := QueueCost(cat, actions, Hex{2, 5})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != 4 {
		t.Fatalf("cost = %d, want 4", got)
	}

	_, err = QueueCost(cat, []PlannedAction{{Kind: ActionAttack, AttackType: "roundhouse"}}, Hex{})
	if err == nil {
		t.Fatalf("expected unknown attack type to fail")
	}
}

func TestBuildOrderLabels(t *testing.T) {
	c := NewContext(newSetup())
	cat := catalog.Default()
	cases := []struct {
		action PlannedAction
		want   string
	}{
		{PlannedAction{Kind: ActionAttack, AttackType: "heavy", TargetID: "o1"}, "Heavy Attack o1"},
		{PlannedAction{Kind: ActionMove, TargetHex: &Hex{3, 5}}, "Move to hex (3, 5)"},
		{PlannedAction{Kind: ActionMoveAndAttack, AttackType: "jab", TargetID: "o2", TargetHex: &Hex{8, 5}}, "Move and attack o2"},
		{PlannedAction{Kind: ActionDefend}, "Take defensive stance"},
		{PlannedAction{Kind: ActionSpell, AbilityID: "fireball", TargetID: "o3"}, "Cast Fireball on o3"},
		{PlannedAction{Kind: ActionPower, AbilityID: "power_slam", TargetID: "o3"}, "Use Power Slam on o3"},
		{PlannedAction{Kind: ActionItem, AbilityID: "potion"}, "Use item"},
	}
	for _, tc := range cases {
		o, err := BuildOrder(&c, "u1", tc.action, cat)
		if err != nil {
			t.Fatalf("%s: unexpected err: %v", tc.want, err)
		}
		if o.Label != tc.want {
			t.Fatalf("label = %q, want %q", o.Label, tc.want)
		}
	}

	if _, err := BuildOrder(&c, "u1", PlannedAction{Kind: ActionAttack, AttackType: "jab", TargetID: "ghost"}, cat); !errors.Is(err, ErrUnknownCharacter) {
		t.Fatalf("want ErrUnknownCharacter, got %v", err)
	}
}

func adjacent(c *Context) {
	u1, _ := c.slot("u1")
	o1, _ := c.slot("o1")
	u1.Position = Hex{7, 4}
	o1.Position = Hex{8, 4}
}

func TestResolveAttackKills(t *testing.T) {
	c := NewContext(newSetup())
	adjacent(&c)
	o1, _ := c.slot("o1")
	o1.Health = 40

	rng := &fixedRoller{ints: []int{0, 99}, floats: []float64{0.5}}
	order := Order{Kind: ActionAttack, CharacterID: "u1", TargetID: "o1", AttackType: "strike"}
	res := Resolve(&c, order, catalog.Default(), rng)

	if !res.Success || !res.Hit {
		t.Fatalf("expected a hit, got %+v", res)
	}
	if res.Damage != 50 || res.Critical {
		t.Fatalf("damage = %d crit=%v, want 50 no crit", res.Damage, res.Critical)
	}
	if !res.TargetDead || res.TargetHealth != -10 {
		t.Fatalf("expected o1 dead at -10, got %+v", res)
	}
	if res.APCost != 2 {
		t.Fatalf("ap cost = %d, want 2", res.APCost)
	}
	if cur, _ := c.Character("o1"); cur.Health != 40 {
		t.Fatalf("Resolve must not mutate the context")
	}
}

func TestResolveMissStillCostsAP(t *testing.T) {
	c := NewContext(newSetup())
	adjacent(&c)
	res := Resolve(&c, Order{Kind: ActionAttack, CharacterID: "u1", TargetID: "o1", AttackType: "jab"}, catalog.Default(), &fixedRoller{ints: []int{99}})
	if !res.Success || res.Hit || res.APCost != 1 {
		t.Fatalf("expected a paid miss, got %+v", res)
	}
}

func TestResolveRejectsOutOfRangeAndAllies(t *testing.T) {
	c := NewContext(newSetup())
	cat := catalog.Default()
	rng := &fixedRoller{}
	if res := Resolve(&c, Order{Kind: ActionAttack, CharacterID: "u1", TargetID: "o1", AttackType: "jab"}, cat, rng); res.Success {
		t.Fatalf("attack across the arena should fail")
	}
	if res := Resolve(&c, Order{Kind: ActionAttack, CharacterID: "u1", TargetID: "u2", AttackType: "jab"}, cat, rng); res.Success {
		t.Fatalf("attacking an ally should fail")
	}
}

func TestResolveMoveThroughHazard(t *testing.T) {
	c := NewContext(newSetup())
	u1, _ := c.slot("u1")
	u1.Position = Hex{5, 2}
	res := Resolve(&c, Order{Kind: ActionMove, CharacterID: "u1", TargetHex: &Hex{7, 2}}, catalog.Default(), &fixedRoller{})
	if !res.Success {
		t.Fatalf("move failed: %s", res.Reason)
	}
	if res.ActorHealth == nil {
		t.Fatalf("expected hazard damage on path %v", res.Path)
	}
	if *res.ActorHealth != 90 {
		t.Fatalf("health after hazard = %d, want 90", *res.ActorHealth)
	}
}

func replayLog(t *testing.T) []LogEntry {
	t.Helper()
	c := NewContext(newSetup())
	cat := catalog.Default()
	rng := &fixedRoller{ints: []int{0, 99}}

	var entries []LogEntry
	seq := 0
	add := func(e LogEntry) {
		seq++
		e.Seq = seq
		e.BattleID = "b1"
		entries = append(entries, e)
		var err error
		c, err = Reduce(newSetup(), entries)
		if err != nil {
			t.Fatalf("reduce: %v", err)
		}
	}

	mv := Order{Kind: ActionMove, CharacterID: "u2", TargetHex: &Hex{4, 4}}
	res := Resolve(&c, mv, cat, rng)
	add(LogEntry{Kind: EntryAction, CharacterID: "u2", Order: &mv, Result: &res})
	add(LogEntry{Kind: EntryTurnEnd, CharacterID: "u2"})
	def := Order{Kind: ActionDefend, CharacterID: "o1"}
	res2 := Resolve(&c, def, cat, rng)
	add(LogEntry{Kind: EntryAction, CharacterID: "o1", Order: &def, Result: &res2})
	add(LogEntry{Kind: EntryTurnEnd, CharacterID: "o1"})
	return entries
}

func TestReduceIsDeterministic(t *testing.T) {
	entries := replayLog(t)
	a, err := Reduce(newSetup(), entries)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	b, err := Reduce(newSetup(), entries)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("replay differs:\n%+v\n%+v", a, b)
	}

	u2, _ := a.Character("u2")
	if u2.Position != (Hex{4, 4}) || u2.ActionPoints != 1 || !u2.HasActed {
		t.Fatalf("unexpected u2 after replay: %+v", u2)
	}
	if cur, _ := a.CurrentTurn(); cur != "o3" {
		t.Fatalf("current turn = %s, want o3", cur)
	}
}

func TestReduceOrdersBySeq(t *testing.T) {
	entries := replayLog(t)
	shuffled := slices.Clone(entries)
	slices.Reverse(shuffled)
	a, _ := Reduce(newSetup(), entries)
	b, _ := Reduce(newSetup(), shuffled)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("replay depends on slice order")
	}
}

func TestReduceRoundBoundaries(t *testing.T) {
	entries := replayLog(t)
	entries = append(entries,
		LogEntry{Seq: 5, Kind: EntryRoundEnd},
		LogEntry{Seq: 6, Kind: EntryRoundStart},
	)
	c, err := Reduce(newSetup(), entries)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if c.Round != 2 || c.TurnIndex != 0 {
		t.Fatalf("round=%d turn=%d, want 2 and 0", c.Round, c.TurnIndex)
	}
	if c.LastKind != EntryRoundStart {
		t.Fatalf("last kind = %q, want %q", c.LastKind, EntryRoundStart)
	}
	ended, err := Reduce(newSetup(), entries[:len(entries)-1])
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if ended.LastKind != EntryRoundEnd || ended.Round != 1 {
		t.Fatalf("between rounds: kind=%q round=%d", ended.LastKind, ended.Round)
	}
	for _, ch := range c.Characters {
		if ch.ActionPoints != ch.MaxActionPoints || ch.HasActed || ch.Defending {
			t.Fatalf("round end did not reset %s: %+v", ch.ID, ch)
		}
	}
}

func TestReduceSkipsDeadInTurnOrder(t *testing.T) {
	c := NewContext(newSetup())
	hit := Result{Kind: ActionAttack, Success: true, APCost: 2, TargetID: "o1", Hit: true, Damage: 200, TargetHealth: -100, TargetDead: true}
	entries := []LogEntry{
		{Seq: 1, Kind: EntryAction, CharacterID: "u2", Result: &hit},
		{Seq: 2, Kind: EntryTurnEnd, CharacterID: "u2"},
	}
	got, err := Reduce(newSetup(), entries)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if cur, _ := got.CurrentTurn(); cur != "o3" {
		t.Fatalf("dead o1 should be skipped, current = %s (order %v)", cur, c.TurnOrder)
	}
}

func TestReduceFailsOnUnknownTarget(t *testing.T) {
	bad := Result{Kind: ActionAttack, Success: true, TargetID: "ghost", TargetDead: true}
	_, err := Reduce(newSetup(), []LogEntry{{Seq: 1, Kind: EntryAction, CharacterID: "u1", Result: &bad}})
	if !errors.Is(err, ErrUnknownCharacter) {
		t.Fatalf("want ErrUnknownCharacter, got %v", err)
	}
	_, err = Reduce(newSetup(), []LogEntry{{Seq: 1, Kind: EntryAction, CharacterID: "u1"}})
	if !errors.Is(err, ErrMissingResult) {
		t.Fatalf("want ErrMissingResult, got %v", err)
	}
}

func TestClampActionPoints(t *testing.T) {
	cases := []struct {
		ap, want int
		clamped  bool
	}{
		{-2, 0, true},
		{2, 2, false},
		{7, 3, true},
	}
	for _, tc := range cases {
		ch := CharacterState{Combatant: Combatant{MaxActionPoints: 3}, ActionPoints: tc.ap}
		orig, clamped := ClampActionPoints(&ch)
		if ch.ActionPoints != tc.want || clamped != tc.clamped || orig != tc.ap {
			t.Fatalf("clamp(%d) = %d,%v want %d,%v", tc.ap, ch.ActionPoints, clamped, tc.want, tc.clamped)
		}
	}
}
