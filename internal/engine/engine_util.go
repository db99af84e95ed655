package engine

import (
	"maps"
	"slices"
)

// CharacterState is one arena slot: the combatant snapshot plus everything the
// battle has done to it.
type CharacterState struct {
	Combatant
	Side         Side           `json:"side"`
	ActorID      string         `json:"actor_id"`
	Position     Hex            `json:"position"`
	ActionPoints int            `json:"action_points"`
	HasActed     bool           `json:"has_acted"`
	Defending    bool           `json:"defending"`
	Dead         bool           `json:"dead"`
	Cooldowns    map[string]int `json:"cooldowns,omitempty"`
}

// Context is the authoritative battle state rebuilt from the action log.
// Characters is an arena addressed through an id index; nothing holds
// pointers into it outside this package.
type Context struct {
	BattleID   string           `json:"battle_id"`
	Round      int              `json:"round"`
	Cols       int              `json:"cols"`
	Rows       int              `json:"rows"`
	Terrain    []Terrain        `json:"terrain"`
	TurnOrder  []string         `json:"turn_order"`
	TurnIndex  int              `json:"turn_index"`
	Characters []CharacterState `json:"characters"`
	LastSeq    int              `json:"last_seq"`
	LastKind   EntryKind        `json:"last_kind,omitempty"`

	index map[string]int
}

// Setup is the battle's starting line-up, read from the session record.
type Setup struct {
	BattleID       string
	Cols, Rows     int
	UserActor      string
	OpponentActor  string
	UserRoster     []Combatant
	OpponentRoster []Combatant
}

// NewContext places both rosters on their spawn hexes at full action points
// and computes the first round's turn order.
func NewContext(s Setup) Context {
	if s.Cols == 0 {
		s.Cols = 12
	}
	if s.Rows == 0 {
		s.Rows = 12
	}
	c := Context{
		BattleID: s.BattleID,
		Round:    1,
		Cols:     s.Cols,
		Rows:     s.Rows,
		Terrain:  DefaultTerrain(s.Cols, s.Rows),
	}
	place := func(roster []Combatant, side Side, actor string, spawns []Hex) {
		for i, cb := range roster {
			cb = cb.Normalized()
			c.Characters = append(c.Characters, CharacterState{
				Combatant:    cb,
				Side:         side,
				ActorID:      actor,
				Position:     spawns[i%len(spawns)],
				ActionPoints: cb.MaxActionPoints,
			})
		}
	}
	place(s.UserRoster, SideUser, s.UserActor, UserSpawns)
	place(s.OpponentRoster, SideOpponent, s.OpponentActor, OpponentSpawns)
	c.reindex()
	c.TurnOrder = TurnOrder(c.Characters)
	c.TurnIndex = c.nextAlive(0)
	return c
}

func (c *Context) reindex() {
	c.index = make(map[string]int, len(c.Characters))
	for i, ch := range c.Characters {
		c.index[ch.ID] = i
	}
}

// Character returns a copy of the character's state.
func (c *Context) Character(id string) (CharacterState, bool) {
	p, ok := c.slot(id)
	if !ok {
		return CharacterState{}, false
	}
	return *p, true
}

func (c *Context) slot(id string) (*CharacterState, bool) {
	if c.index == nil {
		c.reindex()
	}
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return &c.Characters[i], true
}

// Side lists the characters on one side in roster order.
func (c *Context) Side(side Side) []CharacterState {
	var out []CharacterState
	for _, ch := range c.Characters {
		if ch.Side == side {
			out = append(out, ch)
		}
	}
	return out
}

// SideHealth sums current and maximum health over a side.
func (c *Context) SideHealth(side Side) (cur, total int) {
	for _, ch := range c.Side(side) {
		cur += max0(ch.Health)
		total += ch.MaxHealth
	}
	return cur, total
}

// SideAlive reports whether any character on the side still stands.
func (c *Context) SideAlive(side Side) bool {
	for _, ch := range c.Side(side) {
		if !ch.Dead {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate independently.
func (c Context) Clone() Context {
	out := c
	out.Terrain = slices.Clone(c.Terrain)
	out.TurnOrder = slices.Clone(c.TurnOrder)
	out.Characters = make([]CharacterState, len(c.Characters))
	for i, ch := range c.Characters {
		ch.Powers = slices.Clone(ch.Powers)
		ch.Spells = slices.Clone(ch.Spells)
		ch.Cooldowns = maps.Clone(ch.Cooldowns)
		out.Characters[i] = ch
	}
	out.reindex()
	return out
}

// ClampActionPoints forces a character's AP into [0, max] and reports the
// original value when it was out of range.
func ClampActionPoints(ch *CharacterState) (orig int, clamped bool) {
	orig = ch.ActionPoints
	switch {
	case ch.ActionPoints < 0:
		ch.ActionPoints = 0
	case ch.ActionPoints > ch.MaxActionPoints:
		ch.ActionPoints = ch.MaxActionPoints
	default:
		return orig, false
	}
	return orig, true
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
