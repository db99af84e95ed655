package engine

import "sort"

// TurnOrder sorts character ids by initiative, highest first. Ties keep the
// order they were given in, so the user roster acts before the opponent's.
func TurnOrder(chars []CharacterState) []string {
	idx := make([]int, len(chars))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return chars[idx[a]].Initiative() > chars[idx[b]].Initiative()
	})
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = chars[j].ID
	}
	return out
}

// nextAlive returns the first index at or after from whose character is alive,
// or len(TurnOrder) when the round has nobody left to act.
func (c *Context) nextAlive(from int) int {
	for i := from; i < len(c.TurnOrder); i++ {
		if ch, ok := c.Character(c.TurnOrder[i]); ok && !ch.Dead {
			return i
		}
	}
	return len(c.TurnOrder)
}

// CurrentTurn returns the character whose turn it is.
func (c *Context) CurrentTurn() (string, bool) {
	if c.TurnIndex < 0 || c.TurnIndex >= len(c.TurnOrder) {
		return "", false
	}
	return c.TurnOrder[c.TurnIndex], true
}

// RoundComplete reports whether every living character has taken its turn.
func (c *Context) RoundComplete() bool {
	return c.TurnIndex >= len(c.TurnOrder)
}
