package engine

import (
	"fmt"
	"sort"
)

// Reduce replays log entries over the starting line-up. It is pure: the same
// setup and entries always produce the same Context.
func Reduce(s Setup, entries []LogEntry) (Context, error) {
	c := NewContext(s)

	ordered := make([]LogEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	for _, e := range ordered {
		if err := c.apply(e); err != nil {
			return Context{}, fmt.Errorf("replay seq %d: %w", e.Seq, err)
		}
		c.LastSeq = e.Seq
		c.LastKind = e.Kind
	}
	return c, nil
}

func (c *Context) apply(e LogEntry) error {
	switch e.Kind {
	case EntryAction:
		if e.Result == nil {
			return ErrMissingResult
		}
		return c.applyResult(e.CharacterID, *e.Result)

	case EntryTurnEnd:
		ch, ok := c.slot(e.CharacterID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCharacter, e.CharacterID)
		}
		ch.HasActed = true
		at := -1
		for i, id := range c.TurnOrder {
			if id == e.CharacterID {
				at = i
				break
			}
		}
		c.TurnIndex = c.nextAlive(at + 1)

	case EntryRoundEnd:
		for i := range c.Characters {
			ch := &c.Characters[i]
			ch.ActionPoints = ch.MaxActionPoints
			ch.HasActed = false
			ch.Defending = false
		}
		c.TurnOrder = TurnOrder(c.Characters)
		c.TurnIndex = c.nextAlive(0)

	case EntryRoundStart:
		c.Round++
		for i := range c.Characters {
			for id, left := range c.Characters[i].Cooldowns {
				if left <= 1 {
					delete(c.Characters[i].Cooldowns, id)
				} else {
					c.Characters[i].Cooldowns[id] = left - 1
				}
			}
		}

	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	return nil
}

func (c *Context) applyResult(actorID string, r Result) error {
	actor, ok := c.slot(actorID)
	if !ok {
		return fmt.Errorf("%w: actor %s", ErrUnknownCharacter, actorID)
	}
	if !r.Success {
		return nil
	}

	actor.ActionPoints -= r.APCost
	if r.To != nil {
		actor.Position = *r.To
	}
	if r.Defending {
		actor.Defending = true
	}
	if r.AbilityID != "" && r.Cooldown > 0 {
		if actor.Cooldowns == nil {
			actor.Cooldowns = make(map[string]int)
		}
		actor.Cooldowns[r.AbilityID] = r.Cooldown
	}
	if r.ActorHealth != nil {
		actor.Health = *r.ActorHealth
		actor.Dead = r.ActorDead
	}
	if r.TargetID != "" {
		target, ok := c.slot(r.TargetID)
		if !ok {
			return fmt.Errorf("%w: target %s", ErrUnknownCharacter, r.TargetID)
		}
		target.Health = r.TargetHealth
		target.Dead = r.TargetDead
	}
	return nil
}
