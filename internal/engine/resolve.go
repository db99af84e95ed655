package engine

import (
	"fmt"
	"math"

	"github.com/DoyleJ11/hex-arena-backend/internal/catalog"
)

// Roller is the randomness source for resolution. *rand.Rand from
// math/rand/v2 satisfies it.
type Roller interface {
	IntN(n int) int
	Float64() float64
}

// Result is what actually happened when an order resolved. Health values are
// post-action so that replay never re-rolls anything.
type Result struct {
	Kind         ActionKind `json:"kind"`
	Success      bool       `json:"success"`
	Reason       string     `json:"reason,omitempty"`
	APCost       int        `json:"ap_cost"`
	From         *Hex       `json:"from,omitempty"`
	To           *Hex       `json:"to,omitempty"`
	Path         []Hex      `json:"path,omitempty"`
	TargetID     string     `json:"target_id,omitempty"`
	Hit          bool       `json:"hit,omitempty"`
	Damage       int        `json:"damage,omitempty"`
	Critical     bool       `json:"critical,omitempty"`
	Heal         int        `json:"heal,omitempty"`
	TargetHealth int        `json:"target_health,omitempty"`
	TargetDead   bool       `json:"target_dead,omitempty"`
	ActorHealth  *int       `json:"actor_health,omitempty"`
	ActorDead    bool       `json:"actor_dead,omitempty"`
	Defending    bool       `json:"defending,omitempty"`
	AbilityID    string     `json:"ability_id,omitempty"`
	Cooldown     int        `json:"cooldown,omitempty"`
	Narrative    string     `json:"narrative,omitempty"`
}

const (
	baseHitChance  = 95
	baseCritChance = 15
	critMultiplier = 1.5
	hazardPercent  = 10
)

func failed(kind ActionKind, format string, args ...any) Result {
	return Result{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Resolve applies an order to a copy of the context and reports the result.
// It never mutates c. Failed results cost nothing.
func Resolve(c *Context, o Order, cat catalog.Catalog, rng Roller) Result {
	actor, ok := c.Character(o.CharacterID)
	if !ok {
		return failed(o.Kind, "unknown character %s", o.CharacterID)
	}
	if actor.Dead {
		return failed(o.Kind, "%s cannot act", actor.Name)
	}

	switch o.Kind {
	case ActionRefuse:
		return Result{Kind: ActionRefuse, Success: true, Narrative: actor.Name + " refuses to act"}
	case ActionDefend:
		if actor.ActionPoints < 1 {
			return failed(o.Kind, "not enough action points")
		}
		return Result{Kind: ActionDefend, Success: true, APCost: 1, Defending: true,
			Narrative: actor.Name + " takes a defensive stance"}
	case ActionMove:
		if o.TargetHex == nil {
			return failed(o.Kind, "no destination")
		}
		res, _, err := move(c, actor, *o.TargetHex, actor.ActionPoints)
		if err != nil {
			return failed(o.Kind, "%v", err)
		}
		res.Narrative = fmt.Sprintf("%s moves to %s", actor.Name, o.TargetHex)
		return res
	case ActionAttack:
		at, ok := cat.Attack(o.AttackType)
		if !ok {
			return failed(o.Kind, "unknown attack type %q", o.AttackType)
		}
		if actor.ActionPoints < at.APCost {
			return failed(o.Kind, "not enough action points")
		}
		return attack(c, actor, actor.Position, o.TargetID, at, rng)
	case ActionMoveAndAttack:
		at, ok := cat.Attack(o.AttackType)
		if !ok {
			return failed(o.Kind, "unknown attack type %q", o.AttackType)
		}
		if o.TargetHex == nil {
			return failed(o.Kind, "no destination")
		}
		mv, stepped, err := move(c, actor, *o.TargetHex, actor.ActionPoints-at.APCost)
		if err != nil {
			return failed(o.Kind, "%v", err)
		}
		if mv.ActorDead {
			mv.Kind = ActionMoveAndAttack
			return mv
		}
		res := attack(c, stepped, *o.TargetHex, o.TargetID, at, rng)
		if !res.Success {
			return failed(o.Kind, "%s", res.Reason)
		}
		res.Kind = ActionMoveAndAttack
		res.APCost += mv.APCost
		res.From, res.To, res.Path = mv.From, mv.To, mv.Path
		res.ActorHealth = mv.ActorHealth
		return res
	case ActionPower, ActionSpell:
		return ability(c, actor, o, cat, rng)
	case ActionItem:
		it, ok := cat.Item(o.AbilityID)
		if !ok {
			return failed(o.Kind, "unknown item %q", o.AbilityID)
		}
		if actor.ActionPoints < it.APCost {
			return failed(o.Kind, "not enough action points")
		}
		healed := min(actor.MaxHealth, actor.Health+it.Heal)
		return Result{Kind: ActionItem, Success: true, APCost: it.APCost, AbilityID: it.ID,
			TargetID: actor.ID, Heal: healed - actor.Health, TargetHealth: healed,
			Narrative: fmt.Sprintf("%s uses %s", actor.Name, it.Name)}
	}
	return failed(o.Kind, "unsupported action %q", o.Kind)
}

// move walks the actor to dest if the path fits in budget. The returned
// state is the actor after the walk, hazard damage included.
func move(c *Context, actor CharacterState, dest Hex, budget int) (Result, CharacterState, error) {
	path, err := c.Path(actor.Position, dest)
	if err != nil {
		return Result{}, actor, err
	}
	if len(path) > budget {
		return Result{}, actor, fmt.Errorf("path of %d hexes exceeds %d available action points", len(path), budget)
	}
	from := actor.Position
	res := Result{Kind: ActionMove, Success: true, APCost: len(path), From: &from, To: &dest, Path: path}
	for _, h := range path {
		if c.IsHazard(h) {
			dmg := max(1, actor.MaxHealth*hazardPercent/100)
			hp := actor.Health - dmg
			res.ActorHealth = &hp
			res.ActorDead = hp <= 0
			actor.Health = hp
			actor.Dead = res.ActorDead
			break
		}
	}
	actor.Position = dest
	actor.ActionPoints -= len(path)
	return res, actor, nil
}

func attack(c *Context, actor CharacterState, from Hex, targetID string, at catalog.AttackType, rng Roller) Result {
	target, ok := c.Character(targetID)
	if !ok {
		return failed(ActionAttack, "unknown target %s", targetID)
	}
	if target.Dead {
		return failed(ActionAttack, "%s is already down", target.Name)
	}
	if target.Side == actor.Side {
		return failed(ActionAttack, "cannot attack an ally")
	}
	if Distance(from, target.Position) > at.Range {
		return failed(ActionAttack, "%v: %s", ErrOutOfRange, target.Name)
	}

	res := Result{Kind: ActionAttack, Success: true, APCost: at.APCost, TargetID: target.ID, TargetHealth: target.Health}
	hitChance := clamp(baseHitChance+at.AccuracyModifier-target.Speed/5, 5, 100)
	if rng.IntN(100) >= hitChance {
		res.Narrative = fmt.Sprintf("%s's %s misses %s", actor.Name, at.Label, target.Name)
		return res
	}
	res.Hit = true
	res.Damage, res.Critical = damage(float64(actor.Attack)*at.DamageMultiplier, target, rng)
	res.TargetHealth = target.Health - res.Damage
	res.TargetDead = res.TargetHealth <= 0
	res.Narrative = fmt.Sprintf("%s hits %s with %s for %d", actor.Name, target.Name, at.Label, res.Damage)
	return res
}

func ability(c *Context, actor CharacterState, o Order, cat catalog.Catalog, rng Roller) Result {
	ab, ok := cat.Ability(o.AbilityID)
	if !ok {
		return failed(o.Kind, "unknown ability %q", o.AbilityID)
	}
	known := actor.Powers
	if o.Kind == ActionSpell {
		known = actor.Spells
	}
	if !contains(known, ab.ID) {
		return failed(o.Kind, "%s does not know %s", actor.Name, ab.Name)
	}
	if actor.Cooldowns[ab.ID] > 0 {
		return failed(o.Kind, "%s is on cooldown", ab.Name)
	}
	if actor.ActionPoints < ab.APCost {
		return failed(o.Kind, "not enough action points")
	}

	targetID := o.TargetID
	if targetID == "" {
		targetID = actor.ID
	}
	target, ok := c.Character(targetID)
	if !ok {
		return failed(o.Kind, "unknown target %s", targetID)
	}
	if target.Dead {
		return failed(o.Kind, "%s is already down", target.Name)
	}
	if ab.TargetsAlly != (target.Side == actor.Side) {
		return failed(o.Kind, "invalid target for %s", ab.Name)
	}
	if Distance(actor.Position, target.Position) > ab.Range || !c.LineOfSight(actor.Position, target.Position) {
		return failed(o.Kind, "%v: %s", ErrOutOfRange, target.Name)
	}

	res := Result{Kind: o.Kind, Success: true, APCost: ab.APCost, AbilityID: ab.ID, Cooldown: ab.Cooldown,
		TargetID: target.ID, TargetHealth: target.Health}
	if ab.HealPercent > 0 {
		healed := min(target.MaxHealth, target.Health+target.MaxHealth*ab.HealPercent/100)
		res.Heal = healed - target.Health
		res.TargetHealth = healed
		res.Narrative = fmt.Sprintf("%s's %s restores %d to %s", actor.Name, ab.Name, res.Heal, target.Name)
		return res
	}
	stat := actor.Attack
	if ab.Kind == catalog.KindSpell {
		stat = actor.Magic
	}
	res.Hit = true
	res.Damage, res.Critical = damage(float64(stat)*ab.Multiplier, target, rng)
	res.TargetHealth = target.Health - res.Damage
	res.TargetDead = res.TargetHealth <= 0
	res.Narrative = fmt.Sprintf("%s unleashes %s on %s for %d", actor.Name, ab.Name, target.Name, res.Damage)
	return res
}

// damage reduces raw damage by defense, rolls for a critical and applies
// a 0.85-1.15 variance. Every landed hit deals at least 1.
func damage(raw float64, target CharacterState, rng Roller) (int, bool) {
	d := raw * 100 / float64(100+max(0, target.Defense))
	if target.Defending {
		d *= 0.5
	}
	crit := rng.IntN(100) < baseCritChance
	if crit {
		d *= critMultiplier
	}
	d *= 0.85 + rng.Float64()*0.3
	return max(1, int(math.Round(d))), crit
}

func clamp(v, lo, hi int) int {
	return min(hi, max(lo, v))
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
