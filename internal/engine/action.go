package engine

import (
	"fmt"

	"github.com/DoyleJ11/hex-arena-backend/internal/catalog"
)

type ActionKind string

const (
	ActionMove          ActionKind = "move"
	ActionAttack        ActionKind = "attack"
	ActionMoveAndAttack ActionKind = "move_and_attack"
	ActionDefend        ActionKind = "defend"
	ActionPower         ActionKind = "power"
	ActionSpell         ActionKind = "spell"
	ActionItem          ActionKind = "item"
	ActionRefuse        ActionKind = "refuse"
)

// PlannedAction is a declared intent. It carries only what is needed to
// resolve it and is never trusted as state.
type PlannedAction struct {
	Kind       ActionKind `json:"type"`
	TargetID   string     `json:"target_id,omitempty"`
	TargetHex  *Hex       `json:"target_hex,omitempty"`
	AbilityID  string     `json:"ability_id,omitempty"`
	AttackType string     `json:"attack_type,omitempty"`
}

// Order is a planned action bound to a character and given a readable label.
type Order struct {
	Kind        ActionKind `json:"kind"`
	CharacterID string     `json:"character_id"`
	TargetID    string     `json:"target_id,omitempty"`
	TargetHex   *Hex       `json:"target_hex,omitempty"`
	AbilityID   string     `json:"ability_id,omitempty"`
	AttackType  string     `json:"attack_type,omitempty"`
	Label       string     `json:"label"`
	APCost      int        `json:"ap_cost"`
}

// APShortfallError rejects a submission whose cumulative cost exceeds the
// character's available action points.
type APShortfallError struct {
	Available int
	Required  int
}

func (e *APShortfallError) Error() string {
	return fmt.Sprintf("insufficient action points: available %d, required %d", e.Available, e.Required)
}

// ActionCost is the estimated AP cost of a single action performed from pos.
// Moves cost one point per hex.
func ActionCost(cat catalog.Catalog, a PlannedAction, pos Hex) (cost int, next Hex, err error) {
	next = pos
	switch a.Kind {
	case ActionMove:
		if a.TargetHex == nil {
			return 0, pos, fmt.Errorf("move requires a target hex")
		}
		return Distance(pos, *a.TargetHex), *a.TargetHex, nil
	case ActionAttack:
		at, ok := cat.Attack(a.AttackType)
		if !ok {
			return 0, pos, fmt.Errorf("unknown attack type %q", a.AttackType)
		}
		return at.APCost, pos, nil
	case ActionMoveAndAttack:
		if a.TargetHex == nil {
			return 0, pos, fmt.Errorf("move_and_attack requires a target hex")
		}
		at, ok := cat.Attack(a.AttackType)
		if !ok {
			return 0, pos, fmt.Errorf("unknown attack type %q", a.AttackType)
		}
		return Distance(pos, *a.TargetHex) + at.APCost, *a.TargetHex, nil
	case ActionDefend:
		return 1, pos, nil
	case ActionPower, ActionSpell:
		ab, ok := cat.Ability(a.AbilityID)
		if !ok {
			return 0, pos, fmt.Errorf("unknown ability %q", a.AbilityID)
		}
		return ab.APCost, pos, nil
	case ActionItem:
		it, ok := cat.Item(a.AbilityID)
		if !ok {
			return 0, pos, fmt.Errorf("unknown item %q", a.AbilityID)
		}
		return it.APCost, pos, nil
	}
	return 0, pos, fmt.Errorf("%w: %q", ErrUnsupportedAction, a.Kind)
}

// QueueCost totals the cost of a queue, tracking where moves leave the
// character so later moves are priced from the right hex.
func QueueCost(cat catalog.Catalog, actions []PlannedAction, start Hex) (int, error) {
	total := 0
	pos := start
	for i, a := range actions {
		cost, next, err := ActionCost(cat, a, pos)
		if err != nil {
			return 0, fmt.Errorf("action %d: %w", i, err)
		}
		total += cost
		pos = next
	}
	return total, nil
}

// BuildOrder translates a planned action into an order against authoritative
// state, pricing it from the character's current position.
func BuildOrder(c *Context, characterID string, a PlannedAction, cat catalog.Catalog) (Order, error) {
	ch, ok := c.Character(characterID)
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownCharacter, characterID)
	}
	cost, _, err := ActionCost(cat, a, ch.Position)
	if err != nil {
		return Order{}, err
	}
	o := Order{
		Kind:        a.Kind,
		CharacterID: characterID,
		TargetID:    a.TargetID,
		TargetHex:   a.TargetHex,
		AbilityID:   a.AbilityID,
		AttackType:  a.AttackType,
		APCost:      cost,
	}

	targetName := a.TargetID
	if a.TargetID != "" {
		t, ok := c.Character(a.TargetID)
		if !ok {
			return Order{}, fmt.Errorf("%w: target %s", ErrUnknownCharacter, a.TargetID)
		}
		targetName = t.Name
	}

	switch a.Kind {
	case ActionMove:
		o.Label = "Move to hex " + a.TargetHex.String()
	case ActionAttack:
		at, _ := cat.Attack(a.AttackType)
		o.Label = at.Label + " " + targetName
	case ActionMoveAndAttack:
		o.Label = "Move and attack " + targetName
	case ActionDefend:
		o.Label = "Take defensive stance"
	case ActionPower:
		ab, _ := cat.Ability(a.AbilityID)
		o.Label = fmt.Sprintf("Use %s on %s", ab.Name, targetName)
	case ActionSpell:
		ab, _ := cat.Ability(a.AbilityID)
		o.Label = fmt.Sprintf("Cast %s on %s", ab.Name, targetName)
	case ActionItem:
		o.Label = "Use item"
	}
	return o, nil
}

// RefuseOrder is the fallback when a rebelling character finds nothing to do.
func RefuseOrder(characterID string) Order {
	return Order{Kind: ActionRefuse, CharacterID: characterID, Label: "Refuse to act"}
}
