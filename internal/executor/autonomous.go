package executor

import (
	"github.com/DoyleJ11/hex-arena-backend/internal/catalog"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
)

// Autonomous picks what a character does on its own: hit the nearest enemy
// with the heaviest affordable attack, close the distance first if needed,
// and brace when nothing else is possible.
func Autonomous(auth *engine.Context, characterID string, cat catalog.Catalog) (engine.PlannedAction, bool) {
	ch, ok := auth.Character(characterID)
	if !ok || ch.Dead || ch.ActionPoints <= 0 {
		return engine.PlannedAction{}, false
	}

	target, ok := nearestEnemy(auth, ch)
	if !ok {
		return engine.PlannedAction{}, false
	}

	if engine.Distance(ch.Position, target.Position) <= 1 {
		if at, ok := heaviest(cat, ch.ActionPoints); ok {
			return engine.PlannedAction{Kind: engine.ActionAttack, TargetID: target.ID, AttackType: at.ID}, true
		}
	}

	var best []engine.Hex
	for _, n := range target.Position.Neighbors() {
		path, err := auth.Path(ch.Position, n)
		if err != nil {
			continue
		}
		if best == nil || len(path) < len(best) {
			best = path
		}
	}

	if len(best) > 0 {
		if len(best) < ch.ActionPoints {
			if at, ok := heaviest(cat, ch.ActionPoints-len(best)); ok {
				dest := best[len(best)-1]
				return engine.PlannedAction{Kind: engine.ActionMoveAndAttack, TargetID: target.ID, TargetHex: &dest, AttackType: at.ID}, true
			}
		}
		dest := best[min(len(best), ch.ActionPoints)-1]
		return engine.PlannedAction{Kind: engine.ActionMove, TargetHex: &dest}, true
	}

	return engine.PlannedAction{Kind: engine.ActionDefend}, true
}

func nearestEnemy(auth *engine.Context, ch engine.CharacterState) (engine.CharacterState, bool) {
	var best engine.CharacterState
	found := false
	for _, e := range auth.Side(ch.Side.Other()) {
		if e.Dead {
			continue
		}
		if !found || engine.Distance(ch.Position, e.Position) < engine.Distance(ch.Position, best.Position) {
			best, found = e, true
		}
	}
	return best, found
}

func heaviest(cat catalog.Catalog, budget int) (catalog.AttackType, bool) {
	var best catalog.AttackType
	found := false
	for _, at := range cat.Attacks() {
		if at.APCost <= budget && at.Range >= 1 && (!found || at.APCost > best.APCost) {
			best, found = at, true
		}
	}
	return best, found
}
