// Package executor decides whether a character follows its coach's order and
// resolves whatever it ends up doing.
package executor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/catalog"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
)

// Check is the adherence roll behind a decision.
type Check struct {
	Roll      int  `json:"roll"`
	Threshold int  `json:"threshold"`
	Adhered   bool `json:"adhered"`
}

// Outcome reports the order that was issued, the order that actually ran and
// what it did.
type Outcome struct {
	Issued      engine.Order  `json:"issued"`
	Executed    engine.Order  `json:"executed"`
	Result      engine.Result `json:"result"`
	Check       Check         `json:"check"`
	Rebellion   bool          `json:"rebellion"`
	Declaration string        `json:"declaration,omitempty"`
}

// Executor resolves one order against authoritative state. Implementations
// must not mutate auth.
type Executor interface {
	Resolve(ctx context.Context, auth *engine.Context, order engine.Order) (Outcome, error)
}

// Adherence rolls each order against the character's adherence, adjusted for
// how the fight is going, and lets the character choose its own action when
// the roll fails.
type Adherence struct {
	cat catalog.Catalog
	log *zap.Logger

	mu  sync.Mutex
	rng engine.Roller
}

func NewAdherence(cat catalog.Catalog, rng engine.Roller, log *zap.Logger) *Adherence {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adherence{cat: cat, rng: rng, log: log}
}

func (a *Adherence) Resolve(ctx context.Context, auth *engine.Context, order engine.Order) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	ch, ok := auth.Character(order.CharacterID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", engine.ErrUnknownCharacter, order.CharacterID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	check := Check{Threshold: Threshold(auth, ch), Roll: a.rng.IntN(100)}
	check.Adhered = check.Roll < check.Threshold
	out := Outcome{Issued: order, Executed: order, Check: check}

	if check.Adhered {
		out.Result = engine.Resolve(auth, order, a.cat, a.rng)
		return out, nil
	}

	out.Rebellion = true
	out.Executed = engine.RefuseOrder(ch.ID)
	if planned, ok := Autonomous(auth, ch.ID, a.cat); ok {
		if o, err := engine.BuildOrder(auth, ch.ID, planned, a.cat); err == nil {
			out.Executed = o
		}
	}
	out.Result = engine.Resolve(auth, out.Executed, a.cat, a.rng)
	if !out.Result.Success {
		out.Executed = engine.RefuseOrder(ch.ID)
		out.Result = engine.Resolve(auth, out.Executed, a.cat, a.rng)
	}
	out.Declaration = fmt.Sprintf("%s ignores \"%s\" and chooses to %s", ch.Name, order.Label, lower(out.Executed.Label))
	a.log.Debug("rebellion",
		zap.String("character_id", ch.ID),
		zap.String("issued", order.Label),
		zap.String("executed", out.Executed.Label),
		zap.Int("roll", check.Roll),
		zap.Int("threshold", check.Threshold),
	)
	return out, nil
}

// Threshold is the roll a character must come in under to follow orders.
// Low health and fallen teammates erode it; a winning position shores it up.
func Threshold(auth *engine.Context, ch engine.CharacterState) int {
	t := ch.Adherence
	if ch.MaxHealth > 0 {
		if pct := ch.Health * 100 / ch.MaxHealth; pct < 50 {
			t -= (50 - pct) / 2
		}
	}

	own, ownMax := auth.SideHealth(ch.Side)
	opp, oppMax := auth.SideHealth(ch.Side.Other())
	if ownMax > 0 && oppMax > 0 {
		switch ownPct, oppPct := own*100/ownMax, opp*100/oppMax; {
		case ownPct > oppPct:
			t += 10
		case ownPct < oppPct:
			t -= 5
		}
	}

	for _, mate := range auth.Side(ch.Side) {
		if mate.ID != ch.ID && mate.Dead {
			t -= 10
		}
	}
	return min(95, max(5, t))
}

func lower(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}
