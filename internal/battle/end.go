package battle

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/apperr"
	"github.com/DoyleJ11/hex-arena-backend/internal/coord"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
	"github.com/DoyleJ11/hex-arena-backend/pkg/types"
)

// Outcome is how a battle ended.
type Outcome struct {
	BattleID      string         `json:"battle_id"`
	Status        store.Status   `json:"status"`
	WinnerSide    engine.Side    `json:"winner_side,omitempty"`
	WinnerActorID string         `json:"winner_actor_id,omitempty"`
	LoserActorID  string         `json:"loser_actor_id,omitempty"`
	Reason        string         `json:"reason"`
	Round         int            `json:"round"`
	Rewards       *store.Rewards `json:"rewards,omitempty"`
	EndedAt       time.Time      `json:"ended_at"`
}

// Effect is a downstream consequence of a finished battle, such as
// progression or announcements. Effects run independently of each other.
type Effect interface {
	Name() string
	Apply(ctx context.Context, o Outcome) error
}

// EffectFunc adapts a function to Effect.
type EffectFunc struct {
	Label string
	Fn    func(ctx context.Context, o Outcome) error
}

func (e EffectFunc) Name() string                               { return e.Label }
func (e EffectFunc) Apply(ctx context.Context, o Outcome) error { return e.Fn(ctx, o) }

// termination is the trigger that ends a battle. An empty winner means no
// contest.
type termination struct {
	status store.Status
	winner engine.Side
	reason string
}

func forfeit(loser engine.Side, reason string) termination {
	return termination{status: store.StatusCompleted, winner: loser.Other(), reason: reason}
}

// knockout reports whether a side has no standing characters.
func (s *session) knockout() (termination, bool) {
	userUp := s.auth.SideAlive(engine.SideUser)
	oppUp := s.auth.SideAlive(engine.SideOpponent)
	switch {
	case userUp && oppUp:
		return termination{}, false
	case userUp:
		return termination{status: store.StatusCompleted, winner: engine.SideUser, reason: "knockout"}, true
	case oppUp:
		return termination{status: store.StatusCompleted, winner: engine.SideOpponent, reason: "knockout"}, true
	}
	return s.byHealth("knockout"), true
}

// byHealth awards the battle to the side with the higher share of its total
// health. An exact tie goes to the user side.
func (s *session) byHealth(reason string) termination {
	u, uMax := s.auth.SideHealth(engine.SideUser)
	o, oMax := s.auth.SideHealth(engine.SideOpponent)
	// u/uMax against o/oMax without integer rounding.
	lhs, rhs := u*max(oMax, 1), o*max(uMax, 1)
	switch {
	case lhs > rhs:
		return termination{status: store.StatusCompleted, winner: engine.SideUser, reason: reason}
	case lhs < rhs:
		return termination{status: store.StatusCompleted, winner: engine.SideOpponent, reason: reason}
	}
	return termination{status: store.StatusCompleted, winner: engine.SideUser, reason: reason + "_tiebreak"}
}

func (s *session) reportEnd(actorID string) (Outcome, error) {
	if _, ok := s.humanSide(actorID); !ok {
		return Outcome{}, apperr.NotFound("actor " + actorID + " is not in this battle")
	}
	if s.outcome != nil {
		s.log.Warn("end reported for a finished battle", zap.String("actor_id", actorID))
		return *s.outcome, nil
	}
	t, ok := s.knockout()
	if !ok {
		return Outcome{}, apperr.Validation("battle has not reached an end condition", nil)
	}
	return s.finish(t), nil
}

// finish is the single end routine for every terminal path. It runs once;
// later calls are logged and return the first outcome.
func (s *session) finish(t termination) Outcome {
	if s.outcome != nil {
		s.log.Warn("battle already ended, ignoring end request", zap.String("reason", t.reason))
		return *s.outcome
	}
	s.cleanup()
	s.phase = engine.PhaseEnded
	clear(s.pending)

	o := s.decide(t)
	s.outcome = &o
	ctx := context.WithoutCancel(s.ctx)

	errs := s.persistEnd(ctx, o)
	errs = multierr.Append(errs, s.applyEffects(ctx, o))
	if errs != nil {
		s.log.Warn("battle ended with errors", zap.Error(errs))
	}
	s.log.Info("battle ended",
		zap.String("status", string(o.Status)),
		zap.String("winner_side", string(o.WinnerSide)),
		zap.String("reason", o.Reason))

	s.broadcast(types.MsgBattleEnded, o)
	ev := coord.Event{
		Type:     coord.EventBattleEnded,
		BattleID: s.id,
		ServerID: s.o.serverID,
		Mode:     s.rec.Mode,
		ActorIDs: []string{s.rec.UserActorID, s.rec.OpponentActorID},
		Reason:   o.Reason,
		At:       o.EndedAt,
	}
	if err := s.o.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("publish battle ended", zap.Error(err))
	}

	s.evict = time.AfterFunc(s.o.cfg.EvictAfter, func() {
		s.o.sessions.remove(s.id, s)
		s.stop()
	})
	return o
}

func (s *session) decide(t termination) Outcome {
	o := Outcome{
		BattleID: s.id,
		Status:   t.status,
		Reason:   t.reason,
		Round:    s.auth.Round,
		EndedAt:  s.o.now().UTC(),
	}
	if t.winner == "" || t.status == store.StatusAbandoned {
		return o
	}
	o.WinnerSide = t.winner
	o.WinnerActorID = s.actorFor(t.winner)
	o.LoserActorID = s.actorFor(t.winner.Other())
	r := Rewards(s.rosterFor(t.winner), s.rosterFor(t.winner.Other()), strings.HasPrefix(t.reason, "round_limit"))
	o.Rewards = &r
	return o
}

func (s *session) rosterFor(side engine.Side) []engine.Combatant {
	if side == engine.SideUser {
		return s.rec.UserRoster
	}
	return s.rec.OpponentRoster
}

// Rewards is the winner's payout. Beating a higher-level roster pays more
// experience; going the distance pays more currency.
func Rewards(winner, loser []engine.Combatant, wentDistance bool) store.Rewards {
	xp := 100.0
	if avgLevel(winner) < avgLevel(loser) {
		xp *= 1.5
	}
	currency := 50.0
	if wentDistance {
		currency *= 1.2
	}
	return store.Rewards{XP: int(math.Round(xp)), Currency: int(math.Round(currency)), Bond: 1}
}

func avgLevel(roster []engine.Combatant) float64 {
	if len(roster) == 0 {
		return 0
	}
	sum := 0
	for _, c := range roster {
		sum += c.Level
	}
	return float64(sum) / float64(len(roster))
}

// persistEnd writes the final record on a best-effort basis. Character locks
// are released whatever happens to the writes.
func (s *session) persistEnd(ctx context.Context, o Outcome) (err error) {
	defer func() {
		if uerr := s.o.locks.Unlock(ctx, s.id); uerr != nil {
			s.log.Error("release character locks", zap.Error(uerr))
			err = multierr.Append(err, uerr)
		}
	}()

	u := store.Update{
		Status:    store.Ptr(o.Status),
		Phase:     store.Ptr(engine.PhaseEnded),
		Round:     store.Ptr(o.Round),
		EndReason: store.Ptr(o.Reason),
		EndedAt:   store.Ptr(o.EndedAt),
		Rewards:   o.Rewards,
	}
	if o.WinnerSide != "" {
		u.WinnerSide = store.Ptr(o.WinnerSide)
		u.WinnerActorID = store.Ptr(o.WinnerActorID)
	}
	if uerr := s.o.store.UpdateBattle(ctx, s.id, u); uerr != nil {
		err = multierr.Append(err, apperr.Persistence("persist battle end", uerr))
	}
	if perr := s.o.store.SaveParticipants(ctx, s.id, store.ParticipantsFrom(&s.auth)); perr != nil {
		err = multierr.Append(err, apperr.Persistence("persist participants", perr))
	}
	return err
}

func (s *session) applyEffects(ctx context.Context, o Outcome) error {
	var errs error
	for _, e := range s.o.effects {
		if err := safeApply(ctx, e, o); err != nil {
			s.log.Warn("downstream effect failed", zap.String("effect", e.Name()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", e.Name(), err))
		}
	}
	return errs
}

func safeApply(ctx context.Context, e Effect, o Outcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.Apply(ctx, o)
}
