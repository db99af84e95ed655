package battle

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/apperr"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/internal/executor"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
	"github.com/DoyleJ11/hex-arena-backend/pkg/types"
)

// QueueStatus is a character's pending queue after a submission.
type QueueStatus struct {
	CharacterID string                 `json:"character_id"`
	Pending     []engine.PlannedAction `json:"pending"`
	APRequired  int                    `json:"ap_required"`
	APAvailable int                    `json:"ap_available"`
}

// ExecutedAction is one resolved entry of a turn.
type ExecutedAction struct {
	Seq         int            `json:"seq"`
	Issued      engine.Order   `json:"issued"`
	Executed    engine.Order   `json:"executed"`
	Result      engine.Result  `json:"result"`
	Tag         engine.Tag     `json:"tag"`
	Rebellion   bool           `json:"rebellion"`
	Declaration string         `json:"declaration,omitempty"`
	Check       executor.Check `json:"check"`
}

// TurnResult reports a finished turn.
type TurnResult struct {
	BattleID    string           `json:"battle_id"`
	CharacterID string           `json:"character_id"`
	Actions     []ExecutedAction `json:"actions_executed"`
	Interrupted bool             `json:"turn_interrupted"`
	Reason      string           `json:"interrupt_reason,omitempty"`
	APRemaining int              `json:"ap_remaining"`
	Round       int              `json:"round"`
	Phase       engine.Phase     `json:"phase"`
	NextTurn    string           `json:"next_turn,omitempty"`
	Outcome     *Outcome         `json:"outcome,omitempty"`
}

// planner yields the i-th action of a turn given fresh authoritative state
// and what has run so far.
type planner func(auth *engine.Context, i int, done []ExecutedAction) (engine.PlannedAction, bool)

func fromQueue(actions []engine.PlannedAction) planner {
	return func(_ *engine.Context, i int, _ []ExecutedAction) (engine.PlannedAction, bool) {
		if i >= len(actions) {
			return engine.PlannedAction{}, false
		}
		return actions[i], true
	}
}

// turnOwner checks that actorID may act for characterID right now.
func (s *session) turnOwner(actorID, characterID string) (engine.CharacterState, error) {
	if s.phase != engine.PhaseCombat {
		return engine.CharacterState{}, apperr.Validation("battle is in phase "+string(s.phase), nil)
	}
	if _, ok := s.humanSide(actorID); !ok {
		return engine.CharacterState{}, apperr.NotFound("actor " + actorID + " is not in this battle")
	}
	ch, ok := s.auth.Character(characterID)
	if !ok {
		return engine.CharacterState{}, apperr.NotFound("character " + characterID)
	}
	if ch.ActorID != actorID {
		return engine.CharacterState{}, apperr.Validation("character "+characterID+" belongs to another actor", nil)
	}
	if ch.Dead {
		return engine.CharacterState{}, apperr.Validation("character "+characterID+" is dead", engine.ErrCharacterDead)
	}
	if cur, _ := s.auth.CurrentTurn(); cur != characterID {
		return engine.CharacterState{}, apperr.Validation("it is not "+characterID+"'s turn", nil)
	}
	return ch, nil
}

// budget prices a queue from the character's position and rejects it as a
// whole when it exceeds the available action points.
func (s *session) budget(ch engine.CharacterState, actions []engine.PlannedAction) (int, error) {
	for i, a := range actions {
		if a.TargetID == "" {
			continue
		}
		if _, ok := s.auth.Character(a.TargetID); !ok {
			return 0, apperr.Validation(fmt.Sprintf("action %d", i), fmt.Errorf("%w: %s", engine.ErrUnknownCharacter, a.TargetID))
		}
	}
	cost, err := engine.QueueCost(s.o.cat, actions, ch.Position)
	if err != nil {
		return 0, apperr.Validation("invalid action queue", err)
	}
	if cost > ch.ActionPoints {
		short := &engine.APShortfallError{Available: ch.ActionPoints, Required: cost}
		return cost, apperr.Validation("turn rejected", short).WithMetadata(map[string]string{
			"ap_available": strconv.Itoa(short.Available),
			"ap_required":  strconv.Itoa(short.Required),
		})
	}
	return cost, nil
}

func (s *session) submitAction(actorID, characterID string, a engine.PlannedAction) (QueueStatus, error) {
	ch, err := s.turnOwner(actorID, characterID)
	if err != nil {
		return QueueStatus{}, err
	}
	queue := append(slices.Clone(s.pending[characterID]), a)
	cost, err := s.budget(ch, queue)
	if err != nil {
		return QueueStatus{}, err
	}
	s.pending[characterID] = queue
	return QueueStatus{CharacterID: characterID, Pending: slices.Clone(queue), APRequired: cost, APAvailable: ch.ActionPoints}, nil
}

func (s *session) submitTurn(actorID, characterID string, actions []engine.PlannedAction) (TurnResult, error) {
	ch, err := s.turnOwner(actorID, characterID)
	if err != nil {
		return TurnResult{}, err
	}
	if len(actions) == 0 {
		return TurnResult{}, apperr.Validation("a turn needs at least one action", nil)
	}
	if _, err := s.budget(ch, actions); err != nil {
		return TurnResult{}, err
	}
	delete(s.pending, characterID)
	return s.runTurn(ch, actorID, fromQueue(slices.Clone(actions)))
}

func (s *session) executeTurn(actorID, characterID string) (TurnResult, error) {
	ch, err := s.turnOwner(actorID, characterID)
	if err != nil {
		return TurnResult{}, err
	}
	queue := s.pending[characterID]
	if _, err := s.budget(ch, queue); err != nil {
		return TurnResult{}, err
	}
	delete(s.pending, characterID)
	return s.runTurn(ch, actorID, fromQueue(queue))
}

// runTurn executes a character's actions one by one, re-reading the log
// before each so nothing acts on stale state, then ends the turn.
func (s *session) runTurn(ch engine.CharacterState, actorID string, next planner) (res TurnResult, err error) {
	ctx, span := tracer.Start(s.ctx, "battle.runTurn")
	defer span.End()
	span.SetAttributes(attribute.String("battle.id", s.id), attribute.String("character.id", ch.ID))

	// A half-run turn still moved the log; keep the cache in step with it.
	defer func() {
		if err != nil && len(res.Actions) > 0 {
			if serr := s.sync(ctx); serr != nil {
				s.log.Warn("resync after failed turn", zap.Error(serr))
			}
		}
	}()

	res = TurnResult{BattleID: s.id, CharacterID: ch.ID}
	for i := 0; ; i++ {
		auth, err := s.o.recon.Reconstruct(ctx, s.id)
		if err != nil {
			return res, err
		}
		cur, ok := auth.Character(ch.ID)
		if !ok {
			return res, apperr.Invariant("character " + ch.ID + " missing from authoritative state")
		}
		if cur.Dead {
			if i > 0 {
				res.Interrupted = true
				res.Reason = cur.Name + " fell mid-turn"
			}
			break
		}
		planned, ok := next(&auth, i, res.Actions)
		if !ok {
			break
		}
		order, err := engine.BuildOrder(&auth, ch.ID, planned, s.o.cat)
		if err != nil {
			return res, apperr.Validation(fmt.Sprintf("action %d", i), err)
		}

		out, err := s.o.exec.Resolve(ctx, &auth, order)
		if err != nil {
			return res, fmt.Errorf("resolve %q: %w", order.Label, err)
		}
		tag, err := classify(out, &auth, s.o.cfg.CriticalDamage)
		if err != nil {
			return res, err
		}
		entry, err := s.o.log.Append(ctx, engine.LogEntry{
			BattleID:    s.id,
			Round:       auth.Round,
			Kind:        engine.EntryAction,
			ActorID:     actorID,
			CharacterID: ch.ID,
			Order:       &out.Executed,
			Result:      &out.Result,
			Tag:         tag,
			Rebellion:   out.Rebellion,
			Declaration: out.Declaration,
		})
		if err != nil {
			return res, apperr.Persistence("append action", err)
		}

		ea := ExecutedAction{
			Seq:         entry.Seq,
			Issued:      out.Issued,
			Executed:    out.Executed,
			Result:      out.Result,
			Tag:         tag,
			Rebellion:   out.Rebellion,
			Declaration: out.Declaration,
			Check:       out.Check,
		}
		res.Actions = append(res.Actions, ea)
		s.broadcast(types.MsgActionExecuted, ea)
	}

	if _, err := s.o.log.Append(ctx, engine.LogEntry{
		BattleID:    s.id,
		Round:       s.auth.Round,
		Kind:        engine.EntryTurnEnd,
		ActorID:     actorID,
		CharacterID: ch.ID,
	}); err != nil {
		return res, apperr.Persistence("append turn end", err)
	}
	if err := s.sync(ctx); err != nil {
		return res, err
	}
	if after, ok := s.auth.Character(ch.ID); ok {
		res.APRemaining = after.ActionPoints
	}
	span.SetAttributes(attribute.Int("actions", len(res.Actions)), attribute.Bool("interrupted", res.Interrupted))

	if t, ok := s.knockout(); ok {
		out := s.finish(t)
		res.Outcome = &out
	} else if s.auth.RoundComplete() {
		s.completeRound(ctx)
	}

	res.Round = s.auth.Round
	res.Phase = s.phase
	if s.phase == engine.PhaseCombat {
		res.NextTurn, _ = s.auth.CurrentTurn()
	}
	s.broadcast(types.MsgTurnComplete, res)
	return res, nil
}

// classify picks the dramatic tag for an executed action. A kill reported
// against a character the context does not know is corrupt state.
func classify(out executor.Outcome, auth *engine.Context, criticalDamage int) (engine.Tag, error) {
	r := out.Result
	if r.TargetDead {
		if _, ok := auth.Character(r.TargetID); !ok {
			return "", apperr.Invariant("killed character " + r.TargetID + " has no authoritative entry")
		}
	}
	switch {
	case out.Rebellion:
		return engine.TagRebellion, nil
	case r.TargetDead:
		return engine.TagKilled, nil
	case r.Critical || (criticalDamage > 0 && r.Damage >= criticalDamage):
		return engine.TagCritical, nil
	case r.Success && (out.Executed.Kind == engine.ActionPower || out.Executed.Kind == engine.ActionSpell):
		return engine.TagPowerUnleashed, nil
	}
	return engine.TagExecuted, nil
}

// sync refreshes the cached context from the log and flushes participant
// rows. AP values outside [0, max] are clamped before anything is persisted.
func (s *session) sync(ctx context.Context) error {
	auth, err := s.o.recon.Reconstruct(ctx, s.id)
	if err != nil {
		return err
	}
	for i := range auth.Characters {
		if orig, clamped := engine.ClampActionPoints(&auth.Characters[i]); clamped {
			s.log.Warn("action points out of range, clamping",
				zap.String("character_id", auth.Characters[i].ID),
				zap.Int("ap", orig),
				zap.Int("max_ap", auth.Characters[i].MaxActionPoints))
		}
	}
	s.auth = auth
	if err := s.o.store.SaveParticipants(ctx, s.id, store.ParticipantsFrom(&auth)); err != nil {
		s.log.Warn("flush participants", zap.Error(err))
	}
	return nil
}

// completeRound resets action points through the log and opens the chat
// break, unless the reset state already ends the battle.
func (s *session) completeRound(ctx context.Context) {
	if _, err := s.o.log.Append(ctx, engine.LogEntry{BattleID: s.id, Round: s.auth.Round, Kind: engine.EntryRoundEnd}); err != nil {
		s.log.Error("append round end", zap.Error(err))
		return
	}
	if err := s.sync(ctx); err != nil {
		s.log.Error("sync after round end", zap.Error(err))
		return
	}
	s.broadcast(types.MsgRoundEnd, types.PhaseChange{Phase: s.phase, Round: s.auth.Round})
	if t, ok := s.knockout(); ok {
		s.finish(t)
		return
	}

	s.phase = engine.PhaseChatBreak
	clear(s.chatReady)
	s.persistPhase(ctx)
	s.arm(timerChatBreak, s.o.cfg.ChatBreak)
	s.broadcast(types.MsgChatBreak, types.PhaseChange{
		Phase:      s.phase,
		Round:      s.auth.Round,
		DurationMS: s.o.cfg.ChatBreak.Milliseconds(),
	})
}

func (s *session) readyForRound(actorID string) error {
	side, ok := s.humanSide(actorID)
	if !ok {
		return apperr.NotFound("actor " + actorID + " is not in this battle")
	}
	if s.phase != engine.PhaseChatBreak {
		return apperr.Validation("no chat break in progress", nil)
	}
	s.chatReady[side] = true
	for _, hs := range s.humanSides() {
		if !s.chatReady[hs] {
			return nil
		}
	}
	s.disarm(timerChatBreak)
	s.startNextRound()
	return nil
}

// startNextRound leaves the chat break: past the round limit the battle ends
// on health, otherwise the next round starts.
func (s *session) startNextRound() {
	if s.phase != engine.PhaseChatBreak || s.outcome != nil {
		return
	}
	if s.auth.Round+1 > s.rec.MaxRounds {
		s.finish(s.byHealth("round_limit"))
		return
	}
	if _, err := s.o.log.Append(s.ctx, engine.LogEntry{BattleID: s.id, Round: s.auth.Round + 1, Kind: engine.EntryRoundStart}); err != nil {
		s.log.Error("append round start", zap.Error(err))
		return
	}
	if err := s.sync(s.ctx); err != nil {
		s.log.Error("sync after round start", zap.Error(err))
		return
	}
	s.phase = engine.PhaseCombat
	s.persistPhase(s.ctx)
	next, _ := s.auth.CurrentTurn()
	s.log.Info("round started", zap.Int("round", s.auth.Round))
	s.broadcast(types.MsgRoundStart, types.PhaseChange{Phase: s.phase, Round: s.auth.Round, NextTurn: next})
}

// playAI takes every consecutive AI turn. Each AI action is planned against
// fresh state and runs through the same path as a human queue.
func (s *session) playAI() {
	for s.rec.OpponentIsAI && s.phase == engine.PhaseCombat && s.outcome == nil {
		id, ok := s.auth.CurrentTurn()
		if !ok {
			return
		}
		ch, _ := s.auth.Character(id)
		if ch.Side != engine.SideOpponent {
			return
		}
		limit := ch.MaxActionPoints + 1
		_, err := s.runTurn(ch, ch.ActorID, func(auth *engine.Context, i int, done []ExecutedAction) (engine.PlannedAction, bool) {
			if i >= limit || (i > 0 && !done[i-1].Result.Success) {
				return engine.PlannedAction{}, false
			}
			return executor.Autonomous(auth, id, s.o.cat)
		})
		if err != nil {
			s.log.Error("ai turn", zap.String("character_id", id), zap.Error(err))
			return
		}
	}
}
