package battle

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/apperr"
	"github.com/DoyleJ11/hex-arena-backend/internal/coord"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/internal/matchmaking"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
	"github.com/DoyleJ11/hex-arena-backend/pkg/types"
)

type MatchStatus string

const (
	MatchFound   MatchStatus = "found"
	MatchWaiting MatchStatus = "waiting"
	MatchFailed  MatchStatus = "failed"
)

// MatchRequest asks for a battle.
type MatchRequest struct {
	ActorID    string             `json:"actor_id"`
	Roster     []engine.Combatant `json:"roster"`
	Mode       engine.Mode        `json:"mode"`
	Rating     int                `json:"rating"`
	AIRosterID string             `json:"ai_roster_id,omitempty"`
}

// MatchResult is the answer to a MatchRequest. A failed result never
// carries a battle id.
type MatchResult struct {
	Status          MatchStatus `json:"status"`
	BattleID        string      `json:"battle_id,omitempty"`
	Side            engine.Side `json:"side,omitempty"`
	OpponentActorID string      `json:"opponent_actor_id,omitempty"`
	QueueSize       int         `json:"queue_size,omitempty"`
	Position        int         `json:"position,omitempty"`
	EstimatedWaitMS int64       `json:"estimated_wait_ms,omitempty"`
	Error           string      `json:"error,omitempty"`
}

func failedMatch(err error) MatchResult {
	return MatchResult{Status: MatchFailed, Error: err.Error()}
}

func foundMatch(rec store.BattleRecord, actorID string) MatchResult {
	res := MatchResult{Status: MatchFound, BattleID: rec.ID, Side: engine.SideUser, OpponentActorID: rec.OpponentActorID}
	if rec.OpponentActorID == actorID {
		res.Side = engine.SideOpponent
		res.OpponentActorID = rec.UserActorID
	}
	return res
}

// FindMatch queues the actor and tries to pair it. Coop requests are paired
// with a scaled AI roster straight away. An actor already in an active
// battle gets that battle back.
func (o *Orchestrator) FindMatch(ctx context.Context, req MatchRequest) (MatchResult, error) {
	ctx, span := tracer.Start(ctx, "battle.FindMatch")
	defer span.End()
	span.SetAttributes(attribute.String("actor.id", req.ActorID), attribute.String("mode", string(req.Mode)))

	entry := coord.QueueEntry{
		ActorID:    req.ActorID,
		Roster:     req.Roster,
		Mode:       req.Mode,
		Rating:     req.Rating,
		EnqueuedAt: o.now(),
		AIRosterID: req.AIRosterID,
		ServerID:   o.serverID,
	}
	if err := matchmaking.Validate(entry); err != nil {
		err = apperr.Validation("match request", err)
		return failedMatch(err), err
	}

	active, err := o.store.ActiveByActor(ctx, req.ActorID)
	if err != nil {
		err = apperr.Persistence("look up active battles", err)
		return failedMatch(err), err
	}
	if len(active) > 0 {
		rec, ok, err := o.reclaim(ctx, active[0])
		if err != nil {
			return failedMatch(err), err
		}
		if ok {
			return foundMatch(rec, req.ActorID), nil
		}
	}

	if req.Mode == engine.ModeCoop {
		return o.matchAI(ctx, entry)
	}

	if prev, ok := o.mm.Lookup(ctx, req.ActorID, req.Mode); ok {
		entry.EnqueuedAt = prev.EnqueuedAt
	}
	if err := o.mm.Enqueue(ctx, entry); err != nil {
		return failedMatch(err), err
	}
	opp, err := o.mm.FindOpponent(ctx, entry)
	if err != nil {
		return failedMatch(err), err
	}
	if opp == nil {
		pos, size, err := o.mm.QueuePosition(ctx, req.ActorID, req.Mode)
		if err != nil {
			return failedMatch(err), err
		}
		res := MatchResult{
			Status:          MatchWaiting,
			QueueSize:       size,
			Position:        pos,
			EstimatedWaitMS: o.mm.EstimatedWait(pos).Milliseconds(),
		}
		o.notify.Unicast(req.ActorID, types.ServerMessage{Type: types.MsgQueueUpdated, Payload: res})
		return res, nil
	}

	rec, err := o.createBattle(ctx, entry, *opp, nil)
	if err != nil {
		// The claim already took the opponent out of the queue.
		if rerr := o.mm.Enqueue(context.WithoutCancel(ctx), *opp); rerr != nil {
			o.logger.Warn("requeue opponent after failed creation", zap.String("actor_id", opp.ActorID), zap.Error(rerr))
		}
		return failedMatch(err), err
	}
	return foundMatch(rec, req.ActorID), nil
}

func (o *Orchestrator) matchAI(ctx context.Context, entry coord.QueueEntry) (MatchResult, error) {
	ai, err := o.ai.Pick(ctx, entry.AIRosterID, entry.Rating)
	if err != nil {
		err = apperr.Validation("pick ai roster", err)
		return failedMatch(err), err
	}
	opp := coord.QueueEntry{
		ActorID:    ai.ActorID(),
		Roster:     matchmaking.ScaleRoster(entry.Roster, ai, o.mmCfg, o.rng),
		Mode:       entry.Mode,
		Rating:     ai.Rating,
		EnqueuedAt: entry.EnqueuedAt,
		AIRosterID: ai.ID,
	}
	rec, err := o.createBattle(ctx, entry, opp, &ai)
	if err != nil {
		return failedMatch(err), err
	}
	return foundMatch(rec, entry.ActorID), nil
}

// Withdraw takes the actor out of matchmaking.
func (o *Orchestrator) Withdraw(ctx context.Context, actorID string, mode engine.Mode) error {
	if err := o.mm.Dequeue(ctx, actorID, mode); err != nil {
		return err
	}
	ev := coord.Event{Type: coord.EventActorWithdrew, ServerID: o.serverID, Mode: mode, ActorIDs: []string{actorID}, At: o.now().UTC()}
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Warn("publish withdrawal", zap.String("actor_id", actorID), zap.Error(err))
	}
	return nil
}

// createBattle locks the human characters, writes the record and starts the
// session. Any failure after locking releases the locks again.
func (o *Orchestrator) createBattle(ctx context.Context, user, opp coord.QueueEntry, ai *matchmaking.AIRoster) (rec store.BattleRecord, err error) {
	now := o.now().UTC()
	rec = store.BattleRecord{
		ID:              uuid.NewString(),
		ServerID:        o.serverID,
		Mode:            user.Mode,
		Status:          store.StatusActive,
		Phase:           engine.PhaseCombat,
		Round:           1,
		MaxRounds:       o.cfg.MaxRounds,
		UserActorID:     user.ActorID,
		OpponentActorID: opp.ActorID,
		OpponentIsAI:    ai != nil,
		UserRating:      user.Rating,
		OpponentRating:  opp.Rating,
		UserRoster:      user.Roster,
		OpponentRoster:  opp.Roster,
		Cols:            o.cfg.GridCols,
		Rows:            o.cfg.GridRows,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if ai != nil {
		rec.AIRosterID = ai.ID
	}
	log := o.logger.With(zap.String("battle_id", rec.ID))

	chars := make([]string, 0, 6)
	for _, c := range user.Roster {
		chars = append(chars, c.ID)
	}
	if ai == nil {
		for _, c := range opp.Roster {
			chars = append(chars, c.ID)
		}
	}
	if err := o.locks.Lock(ctx, rec.ID, chars); err != nil {
		if errors.Is(err, store.ErrCharacterLocked) {
			return rec, apperr.Coordination("lock characters", err)
		}
		return rec, apperr.Persistence("lock characters", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if uerr := o.locks.Unlock(context.WithoutCancel(ctx), rec.ID); uerr != nil {
			log.Error("release locks after failed creation", zap.Error(uerr))
		}
	}()

	auth := engine.NewContext(rec.Setup())
	if err := o.store.CreateBattle(ctx, rec, store.ParticipantsFrom(&auth)); err != nil {
		return rec, apperr.Persistence("create battle", err)
	}

	s := newSession(o, rec, auth, engine.PhaseCombat)
	if !o.sessions.add(s) {
		return rec, apperr.Invariant("battle " + rec.ID + " is already hosted")
	}
	s.start()
	log.Info("battle created",
		zap.String("mode", string(rec.Mode)),
		zap.String("user_actor_id", rec.UserActorID),
		zap.String("opponent_actor_id", rec.OpponentActorID))

	o.announce(ctx, rec)
	return rec, nil
}

// announce tells both actors about the battle, here and on peer processes.
func (o *Orchestrator) announce(ctx context.Context, rec store.BattleRecord) {
	o.unicastMatch(rec, rec.UserActorID)
	if !rec.OpponentIsAI {
		o.unicastMatch(rec, rec.OpponentActorID)
	}
	ev := coord.Event{
		Type:     coord.EventBattleCreated,
		BattleID: rec.ID,
		ServerID: o.serverID,
		Mode:     rec.Mode,
		ActorIDs: []string{rec.UserActorID, rec.OpponentActorID},
		At:       rec.CreatedAt,
	}
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Warn("publish battle created", zap.String("battle_id", rec.ID), zap.Error(err))
	}
}

func (o *Orchestrator) unicastMatch(rec store.BattleRecord, actorID string) {
	m := foundMatch(rec, actorID)
	o.notify.Unicast(actorID, types.ServerMessage{
		Type:     types.MsgMatchFound,
		BattleID: rec.ID,
		Payload: types.MatchFound{
			BattleID:        rec.ID,
			Mode:            rec.Mode,
			Side:            m.Side,
			OpponentActorID: m.OpponentActorID,
		},
	})
}

// Run follows lifecycle events from peer processes until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	stop, err := backoff.Retry(ctx, func() (func(), error) {
		return o.bus.Subscribe(ctx, o.onEvent)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return apperr.Coordination("subscribe to battle events", err)
	}
	defer stop()
	o.keepLease(ctx)
	return nil
}

func (o *Orchestrator) onEvent(ev coord.Event) {
	if ev.ServerID == o.serverID {
		return
	}
	switch ev.Type {
	case coord.EventBattleCreated:
		if n := o.mm.EvictLocal(ev.ActorIDs...); n > 0 {
			o.logger.Info("evicted actors paired elsewhere", zap.String("battle_id", ev.BattleID), zap.Int("count", n))
		}
		for _, actor := range ev.ActorIDs {
			o.notify.Unicast(actor, types.ServerMessage{
				Type:     types.MsgMatchFound,
				BattleID: ev.BattleID,
				Payload:  types.MatchFound{BattleID: ev.BattleID, Mode: ev.Mode},
			})
		}

	case coord.EventActorWithdrew:
		o.mm.EvictLocal(ev.ActorIDs...)

	case coord.EventBattleEnded:
		if s := o.sessions.get(ev.BattleID); s != nil {
			o.logger.Warn("dropping stale session ended elsewhere", zap.String("battle_id", ev.BattleID))
			o.sessions.remove(ev.BattleID, s)
			s.stop()
		}
	}
}

// Recover rebuilds the sessions this server owned before a restart, then
// adopts active battles whose server has let its lease lapse. Each gets a
// fresh connection window, so a battle nobody returns to is abandoned.
// Battles whose log cannot be replayed are abandoned at once.
func (o *Orchestrator) Recover(ctx context.Context) error {
	if o.lease != nil {
		if err := o.lease.renew(ctx); err != nil {
			o.logger.Warn("take server lease", zap.Error(err))
		}
	}
	recs, err := o.store.ActiveByServer(ctx, o.serverID)
	if err != nil {
		return apperr.Persistence("list active battles", err)
	}
	if o.lease != nil {
		all, err := o.store.Active(ctx)
		if err != nil {
			return apperr.Persistence("list active battles", err)
		}
		for _, rec := range all {
			rec, ok, err := o.adopt(ctx, rec)
			if err != nil {
				o.logger.Warn("adopt battle", zap.String("battle_id", rec.ID), zap.Error(err))
				continue
			}
			if ok {
				recs = append(recs, rec)
			}
		}
	}

	var errs error
	for _, rec := range recs {
		if _, err := o.resume(ctx, rec); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// reclaim checks that an active battle found for an actor is hosted
// somewhere. An orphan is adopted and resumed here; false means the battle
// was abandoned instead and the actor is free to queue.
func (o *Orchestrator) reclaim(ctx context.Context, rec store.BattleRecord) (store.BattleRecord, bool, error) {
	if rec.ServerID == o.serverID || o.sessions.get(rec.ID) != nil {
		return rec, true, nil
	}
	adopted, ok, err := o.adopt(ctx, rec)
	if err != nil {
		return rec, false, apperr.Coordination("adopt battle "+rec.ID, err)
	}
	if !ok {
		return rec, true, nil
	}
	resumed, err := o.resume(ctx, adopted)
	if err != nil {
		return rec, false, err
	}
	return adopted, resumed, nil
}

// resume starts a session for a persisted battle, abandoning it when its log
// cannot be replayed. The log outranks the record's phase: a phase write can
// fail after the round end was appended.
func (o *Orchestrator) resume(ctx context.Context, rec store.BattleRecord) (bool, error) {
	log := o.logger.With(zap.String("battle_id", rec.ID))
	auth, err := o.recon.Reconstruct(ctx, rec.ID)
	if err != nil {
		log.Error("battle cannot be rebuilt, abandoning", zap.Error(err))
		return false, o.abandonRecord(ctx, rec, "unrecoverable")
	}
	phase := engine.PhaseCombat
	if rec.Phase == engine.PhaseChatBreak || auth.LastKind == engine.EntryRoundEnd {
		phase = engine.PhaseChatBreak
	}
	s := newSession(o, rec, auth, phase)
	if !o.sessions.add(s) {
		return true, nil
	}
	s.start()
	log.Info("battle recovered", zap.Int("round", auth.Round), zap.Int("log_seq", auth.LastSeq), zap.String("phase", string(phase)))
	return true, nil
}

func (o *Orchestrator) abandonRecord(ctx context.Context, rec store.BattleRecord, reason string) (err error) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if uerr := o.locks.Unlock(ctx, rec.ID); uerr != nil {
			err = multierr.Append(err, uerr)
		}
	}()
	now := o.now().UTC()
	return o.store.UpdateBattle(ctx, rec.ID, store.Update{
		Status:    store.Ptr(store.StatusAbandoned),
		Phase:     store.Ptr(engine.PhaseEnded),
		EndReason: store.Ptr(reason),
		EndedAt:   store.Ptr(now),
	})
}
