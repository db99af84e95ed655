package battle

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/apperr"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
	"github.com/DoyleJ11/hex-arena-backend/pkg/types"
)

type msg interface{ isSessionMsg() }

type reply[T any] struct {
	val T
	err error
}

type connectMsg struct {
	actorID string
	reply   chan reply[View]
}

type disconnectMsg struct {
	actorID string
	reply   chan reply[struct{}]
}

type submitActionMsg struct {
	actorID     string
	characterID string
	action      engine.PlannedAction
	reply       chan reply[QueueStatus]
}

type submitTurnMsg struct {
	actorID     string
	characterID string
	actions     []engine.PlannedAction
	reply       chan reply[TurnResult]
}

type executeTurnMsg struct {
	actorID     string
	characterID string
	reply       chan reply[TurnResult]
}

type reportEndMsg struct {
	actorID string
	reply   chan reply[Outcome]
}

type forfeitMsg struct {
	actorID string
	reply   chan reply[Outcome]
}

type endChatMsg struct {
	actorID string
	reply   chan reply[struct{}]
}

type viewMsg struct {
	reply chan reply[View]
}

// timerFired is posted by a session timer. gen tells a stale firing apart
// from the current arming of the same key.
type timerFired struct {
	key string
	gen uint64
}

func (connectMsg) isSessionMsg()      {}
func (disconnectMsg) isSessionMsg()   {}
func (submitActionMsg) isSessionMsg() {}
func (submitTurnMsg) isSessionMsg()   {}
func (executeTurnMsg) isSessionMsg()  {}
func (reportEndMsg) isSessionMsg()    {}
func (forfeitMsg) isSessionMsg()      {}
func (endChatMsg) isSessionMsg()      {}
func (viewMsg) isSessionMsg()         {}
func (timerFired) isSessionMsg()      {}

// session is one battle hosted in memory. Every field below inbox is owned
// by the loop goroutine.
type session struct {
	id  string
	o   *Orchestrator
	rec store.BattleRecord
	log *zap.Logger

	inbox  chan msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	phase     engine.Phase
	auth      engine.Context
	connected map[engine.Side]bool
	seen      map[engine.Side]bool
	chatReady map[engine.Side]bool
	pending   map[string][]engine.PlannedAction
	timers    map[string]armed
	timerGen  uint64
	cleaned   bool
	outcome   *Outcome
	evict     *time.Timer
}

func newSession(o *Orchestrator, rec store.BattleRecord, auth engine.Context, phase engine.Phase) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:        rec.ID,
		o:         o,
		rec:       rec,
		log:       o.logger.With(zap.String("battle_id", rec.ID)),
		inbox:     make(chan msg, 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		phase:     phase,
		auth:      auth,
		connected: make(map[engine.Side]bool),
		seen:      make(map[engine.Side]bool),
		chatReady: make(map[engine.Side]bool),
		pending:   make(map[string][]engine.PlannedAction),
		timers:    make(map[string]armed),
	}
}

func (s *session) start() { go s.loop() }

// stop ends the loop without ending the battle.
func (s *session) stop() { s.cancel() }

func (s *session) loop() {
	defer close(s.done)
	s.resume()
	for {
		select {
		case <-s.ctx.Done():
			s.cleanup()
			if s.evict != nil {
				s.evict.Stop()
			}
			return

		case m := <-s.inbox:
			s.handle(m)
			s.playAI()
		}
	}
}

// resume arms the timers for the phase the session starts in and lets the
// AI move if it holds the first turn.
func (s *session) resume() {
	if s.phase != s.rec.Phase {
		s.persistPhase(s.ctx)
	}
	s.arm(timerConnect, s.o.cfg.ConnectTimeout)
	if s.phase == engine.PhaseChatBreak {
		s.arm(timerChatBreak, s.o.cfg.ChatBreak)
	}
	s.playAI()
}

func (s *session) handle(m msg) {
	switch msg := m.(type) {
	case connectMsg:
		v, err := s.connect(msg.actorID)
		msg.reply <- reply[View]{v, err}

	case disconnectMsg:
		msg.reply <- reply[struct{}]{err: s.disconnect(msg.actorID)}

	case submitActionMsg:
		st, err := s.submitAction(msg.actorID, msg.characterID, msg.action)
		msg.reply <- reply[QueueStatus]{st, err}

	case submitTurnMsg:
		res, err := s.submitTurn(msg.actorID, msg.characterID, msg.actions)
		msg.reply <- reply[TurnResult]{res, err}

	case executeTurnMsg:
		res, err := s.executeTurn(msg.actorID, msg.characterID)
		msg.reply <- reply[TurnResult]{res, err}

	case reportEndMsg:
		out, err := s.reportEnd(msg.actorID)
		msg.reply <- reply[Outcome]{out, err}

	case forfeitMsg:
		side, ok := s.humanSide(msg.actorID)
		if !ok {
			msg.reply <- reply[Outcome]{err: apperr.NotFound("actor " + msg.actorID + " is not in this battle")}
			break
		}
		msg.reply <- reply[Outcome]{val: s.finish(forfeit(side, "forfeit"))}

	case endChatMsg:
		msg.reply <- reply[struct{}]{err: s.readyForRound(msg.actorID)}

	case viewMsg:
		msg.reply <- reply[View]{val: s.view()}

	case timerFired:
		s.onTimer(msg)
	}
}

// request posts a message to the session and waits for its reply.
func request[T any](ctx context.Context, s *session, build func(chan reply[T]) msg) (T, error) {
	var zero T
	ch := make(chan reply[T], 1)
	select {
	case s.inbox <- build(ch):
	case <-s.done:
		return zero, ErrSessionClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.val, r.err
	case <-s.done:
		select {
		case r := <-ch:
			return r.val, r.err
		default:
			return zero, ErrSessionClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// post delivers a message from outside the loop without blocking past the
// session's lifetime.
func (s *session) post(m msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

func (s *session) actorFor(side engine.Side) string {
	if side == engine.SideUser {
		return s.rec.UserActorID
	}
	return s.rec.OpponentActorID
}

func (s *session) humanSides() []engine.Side {
	if s.rec.OpponentIsAI {
		return []engine.Side{engine.SideUser}
	}
	return []engine.Side{engine.SideUser, engine.SideOpponent}
}

// humanSide resolves which side a human actor plays. The AI side has no
// human actor.
func (s *session) humanSide(actorID string) (engine.Side, bool) {
	for _, side := range s.humanSides() {
		if s.actorFor(side) == actorID {
			return side, true
		}
	}
	return "", false
}

func (s *session) connect(actorID string) (View, error) {
	side, ok := s.humanSide(actorID)
	if !ok {
		return View{}, apperr.NotFound("actor " + actorID + " is not in this battle")
	}
	if s.outcome != nil {
		return s.view(), nil
	}
	s.connected[side] = true
	s.seen[side] = true
	s.disarm(graceKey(side))
	if s.allSeen() {
		s.disarm(timerConnect)
	}
	s.log.Info("participant connected", zap.String("actor_id", actorID), zap.String("side", string(side)))
	s.broadcast(types.MsgParticipantIn, types.Connection{ActorID: actorID, Side: side})
	return s.view(), nil
}

func (s *session) disconnect(actorID string) error {
	side, ok := s.humanSide(actorID)
	if !ok {
		return apperr.NotFound("actor " + actorID + " is not in this battle")
	}
	if s.outcome != nil || !s.connected[side] {
		return nil
	}
	s.connected[side] = false
	s.arm(graceKey(side), s.o.cfg.DisconnectGrace)
	s.log.Info("participant disconnected", zap.String("actor_id", actorID), zap.Duration("grace", s.o.cfg.DisconnectGrace))
	s.broadcast(types.MsgParticipantGone, types.Connection{ActorID: actorID, Side: side})
	return nil
}

func (s *session) allSeen() bool {
	for _, side := range s.humanSides() {
		if !s.seen[side] {
			return false
		}
	}
	return true
}

func (s *session) broadcast(kind string, payload any) {
	s.o.notify.Broadcast(s.id, types.ServerMessage{Type: kind, BattleID: s.id, Payload: payload})
}

// persistPhase mirrors phase and round onto the battle record.
func (s *session) persistPhase(ctx context.Context) {
	err := s.o.store.UpdateBattle(ctx, s.id, store.Update{
		Phase: store.Ptr(s.phase),
		Round: store.Ptr(s.auth.Round),
	})
	if err != nil {
		s.log.Warn("persist phase", zap.String("phase", string(s.phase)), zap.Error(err))
	}
}

// View is a read-only snapshot of a battle.
type View struct {
	BattleID        string                            `json:"battle_id"`
	Mode            engine.Mode                       `json:"mode"`
	Phase           engine.Phase                      `json:"phase"`
	Round           int                               `json:"round"`
	MaxRounds       int                               `json:"max_rounds"`
	UserActorID     string                            `json:"user_actor_id"`
	OpponentActorID string                            `json:"opponent_actor_id"`
	OpponentIsAI    bool                              `json:"opponent_is_ai"`
	CurrentTurn     string                            `json:"current_turn,omitempty"`
	Connected       map[engine.Side]bool              `json:"connected,omitempty"`
	Pending         map[string][]engine.PlannedAction `json:"pending,omitempty"`
	Grid            engine.Context                    `json:"grid"`
	Outcome         *Outcome                          `json:"outcome,omitempty"`
}

func (s *session) view() View {
	v := recordView(s.rec, s.auth)
	v.Phase = s.phase
	v.Connected = maps.Clone(s.connected)
	v.Pending = make(map[string][]engine.PlannedAction, len(s.pending))
	for id, q := range s.pending {
		v.Pending[id] = slices.Clone(q)
	}
	if s.outcome != nil {
		out := *s.outcome
		v.Outcome = &out
	}
	return v
}

func recordView(rec store.BattleRecord, auth engine.Context) View {
	v := View{
		BattleID:        rec.ID,
		Mode:            rec.Mode,
		Phase:           rec.Phase,
		Round:           auth.Round,
		MaxRounds:       rec.MaxRounds,
		UserActorID:     rec.UserActorID,
		OpponentActorID: rec.OpponentActorID,
		OpponentIsAI:    rec.OpponentIsAI,
		Grid:            auth.Clone(),
	}
	if id, ok := auth.CurrentTurn(); ok {
		v.CurrentTurn = id
	}
	if rec.Status != store.StatusActive {
		v.Outcome = &Outcome{
			BattleID:      rec.ID,
			Status:        rec.Status,
			WinnerSide:    rec.WinnerSide,
			WinnerActorID: rec.WinnerActorID,
			Reason:        rec.EndReason,
			Round:         rec.Round,
			Rewards:       rec.Rewards,
		}
		if rec.EndedAt != nil {
			v.Outcome.EndedAt = *rec.EndedAt
		}
	}
	return v
}
