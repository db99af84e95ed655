package battle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/hex-arena-backend/internal/actionlog"
	"github.com/DoyleJ11/hex-arena-backend/internal/apperr"
	"github.com/DoyleJ11/hex-arena-backend/internal/catalog"
	"github.com/DoyleJ11/hex-arena-backend/internal/config"
	"github.com/DoyleJ11/hex-arena-backend/internal/coord"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/internal/executor"
	"github.com/DoyleJ11/hex-arena-backend/internal/matchmaking"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
	"github.com/DoyleJ11/hex-arena-backend/pkg/types"
)

type fixedRoller float64

func (f fixedRoller) IntN(n int) int   { return 0 }
func (f fixedRoller) Float64() float64 { return float64(f) }

// obedient resolves every order exactly as issued. hook may rewrite the
// result of the n-th call.
type obedient struct {
	cat   catalog.Catalog
	calls atomic.Int32
	hook  func(call int, res *engine.Result)
}

func (e *obedient) Resolve(ctx context.Context, auth *engine.Context, order engine.Order) (executor.Outcome, error) {
	call := int(e.calls.Add(1)) - 1
	res := engine.Resolve(auth, order, e.cat, fixedRoller(0.5))
	if e.hook != nil {
		e.hook(call, &res)
	}
	return executor.Outcome{Issued: order, Executed: order, Result: res, Check: executor.Check{Adhered: true}}, nil
}

type recorder struct {
	mu        sync.Mutex
	broadcast []types.ServerMessage
	unicast   map[string][]types.ServerMessage
}

func (r *recorder) Broadcast(_ string, m types.ServerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, m)
}

func (r *recorder) Unicast(actorID string, m types.ServerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unicast == nil {
		r.unicast = make(map[string][]types.ServerMessage)
	}
	r.unicast[actorID] = append(r.unicast[actorID], m)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.broadcast))
	for _, m := range r.broadcast {
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) sentTo(actorID string) []types.ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ServerMessage(nil), r.unicast[actorID]...)
}

// flakyStore fails selected writes on demand.
type flakyStore struct {
	*store.Memory
	failUpdate atomic.Bool
	failCreate atomic.Bool
}

func (f *flakyStore) UpdateBattle(ctx context.Context, id string, u store.Update) error {
	if f.failUpdate.Load() {
		return errors.New("db unavailable")
	}
	return f.Memory.UpdateBattle(ctx, id, u)
}

func (f *flakyStore) CreateBattle(ctx context.Context, rec store.BattleRecord, ps []store.Participant) error {
	if f.failCreate.Load() {
		return errors.New("db unavailable")
	}
	return f.Memory.CreateBattle(ctx, rec, ps)
}

type harness struct {
	o      *Orchestrator
	mm     *matchmaking.Matchmaker
	store  *flakyStore
	log    *actionlog.Memory
	bus    *coord.MemoryBus
	leases *coord.MemoryMutex
	notes  *recorder
	exec   *obedient
	cfg    config.Config
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ServerID = "srv-test"
	cfg.Battle.ConnectTimeout = time.Hour
	cfg.Battle.DisconnectGrace = time.Hour
	cfg.Battle.ChatBreak = time.Hour
	cfg.Battle.EvictAfter = time.Hour
	cfg.Matchmaking.AIJitter = 0
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		store:  &flakyStore{Memory: store.NewMemory()},
		log:    actionlog.NewMemory(),
		bus:    coord.NewMemoryBus(),
		leases: coord.NewMemoryMutex(),
		notes:  &recorder{},
		exec:   &obedient{cat: catalog.Default()},
		cfg:    cfg,
	}
	h.mm = matchmaking.New(coord.NewMemoryQueue(), coord.NewMemoryMutex(), cfg.Matchmaking, zaptest.NewLogger(t))
	h.o = h.build(t, nil)
	return h
}

func (h *harness) build(t *testing.T, effects []Effect) *Orchestrator {
	o := New(Deps{
		Store:      h.store,
		Log:        h.log,
		Locks:      h.store,
		Matchmaker: h.mm,
		Executor:   h.exec,
		Notifier:   h.notes,
		Bus:        h.bus,
		Leases:     h.leases,
		Effects:    effects,
		Roller:     fixedRoller(0.5),
		Config:     h.cfg,
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func fighter(id string, speed int) engine.Combatant {
	return engine.Combatant{
		ID: id, Name: id, Level: 10,
		MaxHealth: 100, Attack: 20, Defense: 10, Speed: speed, Magic: 10,
		MaxActionPoints: 3, Adherence: 100,
	}
}

func defend(n int) []engine.PlannedAction {
	out := make([]engine.PlannedAction, n)
	for i := range out {
		out[i] = engine.PlannedAction{Kind: engine.ActionDefend}
	}
	return out
}

// startRanked pairs "opp" (queued first, character o1) with "usr" (the
// requester, character u1). u1 is faster and acts first.
func (h *harness) startRanked(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	res, err := h.o.FindMatch(ctx, MatchRequest{ActorID: "opp", Mode: engine.ModeRanked, Rating: 1000, Roster: []engine.Combatant{fighter("o1", 10)}})
	require.NoError(t, err)
	require.Equal(t, MatchWaiting, res.Status)

	res, err = h.o.FindMatch(ctx, MatchRequest{ActorID: "usr", Mode: engine.ModeRanked, Rating: 1050, Roster: []engine.Combatant{fighter("u1", 20)}})
	require.NoError(t, err)
	require.Equal(t, MatchFound, res.Status)
	require.Equal(t, engine.SideUser, res.Side)
	require.Equal(t, "opp", res.OpponentActorID)
	return res.BattleID
}

func (h *harness) connectBoth(t *testing.T, id string) {
	t.Helper()
	for _, actor := range []string{"usr", "opp"} {
		_, err := h.o.Connect(context.Background(), id, actor)
		require.NoError(t, err)
	}
}

func (h *harness) record(t *testing.T, id string) store.BattleRecord {
	t.Helper()
	rec, err := h.store.GetBattle(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (h *harness) locked(t *testing.T, characterID string) bool {
	t.Helper()
	_, ok, err := h.store.Holder(context.Background(), characterID)
	require.NoError(t, err)
	return ok
}

func TestRankedPairingCreatesBattle(t *testing.T) {
	h := newHarness(t, nil)
	id := h.startRanked(t)

	rec := h.record(t, id)
	assert.Equal(t, store.StatusActive, rec.Status)
	assert.Equal(t, "usr", rec.UserActorID)
	assert.Equal(t, "opp", rec.OpponentActorID)
	assert.True(t, h.locked(t, "u1"))
	assert.True(t, h.locked(t, "o1"))

	require.NotEmpty(t, h.notes.sentTo("opp"))
	last := h.notes.sentTo("opp")
	assert.Equal(t, types.MsgMatchFound, last[len(last)-1].Type)

	// A second request returns the running battle instead of queueing.
	res, err := h.o.FindMatch(context.Background(), MatchRequest{ActorID: "opp", Mode: engine.ModeRanked, Rating: 1000, Roster: []engine.Combatant{fighter("o1", 10)}})
	require.NoError(t, err)
	assert.Equal(t, MatchFound, res.Status)
	assert.Equal(t, id, res.BattleID)
	assert.Equal(t, engine.SideOpponent, res.Side)
}

func TestFindMatchRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.o.FindMatch(context.Background(), MatchRequest{ActorID: "usr", Mode: "casual", Roster: []engine.Combatant{fighter("u1", 10)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, MatchFailed, res.Status)
	assert.Empty(t, res.BattleID)
}

func TestTurnOverBudgetIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	id := h.startRanked(t)
	h.connectBoth(t, id)

	_, err := h.o.SubmitTurn(context.Background(), id, "usr", "u1", defend(4))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "3", ae.Metadata["ap_available"])
	assert.Equal(t, "4", ae.Metadata["ap_required"])

	var short *engine.APShortfallError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 4, short.Required)

	entries, err := h.log.Entries(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitActionAccumulatesQueue(t *testing.T) {
	h := newHarness(t, nil)
	id := h.startRanked(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		st, err := h.o.SubmitAction(ctx, id, "usr", "u1", engine.PlannedAction{Kind: engine.ActionDefend})
		require.NoError(t, err)
		assert.Len(t, st.Pending, i)
		assert.Equal(t, i, st.APRequired)
	}
	_, err := h.o.SubmitAction(ctx, id, "usr", "u1", engine.PlannedAction{Kind: engine.ActionDefend})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	v, err := h.o.View(ctx, id)
	require.NoError(t, err)
	assert.Len(t, v.Pending["u1"], 3)

	res, err := h.o.ExecuteTurn(ctx, id, "usr", "u1")
	require.NoError(t, err)
	assert.Len(t, res.Actions, 3)
	assert.Equal(t, 0, res.APRemaining)
	assert.Equal(t, "o1", res.NextTurn)
}

func TestTurnOwnership(t *testing.T) {
	h := newHarness(t, nil)
	id := h.startRanked(t)
	ctx := context.Background()

	_, err := h.o.SubmitTurn(ctx, id, "opp", "o1", defend(1))
	assert.ErrorIs(t, err, apperr.ErrValidation, "not o1's turn")

	_, err = h.o.SubmitTurn(ctx, id, "opp", "u1", defend(1))
	assert.ErrorIs(t, err, apperr.ErrValidation, "u1 belongs to usr")

	_, err = h.o.SubmitTurn(ctx, id, "stranger", "u1", defend(1))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.o.SubmitTurn(ctx, "no-such-battle", "usr", "u1", defend(1))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestActorDyingMidTurnInterrupts(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.hook = func(call int, res *engine.Result) {
		if call == 1 {
			res.ActorHealth = store.Ptr(0)
			res.ActorDead = true
		}
	}
	id := h.startRanked(t)
	h.connectBoth(t, id)

	res, err := h.o.SubmitTurn(context.Background(), id, "usr", "u1", defend(3))
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Len(t, res.Actions, 2)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, engine.SideOpponent, res.Outcome.WinnerSide)
	assert.Equal(t, "knockout", res.Outcome.Reason)
	assert.Equal(t, int32(2), h.exec.calls.Load())

	assert.False(t, h.locked(t, "u1"))
	assert.False(t, h.locked(t, "o1"))
	assert.Equal(t, store.StatusCompleted, h.record(t, id).Status)
}

func TestRoundLimitEndsOnHealth(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Battle.MaxRounds = 1 })
	id := h.startRanked(t)
	h.connectBoth(t, id)
	ctx := context.Background()

	res, err := h.o.SubmitTurn(ctx, id, "usr", "u1", defend(1))
	require.NoError(t, err)
	assert.Equal(t, engine.TagExecuted, res.Actions[0].Tag)
	assert.Equal(t, 2, res.APRemaining)

	res, err = h.o.ExecuteTurn(ctx, id, "opp", "o1")
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
	assert.Equal(t, engine.PhaseChatBreak, res.Phase)

	require.NoError(t, h.o.EndChatBreak(ctx, id, "usr"))
	v, err := h.o.View(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseChatBreak, v.Phase, "waits for every human side")

	require.NoError(t, h.o.EndChatBreak(ctx, id, "opp"))
	v, err = h.o.View(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, v.Outcome)
	assert.Equal(t, engine.PhaseEnded, v.Phase)
	assert.Equal(t, engine.SideUser, v.Outcome.WinnerSide)
	assert.Equal(t, "round_limit_tiebreak", v.Outcome.Reason)
	require.NotNil(t, v.Outcome.Rewards)
	assert.Equal(t, store.Rewards{XP: 100, Currency: 60, Bond: 1}, *v.Outcome.Rewards)

	kinds := h.notes.kinds()
	assert.Contains(t, kinds, types.MsgRoundEnd)
	assert.Contains(t, kinds, types.MsgChatBreak)
	assert.Equal(t, types.MsgBattleEnded, kinds[len(kinds)-1])
}

func TestNextRoundStartsAfterChatBreak(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Battle.ChatBreak = 30 * time.Millisecond })
	id := h.startRanked(t)
	h.connectBoth(t, id)
	ctx := context.Background()

	_, err := h.o.SubmitTurn(ctx, id, "usr", "u1", defend(2))
	require.NoError(t, err)
	_, err = h.o.SubmitTurn(ctx, id, "opp", "o1", defend(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := h.o.View(ctx, id)
		return err == nil && v.Phase == engine.PhaseCombat && v.Round == 2
	}, time.Second, 5*time.Millisecond)

	v, err := h.o.View(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "u1", v.CurrentTurn)
	assert.Equal(t, 2, h.record(t, id).Round)

	// The cached grid always matches a replay of the log.
	auth, err := h.o.recon.Reconstruct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, auth.Characters, v.Grid.Characters)
	assert.Equal(t, auth.TurnIndex, v.Grid.TurnIndex)
	assert.ElementsMatch(t, []string{"u1", "o1"}, v.Grid.TurnOrder)

	ps, err := h.store.Participants(ctx, id)
	require.NoError(t, err)
	for _, p := range ps {
		assert.Equal(t, 3, p.ActionPoints, p.CharacterID)
	}
}

func TestReportEnd(t *testing.T) {
	h := newHarness(t, nil)
	id := h.startRanked(t)
	ctx := context.Background()

	_, err := h.o.ReportEnd(ctx, id, "usr")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	first, err := h.o.Forfeit(ctx, id, "opp")
	require.NoError(t, err)

	again, err := h.o.ReportEnd(ctx, id, "usr")
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestForfeitRunsEffectsAndPublishes(t *testing.T) {
	h := newHarness(t, nil)
	var applied []string
	var mu sync.Mutex
	h.o = h.build(t, []Effect{
		EffectFunc{Label: "explodes", Fn: func(context.Context, Outcome) error { panic("boom") }},
		EffectFunc{Label: "progression", Fn: func(_ context.Context, o Outcome) error {
			mu.Lock()
			defer mu.Unlock()
			applied = append(applied, o.WinnerActorID)
			return nil
		}},
	})
	events := make(chan coord.Event, 8)
	stop, err := h.bus.Subscribe(context.Background(), func(ev coord.Event) { events <- ev })
	require.NoError(t, err)
	defer stop()

	id := h.startRanked(t)
	out, err := h.o.Forfeit(context.Background(), id, "usr")
	require.NoError(t, err)
	assert.Equal(t, engine.SideOpponent, out.WinnerSide)
	assert.Equal(t, "opp", out.WinnerActorID)
	assert.Equal(t, "forfeit", out.Reason)

	again, err := h.o.Forfeit(context.Background(), id, "opp")
	require.NoError(t, err)
	assert.Equal(t, out, again, "the first end wins")

	mu.Lock()
	assert.Equal(t, []string{"opp"}, applied)
	mu.Unlock()

	var ended bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == coord.EventBattleEnded && ev.BattleID == id {
			ended = true
		}
	}
	assert.True(t, ended)
}

func TestConnectTimeoutAbandons(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Battle.ConnectTimeout = 30 * time.Millisecond })
	id := h.startRanked(t)

	require.Eventually(t, func() bool {
		return h.record(t, id).Status == store.StatusAbandoned
	}, time.Second, 5*time.Millisecond)

	rec := h.record(t, id)
	assert.Equal(t, "connection_timeout", rec.EndReason)
	assert.Empty(t, rec.WinnerActorID)
	assert.Nil(t, rec.Rewards)
	assert.False(t, h.locked(t, "u1"))
	assert.False(t, h.locked(t, "o1"))
}

func TestConnectTimeoutAbsentSideForfeits(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Battle.ConnectTimeout = 30 * time.Millisecond })
	id := h.startRanked(t)
	_, err := h.o.Connect(context.Background(), id, "usr")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.record(t, id).Status == store.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	rec := h.record(t, id)
	assert.Equal(t, "usr", rec.WinnerActorID)
	assert.Equal(t, "no_show", rec.EndReason)
}

func TestReconnectWithinGrace(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Battle.DisconnectGrace = 60 * time.Millisecond })
	id := h.startRanked(t)
	h.connectBoth(t, id)
	ctx := context.Background()

	require.NoError(t, h.o.Disconnect(ctx, id, "usr"))
	time.Sleep(10 * time.Millisecond)
	_, err := h.o.Connect(ctx, id, "usr")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, store.StatusActive, h.record(t, id).Status)

	require.NoError(t, h.o.Disconnect(ctx, id, "opp"))
	require.Eventually(t, func() bool {
		return h.record(t, id).Status == store.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	rec := h.record(t, id)
	assert.Equal(t, "usr", rec.WinnerActorID)
	assert.Equal(t, "disconnected", rec.EndReason)
}

func TestLocksReleasedWhenEndWriteFails(t *testing.T) {
	h := newHarness(t, nil)
	id := h.startRanked(t)
	h.store.failUpdate.Store(true)

	out, err := h.o.Forfeit(context.Background(), id, "opp")
	require.NoError(t, err)
	assert.Equal(t, "usr", out.WinnerActorID)
	assert.False(t, h.locked(t, "u1"))
	assert.False(t, h.locked(t, "o1"))
}

func TestFailedCreationReleasesLocksAndRequeues(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.o.FindMatch(ctx, MatchRequest{ActorID: "opp", Mode: engine.ModeRanked, Rating: 1000, Roster: []engine.Combatant{fighter("o1", 10)}})
	require.NoError(t, err)

	h.store.failCreate.Store(true)
	res, err := h.o.FindMatch(ctx, MatchRequest{ActorID: "usr", Mode: engine.ModeRanked, Rating: 1000, Roster: []engine.Combatant{fighter("u1", 20)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	assert.Equal(t, MatchFailed, res.Status)
	assert.Empty(t, res.BattleID)

	assert.False(t, h.locked(t, "u1"))
	assert.False(t, h.locked(t, "o1"))
	_, queued := h.mm.Lookup(ctx, "opp", engine.ModeRanked)
	assert.True(t, queued)
	assert.Equal(t, 0, h.o.Hosted())
}

func TestLockedCharacterCannotJoinSecondBattle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Lock(ctx, "elsewhere", []string{"u1"}))

	res, err := h.o.FindMatch(ctx, MatchRequest{ActorID: "usr", Mode: engine.ModeCoop, Rating: 1000, Roster: []engine.Combatant{fighter("u1", 20)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrCoordination)
	assert.Equal(t, MatchFailed, res.Status)
}

func TestCoopAIPlaysItsTurns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.o.FindMatch(ctx, MatchRequest{ActorID: "usr", Mode: engine.ModeCoop, Rating: 800, Roster: []engine.Combatant{fighter("u1", 20)}})
	require.NoError(t, err)
	require.Equal(t, MatchFound, res.Status)
	assert.True(t, strings.HasPrefix(res.OpponentActorID, "ai:"))
	assert.False(t, h.locked(t, "ai:sparring:brawler"), "ai characters are never locked")

	_, err = h.o.Connect(ctx, res.BattleID, "usr")
	require.NoError(t, err)
	_, err = h.o.Connect(ctx, res.BattleID, res.OpponentActorID)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "the ai side has no connection")

	v, err := h.o.View(ctx, res.BattleID)
	require.NoError(t, err)
	if v.CurrentTurn == "u1" {
		_, err = h.o.ExecuteTurn(ctx, res.BattleID, "usr", "u1")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		v, err := h.o.View(ctx, res.BattleID)
		return err == nil && v.Phase != engine.PhaseCombat
	}, time.Second, 5*time.Millisecond)

	entries, err := h.log.Entries(ctx, res.BattleID)
	require.NoError(t, err)
	var aiMoved bool
	for _, e := range entries {
		if e.ActorID == res.OpponentActorID {
			aiMoved = true
		}
	}
	assert.True(t, aiMoved)
}

func TestRecoverResumesAndAbandons(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.startRanked(t)
	_, err := h.o.SubmitTurn(ctx, id, "usr", "u1", defend(1))
	require.NoError(t, err)

	broken := store.BattleRecord{
		ID: "broken", ServerID: h.cfg.ServerID, Mode: engine.ModeRanked, Status: store.StatusActive,
		Phase: engine.PhaseCombat, Round: 1, MaxRounds: 3,
		UserActorID: "x", OpponentActorID: "y",
		UserRoster:     []engine.Combatant{fighter("x1", 10)},
		OpponentRoster: []engine.Combatant{fighter("y1", 10)},
	}
	require.NoError(t, h.store.Memory.CreateBattle(ctx, broken, nil))
	require.NoError(t, h.store.Lock(ctx, "broken", []string{"x1", "y1"}))
	_, err = h.log.Append(ctx, engine.LogEntry{BattleID: "broken", Kind: engine.EntryAction, CharacterID: "x1"})
	require.NoError(t, err)

	require.NoError(t, h.o.Shutdown(ctx))

	restarted := h.build(t, nil)
	require.NoError(t, restarted.Recover(ctx))
	assert.Equal(t, 1, restarted.Hosted())

	v, err := restarted.Connect(ctx, id, "opp")
	require.NoError(t, err)
	assert.Equal(t, "o1", v.CurrentTurn)

	rec := h.record(t, "broken")
	assert.Equal(t, store.StatusAbandoned, rec.Status)
	assert.Equal(t, "unrecoverable", rec.EndReason)
	assert.False(t, h.locked(t, "x1"))
}

func TestRecoverAdoptsBattlesOfLapsedServer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.o.Recover(ctx))
	id := h.startRanked(t)

	h.cfg.ServerID = "srv-next"
	next := h.build(t, nil)
	require.NoError(t, next.Recover(ctx))
	assert.Equal(t, 0, next.Hosted(), "owner still holds its lease")
	assert.Equal(t, "srv-test", h.record(t, id).ServerID)

	require.NoError(t, h.o.Shutdown(ctx))
	require.NoError(t, next.Recover(ctx))
	assert.Equal(t, 1, next.Hosted())
	assert.Equal(t, "srv-next", h.record(t, id).ServerID)
	assert.True(t, h.locked(t, "u1"))

	v, err := next.Connect(ctx, id, "usr")
	require.NoError(t, err)
	assert.Equal(t, "u1", v.CurrentTurn)

	res, err := next.FindMatch(ctx, MatchRequest{ActorID: "usr", Mode: engine.ModeRanked, Rating: 1050, Roster: []engine.Combatant{fighter("u1", 20)}})
	require.NoError(t, err)
	assert.Equal(t, MatchFound, res.Status)
	assert.Equal(t, id, res.BattleID)
}

func TestFindMatchAdoptsOrphanedBattle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	// The first server never took a lease, as after a crash once it expired.
	id := h.startRanked(t)
	require.NoError(t, h.o.Shutdown(ctx))

	h.cfg.ServerID = "fresh-uuid"
	next := h.build(t, nil)
	res, err := next.FindMatch(ctx, MatchRequest{ActorID: "usr", Mode: engine.ModeRanked, Rating: 1050, Roster: []engine.Combatant{fighter("u1", 20)}})
	require.NoError(t, err)
	assert.Equal(t, MatchFound, res.Status)
	assert.Equal(t, id, res.BattleID)
	assert.Equal(t, 1, next.Hosted())

	_, err = next.Connect(ctx, id, "usr")
	require.NoError(t, err)
	_, err = next.Forfeit(ctx, id, "usr")
	require.NoError(t, err)
	assert.False(t, h.locked(t, "u1"))
	assert.False(t, h.locked(t, "o1"))
}

func TestRecoverEntersChatBreakAfterLostPhaseWrite(t *testing.T) {
	h := newHarness(t, nil)
	id := h.startRanked(t)
	h.connectBoth(t, id)
	ctx := context.Background()

	_, err := h.o.SubmitTurn(ctx, id, "usr", "u1", defend(1))
	require.NoError(t, err)
	h.store.failUpdate.Store(true)
	_, err = h.o.SubmitTurn(ctx, id, "opp", "o1", defend(1))
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseCombat, h.record(t, id).Phase, "phase write was lost")

	require.NoError(t, h.o.Shutdown(ctx))
	h.store.failUpdate.Store(false)

	restarted := h.build(t, nil)
	require.NoError(t, restarted.Recover(ctx))
	v, err := restarted.View(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseChatBreak, v.Phase)
	assert.Equal(t, 1, v.Round)
	assert.Equal(t, engine.PhaseChatBreak, h.record(t, id).Phase)

	_, err = restarted.SubmitTurn(ctx, id, "usr", "u1", defend(1))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, restarted.EndChatBreak(ctx, id, "usr"))
	require.NoError(t, restarted.EndChatBreak(ctx, id, "opp"))
	v, err = restarted.View(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseCombat, v.Phase)
	assert.Equal(t, 2, v.Round)
}

func TestViewFallsBackToStore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.startRanked(t)
	_, err := h.o.Forfeit(ctx, id, "usr")
	require.NoError(t, err)
	require.NoError(t, h.o.Shutdown(ctx))

	other := h.build(t, nil)
	v, err := other.View(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, v.Outcome)
	assert.Equal(t, "opp", v.Outcome.WinnerActorID)

	_, err = other.View(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPeerEventsReachLocalClients(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.o.Run(ctx) }()

	_, err := h.o.FindMatch(ctx, MatchRequest{ActorID: "opp", Mode: engine.ModeRanked, Rating: 1000, Roster: []engine.Combatant{fighter("o1", 10)}})
	require.NoError(t, err)

	// The subscription goes live asynchronously, so keep announcing until
	// the peer battle reaches the local notifier.
	ev := coord.Event{Type: coord.EventBattleCreated, BattleID: "b-peer", ServerID: "peer", Mode: engine.ModeRanked, ActorIDs: []string{"opp", "far"}}
	require.Eventually(t, func() bool {
		require.NoError(t, h.bus.Publish(ctx, ev))
		return len(h.notes.sentTo("far")) > 0
	}, time.Second, 5*time.Millisecond)

	msgs := h.notes.sentTo("far")
	assert.Equal(t, types.MsgMatchFound, msgs[0].Type)
	assert.Equal(t, "b-peer", msgs[0].BattleID)

	// Events from this server are ignored.
	require.NoError(t, h.bus.Publish(ctx, coord.Event{Type: coord.EventBattleCreated, BattleID: "b-own", ServerID: h.cfg.ServerID, ActorIDs: []string{"self"}}))
	assert.Empty(t, h.notes.sentTo("self"))
}

func TestRewards(t *testing.T) {
	low := []engine.Combatant{{Level: 2}, {Level: 4}}
	high := []engine.Combatant{{Level: 8}}

	tests := []struct {
		name     string
		winner   []engine.Combatant
		loser    []engine.Combatant
		distance bool
		want     store.Rewards
	}{
		{"even fight", high, high, false, store.Rewards{XP: 100, Currency: 50, Bond: 1}},
		{"underdog", low, high, false, store.Rewards{XP: 150, Currency: 50, Bond: 1}},
		{"went the distance", high, low, true, store.Rewards{XP: 100, Currency: 60, Bond: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rewards(tt.winner, tt.loser, tt.distance))
		})
	}
}
