// Package battle runs battles. The Orchestrator pairs actors into sessions;
// each session serializes its own commands on one goroutine and drives the
// phase machine from the action log.
package battle

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

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

var tracer trace.Tracer = otel.Tracer("github.com/DoyleJ11/hex-arena-backend/internal/battle")

var ErrSessionClosed = errors.New("battle session closed")

// Notifier delivers server messages to connected clients.
type Notifier interface {
	Broadcast(battleID string, msg types.ServerMessage)
	Unicast(actorID string, msg types.ServerMessage)
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(string, types.ServerMessage) {}
func (nopNotifier) Unicast(string, types.ServerMessage)   {}

// Matchmaker is the queue surface the orchestrator needs.
type Matchmaker interface {
	Enqueue(ctx context.Context, e coord.QueueEntry) error
	Dequeue(ctx context.Context, actorID string, mode engine.Mode) error
	FindOpponent(ctx context.Context, e coord.QueueEntry) (*coord.QueueEntry, error)
	Lookup(ctx context.Context, actorID string, mode engine.Mode) (coord.QueueEntry, bool)
	QueuePosition(ctx context.Context, actorID string, mode engine.Mode) (pos, size int, err error)
	EstimatedWait(pos int) time.Duration
	EvictLocal(actorIDs ...string) int
}

// Deps are the orchestrator's collaborators. Store, Log, Locks and
// Matchmaker are required; the rest have in-process defaults. Without
// Leases the orchestrator never adopts another server's battles.
type Deps struct {
	Store      store.Store
	Log        actionlog.Log
	Locks      store.Locker
	Matchmaker Matchmaker
	Executor   executor.Executor
	Catalog    catalog.Catalog
	Notifier   Notifier
	Bus        coord.Bus
	Leases     coord.Mutex
	AIRosters  matchmaking.AIRosters
	Effects    []Effect
	Roller     engine.Roller
	Config     config.Config
	Logger     *zap.Logger
}

// Orchestrator owns every battle session hosted by this process.
type Orchestrator struct {
	store    store.Store
	log      actionlog.Log
	locks    store.Locker
	recon    *actionlog.Reconstructor
	exec     executor.Executor
	cat      catalog.Catalog
	notify   Notifier
	bus      coord.Bus
	lease    *lease
	mm       Matchmaker
	ai       matchmaking.AIRosters
	effects  []Effect
	rng      engine.Roller
	cfg      config.Battle
	mmCfg    config.Matchmaking
	serverID string
	logger   *zap.Logger
	now      func() time.Time

	sessions *registry
}

func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Catalog == nil {
		d.Catalog = catalog.Default()
	}
	if d.Roller == nil {
		d.Roller = globalRoller{}
	}
	if d.Executor == nil {
		d.Executor = executor.NewAdherence(d.Catalog, d.Roller, d.Logger)
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Bus == nil {
		d.Bus = coord.NewMemoryBus()
	}
	if d.AIRosters == nil {
		d.AIRosters = matchmaking.NewStaticAIRosters()
	}
	return &Orchestrator{
		store:    d.Store,
		log:      d.Log,
		locks:    d.Locks,
		recon:    actionlog.NewReconstructor(d.Store, d.Log),
		exec:     d.Executor,
		cat:      d.Catalog,
		notify:   d.Notifier,
		bus:      d.Bus,
		lease:    newLease(d.Leases, d.Config.ServerID, d.Config.Battle.LeaseTTL),
		mm:       d.Matchmaker,
		ai:       d.AIRosters,
		effects:  d.Effects,
		rng:      d.Roller,
		cfg:      d.Config.Battle,
		mmCfg:    d.Config.Matchmaking,
		serverID: d.Config.ServerID,
		logger:   d.Logger.Named("battle").With(zap.String("server_id", d.Config.ServerID)),
		now:      time.Now,
		sessions: newRegistry(context.Background()),
	}
}

// globalRoller draws from the goroutine-safe top-level math/rand/v2 source.
type globalRoller struct{}

func (globalRoller) IntN(n int) int   { return rand.IntN(n) }
func (globalRoller) Float64() float64 { return rand.Float64() }

func (o *Orchestrator) session(battleID string) (*session, error) {
	s := o.sessions.get(battleID)
	if s == nil {
		return nil, apperr.NotFound("battle " + battleID + " is not hosted here")
	}
	return s, nil
}

// Connect marks the actor's side connected, cancelling any pending forfeit
// for that side, and returns the current view.
func (o *Orchestrator) Connect(ctx context.Context, battleID, actorID string) (View, error) {
	s, err := o.session(battleID)
	if err != nil {
		return View{}, err
	}
	return request(ctx, s, func(r chan reply[View]) msg { return connectMsg{actorID: actorID, reply: r} })
}

// Disconnect starts the side's reconnection grace period.
func (o *Orchestrator) Disconnect(ctx context.Context, battleID, actorID string) error {
	s, err := o.session(battleID)
	if err != nil {
		return err
	}
	_, err = request(ctx, s, func(r chan reply[struct{}]) msg { return disconnectMsg{actorID: actorID, reply: r} })
	return err
}

// SubmitAction adds one planned action to the character's pending queue.
// The whole queue must fit the character's action points.
func (o *Orchestrator) SubmitAction(ctx context.Context, battleID, actorID, characterID string, a engine.PlannedAction) (QueueStatus, error) {
	s, err := o.session(battleID)
	if err != nil {
		return QueueStatus{}, err
	}
	return request(ctx, s, func(r chan reply[QueueStatus]) msg {
		return submitActionMsg{actorID: actorID, characterID: characterID, action: a, reply: r}
	})
}

// SubmitTurn validates a full queue and executes it as the character's turn.
func (o *Orchestrator) SubmitTurn(ctx context.Context, battleID, actorID, characterID string, actions []engine.PlannedAction) (TurnResult, error) {
	s, err := o.session(battleID)
	if err != nil {
		return TurnResult{}, err
	}
	return request(ctx, s, func(r chan reply[TurnResult]) msg {
		return submitTurnMsg{actorID: actorID, characterID: characterID, actions: actions, reply: r}
	})
}

// ExecuteTurn runs the character's pending queue and ends its turn.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, battleID, actorID, characterID string) (TurnResult, error) {
	s, err := o.session(battleID)
	if err != nil {
		return TurnResult{}, err
	}
	return request(ctx, s, func(r chan reply[TurnResult]) msg {
		return executeTurnMsg{actorID: actorID, characterID: characterID, reply: r}
	})
}

// ReportEnd asks the server to end the battle. It only succeeds when the
// authoritative state already satisfies an end condition.
func (o *Orchestrator) ReportEnd(ctx context.Context, battleID, actorID string) (Outcome, error) {
	s, err := o.session(battleID)
	if err != nil {
		return Outcome{}, err
	}
	return request(ctx, s, func(r chan reply[Outcome]) msg { return reportEndMsg{actorID: actorID, reply: r} })
}

// Forfeit ends the battle with the actor's side losing.
func (o *Orchestrator) Forfeit(ctx context.Context, battleID, actorID string) (Outcome, error) {
	s, err := o.session(battleID)
	if err != nil {
		return Outcome{}, err
	}
	return request(ctx, s, func(r chan reply[Outcome]) msg { return forfeitMsg{actorID: actorID, reply: r} })
}

// EndChatBreak records that the actor is ready for the next round. The break
// ends once every human side is ready or its timer expires.
func (o *Orchestrator) EndChatBreak(ctx context.Context, battleID, actorID string) error {
	s, err := o.session(battleID)
	if err != nil {
		return err
	}
	_, err = request(ctx, s, func(r chan reply[struct{}]) msg { return endChatMsg{actorID: actorID, reply: r} })
	return err
}

// View returns the battle as this process sees it. Battles hosted elsewhere
// or already evicted are rebuilt from the store and the log.
func (o *Orchestrator) View(ctx context.Context, battleID string) (View, error) {
	if s := o.sessions.get(battleID); s != nil {
		v, err := request(ctx, s, func(r chan reply[View]) msg { return viewMsg{reply: r} })
		if !errors.Is(err, ErrSessionClosed) {
			return v, err
		}
	}
	rec, err := o.store.GetBattle(ctx, battleID)
	if errors.Is(err, store.ErrNotFound) {
		return View{}, apperr.NotFound("battle " + battleID)
	}
	if err != nil {
		return View{}, apperr.Persistence("load battle", err)
	}
	auth, err := o.recon.Reconstruct(ctx, battleID)
	if err != nil {
		return View{}, err
	}
	return recordView(rec, auth), nil
}

// Hosted reports how many sessions this process holds in memory.
func (o *Orchestrator) Hosted() int { return len(o.sessions.list()) }

// Shutdown stops every session without ending its battle; Recover picks
// them up on the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, s := range o.sessions.list() {
		s.stop()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.sessions.shutdown()
	if o.lease != nil {
		return o.lease.release(context.WithoutCancel(ctx))
	}
	return nil
}
