package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/apperr"
	"github.com/DoyleJ11/hex-arena-backend/internal/battle"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/pkg/types"
)

const writeTimeout = 3 * time.Second

var errUnknownCommand = errors.New("unknown command")

// Battles is the battle surface driven by websocket commands.
type Battles interface {
	Connect(ctx context.Context, battleID, actorID string) (battle.View, error)
	Disconnect(ctx context.Context, battleID, actorID string) error
	SubmitAction(ctx context.Context, battleID, actorID, characterID string, a engine.PlannedAction) (battle.QueueStatus, error)
	SubmitTurn(ctx context.Context, battleID, actorID, characterID string, actions []engine.PlannedAction) (battle.TurnResult, error)
	ExecuteTurn(ctx context.Context, battleID, actorID, characterID string) (battle.TurnResult, error)
	ReportEnd(ctx context.Context, battleID, actorID string) (battle.Outcome, error)
	Forfeit(ctx context.Context, battleID, actorID string) (battle.Outcome, error)
	EndChatBreak(ctx context.Context, battleID, actorID string) error
}

// conn is one websocket client. battleID is only touched by the reader loop.
type conn struct {
	id       string
	actorID  string
	battleID string
	ws       *websocket.Conn
	out      chan types.ServerMessage
	broker   *Broker
	battles  Battles
	log      *zap.Logger
}

// Handler upgrades /ws?actor=<id>[&battle=<id>]. Without a battle the
// connection only receives matchmaking notices until a connect command.
func Handler(b *Broker, battles Battles, log *zap.Logger) http.HandlerFunc {
	log = log.Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		actorID := r.URL.Query().Get("actor")
		if actorID == "" {
			http.Error(w, "missing actor", http.StatusBadRequest)
			return
		}
		battleID := r.URL.Query().Get("battle")

		var view *battle.View
		if battleID != "" {
			v, err := battles.Connect(r.Context(), battleID, actorID)
			if err != nil {
				http.Error(w, err.Error(), apperr.HTTPStatus(err))
				return
			}
			view = &v
		}

		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Debug("websocket accept", zap.Error(err))
			if battleID != "" {
				_ = battles.Disconnect(context.WithoutCancel(r.Context()), battleID, actorID)
			}
			return
		}
		defer wsConn.Close(websocket.StatusNormalClosure, "bye")

		c := &conn{
			id:       uuid.NewString(),
			actorID:  actorID,
			battleID: battleID,
			ws:       wsConn,
			out:      make(chan types.ServerMessage, 32),
			broker:   b,
			battles:  battles,
			log:      log.With(zap.String("actor_id", actorID)),
		}
		b.send(Join{ClientID: c.id, ActorID: actorID, BattleID: battleID, Outbox: c.out})
		defer func() { b.send(Leave{ClientID: c.id}) }()
		defer c.leaveBattle(r.Context())

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go c.writeLoop(writeCtx)

		if view != nil {
			c.reply(r.Context(), types.ServerMessage{Type: types.MsgBattleState, BattleID: battleID, Payload: view})
		}
		c.readLoop(r.Context())
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-c.out:
			if !ok {
				// Dropped by the broker for falling behind.
				_ = c.ws.Close(websocket.StatusTryAgainLater, "too slow")
				return
			}
			c.reply(ctx, m)
		}
	}
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				c.log.Debug("websocket read", zap.Error(err))
			}
			return
		}

		var cm types.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			c.replyErr(ctx, cm.BattleID, apperr.Validation("bad json", err))
			continue
		}
		if cm.Type == types.CmdDisconnect {
			return
		}
		if err := c.dispatch(ctx, cm); err != nil {
			c.replyErr(ctx, c.target(cm), err)
		}
	}
}

// target is the battle a command addresses: the one the connection is in,
// or the one named by the command.
func (c *conn) target(cm types.ClientMessage) string {
	if cm.BattleID != "" {
		return cm.BattleID
	}
	return c.battleID
}

func (c *conn) dispatch(ctx context.Context, cm types.ClientMessage) error {
	id := c.target(cm)
	if id == "" {
		return apperr.Validation("no battle selected", nil)
	}

	switch cm.Type {
	case types.CmdConnect:
		v, err := c.battles.Connect(ctx, id, c.actorID)
		if err != nil {
			return err
		}
		if id != c.battleID {
			c.leaveBattle(ctx)
			c.battleID = id
			c.broker.send(Join{ClientID: c.id, ActorID: c.actorID, BattleID: id, Outbox: c.out})
		}
		c.reply(ctx, types.ServerMessage{Type: types.MsgBattleState, BattleID: id, Payload: v})

	case types.CmdSubmitAction:
		if cm.Action == nil {
			return apperr.Validation("submit_action needs an action", nil)
		}
		st, err := c.battles.SubmitAction(ctx, id, c.actorID, cm.CharacterID, *cm.Action)
		if err != nil {
			return err
		}
		c.reply(ctx, types.ServerMessage{Type: types.MsgActionQueued, BattleID: id, Payload: st})

	case types.CmdSubmitTurn:
		_, err := c.battles.SubmitTurn(ctx, id, c.actorID, cm.CharacterID, cm.Actions)
		return err

	case types.CmdExecuteTurn:
		_, err := c.battles.ExecuteTurn(ctx, id, c.actorID, cm.CharacterID)
		return err

	case types.CmdReportEnd:
		_, err := c.battles.ReportEnd(ctx, id, c.actorID)
		return err

	case types.CmdForfeit:
		_, err := c.battles.Forfeit(ctx, id, c.actorID)
		return err

	case types.CmdEndChat:
		return c.battles.EndChatBreak(ctx, id, c.actorID)

	default:
		return apperr.Validation(cm.Type, errUnknownCommand)
	}
	return nil
}

// leaveBattle starts the reconnect grace for the battle this connection is in.
func (c *conn) leaveBattle(ctx context.Context) {
	if c.battleID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := c.battles.Disconnect(ctx, c.battleID, c.actorID); err != nil && !errors.Is(err, battle.ErrSessionClosed) {
		c.log.Debug("disconnect", zap.String("battle_id", c.battleID), zap.Error(err))
	}
}

func (c *conn) reply(ctx context.Context, m types.ServerMessage) {
	payload, err := json.Marshal(m)
	if err != nil {
		c.log.Error("encode server message", zap.String("type", m.Type), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = c.ws.Write(ctx, websocket.MessageText, payload)
}

func (c *conn) replyErr(ctx context.Context, battleID string, err error) {
	c.reply(ctx, types.ServerMessage{Type: types.MsgError, BattleID: battleID, Error: types.NewErrorBody(err)})
}
