// Package types holds the JSON messages exchanged with websocket clients.
package types

import (
	"errors"
	"strconv"

	"github.com/DoyleJ11/hex-arena-backend/internal/apperr"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
)

// Client -> Server command types.
const (
	CmdConnect      = "connect"
	CmdSubmitAction = "submit_action"
	CmdSubmitTurn   = "submit_turn"
	CmdExecuteTurn  = "execute_turn"
	CmdReportEnd    = "report_end"
	CmdForfeit      = "forfeit"
	CmdEndChat      = "end_chat"
	CmdDisconnect   = "disconnect"
)

// Server -> Client message types.
const (
	MsgMatchFound      = "match_found"
	MsgBattleState     = "battle_state"
	MsgQueueUpdated    = "queue_updated"
	MsgActionQueued    = "action_queued"
	MsgActionExecuted  = "action_executed"
	MsgTurnComplete    = "turn_complete"
	MsgRoundEnd        = "round_end"
	MsgChatBreak       = "chat_break"
	MsgRoundStart      = "round_start"
	MsgBattleEnded     = "battle_ended"
	MsgParticipantIn   = "participant_connected"
	MsgParticipantGone = "participant_disconnected"
	MsgError           = "error"
)

type ClientMessage struct {
	Type        string                 `json:"type"`
	BattleID    string                 `json:"battle_id,omitempty"`
	CharacterID string                 `json:"character_id,omitempty"`
	Action      *engine.PlannedAction  `json:"action,omitempty"`
	Actions     []engine.PlannedAction `json:"actions,omitempty"`
}

type ServerMessage struct {
	Type     string     `json:"type"`
	BattleID string     `json:"battle_id,omitempty"`
	Payload  any        `json:"payload,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
}

// ErrorBody explains a rejected command. AP fields are set when the
// rejection was an action point shortfall.
type ErrorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	APAvailable *int   `json:"ap_available,omitempty"`
	APRequired  *int   `json:"ap_required,omitempty"`
}

// NewErrorBody describes err for a client. Errors outside the domain
// taxonomy are reported as internal.
func NewErrorBody(err error) *ErrorBody {
	body := &ErrorBody{Code: "internal", Message: err.Error()}
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return body
	}
	body.Code = string(ae.Kind)
	if v, err := strconv.Atoi(ae.Metadata["ap_available"]); err == nil {
		body.APAvailable = &v
	}
	if v, err := strconv.Atoi(ae.Metadata["ap_required"]); err == nil {
		body.APRequired = &v
	}
	return body
}

// MatchFound tells an actor which battle it was paired into.
type MatchFound struct {
	BattleID        string      `json:"battle_id"`
	Mode            engine.Mode `json:"mode"`
	Side            engine.Side `json:"side"`
	OpponentActorID string      `json:"opponent_actor_id"`
}

// Connection announces a participant joining or leaving.
type Connection struct {
	ActorID string      `json:"actor_id"`
	Side    engine.Side `json:"side"`
}

// PhaseChange accompanies round_end, chat_break and round_start.
type PhaseChange struct {
	Phase      engine.Phase `json:"phase"`
	Round      int          `json:"round"`
	DurationMS int64        `json:"duration_ms,omitempty"`
	NextTurn   string       `json:"next_turn,omitempty"`
}
