// Package store defines the session store and character lock boundaries.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
)

var ErrNotFound = errors.New("battle not found")
var ErrCharacterLocked = errors.New("character is locked in another battle")
var ErrExists = errors.New("battle already exists")

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

type Rewards struct {
	XP       int `json:"xp"`
	Currency int `json:"currency"`
	Bond     int `json:"bond"`
}

// BattleRecord is the persisted, cross-process view of a battle.
type BattleRecord struct {
	ID              string             `json:"id"`
	ServerID        string             `json:"server_id"`
	Mode            engine.Mode        `json:"mode"`
	Status          Status             `json:"status"`
	Phase           engine.Phase       `json:"phase"`
	Round           int                `json:"round"`
	MaxRounds       int                `json:"max_rounds"`
	UserActorID     string             `json:"user_actor_id"`
	OpponentActorID string             `json:"opponent_actor_id"`
	OpponentIsAI    bool               `json:"opponent_is_ai"`
	AIRosterID      string             `json:"ai_roster_id,omitempty"`
	UserRating      int                `json:"user_rating"`
	OpponentRating  int                `json:"opponent_rating"`
	UserRoster      []engine.Combatant `json:"user_roster"`
	OpponentRoster  []engine.Combatant `json:"opponent_roster"`
	Cols            int                `json:"cols"`
	Rows            int                `json:"rows"`
	WinnerActorID   string             `json:"winner_actor_id,omitempty"`
	WinnerSide      engine.Side        `json:"winner_side,omitempty"`
	EndReason       string             `json:"end_reason,omitempty"`
	Rewards         *Rewards           `json:"rewards,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	EndedAt         *time.Time         `json:"ended_at,omitempty"`
}

// Setup is the starting line-up the action log replays over.
func (r BattleRecord) Setup() engine.Setup {
	return engine.Setup{
		BattleID:       r.ID,
		Cols:           r.Cols,
		Rows:           r.Rows,
		UserActor:      r.UserActorID,
		OpponentActor:  r.OpponentActorID,
		UserRoster:     r.UserRoster,
		OpponentRoster: r.OpponentRoster,
	}
}

// Participant is one battle_participants row.
type Participant struct {
	BattleID     string      `json:"battle_id"`
	CharacterID  string      `json:"character_id"`
	ActorID      string      `json:"actor_id"`
	Side         engine.Side `json:"side"`
	Health       int         `json:"health"`
	ActionPoints int         `json:"action_points"`
	Position     engine.Hex  `json:"position"`
	Active       bool        `json:"active"`
}

// Update is a partial battle update; nil fields are left untouched.
type Update struct {
	Status        *Status
	Phase         *engine.Phase
	Round         *int
	WinnerActorID *string
	WinnerSide    *engine.Side
	EndReason     *string
	Rewards       *Rewards
	EndedAt       *time.Time
}

func Ptr[T any](v T) *T { return &v }

// Reader resolves battle records by id.
type Reader interface {
	GetBattle(ctx context.Context, id string) (BattleRecord, error)
}

type Store interface {
	Reader
	// CreateBattle writes the record and its participants atomically.
	CreateBattle(ctx context.Context, rec BattleRecord, participants []Participant) error
	UpdateBattle(ctx context.Context, id string, u Update) error
	ActiveByActor(ctx context.Context, actorID string) ([]BattleRecord, error)
	ActiveByServer(ctx context.Context, serverID string) ([]BattleRecord, error)
	Active(ctx context.Context) ([]BattleRecord, error)
	// Reassign moves an active battle from one server to another. It reports
	// false when the battle is no longer active on from.
	Reassign(ctx context.Context, id, from, to string) (bool, error)
	SaveParticipants(ctx context.Context, battleID string, ps []Participant) error
	Participants(ctx context.Context, battleID string) ([]Participant, error)
}

// Locker pins characters to one battle at a time. Unlock is idempotent.
type Locker interface {
	Lock(ctx context.Context, battleID string, characterIDs []string) error
	Unlock(ctx context.Context, battleID string) error
	Holder(ctx context.Context, characterID string) (battleID string, locked bool, err error)
}

// ParticipantsFrom projects authoritative state onto participant rows.
func ParticipantsFrom(c *engine.Context) []Participant {
	out := make([]Participant, 0, len(c.Characters))
	for _, ch := range c.Characters {
		out = append(out, Participant{
			BattleID:     c.BattleID,
			CharacterID:  ch.ID,
			ActorID:      ch.ActorID,
			Side:         ch.Side,
			Health:       ch.Health,
			ActionPoints: ch.ActionPoints,
			Position:     ch.Position,
			Active:       !ch.Dead,
		})
	}
	return out
}
