package engine

import (
	"errors"
	"time"
)

var ErrUnknownCharacter = errors.New("unknown character")
var ErrCharacterDead = errors.New("character is dead")
var ErrUnsupportedAction = errors.New("unsupported action")
var ErrOutOfRange = errors.New("target out of range")
var ErrNoPath = errors.New("no path to hex")
var ErrMissingResult = errors.New("log entry has no result")

type Side string

const (
	SideUser     Side = "user"
	SideOpponent Side = "opponent"
)

// Other returns the opposing side.
func (s Side) Other() Side {
	if s == SideUser {
		return SideOpponent
	}
	return SideUser
}

type Mode string

const (
	ModeRanked Mode = "ranked"
	ModeCoop   Mode = "coop"
)

func (m Mode) Valid() bool { return m == ModeRanked || m == ModeCoop }

type Phase string

const (
	PhaseMatchmaking Phase = "matchmaking"
	PhaseCombat      Phase = "round_combat"
	PhaseChatBreak   Phase = "chat_break"
	PhaseEnded       Phase = "battle_end"
)

// Combatant is the stat snapshot a character brings into a battle.
type Combatant struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Archetype       string   `json:"archetype,omitempty"`
	Level           int      `json:"level"`
	MaxHealth       int      `json:"max_health"`
	Health          int      `json:"health"`
	Attack          int      `json:"attack"`
	Defense         int      `json:"defense"`
	Speed           int      `json:"speed"`
	Magic           int      `json:"magic"`
	MaxActionPoints int      `json:"max_action_points"`
	Adherence       int      `json:"adherence"`
	Powers          []string `json:"powers,omitempty"`
	Spells          []string `json:"spells,omitempty"`
}

// Initiative orders characters within a round.
func (c Combatant) Initiative() int { return c.Speed }

// Normalized fills zero-valued health and AP from their maxima.
func (c Combatant) Normalized() Combatant {
	if c.MaxActionPoints <= 0 {
		c.MaxActionPoints = DefaultMaxActionPoints
	}
	if c.MaxHealth <= 0 {
		c.MaxHealth = 100
	}
	if c.Health <= 0 || c.Health > c.MaxHealth {
		c.Health = c.MaxHealth
	}
	return c
}

const DefaultMaxActionPoints = 3

// Tag is the dramatic classification of an executed action.
type Tag string

const (
	TagRebellion      Tag = "rebellion_occurred"
	TagKilled         Tag = "character_killed"
	TagCritical       Tag = "critical_hit"
	TagPowerUnleashed Tag = "power_unleashed"
	TagExecuted       Tag = "action_executed"
)

type EntryKind string

const (
	EntryAction     EntryKind = "action"
	EntryTurnEnd    EntryKind = "turn_end"
	EntryRoundEnd   EntryKind = "round_end"
	EntryRoundStart EntryKind = "round_start"
)

// LogEntry is one immutable record of the battle's append-only log.
type LogEntry struct {
	BattleID    string    `json:"battle_id"`
	Seq         int       `json:"seq"`
	Round       int       `json:"round"`
	Kind        EntryKind `json:"kind"`
	ActorID     string    `json:"actor_id,omitempty"`
	CharacterID string    `json:"character_id,omitempty"`
	Order       *Order    `json:"order,omitempty"`
	Result      *Result   `json:"result,omitempty"`
	Tag         Tag       `json:"tag,omitempty"`
	Rebellion   bool      `json:"rebellion,omitempty"`
	Declaration string    `json:"declaration,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
