package sqlstore

import (
	"time"

	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
)

type battleRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	ServerID        string `gorm:"size:64;index"`
	Mode            string `gorm:"size:16"`
	Status          string `gorm:"size:16;index"`
	Phase           string `gorm:"size:32"`
	Round           int
	MaxRounds       int
	UserActorID     string `gorm:"size:64;index"`
	OpponentActorID string `gorm:"size:64;index"`
	OpponentIsAI    bool
	AIRosterID      string `gorm:"size:64"`
	UserRating      int
	OpponentRating  int
	UserRoster      []engine.Combatant `gorm:"serializer:json"`
	OpponentRoster  []engine.Combatant `gorm:"serializer:json"`
	Cols            int
	Rows            int
	WinnerActorID   string         `gorm:"size:64"`
	WinnerSide      string         `gorm:"size:16"`
	EndReason       string         `gorm:"size:32"`
	Rewards         *store.Rewards `gorm:"serializer:json"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	EndedAt         *time.Time
}

func (battleRow) TableName() string { return "battles" }

type participantRow struct {
	BattleID     string `gorm:"primaryKey;size:64"`
	CharacterID  string `gorm:"primaryKey;size:64"`
	ActorID      string `gorm:"size:64"`
	Side         string `gorm:"size:16"`
	Health       int
	ActionPoints int
	Q            int
	R            int
	Active       bool
}

func (participantRow) TableName() string { return "battle_participants" }

type actionRow struct {
	ID          uint   `gorm:"primaryKey"`
	BattleID    string `gorm:"size:64;uniqueIndex:idx_battle_actions_seq"`
	Seq         int    `gorm:"uniqueIndex:idx_battle_actions_seq"`
	Round       int
	Kind        string         `gorm:"size:16"`
	ActorID     string         `gorm:"size:64"`
	CharacterID string         `gorm:"size:64"`
	Order       *engine.Order  `gorm:"serializer:json"`
	Result      *engine.Result `gorm:"serializer:json"`
	Tag         string         `gorm:"size:32"`
	Rebellion   bool
	Declaration string
	CreatedAt   time.Time
}

func (actionRow) TableName() string { return "battle_actions" }

type lockRow struct {
	CharacterID string `gorm:"primaryKey;size:64"`
	BattleID    string `gorm:"size:64;index"`
	LockedAt    time.Time
}

func (lockRow) TableName() string { return "character_locks" }

func toBattleRow(r store.BattleRecord) battleRow {
	return battleRow{
		ID:              r.ID,
		ServerID:        r.ServerID,
		Mode:            string(r.Mode),
		Status:          string(r.Status),
		Phase:           string(r.Phase),
		Round:           r.Round,
		MaxRounds:       r.MaxRounds,
		UserActorID:     r.UserActorID,
		OpponentActorID: r.OpponentActorID,
		OpponentIsAI:    r.OpponentIsAI,
		AIRosterID:      r.AIRosterID,
		UserRating:      r.UserRating,
		OpponentRating:  r.OpponentRating,
		UserRoster:      r.UserRoster,
		OpponentRoster:  r.OpponentRoster,
		Cols:            r.Cols,
		Rows:            r.Rows,
		WinnerActorID:   r.WinnerActorID,
		WinnerSide:      string(r.WinnerSide),
		EndReason:       r.EndReason,
		Rewards:         r.Rewards,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		EndedAt:         r.EndedAt,
	}
}

func (b battleRow) record() store.BattleRecord {
	return store.BattleRecord{
		ID:              b.ID,
		ServerID:        b.ServerID,
		Mode:            engine.Mode(b.Mode),
		Status:          store.Status(b.Status),
		Phase:           engine.Phase(b.Phase),
		Round:           b.Round,
		MaxRounds:       b.MaxRounds,
		UserActorID:     b.UserActorID,
		OpponentActorID: b.OpponentActorID,
		OpponentIsAI:    b.OpponentIsAI,
		AIRosterID:      b.AIRosterID,
		UserRating:      b.UserRating,
		OpponentRating:  b.OpponentRating,
		UserRoster:      b.UserRoster,
		OpponentRoster:  b.OpponentRoster,
		Cols:            b.Cols,
		Rows:            b.Rows,
		WinnerActorID:   b.WinnerActorID,
		WinnerSide:      engine.Side(b.WinnerSide),
		EndReason:       b.EndReason,
		Rewards:         b.Rewards,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
		EndedAt:         b.EndedAt,
	}
}

func toParticipantRow(p store.Participant) participantRow {
	return participantRow{
		BattleID:     p.BattleID,
		CharacterID:  p.CharacterID,
		ActorID:      p.ActorID,
		Side:         string(p.Side),
		Health:       p.Health,
		ActionPoints: p.ActionPoints,
		Q:            p.Position.Q,
		R:            p.Position.R,
		Active:       p.Active,
	}
}

func (p participantRow) participant() store.Participant {
	return store.Participant{
		BattleID:     p.BattleID,
		CharacterID:  p.CharacterID,
		ActorID:      p.ActorID,
		Side:         engine.Side(p.Side),
		Health:       p.Health,
		ActionPoints: p.ActionPoints,
		Position:     engine.Hex{Q: p.Q, R: p.R},
		Active:       p.Active,
	}
}

func toActionRow(e engine.LogEntry) actionRow {
	return actionRow{
		BattleID:    e.BattleID,
		Seq:         e.Seq,
		Round:       e.Round,
		Kind:        string(e.Kind),
		ActorID:     e.ActorID,
		CharacterID: e.CharacterID,
		Order:       e.Order,
		Result:      e.Result,
		Tag:         string(e.Tag),
		Rebellion:   e.Rebellion,
		Declaration: e.Declaration,
		CreatedAt:   e.CreatedAt,
	}
}

func (a actionRow) entry() engine.LogEntry {
	return engine.LogEntry{
		BattleID:    a.BattleID,
		Seq:         a.Seq,
		Round:       a.Round,
		Kind:        engine.EntryKind(a.Kind),
		ActorID:     a.ActorID,
		CharacterID: a.CharacterID,
		Order:       a.Order,
		Result:      a.Result,
		Tag:         engine.Tag(a.Tag),
		Rebellion:   a.Rebellion,
		Declaration: a.Declaration,
		CreatedAt:   a.CreatedAt,
	}
}
