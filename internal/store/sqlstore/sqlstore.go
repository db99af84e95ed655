// Package sqlstore persists battles, participants, the action log and
// character locks with gorm on postgres or sqlite.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
)

// Store implements store.Store, store.Locker and actionlog.Log.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects with the named driver ("postgres" or "sqlite") and migrates.
func Open(driver, dsn string, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return New(db, log)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&battleRow{}, &participantRow{}, &actionRow{}, &lockRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) CreateBattle(ctx context.Context, rec store.BattleRecord, ps []store.Participant) error {
	row := toBattleRow(rec)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", store.ErrExists, rec.ID)
			}
			return fmt.Errorf("insert battle: %w", err)
		}
		if len(ps) == 0 {
			return nil
		}
		rows := make([]participantRow, 0, len(ps))
		for _, p := range ps {
			rows = append(rows, toParticipantRow(p))
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert participants: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateBattle(ctx context.Context, id string, u store.Update) error {
	fields := map[string]any{"updated_at": time.Now()}
	if u.Status != nil {
		fields["status"] = string(*u.Status)
	}
	if u.Phase != nil {
		fields["phase"] = string(*u.Phase)
	}
	if u.Round != nil {
		fields["round"] = *u.Round
	}
	if u.WinnerActorID != nil {
		fields["winner_actor_id"] = *u.WinnerActorID
	}
	if u.WinnerSide != nil {
		fields["winner_side"] = string(*u.WinnerSide)
	}
	if u.EndReason != nil {
		fields["end_reason"] = *u.EndReason
	}
	if u.EndedAt != nil {
		fields["ended_at"] = *u.EndedAt
	}

	res := s.db.WithContext(ctx).Model(&battleRow{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update battle %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if u.Rewards != nil {
		row := battleRow{ID: id, Rewards: u.Rewards}
		if err := s.db.WithContext(ctx).Model(&row).Select("Rewards").Updates(&row).Error; err != nil {
			return fmt.Errorf("update rewards %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) GetBattle(ctx context.Context, id string) (store.BattleRecord, error) {
	var row battleRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.BattleRecord{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return store.BattleRecord{}, fmt.Errorf("get battle %s: %w", id, err)
	}
	return row.record(), nil
}

func (s *Store) ActiveByActor(ctx context.Context, actorID string) ([]store.BattleRecord, error) {
	return s.active(ctx, "user_actor_id = ? OR opponent_actor_id = ?", actorID, actorID)
}

func (s *Store) ActiveByServer(ctx context.Context, serverID string) ([]store.BattleRecord, error) {
	return s.active(ctx, "server_id = ?", serverID)
}

func (s *Store) Active(ctx context.Context) ([]store.BattleRecord, error) {
	return s.active(ctx, "1 = 1")
}

func (s *Store) Reassign(ctx context.Context, id, from, to string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&battleRow{}).
		Where("id = ? AND server_id = ? AND status = ?", id, from, string(store.StatusActive)).
		Updates(map[string]any{"server_id": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, fmt.Errorf("reassign battle %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) active(ctx context.Context, cond string, args ...any) ([]store.BattleRecord, error) {
	var rows []battleRow
	err := s.db.WithContext(ctx).
		Where(cond, args...).
		Where("status = ?", string(store.StatusActive)).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active battles: %w", err)
	}
	out := make([]store.BattleRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *Store) SaveParticipants(ctx context.Context, battleID string, ps []store.Participant) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range ps {
			p.BattleID = battleID
			row := toParticipantRow(p)
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("save participant %s: %w", p.CharacterID, err)
			}
		}
		return nil
	})
}

func (s *Store) Participants(ctx context.Context, battleID string) ([]store.Participant, error) {
	var rows []participantRow
	if err := s.db.WithContext(ctx).Where("battle_id = ?", battleID).Order("character_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]store.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.participant())
	}
	return out, nil
}

// Append writes the next entry of a battle's log. Two writers racing for the
// same sequence number collide on the unique index; the loser retries.
func (s *Store) Append(ctx context.Context, e engine.LogEntry) (engine.LogEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	op := func() (engine.LogEntry, error) {
		out := e
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var last int
			if err := tx.Model(&actionRow{}).
				Where("battle_id = ?", e.BattleID).
				Select("COALESCE(MAX(seq), 0)").
				Scan(&last).Error; err != nil {
				return err
			}
			out.Seq = last + 1
			row := toActionRow(out)
			return tx.Create(&row).Error
		})
		if err == nil {
			return out, nil
		}
		if isUniqueViolation(err) {
			s.log.Debug("log sequence conflict, retrying", zap.String("battle_id", e.BattleID))
			return out, err
		}
		return out, backoff.Permanent(err)
	}
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
	if err != nil {
		return engine.LogEntry{}, fmt.Errorf("append action: %w", err)
	}
	return out, nil
}

func (s *Store) Entries(ctx context.Context, battleID string) ([]engine.LogEntry, error) {
	var rows []actionRow
	if err := s.db.WithContext(ctx).Where("battle_id = ?", battleID).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	out := make([]engine.LogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

// Lock takes every character or none of them.
func (s *Store) Lock(ctx context.Context, battleID string, characterIDs []string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for _, id := range characterIDs {
			var held lockRow
			err := tx.Where("character_id = ?", id).Limit(1).Find(&held).Error
			if err != nil {
				return err
			}
			if held.CharacterID != "" {
				if held.BattleID == battleID {
					continue
				}
				return fmt.Errorf("%w: %s held by %s", store.ErrCharacterLocked, id, held.BattleID)
			}
			if err := tx.Create(&lockRow{CharacterID: id, BattleID: battleID, LockedAt: now}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", store.ErrCharacterLocked, err)
	}
	return err
}

// Unlock runs on its own context so that release survives a cancelled caller.
func (s *Store) Unlock(ctx context.Context, battleID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.db.WithContext(ctx).Where("battle_id = ?", battleID).Delete(&lockRow{}).Error; err != nil {
		return fmt.Errorf("unlock battle %s: %w", battleID, err)
	}
	return nil
}

func (s *Store) Holder(ctx context.Context, characterID string) (string, bool, error) {
	var held lockRow
	if err := s.db.WithContext(ctx).Where("character_id = ?", characterID).Limit(1).Find(&held).Error; err != nil {
		return "", false, err
	}
	return held.BattleID, held.CharacterID != "", nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
