package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Memory is a process-local Store and Locker.
type Memory struct {
	mu           sync.Mutex
	battles      map[string]BattleRecord
	participants map[string][]Participant
	locks        map[string]string
	now          func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		battles:      make(map[string]BattleRecord),
		participants: make(map[string][]Participant),
		locks:        make(map[string]string),
		now:          time.Now,
	}
}

func (m *Memory) CreateBattle(ctx context.Context, rec BattleRecord, ps []Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.battles[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	now := m.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.battles[rec.ID] = rec
	m.participants[rec.ID] = slices.Clone(ps)
	return nil
}

func (m *Memory) UpdateBattle(ctx context.Context, id string, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.battles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Phase != nil {
		rec.Phase = *u.Phase
	}
	if u.Round != nil {
		rec.Round = *u.Round
	}
	if u.WinnerActorID != nil {
		rec.WinnerActorID = *u.WinnerActorID
	}
	if u.WinnerSide != nil {
		rec.WinnerSide = *u.WinnerSide
	}
	if u.EndReason != nil {
		rec.EndReason = *u.EndReason
	}
	if u.Rewards != nil {
		r := *u.Rewards
		rec.Rewards = &r
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		rec.EndedAt = &t
	}
	rec.UpdatedAt = m.now()
	m.battles[id] = rec
	return nil
}

func (m *Memory) GetBattle(ctx context.Context, id string) (BattleRecord, error) {
	if err := ctx.Err(); err != nil {
		return BattleRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.battles[id]
	if !ok {
		return BattleRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (m *Memory) ActiveByActor(ctx context.Context, actorID string) ([]BattleRecord, error) {
	return m.filter(ctx, func(r BattleRecord) bool {
		return r.Status == StatusActive && (r.UserActorID == actorID || r.OpponentActorID == actorID)
	})
}

func (m *Memory) ActiveByServer(ctx context.Context, serverID string) ([]BattleRecord, error) {
	return m.filter(ctx, func(r BattleRecord) bool {
		return r.Status == StatusActive && r.ServerID == serverID
	})
}

func (m *Memory) Active(ctx context.Context) ([]BattleRecord, error) {
	return m.filter(ctx, func(r BattleRecord) bool { return r.Status == StatusActive })
}

func (m *Memory) Reassign(ctx context.Context, id, from, to string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.battles[id]
	if !ok || rec.Status != StatusActive || rec.ServerID != from {
		return false, nil
	}
	rec.ServerID = to
	rec.UpdatedAt = time.Now()
	m.battles[id] = rec
	return true, nil
}

func (m *Memory) filter(ctx context.Context, keep func(BattleRecord) bool) ([]BattleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BattleRecord
	for _, r := range m.battles {
		if keep(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b BattleRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *Memory) SaveParticipants(ctx context.Context, battleID string, ps []Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.battles[battleID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, battleID)
	}
	m.participants[battleID] = slices.Clone(ps)
	return nil
}

func (m *Memory) Participants(ctx context.Context, battleID string) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.participants[battleID]), nil
}

// Lock takes every character or none of them.
func (m *Memory) Lock(ctx context.Context, battleID string, characterIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range characterIDs {
		if holder, ok := m.locks[id]; ok && holder != battleID {
			return fmt.Errorf("%w: %s held by %s", ErrCharacterLocked, id, holder)
		}
	}
	for _, id := range characterIDs {
		m.locks[id] = battleID
	}
	return nil
}

func (m *Memory) Unlock(ctx context.Context, battleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, holder := range m.locks {
		if holder == battleID {
			delete(m.locks, id)
		}
	}
	return nil
}

func (m *Memory) Holder(ctx context.Context, characterID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.locks[characterID]
	return b, ok, nil
}
