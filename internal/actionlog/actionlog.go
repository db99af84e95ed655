// Package actionlog holds the append-only battle log and rebuilds
// authoritative state from it.
package actionlog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/DoyleJ11/hex-arena-backend/internal/apperr"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
)

var tracer = otel.Tracer("github.com/DoyleJ11/hex-arena-backend/internal/actionlog")

// Log is an append-only per-battle log. Append assigns the next sequence
// number and returns the stored entry.
type Log interface {
	Append(ctx context.Context, e engine.LogEntry) (engine.LogEntry, error)
	Entries(ctx context.Context, battleID string) ([]engine.LogEntry, error)
}

// Memory is a process-local Log.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]engine.LogEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]engine.LogEntry), now: time.Now}
}

func (m *Memory) Append(ctx context.Context, e engine.LogEntry) (engine.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return engine.LogEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Seq = len(m.entries[e.BattleID]) + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.entries[e.BattleID] = append(m.entries[e.BattleID], e)
	return e, nil
}

func (m *Memory) Entries(ctx context.Context, battleID string) ([]engine.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries[battleID]), nil
}

// Reconstructor rebuilds a battle's authoritative context from its record
// and log. It holds no state, so concurrent calls are safe.
type Reconstructor struct {
	records store.Reader
	log     Log
}

func NewReconstructor(records store.Reader, log Log) *Reconstructor {
	return &Reconstructor{records: records, log: log}
}

func (r *Reconstructor) Reconstruct(ctx context.Context, battleID string) (engine.Context, error) {
	ctx, span := tracer.Start(ctx, "actionlog.Reconstruct")
	defer span.End()
	span.SetAttributes(attribute.String("battle.id", battleID))

	rec, err := r.records.GetBattle(ctx, battleID)
	if errors.Is(err, store.ErrNotFound) {
		return engine.Context{}, apperr.NotFound("battle " + battleID)
	}
	if err != nil {
		return engine.Context{}, apperr.Persistence("load battle record", err)
	}
	entries, err := r.log.Entries(ctx, battleID)
	if err != nil {
		return engine.Context{}, apperr.Persistence("load action log", err)
	}
	span.SetAttributes(attribute.Int("log.entries", len(entries)))

	c, err := engine.Reduce(rec.Setup(), entries)
	if err != nil {
		return engine.Context{}, &apperr.Error{
			Kind:    apperr.KindInvariant,
			Message: fmt.Sprintf("replay battle %s", battleID),
			Cause:   err,
		}
	}
	return c, nil
}
