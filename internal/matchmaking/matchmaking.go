// Package matchmaking pairs queued actors across every server process.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/apperr"
	"github.com/DoyleJ11/hex-arena-backend/internal/config"
	"github.com/DoyleJ11/hex-arena-backend/internal/coord"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
)

var tracer = otel.Tracer("github.com/DoyleJ11/hex-arena-backend/internal/matchmaking")

var ErrInvalidEntry = errors.New("invalid queue entry")

// Matchmaker scans the shared queue for opponents and commits pairings under
// a short-lived lock. When the shared queue is unreachable it keeps matching
// within this process.
type Matchmaker struct {
	shared coord.Queue
	local  *coord.MemoryQueue
	locks  coord.Mutex
	cfg    config.Matchmaking
	log    *zap.Logger
	now    func() time.Time
	policy func() backoff.BackOff

	degraded atomic.Bool
}

type Option func(*Matchmaker)

// WithClock replaces time.Now for wait and window calculations.
func WithClock(now func() time.Time) Option {
	return func(m *Matchmaker) { m.now = now }
}

// WithBackOff replaces the retry policy used for shared-queue writes.
func WithBackOff(policy func() backoff.BackOff) Option {
	return func(m *Matchmaker) { m.policy = policy }
}

func New(shared coord.Queue, locks coord.Mutex, cfg config.Matchmaking, log *zap.Logger, opts ...Option) *Matchmaker {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Matchmaker{
		shared: shared,
		local:  coord.NewMemoryQueue(),
		locks:  locks,
		cfg:    cfg,
		log:    log.Named("matchmaking"),
		now:    time.Now,
		policy: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Degraded reports whether the last shared-queue write fell back to the
// local queue.
func (m *Matchmaker) Degraded() bool { return m.degraded.Load() }

// Validate checks an entry before it reaches any queue.
func Validate(e coord.QueueEntry) error {
	if e.ActorID == "" {
		return fmt.Errorf("%w: missing actor id", ErrInvalidEntry)
	}
	if !e.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidEntry, e.Mode)
	}
	if len(e.Roster) == 0 || len(e.Roster) > 3 {
		return fmt.Errorf("%w: roster must have 1 to 3 characters", ErrInvalidEntry)
	}
	seen := make(map[string]bool, len(e.Roster))
	for _, c := range e.Roster {
		if c.ID == "" || seen[c.ID] {
			return fmt.Errorf("%w: roster ids must be unique and non-empty", ErrInvalidEntry)
		}
		seen[c.ID] = true
	}
	return nil
}

// Enqueue writes the entry to the shared queue, retrying briefly, and falls
// back to the local queue when the shared queue stays unreachable.
func (m *Matchmaker) Enqueue(ctx context.Context, e coord.QueueEntry) error {
	if err := Validate(e); err != nil {
		return apperr.Validation("enqueue", err)
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = m.now()
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.shared.Enqueue(ctx, e)
	},
		backoff.WithBackOff(m.policy()),
		backoff.WithMaxTries(max(1, m.cfg.EnqueueRetries)),
	)
	if err == nil {
		m.degraded.Store(false)
		return nil
	}

	m.log.Warn("shared queue unreachable, falling back to local queue",
		zap.String("actor_id", e.ActorID), zap.String("mode", string(e.Mode)), zap.Error(err))
	m.degraded.Store(true)
	if lerr := m.local.Enqueue(ctx, e); lerr != nil {
		return apperr.Coordination("enqueue", errors.Join(err, lerr))
	}
	return nil
}

// Dequeue removes the actor from both queues.
func (m *Matchmaker) Dequeue(ctx context.Context, actorID string, mode engine.Mode) error {
	_ = m.local.Remove(ctx, mode, actorID)
	if err := m.shared.Remove(ctx, mode, actorID); err != nil {
		return apperr.Coordination("dequeue", err)
	}
	return nil
}

// EvictLocal drops actors from the local fallback queue, typically because a
// peer process already paired them.
func (m *Matchmaker) EvictLocal(actorIDs ...string) int {
	return m.local.RemoveEverywhere(actorIDs...)
}

// RatingWindow is the rating difference accepted after waiting for wait. It
// widens one step per interval and never exceeds the configured maximum.
func RatingWindow(wait time.Duration, cfg config.Matchmaking) int {
	steps := 0
	if wait > 0 && cfg.WindowStepEvery > 0 {
		steps = int(wait / cfg.WindowStepEvery)
	}
	return min(cfg.BaseWindow+steps*cfg.WindowStep, cfg.MaxWindow)
}

// FindOpponent returns the opponent this process committed a pairing with,
// or nil when nobody suitable is queued. Both actors are out of every queue
// when an opponent is returned.
func (m *Matchmaker) FindOpponent(ctx context.Context, e coord.QueueEntry) (*coord.QueueEntry, error) {
	ctx, span := tracer.Start(ctx, "matchmaking.FindOpponent")
	defer span.End()
	span.SetAttributes(attribute.String("actor.id", e.ActorID), attribute.String("mode", string(e.Mode)))

	entries, err := m.shared.List(ctx, e.Mode)
	if err != nil {
		m.log.Warn("shared queue unreachable, matching locally", zap.String("actor_id", e.ActorID), zap.Error(err))
		return m.findLocal(ctx, e)
	}

	if present(entries, e.ActorID) {
		window := RatingWindow(m.now().Sub(e.EnqueuedAt), m.cfg)
		for _, cand := range entries {
			if cand.ActorID == e.ActorID || cand.Mode != e.Mode || abs(cand.Rating-e.Rating) > window {
				continue
			}
			ok, err := m.commit(ctx, e, cand)
			if err != nil {
				return nil, err
			}
			if ok {
				span.SetAttributes(attribute.String("opponent.id", cand.ActorID))
				return &cand, nil
			}
		}
	}
	return m.findLocal(ctx, e)
}

// commit takes the pair lock, re-reads the queue and claims both actors.
// Another process may have paired either of them since the first read.
func (m *Matchmaker) commit(ctx context.Context, e, cand coord.QueueEntry) (bool, error) {
	key := coord.PairKey(e.ActorID, cand.ActorID)
	tok, ok, err := m.locks.Acquire(ctx, key, m.cfg.LockTTL)
	if err != nil {
		return false, apperr.Coordination("acquire pairing lock", err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if err := m.locks.Release(context.WithoutCancel(ctx), key, tok); err != nil {
			m.log.Warn("release pairing lock", zap.String("key", key), zap.Error(err))
		}
	}()

	fresh, err := m.shared.List(ctx, e.Mode)
	if err != nil {
		return false, apperr.Coordination("verify queue", err)
	}
	if !present(fresh, e.ActorID) || !present(fresh, cand.ActorID) {
		return false, nil
	}
	claimed, err := m.shared.Claim(ctx, e.Mode, e.ActorID, cand.ActorID)
	if err != nil {
		return false, apperr.Coordination("claim pairing", err)
	}
	if claimed {
		m.local.RemoveEverywhere(e.ActorID, cand.ActorID)
	}
	return claimed, nil
}

func (m *Matchmaker) findLocal(ctx context.Context, e coord.QueueEntry) (*coord.QueueEntry, error) {
	entries, err := m.local.List(ctx, e.Mode)
	if err != nil {
		return nil, apperr.Coordination("list local queue", err)
	}
	if !present(entries, e.ActorID) {
		return nil, nil
	}
	window := RatingWindow(m.now().Sub(e.EnqueuedAt), m.cfg)
	for _, cand := range entries {
		if cand.ActorID == e.ActorID || abs(cand.Rating-e.Rating) > window {
			continue
		}
		ok, err := m.local.Claim(ctx, e.Mode, e.ActorID, cand.ActorID)
		if err != nil {
			return nil, apperr.Coordination("claim local pairing", err)
		}
		if ok {
			return &cand, nil
		}
	}
	return nil, nil
}

// Lookup returns the actor's queued entry from whichever queue holds it.
func (m *Matchmaker) Lookup(ctx context.Context, actorID string, mode engine.Mode) (coord.QueueEntry, bool) {
	for _, q := range []coord.Queue{m.shared, m.local} {
		entries, err := q.List(ctx, mode)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.ActorID == actorID {
				return e, true
			}
		}
	}
	return coord.QueueEntry{}, false
}

// QueuePosition reports the actor's 1-based position and the pool size,
// looking at whichever queue holds the actor.
func (m *Matchmaker) QueuePosition(ctx context.Context, actorID string, mode engine.Mode) (pos, size int, err error) {
	entries, err := m.shared.List(ctx, mode)
	if err != nil || !present(entries, actorID) {
		entries, err = m.local.List(ctx, mode)
		if err != nil {
			return 0, 0, apperr.Coordination("list queue", err)
		}
	}
	for i, e := range entries {
		if e.ActorID == actorID {
			return i + 1, len(entries), nil
		}
	}
	return 0, len(entries), nil
}

// EstimatedWait is a rough wait for an actor at pos: one window step per
// actor ahead of it.
func (m *Matchmaker) EstimatedWait(pos int) time.Duration {
	return time.Duration(max(1, pos)) * m.cfg.WindowStepEvery
}

func present(entries []coord.QueueEntry, actorID string) bool {
	for _, e := range entries {
		if e.ActorID == actorID {
			return true
		}
	}
	return false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
