// Package coord is the cross-process coordination layer: the shared
// matchmaking queue, short-lived pairing locks and lifecycle events.
package coord

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
)

var ErrUnavailable = errors.New("coordination service unavailable")

// QueueEntry is an actor waiting for a match.
type QueueEntry struct {
	ActorID    string             `json:"actor_id"`
	Roster     []engine.Combatant `json:"roster"`
	Mode       engine.Mode        `json:"mode"`
	Rating     int                `json:"rating"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	AIRosterID string             `json:"ai_roster_id,omitempty"`
	ServerID   string             `json:"server_id,omitempty"`
}

// Queue is the matchmaking pool, partitioned by mode.
type Queue interface {
	Enqueue(ctx context.Context, e QueueEntry) error
	Remove(ctx context.Context, mode engine.Mode, actorID string) error
	// List returns entries oldest first.
	List(ctx context.Context, mode engine.Mode) ([]QueueEntry, error)
	// Claim removes every listed actor if and only if all are still queued.
	Claim(ctx context.Context, mode engine.Mode, actorIDs ...string) (bool, error)
}

// Mutex hands out TTL-bounded exclusive tokens. Release only succeeds for
// the token that acquired the key.
type Mutex interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
	// Extend resets the TTL of a key still held by token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// LeaseKey is the liveness key a server holds while it runs.
func LeaseKey(serverID string) string { return "server_alive:" + serverID }

type EventType string

const (
	EventBattleCreated EventType = "battle_created"
	EventBattleEnded   EventType = "battle_ended"
	EventActorWithdrew EventType = "actor_withdrew"
)

// Event is a battle lifecycle notification shared between processes.
type Event struct {
	Type     EventType   `json:"type"`
	BattleID string      `json:"battle_id,omitempty"`
	ServerID string      `json:"server_id"`
	Mode     engine.Mode `json:"mode,omitempty"`
	ActorIDs []string    `json:"actor_ids,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	At       time.Time   `json:"at"`
}

// Bus fans events out to every subscribed process. Subscribe returns once the
// subscription is live; the returned func stops it.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, handler func(Event)) (stop func(), err error)
}

// PairKey is the lock key for a candidate pairing, independent of which side
// found it.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "match_lock:" + a + ":" + b
}
