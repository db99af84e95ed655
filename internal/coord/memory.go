package coord

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
)

// MemoryQueue is a Queue visible only inside one process.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[engine.Mode]map[string]QueueEntry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[engine.Mode]map[string]QueueEntry)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, e QueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.entries[e.Mode]
	if m == nil {
		m = make(map[string]QueueEntry)
		q.entries[e.Mode] = m
	}
	m[e.ActorID] = e
	return nil
}

func (q *MemoryQueue) Remove(ctx context.Context, mode engine.Mode, actorID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries[mode], actorID)
	return nil
}

// RemoveEverywhere drops the actor from every mode.
func (q *MemoryQueue) RemoveEverywhere(actorIDs ...string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.entries {
		for _, id := range actorIDs {
			if _, ok := m[id]; ok {
				delete(m, id)
				n++
			}
		}
	}
	return n
}

func (q *MemoryQueue) List(ctx context.Context, mode engine.Mode) ([]QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueEntry, 0, len(q.entries[mode]))
	for _, e := range q.entries[mode] {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (q *MemoryQueue) Claim(ctx context.Context, mode engine.Mode, actorIDs ...string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.entries[mode]
	for _, id := range actorIDs {
		if _, ok := m[id]; !ok {
			return false, nil
		}
	}
	for _, id := range actorIDs {
		delete(m, id)
	}
	return true, nil
}

func sortEntries(es []QueueEntry) {
	slices.SortFunc(es, func(a, b QueueEntry) int {
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		if a.ActorID < b.ActorID {
			return -1
		}
		if a.ActorID > b.ActorID {
			return 1
		}
		return 0
	})
}

// MemoryMutex is a process-local Mutex with expiring tokens.
type MemoryMutex struct {
	mu    sync.Mutex
	held  map[string]memoryToken
	clock func() time.Time
}

type memoryToken struct {
	token   string
	expires time.Time
}

func NewMemoryMutex() *MemoryMutex {
	return &MemoryMutex{held: make(map[string]memoryToken), clock: time.Now}
}

func (m *MemoryMutex) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if cur, ok := m.held[key]; ok && now.Before(cur.expires) {
		return "", false, nil
	}
	tok := uuid.NewString()
	m.held[key] = memoryToken{token: tok, expires: now.Add(ttl)}
	return tok, true, nil
}

func (m *MemoryMutex) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.held[key]; ok && cur.token == token {
		delete(m.held, key)
	}
	return nil
}

func (m *MemoryMutex) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	cur, ok := m.held[key]
	if !ok || cur.token != token || !now.Before(cur.expires) {
		return false, nil
	}
	m.held[key] = memoryToken{token: token, expires: now.Add(ttl)}
	return true, nil
}

// MemoryBus delivers events synchronously to in-process subscribers.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]func(Event))}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler func(Event)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}, nil
}
