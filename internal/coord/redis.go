package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
)

const eventsChannel = "battles:global"

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: ping redis: %v", ErrUnavailable, err)
	}
	return c, nil
}

func queueKey(mode engine.Mode) string { return "queue:" + string(mode) }

// claimScript removes every field only when all of them are present.
var claimScript = redis.NewScript(`
for _, f in ipairs(ARGV) do
  if redis.call('HEXISTS', KEYS[1], f) == 0 then
    return 0
  end
end
for _, f in ipairs(ARGV) do
  redis.call('HDEL', KEYS[1], f)
end
return 1
`)

// releaseScript deletes the lock only for the holder of the token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisQueue stores each mode's pool in one hash keyed by actor id.
type RedisQueue struct {
	rdb redis.UniversalClient
}

func NewRedisQueue(rdb redis.UniversalClient) *RedisQueue { return &RedisQueue{rdb: rdb} }

func (q *RedisQueue) Enqueue(ctx context.Context, e QueueEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	if err := q.rdb.HSet(ctx, queueKey(e.Mode), e.ActorID, raw).Err(); err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, mode engine.Mode, actorID string) error {
	if err := q.rdb.HDel(ctx, queueKey(mode), actorID).Err(); err != nil {
		return fmt.Errorf("%w: dequeue: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) List(ctx context.Context, mode engine.Mode) ([]QueueEntry, error) {
	vals, err := q.rdb.HGetAll(ctx, queueKey(mode)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list queue: %v", ErrUnavailable, err)
	}
	out := make([]QueueEntry, 0, len(vals))
	for actor, raw := range vals {
		var e QueueEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode queue entry %s: %w", actor, err)
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (q *RedisQueue) Claim(ctx context.Context, mode engine.Mode, actorIDs ...string) (bool, error) {
	args := make([]any, len(actorIDs))
	for i, id := range actorIDs {
		args[i] = id
	}
	n, err := claimScript.Run(ctx, q.rdb, []string{queueKey(mode)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("%w: claim: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// RedisMutex implements Mutex with SET NX and a token-checked delete.
type RedisMutex struct {
	rdb redis.UniversalClient
}

func NewRedisMutex(rdb redis.UniversalClient) *RedisMutex { return &RedisMutex{rdb: rdb} }

func (m *RedisMutex) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	tok := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, key, tok, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: acquire %s: %v", ErrUnavailable, key, err)
	}
	if !ok {
		return "", false, nil
	}
	return tok, true, nil
}

func (m *RedisMutex) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, m.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: release %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (m *RedisMutex) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, m.rdb, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("%w: extend %s: %v", ErrUnavailable, key, err)
	}
	return n == 1, nil
}

// RedisBus publishes lifecycle events on one shared channel.
type RedisBus struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

func NewRedisBus(rdb redis.UniversalClient, log *zap.Logger) *RedisBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{rdb: rdb, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, eventsChannel, raw).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, ev.Type, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func(Event)) (func(), error) {
	sub := b.rdb.Subscribe(ctx, eventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			handler(ev)
		}
	}()

	return func() {
		_ = sub.Close()
		<-done
	}, nil
}
