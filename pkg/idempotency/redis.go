package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Records are hashes keyed by prefix+messageID with status, claim, claimed_at
// (unix ms), updated_at (unix ms) and last_error fields.

var checkAndMarkScript = redis.NewScript(1, `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  redis.call('HSET', KEYS[1], 'status', 'pending', 'claim', ARGV[1], 'claimed_at', ARGV[2], 'updated_at', ARGV[2])
  return 1
end
if status ~= 'pending' then
  return 0
end
local claim = redis.call('HGET', KEYS[1], 'claim')
local claimedAt = tonumber(redis.call('HGET', KEYS[1], 'claimed_at'))
if claim == ARGV[1] or claimedAt <= tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[1], 'claim', ARGV[1], 'claimed_at', ARGV[2], 'updated_at', ARGV[2])
  return 1
end
return 0
`)

var markDoneScript = redis.NewScript(1, `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'done', 'updated_at', ARGV[1])
redis.call('HDEL', KEYS[1], 'last_error')
return 1
`)

var markFailedScript = redis.NewScript(1, `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 0
end
if status ~= 'done' then
  redis.call('HSET', KEYS[1], 'status', 'failed', 'last_error', ARGV[1], 'updated_at', ARGV[2])
end
return 1
`)

var reopenScript = redis.NewScript(1, `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 0
end
if status == 'done' then
  return 2
end
if status == 'failed' then
  redis.call('HSET', KEYS[1], 'status', 'pending', 'claimed_at', '0', 'updated_at', ARGV[1])
  redis.call('HDEL', KEYS[1], 'last_error')
end
return 1
`)

type redisStore struct {
	pool       *redis.Pool
	prefix     string
	staleAfter time.Duration
	now        func() time.Time
}

// NewRedisPool dials url lazily with bounded idle connections.
func NewRedisPool(url string, maxIdle int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(url,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedisStore creates an idempotency store backed by redis hashes.
func NewRedisStore(pool *redis.Pool, prefix string, staleAfter time.Duration) Store {
	return &redisStore{pool: pool, prefix: prefix, staleAfter: staleAfter, now: time.Now}
}

func (s *redisStore) key(messageID string) string {
	return s.prefix + messageID
}

func (s *redisStore) run(ctx context.Context, script *redis.Script, keysAndArgs ...any) (int, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	return redis.Int(script.Do(conn, keysAndArgs...))
}

func (s *redisStore) CheckAndMark(ctx context.Context, messageID, claim string) (Outcome, error) {
	now := s.now()
	staleBefore := now.Add(-s.staleAfter)

	n, err := s.run(ctx, checkAndMarkScript, s.key(messageID), claim, now.UnixMilli(), staleBefore.UnixMilli())
	if err != nil {
		return AlreadySeen, fmt.Errorf("failed to check and mark %s: %w", messageID, err)
	}
	if n == 1 {
		return FirstSeen, nil
	}
	return AlreadySeen, nil
}

func (s *redisStore) MarkDone(ctx context.Context, messageID string) error {
	n, err := s.run(ctx, markDoneScript, s.key(messageID), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark %s done: %w", messageID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) MarkFailed(ctx context.Context, messageID, cause string) error {
	n, err := s.run(ctx, markFailedScript, s.key(messageID), cause, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", messageID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) Reopen(ctx context.Context, messageID string) error {
	n, err := s.run(ctx, reopenScript, s.key(messageID), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to reopen %s: %w", messageID, err)
	}
	switch n {
	case 0:
		return ErrNotFound
	case 2:
		return ErrDone
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, messageID string) (*Record, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	fields, err := redis.StringMap(conn.Do("HGETALL", s.key(messageID)))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	return &Record{
		MessageID: messageID,
		Status:    Status(fields["status"]),
		Claim:     fields["claim"],
		LastError: fields["last_error"],
		ClaimedAt: millis(fields["claimed_at"]),
		UpdatedAt: millis(fields["updated_at"]),
	}, nil
}

func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
