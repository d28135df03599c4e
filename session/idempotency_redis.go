package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Records live in a hash: "record" holds the JSON body, "token" and
// "pending" let the scripts below compare reservations without decoding it.

// reserveScript claims an empty scope, or returns the body that holds it.
// KEYS[1] = record hash
// ARGV[1] = body, ARGV[2] = token, ARGV[3] = ttl ms
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('HGET', KEYS[1], 'record') or ''
end
redis.call('HSET', KEYS[1], 'record', ARGV[1], 'token', ARGV[2], 'pending', '1')
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return false
`)

// saveScript writes an outcome over an empty scope or over the reservation
// taken with the same token.
// KEYS[1] = record hash
// ARGV[1] = body, ARGV[2] = token, ARGV[3] = ttl ms (0 keeps it forever)
var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	if redis.call('HGET', KEYS[1], 'pending') ~= '1' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
		return 0
	end
	redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1], 'record', ARGV[1], 'token', ARGV[2], 'pending', '0')
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// releaseScript drops a reservation held by ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'pending') == '1' and redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisIdempotencyStore keeps records in Redis with a TTL, so expiry needs no
// pruning and every process sharing the server sees the same reservations.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string) *RedisIdempotencyStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "flow"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisIdempotencyStore) keyRecord(scope Scope) string {
	return s.prefix + ":idem:" + scope.key()
}

func (s *RedisIdempotencyStore) Load(ctx context.Context, scope Scope) (*Record, error) {
	if !scope.valid() {
		return nil, nil
	}
	data, err := s.client.HGet(ctx, s.keyRecord(scope), "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	return s.decode(data)
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, rec *Record) (*Record, error) {
	now := s.now()
	rec, err := prepareReservation(rec, now)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode idempotency reservation: %w", err)
	}
	held, err := reserveScript.Run(ctx, s.client, []string{s.keyRecord(rec.Scope)},
		data, rec.Token, ttlMillis(rec.ExpiresAt.Sub(now))).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency record: %w", err)
	}
	if held == "" {
		return nil, ErrRecordExists
	}
	cur, err := s.decode([]byte(held))
	if err != nil {
		return nil, err
	}
	return cur, ErrRecordExists
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, rec *Record) error {
	now := s.now()
	rec, err := prepareRecord(rec, now)
	if err != nil {
		return err
	}
	var ttl int64
	if !rec.ExpiresAt.IsZero() {
		d := rec.ExpiresAt.Sub(now)
		if d <= 0 {
			return nil
		}
		ttl = ttlMillis(d)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	saved, err := saveScript.Run(ctx, s.client, []string{s.keyRecord(rec.Scope)}, data, rec.Token, ttl).Int()
	if err != nil {
		return fmt.Errorf("save idempotency record: %w", err)
	}
	if saved == 0 {
		return ErrRecordExists
	}
	return nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, scope Scope, token string) error {
	if !scope.valid() || strings.TrimSpace(token) == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, s.client, []string{s.keyRecord(scope)}, token).Err(); err != nil {
		return fmt.Errorf("release idempotency record: %w", err)
	}
	return nil
}

// Prune is a no-op: Redis expires records on its own.
func (s *RedisIdempotencyStore) Prune(context.Context) (int, error) {
	return 0, nil
}

func (s *RedisIdempotencyStore) decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	if rec.expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

func ttlMillis(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
