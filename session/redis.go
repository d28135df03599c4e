package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// trackScript advances the delivered seq only forward and records the
// session as an owner of the instance.
// KEYS[1] = session hash, KEYS[2] = instance owner set
// ARGV[1] = instance id, ARGV[2] = seq, ARGV[3] = session id, ARGV[4] = ttl ms
var trackScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '-1')
local seq = tonumber(ARGV[2])
if seq > cur then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
redis.call('SADD', KEYS[2], ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// RedisStore keeps sessions in Redis hashes so any process can serve a
// reconnecting client.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store under prefix. A positive ttl expires idle
// sessions.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "flow"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) keySession(id string) string { return s.prefix + ":session:" + id }
func (s *RedisStore) keyOwners(id string) string  { return s.prefix + ":owners:" + id }

func (s *RedisStore) Track(ctx context.Context, sessionID, instanceID string, seq int64) error {
	sessionID, instanceID = strings.TrimSpace(sessionID), strings.TrimSpace(instanceID)
	if sessionID == "" || instanceID == "" {
		return nil
	}
	keys := []string{s.keySession(sessionID), s.keyOwners(instanceID)}
	if err := trackScript.Run(ctx, s.client, keys, instanceID, seq, sessionID, s.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("track session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) Forget(ctx context.Context, sessionID string, instanceIDs ...string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || len(instanceIDs) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	fields := make([]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		id = strings.TrimSpace(id)
		fields = append(fields, id)
		pipe.SRem(ctx, s.keyOwners(id), sessionID)
	}
	pipe.HDel(ctx, s.keySession(sessionID), fields...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("forget session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, instanceID string) error {
	instanceID = strings.TrimSpace(instanceID)
	owners, err := s.client.SMembers(ctx, s.keyOwners(instanceID)).Result()
	if err != nil {
		return fmt.Errorf("release %s: %w", instanceID, err)
	}
	pipe := s.client.TxPipeline()
	for _, sessionID := range owners {
		pipe.HDel(ctx, s.keySession(sessionID), instanceID)
	}
	pipe.Del(ctx, s.keyOwners(instanceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release %s: %w", instanceID, err)
	}
	return nil
}

func (s *RedisStore) Live(ctx context.Context, sessionID string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.keySession(strings.TrimSpace(sessionID))).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	out := make(map[string]int64, len(raw))
	for id, v := range raw {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("session %s: bad seq for %s: %w", sessionID, id, err)
		}
		out[id] = seq
	}
	return out, nil
}

func (s *RedisStore) Drop(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	live, err := s.Live(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for id := range live {
		pipe.SRem(ctx, s.keyOwners(id), sessionID)
	}
	pipe.Del(ctx, s.keySession(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drop session %s: %w", sessionID, err)
	}
	return nil
}
