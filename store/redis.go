package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists instances in Redis. Commits use WATCH/MULTI on the
// instance key, so a concurrent writer aborts the transaction and surfaces
// as ErrVersionConflict.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   options
}

// NewRedisStore builds a store using keys under prefix (default "flow").
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "flow"
	}
	return &RedisStore{client: client, prefix: prefix, opts: buildOptions(opts)}
}

type redisInstance struct {
	ID            string         `json:"id"`
	CapabilityID  string         `json:"capabilityId"`
	ParentID      string         `json:"parentId,omitempty"`
	State         string         `json:"state"`
	Status        string         `json:"status"`
	Context       map[string]any `json:"context"`
	RenderData    map[string]any `json:"renderData"`
	Version       int64          `json:"version"`
	LastSeq       int64          `json:"lastSeq"`
	DismissReason string         `json:"dismissReason,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func (s *RedisStore) keyInstance(id string) string { return s.prefix + ":instance:" + id }
func (s *RedisStore) keyMessages(id string) string { return s.prefix + ":messages:" + id }
func (s *RedisStore) keyIdle() string              { return s.prefix + ":idle" }

func (s *RedisStore) Create(ctx context.Context, inst *Instance, msgs []orchestrator.Message) (*Instance, []orchestrator.Message, error) {
	rec, stamped, err := prepareCreate(inst, msgs, s.opts.now(), s.opts.newID)
	if err != nil {
		return nil, nil, err
	}
	data, bodies, err := encodeRedis(rec, stamped)
	if err != nil {
		return nil, nil, err
	}
	key := s.keyInstance(rec.ID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.queueMessages(ctx, pipe, rec, bodies)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, nil, err
	}
	return rec, stamped, nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Instance, error) {
	return s.load(ctx, s.client, normalizeID(id))
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c redisGetter, id string) (*Instance, error) {
	data, err := c.Get(ctx, s.keyInstance(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRedis(data)
}

func (s *RedisStore) LoadForUpdate(ctx context.Context, id string) (*Instance, LockToken, error) {
	rec, err := s.Load(ctx, id)
	if err != nil {
		return nil, LockToken{}, err
	}
	return rec, rec.Token(), nil
}

func (s *RedisStore) Commit(ctx context.Context, token LockToken, next *Instance, msgs []orchestrator.Message) (*Instance, []orchestrator.Message, error) {
	token.InstanceID = normalizeID(token.InstanceID)
	key := s.keyInstance(token.InstanceID)
	var (
		rec     *Instance
		stamped []orchestrator.Message
	)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, token.InstanceID)
		if err != nil {
			return err
		}
		if cur.Version != token.Version {
			return ErrVersionConflict
		}
		rec, stamped, err = prepareCommit(token, next, cur.LastSeq, msgs, s.opts.now())
		if err != nil {
			return err
		}
		rec.CreatedAt = cur.CreatedAt
		data, bodies, err := encodeRedis(rec, stamped)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.queueMessages(ctx, pipe, rec, bodies)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, nil, ErrVersionConflict
	}
	if err != nil {
		return nil, nil, err
	}
	return rec, stamped, nil
}

func (s *RedisStore) queueMessages(ctx context.Context, pipe redis.Pipeliner, rec *Instance, bodies []any) {
	if len(bodies) > 0 {
		mkey := s.keyMessages(rec.ID)
		pipe.RPush(ctx, mkey, bodies...)
		pipe.LTrim(ctx, mkey, int64(-s.opts.retention), -1)
	}
	if rec.Status == orchestrator.StatusDismissed {
		pipe.ZRem(ctx, s.keyIdle(), rec.ID)
		return
	}
	pipe.ZAdd(ctx, s.keyIdle(), redis.Z{Score: float64(rec.UpdatedAt.UnixMilli()), Member: rec.ID})
}

func (s *RedisStore) Messages(ctx context.Context, id string, afterSeq int64, limit int) ([]orchestrator.Message, error) {
	id = normalizeID(id)
	n, err := s.client.Exists(ctx, s.keyInstance(id)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	raw, err := s.client.LRange(ctx, s.keyMessages(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]orchestrator.Message, 0, len(raw))
	for _, body := range raw {
		var msg orchestrator.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decode message for %s: %w", id, err)
		}
		if msg.Seq > afterSeq {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return clampLimit(out, limit), nil
}

func (s *RedisStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	return s.client.ZRangeByScore(ctx, s.keyIdle(), by).Result()
}

func encodeRedis(rec *Instance, msgs []orchestrator.Message) ([]byte, []any, error) {
	data, err := json.Marshal(redisInstance{
		ID:            rec.ID,
		CapabilityID:  rec.CapabilityID,
		ParentID:      rec.ParentID,
		State:         rec.State,
		Status:        string(rec.Status),
		Context:       nonNilMap(rec.Context),
		RenderData:    nonNilMap(rec.RenderData),
		Version:       rec.Version,
		LastSeq:       rec.LastSeq,
		DismissReason: rec.DismissReason,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode instance %s: %w", rec.ID, err)
	}
	bodies := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, nil, fmt.Errorf("encode message %d for %s: %w", msg.Seq, rec.ID, err)
		}
		bodies = append(bodies, string(body))
	}
	return data, bodies, nil
}

func decodeRedis(data []byte) (*Instance, error) {
	var raw redisInstance
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return &Instance{
		ID:            raw.ID,
		CapabilityID:  raw.CapabilityID,
		ParentID:      raw.ParentID,
		State:         raw.State,
		Status:        orchestrator.Status(raw.Status),
		Context:       nonNilMap(raw.Context),
		RenderData:    nonNilMap(raw.RenderData),
		Version:       raw.Version,
		LastSeq:       raw.LastSeq,
		DismissReason: raw.DismissReason,
		CreatedAt:     raw.CreatedAt.UTC(),
		UpdatedAt:     raw.UpdatedAt.UTC(),
	}, nil
}
