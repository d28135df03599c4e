package store

import (
	"context"
	"sort"
	"sync"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	messages  map[string][]orchestrator.Message
	opts      options
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
		messages:  make(map[string][]orchestrator.Message),
		opts:      buildOptions(opts),
	}
}

func (s *MemoryStore) Create(_ context.Context, inst *Instance, msgs []orchestrator.Message) (*Instance, []orchestrator.Message, error) {
	rec, stamped, err := prepareCreate(inst, msgs, s.opts.now(), s.opts.newID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[rec.ID]; exists {
		return nil, nil, ErrAlreadyExists
	}
	s.instances[rec.ID] = rec
	s.messages[rec.ID] = s.trim(orchestrator.CloneMessages(stamped))
	return rec.Clone(), stamped, nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.instances[normalizeID(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) LoadForUpdate(ctx context.Context, id string) (*Instance, LockToken, error) {
	rec, err := s.Load(ctx, id)
	if err != nil {
		return nil, LockToken{}, err
	}
	return rec, rec.Token(), nil
}

func (s *MemoryStore) Commit(ctx context.Context, token LockToken, next *Instance, msgs []orchestrator.Message) (*Instance, []orchestrator.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	token.InstanceID = normalizeID(token.InstanceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[token.InstanceID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if cur.Version != token.Version {
		return nil, nil, ErrVersionConflict
	}
	rec, stamped, err := prepareCommit(token, next, cur.LastSeq, msgs, s.opts.now())
	if err != nil {
		return nil, nil, err
	}
	rec.CreatedAt = cur.CreatedAt
	s.instances[rec.ID] = rec
	s.messages[rec.ID] = s.trim(append(s.messages[rec.ID], orchestrator.CloneMessages(stamped)...))
	return rec.Clone(), stamped, nil
}

func (s *MemoryStore) Messages(_ context.Context, id string, afterSeq int64, limit int) ([]orchestrator.Message, error) {
	id = normalizeID(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.instances[id]; !ok {
		return nil, ErrNotFound
	}
	log := s.messages[id]
	idx := sort.Search(len(log), func(i int) bool { return log[i].Seq > afterSeq })
	return orchestrator.CloneMessages(clampLimit(log[idx:], limit)), nil
}

func (s *MemoryStore) ListIdle(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, rec := range s.instances {
		if rec.Status == orchestrator.StatusDismissed || !rec.UpdatedAt.Before(before) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryStore) trim(log []orchestrator.Message) []orchestrator.Message {
	if over := len(log) - s.opts.retention; over > 0 {
		return append([]orchestrator.Message(nil), log[over:]...)
	}
	return log
}
