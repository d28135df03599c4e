package session

import (
	"context"
	"strings"
	"sync"
)

// Store tracks, per client session, the instances the session has seen and
// the last message seq delivered for each.
type Store interface {
	// Track records seq as delivered. Lower values never move the cursor
	// backwards.
	Track(ctx context.Context, sessionID, instanceID string, seq int64) error
	// Forget drops instances from one session.
	Forget(ctx context.Context, sessionID string, instanceIDs ...string) error
	// Release drops an instance from every session tracking it.
	Release(ctx context.Context, instanceID string) error
	// Live returns instance id to last delivered seq. Unknown sessions yield
	// an empty map.
	Live(ctx context.Context, sessionID string) (map[string]int64, error)
	// Drop removes the whole session.
	Drop(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]int64
	owners   map[string]map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]int64),
		owners:   make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Track(_ context.Context, sessionID, instanceID string, seq int64) error {
	sessionID, instanceID = strings.TrimSpace(sessionID), strings.TrimSpace(instanceID)
	if sessionID == "" || instanceID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.sessions[sessionID]
	if !ok {
		live = make(map[string]int64)
		s.sessions[sessionID] = live
	}
	if cur, seen := live[instanceID]; !seen || seq > cur {
		live[instanceID] = seq
	}
	owners, ok := s.owners[instanceID]
	if !ok {
		owners = make(map[string]struct{})
		s.owners[instanceID] = owners
	}
	owners[sessionID] = struct{}{}
	return nil
}

func (s *MemoryStore) Forget(_ context.Context, sessionID string, instanceIDs ...string) error {
	sessionID = strings.TrimSpace(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range instanceIDs {
		id = strings.TrimSpace(id)
		delete(s.sessions[sessionID], id)
		if owners, ok := s.owners[id]; ok {
			delete(owners, sessionID)
			if len(owners) == 0 {
				delete(s.owners, id)
			}
		}
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, instanceID string) error {
	instanceID = strings.TrimSpace(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID := range s.owners[instanceID] {
		delete(s.sessions[sessionID], instanceID)
	}
	delete(s.owners, instanceID)
	return nil
}

func (s *MemoryStore) Live(_ context.Context, sessionID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := s.sessions[strings.TrimSpace(sessionID)]
	out := make(map[string]int64, len(live))
	for id, seq := range live {
		out[id] = seq
	}
	return out, nil
}

func (s *MemoryStore) Drop(_ context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions[sessionID] {
		if owners, ok := s.owners[id]; ok {
			delete(owners, sessionID)
			if len(owners) == 0 {
				delete(s.owners, id)
			}
		}
	}
	delete(s.sessions, sessionID)
	return nil
}
