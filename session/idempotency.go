package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/core"
	"github.com/gowebpki/jcs"
)

// ErrRecordExists is returned by Save when a live record already holds the
// scope.
var ErrRecordExists = errors.New("idempotency record already exists")

// Scope identifies one idempotency record. Keys are scoped to the session
// that sent them.
type Scope struct {
	SessionID string `json:"sessionId"`
	Key       string `json:"key"`
}

func (s Scope) normalize() Scope {
	return Scope{
		SessionID: strings.TrimSpace(s.SessionID),
		Key:       strings.TrimSpace(s.Key),
	}
}

func (s Scope) valid() bool {
	norm := s.normalize()
	return norm.SessionID != "" && norm.Key != ""
}

func (s Scope) key() string {
	norm := s.normalize()
	return norm.SessionID + "::" + norm.Key
}

// Record is the recorded outcome of one request: either a result or a
// caller-facing error. A pending record is a reservation taken before the
// request runs; Token identifies the request that holds it.
type Record struct {
	Scope       Scope                     `json:"scope"`
	Operation   string                    `json:"operation"`
	RequestHash string                    `json:"requestHash"`
	Pending     bool                      `json:"pending,omitempty"`
	Token       string                    `json:"token,omitempty"`
	Result      *core.Result              `json:"result,omitempty"`
	Error       *orchestrator.PublicError `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"createdAt"`
	ExpiresAt   time.Time                 `json:"expiresAt"`
}

// heldBy reports whether rec is a reservation taken with token.
func (r *Record) heldBy(token string) bool {
	return r != nil && r.Pending && token != "" && r.Token == token
}

func (r *Record) expired(now time.Time) bool {
	return r != nil && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// outcome replays the recorded result or error.
func (r *Record) outcome() (*core.Result, error) {
	if r.Error != nil {
		return nil, orchestrator.FromPublic(r.Error)
	}
	return cloneResult(r.Result), nil
}

// IdempotencyStore persists request outcomes for a bounded time. Every
// method must be atomic across processes sharing the store.
type IdempotencyStore interface {
	// Load returns the live record for scope, pending or not, or nil.
	Load(ctx context.Context, scope Scope) (*Record, error)
	// Reserve claims the scope of rec with a pending record that lives until
	// rec.ExpiresAt. When a live record already holds the scope it is
	// returned together with ErrRecordExists.
	Reserve(ctx context.Context, rec *Record) (*Record, error)
	// Save stores an outcome. It replaces the pending record reserved with
	// the same token; any other live record makes it fail with
	// ErrRecordExists.
	Save(ctx context.Context, rec *Record) error
	// Release drops the pending record reserved with token so the scope can
	// be retried. Records held by other tokens are left alone.
	Release(ctx context.Context, scope Scope, token string) error
	// Prune drops expired records and reports how many were removed.
	Prune(ctx context.Context) (int, error)
}

// MemoryIdempotencyStore keeps records in memory.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryIdempotencyStore constructs an empty store. now defaults to
// time.Now.
func NewMemoryIdempotencyStore(now func() time.Time) *MemoryIdempotencyStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryIdempotencyStore{
		records: make(map[string]*Record),
		now:     now,
	}
}

func (s *MemoryIdempotencyStore) Load(_ context.Context, scope Scope) (*Record, error) {
	if s == nil {
		return nil, errors.New("idempotency store not configured")
	}
	if !scope.valid() {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[scope.key()]
	if !ok || rec.expired(s.now()) {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, rec *Record) (*Record, error) {
	if s == nil {
		return nil, errors.New("idempotency store not configured")
	}
	rec, err := prepareReservation(rec, s.now())
	if err != nil {
		return nil, err
	}
	key := rec.Scope.key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, exists := s.records[key]; exists && !cur.expired(s.now()) {
		return cloneRecord(cur), ErrRecordExists
	}
	s.records[key] = rec
	return nil, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, rec *Record) error {
	if s == nil {
		return errors.New("idempotency store not configured")
	}
	rec, err := prepareRecord(rec, s.now())
	if err != nil {
		return err
	}
	key := rec.Scope.key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, exists := s.records[key]; exists && !cur.expired(s.now()) && !cur.heldBy(rec.Token) {
		return ErrRecordExists
	}
	s.records[key] = rec
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, scope Scope, token string) error {
	if s == nil {
		return nil
	}
	key := scope.key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, exists := s.records[key]; exists && cur.heldBy(token) {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryIdempotencyStore) Prune(_ context.Context) (int, error) {
	if s == nil {
		return 0, nil
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, rec := range s.records {
		if rec.expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

func prepareRecord(rec *Record, now time.Time) (*Record, error) {
	rec = cloneRecord(rec)
	if rec == nil {
		return nil, errors.New("idempotency record required")
	}
	rec.Scope = rec.Scope.normalize()
	if !rec.Scope.valid() {
		return nil, errors.New("idempotency scope requires session_id and key")
	}
	if strings.TrimSpace(rec.RequestHash) == "" {
		return nil, errors.New("idempotency request hash required")
	}
	if rec.Result == nil && rec.Error == nil {
		return nil, errors.New("idempotency outcome required")
	}
	rec.Pending = false
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	return rec, nil
}

func prepareReservation(rec *Record, now time.Time) (*Record, error) {
	rec = cloneRecord(rec)
	if rec == nil {
		return nil, errors.New("idempotency reservation required")
	}
	rec.Scope = rec.Scope.normalize()
	if !rec.Scope.valid() {
		return nil, errors.New("idempotency scope requires session_id and key")
	}
	if strings.TrimSpace(rec.RequestHash) == "" || strings.TrimSpace(rec.Token) == "" {
		return nil, errors.New("idempotency reservation requires a request hash and token")
	}
	if !rec.ExpiresAt.After(now) {
		return nil, errors.New("idempotency reservation requires a future expiry")
	}
	rec.Pending = true
	rec.Result, rec.Error = nil, nil
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	return rec, nil
}

// keyLocker serializes requests sharing an idempotency scope inside one
// process, so local duplicates queue instead of polling the store.
type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLockRef
}

type keyLockRef struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[string]*keyLockRef)}
}

func (l *keyLocker) Lock(key string) func() {
	if l == nil {
		return func() {}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return func() {}
	}
	l.mu.Lock()
	ref, ok := l.locks[key]
	if !ok || ref == nil {
		ref = &keyLockRef{}
		l.locks[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// RequestHash fingerprints an operation and its request using RFC 8785
// canonical JSON, so key order and number formatting never matter.
func RequestHash(operation string, req any) (string, error) {
	raw, err := json.Marshal(struct {
		Operation string `json:"operation"`
		Request   any    `json:"request"`
	}{Operation: operation, Request: req})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	cp := *rec
	cp.Scope = rec.Scope.normalize()
	cp.RequestHash = strings.TrimSpace(rec.RequestHash)
	cp.Result = cloneResult(rec.Result)
	if rec.Error != nil {
		e := *rec.Error
		e.AllowedEvents = append([]string(nil), rec.Error.AllowedEvents...)
		cp.Error = &e
	}
	return &cp
}

func cloneResult(res *core.Result) *core.Result {
	if res == nil {
		return nil
	}
	cp := *res
	cp.Instance.Context = orchestrator.CloneMap(res.Instance.Context)
	cp.Instance.RenderData = orchestrator.CloneMap(res.Instance.RenderData)
	cp.Instance.AllowedEvents = append([]string(nil), res.Instance.AllowedEvents...)
	cp.Messages = orchestrator.CloneMessages(res.Messages)
	return &cp
}
