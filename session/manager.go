package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/core"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/google/uuid"
)

const (
	// DefaultIdempotencyTTL is how long a request outcome is replayable.
	DefaultIdempotencyTTL = 10 * time.Minute
	// DefaultReservationLease bounds how long a request may hold its key
	// before a duplicate can claim it.
	DefaultReservationLease = 30 * time.Second
	DefaultReplayWait       = 5 * time.Second
	DefaultReplayPoll       = 25 * time.Millisecond
)

// Engine is the part of core.Engine the manager drives.
type Engine interface {
	Create(ctx context.Context, req core.CreateRequest) (*core.Result, error)
	ApplyEvent(ctx context.Context, req core.EventRequest) (*core.Result, error)
	PatchRenderData(ctx context.Context, req core.PatchRequest) (*core.Result, error)
	Dismiss(ctx context.Context, req core.DismissRequest) (*core.Result, error)
	Sync(ctx context.Context, cursors []core.Cursor) ([]orchestrator.Message, error)
	ExpireIdle(ctx context.Context, idleFor time.Duration, limit int) ([]orchestrator.Message, error)
}

// Manager sits between transport adapters and the engine. It deduplicates
// requests by idempotency key, across every process sharing its
// IdempotencyStore, and tracks which instances each session
// follows, so reconnecting clients can be brought up to date.
type Manager struct {
	engine   Engine
	sessions Store
	records  IdempotencyStore
	locker   *keyLocker
	logger   logging.Logger
	ttl      time.Duration
	lease    time.Duration
	wait     time.Duration
	poll     time.Duration
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithIdempotencyTTL sets how long outcomes are kept for replay.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithReservationLease sets how long a running request keeps its key
// reserved. It should exceed the slowest expected request.
func WithReservationLease(lease time.Duration) Option {
	return func(m *Manager) {
		if lease > 0 {
			m.lease = lease
		}
	}
}

// WithReplayWait sets how long a duplicate waits for the request holding its
// key, and how often it checks.
func WithReplayWait(wait, poll time.Duration) Option {
	return func(m *Manager) {
		if wait > 0 {
			m.wait = wait
		}
		if poll > 0 {
			m.poll = poll
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager wires a manager. nil stores fall back to in-memory ones.
func NewManager(engine Engine, sessions Store, records IdempotencyStore, opts ...Option) (*Manager, error) {
	if engine == nil {
		return nil, errors.New("engine required")
	}
	m := &Manager{
		engine:   engine,
		sessions: sessions,
		records:  records,
		locker:   newKeyLocker(),
		ttl:      DefaultIdempotencyTTL,
		lease:    DefaultReservationLease,
		wait:     DefaultReplayWait,
		poll:     DefaultReplayPoll,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.sessions == nil {
		m.sessions = NewMemoryStore()
	}
	if m.records == nil {
		m.records = NewMemoryIdempotencyStore(m.now)
	}
	m.logger = logging.Normalize(m.logger)
	return m, nil
}

// Create starts an instance and subscribes the session to it.
func (m *Manager) Create(ctx context.Context, sessionID, key string, req core.CreateRequest) (*core.Result, error) {
	req.Caller.SessionID = sessionID
	return m.run(ctx, sessionID, key, "create", req, func(ctx context.Context) (*core.Result, error) {
		return m.engine.Create(ctx, req)
	})
}

// ApplyEvent applies an event. The idempotency key doubles as the operation
// key handed to handlers unless the request carries its own.
func (m *Manager) ApplyEvent(ctx context.Context, sessionID, key string, req core.EventRequest) (*core.Result, error) {
	req.Caller.SessionID = sessionID
	return m.run(ctx, sessionID, key, "apply_event", req, func(ctx context.Context) (*core.Result, error) {
		if strings.TrimSpace(req.OperationKey) == "" {
			req.OperationKey = sessionID + ":" + strings.TrimSpace(key)
		}
		return m.engine.ApplyEvent(ctx, req)
	})
}

func (m *Manager) PatchRenderData(ctx context.Context, sessionID, key string, req core.PatchRequest) (*core.Result, error) {
	req.Caller.SessionID = sessionID
	return m.run(ctx, sessionID, key, "patch_render_data", req, func(ctx context.Context) (*core.Result, error) {
		return m.engine.PatchRenderData(ctx, req)
	})
}

// Dismiss ends an instance and removes it from every session.
func (m *Manager) Dismiss(ctx context.Context, sessionID, key string, req core.DismissRequest) (*core.Result, error) {
	req.Caller.SessionID = sessionID
	return m.run(ctx, sessionID, key, "dismiss", req, func(ctx context.Context) (*core.Result, error) {
		return m.engine.Dismiss(ctx, req)
	})
}

// Ack records that the client has rendered messages up to seq.
func (m *Manager) Ack(ctx context.Context, sessionID, instanceID string, seq int64) error {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(instanceID) == "" {
		return orchestrator.Clone(orchestrator.ErrInvalidRequest, "session id and instance id are required", nil, nil)
	}
	if err := m.sessions.Track(ctx, sessionID, instanceID, seq); err != nil {
		return orchestrator.Internal(err, map[string]any{"session_id": sessionID, "instance_id": instanceID})
	}
	return nil
}

// Sync answers a reconnect. known holds the client's cursors; instances the
// session follows but the client did not mention are included from the
// last delivered seq. Dismissed instances are dropped from the session.
func (m *Manager) Sync(ctx context.Context, sessionID string, known []core.Cursor) ([]orchestrator.Message, error) {
	fields := map[string]any{"operation": "sync", "session_id": sessionID}
	logger := logging.WithFields(m.logger.WithContext(ctx), fields)
	if strings.TrimSpace(sessionID) == "" {
		return nil, orchestrator.Clone(orchestrator.ErrInvalidRequest, "session id is required", nil, fields)
	}

	live, err := m.sessions.Live(ctx, sessionID)
	if err != nil {
		return nil, orchestrator.Internal(err, fields)
	}
	cursors := make([]core.Cursor, 0, len(known)+len(live))
	mentioned := make(map[string]struct{}, len(known))
	for _, cur := range known {
		id := strings.TrimSpace(cur.InstanceID)
		if id == "" {
			continue
		}
		mentioned[id] = struct{}{}
		cursors = append(cursors, core.Cursor{InstanceID: id, LastSeenSeq: cur.LastSeenSeq})
	}
	var extra []string
	for id := range live {
		if _, ok := mentioned[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		cursors = append(cursors, core.Cursor{InstanceID: id, LastSeenSeq: live[id]})
	}

	msgs, err := m.engine.Sync(ctx, cursors)
	if err != nil {
		return nil, err
	}
	m.observe(ctx, sessionID, msgs)
	logger.Debug("sync: %d cursors, %d proactive, %d messages", len(known), len(extra), len(msgs))
	return msgs, nil
}

// Expire dismisses idle instances and releases them from all sessions.
func (m *Manager) Expire(ctx context.Context, idleFor time.Duration, limit int) ([]orchestrator.Message, error) {
	msgs, err := m.engine.ExpireIdle(ctx, idleFor, limit)
	for _, msg := range msgs {
		if rerr := m.sessions.Release(ctx, msg.InstanceID); rerr != nil {
			m.logger.Warn("release expired instance %s: %v", msg.InstanceID, rerr)
		}
	}
	return msgs, err
}

// Prune drops expired idempotency records.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	return m.records.Prune(ctx)
}

func (m *Manager) run(ctx context.Context, sessionID, key, op string, req any, fn func(context.Context) (*core.Result, error)) (*core.Result, error) {
	scope := Scope{SessionID: sessionID, Key: key}.normalize()
	fields := map[string]any{
		"operation":       op,
		"session_id":      scope.SessionID,
		"idempotency_key": scope.Key,
	}
	logger := logging.WithFields(m.logger.WithContext(ctx), fields)
	if !scope.valid() {
		return nil, orchestrator.Clone(orchestrator.ErrInvalidRequest, "session id and idempotency key are required", nil, fields)
	}

	hash, err := RequestHash(op, req)
	if err != nil {
		return nil, orchestrator.Internal(err, fields)
	}

	unlock := m.locker.Lock(scope.key())
	defer unlock()

	token := uuid.NewString()
	held, err := m.reserve(ctx, scope, op, hash, token, fields)
	if err != nil {
		return nil, err
	}
	if held != nil {
		logger.Debug("replaying recorded outcome")
		return held.outcome()
	}

	persist := context.WithoutCancel(ctx)
	res, err := fn(ctx)
	if err != nil && !recordable(err) {
		// not recorded: the caller should be able to retry with the same key
		if rerr := m.records.Release(persist, scope, token); rerr != nil {
			logger.Warn("idempotency reservation not released: %v", rerr)
		}
		return nil, err
	}

	now := m.now()
	record := &Record{
		Scope:       scope,
		Operation:   op,
		RequestHash: hash,
		Token:       token,
		Result:      res,
		Error:       orchestrator.Public(err),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	switch saveErr := m.records.Save(persist, record); {
	case errors.Is(saveErr, ErrRecordExists):
		// the reservation lapsed and another request recorded first
		cur, lerr := m.records.Load(persist, scope)
		if lerr != nil || cur == nil || cur.Pending {
			logger.Warn("idempotency reservation lapsed, outcome not recorded")
			break
		}
		logger.Warn("idempotency reservation lapsed, returning the recorded outcome")
		res, err = cur.outcome()
	case saveErr != nil:
		logger.Warn("idempotency record not saved: %v", saveErr)
	}
	if err != nil {
		return nil, err
	}
	m.observe(ctx, scope.SessionID, res.Messages)
	return res, nil
}

// reserve claims scope before the request runs. It returns the recorded
// record when a finished request already holds the scope, and waits while
// another request is still running. Waiting past the replay wait fails with
// ErrRequestInProgress, which callers may retry.
func (m *Manager) reserve(ctx context.Context, scope Scope, op, hash, token string, fields map[string]any) (*Record, error) {
	deadline := time.NewTimer(m.wait)
	defer deadline.Stop()
	poll := time.NewTicker(m.poll)
	defer poll.Stop()

	for {
		now := m.now()
		held, err := m.records.Reserve(ctx, &Record{
			Scope:       scope,
			Operation:   op,
			RequestHash: hash,
			Token:       token,
			CreatedAt:   now,
			ExpiresAt:   now.Add(m.lease),
		})
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, ErrRecordExists) {
			return nil, orchestrator.Internal(err, fields)
		}
		if held != nil && (held.Operation != op || held.RequestHash != hash) {
			md := copyFields(fields)
			md["recorded_operation"] = held.Operation
			return nil, orchestrator.Clone(orchestrator.ErrIdempotencyKeyReused,
				fmt.Sprintf("idempotency key %s was already used for a different request", scope.Key), nil, md)
		}
		if held != nil && !held.Pending {
			return held, nil
		}

		select {
		case <-ctx.Done():
			return nil, orchestrator.Internal(ctx.Err(), fields)
		case <-deadline.C:
			return nil, orchestrator.Clone(orchestrator.ErrRequestInProgress,
				fmt.Sprintf("idempotency key %s is held by a request that is still running", scope.Key), nil, fields)
		case <-poll.C:
		}
	}
}

// observe updates session tracking from messages delivered to a session.
func (m *Manager) observe(ctx context.Context, sessionID string, msgs []orchestrator.Message) {
	for _, msg := range msgs {
		var err error
		if msg.Kind == orchestrator.KindDismissed {
			err = m.sessions.Release(ctx, msg.InstanceID)
		} else {
			err = m.sessions.Track(ctx, sessionID, msg.InstanceID, msg.Seq)
		}
		if err != nil {
			m.logger.Warn("session %s tracking for %s failed: %v", sessionID, msg.InstanceID, err)
		}
	}
}

func recordable(err error) bool {
	switch orchestrator.Classify(err) {
	case orchestrator.ClassInternal, orchestrator.ClassConflict:
		return false
	default:
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
