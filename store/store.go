package store

import (
	"context"
	"errors"
	"strings"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
)

var (
	// ErrVersionConflict indicates the compare-and-set commit lost a race.
	ErrVersionConflict = errors.New("instance version conflict")
	// ErrNotFound indicates no instance exists under the id.
	ErrNotFound = errors.New("instance not found")
	// ErrAlreadyExists indicates Create was called with an id already in use.
	ErrAlreadyExists = errors.New("instance already exists")
)

// DefaultMessageRetention is how many recent messages each instance keeps
// for reconnect replay.
const DefaultMessageRetention = 256

// Instance is the persisted record of one flow instance.
type Instance struct {
	ID            string
	CapabilityID  string
	ParentID      string
	State         string
	Status        orchestrator.Status
	Context       map[string]any
	RenderData    map[string]any
	Version       int64
	LastSeq       int64
	DismissReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Context = orchestrator.CloneMap(i.Context)
	cp.RenderData = orchestrator.CloneMap(i.RenderData)
	return &cp
}

// Token returns the lock token for the instance as loaded.
func (i *Instance) Token() LockToken {
	return LockToken{InstanceID: i.ID, Version: i.Version}
}

// LockToken is the version observed at load time. It is not a mutex: a
// commit presenting a stale token fails with ErrVersionConflict.
type LockToken struct {
	InstanceID string
	Version    int64
}

// Store persists instances and their message log with optimistic
// concurrency. Implementations must make Commit an atomic compare-and-set on
// the instance version, and must write the instance and its messages
// together.
type Store interface {
	// Create persists a new instance at version 1. An empty ID is replaced by
	// a fresh one. msgs are stamped with sequence numbers starting at 1.
	Create(ctx context.Context, inst *Instance, msgs []orchestrator.Message) (*Instance, []orchestrator.Message, error)
	// Load returns the instance or ErrNotFound.
	Load(ctx context.Context, id string) (*Instance, error)
	// LoadForUpdate returns the instance and the token to commit against.
	LoadForUpdate(ctx context.Context, id string) (*Instance, LockToken, error)
	// Commit replaces the instance if its version still equals token.Version,
	// bumping the version by one and appending msgs with the next sequence
	// numbers.
	Commit(ctx context.Context, token LockToken, next *Instance, msgs []orchestrator.Message) (*Instance, []orchestrator.Message, error)
	// Messages returns retained messages with seq > afterSeq in order.
	// limit <= 0 returns all retained messages.
	Messages(ctx context.Context, id string, afterSeq int64, limit int) ([]orchestrator.Message, error)
	// ListIdle returns ids of non-dismissed instances untouched since before.
	ListIdle(ctx context.Context, before time.Time, limit int) ([]string, error)
}

func prepareCreate(inst *Instance, msgs []orchestrator.Message, now time.Time, newID func() string) (*Instance, []orchestrator.Message, error) {
	if inst == nil {
		return nil, nil, errors.New("instance required")
	}
	rec := inst.Clone()
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = newID()
	}
	if strings.TrimSpace(rec.CapabilityID) == "" {
		return nil, nil, errors.New("instance capability id required")
	}
	if strings.TrimSpace(rec.State) == "" {
		return nil, nil, errors.New("instance state required")
	}
	if rec.Status == "" {
		rec.Status = orchestrator.StatusActive
	}
	if rec.Context == nil {
		rec.Context = map[string]any{}
	}
	if rec.RenderData == nil {
		rec.RenderData = map[string]any{}
	}
	rec.Version = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	stamped := stampMessages(rec, 0, msgs, now)
	return rec, stamped, nil
}

func prepareCommit(token LockToken, next *Instance, lastSeq int64, msgs []orchestrator.Message, now time.Time) (*Instance, []orchestrator.Message, error) {
	if next == nil {
		return nil, nil, errors.New("instance required")
	}
	rec := next.Clone()
	rec.ID = token.InstanceID
	rec.Version = token.Version + 1
	rec.UpdatedAt = now
	stamped := stampMessages(rec, lastSeq, msgs, now)
	return rec, stamped, nil
}

// stampMessages assigns instance id, version and consecutive sequence numbers
// after lastSeq, and advances rec.LastSeq.
func stampMessages(rec *Instance, lastSeq int64, msgs []orchestrator.Message, now time.Time) []orchestrator.Message {
	out := make([]orchestrator.Message, 0, len(msgs))
	for _, msg := range msgs {
		msg = msg.Clone()
		lastSeq++
		msg.Seq = lastSeq
		msg.InstanceID = rec.ID
		msg.Version = rec.Version
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		out = append(out, msg)
	}
	rec.LastSeq = lastSeq
	return out
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

// Dismiss marks an instance dismissed without deleting it. It returns the
// dismissed message and changed=false when the instance was already
// dismissed. Version conflicts are retried up to attempts times.
func Dismiss(ctx context.Context, s Store, id, reason string, attempts int) (*Instance, *orchestrator.Message, bool, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		inst, token, err := s.LoadForUpdate(ctx, id)
		if err != nil {
			return nil, nil, false, err
		}
		if inst.Status == orchestrator.StatusDismissed {
			return inst, nil, false, nil
		}
		next := inst.Clone()
		next.Status = orchestrator.StatusDismissed
		next.DismissReason = reason
		msg := orchestrator.Message{
			Kind:             orchestrator.KindDismissed,
			CapabilityID:     inst.CapabilityID,
			ParentInstanceID: inst.ParentID,
			State:            inst.State,
			Reason:           reason,
		}
		committed, msgs, err := s.Commit(ctx, token, next, []orchestrator.Message{msg})
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, nil, false, err
		}
		return committed, &msgs[0], true, nil
	}
	return nil, nil, false, lastErr
}

func clampLimit(msgs []orchestrator.Message, limit int) []orchestrator.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}
