package core

import (
	"context"
	"errors"
	"strings"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/machine"
	"github.com/goliatone/go-orchestrator/store"
)

// Cursor is the last message seq a client has seen for one instance.
type Cursor struct {
	InstanceID  string `json:"instanceId"`
	LastSeenSeq int64  `json:"lastSeenSeq"`
}

// Sync brings a reconnecting client up to date. For every cursor it returns
// the missed messages in order, or a single snapshot created message when
// the gap is too large or no longer retained. Instances that are unknown or
// dismissed yield one dismissed message so the client can drop them.
func (e *Engine) Sync(ctx context.Context, cursors []Cursor) (_ []orchestrator.Message, err error) {
	ctx, done := e.telemetry.track(ctx, "sync")
	defer func() { done(err) }()

	logger := e.loggerFor(ctx, map[string]any{"operation": "sync"})
	seen := make(map[string]struct{}, len(cursors))
	out := make([]orchestrator.Message, 0, len(cursors))
	for _, cur := range cursors {
		id := strings.TrimSpace(cur.InstanceID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		msgs, err := e.syncOne(ctx, id, cur.LastSeenSeq)
		if err != nil {
			logger.Error("sync failed for %s: %v", id, err)
			return nil, err
		}
		out = append(out, msgs...)
	}
	logger.Debug("sync resolved %d cursors into %d messages", len(seen), len(out))
	return out, nil
}

func (e *Engine) syncOne(ctx context.Context, id string, after int64) ([]orchestrator.Message, error) {
	fields := map[string]any{"operation": "sync", "instance_id": id}
	inst, err := e.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return []orchestrator.Message{{Kind: orchestrator.KindDismissed, InstanceID: id}}, nil
	}
	if err != nil {
		return nil, orchestrator.Internal(err, copyFields(fields))
	}
	if inst.Status == orchestrator.StatusDismissed {
		return []orchestrator.Message{{
			Kind:             orchestrator.KindDismissed,
			InstanceID:       inst.ID,
			Seq:              inst.LastSeq,
			Version:          inst.Version,
			CapabilityID:     inst.CapabilityID,
			ParentInstanceID: inst.ParentID,
			State:            inst.State,
			Reason:           inst.DismissReason,
			CreatedAt:        inst.UpdatedAt,
		}}, nil
	}
	if after == inst.LastSeq {
		return nil, nil
	}
	// A cursor ahead of the log belongs to a different incarnation of the
	// instance; only a snapshot is safe.
	if after > inst.LastSeq || after < 0 || inst.LastSeq-after > e.replayThreshold {
		return []orchestrator.Message{e.snapshotMessage(inst)}, nil
	}
	msgs, err := e.store.Messages(ctx, id, after, 0)
	if err != nil {
		return nil, orchestrator.Internal(err, copyFields(fields))
	}
	if len(msgs) == 0 || msgs[0].Seq != after+1 {
		return []orchestrator.Message{e.snapshotMessage(inst)}, nil
	}
	return msgs, nil
}

// snapshotMessage renders the current instance as a created message carrying
// the latest seq, so the client can resume its cursor from it.
func (e *Engine) snapshotMessage(inst *store.Instance) orchestrator.Message {
	msg := orchestrator.Message{
		Seq:              inst.LastSeq,
		Kind:             orchestrator.KindCreated,
		InstanceID:       inst.ID,
		Version:          inst.Version,
		CapabilityID:     inst.CapabilityID,
		ParentInstanceID: inst.ParentID,
		State:            inst.State,
		RenderData:       orchestrator.CloneMap(inst.RenderData),
		AllowedEvents:    []string{},
		Snapshot:         true,
		CreatedAt:        inst.UpdatedAt,
	}
	if c, err := e.registry.Resolve(inst.CapabilityID); err == nil {
		m := c.Machine()
		msg.AllowedEvents = allowedEvents(m, inst)
		msg.Final = m.IsFinal(machine.State(inst.State))
	}
	return msg
}
