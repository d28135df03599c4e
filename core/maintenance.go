package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/schema"
	"github.com/goliatone/go-orchestrator/store"
)

// MigrateRequest moves an instance to a newer capability version.
type MigrateRequest struct {
	InstanceID         string `json:"instanceId"`
	TargetCapabilityID string `json:"targetCapabilityId"`
}

// ExpireIdle dismisses up to limit instances that have not changed for
// idleFor, with reason "expired". It returns the dismissed messages it
// emitted. Instances dismissed concurrently are skipped.
func (e *Engine) ExpireIdle(ctx context.Context, idleFor time.Duration, limit int) (_ []orchestrator.Message, err error) {
	ctx, done := e.telemetry.track(ctx, "expire_idle")
	defer func() { done(err) }()

	fields := map[string]any{"operation": "expire_idle", "idle_for": idleFor.String()}
	logger := e.loggerFor(ctx, fields)
	if idleFor <= 0 {
		return nil, invalidRequest("idle duration must be positive", fields)
	}

	ids, err := e.store.ListIdle(ctx, e.now().Add(-idleFor), limit)
	if err != nil {
		return nil, orchestrator.Internal(err, copyFields(fields))
	}

	var (
		out  []orchestrator.Message
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		f := copyFields(fields)
		f["instance_id"] = id
		res, err := e.dismiss(ctx, id, ReasonExpired, f)
		if err != nil {
			if orchestrator.HasCode(err, orchestrator.ErrCodeInstanceNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		out = append(out, res.Messages...)
	}
	if len(out) > 0 {
		logger.Info("expired %d idle instances", len(out))
	}
	return out, errors.Join(errs...)
}

// Migrate moves an instance onto a newer version of its capability through
// the migration the target version declares. The instance keeps its id and
// message log; a dataPatched message announces the new capability id.
func (e *Engine) Migrate(ctx context.Context, req MigrateRequest) (_ *Result, err error) {
	ctx, done := e.telemetry.track(ctx, "migrate",
		attrInstanceID.String(req.InstanceID),
		attrCapabilityID.String(req.TargetCapabilityID),
	)
	defer func() { done(err) }()

	fields := map[string]any{
		"operation":     "migrate",
		"instance_id":   req.InstanceID,
		"capability_id": req.TargetCapabilityID,
	}
	logger := e.loggerFor(ctx, fields)
	if strings.TrimSpace(req.InstanceID) == "" {
		return nil, invalidRequest("instance id is required", fields)
	}
	if strings.TrimSpace(req.TargetCapabilityID) == "" {
		return nil, invalidRequest("target capability id is required", fields)
	}
	target, err := e.registry.Resolve(req.TargetCapabilityID)
	if err != nil {
		return nil, err
	}
	fields["capability_id"] = target.Key()

	var res *Result
	attempts, err := e.retry.Run(ctx, func(ctx context.Context, _ int) error {
		inst, token, err := e.store.LoadForUpdate(ctx, req.InstanceID)
		if err != nil {
			return storeError(err, req.InstanceID, fields)
		}
		if !inst.Status.Visible() {
			return instanceNotFound(inst.ID)
		}
		if inst.CapabilityID == target.Key() {
			return invalidRequest(fmt.Sprintf("instance already runs %s", target.Key()), fields)
		}
		source, name, ok := target.MigratesFrom()
		if !ok || source.String() != inst.CapabilityID {
			md := copyFields(fields)
			md["current_capability_id"] = inst.CapabilityID
			return orchestrator.Clone(orchestrator.ErrInvalidRequest,
				fmt.Sprintf("%s does not migrate from %s", target.Key(), inst.CapabilityID), nil, md)
		}
		mig, found := e.migrations.Lookup(name)
		if !found {
			return orchestrator.Internal(fmt.Errorf("migration %s is not registered", name), copyFields(fields))
		}

		var out MigrationOutput
		err = orchestrator.Recover("migration "+name, e.panicLogger(ctx), fields, func() error {
			var merr error
			out, merr = mig.Migrate(ctx, MigrationInput{
				InstanceID: inst.ID,
				From:       inst.CapabilityID,
				To:         target.Key(),
				State:      inst.State,
				Context:    orchestrator.CloneMap(inst.Context),
				RenderData: orchestrator.CloneMap(inst.RenderData),
			})
			return merr
		})
		if err != nil {
			return collaboratorError(err, fields)
		}

		m := target.Machine()
		stateName := strings.TrimSpace(out.State)
		if stateName == "" {
			stateName = inst.State
		}
		state, ok := m.LookupState(stateName)
		if !ok {
			return orchestrator.Internal(fmt.Errorf("migration %s produced unknown state %q", name, stateName), copyFields(fields))
		}

		next := inst.Clone()
		next.CapabilityID = target.Key()
		next.State = string(state)
		if out.Context != nil {
			next.Context = out.Context
		}
		if out.RenderData != nil {
			next.RenderData = out.RenderData
		}
		if err := target.RenderDataSchema().Validate(next.RenderData); err != nil {
			md := copyFields(fields)
			md["violations"] = schema.Describe(err)
			return orchestrator.Internal(fmt.Errorf("migration %s produced invalid render data: %w", name, err), md)
		}
		next.Status = orchestrator.StatusActive
		if m.IsFinal(state) {
			next.Status = orchestrator.StatusFinalizing
		}

		msg := orchestrator.Message{
			Kind:             orchestrator.KindDataPatched,
			CapabilityID:     target.Key(),
			ParentInstanceID: next.ParentID,
			State:            next.State,
			PreviousState:    inst.State,
			RenderData:       next.RenderData,
			AllowedEvents:    allowedEvents(m, next),
			Final:            m.IsFinal(state),
		}
		rec, msgs, err := e.commit(ctx, token, next, fields, msg)
		if errors.Is(err, store.ErrVersionConflict) {
			e.telemetry.conflict(ctx, "migrate")
		}
		if err != nil {
			return err
		}
		res = &Result{Instance: viewOf(m, rec), Messages: msgs, Changed: true}
		return nil
	})
	if err != nil {
		err = escalate(err, attempts, fields)
		logger.Warn("migrate failed: %v", err)
		return nil, err
	}
	logger.Info("instance migrated state=%s", res.Instance.State)
	return res, nil
}

// Successors lists capability versions an instance can migrate to.
func (e *Engine) Successors(ctx context.Context, instanceID string) ([]string, error) {
	inst, err := e.store.Load(ctx, instanceID)
	if err != nil {
		return nil, storeError(err, instanceID, map[string]any{"instance_id": instanceID})
	}
	if !inst.Status.Visible() {
		return nil, instanceNotFound(inst.ID)
	}
	var out []string
	for _, c := range e.registry.Successors(inst.CapabilityID) {
		out = append(out, c.Key())
	}
	return out, nil
}
