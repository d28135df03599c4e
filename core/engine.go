package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/capability"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/machine"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/goliatone/go-orchestrator/schema"
	"github.com/goliatone/go-orchestrator/store"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Engine owns the lifecycle of flow instances. It holds no per-instance
// state in memory: every operation loads from the store and commits with a
// compare-and-set, so any number of engines may share one store.
type Engine struct {
	registry *capability.Registry
	store    store.Store
	logger   logging.Logger

	hydrators  *Registry[Hydrator]
	handlers   *Registry[Handler]
	migrations *Registry[Migration]

	intents       IntentResolver
	minConfidence float64

	maxConflictRetries int
	retryStrategy      runner.RetryStrategy
	retry              *runner.Handler
	replayThreshold    int64
	maxChainDepth      int

	now             func() time.Time
	newOperationKey func() string

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	telemetry      *telemetry
}

// View is the externally visible state of an instance.
type View struct {
	InstanceID       string              `json:"instanceId"`
	CapabilityID     string              `json:"capabilityId"`
	ParentInstanceID string              `json:"parentInstanceId,omitempty"`
	State            string              `json:"state"`
	Status           orchestrator.Status `json:"status"`
	Context          map[string]any      `json:"context,omitempty"`
	RenderData       map[string]any      `json:"renderData"`
	Version          int64               `json:"version"`
	LastSeq          int64               `json:"messageSeq"`
	AllowedEvents    []string            `json:"allowedEvents"`
	Final            bool                `json:"final"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// Result is the outcome of a mutating operation: the committed view and the
// messages it emitted, in seq order.
type Result struct {
	Instance View                   `json:"instance"`
	Messages []orchestrator.Message `json:"messages"`
	// Changed is false when the operation was a no-op, such as dismissing an
	// instance that was already dismissed.
	Changed bool `json:"changed"`
}

// Failure returns the business failure carried by the result, if any.
func (r *Result) Failure() *orchestrator.Failure {
	if r == nil {
		return nil
	}
	for _, msg := range r.Messages {
		if msg.Failure != nil {
			return msg.Failure
		}
	}
	return nil
}

// CreateRequest starts a new instance.
type CreateRequest struct {
	CapabilityID     string         `json:"capabilityId"`
	Entities         map[string]any `json:"entities,omitempty"`
	ParentInstanceID string         `json:"parentInstanceId,omitempty"`
	Caller           Caller         `json:"caller"`
}

// EventRequest applies an event to an instance.
type EventRequest struct {
	InstanceID string         `json:"instanceId"`
	Event      string         `json:"event"`
	Payload    map[string]any `json:"payload,omitempty"`
	Caller     Caller         `json:"caller"`
	// OperationKey is handed to handlers unchanged. When empty a fresh key
	// is generated for the request.
	OperationKey string `json:"operationKey,omitempty"`
}

// PatchRequest merges a JSON merge patch into render data.
type PatchRequest struct {
	InstanceID string         `json:"instanceId"`
	Patch      map[string]any `json:"patch"`
	Caller     Caller         `json:"caller"`
}

// DismissRequest ends an instance.
type DismissRequest struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason,omitempty"`
	Caller     Caller `json:"caller"`
}

// New builds an engine over an immutable registry snapshot and a store. It
// fails when a capability names a hydrator, handler or migration that was
// not provided.
func New(registry *capability.Registry, st store.Store, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("capability registry required")
	}
	if st == nil {
		return nil, errors.New("instance store required")
	}
	e := &Engine{
		registry:           registry,
		store:              st,
		hydrators:          NewRegistry[Hydrator]("hydrator"),
		handlers:           NewRegistry[Handler]("handler"),
		migrations:         NewRegistry[Migration]("migration"),
		maxConflictRetries: DefaultMaxConflictRetries,
		retryStrategy: runner.ExponentialBackoffStrategy{
			Base:   time.Millisecond,
			Factor: 2,
			Max:    50 * time.Millisecond,
		},
		replayThreshold: DefaultReplayThreshold,
		maxChainDepth:   DefaultMaxChainDepth,
		now:             func() time.Time { return time.Now().UTC() },
		newOperationKey: defaultOperationKey,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = logging.Normalize(e.logger)

	tel, err := newTelemetry(e.tracerProvider, e.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	e.telemetry = tel
	e.retry = runner.NewHandler(
		runner.WithMaxRetries(e.maxConflictRetries),
		runner.WithRetryStrategy(e.retryStrategy),
		runner.WithRetryIf(func(err error) bool { return errors.Is(err, store.ErrVersionConflict) }),
		runner.WithLogger(e.logger),
	)

	if err := e.checkBindings(); err != nil {
		return nil, err
	}
	return e, nil
}

// Registry returns the capability snapshot the engine was built with.
func (e *Engine) Registry() *capability.Registry { return e.registry }

func (e *Engine) checkBindings() error {
	var missing []string
	for _, id := range e.registry.IDs() {
		c, err := e.registry.Resolve(id)
		if err != nil {
			return err
		}
		if name := c.Hydrator(); name != "" {
			if _, ok := e.hydrators.Lookup(name); !ok {
				missing = append(missing, fmt.Sprintf("%s: hydrator %s", id, name))
			}
		}
		for _, name := range c.Effects() {
			if _, ok := e.handlers.Lookup(name); !ok {
				missing = append(missing, fmt.Sprintf("%s: handler %s", id, name))
			}
		}
		if _, name, ok := c.MigratesFrom(); ok {
			if _, found := e.migrations.Lookup(name); !found {
				missing = append(missing, fmt.Sprintf("%s: migration %s", id, name))
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return orchestrator.Clone(orchestrator.ErrInvalidDefinition,
		"unbound collaborators: "+strings.Join(missing, "; "), nil,
		map[string]any{"missing": missing})
}

// Create starts an instance of a capability in its initial state and emits
// a created message. A child instance names its parent; the link is only
// used for routing and never ties the child's lifecycle to the parent.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (_ *Result, err error) {
	ctx, done := e.telemetry.track(ctx, "create", attrCapabilityID.String(req.CapabilityID))
	defer func() { done(err) }()

	fields := map[string]any{
		"operation":     "create",
		"capability_id": req.CapabilityID,
	}
	logger := e.loggerFor(ctx, fields)

	if strings.TrimSpace(req.CapabilityID) == "" {
		return nil, invalidRequest("capability id is required", fields)
	}
	c, err := e.registry.Resolve(req.CapabilityID)
	if err != nil {
		logger.Warn("create rejected: %v", err)
		return nil, err
	}
	fields["capability_id"] = c.Key()

	if missing := c.Allows(req.Caller.Permissions); len(missing) > 0 {
		md := copyFields(fields)
		md["missing_permissions"] = missing
		logger.Warn("create denied, missing permissions %v", missing)
		return nil, orchestrator.Clone(orchestrator.ErrPermissionDenied,
			fmt.Sprintf("not allowed to start %s", c.Title()), nil, md)
	}

	entities := req.Entities
	if entities == nil {
		entities = map[string]any{}
	}
	if err := c.EntitySchema().Validate(entities); err != nil {
		return nil, schemaViolation(orchestrator.ErrInvalidEntities,
			fmt.Sprintf("entities do not match %s", c.Key()), err, fields)
	}

	parentID := strings.TrimSpace(req.ParentInstanceID)
	if parentID != "" {
		fields["parent_instance_id"] = parentID
		parent, err := e.store.Load(ctx, parentID)
		if err != nil {
			return nil, storeError(err, parentID, fields)
		}
		if !parent.Status.Visible() {
			return nil, instanceNotFound(parentID)
		}
	}

	renderData, err := e.hydrate(ctx, c, entities, req.Caller, fields)
	if err != nil {
		logger.Warn("hydration failed: %v", err)
		return nil, err
	}
	if err := c.RenderDataSchema().Validate(renderData); err != nil {
		logger.Error("hydrated render data rejected by schema: %v", err)
		return nil, schemaViolation(orchestrator.ErrHydrationSchemaMismatch,
			fmt.Sprintf("render data for %s does not match its schema", c.Key()), err, fields)
	}

	m := c.Machine()
	initial := m.Initial()
	status := orchestrator.StatusActive
	if m.IsFinal(initial) {
		status = orchestrator.StatusFinalizing
	}
	inst := &store.Instance{
		CapabilityID: c.Key(),
		ParentID:     parentID,
		State:        string(initial),
		Status:       status,
		Context:      map[string]any{},
		RenderData:   renderData,
	}
	created := orchestrator.Message{
		Kind:             orchestrator.KindCreated,
		CapabilityID:     c.Key(),
		ParentInstanceID: parentID,
		State:            string(initial),
		RenderData:       renderData,
		AllowedEvents:    allowedEvents(m, inst),
		Final:            m.IsFinal(initial),
	}
	rec, msgs, err := e.store.Create(ctx, inst, []orchestrator.Message{created})
	if err != nil {
		logger.Error("create persist failed: %v", err)
		return nil, orchestrator.Internal(err, copyFields(fields))
	}
	logger.Info("instance created id=%s state=%s", rec.ID, rec.State)
	return &Result{Instance: viewOf(m, rec), Messages: msgs, Changed: true}, nil
}

// ApplyEvent runs event through the instance's machine, invokes the bound
// handler and commits the result. An event with no edge from the current
// state fails with FLOW_INVALID_TRANSITION and nothing is written. A handler
// business failure is committed as a failed message and, when the machine
// defines one, the failure edge.
func (e *Engine) ApplyEvent(ctx context.Context, req EventRequest) (_ *Result, err error) {
	ctx, done := e.telemetry.track(ctx, "apply_event",
		attrInstanceID.String(req.InstanceID),
		attrEvent.String(req.Event),
	)
	defer func() { done(err) }()

	opKey := strings.TrimSpace(req.OperationKey)
	if opKey == "" {
		opKey = e.newOperationKey()
	}
	fields := map[string]any{
		"operation":     "apply_event",
		"instance_id":   req.InstanceID,
		"event":         req.Event,
		"operation_key": opKey,
	}
	logger := e.loggerFor(ctx, fields)
	logger.Debug("apply event requested")

	if strings.TrimSpace(req.InstanceID) == "" {
		return nil, invalidRequest("instance id is required", fields)
	}
	if strings.TrimSpace(req.Event) == "" {
		return nil, invalidRequest("event is required", fields)
	}

	var res *Result
	attempts, err := e.retry.Run(ctx, func(ctx context.Context, attempt int) error {
		r, err := e.applyOnce(ctx, req, opKey, attempt, fields)
		if errors.Is(err, store.ErrVersionConflict) {
			e.telemetry.conflict(ctx, "apply_event")
			logger.Debug("apply event lost commit race on attempt %d", attempt+1)
		}
		res = r
		return err
	})
	if err != nil {
		err = escalate(err, attempts, fields)
		if orchestrator.Classify(err) == orchestrator.ClassInternal {
			logger.Error("apply event failed: %v", err)
		} else {
			logger.Warn("apply event rejected: %v", err)
		}
		return nil, err
	}
	logger.Info("apply event committed state=%s version=%d", res.Instance.State, res.Instance.Version)
	return res, nil
}

func (e *Engine) applyOnce(ctx context.Context, req EventRequest, opKey string, attempt int, fields map[string]any) (*Result, error) {
	inst, token, err := e.store.LoadForUpdate(ctx, req.InstanceID)
	if err != nil {
		return nil, storeError(err, req.InstanceID, fields)
	}
	if inst.Status == orchestrator.StatusDismissed {
		return nil, instanceNotFound(inst.ID)
	}
	c, err := e.registry.Resolve(inst.CapabilityID)
	if err != nil {
		return nil, orchestrator.Internal(err, copyFields(fields))
	}
	m := c.Machine()

	if !inst.Status.Eventable() {
		md := copyFields(fields)
		md["state"] = inst.State
		md["status"] = string(inst.Status)
		md["allowed_events"] = []string{}
		return nil, orchestrator.Clone(orchestrator.ErrInvalidTransition,
			fmt.Sprintf("instance is %s and accepts no further events", inst.Status), nil, md)
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if edge := peekEdge(m, inst.State, req.Event); edge != nil && edge.PayloadSchema != nil {
		if err := edge.PayloadSchema.Validate(payload); err != nil {
			md := copyFields(fields)
			md["state"] = inst.State
			md["allowed_events"] = m.AllowedEvents(edge.From)
			return nil, schemaViolation(orchestrator.ErrInvalidPayload,
				fmt.Sprintf("payload for %s does not match its schema", edge.Event), err, md)
		}
	}

	outcome, err := machine.Evaluate(m, inst.State, req.Event, payload, inst.Context)
	if err != nil {
		return nil, err
	}

	next := inst.Clone()
	from := outcome.From
	current := outcome
	currentPayload := payload
	for depth := 1; ; depth++ {
		if effect := current.Effect(); effect != "" {
			result, herr := e.invokeHandler(ctx, c, next, current, currentPayload, req.Caller, opKey, attempt, fields)
			if herr != nil {
				if orchestrator.HasCode(herr, orchestrator.ErrCodeHandlerFailed) {
					return e.commitFailure(ctx, c, token, next, current, currentPayload, req.Caller, opKey, attempt, herr, from, outcome.Event, fields)
				}
				return nil, herr
			}
			next.Context = mergePatch(next.Context, result.ContextPatch)
			if len(result.RenderDataPatch) > 0 {
				next.RenderData = mergePatch(next.RenderData, result.RenderDataPatch)
				if err := c.RenderDataSchema().Validate(next.RenderData); err != nil {
					md := copyFields(fields)
					md["effect"] = effect
					md["violations"] = schema.Describe(err)
					return nil, orchestrator.Internal(fmt.Errorf("handler %s produced invalid render data: %w", effect, err), md)
				}
			}
			next.State = string(current.To)
			if strings.TrimSpace(result.Event) == "" {
				break
			}
			if depth >= e.maxChainDepth {
				return nil, orchestrator.Internal(fmt.Errorf("follow-up chain exceeded %d events", e.maxChainDepth), copyFields(fields))
			}
			followPayload := result.Payload
			if followPayload == nil {
				followPayload = map[string]any{}
			}
			followed, ferr := machine.Evaluate(m, next.State, result.Event, followPayload, next.Context)
			if ferr != nil {
				return nil, orchestrator.Internal(fmt.Errorf("handler %s follow-up %s: %w", effect, result.Event, ferr), copyFields(fields))
			}
			current = followed
			currentPayload = followPayload
			continue
		}
		next.State = string(current.To)
		break
	}

	target := machine.State(next.State)
	if m.IsFinal(target) {
		next.Status = orchestrator.StatusFinalizing
	}
	msg := orchestrator.Message{
		Kind:             orchestrator.KindTransitioned,
		CapabilityID:     c.Key(),
		ParentInstanceID: next.ParentID,
		State:            next.State,
		PreviousState:    string(from),
		Event:            string(outcome.Event),
		RenderData:       next.RenderData,
		AllowedEvents:    allowedEvents(m, next),
		Final:            m.IsFinal(target),
	}
	rec, msgs, err := e.commit(ctx, token, next, fields, msg)
	if err != nil {
		return nil, err
	}
	return &Result{Instance: viewOf(m, rec), Messages: msgs, Changed: true}, nil
}

// commitFailure records a handler business failure. The edge's failure
// event is applied from the state the failing edge left; when the machine
// has no such edge the state stays where it was. An effect bound to the
// failure edge runs before the commit and its patches are kept; follow-up
// events it returns are ignored. That effect failing in any way is an
// internal error.
func (e *Engine) commitFailure(
	ctx context.Context,
	c *capability.Capability,
	token store.LockToken,
	next *store.Instance,
	failed machine.Outcome,
	payload map[string]any,
	caller Caller,
	opKey string,
	attempt int,
	herr error,
	from machine.State,
	event machine.Event,
	fields map[string]any,
) (*Result, error) {
	m := c.Machine()
	target := failed.From
	if failed.Edge != nil {
		fo, err := machine.Evaluate(m, string(failed.From), string(failed.Edge.FailureEvent), payload, next.Context)
		switch {
		case err == nil:
			target = fo.To
			if err := e.runFailureEffect(ctx, c, next, fo, payload, caller, opKey, attempt, fields); err != nil {
				return nil, err
			}
		case orchestrator.HasCode(err, orchestrator.ErrCodeInternal):
			return nil, err
		}
	}

	public := orchestrator.Public(herr)
	next.State = string(target)
	next.Context = mergePatch(next.Context, map[string]any{
		"lastError": map[string]any{
			"code":    public.Code,
			"message": public.Message,
			"event":   string(failed.Event),
			"state":   string(failed.From),
		},
	})
	if m.IsFinal(target) {
		next.Status = orchestrator.StatusFinalizing
	}
	msg := orchestrator.Message{
		Kind:             orchestrator.KindFailed,
		CapabilityID:     c.Key(),
		ParentInstanceID: next.ParentID,
		State:            next.State,
		PreviousState:    string(from),
		Event:            string(event),
		AllowedEvents:    allowedEvents(m, next),
		Final:            m.IsFinal(target),
		Failure: &orchestrator.Failure{
			Code:     public.Code,
			Message:  public.Message,
			Recovery: m.Recovery(target),
		},
	}
	rec, msgs, err := e.commit(ctx, token, next, fields, msg)
	if err != nil {
		return nil, err
	}
	e.loggerFor(ctx, fields).Warn("handler failed, state=%s recovery=%s: %s", rec.State, msg.Failure.Recovery, public.Message)
	return &Result{Instance: viewOf(m, rec), Messages: msgs, Changed: true}, nil
}

func (e *Engine) runFailureEffect(
	ctx context.Context,
	c *capability.Capability,
	next *store.Instance,
	fo machine.Outcome,
	payload map[string]any,
	caller Caller,
	opKey string,
	attempt int,
	fields map[string]any,
) error {
	effect := fo.Effect()
	if effect == "" {
		return nil
	}
	md := copyFields(fields)
	md["effect"] = effect
	result, err := e.invokeHandler(ctx, c, next, fo, payload, caller, opKey, attempt, fields)
	if err != nil {
		return orchestrator.Internal(fmt.Errorf("failure handler %s: %w", effect, err), md)
	}
	next.Context = mergePatch(next.Context, result.ContextPatch)
	if len(result.RenderDataPatch) > 0 {
		next.RenderData = mergePatch(next.RenderData, result.RenderDataPatch)
		if err := c.RenderDataSchema().Validate(next.RenderData); err != nil {
			md["violations"] = schema.Describe(err)
			return orchestrator.Internal(fmt.Errorf("failure handler %s produced invalid render data: %w", effect, err), md)
		}
	}
	if ev := strings.TrimSpace(result.Event); ev != "" {
		e.loggerFor(ctx, fields).Warn("failure handler %s returned follow-up %s, ignored", effect, ev)
	}
	return nil
}

func (e *Engine) invokeHandler(
	ctx context.Context,
	c *capability.Capability,
	inst *store.Instance,
	outcome machine.Outcome,
	payload map[string]any,
	caller Caller,
	opKey string,
	attempt int,
	fields map[string]any,
) (HandlerResult, error) {
	name := outcome.Effect()
	h, ok := e.handlers.Lookup(name)
	if !ok {
		return HandlerResult{}, orchestrator.Internal(fmt.Errorf("handler %s is not registered", name), copyFields(fields))
	}
	in := HandlerInput{
		InstanceID:   inst.ID,
		CapabilityID: c.Key(),
		State:        string(outcome.From),
		Target:       string(outcome.To),
		Event:        string(outcome.Event),
		Payload:      orchestrator.CloneMap(payload),
		Context:      orchestrator.CloneMap(inst.Context),
		RenderData:   orchestrator.CloneMap(inst.RenderData),
		Caller:       caller,
		OperationKey: opKey,
		Attempt:      attempt,
	}
	var result HandlerResult
	err := orchestrator.Recover("handler "+name, e.panicLogger(ctx), fields, func() error {
		var herr error
		result, herr = h.Handle(ctx, in)
		return herr
	})
	if err != nil {
		return HandlerResult{}, collaboratorError(err, fields)
	}
	return result, nil
}

func (e *Engine) hydrate(ctx context.Context, c *capability.Capability, entities map[string]any, caller Caller, fields map[string]any) (map[string]any, error) {
	name := c.Hydrator()
	if name == "" {
		return orchestrator.CloneMap(entities), nil
	}
	h, ok := e.hydrators.Lookup(name)
	if !ok {
		return nil, orchestrator.Internal(fmt.Errorf("hydrator %s is not registered", name), copyFields(fields))
	}
	var out map[string]any
	err := orchestrator.Recover("hydrator "+name, e.panicLogger(ctx), fields, func() error {
		var herr error
		out, herr = h.Hydrate(ctx, orchestrator.CloneMap(entities), caller)
		return herr
	})
	if err != nil {
		return nil, collaboratorError(err, fields)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// PatchRenderData merges patch into the instance's render data without
// touching its state and emits dataPatched. Finalizing instances can still
// be patched.
func (e *Engine) PatchRenderData(ctx context.Context, req PatchRequest) (_ *Result, err error) {
	ctx, done := e.telemetry.track(ctx, "patch_render_data", attrInstanceID.String(req.InstanceID))
	defer func() { done(err) }()

	fields := map[string]any{
		"operation":   "patch_render_data",
		"instance_id": req.InstanceID,
	}
	logger := e.loggerFor(ctx, fields)
	if strings.TrimSpace(req.InstanceID) == "" {
		return nil, invalidRequest("instance id is required", fields)
	}
	if len(req.Patch) == 0 {
		return nil, invalidRequest("patch is empty", fields)
	}

	var res *Result
	attempts, err := e.retry.Run(ctx, func(ctx context.Context, attempt int) error {
		inst, token, err := e.store.LoadForUpdate(ctx, req.InstanceID)
		if err != nil {
			return storeError(err, req.InstanceID, fields)
		}
		if !inst.Status.Visible() {
			return instanceNotFound(inst.ID)
		}
		c, err := e.registry.Resolve(inst.CapabilityID)
		if err != nil {
			return orchestrator.Internal(err, copyFields(fields))
		}
		next := inst.Clone()
		next.RenderData = mergePatch(inst.RenderData, req.Patch)
		if err := c.RenderDataSchema().Validate(next.RenderData); err != nil {
			return schemaViolation(orchestrator.ErrInvalidPayload, "patched render data does not match its schema", err, fields)
		}
		m := c.Machine()
		msg := orchestrator.Message{
			Kind:             orchestrator.KindDataPatched,
			CapabilityID:     c.Key(),
			ParentInstanceID: next.ParentID,
			State:            next.State,
			Patch:            orchestrator.CloneMap(req.Patch),
			RenderData:       next.RenderData,
			AllowedEvents:    allowedEvents(m, next),
			Final:            m.IsFinal(machine.State(next.State)),
		}
		rec, msgs, err := e.commit(ctx, token, next, fields, msg)
		if errors.Is(err, store.ErrVersionConflict) {
			e.telemetry.conflict(ctx, "patch_render_data")
		}
		if err != nil {
			return err
		}
		res = &Result{Instance: viewOf(m, rec), Messages: msgs, Changed: true}
		return nil
	})
	if err != nil {
		err = escalate(err, attempts, fields)
		logger.Warn("patch render data failed: %v", err)
		return nil, err
	}
	logger.Debug("render data patched version=%d", res.Instance.Version)
	return res, nil
}

// Dismiss ends an instance regardless of its capability state and emits
// dismissed. Dismissing an already dismissed instance succeeds with
// Changed=false and no messages. Children are never dismissed along with
// their parent; callers dismiss each child explicitly.
func (e *Engine) Dismiss(ctx context.Context, req DismissRequest) (_ *Result, err error) {
	ctx, done := e.telemetry.track(ctx, "dismiss", attrInstanceID.String(req.InstanceID))
	defer func() { done(err) }()

	fields := map[string]any{
		"operation":   "dismiss",
		"instance_id": req.InstanceID,
	}
	if strings.TrimSpace(req.InstanceID) == "" {
		return nil, invalidRequest("instance id is required", fields)
	}
	return e.dismiss(ctx, req.InstanceID, req.Reason, fields)
}

func (e *Engine) dismiss(ctx context.Context, id, reason string, fields map[string]any) (*Result, error) {
	logger := e.loggerFor(ctx, fields)
	rec, msg, changed, err := store.Dismiss(ctx, e.store, id, reason, e.maxConflictRetries+1)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			e.telemetry.conflict(ctx, "dismiss")
		}
		err = escalate(storeError(err, id, fields), e.maxConflictRetries+1, fields)
		logger.Warn("dismiss failed: %v", err)
		return nil, err
	}
	res := &Result{Instance: e.viewFor(rec), Changed: changed}
	if msg != nil {
		res.Messages = []orchestrator.Message{*msg}
		logger.Info("instance dismissed reason=%q", reason)
	}
	return res, nil
}

// Snapshot returns the current view of an active or finalizing instance.
func (e *Engine) Snapshot(ctx context.Context, instanceID string) (_ *View, err error) {
	ctx, done := e.telemetry.track(ctx, "snapshot", attrInstanceID.String(instanceID))
	defer func() { done(err) }()

	inst, err := e.store.Load(ctx, instanceID)
	if err != nil {
		return nil, storeError(err, instanceID, map[string]any{"instance_id": instanceID})
	}
	if !inst.Status.Visible() {
		return nil, instanceNotFound(inst.ID)
	}
	v := e.viewFor(inst)
	return &v, nil
}

func (e *Engine) commit(ctx context.Context, token store.LockToken, next *store.Instance, fields map[string]any, msgs ...orchestrator.Message) (*store.Instance, []orchestrator.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, orchestrator.Internal(fmt.Errorf("operation abandoned before commit: %w", err), copyFields(fields))
	}
	rec, out, err := e.store.Commit(ctx, token, next, msgs)
	if err != nil {
		return nil, nil, storeError(err, token.InstanceID, fields)
	}
	return rec, out, nil
}

func (e *Engine) loggerFor(ctx context.Context, fields map[string]any) logging.Logger {
	return logging.WithFields(e.logger.WithContext(ctx), fields)
}

func (e *Engine) panicLogger(ctx context.Context) orchestrator.PanicLogger {
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		logger := e.logger.WithContext(ctx)
		for _, f := range fields {
			logger = logging.WithFields(logger, f)
		}
		logger.Error("panic in %s: %v\n%s", funcName, err, stack)
	}
}

func (e *Engine) viewFor(inst *store.Instance) View {
	c, err := e.registry.Resolve(inst.CapabilityID)
	if err != nil {
		return viewOf(nil, inst)
	}
	return viewOf(c.Machine(), inst)
}

func viewOf(m *machine.Machine, inst *store.Instance) View {
	v := View{
		InstanceID:       inst.ID,
		CapabilityID:     inst.CapabilityID,
		ParentInstanceID: inst.ParentID,
		State:            inst.State,
		Status:           inst.Status,
		Context:          orchestrator.CloneMap(inst.Context),
		RenderData:       orchestrator.CloneMap(inst.RenderData),
		Version:          inst.Version,
		LastSeq:          inst.LastSeq,
		AllowedEvents:    []string{},
		CreatedAt:        inst.CreatedAt,
		UpdatedAt:        inst.UpdatedAt,
	}
	if m != nil {
		v.AllowedEvents = allowedEvents(m, inst)
		v.Final = m.IsFinal(machine.State(inst.State))
	}
	return v
}

func allowedEvents(m *machine.Machine, inst *store.Instance) []string {
	if m == nil || !inst.Status.Eventable() {
		return []string{}
	}
	return m.AllowedEvents(machine.State(inst.State))
}

// peekEdge finds the edge an event would take without evaluating guards.
func peekEdge(m *machine.Machine, state, event string) *machine.Edge {
	s, ok := m.LookupState(state)
	if !ok {
		return nil
	}
	ev, ok := m.LookupEvent(event)
	if !ok {
		return nil
	}
	edge, ok := m.Edge(s, ev)
	if !ok {
		return nil
	}
	return edge
}
