package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Caller is the resolved identity a transport adapter attaches to a request.
// The engine never sees credentials, only the permission set.
type Caller struct {
	Subject     string         `json:"subject,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Hydrator turns seed entities into render data. Business failures are
// reported with orchestrator.HydrationFailed.
type Hydrator interface {
	Hydrate(ctx context.Context, entities map[string]any, caller Caller) (map[string]any, error)
}

// HydratorFunc adapts a function to Hydrator.
type HydratorFunc func(ctx context.Context, entities map[string]any, caller Caller) (map[string]any, error)

func (f HydratorFunc) Hydrate(ctx context.Context, entities map[string]any, caller Caller) (map[string]any, error) {
	return f(ctx, entities, caller)
}

// HandlerInput is what an event handler sees. Context and RenderData are
// copies; changes are proposed through HandlerResult.
type HandlerInput struct {
	InstanceID   string
	CapabilityID string
	State        string
	Target       string
	Event        string
	Payload      map[string]any
	Context      map[string]any
	RenderData   map[string]any
	Caller       Caller
	// OperationKey is stable across conflict retries of one request, so
	// handlers with irreversible effects can deduplicate on it.
	OperationKey string
	Attempt      int
}

// HandlerResult proposes changes. Patches follow JSON merge patch rules: a
// nil value removes the key. Event optionally names a follow-up event
// evaluated from the target state inside the same commit.
type HandlerResult struct {
	Event           string         `json:"event,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	ContextPatch    map[string]any `json:"contextPatch,omitempty"`
	RenderDataPatch map[string]any `json:"renderDataPatch,omitempty"`
}

// Handler performs the side effect bound to an edge. It may be invoked again
// with the same input after a version conflict and must be safe to repeat.
// Business failures are reported with orchestrator.HandlerFailed.
type Handler interface {
	Handle(ctx context.Context, in HandlerInput) (HandlerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in HandlerInput) (HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, in HandlerInput) (HandlerResult, error) {
	return f(ctx, in)
}

// MigrationInput carries the instance data being moved to a new version.
type MigrationInput struct {
	InstanceID string
	From       string
	To         string
	State      string
	Context    map[string]any
	RenderData map[string]any
}

// MigrationOutput is the migrated data. An empty State keeps the current
// state name.
type MigrationOutput struct {
	State      string
	Context    map[string]any
	RenderData map[string]any
}

// Migration maps an instance of an older capability version forward.
type Migration interface {
	Migrate(ctx context.Context, in MigrationInput) (MigrationOutput, error)
}

// MigrationFunc adapts a function to Migration.
type MigrationFunc func(ctx context.Context, in MigrationInput) (MigrationOutput, error)

func (f MigrationFunc) Migrate(ctx context.Context, in MigrationInput) (MigrationOutput, error) {
	return f(ctx, in)
}

// IntentMatch is the resolver's answer.
type IntentMatch struct {
	CapabilityID string         `json:"capabilityId"`
	Entities     map[string]any `json:"entities,omitempty"`
	Confidence   float64        `json:"confidence"`
}

// IntentResolver maps free text to a capability. It fails with
// orchestrator.ErrAmbiguousIntent or orchestrator.ErrNoIntentMatch clones.
type IntentResolver interface {
	Resolve(ctx context.Context, text string, caller Caller) (IntentMatch, error)
}

// IntentResolverFunc adapts a function to IntentResolver.
type IntentResolverFunc func(ctx context.Context, text string, caller Caller) (IntentMatch, error)

func (f IntentResolverFunc) Resolve(ctx context.Context, text string, caller Caller) (IntentMatch, error) {
	return f(ctx, text, caller)
}

// PassthroughHydrator uses the entities as render data.
var PassthroughHydrator = HydratorFunc(func(_ context.Context, entities map[string]any, _ Caller) (map[string]any, error) {
	out := make(map[string]any, len(entities))
	for k, v := range entities {
		out[k] = v
	}
	return out, nil
})

// PassthroughHandler records the payload into context under the event name.
var PassthroughHandler = HandlerFunc(func(_ context.Context, in HandlerInput) (HandlerResult, error) {
	if len(in.Payload) == 0 {
		return HandlerResult{}, nil
	}
	return HandlerResult{ContextPatch: map[string]any{strings.ToLower(in.Event): in.Payload}}, nil
})

// PassthroughMigration keeps state, context and render data unchanged.
var PassthroughMigration = MigrationFunc(func(_ context.Context, in MigrationInput) (MigrationOutput, error) {
	return MigrationOutput{State: in.State, Context: in.Context, RenderData: in.RenderData}, nil
})

// Registry stores named collaborators of one kind.
type Registry[T any] struct {
	mu    sync.RWMutex
	kind  string
	items map[string]T
}

// NewRegistry creates an empty registry. kind is used in error messages.
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, items: make(map[string]T)}
}

// Register adds item under name.
func (r *Registry[T]) Register(name string, item T) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%s name required", r.kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[string]T)
	}
	if _, exists := r.items[name]; exists {
		return fmt.Errorf("%s %s already registered", r.kind, name)
	}
	r.items[name] = item
	return nil
}

// MustRegister registers item and panics on error.
func (r *Registry[T]) MustRegister(name string, item T) *Registry[T] {
	if err := r.Register(name, item); err != nil {
		panic(err)
	}
	return r
}

// Lookup retrieves an item by name.
func (r *Registry[T]) Lookup(name string) (T, bool) {
	var zero T
	if r == nil {
		return zero, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[strings.TrimSpace(name)]
	if !ok {
		return zero, false
	}
	return item, true
}

// IDs returns sorted names.
func (r *Registry[T]) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
