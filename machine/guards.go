package machine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// GuardFunc decides whether an edge may fire for the given context and payload.
type GuardFunc func(context, payload map[string]any) (bool, error)

// GuardRegistry stores named guard functions shared across capabilities.
type GuardRegistry struct {
	guards     map[string]GuardFunc
	namespacer func(string, string) string
}

// NewGuardRegistry creates an empty registry.
func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{
		guards:     make(map[string]GuardFunc),
		namespacer: defaultNamespace,
	}
}

// Register stores a guard by name.
func (g *GuardRegistry) Register(name string, guard GuardFunc) error {
	return g.RegisterNamespaced("", name, guard)
}

// RegisterNamespaced stores a guard under namespace::name.
func (g *GuardRegistry) RegisterNamespaced(namespace, name string, guard GuardFunc) error {
	if strings.TrimSpace(name) == "" || guard == nil {
		return fmt.Errorf("guard name and function required")
	}
	if g.guards == nil {
		g.guards = make(map[string]GuardFunc)
	}
	key := g.namespacer(namespace, name)
	if _, exists := g.guards[key]; exists {
		return fmt.Errorf("guard %s already registered", key)
	}
	g.guards[key] = guard
	return nil
}

// Lookup retrieves a guard by name.
func (g *GuardRegistry) Lookup(name string) (GuardFunc, bool) {
	if g == nil {
		return nil, false
	}
	fn, ok := g.guards[strings.TrimSpace(name)]
	return fn, ok
}

func defaultNamespace(namespace, id string) string {
	ns := strings.TrimSpace(namespace)
	ident := strings.TrimSpace(id)
	if ns == "" {
		return ident
	}
	return ns + "::" + ident
}

type guard struct {
	label string
	fn    GuardFunc
}

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func guardEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

func compileGuard(def *GuardDefinition, reg *GuardRegistry) (*guard, error) {
	if def == nil {
		return nil, nil
	}
	ref := strings.TrimSpace(def.Ref)
	expr := strings.TrimSpace(def.Expr)
	switch {
	case ref != "" && expr != "":
		return nil, fmt.Errorf("guard: set either ref or expr")
	case ref != "":
		fn, ok := reg.Lookup(ref)
		if !ok || fn == nil {
			return nil, fmt.Errorf("guard: resolver %q not found", ref)
		}
		return &guard{label: "ref:" + ref, fn: fn}, nil
	case expr != "":
		fn, err := compileExpression(expr)
		if err != nil {
			return nil, err
		}
		return &guard{label: "expr:" + expr, fn: fn}, nil
	default:
		return nil, nil
	}
}

func compileExpression(expr string) (GuardFunc, error) {
	env, err := guardEnv()
	if err != nil {
		return nil, fmt.Errorf("guard: cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("guard: compile %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("guard: program %q: %w", expr, err)
	}
	return func(ctx, payload map[string]any) (bool, error) {
		if ctx == nil {
			ctx = map[string]any{}
		}
		if payload == nil {
			payload = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{
			"context": ctx,
			"payload": payload,
		})
		if err != nil {
			return false, err
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("guard %q returned %T, want bool", expr, out.Value())
		}
		return allowed, nil
	}, nil
}
