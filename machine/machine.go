package machine

import (
	"fmt"
	"sort"
	"strings"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/schema"
)

// State is a state name that belongs to a compiled machine.
type State string

// Event is an event name that belongs to a compiled machine.
type Event string

// Edge is a compiled transition.
type Edge struct {
	ID            string
	Event         Event
	From          State
	To            State
	Effect        string
	FailureEvent  Event
	PayloadSchema *schema.Schema
	Metadata      map[string]any
	guard         *guard
}

// Guarded reports whether the edge has a guard.
func (e *Edge) Guarded() bool { return e != nil && e.guard != nil }

// GuardLabel describes the guard for diagnostics.
func (e *Edge) GuardLabel() string {
	if e == nil || e.guard == nil {
		return ""
	}
	return e.guard.label
}

// Machine is an immutable compiled state machine. Its state and event sets
// are closed: names not declared at compile time are never accepted.
type Machine struct {
	name    string
	initial State
	states  map[State]StateDefinition
	order   []State
	events  map[Event]struct{}
	edges   map[string]*Edge
	byState map[State][]*Edge
}

// Options configures compilation.
type Options struct {
	Guards *GuardRegistry
}

// Compile validates def and builds a Machine. name is used in error messages.
func Compile(name string, def Definition, opts Options) (*Machine, error) {
	if len(def.States) == 0 {
		return nil, invalid(name, "machine must define at least one state")
	}

	m := &Machine{
		name:    name,
		states:  make(map[State]StateDefinition, len(def.States)),
		events:  make(map[Event]struct{}),
		edges:   make(map[string]*Edge, len(def.Transitions)),
		byState: make(map[State][]*Edge),
	}

	initialCount := 0
	for _, st := range def.States {
		s := NormalizeState(st.Name)
		if s == "" {
			return nil, invalid(name, "empty state name")
		}
		if _, exists := m.states[s]; exists {
			return nil, invalid(name, fmt.Sprintf("duplicate state %q", st.Name))
		}
		st.Name = string(s)
		st.Metadata = copyMap(st.Metadata)
		m.states[s] = st
		m.order = append(m.order, s)
		if st.Initial {
			initialCount++
			m.initial = s
		}
	}
	if initialCount != 1 {
		return nil, invalid(name, fmt.Sprintf("machine must have exactly one initial state, found %d", initialCount))
	}

	for idx, tr := range def.Transitions {
		edge, err := m.compileEdge(tr, opts)
		if err != nil {
			label := strings.TrimSpace(tr.ID)
			if label == "" {
				label = fmt.Sprintf("%d", idx)
			}
			return nil, invalid(name, fmt.Sprintf("transition %s: %v", label, err))
		}
		key := edgeKey(edge.From, edge.Event)
		if _, exists := m.edges[key]; exists {
			return nil, invalid(name, fmt.Sprintf("duplicate transition from=%s event=%s", edge.From, edge.Event))
		}
		m.edges[key] = edge
		m.byState[edge.From] = append(m.byState[edge.From], edge)
		m.events[edge.Event] = struct{}{}
	}
	for s := range m.byState {
		edges := m.byState[s]
		sort.Slice(edges, func(i, j int) bool { return edges[i].Event < edges[j].Event })
	}

	if m.states[m.initial].Final && len(m.edges) > 0 {
		return nil, invalid(name, fmt.Sprintf("initial state %q cannot be final", m.initial))
	}
	if unreachable := m.unreachable(); len(unreachable) > 0 {
		return nil, invalid(name, fmt.Sprintf("states unreachable from %q: %s", m.initial, strings.Join(unreachable, ", ")))
	}
	return m, nil
}

func (m *Machine) compileEdge(tr TransitionDefinition, opts Options) (*Edge, error) {
	event := NormalizeEvent(tr.Event)
	from := NormalizeState(tr.From)
	to := NormalizeState(tr.To)

	if event == "" {
		return nil, fmt.Errorf("event is required")
	}
	if from == "" {
		return nil, fmt.Errorf("from state is required")
	}
	if to == "" {
		return nil, fmt.Errorf("to state is required")
	}
	src, ok := m.states[from]
	if !ok {
		return nil, fmt.Errorf("unknown from state %q", tr.From)
	}
	if _, ok := m.states[to]; !ok {
		return nil, fmt.Errorf("unknown target state %q", tr.To)
	}
	if src.Final {
		return nil, fmt.Errorf("final state %q cannot have outgoing transitions", from)
	}

	g, err := compileGuard(tr.Guard, opts.Guards)
	if err != nil {
		return nil, err
	}
	payloadSchema, err := schema.Compile(fmt.Sprintf("%s.%s.%s.payload", m.name, from, event), tr.PayloadSchema)
	if err != nil {
		return nil, err
	}

	failure := NormalizeEvent(tr.OnFailure)
	if failure == "" {
		failure = DefaultFailureEvent
	}

	id := strings.TrimSpace(tr.ID)
	if id == "" {
		id = edgeKey(from, event)
	}
	return &Edge{
		ID:            id,
		Event:         event,
		From:          from,
		To:            to,
		Effect:        strings.TrimSpace(tr.Effect),
		FailureEvent:  failure,
		PayloadSchema: payloadSchema,
		Metadata:      copyMap(tr.Metadata),
		guard:         g,
	}, nil
}

func (m *Machine) unreachable() []string {
	seen := map[State]bool{m.initial: true}
	queue := []State{m.initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range m.byState[cur] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	var out []string
	for _, s := range m.order {
		if !seen[s] {
			out = append(out, string(s))
		}
	}
	return out
}

// Initial returns the initial state.
func (m *Machine) Initial() State { return m.initial }

// States returns state names in declaration order.
func (m *Machine) States() []State { return append([]State(nil), m.order...) }

// Events returns the closed event set, sorted.
func (m *Machine) Events() []Event {
	out := make([]Event, 0, len(m.events))
	for e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LookupState resolves a raw state name against the closed state set.
func (m *Machine) LookupState(name string) (State, bool) {
	s := NormalizeState(name)
	_, ok := m.states[s]
	return s, ok
}

// LookupEvent resolves a raw event name against the closed event set.
func (m *Machine) LookupEvent(name string) (Event, bool) {
	e := NormalizeEvent(name)
	_, ok := m.events[e]
	return e, ok
}

// IsFinal reports whether s is a final state.
func (m *Machine) IsFinal(s State) bool {
	return m.states[s].Final
}

// Edge returns the edge leaving from on event, if any.
func (m *Machine) Edge(from State, event Event) (*Edge, bool) {
	e, ok := m.edges[edgeKey(from, event)]
	return e, ok
}

// EdgesFrom returns the edges leaving s sorted by event.
func (m *Machine) EdgesFrom(s State) []*Edge {
	return append([]*Edge(nil), m.byState[s]...)
}

// AllowedEvents lists the events with an edge out of s, sorted.
func (m *Machine) AllowedEvents(s State) []string {
	edges := m.byState[s]
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, string(e.Event))
	}
	return out
}

// Recovery derives the hint attached to a failure that left the instance in s.
func (m *Machine) Recovery(s State) orchestrator.RecoveryHint {
	if m.IsFinal(s) {
		return orchestrator.RecoveryDismiss
	}
	if _, ok := m.Edge(s, RetryEvent); ok {
		return orchestrator.RecoveryRetry
	}
	return orchestrator.RecoveryModify
}

// NormalizeState canonicalizes a state name.
func NormalizeState(s string) State {
	return State(strings.ToLower(strings.TrimSpace(s)))
}

// NormalizeEvent canonicalizes an event name.
func NormalizeEvent(s string) Event {
	return Event(strings.ToUpper(strings.TrimSpace(s)))
}

func edgeKey(state State, event Event) string {
	return string(state) + "::" + string(event)
}

func invalid(name, reason string) error {
	return orchestrator.Clone(orchestrator.ErrInvalidDefinition, fmt.Sprintf("machine %s: %s", name, reason), nil, map[string]any{
		"capability_id": name,
	})
}

func copyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
