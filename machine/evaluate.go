package machine

import (
	"fmt"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Outcome is the result of a successful evaluation.
type Outcome struct {
	Edge  *Edge
	From  State
	To    State
	Event Event
	Final bool
}

// Effect returns the handler name bound to the fired edge.
func (o Outcome) Effect() string {
	if o.Edge == nil {
		return ""
	}
	return o.Edge.Effect
}

// Evaluate decides the next state for event in state. It has no side effects
// and returns the same result for the same inputs.
//
// A missing edge (including an event outside the closed set) fails with
// FLOW_INVALID_TRANSITION; a false guard fails with FLOW_GUARD_REJECTED.
// Both carry the allowed events of state. A guard that panics fails with
// FLOW_INTERNAL.
func Evaluate(m *Machine, state, event string, payload, context map[string]any) (Outcome, error) {
	if m == nil {
		return Outcome{}, orchestrator.Internal(fmt.Errorf("machine not configured"), nil)
	}
	from, ok := m.LookupState(state)
	if !ok {
		return Outcome{}, orchestrator.Internal(fmt.Errorf("machine %s: instance in unknown state %q", m.name, state), nil)
	}

	ev, known := m.LookupEvent(event)
	var edge *Edge
	if known {
		edge, known = m.Edge(from, ev)
	}
	if !known {
		return Outcome{}, orchestrator.Clone(
			orchestrator.ErrInvalidTransition,
			fmt.Sprintf("event %s is not allowed in state %s", NormalizeEvent(event), from),
			nil,
			stateMetadata(m, from, NormalizeEvent(event)),
		)
	}

	if edge.guard != nil {
		var (
			allowed bool
			err     error
		)
		// a panicking guard is a bug in the guard, not a rejection
		if perr := orchestrator.Recover("guard "+edge.guard.label, nil, stateMetadata(m, from, ev), func() error {
			allowed, err = edge.guard.fn(context, payload)
			return nil
		}); perr != nil {
			return Outcome{}, perr
		}
		if err != nil || !allowed {
			return Outcome{}, orchestrator.Clone(
				orchestrator.ErrGuardRejected,
				fmt.Sprintf("event %s rejected in state %s", ev, from),
				err,
				stateMetadata(m, from, ev),
			)
		}
	}

	return Outcome{
		Edge:  edge,
		From:  from,
		To:    edge.To,
		Event: ev,
		Final: m.IsFinal(edge.To),
	}, nil
}

func stateMetadata(m *Machine, state State, event Event) map[string]any {
	return map[string]any{
		"state":          string(state),
		"event":          string(event),
		"allowed_events": m.AllowedEvents(state),
	}
}
