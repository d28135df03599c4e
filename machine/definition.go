package machine

// Definition is the declarative state machine of one capability.
type Definition struct {
	States      []StateDefinition      `json:"states" yaml:"states"`
	Transitions []TransitionDefinition `json:"transitions" yaml:"transitions"`
}

// StateDefinition declares one capability state.
type StateDefinition struct {
	Name     string         `json:"name" yaml:"name"`
	Initial  bool           `json:"initial,omitempty" yaml:"initial,omitempty"`
	Final    bool           `json:"final,omitempty" yaml:"final,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TransitionDefinition declares an edge from one state to another.
//
// Effect names the handler invoked when the edge fires. OnFailure names the
// event applied from the same source state when that handler fails; it
// defaults to DefaultFailureEvent and is only used when such an edge exists.
type TransitionDefinition struct {
	ID            string           `json:"id,omitempty" yaml:"id,omitempty"`
	Event         string           `json:"event" yaml:"event"`
	From          string           `json:"from" yaml:"from"`
	To            string           `json:"to" yaml:"to"`
	Guard         *GuardDefinition `json:"guard,omitempty" yaml:"guard,omitempty"`
	Effect        string           `json:"effect,omitempty" yaml:"effect,omitempty"`
	OnFailure     string           `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	PayloadSchema any              `json:"payload_schema,omitempty" yaml:"payload_schema,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// GuardDefinition selects a guard by registered name or CEL expression.
// Expressions see two variables: context and payload.
type GuardDefinition struct {
	Ref  string `json:"ref,omitempty" yaml:"ref,omitempty"`
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

const (
	// DefaultFailureEvent is the event applied when an effect handler fails.
	DefaultFailureEvent = "FAILURE"
	// RetryEvent marks a failure state the client can retry from.
	RetryEvent = "RETRY"
)
