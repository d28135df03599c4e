package orchestrator

import "time"

// MessageKind names an outbound protocol message.
type MessageKind string

const (
	KindCreated      MessageKind = "created"
	KindTransitioned MessageKind = "transitioned"
	KindDataPatched  MessageKind = "dataPatched"
	KindDismissed    MessageKind = "dismissed"
	KindFailed       MessageKind = "failed"
)

// RecoveryHint tells the client how a failed operation can move forward.
type RecoveryHint string

const (
	RecoveryRetry   RecoveryHint = "retry"
	RecoveryModify  RecoveryHint = "modify"
	RecoveryDismiss RecoveryHint = "dismiss"
)

// Status is the orchestration-level lifecycle of an instance. It is separate
// from the capability state machine.
type Status string

const (
	StatusActive     Status = "active"
	StatusFinalizing Status = "finalizing"
	StatusDismissed  Status = "dismissed"
)

// Eventable reports whether events may be applied in this status.
func (s Status) Eventable() bool { return s == StatusActive }

// Visible reports whether the instance can be queried or patched.
func (s Status) Visible() bool { return s == StatusActive || s == StatusFinalizing }

// Failure describes a business failure surfaced on a failed message.
type Failure struct {
	Code     string       `json:"code"`
	Message  string       `json:"message"`
	Recovery RecoveryHint `json:"recovery"`
}

// Message is one outbound protocol message for a single instance. Seq is
// strictly increasing per instance.
type Message struct {
	Seq              int64          `json:"messageSeq"`
	Kind             MessageKind    `json:"kind"`
	InstanceID       string         `json:"instanceId"`
	Version          int64          `json:"version"`
	CapabilityID     string         `json:"capabilityId,omitempty"`
	ParentInstanceID string         `json:"parentInstanceId,omitempty"`
	State            string         `json:"state,omitempty"`
	PreviousState    string         `json:"previousState,omitempty"`
	Event            string         `json:"event,omitempty"`
	RenderData       map[string]any `json:"renderData,omitempty"`
	Patch            map[string]any `json:"patch,omitempty"`
	AllowedEvents    []string       `json:"allowedEvents,omitempty"`
	Final            bool           `json:"final,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Failure          *Failure       `json:"failure,omitempty"`
	Snapshot         bool           `json:"snapshot,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	cp := m
	cp.RenderData = CloneMap(m.RenderData)
	cp.Patch = CloneMap(m.Patch)
	if m.AllowedEvents != nil {
		cp.AllowedEvents = append([]string(nil), m.AllowedEvents...)
	}
	if m.Failure != nil {
		f := *m.Failure
		cp.Failure = &f
	}
	return cp
}

// CloneMessages deep-copies a message slice.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// CloneMap deep-copies nested maps and slices of JSON-like values.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}
