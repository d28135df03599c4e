package orchestrator

import (
	"net/http"
	"time"
)

// DefaultInternalRetryAfter is the delay suggested to callers after an
// internal failure.
const DefaultInternalRetryAfter = 2 * time.Second

// DefaultInProgressRetryAfter is the delay suggested when a duplicate request
// arrives while the first one is still running.
const DefaultInProgressRetryAfter = 500 * time.Millisecond

const genericInternalMessage = "something went wrong, please try again"

// PublicError is the caller-safe error envelope. Internal failures never leak
// their source through it.
type PublicError struct {
	Code          string       `json:"code"`
	Class         ErrorClass   `json:"class"`
	Message       string       `json:"message"`
	AllowedEvents []string     `json:"allowedEvents,omitempty"`
	Recovery      RecoveryHint `json:"recovery,omitempty"`
	RetryAfterMS  int64        `json:"retryAfterMs,omitempty"`
}

// Public converts err into its caller-facing envelope.
func Public(err error) *PublicError {
	if err == nil {
		return nil
	}
	class := Classify(err)
	if HasCode(err, ErrCodeRequestInProgress) {
		return &PublicError{
			Code:         ErrCodeRequestInProgress,
			Class:        ClassConflict,
			Message:      publicMessage(err),
			Recovery:     RecoveryRetry,
			RetryAfterMS: DefaultInProgressRetryAfter.Milliseconds(),
		}
	}
	if class == ClassInternal || class == ClassConflict {
		return &PublicError{
			Code:         ErrCodeInternal,
			Class:        ClassInternal,
			Message:      genericInternalMessage,
			Recovery:     RecoveryRetry,
			RetryAfterMS: DefaultInternalRetryAfter.Milliseconds(),
		}
	}
	out := &PublicError{
		Code:          ErrorCode(err),
		Class:         class,
		Message:       publicMessage(err),
		AllowedEvents: AllowedEventsFromError(err),
	}
	switch class {
	case ClassValidation:
		out.Recovery = RecoveryModify
	case ClassExternal:
		out.Recovery = RecoveryRetry
	}
	return out
}

func publicMessage(err error) string {
	if md := ErrorMetadata(err); md != nil {
		if msg, ok := md["user_message"].(string); ok && msg != "" {
			return msg
		}
	}
	var msg string
	if ge := asAppError(err); ge != nil {
		msg = ge.Message
	}
	if msg == "" {
		msg = err.Error()
	}
	return msg
}

// HTTPStatus maps an engine error to a transport status code.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case "":
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	case ErrCodeInvalidEntities, ErrCodeInvalidPayload, ErrCodeInvalidRequest,
		ErrCodeInvalidDefinition, ErrCodeAmbiguousIntent, ErrCodeNoIntentMatch:
		return http.StatusBadRequest
	case ErrCodeHydrationSchemaMismatch:
		return http.StatusUnprocessableEntity
	case ErrCodeUnknownCapability, ErrCodeInstanceNotFound:
		return http.StatusNotFound
	case ErrCodePermissionDenied, ErrCodeGuardRejected:
		return http.StatusForbidden
	case ErrCodeInvalidTransition, ErrCodeDuplicateCapability, ErrCodeIdempotencyKeyReused, ErrCodeRequestInProgress:
		return http.StatusConflict
	case ErrCodeHydrationFailed, ErrCodeHandlerFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromPublic rebuilds a typed error from its envelope. It is used to replay
// recorded outcomes, so only what the envelope carries survives.
func FromPublic(pub *PublicError) error {
	if pub == nil {
		return nil
	}
	base, ok := sentinelsByCode[pub.Code]
	if !ok {
		base = ErrInternal
	}
	var md map[string]any
	if len(pub.AllowedEvents) > 0 {
		md = map[string]any{"allowed_events": append([]string(nil), pub.AllowedEvents...)}
	}
	return Clone(base, pub.Message, nil, md)
}
