package orchestrator

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInvalidEntities         = "FLOW_INVALID_ENTITIES"
	ErrCodeHydrationSchemaMismatch = "FLOW_HYDRATION_SCHEMA_MISMATCH"
	ErrCodeInvalidPayload          = "FLOW_INVALID_PAYLOAD"
	ErrCodeInvalidRequest          = "FLOW_INVALID_REQUEST"
	ErrCodeUnknownCapability       = "FLOW_UNKNOWN_CAPABILITY"
	ErrCodeDuplicateCapability     = "FLOW_DUPLICATE_CAPABILITY"
	ErrCodeInvalidDefinition       = "FLOW_INVALID_DEFINITION"
	ErrCodePermissionDenied        = "FLOW_PERMISSION_DENIED"
	ErrCodeIdempotencyKeyReused    = "FLOW_IDEMPOTENCY_KEY_REUSED"
	ErrCodeRequestInProgress       = "FLOW_REQUEST_IN_PROGRESS"
	ErrCodeInvalidTransition       = "FLOW_INVALID_TRANSITION"
	ErrCodeGuardRejected           = "FLOW_GUARD_REJECTED"
	ErrCodeInstanceNotFound        = "FLOW_INSTANCE_NOT_FOUND"
	ErrCodeVersionConflict         = "FLOW_VERSION_CONFLICT"
	ErrCodeHydrationFailed         = "FLOW_HYDRATION_FAILED"
	ErrCodeHandlerFailed           = "FLOW_HANDLER_FAILED"
	ErrCodeAmbiguousIntent         = "FLOW_AMBIGUOUS_INTENT"
	ErrCodeNoIntentMatch           = "FLOW_NO_INTENT_MATCH"
	ErrCodeInternal                = "FLOW_INTERNAL"
)

var (
	ErrInvalidEntities = apperrors.New("invalid entities", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidEntities)
	ErrHydrationSchemaMismatch = apperrors.New("hydrated render data does not match schema", apperrors.CategoryValidation).
					WithTextCode(ErrCodeHydrationSchemaMismatch)
	ErrInvalidPayload = apperrors.New("invalid event payload", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidPayload)
	ErrInvalidRequest = apperrors.New("invalid request", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidRequest)
	ErrUnknownCapability = apperrors.New("unknown capability", apperrors.CategoryNotFound).
				WithTextCode(ErrCodeUnknownCapability)
	ErrDuplicateCapability = apperrors.New("capability already registered", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateCapability)
	ErrInvalidDefinition = apperrors.New("invalid capability definition", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidDefinition)
	ErrPermissionDenied = apperrors.New("permission denied", apperrors.CategoryAuthz).
				WithTextCode(ErrCodePermissionDenied)
	ErrIdempotencyKeyReused = apperrors.New("idempotency key reused with a different request", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeIdempotencyKeyReused)
	ErrRequestInProgress = apperrors.New("a request with this idempotency key is still running", apperrors.CategoryConflict).
				WithTextCode(ErrCodeRequestInProgress)
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrGuardRejected = apperrors.New("guard rejected", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeGuardRejected)
	ErrInstanceNotFound = apperrors.New("instance not found", apperrors.CategoryNotFound).
				WithTextCode(ErrCodeInstanceNotFound)
	ErrVersionConflict = apperrors.New("version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrHydrationFailed = apperrors.New("hydration failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeHydrationFailed)
	ErrHandlerFailed = apperrors.New("handler failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeHandlerFailed)
	ErrAmbiguousIntent = apperrors.New("intent matched more than one capability", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeAmbiguousIntent)
	ErrNoIntentMatch = apperrors.New("intent did not match any capability", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeNoIntentMatch)
	ErrInternal = apperrors.New("internal error", apperrors.CategoryInternal).
			WithTextCode(ErrCodeInternal)
)

// ErrorClass groups error codes by how callers are expected to react.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassState      ErrorClass = "state"
	ClassConflict   ErrorClass = "conflict"
	ClassExternal   ErrorClass = "external"
	ClassInternal   ErrorClass = "internal"
)

var errorClasses = map[string]ErrorClass{
	ErrCodeInvalidEntities:         ClassValidation,
	ErrCodeHydrationSchemaMismatch: ClassValidation,
	ErrCodeInvalidPayload:          ClassValidation,
	ErrCodeInvalidRequest:          ClassValidation,
	ErrCodeUnknownCapability:       ClassValidation,
	ErrCodeDuplicateCapability:     ClassValidation,
	ErrCodeInvalidDefinition:       ClassValidation,
	ErrCodePermissionDenied:        ClassValidation,
	ErrCodeIdempotencyKeyReused:    ClassValidation,
	ErrCodeAmbiguousIntent:         ClassValidation,
	ErrCodeNoIntentMatch:           ClassValidation,
	ErrCodeInvalidTransition:       ClassState,
	ErrCodeGuardRejected:           ClassState,
	ErrCodeInstanceNotFound:        ClassState,
	ErrCodeVersionConflict:         ClassConflict,
	ErrCodeRequestInProgress:       ClassConflict,
	ErrCodeHydrationFailed:         ClassExternal,
	ErrCodeHandlerFailed:           ClassExternal,
	ErrCodeInternal:                ClassInternal,
}

// Clone copies a sentinel and attaches message, source and metadata.
func Clone(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInternal
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the FLOW_* text code carried by err, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// Classify returns the error class for err. Untyped errors are internal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if class, ok := errorClasses[ErrorCode(err)]; ok {
		return class
	}
	return ClassInternal
}

func asAppError(err error) *apperrors.Error {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge
	}
	return nil
}

// ErrorMetadata returns the metadata attached to a typed error.
func ErrorMetadata(err error) map[string]any {
	if ge := asAppError(err); ge != nil {
		return ge.Metadata
	}
	return nil
}

// Internal wraps an unexpected failure. The source stays attached for logs
// and is never exposed through Public.
func Internal(source error, metadata map[string]any) *apperrors.Error {
	if HasCode(source, ErrCodeInternal) {
		return asAppError(source)
	}
	return Clone(ErrInternal, "", source, metadata)
}

// HydrationFailed builds the business error a hydrator returns. The message
// is shown to the user unchanged.
func HydrationFailed(userMessage string) *apperrors.Error {
	return Clone(ErrHydrationFailed, userMessage, nil, nil)
}

// HandlerFailed builds the business error an event handler returns. The
// message is shown to the user unchanged.
func HandlerFailed(userMessage string) *apperrors.Error {
	return Clone(ErrHandlerFailed, userMessage, nil, nil)
}

// AllowedEventsFromError returns the allowed events attached to state errors.
func AllowedEventsFromError(err error) []string {
	switch v := ErrorMetadata(err)["allowed_events"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

var sentinelsByCode = map[string]*apperrors.Error{
	ErrCodeInvalidEntities:         ErrInvalidEntities,
	ErrCodeHydrationSchemaMismatch: ErrHydrationSchemaMismatch,
	ErrCodeInvalidPayload:          ErrInvalidPayload,
	ErrCodeInvalidRequest:          ErrInvalidRequest,
	ErrCodeUnknownCapability:       ErrUnknownCapability,
	ErrCodeDuplicateCapability:     ErrDuplicateCapability,
	ErrCodeInvalidDefinition:       ErrInvalidDefinition,
	ErrCodePermissionDenied:        ErrPermissionDenied,
	ErrCodeIdempotencyKeyReused:    ErrIdempotencyKeyReused,
	ErrCodeRequestInProgress:       ErrRequestInProgress,
	ErrCodeInvalidTransition:       ErrInvalidTransition,
	ErrCodeGuardRejected:           ErrGuardRejected,
	ErrCodeInstanceNotFound:        ErrInstanceNotFound,
	ErrCodeVersionConflict:         ErrVersionConflict,
	ErrCodeHydrationFailed:         ErrHydrationFailed,
	ErrCodeHandlerFailed:           ErrHandlerFailed,
	ErrCodeAmbiguousIntent:         ErrAmbiguousIntent,
	ErrCodeNoIntentMatch:           ErrNoIntentMatch,
	ErrCodeInternal:                ErrInternal,
}
