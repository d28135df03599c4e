package core

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/goliatone/go-errors"
	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/schema"
	"github.com/goliatone/go-orchestrator/store"
)

// instanceNotFound is returned for unknown and dismissed instances alike.
func instanceNotFound(id string) error {
	return orchestrator.Clone(orchestrator.ErrInstanceNotFound, fmt.Sprintf("instance %s not found", id), nil, map[string]any{
		"instance_id": id,
	})
}

func invalidRequest(message string, fields map[string]any) error {
	return orchestrator.Clone(orchestrator.ErrInvalidRequest, message, nil, copyFields(fields))
}

func schemaViolation(base *apperrors.Error, message string, err error, fields map[string]any) error {
	md := copyFields(fields)
	md["violations"] = schema.Describe(err)
	return orchestrator.Clone(base, message, err, md)
}

// storeError maps backend sentinels onto the engine taxonomy. Conflicts are
// returned unchanged so the retry loop can see them.
func storeError(err error, id string, fields map[string]any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return instanceNotFound(id)
	case errors.Is(err, store.ErrVersionConflict):
		return err
	default:
		return orchestrator.Internal(err, copyFields(fields))
	}
}

// collaboratorError keeps typed business errors from hydrators, handlers and
// resolvers and turns everything else into an internal error.
func collaboratorError(err error, fields map[string]any) error {
	if err == nil {
		return nil
	}
	if orchestrator.ErrorCode(err) != "" && orchestrator.Classify(err) != orchestrator.ClassInternal {
		return err
	}
	return orchestrator.Internal(err, copyFields(fields))
}

// escalate converts what is left after the conflict retry loop.
func escalate(err error, attempts int, fields map[string]any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrVersionConflict):
		md := copyFields(fields)
		md["attempts"] = attempts
		return orchestrator.Internal(fmt.Errorf("version conflict retries exhausted: %w", err), md)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if orchestrator.ErrorCode(err) != "" {
			return err
		}
		return orchestrator.Internal(err, copyFields(fields))
	default:
		return err
	}
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
