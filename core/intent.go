package core

import (
	"context"
	"fmt"
	"strings"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// IntentRequest starts a flow from free text.
type IntentRequest struct {
	Text             string `json:"text"`
	ParentInstanceID string `json:"parentInstanceId,omitempty"`
	Caller           Caller `json:"caller"`
}

// CreateFromIntent asks the configured resolver which capability the text
// refers to and creates an instance of it with the extracted entities.
func (e *Engine) CreateFromIntent(ctx context.Context, req IntentRequest) (_ *Result, err error) {
	ctx, done := e.telemetry.track(ctx, "create_from_intent")
	defer func() { done(err) }()

	fields := map[string]any{"operation": "create_from_intent"}
	logger := e.loggerFor(ctx, fields)
	if e.intents == nil {
		return nil, orchestrator.Internal(fmt.Errorf("no intent resolver configured"), copyFields(fields))
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, invalidRequest("intent text is required", fields)
	}

	var match IntentMatch
	err = orchestrator.Recover("intent resolver", e.panicLogger(ctx), fields, func() error {
		var rerr error
		match, rerr = e.intents.Resolve(ctx, text, req.Caller)
		return rerr
	})
	if err != nil {
		err = collaboratorError(err, fields)
		logger.Warn("intent not resolved: %v", err)
		return nil, err
	}
	if match.Confidence < e.minConfidence {
		md := copyFields(fields)
		md["capability_id"] = match.CapabilityID
		md["confidence"] = match.Confidence
		md["threshold"] = e.minConfidence
		return nil, orchestrator.Clone(orchestrator.ErrNoIntentMatch,
			"could not tell which flow you meant", nil, md)
	}
	logger.Debug("intent resolved to %s confidence=%.2f", match.CapabilityID, match.Confidence)

	return e.Create(ctx, CreateRequest{
		CapabilityID:     match.CapabilityID,
		Entities:         match.Entities,
		ParentInstanceID: req.ParentInstanceID,
		Caller:           req.Caller,
	})
}
