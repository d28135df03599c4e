package core

import (
	"context"
	"strings"
	"testing"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keywordResolver = IntentResolverFunc(func(_ context.Context, text string, _ Caller) (IntentMatch, error) {
	text = strings.ToLower(text)
	switch {
	case strings.Contains(text, "order") && strings.Contains(text, "shipment"):
		return IntentMatch{}, orchestrator.Clone(orchestrator.ErrAmbiguousIntent, "did you mean checkout or shipment?", nil, nil)
	case strings.Contains(text, "maybe"):
		return IntentMatch{CapabilityID: "commerce.checkout", Entities: map[string]any{"orderId": "o-9"}, Confidence: 0.3}, nil
	case strings.Contains(text, "order"):
		return IntentMatch{CapabilityID: "commerce.checkout", Entities: map[string]any{"orderId": "o-9"}, Confidence: 0.92}, nil
	}
	return IntentMatch{}, orchestrator.Clone(orchestrator.ErrNoIntentMatch, "", nil, nil)
})

func TestCreateFromIntent(t *testing.T) {
	te := newTestEngine(t, WithIntentResolver(keywordResolver, 0.6))

	res, err := te.CreateFromIntent(context.Background(), IntentRequest{Text: "pay for my order", Caller: checkoutCaller})
	require.NoError(t, err)
	assert.Equal(t, "commerce.checkout", res.Instance.CapabilityID)
	assert.Equal(t, "o-9", res.Instance.RenderData["orderId"])

	_, err = te.CreateFromIntent(context.Background(), IntentRequest{Text: "maybe an order?", Caller: checkoutCaller})
	assertCode(t, err, orchestrator.ErrCodeNoIntentMatch)
	assert.Equal(t, 0.3, orchestrator.ErrorMetadata(err)["confidence"])

	_, err = te.CreateFromIntent(context.Background(), IntentRequest{Text: "order shipment", Caller: checkoutCaller})
	assertCode(t, err, orchestrator.ErrCodeAmbiguousIntent)

	_, err = te.CreateFromIntent(context.Background(), IntentRequest{Text: "hello", Caller: checkoutCaller})
	assertCode(t, err, orchestrator.ErrCodeNoIntentMatch)

	_, err = te.CreateFromIntent(context.Background(), IntentRequest{Text: "  "})
	assertCode(t, err, orchestrator.ErrCodeInvalidRequest)

	_, err = te.CreateFromIntent(context.Background(), IntentRequest{Text: "pay for my order"})
	assertCode(t, err, orchestrator.ErrCodePermissionDenied)
}

func TestCreateFromIntentWithoutResolver(t *testing.T) {
	te := newTestEngine(t)

	_, err := te.CreateFromIntent(context.Background(), IntentRequest{Text: "pay for my order"})
	assertCode(t, err, orchestrator.ErrCodeInternal)
}
