package core

import (
	"context"
	"strings"
	"testing"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestApplyEventUndefinedEventsNeverCommit(t *testing.T) {
	te := newTestEngine(t)
	id := te.create(t, "commerce.checkout", map[string]any{"orderId": "o-1"}).Instance.InstanceID
	defined := map[string]bool{"CANCEL": true, "CONFIRM": true, "FAILURE": true, "PAY": true}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("events without an edge are rejected and leave the version alone", prop.ForAll(
		func(event string) bool {
			if defined[strings.ToUpper(event)] || event == "" {
				return true
			}
			_, err := te.ApplyEvent(context.Background(), EventRequest{InstanceID: id, Event: event})
			if !orchestrator.HasCode(err, orchestrator.ErrCodeInvalidTransition) {
				return false
			}
			view, err := te.Snapshot(context.Background(), id)
			return err == nil && view.Version == 1 && view.State == "review"
		},
		gen.OneGenOf(
			gen.Identifier(),
			gen.OneConstOf("RETRY", "SUCCEEDED", "BUMP", "SHIP", "DISMISS"),
		),
	))

	properties.TestingRun(t)
}
