package core

import (
	"context"
	"sync"
	"testing"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestExpireIdleDismissesStaleInstances(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithClock(clock.Now))
	te := newTestEngineWithStore(t, st, WithClock(clock.Now))

	stale := te.create(t, "ops.counter", nil).Instance.InstanceID
	fresh := te.create(t, "ops.counter", nil).Instance.InstanceID

	clock.Advance(20 * time.Minute)
	te.apply(t, fresh, "BUMP", nil)
	clock.Advance(5 * time.Minute)

	msgs, err := te.ExpireIdle(context.Background(), 15*time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, stale, msgs[0].InstanceID)
	assert.Equal(t, orchestrator.KindDismissed, msgs[0].Kind)
	assert.Equal(t, ReasonExpired, msgs[0].Reason)

	_, err = te.Snapshot(context.Background(), stale)
	assertCode(t, err, orchestrator.ErrCodeInstanceNotFound)
	_, err = te.Snapshot(context.Background(), fresh)
	require.NoError(t, err)

	msgs, err = te.ExpireIdle(context.Background(), 15*time.Minute, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = te.ExpireIdle(context.Background(), 0, 0)
	assertCode(t, err, orchestrator.ErrCodeInvalidRequest)
}

func TestMigrateMovesInstanceToNewVersion(t *testing.T) {
	te := newTestEngine(t)
	id := te.create(t, "commerce.checkout", map[string]any{"orderId": "o-1"}).Instance.InstanceID
	failed := te.apply(t, id, "PAY", map[string]any{"amount": 5000})
	require.Equal(t, "payment_failed", failed.Instance.State)

	successors, err := te.Successors(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"commerce.checkout@2.0.0"}, successors)

	res, err := te.Migrate(context.Background(), MigrateRequest{InstanceID: id, TargetCapabilityID: "commerce.checkout@2.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "commerce.checkout@2.0.0", res.Instance.CapabilityID)
	assert.Equal(t, "review", res.Instance.State)
	assert.Equal(t, []string{"CONFIRM"}, res.Instance.AllowedEvents)
	assert.Equal(t, 2, res.Instance.RenderData["schemaVersion"])
	assert.Equal(t, int64(3), res.Instance.Version)

	require.Len(t, res.Messages, 1)
	assert.Equal(t, orchestrator.KindDataPatched, res.Messages[0].Kind)
	assert.Equal(t, "commerce.checkout@2.0.0", res.Messages[0].CapabilityID)
	assert.Equal(t, "payment_failed", res.Messages[0].PreviousState)

	confirmed := te.apply(t, id, "CONFIRM", nil)
	assert.Equal(t, "confirmed", confirmed.Instance.State)

	_, err = te.Migrate(context.Background(), MigrateRequest{InstanceID: id, TargetCapabilityID: "commerce.checkout@2.0.0"})
	assertCode(t, err, orchestrator.ErrCodeInvalidRequest)
}

func TestMigrateRejectsUnrelatedCapability(t *testing.T) {
	te := newTestEngine(t)
	id := te.create(t, "ops.counter", nil).Instance.InstanceID

	_, err := te.Migrate(context.Background(), MigrateRequest{InstanceID: id, TargetCapabilityID: "commerce.checkout@2.0.0"})
	assertCode(t, err, orchestrator.ErrCodeInvalidRequest)

	_, err = te.Migrate(context.Background(), MigrateRequest{InstanceID: id, TargetCapabilityID: "ops.unknown"})
	assertCode(t, err, orchestrator.ErrCodeUnknownCapability)

	_, err = te.Migrate(context.Background(), MigrateRequest{InstanceID: "ghost", TargetCapabilityID: "commerce.checkout@2.0.0"})
	assertCode(t, err, orchestrator.ErrCodeInstanceNotFound)
}

func TestMigrateRejectsUnknownTargetState(t *testing.T) {
	migrations := NewRegistry[Migration]("migration").MustRegister("checkout_v1_to_v2", MigrationFunc(
		func(_ context.Context, in MigrationInput) (MigrationOutput, error) {
			return MigrationOutput{State: "paying", RenderData: in.RenderData}, nil
		}))
	te := newTestEngine(t, WithMigrations(migrations))
	id := te.create(t, "commerce.checkout", map[string]any{"orderId": "o-1"}).Instance.InstanceID

	_, err := te.Migrate(context.Background(), MigrateRequest{InstanceID: id, TargetCapabilityID: "commerce.checkout@2.0.0"})
	assertCode(t, err, orchestrator.ErrCodeInternal)

	view, err := te.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "commerce.checkout", view.CapabilityID)
	assert.Equal(t, int64(1), view.Version)
}
