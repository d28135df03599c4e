package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/capability"
	"github.com/goliatone/go-orchestrator/core"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ticketCatalog = `
version: 1
capabilities:
  - id: support.ticket
    machine:
      states:
        - {name: open, initial: true}
        - {name: assigned}
        - {name: closed, final: true}
      transitions:
        - {event: ASSIGN, from: open, to: assigned}
        - {event: CLOSE, from: assigned, to: closed}
`

// countingEngine counts calls that reach the engine.
type countingEngine struct {
	Engine
	creates atomic.Int32
	applies atomic.Int32
	failOn  atomic.Int32
}

func (c *countingEngine) Create(ctx context.Context, req core.CreateRequest) (*core.Result, error) {
	c.creates.Add(1)
	return c.Engine.Create(ctx, req)
}

func (c *countingEngine) ApplyEvent(ctx context.Context, req core.EventRequest) (*core.Result, error) {
	c.applies.Add(1)
	if c.failOn.Load() > 0 {
		c.failOn.Add(-1)
		return nil, orchestrator.Internal(errors.New("store unavailable"), nil)
	}
	return c.Engine.ApplyEvent(ctx, req)
}

func newEngine(t *testing.T, opts ...core.Option) *core.Engine {
	t.Helper()
	return newEngineOn(t, store.NewMemoryStore(), opts...)
}

// newEngineOn builds an engine over st. Engines sharing st behave like
// separate processes sharing one database.
func newEngineOn(t *testing.T, st store.Store, opts ...core.Option) *core.Engine {
	t.Helper()
	cat, err := capability.ParseCatalog([]byte(ticketCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	reg, err := cat.BuildRegistry()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	opts = append([]core.Option{core.WithLogger(logging.Discard())}, opts...)
	e, err := core.New(reg, st, opts...)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	return e
}

// gatedEngine holds ApplyEvent until release is closed.
type gatedEngine struct {
	Engine
	applies atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEngine(e Engine) *gatedEngine {
	return &gatedEngine{Engine: e, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedEngine) ApplyEvent(ctx context.Context, req core.EventRequest) (*core.Result, error) {
	g.applies.Add(1)
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Engine.ApplyEvent(ctx, req)
}

// watchedRecords signals the first time a reservation finds a pending record.
type watchedRecords struct {
	IdempotencyStore
	pending chan struct{}
	once    sync.Once
}

func (w *watchedRecords) Reserve(ctx context.Context, rec *Record) (*Record, error) {
	held, err := w.IdempotencyStore.Reserve(ctx, rec)
	if held != nil && held.Pending {
		w.once.Do(func() { close(w.pending) })
	}
	return held, err
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func newManager(t *testing.T) (*Manager, *countingEngine) {
	t.Helper()
	eng := &countingEngine{Engine: newEngine(t)}
	m, err := NewManager(eng, nil, nil, WithLogger(logging.Discard()))
	require.NoError(t, err)
	return m, eng
}

func TestManagerReplaysDuplicateRequests(t *testing.T) {
	ctx := context.Background()
	m, eng := newManager(t)

	created, err := m.Create(ctx, "s1", "k-create", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)
	again, err := m.Create(ctx, "s1", "k-create", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)
	assert.Equal(t, created.Instance.InstanceID, again.Instance.InstanceID)
	assert.Equal(t, int32(1), eng.creates.Load())

	id := created.Instance.InstanceID
	first, err := m.ApplyEvent(ctx, "s1", "k-assign", core.EventRequest{InstanceID: id, Event: "ASSIGN"})
	require.NoError(t, err)
	second, err := m.ApplyEvent(ctx, "s1", "k-assign", core.EventRequest{InstanceID: id, Event: "ASSIGN"})
	require.NoError(t, err)

	assert.Equal(t, first.Instance.Version, second.Instance.Version)
	assert.Equal(t, first.Messages, second.Messages)
	assert.Equal(t, int32(1), eng.applies.Load())

	msgs, err := eng.Sync(ctx, []core.Cursor{{InstanceID: id}})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestManagerScopesKeysPerSession(t *testing.T) {
	ctx := context.Background()
	m, eng := newManager(t)

	_, err := m.Create(ctx, "s1", "k", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)
	_, err = m.Create(ctx, "s2", "k", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), eng.creates.Load())
}

func TestManagerRejectsKeyReuse(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	created, err := m.Create(ctx, "s1", "k1", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)

	_, err = m.ApplyEvent(ctx, "s1", "k1", core.EventRequest{InstanceID: created.Instance.InstanceID, Event: "ASSIGN"})
	require.Error(t, err)
	assert.Equal(t, orchestrator.ErrCodeIdempotencyKeyReused, orchestrator.ErrorCode(err))

	_, err = m.ApplyEvent(ctx, "s1", "k2", core.EventRequest{InstanceID: created.Instance.InstanceID, Event: "ASSIGN"})
	require.NoError(t, err)
	_, err = m.ApplyEvent(ctx, "s1", "k2", core.EventRequest{InstanceID: created.Instance.InstanceID, Event: "CLOSE"})
	assert.Equal(t, orchestrator.ErrCodeIdempotencyKeyReused, orchestrator.ErrorCode(err))
}

func TestManagerReplaysBusinessErrors(t *testing.T) {
	ctx := context.Background()
	m, eng := newManager(t)
	created, err := m.Create(ctx, "s1", "k1", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)

	req := core.EventRequest{InstanceID: created.Instance.InstanceID, Event: "CLOSE"}
	_, first := m.ApplyEvent(ctx, "s1", "k2", req)
	_, second := m.ApplyEvent(ctx, "s1", "k2", req)

	assert.Equal(t, orchestrator.ErrCodeInvalidTransition, orchestrator.ErrorCode(first))
	assert.Equal(t, orchestrator.ErrCodeInvalidTransition, orchestrator.ErrorCode(second))
	assert.Equal(t, []string{"ASSIGN"}, orchestrator.AllowedEventsFromError(second))
	assert.Equal(t, int32(1), eng.applies.Load())
}

func TestManagerDoesNotRecordInternalErrors(t *testing.T) {
	ctx := context.Background()
	m, eng := newManager(t)
	created, err := m.Create(ctx, "s1", "k1", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)

	eng.failOn.Store(1)
	req := core.EventRequest{InstanceID: created.Instance.InstanceID, Event: "ASSIGN"}
	_, err = m.ApplyEvent(ctx, "s1", "k2", req)
	assert.Equal(t, orchestrator.ErrCodeInternal, orchestrator.ErrorCode(err))

	res, err := m.ApplyEvent(ctx, "s1", "k2", req)
	require.NoError(t, err)
	assert.Equal(t, "assigned", res.Instance.State)
	assert.Equal(t, int32(2), eng.applies.Load())
}

func TestManagerRequiresKeyAndSession(t *testing.T) {
	m, _ := newManager(t)

	_, err := m.Create(context.Background(), "s1", " ", core.CreateRequest{CapabilityID: "support.ticket"})
	assert.Equal(t, orchestrator.ErrCodeInvalidRequest, orchestrator.ErrorCode(err))
	_, err = m.Create(context.Background(), "", "k", core.CreateRequest{CapabilityID: "support.ticket"})
	assert.Equal(t, orchestrator.ErrCodeInvalidRequest, orchestrator.ErrorCode(err))
}

func TestManagerConcurrentDuplicatesReachEngineOnce(t *testing.T) {
	ctx := context.Background()
	m, eng := newManager(t)

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Create(ctx, "s1", "same", core.CreateRequest{CapabilityID: "support.ticket"})
			if err == nil {
				ids[i] = res.Instance.InstanceID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), eng.creates.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestManagerSyncIncludesLiveInstances(t *testing.T) {
	ctx := context.Background()
	m, eng := newManager(t)

	a, err := m.Create(ctx, "s1", "k1", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)
	b, err := m.Create(ctx, "s1", "k2", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)
	c, err := m.Create(ctx, "s1", "k3", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)

	// changes made by another session while s1 was away
	_, err = m.ApplyEvent(ctx, "s2", "k1", core.EventRequest{InstanceID: a.Instance.InstanceID, Event: "ASSIGN"})
	require.NoError(t, err)
	_, err = m.ApplyEvent(ctx, "s2", "k2", core.EventRequest{InstanceID: b.Instance.InstanceID, Event: "ASSIGN"})
	require.NoError(t, err)
	_, err = eng.Dismiss(ctx, core.DismissRequest{InstanceID: c.Instance.InstanceID})
	require.NoError(t, err)

	msgs, err := m.Sync(ctx, "s1", []core.Cursor{{InstanceID: a.Instance.InstanceID, LastSeenSeq: 1}})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	byInstance := map[string]orchestrator.Message{}
	for _, msg := range msgs {
		byInstance[msg.InstanceID] = msg
	}
	assert.Equal(t, orchestrator.KindTransitioned, byInstance[a.Instance.InstanceID].Kind)
	assert.Equal(t, orchestrator.KindTransitioned, byInstance[b.Instance.InstanceID].Kind)
	assert.Equal(t, orchestrator.KindDismissed, byInstance[c.Instance.InstanceID].Kind)

	live, err := m.sessions.Live(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		a.Instance.InstanceID: 2,
		b.Instance.InstanceID: 2,
	}, live)

	msgs, err = m.Sync(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestManagerAckIsMonotonic(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	require.NoError(t, m.Ack(ctx, "s1", "i1", 5))
	require.NoError(t, m.Ack(ctx, "s1", "i1", 3))
	live, err := m.sessions.Live(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), live["i1"])

	err = m.Ack(ctx, "", "i1", 1)
	assert.Equal(t, orchestrator.ErrCodeInvalidRequest, orchestrator.ErrorCode(err))
}

func TestManagerExpireReleasesInstances(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	cat, err := capability.ParseCatalog([]byte(ticketCatalog))
	require.NoError(t, err)
	reg, err := cat.BuildRegistry()
	require.NoError(t, err)
	eng, err := core.New(reg, store.NewMemoryStore(store.WithClock(clock)),
		core.WithLogger(logging.Discard()), core.WithClock(clock))
	require.NoError(t, err)
	m, err := NewManager(eng, nil, nil, WithClock(clock))
	require.NoError(t, err)

	created, err := m.Create(ctx, "s1", "k1", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	msgs, err := m.Expire(ctx, 30*time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, created.Instance.InstanceID, msgs[0].InstanceID)

	live, err := m.sessions.Live(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, live)

	pruned, err := m.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

type callResult struct {
	res *core.Result
	err error
}

func TestManagersSharingRedisApplyDuplicatesOnce(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	_, client := newRedisClient(t)

	engA := newGatedEngine(newEngineOn(t, shared))
	engB := newGatedEngine(newEngineOn(t, shared))
	close(engB.release)
	recordsB := &watchedRecords{IdempotencyStore: NewRedisIdempotencyStore(client, "flow"), pending: make(chan struct{})}

	// each manager has its own in-process locker, as separate replicas would
	mA, err := NewManager(engA, nil, NewRedisIdempotencyStore(client, "flow"), WithLogger(logging.Discard()))
	require.NoError(t, err)
	mB, err := NewManager(engB, nil, recordsB, WithLogger(logging.Discard()), WithReplayWait(5*time.Second, 5*time.Millisecond))
	require.NoError(t, err)

	created, err := mA.Create(ctx, "s1", "k-create", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)
	req := core.EventRequest{InstanceID: created.Instance.InstanceID, Event: "ASSIGN"}

	doneA := make(chan callResult, 1)
	go func() {
		res, err := mA.ApplyEvent(ctx, "s1", "k-assign", req)
		doneA <- callResult{res, err}
	}()
	waitFor(t, engA.entered, "first request to reach the engine")

	doneB := make(chan callResult, 1)
	go func() {
		res, err := mB.ApplyEvent(ctx, "s1", "k-assign", req)
		doneB <- callResult{res, err}
	}()
	waitFor(t, recordsB.pending, "duplicate to find the reservation")
	close(engA.release)

	a, b := <-doneA, <-doneB
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, int64(2), a.res.Instance.Version)
	assert.Equal(t, int64(2), b.res.Instance.Version)
	require.Len(t, b.res.Messages, len(a.res.Messages))
	for i := range a.res.Messages {
		assert.Equal(t, a.res.Messages[i].Seq, b.res.Messages[i].Seq)
		assert.Equal(t, a.res.Messages[i].Kind, b.res.Messages[i].Kind)
	}
	assert.Equal(t, int32(1), engA.applies.Load())
	assert.Equal(t, int32(0), engB.applies.Load())

	inst, err := shared.Load(ctx, created.Instance.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inst.Version)
	assert.Equal(t, "assigned", inst.State)
}

func TestManagerDuplicateTimesOutWhileRequestRuns(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	records := NewMemoryIdempotencyStore(nil)

	engA := newGatedEngine(newEngineOn(t, shared))
	engB := newGatedEngine(newEngineOn(t, shared))
	close(engB.release)
	mA, err := NewManager(engA, nil, records, WithLogger(logging.Discard()))
	require.NoError(t, err)
	mB, err := NewManager(engB, nil, records, WithLogger(logging.Discard()), WithReplayWait(30*time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	created, err := mA.Create(ctx, "s1", "k-create", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)
	req := core.EventRequest{InstanceID: created.Instance.InstanceID, Event: "ASSIGN"}

	doneA := make(chan callResult, 1)
	go func() {
		res, err := mA.ApplyEvent(ctx, "s1", "k-assign", req)
		doneA <- callResult{res, err}
	}()
	waitFor(t, engA.entered, "first request to reach the engine")

	_, err = mB.ApplyEvent(ctx, "s1", "k-assign", req)
	require.Error(t, err)
	assert.Equal(t, orchestrator.ErrCodeRequestInProgress, orchestrator.ErrorCode(err))
	pub := orchestrator.Public(err)
	assert.Equal(t, orchestrator.RecoveryRetry, pub.Recovery)

	close(engA.release)
	a := <-doneA
	require.NoError(t, a.err)

	// the retry replays the finished request
	res, err := mB.ApplyEvent(ctx, "s1", "k-assign", req)
	require.NoError(t, err)
	assert.Equal(t, a.res.Instance.Version, res.Instance.Version)
	assert.Equal(t, int32(0), engB.applies.Load())
}

func TestManagersSharingRecordsReplayAndRejectReuse(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	_, client := newRedisClient(t)

	engA := &countingEngine{Engine: newEngineOn(t, shared)}
	engB := &countingEngine{Engine: newEngineOn(t, shared)}
	mA, err := NewManager(engA, nil, NewRedisIdempotencyStore(client, "flow"), WithLogger(logging.Discard()))
	require.NoError(t, err)
	mB, err := NewManager(engB, nil, NewRedisIdempotencyStore(client, "flow"), WithLogger(logging.Discard()))
	require.NoError(t, err)

	created, err := mA.Create(ctx, "s1", "k1", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)
	again, err := mB.Create(ctx, "s1", "k1", core.CreateRequest{CapabilityID: "support.ticket"})
	require.NoError(t, err)
	assert.Equal(t, created.Instance.InstanceID, again.Instance.InstanceID)
	assert.Equal(t, int32(0), engB.creates.Load())

	_, err = mB.ApplyEvent(ctx, "s1", "k1", core.EventRequest{InstanceID: created.Instance.InstanceID, Event: "ASSIGN"})
	assert.Equal(t, orchestrator.ErrCodeIdempotencyKeyReused, orchestrator.ErrorCode(err))

	// a failed request frees its key for the other replica
	engA.failOn.Store(1)
	req := core.EventRequest{InstanceID: created.Instance.InstanceID, Event: "ASSIGN"}
	_, err = mA.ApplyEvent(ctx, "s1", "k2", req)
	assert.Equal(t, orchestrator.ErrCodeInternal, orchestrator.ErrorCode(err))
	res, err := mB.ApplyEvent(ctx, "s1", "k2", req)
	require.NoError(t, err)
	assert.Equal(t, "assigned", res.Instance.State)
	assert.Equal(t, int32(1), engB.applies.Load())
}
