package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/artifact"
	"github.com/anthropics/exec-engine/internal/audit"
	"github.com/anthropics/exec-engine/internal/secrets"
	"github.com/anthropics/exec-engine/internal/state"
)

const testRun = contracts.RunID("run-1")

// fakeDispatcher records dispatches and plays the worker: unless an order is
// configured to fail dispatch, it immediately writes the configured callback
// result.
type fakeDispatcher struct {
	mu          sync.Mutex
	artifacts   *artifact.MemoryStore
	results     map[contracts.OrderNum]contracts.OrderStatus
	dispatchErr map[contracts.OrderNum]error
	silent      map[contracts.OrderNum]bool // dispatched but never reports
	dispatched  []contracts.OrderNum
}

func newFakeDispatcher(artifacts *artifact.MemoryStore) *fakeDispatcher {
	return &fakeDispatcher{
		artifacts:   artifacts,
		results:     make(map[contracts.OrderNum]contracts.OrderStatus),
		dispatchErr: make(map[contracts.OrderNum]error),
		silent:      make(map[contracts.OrderNum]bool),
	}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, order *contracts.Order) (string, error) {
	d.mu.Lock()
	if err := d.dispatchErr[order.Num]; err != nil {
		d.mu.Unlock()
		return "", err
	}
	d.dispatched = append(d.dispatched, order.Num)
	status, ok := d.results[order.Num]
	silent := d.silent[order.Num]
	d.mu.Unlock()

	if !silent {
		if !ok {
			status = contracts.StatusSucceeded
		}
		result := &contracts.CallbackResult{Status: status, Log: "worker log"}
		if err := d.artifacts.PutCallback(ctx, order.RunID, order.Num, result); err != nil {
			return "", err
		}
	}
	return "handle:" + string(order.Num), nil
}

func (d *fakeDispatcher) dispatchedNums() []contracts.OrderNum {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]contracts.OrderNum(nil), d.dispatched...)
}

// fakeWatchdog records watch requests without polling.
type fakeWatchdog struct {
	mu      sync.Mutex
	watched []contracts.OrderNum
}

func (w *fakeWatchdog) Watch(_ context.Context, _ contracts.RunID, num contracts.OrderNum, _ time.Duration, _ time.Time) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, num)
	return "watchdog:" + string(num)
}

type fixture struct {
	orchestrator contracts.Orchestrator
	store        *state.MemoryStore
	artifacts    *artifact.MemoryStore
	keys         *secrets.MemoryKeyStore
	dispatcher   *fakeDispatcher
	watchdog     *fakeWatchdog

	mu    sync.Mutex
	queue []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		store:     state.NewMemoryStore(),
		artifacts: artifact.NewMemoryStore(),
		keys:      secrets.NewMemoryKeyStore(),
	}
	fx.dispatcher = newFakeDispatcher(fx.artifacts)
	fx.watchdog = &fakeWatchdog{}
	fx.artifacts.OnCallback = func(key string) {
		fx.mu.Lock()
		fx.queue = append(fx.queue, key)
		fx.mu.Unlock()
	}
	fx.orchestrator = New(Deps{
		Orders:     fx.store,
		Events:     fx.store,
		Locks:      fx.store,
		Artifacts:  fx.artifacts,
		Dispatcher: fx.dispatcher,
		Watchdog:   fx.watchdog,
		Keys:       fx.keys,
		Log:        audit.Nop(),
	})
	return fx
}

// seed persists the given orders for testRun.
func (fx *fixture) seed(t *testing.T, orders ...*contracts.Order) {
	t.Helper()
	deadline := time.Now().Add(time.Hour).UnixMilli()
	for i, order := range orders {
		order.RunID = testRun
		order.Num = contracts.OrderNum(fmt.Sprintf("%04d", i+1))
		order.TraceID = "trace-1"
		order.FlowID = "alice:trace-1-exec"
		if order.Status == "" {
			order.Status = contracts.StatusQueued
		}
		if order.TimeoutS == 0 {
			order.TimeoutS = 30
		}
		if order.JobDeadline == 0 {
			order.JobDeadline = deadline
		}
		require.NoError(t, fx.store.Put(context.Background(), order))
	}
}

// drive emits the start signal and processes notifications until the stream
// drains, mimicking the at-least-once notification loop.
func (fx *fixture) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	start := &contracts.CallbackResult{Status: contracts.StatusSucceeded, Log: "job accepted"}
	require.NoError(t, fx.artifacts.PutCallback(ctx, testRun, contracts.StartOrderNum, start))

	for i := 0; i < 100; i++ {
		fx.mu.Lock()
		if len(fx.queue) == 0 {
			fx.mu.Unlock()
			return
		}
		key := fx.queue[0]
		fx.queue = fx.queue[1:]
		fx.mu.Unlock()

		require.NoError(t, fx.orchestrator.HandleNotification(ctx, key))
	}
	t.Fatal("notification stream did not drain")
}

func (fx *fixture) statuses(t *testing.T) map[string]contracts.OrderStatus {
	t.Helper()
	orders, err := fx.store.GetAll(context.Background(), testRun)
	require.NoError(t, err)
	out := make(map[string]contracts.OrderStatus, len(orders))
	for _, order := range orders {
		out[order.Name] = order.Status
	}
	return out
}

func TestOrchestrator_LinearSuccess(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		&contracts.Order{Name: "A", MustSucceed: true},
		&contracts.Order{Name: "B", MustSucceed: true, Dependencies: []string{"A"}},
	)

	fx.drive(t)

	assert.Equal(t, map[string]contracts.OrderStatus{
		"A": contracts.StatusSucceeded,
		"B": contracts.StatusSucceeded,
	}, fx.statuses(t))

	// B dispatched only after A, each with a watchdog.
	assert.Equal(t, []contracts.OrderNum{"0001", "0002"}, fx.dispatcher.dispatchedNums())
	assert.ElementsMatch(t, []contracts.OrderNum{"0001", "0002"}, fx.watchdog.watched)

	marker, ok := fx.artifacts.DoneMarker(testRun)
	require.True(t, ok)
	assert.Equal(t, contracts.RunSucceeded, marker.Status)
	assert.Equal(t, contracts.Summary{Succeeded: 2}, marker.Summary)

	// Lock released.
	lock, ok := fx.store.Lock(testRun)
	require.True(t, ok)
	assert.Equal(t, contracts.LockCompleted, lock.State)
}

func TestOrchestrator_DiamondParallel(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		&contracts.Order{Name: "A", MustSucceed: true},
		&contracts.Order{Name: "B", MustSucceed: true},
		&contracts.Order{Name: "C", MustSucceed: true, Dependencies: []string{"A", "B"}},
	)

	fx.drive(t)

	assert.Equal(t, map[string]contracts.OrderStatus{
		"A": contracts.StatusSucceeded,
		"B": contracts.StatusSucceeded,
		"C": contracts.StatusSucceeded,
	}, fx.statuses(t))

	// A and B leave in the first tick, C strictly last.
	nums := fx.dispatcher.dispatchedNums()
	require.Len(t, nums, 3)
	assert.ElementsMatch(t, []contracts.OrderNum{"0001", "0002"}, nums[:2])
	assert.Equal(t, contracts.OrderNum("0003"), nums[2])

	marker, ok := fx.artifacts.DoneMarker(testRun)
	require.True(t, ok)
	assert.Equal(t, contracts.RunSucceeded, marker.Status)
	assert.Equal(t, contracts.Summary{Succeeded: 3}, marker.Summary)
}

func TestOrchestrator_MustSucceedFailureCascade(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		&contracts.Order{Name: "A", MustSucceed: true},
		&contracts.Order{Name: "B", MustSucceed: true, Dependencies: []string{"A"}},
	)
	fx.dispatcher.results["0001"] = contracts.StatusFailed

	fx.drive(t)

	assert.Equal(t, map[string]contracts.OrderStatus{
		"A": contracts.StatusFailed,
		"B": contracts.StatusFailed,
	}, fx.statuses(t))

	// B never reached a backend; it was doomed with a synthetic log.
	assert.Equal(t, []contracts.OrderNum{"0001"}, fx.dispatcher.dispatchedNums())
	orders, err := fx.store.GetAll(context.Background(), testRun)
	require.NoError(t, err)
	assert.Equal(t, "dependency A ended as failed", orders[1].Log)

	marker, ok := fx.artifacts.DoneMarker(testRun)
	require.True(t, ok)
	assert.Equal(t, contracts.RunFailed, marker.Status)
	assert.Equal(t, contracts.Summary{Failed: 2}, marker.Summary)
}

func TestOrchestrator_WatchdogTimeoutReconciled(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &contracts.Order{Name: "A", MustSucceed: true, TimeoutS: 5})
	fx.dispatcher.silent["0001"] = true

	fx.drive(t)
	assert.Equal(t, map[string]contracts.OrderStatus{"A": contracts.StatusRunning}, fx.statuses(t))

	// The watchdog writes the synthetic result; its notification resolves
	// the order through the normal reconcile path.
	ctx := context.Background()
	synthetic := &contracts.CallbackResult{Status: contracts.StatusTimedOut, Log: "no callback received by deadline"}
	require.NoError(t, fx.artifacts.PutCallback(ctx, testRun, "0001", synthetic))
	fx.mu.Lock()
	key := fx.queue[len(fx.queue)-1]
	fx.queue = nil
	fx.mu.Unlock()
	require.NoError(t, fx.orchestrator.HandleNotification(ctx, key))

	assert.Equal(t, map[string]contracts.OrderStatus{"A": contracts.StatusTimedOut}, fx.statuses(t))

	marker, ok := fx.artifacts.DoneMarker(testRun)
	require.True(t, ok)
	assert.Equal(t, contracts.RunFailed, marker.Status)
	assert.Equal(t, contracts.Summary{TimedOut: 1}, marker.Summary)
}

func TestOrchestrator_LockContentionIsSilent(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &contracts.Order{Name: "A", MustSucceed: true})

	// Another invocation holds the lock.
	ctx := context.Background()
	require.NoError(t, fx.store.Acquire(ctx, testRun, "other-holder", "f", "tr", time.Hour))

	err := fx.orchestrator.HandleNotification(ctx, artifact.CallbackKey(testRun, contracts.StartOrderNum))
	require.NoError(t, err)

	// No side effects: nothing dispatched, order untouched.
	assert.Empty(t, fx.dispatcher.dispatchedNums())
	assert.Equal(t, map[string]contracts.OrderStatus{"A": contracts.StatusQueued}, fx.statuses(t))
}

func TestOrchestrator_ReplayIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		&contracts.Order{Name: "A", MustSucceed: true},
		&contracts.Order{Name: "B", MustSucceed: true, Dependencies: []string{"A"}},
	)
	fx.drive(t)

	before := fx.statuses(t)
	dispatchedBefore := fx.dispatcher.dispatchedNums()

	// Replay a stale notification for an already-terminal order.
	ctx := context.Background()
	err := fx.orchestrator.HandleNotification(ctx, artifact.CallbackKey(testRun, "0001"))
	require.NoError(t, err)

	assert.Equal(t, before, fx.statuses(t))
	assert.Equal(t, dispatchedBefore, fx.dispatcher.dispatchedNums())
	marker, ok := fx.artifacts.DoneMarker(testRun)
	require.True(t, ok)
	assert.Equal(t, contracts.RunSucceeded, marker.Status)
}

func TestOrchestrator_DispatchFailureIsolated(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		&contracts.Order{Name: "A", MustSucceed: true},
		&contracts.Order{Name: "B", MustSucceed: true},
	)
	fx.dispatcher.dispatchErr["0001"] = errors.New("backend unavailable")

	fx.drive(t)

	statuses := fx.statuses(t)
	assert.Equal(t, contracts.StatusFailed, statuses["A"])
	assert.Equal(t, contracts.StatusSucceeded, statuses["B"])

	orders, err := fx.store.GetAll(context.Background(), testRun)
	require.NoError(t, err)
	assert.Contains(t, orders[0].Log, "dispatch failed")

	marker, ok := fx.artifacts.DoneMarker(testRun)
	require.True(t, ok)
	assert.Equal(t, contracts.RunFailed, marker.Status)
}

func TestOrchestrator_QueueSerialisation(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		&contracts.Order{Name: "A", MustSucceed: true, QueueID: "q1"},
		&contracts.Order{Name: "B", MustSucceed: true, QueueID: "q1"},
	)

	fx.drive(t)

	// One finished before the other started.
	assert.Equal(t, []contracts.OrderNum{"0001", "0002"}, fx.dispatcher.dispatchedNums())
	assert.Equal(t, map[string]contracts.OrderStatus{
		"A": contracts.StatusSucceeded,
		"B": contracts.StatusSucceeded,
	}, fx.statuses(t))
}

func TestOrchestrator_JobDeadlineExpiresRun(t *testing.T) {
	fx := newFixture(t)
	past := time.Now().Add(-time.Minute).UnixMilli()
	fx.seed(t, &contracts.Order{Name: "A", MustSucceed: true, JobDeadline: past})
	fx.dispatcher.silent["0001"] = true

	fx.drive(t)

	assert.Equal(t, map[string]contracts.OrderStatus{"A": contracts.StatusTimedOut}, fx.statuses(t))
	marker, ok := fx.artifacts.DoneMarker(testRun)
	require.True(t, ok)
	assert.Equal(t, contracts.RunTimedOut, marker.Status)
}

func TestOrchestrator_EphemeralKeysCleanedUp(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	ref, err := fx.keys.Put(ctx, testRun, "0001", []byte("private"), []byte("public"))
	require.NoError(t, err)
	fx.seed(t, &contracts.Order{Name: "A", MustSucceed: true, KeyRef: ref})

	fx.drive(t)

	assert.Equal(t, 0, fx.keys.Len())
}

func TestOrchestrator_InvalidNotificationRejected(t *testing.T) {
	fx := newFixture(t)
	err := fx.orchestrator.HandleNotification(context.Background(), "internal/exec/run-1/0001/bundle")
	assert.ErrorIs(t, err, contracts.ErrInvalidNotification)
}

func TestOrchestrator_UnknownRunIgnored(t *testing.T) {
	fx := newFixture(t)
	err := fx.orchestrator.HandleNotification(context.Background(), artifact.CallbackKey("ghost-run", "0001"))
	assert.NoError(t, err)
}

func TestOrchestrator_TerminalEventPerOrder(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		&contracts.Order{Name: "A", MustSucceed: true},
		&contracts.Order{Name: "B", MustSucceed: true, Dependencies: []string{"A"}},
	)
	fx.drive(t)

	events, err := fx.store.QueryByTrace(context.Background(), "trace-1", "")
	require.NoError(t, err)

	terminal := make(map[string]int)
	for _, event := range events {
		if event.EventType == contracts.EventOrderCompleted || event.EventType == contracts.EventOrderDoomed {
			terminal[event.OrderName]++
		}
	}
	assert.Equal(t, map[string]int{"A": 1, "B": 1}, terminal)
}
