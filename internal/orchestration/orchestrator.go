package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/artifact"
	"github.com/anthropics/exec-engine/internal/audit"
)

// defaultMaxParallelism caps concurrent dispatch within one invocation.
const defaultMaxParallelism = 16

// minLockTTL bounds the lock TTL from below once the job deadline is near.
const minLockTTL = time.Minute

// defaultDispatchTimeout bounds a single backend dispatch RPC.
const defaultDispatchTimeout = 30 * time.Second

// PRNotifier pushes run progress to the submitting PR. All methods are
// best-effort; failures never affect run outcome.
type PRNotifier interface {
	OrderCompleted(ctx context.Context, order *contracts.Order)
	RunCompleted(ctx context.Context, orders []*contracts.Order, marker *contracts.DoneMarker)
}

// Deps contains all collaborators needed by the orchestrator.
type Deps struct {
	Orders     contracts.OrderStore
	Events     contracts.EventStore
	Locks      contracts.LockStore
	Artifacts  contracts.ArtifactStore
	Dispatcher contracts.BackendDispatcher
	Watchdog   contracts.WatchdogStarter
	Keys       contracts.KeyStore
	Notifier   PRNotifier // optional
	Log        audit.Logger

	MaxParallelism  int
	DispatchTimeout time.Duration
	Now             func() time.Time
}

// orchestrator implements contracts.Orchestrator. Exclusion between
// invocations comes from the conditional run lock; within one invocation
// dispatch fans out concurrently but every goroutine writes distinct keys.
type orchestrator struct {
	orders     contracts.OrderStore
	events     contracts.EventStore
	locks      contracts.LockStore
	artifacts  contracts.ArtifactStore
	dispatcher contracts.BackendDispatcher
	watchdog   contracts.WatchdogStarter
	keys       contracts.KeyStore
	notifier   PRNotifier
	log        audit.Logger

	maxParallelism  int
	dispatchTimeout time.Duration
	now             func() time.Time
}

// New creates an Orchestrator with the given dependencies.
func New(deps Deps) contracts.Orchestrator {
	maxParallelism := deps.MaxParallelism
	if maxParallelism <= 0 {
		maxParallelism = defaultMaxParallelism
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	dispatchTimeout := deps.DispatchTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = defaultDispatchTimeout
	}
	return &orchestrator{
		orders:          deps.Orders,
		events:          deps.Events,
		locks:           deps.Locks,
		artifacts:       deps.Artifacts,
		dispatcher:      deps.Dispatcher,
		watchdog:        deps.Watchdog,
		keys:            deps.Keys,
		notifier:        deps.Notifier,
		log:             deps.Log,
		maxParallelism:  maxParallelism,
		dispatchTimeout: dispatchTimeout,
		now:             now,
	}
}

// HandleNotification processes one callback-write notification. The losing
// side of lock contention returns nil with no side effects; the next
// notification re-enters.
func (o *orchestrator) HandleNotification(ctx context.Context, objectKey string) error {
	runID, _, err := artifact.ParseCallbackPath(objectKey)
	if err != nil {
		o.log.Error("notification_rejected", err).Str("object_key", objectKey).Msg("")
		return err
	}

	orders, err := o.orders.GetAll(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading orders for run %s: %w", runID, err)
	}
	if len(orders) == 0 {
		o.log.Warn("unknown_run").Str("run_id", string(runID)).Msg("")
		return nil
	}
	flowID, traceID := orders[0].FlowID, orders[0].TraceID
	deadline := time.UnixMilli(orders[0].JobDeadline)

	holder := contracts.HolderID(uuid.NewString())
	ttl := time.Until(deadline)
	if ttl < minLockTTL {
		ttl = minLockTTL
	}
	if err := o.locks.Acquire(ctx, runID, holder, flowID, traceID, ttl); err != nil {
		if errors.Is(err, contracts.ErrLockContended) {
			o.log.Event("lock_contended").Str("run_id", string(runID)).Msg("")
			return nil
		}
		return fmt.Errorf("acquiring lock for run %s: %w", runID, err)
	}
	defer func() {
		if err := o.locks.Release(ctx, runID); err != nil {
			o.log.Error("lock_release_failed", err).Str("run_id", string(runID)).Msg("")
		}
	}()

	o.log.Event("orchestrator_entered").
		Str("run_id", string(runID)).
		Str("holder_id", string(holder)).
		Str("object_key", objectKey).
		Msg("")

	// Reload under the lock: the pre-lock read raced other invocations.
	orders, err = o.orders.GetAll(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading orders for run %s: %w", runID, err)
	}

	o.reconcile(ctx, orders)

	ev := evaluate(orders)
	o.failDoomed(ctx, ev.doomed)
	o.dispatchReady(ctx, ev.ready)

	return o.maybeFinalise(ctx, runID, deadline)
}

// reconcile moves running orders whose callback result has arrived into
// their terminal state. Repeating it yields the same result: terminal
// updates are idempotent.
func (o *orchestrator) reconcile(ctx context.Context, orders []*contracts.Order) {
	for _, order := range orders {
		if order.Status != contracts.StatusRunning {
			continue
		}
		result, err := o.artifacts.GetCallback(ctx, order.RunID, order.Num)
		if errors.Is(err, contracts.ErrResultNotReady) {
			continue
		}
		if err != nil {
			o.log.Error("callback_read_failed", err).
				Str("run_id", string(order.RunID)).
				Str("order_num", string(order.Num)).
				Msg("")
			continue
		}

		status := result.Status
		logText := result.Log
		if !status.ValidResult() {
			status = contracts.StatusFailed
			logText = fmt.Sprintf("invalid callback status %q: %s", result.Status, result.Log)
		}
		if err := o.orders.UpdateStatus(ctx, order.RunID, order.Num, status, map[string]string{
			"log": logText,
		}); err != nil {
			o.log.Error("status_update_failed", err).
				Str("run_id", string(order.RunID)).
				Str("order_num", string(order.Num)).
				Msg("")
			continue
		}
		order.Status = status
		order.Log = logText

		o.appendEvent(ctx, order, contracts.EventOrderCompleted, string(status), nil)
		o.log.Event("order_reconciled").
			Str("run_id", string(order.RunID)).
			Str("order_num", string(order.Num)).
			Str("status", string(status)).
			Msg("")
		if o.notifier != nil {
			o.notifier.OrderCompleted(ctx, order)
		}
	}
}

// failDoomed transitions condemned orders straight to failed with a
// synthetic log entry.
func (o *orchestrator) failDoomed(ctx context.Context, doomed []doomedOrder) {
	for _, d := range doomed {
		order := d.order
		if err := o.orders.UpdateStatus(ctx, order.RunID, order.Num, contracts.StatusFailed, map[string]string{
			"log": d.reason,
		}); err != nil {
			o.log.Error("status_update_failed", err).
				Str("run_id", string(order.RunID)).
				Str("order_num", string(order.Num)).
				Msg("")
			continue
		}
		order.Status = contracts.StatusFailed
		order.Log = d.reason
		o.appendEvent(ctx, order, contracts.EventOrderDoomed, string(contracts.StatusFailed), map[string]string{
			"reason": d.reason,
		})
		o.log.Event("order_doomed").
			Str("run_id", string(order.RunID)).
			Str("order_num", string(order.Num)).
			Str("reason", d.reason).
			Msg("")
	}
}

// dispatchReady hands every ready order to its backend with bounded fan-out
// and starts a watchdog per dispatched order. A dispatch failure converts
// that order to failed and does not abort the others.
func (o *orchestrator) dispatchReady(ctx context.Context, ready []*contracts.Order) {
	if len(ready) == 0 {
		return
	}
	sem := make(chan struct{}, o.maxParallelism)
	var wg sync.WaitGroup
	for _, order := range ready {
		wg.Add(1)
		go func(order *contracts.Order) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			o.dispatchOne(ctx, order)
		}(order)
	}
	wg.Wait()
}

func (o *orchestrator) dispatchOne(ctx context.Context, order *contracts.Order) {
	dispatchCtx, cancel := context.WithTimeout(ctx, o.dispatchTimeout)
	handle, err := o.dispatcher.Dispatch(dispatchCtx, order)
	cancel()
	if err != nil {
		reason := fmt.Sprintf("dispatch failed: %v", err)
		if uerr := o.orders.UpdateStatus(ctx, order.RunID, order.Num, contracts.StatusFailed, map[string]string{
			"log": reason,
		}); uerr != nil {
			o.log.Error("status_update_failed", uerr).
				Str("run_id", string(order.RunID)).
				Str("order_num", string(order.Num)).
				Msg("")
			return
		}
		order.Status = contracts.StatusFailed
		order.Log = reason
		o.appendEvent(ctx, order, contracts.EventOrderCompleted, string(contracts.StatusFailed), map[string]string{
			"reason": reason,
		})
		o.log.Error("dispatch_failed", err).
			Str("run_id", string(order.RunID)).
			Str("order_num", string(order.Num)).
			Msg("")
		return
	}

	dispatchedAt := o.now()
	// The watchdog must outlive this invocation; detach it from the
	// notification's cancellation.
	watchdogHandle := o.watchdog.Watch(context.WithoutCancel(ctx), order.RunID, order.Num,
		time.Duration(order.TimeoutS)*time.Second, dispatchedAt)

	if err := o.orders.UpdateStatus(ctx, order.RunID, order.Num, contracts.StatusRunning, map[string]string{
		"execution_url":    handle,
		"watchdog_handle":  watchdogHandle,
		"dispatched_at_ms": strconv.FormatInt(dispatchedAt.UnixMilli(), 10),
	}); err != nil {
		o.log.Error("status_update_failed", err).
			Str("run_id", string(order.RunID)).
			Str("order_num", string(order.Num)).
			Msg("")
		return
	}
	order.Status = contracts.StatusRunning
	order.ExecutionURL = handle
	order.WatchdogHandle = watchdogHandle
	order.DispatchedAt = dispatchedAt.UnixMilli()

	o.appendEvent(ctx, order, contracts.EventOrderDispatched, string(contracts.StatusRunning), map[string]string{
		"execution_url": handle,
	})
	o.log.Event("order_dispatched").
		Str("run_id", string(order.RunID)).
		Str("order_num", string(order.Num)).
		Str("target", string(order.Target)).
		Str("execution_url", handle).
		Msg("")
}

// maybeFinalise reloads the run and, once every order is terminal, writes
// the done marker. A job deadline that elapsed first resolves stragglers the
// watchdog way: synthetic timed_out results for running orders, direct
// timed_out for still-queued ones.
func (o *orchestrator) maybeFinalise(ctx context.Context, runID contracts.RunID, deadline time.Time) error {
	orders, err := o.orders.GetAll(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading orders for run %s: %w", runID, err)
	}
	if len(orders) == 0 {
		return nil
	}

	deadlineElapsed := o.now().After(deadline)
	if deadlineElapsed && !allTerminal(orders) {
		o.expireRun(ctx, orders)
		orders, err = o.orders.GetAll(ctx, runID)
		if err != nil {
			return fmt.Errorf("loading orders for run %s: %w", runID, err)
		}
	}

	if !allTerminal(orders) {
		return nil
	}

	marker := &contracts.DoneMarker{
		Status:  runStatus(orders, deadlineElapsed),
		Summary: summarise(orders),
	}

	first := orders[0]
	o.appendJobEvent(ctx, first, contracts.EventJobCompleted, string(marker.Status), map[string]string{
		"succeeded": strconv.Itoa(marker.Summary.Succeeded),
		"failed":    strconv.Itoa(marker.Summary.Failed),
		"timed_out": strconv.Itoa(marker.Summary.TimedOut),
	})

	if err := o.artifacts.PutDoneMarker(ctx, runID, marker); err != nil {
		return fmt.Errorf("writing done marker for run %s: %w", runID, err)
	}

	if o.notifier != nil {
		o.notifier.RunCompleted(ctx, orders, marker)
	}

	o.cleanupKeys(ctx, orders)

	o.log.Event("run_finalised").
		Str("run_id", string(runID)).
		Str("status", string(marker.Status)).
		Int("succeeded", marker.Summary.Succeeded).
		Int("failed", marker.Summary.Failed).
		Int("timed_out", marker.Summary.TimedOut).
		Msg("")
	return nil
}

// expireRun resolves every non-terminal order after the job deadline.
// Running orders get a synthetic timed_out callback so the unified
// reconciliation path picks them up; queued orders are timed out directly.
func (o *orchestrator) expireRun(ctx context.Context, orders []*contracts.Order) {
	for _, order := range orders {
		switch order.Status {
		case contracts.StatusRunning:
			if _, err := o.artifacts.GetCallback(ctx, order.RunID, order.Num); errors.Is(err, contracts.ErrResultNotReady) {
				result := &contracts.CallbackResult{
					Status: contracts.StatusTimedOut,
					Log:    "job timeout elapsed",
				}
				if err := o.artifacts.PutCallback(ctx, order.RunID, order.Num, result); err != nil {
					o.log.Error("expire_callback_failed", err).
						Str("run_id", string(order.RunID)).
						Str("order_num", string(order.Num)).
						Msg("")
				}
			}
		case contracts.StatusQueued:
			if err := o.orders.UpdateStatus(ctx, order.RunID, order.Num, contracts.StatusTimedOut, map[string]string{
				"log": "job timeout elapsed",
			}); err != nil {
				o.log.Error("status_update_failed", err).
					Str("run_id", string(order.RunID)).
					Str("order_num", string(order.Num)).
					Msg("")
				continue
			}
			order.Status = contracts.StatusTimedOut
			order.Log = "job timeout elapsed"
			o.appendEvent(ctx, order, contracts.EventOrderCompleted, string(contracts.StatusTimedOut), nil)
		}
	}
	// Running orders settle through reconciliation of their synthetic
	// callbacks on this same pass.
	o.reconcile(ctx, orders)
}

// cleanupKeys removes ephemeral per-order key entries. Best-effort: failures
// are logged, never fatal.
func (o *orchestrator) cleanupKeys(ctx context.Context, orders []*contracts.Order) {
	prefix := fmt.Sprintf("/keys/%s/", orders[0].RunID)
	for _, order := range orders {
		if order.KeyRef == "" || len(order.KeyRef) < len(prefix) || order.KeyRef[:len(prefix)] != prefix {
			continue
		}
		if err := o.keys.Delete(ctx, order.KeyRef); err != nil {
			o.log.Warn("key_cleanup_failed").
				Str("run_id", string(order.RunID)).
				Str("key_ref", order.KeyRef).
				Err(err).
				Msg("")
		}
	}
}

func (o *orchestrator) appendEvent(ctx context.Context, order *contracts.Order, eventType, status string, data map[string]string) {
	event := contracts.NewOrderEvent(order.TraceID, order.RunID, order.FlowID,
		order.Name, eventType, status, data, o.now())
	if err := o.events.Append(ctx, event); err != nil {
		o.log.Error("event_append_failed", err).
			Str("run_id", string(order.RunID)).
			Str("order_name", order.Name).
			Msg("")
	}
}

func (o *orchestrator) appendJobEvent(ctx context.Context, sample *contracts.Order, eventType, status string, data map[string]string) {
	event := contracts.NewOrderEvent(sample.TraceID, sample.RunID, sample.FlowID,
		contracts.JobEventName, eventType, status, data, o.now())
	if err := o.events.Append(ctx, event); err != nil {
		o.log.Error("event_append_failed", err).
			Str("run_id", string(sample.RunID)).
			Str("order_name", contracts.JobEventName).
			Msg("")
	}
}

func allTerminal(orders []*contracts.Order) bool {
	for _, order := range orders {
		if !order.Status.Terminal() {
			return false
		}
	}
	return true
}

// runStatus derives the aggregate outcome from the orders alone.
func runStatus(orders []*contracts.Order, deadlineElapsed bool) contracts.RunStatus {
	if deadlineElapsed {
		return contracts.RunTimedOut
	}
	for _, order := range orders {
		if order.MustSucceed && order.Status != contracts.StatusSucceeded {
			return contracts.RunFailed
		}
	}
	return contracts.RunSucceeded
}

func summarise(orders []*contracts.Order) contracts.Summary {
	var s contracts.Summary
	for _, order := range orders {
		switch order.Status {
		case contracts.StatusSucceeded:
			s.Succeeded++
		case contracts.StatusFailed:
			s.Failed++
		case contracts.StatusTimedOut:
			s.TimedOut++
		}
	}
	return s
}
