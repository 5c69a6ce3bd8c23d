// Package orchestration implements the event-driven orchestrator: it reacts
// to callback-write notifications, reconciles completed results, evaluates
// the dependency graph, dispatches ready orders, and finalises the run.
package orchestration

import (
	"fmt"

	"github.com/anthropics/exec-engine/contracts"
)

// doomedOrder is a queued order condemned by a failed must_succeed
// dependency.
type doomedOrder struct {
	order  *contracts.Order
	reason string
}

// evaluation partitions the queued orders of a run into three disjoint sets.
type evaluation struct {
	ready   []*contracts.Order
	doomed  []doomedOrder
	waiting []*contracts.Order
}

// evaluate computes the ready/doomed/waiting partition over the queued
// orders. Dooming runs to a fixpoint so that a failure cascades through the
// whole downstream chain in a single orchestrator tick. Orders sharing a
// queue_id are serialised: at most one may be running at a time, and only
// the first ready one is admitted per tick.
func evaluate(orders []*contracts.Order) evaluation {
	byName := make(map[string]*contracts.Order, len(orders))
	effective := make(map[string]contracts.OrderStatus, len(orders))
	for _, order := range orders {
		byName[order.Name] = order
		effective[order.Name] = order.Status
	}

	// Condemn queued orders whose must_succeed dependencies ended
	// non-succeeded, treating already-doomed orders as failed so chains
	// collapse in one pass.
	reasons := make(map[string]string)
	for changed := true; changed; {
		changed = false
		for _, order := range orders {
			if effective[order.Name] != contracts.StatusQueued {
				continue
			}
			for _, dep := range order.Dependencies {
				depOrder, ok := byName[dep]
				if !ok {
					continue
				}
				depStatus := effective[dep]
				if depOrder.MustSucceed && (depStatus == contracts.StatusFailed || depStatus == contracts.StatusTimedOut) {
					effective[order.Name] = contracts.StatusFailed
					reasons[order.Name] = fmt.Sprintf("dependency %s ended as %s", dep, depStatus)
					changed = true
					break
				}
			}
		}
	}

	// Queues with a running member stay closed this tick.
	busyQueues := make(map[string]bool)
	for _, order := range orders {
		if order.QueueID != "" && order.Status == contracts.StatusRunning {
			busyQueues[order.QueueID] = true
		}
	}

	var ev evaluation
	for _, order := range orders {
		if order.Status != contracts.StatusQueued {
			continue
		}
		if reason, condemned := reasons[order.Name]; condemned {
			ev.doomed = append(ev.doomed, doomedOrder{order: order, reason: reason})
			continue
		}
		if !depsPermit(order, effective, byName) {
			ev.waiting = append(ev.waiting, order)
			continue
		}
		if order.QueueID != "" {
			if busyQueues[order.QueueID] {
				ev.waiting = append(ev.waiting, order)
				continue
			}
			busyQueues[order.QueueID] = true
		}
		ev.ready = append(ev.ready, order)
	}
	return ev
}

// depsPermit reports whether every dependency permits dispatch: must_succeed
// dependencies require succeeded, others require any terminal state.
func depsPermit(order *contracts.Order, effective map[string]contracts.OrderStatus, byName map[string]*contracts.Order) bool {
	for _, dep := range order.Dependencies {
		depOrder, ok := byName[dep]
		if !ok {
			return false
		}
		depStatus := effective[dep]
		if depOrder.MustSucceed {
			if depStatus != contracts.StatusSucceeded {
				return false
			}
			continue
		}
		if !depStatus.Terminal() {
			return false
		}
	}
	return true
}
