package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/exec-engine/contracts"
)

func order(name string, status contracts.OrderStatus, mustSucceed bool, deps ...string) *contracts.Order {
	return &contracts.Order{
		RunID:        "run-1",
		Name:         name,
		Status:       status,
		MustSucceed:  mustSucceed,
		Dependencies: deps,
	}
}

func names(orders []*contracts.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.Name
	}
	return out
}

func doomedNames(doomed []doomedOrder) []string {
	out := make([]string, len(doomed))
	for i, d := range doomed {
		out[i] = d.order.Name
	}
	return out
}

func TestEvaluate_NoDepsReady(t *testing.T) {
	ev := evaluate([]*contracts.Order{
		order("a1", contracts.StatusQueued, true),
		order("b1", contracts.StatusQueued, true),
	})
	assert.ElementsMatch(t, []string{"a1", "b1"}, names(ev.ready))
	assert.Empty(t, ev.doomed)
	assert.Empty(t, ev.waiting)
}

func TestEvaluate_WaitsOnPendingDeps(t *testing.T) {
	ev := evaluate([]*contracts.Order{
		order("a1", contracts.StatusRunning, true),
		order("b1", contracts.StatusQueued, true, "a1"),
	})
	assert.Empty(t, ev.ready)
	assert.Equal(t, []string{"b1"}, names(ev.waiting))
}

func TestEvaluate_ReadyAfterDepsSucceed(t *testing.T) {
	ev := evaluate([]*contracts.Order{
		order("a1", contracts.StatusSucceeded, true),
		order("b1", contracts.StatusSucceeded, true),
		order("c1", contracts.StatusQueued, true, "a1", "b1"),
	})
	assert.Equal(t, []string{"c1"}, names(ev.ready))
}

func TestEvaluate_DoomsOnMustSucceedFailure(t *testing.T) {
	ev := evaluate([]*contracts.Order{
		order("a1", contracts.StatusFailed, true),
		order("b1", contracts.StatusQueued, true, "a1"),
	})
	require.Len(t, ev.doomed, 1)
	assert.Equal(t, "b1", ev.doomed[0].order.Name)
	assert.Equal(t, "dependency a1 ended as failed", ev.doomed[0].reason)
}

func TestEvaluate_DoomCascadesInOneTick(t *testing.T) {
	ev := evaluate([]*contracts.Order{
		order("a1", contracts.StatusTimedOut, true),
		order("b1", contracts.StatusQueued, true, "a1"),
		order("c1", contracts.StatusQueued, true, "b1"),
		order("d1", contracts.StatusQueued, true, "c1"),
	})
	assert.ElementsMatch(t, []string{"b1", "c1", "d1"}, doomedNames(ev.doomed))
	assert.Empty(t, ev.ready)
	assert.Empty(t, ev.waiting)
}

func TestEvaluate_NonMustSucceedDepNeverBlocks(t *testing.T) {
	// An optional dependency that failed still permits downstream dispatch;
	// one that is still running does not.
	ev := evaluate([]*contracts.Order{
		order("a1", contracts.StatusFailed, false),
		order("b1", contracts.StatusQueued, true, "a1"),
	})
	assert.Equal(t, []string{"b1"}, names(ev.ready))
	assert.Empty(t, ev.doomed)

	ev = evaluate([]*contracts.Order{
		order("a1", contracts.StatusRunning, false),
		order("b1", contracts.StatusQueued, true, "a1"),
	})
	assert.Equal(t, []string{"b1"}, names(ev.waiting))
}

func TestEvaluate_QueueSerialisation(t *testing.T) {
	a := order("a1", contracts.StatusQueued, true)
	b := order("b1", contracts.StatusQueued, true)
	a.QueueID = "q1"
	b.QueueID = "q1"

	ev := evaluate([]*contracts.Order{a, b})
	require.Len(t, ev.ready, 1)
	require.Len(t, ev.waiting, 1)
	assert.Equal(t, "a1", ev.ready[0].Name)
	assert.Equal(t, "b1", ev.waiting[0].Name)
}

func TestEvaluate_QueueBusyHoldsAll(t *testing.T) {
	running := order("a1", contracts.StatusRunning, true)
	running.QueueID = "q1"
	queued := order("b1", contracts.StatusQueued, true)
	queued.QueueID = "q1"
	other := order("c1", contracts.StatusQueued, true)
	other.QueueID = "q2"

	ev := evaluate([]*contracts.Order{running, queued, other})
	assert.Equal(t, []string{"c1"}, names(ev.ready))
	assert.Equal(t, []string{"b1"}, names(ev.waiting))
}

func TestEvaluate_TerminalOrdersUntouched(t *testing.T) {
	ev := evaluate([]*contracts.Order{
		order("a1", contracts.StatusSucceeded, true),
		order("b1", contracts.StatusFailed, true),
	})
	assert.Empty(t, ev.ready)
	assert.Empty(t, ev.doomed)
	assert.Empty(t, ev.waiting)
}
