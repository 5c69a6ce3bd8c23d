// Package watchdog enforces per-order liveness: it polls the artifact store
// for a callback result until the order reports or its deadline passes, then
// writes a synthetic timed_out result. The synthetic write produces a fresh
// notification, so the orchestrator reconciles it exactly like a real
// callback.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/audit"
)

// DefaultPeriod is the polling interval between checks.
const DefaultPeriod = 60 * time.Second

// DefaultName is the handle prefix used when no watchdog resource name is
// configured.
const DefaultName = "watchdog"

// Watchdog implements contracts.WatchdogStarter. It owns no state beyond its
// invocation inputs; the watcher goroutine dies with the invocation context.
type Watchdog struct {
	Artifacts contracts.ArtifactStore
	Period    time.Duration
	Log       audit.Logger

	// Name is the configured watchdog resource name (WATCHDOG_HANDLE),
	// recorded in order handles. Defaults to DefaultName.
	Name string

	// Now is the watchdog's clock. Defaults to time.Now.
	Now func() time.Time

	wg sync.WaitGroup
}

func (w *Watchdog) period() time.Duration {
	if w.Period > 0 {
		return w.Period
	}
	return DefaultPeriod
}

func (w *Watchdog) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Watch starts the liveness watcher for one dispatched order and returns its
// handle.
func (w *Watchdog) Watch(ctx context.Context, runID contracts.RunID, num contracts.OrderNum, timeout time.Duration, dispatchedAt time.Time) string {
	name := w.Name
	if name == "" {
		name = DefaultName
	}
	handle := fmt.Sprintf("%s:%s/%s", name, runID, num)
	deadline := dispatchedAt.Add(timeout)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx, runID, num, deadline)
	}()
	return handle
}

// Wait blocks until every started watcher has finished. Test hook.
func (w *Watchdog) Wait() {
	w.wg.Wait()
}

func (w *Watchdog) run(ctx context.Context, runID contracts.RunID, num contracts.OrderNum, deadline time.Time) {
	timer := time.NewTicker(w.period())
	defer timer.Stop()

	for {
		_, err := w.Artifacts.GetCallback(ctx, runID, num)
		switch {
		case err == nil:
			// The order reported; nothing to enforce.
			return
		case !errors.Is(err, contracts.ErrResultNotReady):
			w.Log.Error("watchdog_check_failed", err).
				Str("run_id", string(runID)).
				Str("order_num", string(num)).
				Msg("")
			// A transient store failure is not a verdict; keep polling.
		}

		if w.now().After(deadline) {
			w.expire(ctx, runID, num, deadline)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (w *Watchdog) expire(ctx context.Context, runID contracts.RunID, num contracts.OrderNum, deadline time.Time) {
	result := &contracts.CallbackResult{
		Status: contracts.StatusTimedOut,
		Log:    fmt.Sprintf("no callback received by deadline %s", deadline.UTC().Format(time.RFC3339)),
	}
	if err := w.Artifacts.PutCallback(ctx, runID, num, result); err != nil {
		w.Log.Error("watchdog_expire_failed", err).
			Str("run_id", string(runID)).
			Str("order_num", string(num)).
			Msg("")
		return
	}
	w.Log.Event("watchdog_expired").
		Str("run_id", string(runID)).
		Str("order_num", string(num)).
		Msg("")
}
