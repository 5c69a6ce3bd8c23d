// Package artifact implements the kernel's blob store on S3: execution
// bundles, worker callback results, and the run's done marker.
package artifact

import (
	"fmt"
	"strings"

	"github.com/anthropics/exec-engine/contracts"
)

// Object key layout. Writes under the callbacks prefix produce the
// notifications that drive the orchestrator.
const (
	execPrefix     = "internal/exec/"
	callbackPrefix = "internal/callbacks/"
	donePrefix     = "done/"
)

// MaxCallbackLogBytes bounds the size of a callback log surfaced to the
// state store.
const MaxCallbackLogBytes = 256 << 10

// BundleKey returns the object key of an order's execution bundle.
func BundleKey(runID contracts.RunID, num contracts.OrderNum) string {
	return fmt.Sprintf("%s%s/%s/bundle", execPrefix, runID, num)
}

// CallbackKey returns the object key of an order's callback result.
func CallbackKey(runID contracts.RunID, num contracts.OrderNum) string {
	return fmt.Sprintf("%s%s/%s/result", callbackPrefix, runID, num)
}

// DoneKey returns the object key of a run's done marker.
func DoneKey(runID contracts.RunID) string {
	return fmt.Sprintf("%s%s/done", donePrefix, runID)
}

// ParseCallbackPath extracts (run_id, order_num) from a callback object key.
// Both the full internal key and the bare "callbacks/..." form are accepted.
// Returns contracts.ErrInvalidNotification for anything else.
func ParseCallbackPath(key string) (contracts.RunID, contracts.OrderNum, error) {
	trimmed := strings.TrimPrefix(key, "internal/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 4 || parts[0] != "callbacks" || parts[3] != "result" {
		return "", "", fmt.Errorf("object key %q: %w", key, contracts.ErrInvalidNotification)
	}
	runID, num := parts[1], parts[2]
	if runID == "" || !validOrderNum(num) {
		return "", "", fmt.Errorf("object key %q: %w", key, contracts.ErrInvalidNotification)
	}
	return contracts.RunID(runID), contracts.OrderNum(num), nil
}

func validOrderNum(num string) bool {
	if len(num) != 4 {
		return false
	}
	for _, c := range num {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// TruncateLog clips a callback log to MaxCallbackLogBytes.
func TruncateLog(log string) string {
	if len(log) <= MaxCallbackLogBytes {
		return log
	}
	return log[:MaxCallbackLogBytes]
}
