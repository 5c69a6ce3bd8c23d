package contracts

import (
	"context"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// State Store Ports (C1)
// =============================================================================

// OrderStore persists order records keyed by (RunID, OrderNum).
type OrderStore interface {
	// Put inserts or replaces an order record.
	Put(ctx context.Context, order *Order) error

	// Get returns a single order, or ErrOrderNotFound.
	Get(ctx context.Context, runID RunID, num OrderNum) (*Order, error)

	// GetAll returns every order of a run, sorted by OrderNum.
	GetAll(ctx context.Context, runID RunID) ([]*Order, error)

	// UpdateStatus unconditionally sets the order's status plus any extra
	// fields. Repeating an update to the same terminal status is a no-op at
	// the semantic level; callers rely on that for idempotent reconciliation.
	UpdateStatus(ctx context.Context, runID RunID, num OrderNum, status OrderStatus, extra map[string]string) error
}

// EventStore appends audit events keyed by (TraceID, sort key).
type EventStore interface {
	// Append writes one event. Events are never rewritten.
	Append(ctx context.Context, event *OrderEvent) error

	// QueryByTrace returns events for a trace, optionally filtered by a sort
	// key prefix ("<order_name>:").
	QueryByTrace(ctx context.Context, traceID TraceID, prefix string) ([]*OrderEvent, error)
}

// LockStore grants exclusive orchestrator execution rights per run.
type LockStore interface {
	// Acquire conditionally creates or takes over the run's lock record. It
	// succeeds if no record exists or the existing record is completed, and
	// returns ErrLockContended otherwise. Contention is never retried.
	Acquire(ctx context.Context, runID RunID, holder HolderID, flowID FlowID, traceID TraceID, ttl time.Duration) error

	// Release unconditionally marks the lock completed.
	Release(ctx context.Context, runID RunID) error
}

// =============================================================================
// Artifact Store Port (C2)
// =============================================================================

// ArtifactStore is the blob store for execution bundles, callback results and
// the done marker.
type ArtifactStore interface {
	// PutBundle uploads an execution bundle and returns its URI.
	PutBundle(ctx context.Context, runID RunID, num OrderNum, body io.Reader) (string, error)

	// GetBundle streams a previously uploaded bundle.
	GetBundle(ctx context.Context, runID RunID, num OrderNum) (io.ReadCloser, error)

	// PutCallback writes a callback result (worker, watchdog, or the start
	// signal). The write produces a notification delivered to the
	// orchestrator.
	PutCallback(ctx context.Context, runID RunID, num OrderNum, result *CallbackResult) error

	// GetCallback reads a callback result, or ErrResultNotReady when the
	// object does not exist yet.
	GetCallback(ctx context.Context, runID RunID, num OrderNum) (*CallbackResult, error)

	// PresignCallback returns a time-limited URL allowing a credential-less
	// PUT of the order's callback result.
	PresignCallback(ctx context.Context, runID RunID, num OrderNum, expiry time.Duration) (string, error)

	// PutDoneMarker writes the run's finalisation marker. A duplicate
	// identical write must not conflict with a prior one.
	PutDoneMarker(ctx context.Context, runID RunID, marker *DoneMarker) error

	// DoneURI returns the location of the run's done marker.
	DoneURI(runID RunID) string
}

// =============================================================================
// External Collaborator Ports (consumed only)
// =============================================================================

// BackendDispatcher hands an order to its execution backend. Dispatch must be
// idempotent keyed by (RunID, OrderNum): a duplicate dispatch is absorbed.
type BackendDispatcher interface {
	Dispatch(ctx context.Context, order *Order) (handle string, err error)
}

// CredentialSource resolves opaque config and secret paths to values.
type CredentialSource interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// KeyStore holds per-order envelope-encryption key material under
// keys/<run_id>/<order_num>.
type KeyStore interface {
	// Put stores a key pair and returns the reference recorded on the order.
	Put(ctx context.Context, runID RunID, num OrderNum, private, public []byte) (ref string, err error)

	// PublicKey returns the public half for a previously stored reference.
	PublicKey(ctx context.Context, ref string) ([]byte, error)

	// Delete removes one key entry. Cleanup is best-effort.
	Delete(ctx context.Context, ref string) error
}

// VcsProvider is the kernel's view of the VCS platform.
type VcsProvider interface {
	VerifyWebhook(headers http.Header, body []byte, secret string) bool
	CreateComment(ctx context.Context, repo string, pr int, body, token string) (int64, error)
	UpdateComment(ctx context.Context, repo string, id int64, body, token string) error
	FindCommentByTag(ctx context.Context, repo string, pr int, tag, token string) (int64, bool, error)
}

// SourceFetcher materialises an order's code into a local directory.
type SourceFetcher interface {
	// Fetch returns the directory holding the order's code and a cleanup
	// function the caller must invoke.
	Fetch(ctx context.Context, src OrderSource) (dir string, cleanup func(), err error)
}

// =============================================================================
// Watchdog Port (C5)
// =============================================================================

// WatchdogStarter launches the out-of-band liveness enforcer for a dispatched
// order and returns an opaque handle recorded on the order.
type WatchdogStarter interface {
	Watch(ctx context.Context, runID RunID, num OrderNum, timeout time.Duration, dispatchedAt time.Time) string
}

// =============================================================================
// Orchestrator (C4)
// =============================================================================

// Orchestrator reacts to a single callback-write notification: it acquires
// the run's lock, reconciles completed results, evaluates the dependency
// graph, dispatches ready orders and finalises when every order is terminal.
type Orchestrator interface {
	// HandleNotification processes one notification identified by the written
	// object's path. Lock contention is swallowed: the losing invocation
	// returns nil with no side effects. An unparseable path returns
	// ErrInvalidNotification.
	HandleNotification(ctx context.Context, objectKey string) error
}
