// Package coachsync is an offline-first synchronization engine for coaching
// app data (habits, goals, sessions). Local mutations are recorded as durable
// sync operations, batched to the server when connectivity allows, and
// reconciled against concurrent server-side changes through configurable
// conflict resolution, including a human-in-the-loop workflow for conflicts
// no automatic strategy should decide.
package coachsync

import (
	"context"
	"time"

	"github.com/virtuenet/coachsync/operation"
	"github.com/virtuenet/coachsync/protocol"
	"github.com/virtuenet/coachsync/queue"
	"github.com/virtuenet/coachsync/resolve"
	"github.com/virtuenet/coachsync/transport"
)

// LocalStore applies reconciled entity state to the application's local
// database. Implementations belong to the embedding application; the engine
// only tells them what the server now says an entity looks like.
type LocalStore interface {
	// ApplyChange writes one server-originated entity change. Deleted changes
	// carry no data.
	ApplyChange(ctx context.Context, change protocol.ServerChange) error
}

// ManualConflict pairs a conflicted operation with the server state it
// collided with, for presentation to the user.
type ManualConflict struct {
	Operation *operation.SyncOperation
	Conflict  *protocol.ConflictInfo
}

// RetryConfig configures the in-cycle retry behavior for a batch request.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per batch request
	MaxAttempts int

	// InitialDelay is the initial delay between retries
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases
	Multiplier float64
}

// Options configures the sync coordinator.
type Options struct {
	// MaxBatchSize bounds how many pending operations one cycle dispatches.
	MaxBatchSize int

	// MaxRetries bounds how many cycles an operation is retried after
	// transient failures before it is marked failed.
	MaxRetries int

	// Resolver decides conflicted operations. Defaults to a server-wins
	// resolver when nil.
	Resolver *resolve.Resolver

	// LocalStore receives server-originated changes. Optional; when nil only
	// version metadata is updated.
	LocalStore LocalStore

	// SyncInterval for automatic periodic sync (0 disables)
	SyncInterval time.Duration

	// Timeout sets the maximum duration for one batch request
	Timeout time.Duration

	// RetryConfig configures in-cycle retry behavior for batch requests
	RetryConfig *RetryConfig

	// MetricsCollector for observability hooks (optional)
	MetricsCollector MetricsCollector
}

// SyncResult provides information about a completed sync cycle.
type SyncResult struct {
	// OperationsSent is the number of operations dispatched this cycle
	OperationsSent int

	// OperationsCompleted is the number the server acknowledged
	OperationsCompleted int

	// OperationsFailed is the number that reached terminal failure
	OperationsFailed int

	// OperationsRequeued is the number returned to pending for a later cycle
	OperationsRequeued int

	// ConflictsResolved is the number of conflicts resolved automatically
	ConflictsResolved int

	// ConflictsManual is the number awaiting a human decision
	ConflictsManual int

	// ServerChangesApplied is the number of server-originated changes applied
	ServerChangesApplied int

	// Errors contains any non-fatal errors that occurred during the cycle
	Errors []error

	// StartTime is when the cycle began
	StartTime time.Time

	// Duration is how long the cycle took
	Duration time.Duration

	// Cursor is the sync cursor after the cycle
	Cursor string
}

// Coordinator drives the synchronization lifecycle: recording local
// mutations, dispatching batches, routing conflicts, and applying
// server-side changes. This is the main entry point for the module.
type Coordinator interface {
	// Enqueue records a local mutation for eventual sync and updates the
	// entity's version metadata. Safe to call while a sync is in flight.
	Enqueue(ctx context.Context, op *operation.SyncOperation) error

	// Sync performs one batch sync cycle. Only one cycle may be in flight at
	// a time; a concurrent call fails without touching the network.
	Sync(ctx context.Context) (*SyncResult, error)

	// PendingConflicts lists operations awaiting manual resolution.
	PendingConflicts(ctx context.Context) ([]ManualConflict, error)

	// MergePreview builds the field-level conflict preview for one
	// manually-conflicted operation.
	MergePreview(ctx context.Context, operationID string) (resolve.MergePreview, error)

	// SubmitResolution applies the user's per-field choices to a
	// manually-conflicted operation and requeues it as pending.
	SubmitResolution(ctx context.Context, operationID string, resolutions map[string]resolve.FieldResolution) error

	// DiscardConflict drops a conflicted operation, keeping the server state.
	DiscardConflict(ctx context.Context, operationID string) error

	// RetryFailed returns a terminally failed operation to pending after
	// explicit user acknowledgement.
	RetryFailed(ctx context.Context, operationID string) error

	// StartAutoSync begins automatic synchronization at the configured interval
	StartAutoSync(ctx context.Context) error

	// StopAutoSync stops automatic synchronization
	StopAutoSync() error

	// Subscribe to sync cycle results
	Subscribe(handler func(*SyncResult)) error

	// Close shuts down the coordinator
	Close() error
}

// NewCoordinator creates a coordinator over a durable store and a transport.
func NewCoordinator(store queue.Store, tp transport.Transport, opts *Options) (Coordinator, error) {
	if opts == nil {
		opts = &Options{}
	}
	options := *opts

	if options.MaxBatchSize <= 0 {
		options.MaxBatchSize = 100
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = 5
	}
	if options.RetryConfig == nil {
		options.RetryConfig = &RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		}
	}
	if options.MetricsCollector == nil {
		options.MetricsCollector = &NoOpMetricsCollector{}
	}
	if options.Resolver == nil {
		r, err := resolve.NewResolver()
		if err != nil {
			return nil, err
		}
		options.Resolver = r
	}

	return &coordinator{
		store:           store,
		transport:       tp,
		options:         options,
		manualConflicts: make(map[string]*protocol.ConflictInfo),
	}, nil
}
