// Package queue declares the durable storage contracts the sync coordinator
// consumes: the pending-operation queue, per-entity version metadata, and
// the sync cursor. Implementations must be transactional: a crash
// mid-update must not lose or duplicate an operation.
package queue

import (
	"context"
	"errors"

	"github.com/virtuenet/coachsync/operation"
)

// ErrNotFound is returned when an operation or metadata record does not
// exist.
var ErrNotFound = errors.New("queue: record not found")

// OperationQueue is the durable pending-operation store. Operations are
// removed only on completion or explicit user discard; every terminal
// failure stays inspectable until acknowledged.
type OperationQueue interface {
	// Enqueue durably appends a pending operation.
	Enqueue(ctx context.Context, op *operation.SyncOperation) error

	// Pending returns all operations eligible for dispatch (status pending),
	// in enqueue order.
	Pending(ctx context.Context) ([]*operation.SyncOperation, error)

	// RequeueInFlight returns every dispatched-but-unresolved operation
	// (status inProgress) to pending and reports how many were moved. A
	// crash or an aborted cycle between dispatch and result application
	// must not strand operations; the server deduplicates by operation id,
	// so re-sending is safe.
	RequeueInFlight(ctx context.Context) (int, error)

	// Get returns the operation with the given id.
	Get(ctx context.Context, id string) (*operation.SyncOperation, error)

	// Update persists the full operation record (status, retry count, data,
	// version, last error).
	Update(ctx context.Context, op *operation.SyncOperation) error

	// Mark updates status and last error for one operation.
	Mark(ctx context.Context, id string, status operation.Status, lastError string) error

	// RewriteEntityID replaces a temporary client-generated entity id with
	// the server-issued id in every still-pending or conflicted operation:
	// the entity id itself and any data field referencing it.
	RewriteEntityID(ctx context.Context, oldID, newID string) error

	// Remove deletes the operation. Used for completed operations and
	// user-acknowledged failures or discarded conflicts.
	Remove(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}

// MetadataStore persists EntityVersionMetadata. Records are created on
// first sighting of an entity and never deleted while the entity exists.
type MetadataStore interface {
	GetMetadata(ctx context.Context, entityType, entityID string) (*operation.EntityVersionMetadata, error)
	PutMetadata(ctx context.Context, m *operation.EntityVersionMetadata) error
}

// CursorStore persists the opaque sync cursor between cycles.
type CursorStore interface {
	LoadCursor(ctx context.Context) (string, error)
	SaveCursor(ctx context.Context, cursor string) error
}

// Store combines the three durable concerns a sync client needs. Both
// bundled backends (sqlite, bolt) satisfy it.
type Store interface {
	OperationQueue
	MetadataStore
	CursorStore
}
