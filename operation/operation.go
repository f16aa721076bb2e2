// Package operation defines the pending-mutation record and the per-entity
// version bookkeeping the sync engine works on. A SyncOperation is an
// immutable-intent record of one local create, update, or delete; its ID is
// client-generated and doubles as the idempotency key on the wire.
package operation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/value"
)

// Type is the kind of local mutation an operation records.
type Type string

const (
	TypeCreate Type = "create"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
)

// ParseType validates a wire string into a Type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeCreate, TypeUpdate, TypeDelete:
		return Type(s), nil
	default:
		return "", syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("unknown operation type %q", s))
	}
}

// Status is the lifecycle state of a SyncOperation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "inProgress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflicted Status = "conflicted"
)

// validTransitions encodes the lifecycle state machine. Completed is
// terminal; failed re-enters pending only through an explicit user retry;
// conflicted returns to pending once a resolution has been applied.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusConflicted, StatusPending},
	StatusConflicted: {StatusPending, StatusInProgress},
	StatusFailed:     {StatusPending},
	StatusCompleted:  {},
}

// CanTransition reports whether the lifecycle allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SyncOperation records one pending local mutation. ID is immutable once
// created. Only the sync coordinator mutates Status, RetryCount, and
// LastError.
type SyncOperation struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	EntityType string     `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Data       *value.Map `json:"data,omitempty"`
	Version    int64      `json:"version,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Status     Status     `json:"status"`
	RetryCount int        `json:"retryCount"`
	LastError  string     `json:"lastError,omitempty"`
}

// New creates a pending operation with a fresh client-generated ID.
func New(opType Type, entityType, entityID string, data *value.Map) *SyncOperation {
	return &SyncOperation{
		ID:         uuid.NewString(),
		Type:       opType,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
		Status:     StatusPending,
	}
}

// Transition moves the operation to the given status, enforcing the
// lifecycle state machine.
func (op *SyncOperation) Transition(to Status) error {
	if !CanTransition(op.Status, to) {
		return syncErrors.NewValidationError(syncErrors.OpDispatch,
			fmt.Errorf("invalid status transition %s -> %s for operation %s", op.Status, to, op.ID))
	}
	op.Status = to
	return nil
}

// Clone returns a deep copy. The coordinator hands clones to callers so
// queue state is never aliased.
func (op *SyncOperation) Clone() *SyncOperation {
	out := *op
	out.Data = op.Data.Clone()
	return &out
}

// Validate checks structural invariants before an operation enters the
// queue.
func (op *SyncOperation) Validate() error {
	if op.ID == "" {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("operation id is empty"))
	}
	if _, err := ParseType(string(op.Type)); err != nil {
		return err
	}
	if op.EntityType == "" || op.EntityID == "" {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("operation %s missing entity type or id", op.ID))
	}
	if op.Type != TypeDelete && op.Data == nil {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("%s operation %s has no data", op.Type, op.ID))
	}
	return nil
}
