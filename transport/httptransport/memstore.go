package httptransport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/operation"
	"github.com/virtuenet/coachsync/protocol"
	"github.com/virtuenet/coachsync/value"
)

// MemoryServerStore is an in-memory ServerStore with version-checked
// applies and a change log. It backs the reference handler in tests and
// local development; production deployments provide their own store.
type MemoryServerStore struct {
	mu       sync.Mutex
	entities map[string]*serverEntity
	changes  []protocol.ServerChange
	now      func() time.Time
}

type serverEntity struct {
	entityType string
	entityID   string
	data       *value.Map
	version    int64
	updatedAt  time.Time
	deleted    bool
}

// NewMemoryServerStore creates an empty store.
func NewMemoryServerStore() *MemoryServerStore {
	return &MemoryServerStore{
		entities: make(map[string]*serverEntity),
		now:      time.Now,
	}
}

var _ ServerStore = (*MemoryServerStore)(nil)

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// Apply executes one operation with version checking. An update whose
// version trails the server's copy yields a conflict result carrying the
// server data.
func (s *MemoryServerStore) Apply(ctx context.Context, op *operation.SyncOperation) (protocol.OperationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op.Type {
	case operation.TypeCreate:
		serverID := uuid.NewString()
		ent := &serverEntity{
			entityType: op.EntityType,
			entityID:   serverID,
			data:       op.Data.Clone(),
			version:    1,
			updatedAt:  s.now().UTC(),
		}
		s.entities[entityKey(op.EntityType, serverID)] = ent
		return protocol.OperationResult{
			OperationID: op.ID,
			Success:     true,
			ServerID:    serverID,
		}, nil

	case operation.TypeUpdate:
		ent, ok := s.entities[entityKey(op.EntityType, op.EntityID)]
		if !ok || ent.deleted {
			return protocol.OperationResult{
				OperationID: op.ID,
				Success:     false,
				Error:       fmt.Sprintf("entity %s/%s not found", op.EntityType, op.EntityID),
				ErrorCode:   string(syncErrors.ErrCodeValidationFailure),
			}, nil
		}
		if ent.version > op.Version {
			return protocol.OperationResult{
				OperationID: op.ID,
				Success:     false,
				Error:       "version conflict",
				Conflict: &protocol.ConflictInfo{
					EntityType:      ent.entityType,
					EntityID:        ent.entityID,
					ServerData:      ent.data.Clone(),
					ServerVersion:   ent.version,
					ServerTimestamp: ent.updatedAt,
				},
			}, nil
		}
		ent.data = op.Data.Clone()
		ent.version++
		ent.updatedAt = s.now().UTC()
		return protocol.OperationResult{OperationID: op.ID, Success: true}, nil

	case operation.TypeDelete:
		ent, ok := s.entities[entityKey(op.EntityType, op.EntityID)]
		if ok {
			ent.deleted = true
			ent.version++
			ent.updatedAt = s.now().UTC()
		}
		// Deleting an unknown entity succeeds: the intent is already met.
		return protocol.OperationResult{OperationID: op.ID, Success: true}, nil

	default:
		return protocol.OperationResult{
			OperationID: op.ID,
			Success:     false,
			Error:       fmt.Sprintf("unknown operation type %q", op.Type),
			ErrorCode:   string(syncErrors.ErrCodeValidationFailure),
		}, nil
	}
}

// RecordServerChange appends a server-originated change to the log, making
// it visible to clients through ChangesSince. Used to simulate edits from
// other devices.
func (s *MemoryServerStore) RecordServerChange(change protocol.ServerChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Timestamp.IsZero() {
		change.Timestamp = s.now().UTC()
	}
	s.changes = append(s.changes, change)

	key := entityKey(change.EntityType, change.EntityID)
	ent, ok := s.entities[key]
	if !ok {
		ent = &serverEntity{entityType: change.EntityType, entityID: change.EntityID}
		s.entities[key] = ent
	}
	ent.data = change.Data.Clone()
	ent.version = change.ServerVersion
	ent.deleted = change.Deleted
	ent.updatedAt = change.Timestamp
}

// Entity returns the current server copy, for assertions in tests.
func (s *MemoryServerStore) Entity(entityType, entityID string) (*value.Map, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entities[entityKey(entityType, entityID)]
	if !ok || ent.deleted {
		return nil, 0, false
	}
	return ent.data.Clone(), ent.version, true
}

// ChangesSince lists recorded changes after the integer cursor. The cursor
// is the index into the change log, serialized as a string; clients treat
// it as opaque.
func (s *MemoryServerStore) ChangesSince(ctx context.Context, cursor string) ([]protocol.ServerChange, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
		}
		start = n
	}
	if start > len(s.changes) {
		start = len(s.changes)
	}

	out := make([]protocol.ServerChange, len(s.changes)-start)
	copy(out, s.changes[start:])
	return out, strconv.Itoa(len(s.changes)), nil
}
