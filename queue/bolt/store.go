// Package bolt provides a bbolt-backed implementation of the durable sync
// queue, version metadata store, and cursor store. Suited to clients that
// ship without cgo.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	stdErrors "errors"
	"fmt"

	"go.etcd.io/bbolt"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/operation"
	"github.com/virtuenet/coachsync/queue"
)

var (
	bucketOperations = []byte("operations") // seq (big-endian uint64) -> operation JSON
	bucketOpIndex    = []byte("op_index")   // operation id -> seq
	bucketMetadata   = []byte("metadata")   // entityType/entityID -> metadata JSON
	bucketCursor     = []byte("cursor")     // "cursor" -> opaque cursor string
)

var cursorKey = []byte("cursor")

// Store implements queue.Store on bbolt. Operations are keyed by a
// monotonically increasing sequence so Pending preserves enqueue order; an
// index bucket maps operation id to sequence.
type Store struct {
	db *bbolt.DB
}

var _ queue.Store = (*Store)(nil)

// New opens (and if necessary creates) the store at dbPath.
func New(ctx context.Context, dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpQueue, fmt.Errorf("open boltdb: %w", err))
	}

	store := &Store{db: db}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpQueue, fmt.Errorf("initialize buckets: %w", err))
	}
	return store, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketOperations, bucketOpIndex, bucketMetadata, bucketCursor} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue durably appends a pending operation.
func (s *Store) Enqueue(ctx context.Context, op *operation.SyncOperation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(bucketOperations)
		index := tx.Bucket(bucketOpIndex)

		if index.Get([]byte(op.ID)) != nil {
			return fmt.Errorf("operation %s already enqueued", op.ID)
		}

		seq, err := ops.NextSequence()
		if err != nil {
			return err
		}
		key := seqKey(seq)

		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if err := ops.Put(key, data); err != nil {
			return err
		}
		return index.Put([]byte(op.ID), key)
	})
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpEnqueue, err)
	}
	return nil
}

// Pending returns pending operations in enqueue order.
func (s *Store) Pending(ctx context.Context) ([]*operation.SyncOperation, error) {
	var out []*operation.SyncOperation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(k, v []byte) error {
			var op operation.SyncOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Status == operation.StatusPending {
				out = append(out, &op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return out, nil
}

// RequeueInFlight returns every inProgress operation to pending so an
// interrupted cycle cannot strand its batch.
func (s *Store) RequeueInFlight(ctx context.Context) (int, error) {
	var moved int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(bucketOperations)
		return ops.ForEach(func(k, v []byte) error {
			var op operation.SyncOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Status != operation.StatusInProgress {
				return nil
			}
			op.Status = operation.StatusPending
			updated, err := json.Marshal(&op)
			if err != nil {
				return err
			}
			// Key copy: ForEach keys are only valid during iteration.
			key := append([]byte(nil), k...)
			if err := ops.Put(key, updated); err != nil {
				return err
			}
			moved++
			return nil
		})
	})
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return moved, nil
}

// Get returns one operation by id.
func (s *Store) Get(ctx context.Context, id string) (*operation.SyncOperation, error) {
	var op *operation.SyncOperation
	err := s.db.View(func(tx *bbolt.Tx) error {
		data, err := s.lookup(tx, id)
		if err != nil {
			return err
		}
		op = &operation.SyncOperation{}
		return json.Unmarshal(data, op)
	})
	if stdErrors.Is(err, queue.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return op, nil
}

func (s *Store) lookup(tx *bbolt.Tx, id string) ([]byte, error) {
	seq := tx.Bucket(bucketOpIndex).Get([]byte(id))
	if seq == nil {
		return nil, queue.ErrNotFound
	}
	data := tx.Bucket(bucketOperations).Get(seq)
	if data == nil {
		return nil, queue.ErrNotFound
	}
	return data, nil
}

// Update persists the full operation record.
func (s *Store) Update(ctx context.Context, op *operation.SyncOperation) error {
	return s.updateByID(op.ID, func(stored *operation.SyncOperation) error {
		*stored = *op
		return nil
	})
}

// Mark updates status and last error for one operation.
func (s *Store) Mark(ctx context.Context, id string, status operation.Status, lastError string) error {
	return s.updateByID(id, func(stored *operation.SyncOperation) error {
		stored.Status = status
		stored.LastError = lastError
		return nil
	})
}

func (s *Store) updateByID(id string, mutate func(*operation.SyncOperation) error) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		seq := tx.Bucket(bucketOpIndex).Get([]byte(id))
		if seq == nil {
			return queue.ErrNotFound
		}
		ops := tx.Bucket(bucketOperations)
		data := ops.Get(seq)
		if data == nil {
			return queue.ErrNotFound
		}

		var stored operation.SyncOperation
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if err := mutate(&stored); err != nil {
			return err
		}
		updated, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return ops.Put(seq, updated)
	})
	if stdErrors.Is(err, queue.ErrNotFound) {
		return err
	}
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return nil
}

// RewriteEntityID replaces a temporary entity id with the server-issued id
// in every non-terminal operation, in one transaction.
func (s *Store) RewriteEntityID(ctx context.Context, oldID, newID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(bucketOperations)
		return ops.ForEach(func(k, v []byte) error {
			var op operation.SyncOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Status != operation.StatusPending && op.Status != operation.StatusConflicted {
				return nil
			}
			if !op.RewriteReferences(oldID, newID) {
				return nil
			}
			updated, err := json.Marshal(&op)
			if err != nil {
				return err
			}
			// Key copy: ForEach keys are only valid during iteration.
			key := append([]byte(nil), k...)
			return ops.Put(key, updated)
		})
	})
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return nil
}

// Remove deletes the operation.
func (s *Store) Remove(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketOpIndex)
		seq := index.Get([]byte(id))
		if seq == nil {
			return nil
		}
		if err := tx.Bucket(bucketOperations).Delete(seq); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return nil
}

// GetMetadata returns version metadata for an entity, or queue.ErrNotFound.
func (s *Store) GetMetadata(ctx context.Context, entityType, entityID string) (*operation.EntityVersionMetadata, error) {
	var m *operation.EntityVersionMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMetadata).Get(metadataKey(entityType, entityID))
		if data == nil {
			return queue.ErrNotFound
		}
		var err error
		m, err = operation.MetadataFromJSON(data)
		return err
	})
	if stdErrors.Is(err, queue.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}
	return m, nil
}

// PutMetadata upserts version metadata.
func (s *Store) PutMetadata(ctx context.Context, m *operation.EntityVersionMetadata) error {
	data, err := m.ToJSON()
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put(metadataKey(m.EntityType, m.EntityID), data)
	})
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}
	return nil
}

// LoadCursor returns the persisted sync cursor, or "" before the first
// successful cycle.
func (s *Store) LoadCursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketCursor).Get(cursorKey); data != nil {
			cursor = string(data)
		}
		return nil
	})
	if err != nil {
		return "", syncErrors.NewStorageError(syncErrors.OpCursor, err)
	}
	return cursor, nil
}

// SaveCursor persists the sync cursor.
func (s *Store) SaveCursor(ctx context.Context, cursor string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCursor).Put(cursorKey, []byte(cursor))
	})
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpCursor, err)
	}
	return nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func metadataKey(entityType, entityID string) []byte {
	return []byte(entityType + "/" + entityID)
}
