package coachsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/virtuenet/coachsync/operation"
	"github.com/virtuenet/coachsync/protocol"
	"github.com/virtuenet/coachsync/queue"
)

// memStore is an in-memory queue.Store used by coordinator tests. It clones
// on every boundary so coordinator-side mutations only become visible
// through Update, matching the durable backends.
type memStore struct {
	mu     sync.Mutex
	ops    map[string]*operation.SyncOperation
	order  []string
	meta   map[string]*operation.EntityVersionMetadata
	cursor string
}

var _ queue.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		ops:  make(map[string]*operation.SyncOperation),
		meta: make(map[string]*operation.EntityVersionMetadata),
	}
}

func (s *memStore) Enqueue(ctx context.Context, op *operation.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; ok {
		return fmt.Errorf("duplicate operation %s", op.ID)
	}
	s.ops[op.ID] = op.Clone()
	s.order = append(s.order, op.ID)
	return nil
}

func (s *memStore) Pending(ctx context.Context) ([]*operation.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*operation.SyncOperation
	for _, id := range s.order {
		if op, ok := s.ops[id]; ok && op.Status == operation.StatusPending {
			out = append(out, op.Clone())
		}
	}
	return out, nil
}

func (s *memStore) RequeueInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for _, op := range s.ops {
		if op.Status == operation.StatusInProgress {
			op.Status = operation.StatusPending
			moved++
		}
	}
	return moved, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*operation.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return op.Clone(), nil
}

func (s *memStore) Update(ctx context.Context, op *operation.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return queue.ErrNotFound
	}
	s.ops[op.ID] = op.Clone()
	return nil
}

func (s *memStore) Mark(ctx context.Context, id string, status operation.Status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return queue.ErrNotFound
	}
	op.Status = status
	op.LastError = lastError
	return nil
}

func (s *memStore) RewriteEntityID(ctx context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops {
		if op.Status != operation.StatusPending && op.Status != operation.StatusConflicted {
			continue
		}
		op.RewriteReferences(oldID, newID)
	}
	return nil
}

func (s *memStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, id)
	return nil
}

func (s *memStore) GetMetadata(ctx context.Context, entityType, entityID string) (*operation.EntityVersionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[entityType+"/"+entityID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) PutMetadata(ctx context.Context, m *operation.EntityVersionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.meta[m.EntityType+"/"+m.EntityID] = &cp
	return nil
}

func (s *memStore) LoadCursor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *memStore) SaveCursor(ctx context.Context, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// scriptedTransport answers SendBatch through a respond function, keyed by
// call number.
type scriptedTransport struct {
	mu       sync.Mutex
	calls    int
	requests []*protocol.BatchSyncRequest
	respond  func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error)
	closed   bool
}

func (t *scriptedTransport) SendBatch(ctx context.Context, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
	t.mu.Lock()
	t.calls++
	call := t.calls
	t.requests = append(t.requests, req)
	respond := t.respond
	t.mu.Unlock()
	return respond(call, req)
}

func (t *scriptedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *scriptedTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// recordingLocalStore captures the server changes the coordinator applies.
type recordingLocalStore struct {
	mu      sync.Mutex
	changes []protocol.ServerChange
}

func (ls *recordingLocalStore) ApplyChange(ctx context.Context, change protocol.ServerChange) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.changes = append(ls.changes, change)
	return nil
}

func (ls *recordingLocalStore) applied() []protocol.ServerChange {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]protocol.ServerChange, len(ls.changes))
	copy(out, ls.changes)
	return out
}

// okResponse acknowledges every operation in the request.
func okResponse(req *protocol.BatchSyncRequest) *protocol.BatchSyncResponse {
	resp := &protocol.BatchSyncResponse{Success: true}
	for _, op := range req.Operations {
		resp.Results = append(resp.Results, protocol.OperationResult{
			OperationID: op.ID,
			Success:     true,
		})
	}
	return resp
}

// fastRetry keeps in-cycle backoff out of test runtime.
func fastRetry() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1.0,
	}
}
