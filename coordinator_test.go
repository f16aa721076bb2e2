package coachsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/operation"
	"github.com/virtuenet/coachsync/protocol"
	"github.com/virtuenet/coachsync/queue"
	"github.com/virtuenet/coachsync/resolve"
	"github.com/virtuenet/coachsync/value"
)

func goalData(title string) *value.Map {
	m := value.NewMap()
	m.Set("title", value.String(title))
	m.Set("progress", value.Int(10))
	return m
}

func newTestCoordinator(t *testing.T, store queue.Store, tp *scriptedTransport, opts *Options) Coordinator {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.RetryConfig == nil {
		opts.RetryConfig = fastRetry()
	}
	c, err := NewCoordinator(store, tp, opts)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	return c
}

func TestEnqueueStampsObservedServerVersion(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return okResponse(req), nil
	}}
	c := newTestCoordinator(t, store, tp, nil)

	meta := operation.NewMetadata("goal", "goal-1")
	meta.MarkSynced(4, nil)
	if err := store.PutMetadata(ctx, meta); err != nil {
		t.Fatalf("seeding metadata failed: %v", err)
	}

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("Run 5k"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	stored, err := store.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Version != 4 {
		t.Errorf("expected version stamped with last observed server version 4, got %d", stored.Version)
	}

	meta, err = store.GetMetadata(ctx, "goal", "goal-1")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.LocalVersion != 5 {
		t.Errorf("expected local version 5 after edit, got %d", meta.LocalVersion)
	}
	if !meta.IsDirty {
		t.Error("expected entity to be dirty after enqueue")
	}
}

func TestEnqueueNewEntityStartsAtVersionZero(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{}
	c := newTestCoordinator(t, store, tp, nil)

	op := operation.New(operation.TypeCreate, "habit", "tmp-1", goalData("Meditate"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if op.Version != 0 {
		t.Errorf("expected version 0 for a never-synced entity, got %d", op.Version)
	}

	meta, err := store.GetMetadata(ctx, "habit", "tmp-1")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.LocalVersion != 1 || !meta.IsDirty {
		t.Errorf("expected localVersion=1 dirty metadata, got localVersion=%d dirty=%v", meta.LocalVersion, meta.IsDirty)
	}
}

func TestEnqueueRejectsInvalidOperations(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, newMemStore(), &scriptedTransport{}, nil)

	missingEntity := operation.New(operation.TypeUpdate, "goal", "", goalData("x"))
	if err := c.Enqueue(ctx, missingEntity); err == nil {
		t.Error("expected error for operation without entity id")
	}

	completed := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("x"))
	completed.Status = operation.StatusCompleted
	if err := c.Enqueue(ctx, completed); err == nil {
		t.Error("expected error for non-pending operation")
	}
}

func TestSyncCompletesAcknowledgedOperations(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		resp := okResponse(req)
		resp.NextCursor = "cursor-1"
		return resp, nil
	}}
	c := newTestCoordinator(t, store, tp, nil)

	meta := operation.NewMetadata("goal", "goal-1")
	meta.MarkSynced(4, nil)
	store.PutMetadata(ctx, meta)

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("Run 5k"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.OperationsSent != 1 || result.OperationsCompleted != 1 {
		t.Errorf("expected 1 sent / 1 completed, got %d / %d", result.OperationsSent, result.OperationsCompleted)
	}
	if result.Cursor != "cursor-1" {
		t.Errorf("expected cursor-1, got %q", result.Cursor)
	}

	if _, err := store.Get(ctx, op.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("expected completed operation removed from queue, got %v", err)
	}

	meta, err = store.GetMetadata(ctx, "goal", "goal-1")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.ServerVersion != 5 || meta.IsDirty {
		t.Errorf("expected converged metadata serverVersion=5 clean, got serverVersion=%d dirty=%v", meta.ServerVersion, meta.IsDirty)
	}

	cursor, _ := store.LoadCursor(ctx)
	if cursor != "cursor-1" {
		t.Errorf("expected cursor persisted, got %q", cursor)
	}
}

func TestSyncSendsNextBatchFromSavedCursor(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		resp := okResponse(req)
		if call == 1 {
			resp.NextCursor = "cursor-1"
		}
		return resp, nil
	}}
	c := newTestCoordinator(t, store, tp, nil)

	if _, err := c.Sync(ctx); err != nil {
		t.Fatalf("first Sync failed: %v", err)
	}
	result, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}

	if got := tp.requests[1].LastSyncCursor; got != "cursor-1" {
		t.Errorf("expected second request to resume from cursor-1, got %q", got)
	}
	// An empty NextCursor leaves the saved cursor alone.
	if result.Cursor != "cursor-1" {
		t.Errorf("expected cursor to remain cursor-1, got %q", result.Cursor)
	}
}

func TestSyncRespectsMaxBatchSize(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return okResponse(req), nil
	}}
	c := newTestCoordinator(t, store, tp, &Options{MaxBatchSize: 2})

	for i := 0; i < 5; i++ {
		op := operation.New(operation.TypeCreate, "habit", "", goalData("h"))
		op.EntityID = op.ID
		if err := c.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	result, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.OperationsSent != 2 {
		t.Errorf("expected batch capped at 2 operations, got %d", result.OperationsSent)
	}
	if store.count() != 3 {
		t.Errorf("expected 3 operations left in queue, got %d", store.count())
	}
}

func TestCreateRewritesDependentOperations(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		resp := okResponse(req)
		resp.Results[0].ServerID = "goal-srv-9"
		return resp, nil
	}}
	c := newTestCoordinator(t, store, tp, &Options{MaxBatchSize: 1})

	create := operation.New(operation.TypeCreate, "goal", "tmp-goal-1", goalData("Learn Go"))
	if err := c.Enqueue(ctx, create); err != nil {
		t.Fatalf("Enqueue create failed: %v", err)
	}

	sessionData := value.NewMap()
	sessionData.Set("goalId", value.String("tmp-goal-1"))
	sessionData.Set("notes", value.String("kickoff"))
	session := operation.New(operation.TypeCreate, "session", "tmp-session-1", sessionData)
	if err := c.Enqueue(ctx, session); err != nil {
		t.Fatalf("Enqueue session failed: %v", err)
	}

	if _, err := c.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// The still-pending session now references the server-issued goal id.
	stored, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get session failed: %v", err)
	}
	got, _ := stored.Data.Get("goalId")
	if !value.String("goal-srv-9").Equal(got) {
		t.Errorf("expected goalId rewritten to goal-srv-9, got %v", got)
	}

	// Metadata converged under the server id.
	meta, err := store.GetMetadata(ctx, "goal", "goal-srv-9")
	if err != nil {
		t.Fatalf("GetMetadata for server id failed: %v", err)
	}
	if meta.ServerVersion != 1 || meta.IsDirty {
		t.Errorf("expected serverVersion=1 clean under server id, got serverVersion=%d dirty=%v", meta.ServerVersion, meta.IsDirty)
	}
}

func TestSyncRecoversInterruptedBatch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return okResponse(req), nil
	}}
	c := newTestCoordinator(t, store, tp, nil)

	// Dispatched but never resolved: the process died between marking the
	// batch in progress and applying the results.
	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("Run 5k"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.Mark(ctx, op.ID, operation.StatusInProgress, ""); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}

	result, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.OperationsSent != 1 {
		t.Fatalf("expected the stranded operation to be re-dispatched, sent=%d", result.OperationsSent)
	}
	if result.OperationsCompleted != 1 {
		t.Errorf("expected 1 completed operation, got %d", result.OperationsCompleted)
	}
	if _, err := store.Get(ctx, op.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("expected completed operation removed from queue, got %v", err)
	}
	if got := tp.callCount(); got != 1 {
		t.Errorf("expected exactly one dispatch, got %d", got)
	}
}

func TestSyncMissingResultRequeuesWithoutRetrySpend(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return &protocol.BatchSyncResponse{Success: true}, nil
	}}
	c := newTestCoordinator(t, store, tp, nil)

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("x"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.OperationsRequeued != 1 {
		t.Errorf("expected 1 requeued, got %d", result.OperationsRequeued)
	}

	stored, _ := store.Get(ctx, op.ID)
	if stored.Status != operation.StatusPending || stored.RetryCount != 0 {
		t.Errorf("expected pending with untouched retry budget, got status=%s retryCount=%d", stored.Status, stored.RetryCount)
	}
}

func TestTransientFailureSpendsRetryBudget(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return nil, syncErrors.NewTransientError(syncErrors.OpSendBatch, errors.New("connection reset"))
	}}
	c := newTestCoordinator(t, store, tp, &Options{MaxRetries: 2})

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("x"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := c.Sync(ctx)
	if err == nil {
		t.Fatal("expected transport failure to surface")
	}
	if result.OperationsRequeued != 1 {
		t.Errorf("expected 1 requeued after first failure, got %d", result.OperationsRequeued)
	}
	stored, _ := store.Get(ctx, op.ID)
	if stored.Status != operation.StatusPending || stored.RetryCount != 1 {
		t.Fatalf("expected pending retryCount=1, got status=%s retryCount=%d", stored.Status, stored.RetryCount)
	}

	result, err = c.Sync(ctx)
	if err == nil {
		t.Fatal("expected transport failure to surface")
	}
	if result.OperationsFailed != 1 {
		t.Errorf("expected 1 failed after budget exhausted, got %d", result.OperationsFailed)
	}
	stored, _ = store.Get(ctx, op.ID)
	if stored.Status != operation.StatusFailed || stored.RetryCount != 2 {
		t.Errorf("expected failed retryCount=2, got status=%s retryCount=%d", stored.Status, stored.RetryCount)
	}
	if stored.LastError == "" {
		t.Error("expected last error recorded on failed operation")
	}
}

func TestRetryFailedResetsBudget(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return nil, syncErrors.NewTransientError(syncErrors.OpSendBatch, errors.New("down"))
	}}
	c := newTestCoordinator(t, store, tp, &Options{MaxRetries: 1})

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("x"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	c.Sync(ctx)

	if err := c.RetryFailed(ctx, op.ID); err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	stored, _ := store.Get(ctx, op.ID)
	if stored.Status != operation.StatusPending || stored.RetryCount != 0 || stored.LastError != "" {
		t.Errorf("expected fresh pending operation, got status=%s retryCount=%d lastError=%q",
			stored.Status, stored.RetryCount, stored.LastError)
	}

	// Only failed operations qualify.
	if err := c.RetryFailed(ctx, op.ID); err == nil {
		t.Error("expected error retrying a pending operation")
	}
	if err := c.RetryFailed(ctx, "no-such-op"); err == nil {
		t.Error("expected error for unknown operation")
	}
}

func TestSyncRetriesTransientInCycle(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		if call < 3 {
			return nil, syncErrors.NewTransientError(syncErrors.OpSendBatch, errors.New("flaky"))
		}
		return okResponse(req), nil
	}}
	c := newTestCoordinator(t, store, tp, &Options{
		RetryConfig: &RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
	})

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("x"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if tp.callCount() != 3 {
		t.Errorf("expected 3 transport attempts, got %d", tp.callCount())
	}
	if result.OperationsCompleted != 1 {
		t.Errorf("expected 1 completed, got %d", result.OperationsCompleted)
	}
}

func TestValidationRejectionIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return &protocol.BatchSyncResponse{
			Success: true,
			Results: []protocol.OperationResult{{
				OperationID: req.Operations[0].ID,
				Success:     false,
				Error:       "payload rejected",
				ErrorCode:   string(syncErrors.ErrCodeValidationFailure),
			}},
		}, nil
	}}
	c := newTestCoordinator(t, store, tp, nil)

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("x"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.OperationsFailed != 1 || result.OperationsRequeued != 0 {
		t.Errorf("expected 1 failed / 0 requeued, got %d / %d", result.OperationsFailed, result.OperationsRequeued)
	}

	stored, _ := store.Get(ctx, op.ID)
	if stored.Status != operation.StatusFailed {
		t.Errorf("expected failed status, got %s", stored.Status)
	}
	if stored.RetryCount != 0 {
		t.Errorf("validation rejection must not spend retry budget, got retryCount=%d", stored.RetryCount)
	}
	if stored.LastError != "payload rejected" {
		t.Errorf("expected server error recorded, got %q", stored.LastError)
	}
}

func conflictResponse(req *protocol.BatchSyncRequest, serverData *value.Map, serverVersion int64) *protocol.BatchSyncResponse {
	op := req.Operations[0]
	return &protocol.BatchSyncResponse{
		Success: true,
		Results: []protocol.OperationResult{{
			OperationID: op.ID,
			Success:     false,
			Error:       "version conflict",
			Conflict: &protocol.ConflictInfo{
				EntityType:      op.EntityType,
				EntityID:        op.EntityID,
				ServerData:      serverData,
				ServerVersion:   serverVersion,
				ServerTimestamp: time.Now().UTC(),
			},
		}},
	}
}

func TestConflictResolvedAutomatically(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	serverData := goalData("Server Title")
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		if call == 1 {
			return conflictResponse(req, serverData, 7), nil
		}
		return okResponse(req), nil
	}}

	resolver, err := resolve.NewResolver(resolve.WithDefaultStrategy(resolve.StrategyServerWins))
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	c := newTestCoordinator(t, store, tp, &Options{Resolver: resolver})

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("Local Title"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.ConflictsResolved != 1 {
		t.Errorf("expected 1 conflict resolved, got %d", result.ConflictsResolved)
	}

	stored, _ := store.Get(ctx, op.ID)
	if stored.Status != operation.StatusPending {
		t.Fatalf("expected resolved operation requeued as pending, got %s", stored.Status)
	}
	if stored.Version != 7 {
		t.Errorf("expected operation rebased on server version 7, got %d", stored.Version)
	}
	got, _ := stored.Data.Get("title")
	if !value.String("Server Title").Equal(got) {
		t.Errorf("serverWins should take the server record, got title %v", got)
	}

	meta, _ := store.GetMetadata(ctx, "goal", "goal-1")
	if meta.ServerVersion != 7 {
		t.Errorf("expected observed server version 7, got %d", meta.ServerVersion)
	}

	// The rebased operation completes on the next cycle.
	result, err = c.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if result.OperationsCompleted != 1 {
		t.Errorf("expected rebased operation completed, got %d", result.OperationsCompleted)
	}
}

func TestManualConflictWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	serverData := value.NewMap()
	serverData.Set("title", value.String("Remote Title"))
	serverData.Set("energy", value.String("high"))

	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		if call == 1 {
			return conflictResponse(req, serverData, 7), nil
		}
		return okResponse(req), nil
	}}

	resolver, err := resolve.NewResolver(resolve.WithEntityStrategy("journal", resolve.StrategyManual))
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	c := newTestCoordinator(t, store, tp, &Options{Resolver: resolver})

	localData := value.NewMap()
	localData.Set("title", value.String("Local Title"))
	localData.Set("mood", value.String("calm"))
	op := operation.New(operation.TypeUpdate, "journal", "journal-1", localData)
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.ConflictsManual != 1 {
		t.Fatalf("expected 1 manual conflict, got %d", result.ConflictsManual)
	}

	stored, _ := store.Get(ctx, op.ID)
	if stored.Status != operation.StatusConflicted {
		t.Fatalf("expected conflicted status, got %s", stored.Status)
	}
	if !strings.Contains(stored.LastError, "manual") {
		t.Errorf("expected last error to mention manual resolution, got %q", stored.LastError)
	}

	conflicts, err := c.PendingConflicts(ctx)
	if err != nil {
		t.Fatalf("PendingConflicts failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Operation.ID != op.ID {
		t.Fatalf("expected the conflicted operation listed, got %+v", conflicts)
	}
	if conflicts[0].Conflict.ServerVersion != 7 {
		t.Errorf("expected server version 7 in conflict info, got %d", conflicts[0].Conflict.ServerVersion)
	}

	preview, err := c.MergePreview(ctx, op.ID)
	if err != nil {
		t.Fatalf("MergePreview failed: %v", err)
	}
	if !preview.HasConflicts || preview.ConflictCount != 1 || preview.Conflicts[0].FieldName != "title" {
		t.Fatalf("expected a single conflict on title, got %+v", preview)
	}

	// A partial decision is rejected.
	if err := c.SubmitResolution(ctx, op.ID, nil); err == nil {
		t.Error("expected error for resolution without a decision on title")
	}

	err = c.SubmitResolution(ctx, op.ID, map[string]resolve.FieldResolution{
		"title": resolve.UseServer,
	})
	if err != nil {
		t.Fatalf("SubmitResolution failed: %v", err)
	}

	stored, _ = store.Get(ctx, op.ID)
	if stored.Status != operation.StatusPending {
		t.Fatalf("expected resolved operation requeued as pending, got %s", stored.Status)
	}
	if stored.Version != 7 {
		t.Errorf("expected rebased version 7, got %d", stored.Version)
	}
	title, _ := stored.Data.Get("title")
	mood, _ := stored.Data.Get("mood")
	energy, _ := stored.Data.Get("energy")
	if !value.String("Remote Title").Equal(title) || !value.String("calm").Equal(mood) || !value.String("high").Equal(energy) {
		t.Errorf("unexpected merged data: title=%v mood=%v energy=%v", title, mood, energy)
	}

	conflicts, _ = c.PendingConflicts(ctx)
	if len(conflicts) != 0 {
		t.Errorf("expected no pending conflicts after resolution, got %d", len(conflicts))
	}

	result, err = c.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if result.OperationsCompleted != 1 {
		t.Errorf("expected resolved operation completed, got %d", result.OperationsCompleted)
	}
}

func TestMergePreviewUnknownOperation(t *testing.T) {
	c := newTestCoordinator(t, newMemStore(), &scriptedTransport{}, nil)
	if _, err := c.MergePreview(context.Background(), "no-such-op"); err == nil {
		t.Error("expected error for operation without a recorded conflict")
	}
}

func TestDiscardConflictKeepsServerState(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	serverData := goalData("Server Title")
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return conflictResponse(req, serverData, 7), nil
	}}

	resolver, err := resolve.NewResolver(resolve.WithDefaultStrategy(resolve.StrategyManual))
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	local := &recordingLocalStore{}
	c := newTestCoordinator(t, store, tp, &Options{Resolver: resolver, LocalStore: local})

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("Local Title"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := c.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if err := c.DiscardConflict(ctx, op.ID); err != nil {
		t.Fatalf("DiscardConflict failed: %v", err)
	}

	if _, err := store.Get(ctx, op.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("expected discarded operation removed, got %v", err)
	}

	meta, _ := store.GetMetadata(ctx, "goal", "goal-1")
	if meta.ServerVersion != 7 || meta.IsDirty {
		t.Errorf("expected clean metadata at server version 7, got serverVersion=%d dirty=%v", meta.ServerVersion, meta.IsDirty)
	}

	applied := local.applied()
	if len(applied) != 1 {
		t.Fatalf("expected server state pushed to local store, got %d changes", len(applied))
	}
	got, _ := applied[0].Data.Get("title")
	if !value.String("Server Title").Equal(got) {
		t.Errorf("expected server data applied locally, got title %v", got)
	}

	conflicts, _ := c.PendingConflicts(ctx)
	if len(conflicts) != 0 {
		t.Errorf("expected no pending conflicts after discard, got %d", len(conflicts))
	}
}

func TestServerChangesSkipDirtyEntities(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	cleanChange := protocol.ServerChange{
		EntityType:    "goal",
		EntityID:      "goal-2",
		Data:          goalData("From another device"),
		ServerVersion: 2,
		Timestamp:     time.Now().UTC(),
	}
	dirtyChange := protocol.ServerChange{
		EntityType:    "habit",
		EntityID:      "habit-9",
		Data:          goalData("Server habit"),
		ServerVersion: 3,
		Timestamp:     time.Now().UTC(),
	}

	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return &protocol.BatchSyncResponse{
			Success:       true,
			ServerChanges: []protocol.ServerChange{cleanChange, dirtyChange},
			NextCursor:    "42",
		}, nil
	}}

	local := &recordingLocalStore{}
	c := newTestCoordinator(t, store, tp, &Options{LocalStore: local})

	dirtyMeta := operation.NewMetadata("habit", "habit-9")
	dirtyMeta.MarkLocalEdit(nil)
	store.PutMetadata(ctx, dirtyMeta)

	result, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.ServerChangesApplied != 2 {
		t.Errorf("expected 2 server changes processed, got %d", result.ServerChangesApplied)
	}

	applied := local.applied()
	if len(applied) != 1 || applied[0].EntityID != "goal-2" {
		t.Fatalf("expected only the clean entity applied locally, got %+v", applied)
	}

	cleanMeta, _ := store.GetMetadata(ctx, "goal", "goal-2")
	if cleanMeta.ServerVersion != 2 || cleanMeta.IsDirty {
		t.Errorf("expected clean metadata at server version 2, got serverVersion=%d dirty=%v", cleanMeta.ServerVersion, cleanMeta.IsDirty)
	}

	dirtyMeta, _ = store.GetMetadata(ctx, "habit", "habit-9")
	if dirtyMeta.ServerVersion != 3 {
		t.Errorf("expected dirty entity's server version observed, got %d", dirtyMeta.ServerVersion)
	}
	if !dirtyMeta.IsDirty {
		t.Error("expected entity to stay dirty until its pending edit syncs")
	}

	cursor, _ := store.LoadCursor(ctx)
	if cursor != "42" {
		t.Errorf("expected cursor saved after changes applied, got %q", cursor)
	}
}

func TestSyncSingleFlight(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	started := make(chan struct{})
	release := make(chan struct{})
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		close(started)
		<-release
		return okResponse(req), nil
	}}
	c := newTestCoordinator(t, store, tp, nil)

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("x"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Sync(ctx)
		done <- err
	}()

	<-started
	if _, err := c.Sync(ctx); err == nil {
		t.Error("expected concurrent Sync to be rejected")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Sync failed: %v", err)
	}
}

func TestCancelledCycleRequeuesBatch(t *testing.T) {
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		cancel()
		return nil, context.Canceled
	}}
	c := newTestCoordinator(t, store, tp, nil)

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("x"))
	if err := c.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := c.Sync(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.OperationsRequeued != 1 {
		t.Errorf("expected batch requeued, got %d", result.OperationsRequeued)
	}

	stored, _ := store.Get(context.Background(), op.ID)
	if stored.Status != operation.StatusPending || stored.RetryCount != 0 {
		t.Errorf("cancellation must not spend the retry budget, got status=%s retryCount=%d", stored.Status, stored.RetryCount)
	}
}

func TestAutoSyncRunsOnInterval(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return okResponse(req), nil
	}}
	c := newTestCoordinator(t, store, tp, &Options{SyncInterval: 5 * time.Millisecond})

	if err := c.StartAutoSync(ctx); err != nil {
		t.Fatalf("StartAutoSync failed: %v", err)
	}
	if err := c.StartAutoSync(ctx); err == nil {
		t.Error("expected error starting auto sync twice")
	}

	deadline := time.After(2 * time.Second)
	for tp.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("auto sync made only %d cycles", tp.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := c.StopAutoSync(); err != nil {
		t.Fatalf("StopAutoSync failed: %v", err)
	}
	if err := c.StopAutoSync(); err == nil {
		t.Error("expected error stopping auto sync twice")
	}
}

func TestAutoSyncRequiresInterval(t *testing.T) {
	c := newTestCoordinator(t, newMemStore(), &scriptedTransport{}, nil)
	if err := c.StartAutoSync(context.Background()); err == nil {
		t.Error("expected error without a configured interval")
	}
}

func TestSubscribeReceivesCycleResults(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tp := &scriptedTransport{respond: func(call int, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
		return okResponse(req), nil
	}}
	c := newTestCoordinator(t, store, tp, nil)

	results := make(chan *SyncResult, 1)
	if err := c.Subscribe(func(r *SyncResult) { results <- r }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("x"))
	if err := c.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := c.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	select {
	case r := <-results:
		if r.OperationsCompleted != 1 {
			t.Errorf("expected subscriber to see 1 completed, got %d", r.OperationsCompleted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestCloseShutsDown(t *testing.T) {
	ctx := context.Background()
	tp := &scriptedTransport{}
	c := newTestCoordinator(t, newMemStore(), tp, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !tp.closed {
		t.Error("expected transport closed")
	}

	op := operation.New(operation.TypeUpdate, "goal", "goal-1", goalData("x"))
	if err := c.Enqueue(ctx, op); err == nil {
		t.Error("expected Enqueue to fail after Close")
	}
	if _, err := c.Sync(ctx); err == nil {
		t.Error("expected Sync to fail after Close")
	}

	// Idempotent.
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
