package coachsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/logging"
	"github.com/virtuenet/coachsync/operation"
	"github.com/virtuenet/coachsync/protocol"
	"github.com/virtuenet/coachsync/queue"
	"github.com/virtuenet/coachsync/resolve"
	"github.com/virtuenet/coachsync/transport"
)

// coordinator implements the Coordinator interface
type coordinator struct {
	store     queue.Store
	transport transport.Transport
	options   Options

	// Internal state
	mu              sync.RWMutex
	syncing         bool
	autoSyncStop    chan struct{}
	subscribers     []func(*SyncResult)
	manualConflicts map[string]*protocol.ConflictInfo
	closed          bool
}

// Enqueue records a local mutation. The operation's version is stamped with
// the server version the client last observed, which is what conflict
// detection compares against; metadata is marked dirty in the same call.
func (c *coordinator) Enqueue(ctx context.Context, op *operation.SyncOperation) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return syncErrors.New(syncErrors.OpEnqueue, fmt.Errorf("coordinator is closed"))
	}
	c.mu.RUnlock()

	if err := op.Validate(); err != nil {
		return err
	}
	if op.Status != operation.StatusPending {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("operation %s must be pending on enqueue, got %s", op.ID, op.Status))
	}

	meta, err := c.loadMetadata(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	op.Version = meta.ServerVersion
	meta.MarkLocalEdit(op.Data)

	if err := c.store.Enqueue(ctx, op); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpEnqueue, err)
	}
	if err := c.store.PutMetadata(ctx, meta); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}
	return nil
}

// Sync performs one batch sync cycle
func (c *coordinator) Sync(ctx context.Context) (*SyncResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, syncErrors.New(syncErrors.OpSync, fmt.Errorf("coordinator is closed"))
	}
	if c.syncing {
		c.mu.Unlock()
		return nil, syncErrors.New(syncErrors.OpSync, fmt.Errorf("a sync cycle is already in flight"))
	}
	c.syncing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()

	result := &SyncResult{StartTime: time.Now()}
	defer func() {
		result.Duration = time.Since(result.StartTime)
		c.notifySubscribers(result)

		c.options.MetricsCollector.RecordCycleDuration(result.Duration)
		c.options.MetricsCollector.RecordOperations(result.OperationsCompleted, result.OperationsFailed, result.OperationsRequeued)
		if result.ConflictsResolved > 0 || result.ConflictsManual > 0 {
			c.options.MetricsCollector.RecordConflicts(result.ConflictsResolved, result.ConflictsManual)
		}
		if result.ServerChangesApplied > 0 {
			c.options.MetricsCollector.RecordServerChanges(result.ServerChangesApplied)
		}
	}()

	// Operations left inProgress by a crash or an aborted cycle re-enter the
	// queue here; the server dedupes by operation id, so re-sending is safe.
	requeued, err := c.store.RequeueInFlight(ctx)
	if err != nil {
		c.options.MetricsCollector.RecordSyncErrors("sync", "requeue_failure")
		return result, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	if requeued > 0 {
		logging.Warn("requeued in-flight operations from interrupted cycle",
			slog.Int("count", requeued))
	}

	cursor, err := c.store.LoadCursor(ctx)
	if err != nil {
		c.options.MetricsCollector.RecordSyncErrors("sync", "cursor_load_failure")
		return result, syncErrors.NewStorageError(syncErrors.OpCursor, err)
	}
	result.Cursor = cursor

	pending, err := c.store.Pending(ctx)
	if err != nil {
		c.options.MetricsCollector.RecordSyncErrors("sync", "queue_read_failure")
		return result, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	batch := pending
	if len(batch) > c.options.MaxBatchSize {
		batch = batch[:c.options.MaxBatchSize]
	}

	// The whole batch moves to inProgress before dispatch.
	for _, op := range batch {
		if err := op.Transition(operation.StatusInProgress); err != nil {
			return result, err
		}
		if err := c.store.Update(ctx, op); err != nil {
			return result, syncErrors.NewStorageError(syncErrors.OpDispatch, err)
		}
	}
	result.OperationsSent = len(batch)

	req := &protocol.BatchSyncRequest{
		Operations:      batch,
		ClientTimestamp: time.Now().UTC(),
		LastSyncCursor:  cursor,
	}

	logging.Debug("dispatching sync batch",
		slog.Int("operations", len(batch)),
		slog.String("cursor", cursor))

	resp, err := c.sendWithRetry(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// No response bytes arrived; the batch goes back untouched.
			c.options.MetricsCollector.RecordSyncErrors("send_batch", "context_canceled")
			c.requeueUnchanged(cleanupContext(ctx), batch, result)
			result.Errors = append(result.Errors, err)
			return result, err
		}
		c.options.MetricsCollector.RecordSyncErrors("send_batch", "transport_failure")
		for _, op := range batch {
			if serr := c.nackTransient(cleanupContext(ctx), op, err.Error(), result); serr != nil {
				result.Errors = append(result.Errors, serr)
				return result, serr
			}
		}
		result.Errors = append(result.Errors, err)
		return result, err
	}

	matched := protocol.MatchResults(batch, resp.Results)
	for _, op := range batch {
		if err := c.applyResult(ctx, op, matched[op.ID], result); err != nil {
			result.Errors = append(result.Errors, err)
			return result, err
		}
	}

	// Server changes land before the cursor moves; a crash between the two
	// re-delivers changes on the next cycle rather than losing them.
	if err := c.applyServerChanges(ctx, resp.ServerChanges, result); err != nil {
		result.Errors = append(result.Errors, err)
		return result, err
	}

	if resp.NextCursor != "" {
		if err := c.store.SaveCursor(ctx, resp.NextCursor); err != nil {
			c.options.MetricsCollector.RecordSyncErrors("sync", "cursor_save_failure")
			saveErr := syncErrors.NewStorageError(syncErrors.OpCursor, err)
			result.Errors = append(result.Errors, saveErr)
			return result, saveErr
		}
		result.Cursor = resp.NextCursor
	}

	logging.Debug("sync cycle finished",
		slog.Int("completed", result.OperationsCompleted),
		slog.Int("failed", result.OperationsFailed),
		slog.Int("conflictsResolved", result.ConflictsResolved),
		slog.Int("conflictsManual", result.ConflictsManual),
		slog.Int("serverChanges", result.ServerChangesApplied))

	return result, nil
}

// applyResult handles one operation's outcome. Per-operation outcomes are
// independent; only storage failures abort the cycle.
func (c *coordinator) applyResult(ctx context.Context, op *operation.SyncOperation, res *protocol.OperationResult, result *SyncResult) error {
	if res == nil {
		// The response was truncated or the server skipped the operation.
		return c.requeueOne(ctx, op, result)
	}

	switch {
	case res.Success:
		return c.ackSuccess(ctx, op, res, result)

	case res.Conflict != nil:
		return c.handleConflict(ctx, op, res, result)

	case res.IsValidation():
		if err := op.Transition(operation.StatusFailed); err != nil {
			return err
		}
		op.LastError = res.Error
		if err := c.store.Update(ctx, op); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpApplyResults, err)
		}
		result.OperationsFailed++
		result.Errors = append(result.Errors, syncErrors.NewValidationError(syncErrors.OpApplyResults,
			fmt.Errorf("operation %s rejected by server: %s", op.ID, res.Error)))
		logging.Warn("operation rejected by server",
			slog.String("operationId", op.ID),
			slog.String("error", res.Error))
		return nil

	default:
		return c.nackTransient(ctx, op, res.Error, result)
	}
}

// ackSuccess completes an acknowledged operation: server id rewrite for
// creates, metadata convergence, and removal from the queue.
func (c *coordinator) ackSuccess(ctx context.Context, op *operation.SyncOperation, res *protocol.OperationResult, result *SyncResult) error {
	if err := op.Transition(operation.StatusCompleted); err != nil {
		return err
	}

	entityID := op.EntityID
	if op.Type == operation.TypeCreate && res.ServerID != "" && res.ServerID != op.EntityID {
		// Every still-queued operation referencing the temporary client id
		// must see the server id before it is next dispatched.
		if err := c.store.RewriteEntityID(ctx, op.EntityID, res.ServerID); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpApplyResults, err)
		}
		entityID = res.ServerID
	}

	meta, err := c.loadMetadata(ctx, op.EntityType, entityID)
	if err != nil {
		return err
	}
	meta.MarkSynced(op.Version+1, op.Data)
	if err := c.store.PutMetadata(ctx, meta); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}

	if err := c.store.Remove(ctx, op.ID); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpApplyResults, err)
	}
	result.OperationsCompleted++
	return nil
}

// handleConflict routes a version conflict through the configured strategy.
func (c *coordinator) handleConflict(ctx context.Context, op *operation.SyncOperation, res *protocol.OperationResult, result *SyncResult) error {
	if err := op.Transition(operation.StatusConflicted); err != nil {
		return err
	}

	info := res.Conflict
	meta, err := c.loadMetadata(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	meta.ObserveServer(info.ServerVersion)
	if err := c.store.PutMetadata(ctx, meta); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}

	strategy := c.options.Resolver.StrategyFor(op.EntityType)
	cr, err := c.options.Resolver.Resolve(op, info.ServerData, info.ServerTimestamp, strategy)
	if err != nil {
		// Misconfigured strategy. The operation stays conflicted and
		// inspectable; the error surfaces to the caller.
		op.LastError = err.Error()
		if serr := c.store.Update(ctx, op); serr != nil {
			return syncErrors.NewStorageError(syncErrors.OpResolve, serr)
		}
		result.Errors = append(result.Errors, err)
		return nil
	}

	if !cr.Resolved {
		// Manual strategy: the operation stays conflicted until the UI layer
		// supplies a resolution. Other operations keep syncing.
		op.LastError = fmt.Sprintf("version conflict with server version %d awaiting manual resolution", info.ServerVersion)
		if err := c.store.Update(ctx, op); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpResolve, err)
		}
		c.mu.Lock()
		c.manualConflicts[op.ID] = info
		c.mu.Unlock()
		result.ConflictsManual++
		logging.Info("conflict awaiting manual resolution",
			slog.String("operationId", op.ID),
			slog.String("entityType", op.EntityType),
			slog.String("entityId", op.EntityID))
		return nil
	}

	op.Data = cr.ResolvedData
	op.Version = info.ServerVersion
	op.LastError = ""
	if err := op.Transition(operation.StatusPending); err != nil {
		return err
	}
	if err := c.store.Update(ctx, op); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpResolve, err)
	}
	result.ConflictsResolved++
	logging.Debug("conflict resolved automatically",
		slog.String("operationId", op.ID),
		slog.String("strategy", string(strategy)))
	return nil
}

// nackTransient applies the retry/backoff bookkeeping for one operation.
// Backoff between cycles is the caller's concern; here only the retry budget
// is spent.
func (c *coordinator) nackTransient(ctx context.Context, op *operation.SyncOperation, msg string, result *SyncResult) error {
	op.RetryCount++
	op.LastError = msg

	if op.RetryCount < c.options.MaxRetries {
		if err := op.Transition(operation.StatusPending); err != nil {
			return err
		}
		if err := c.store.Update(ctx, op); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpApplyResults, err)
		}
		result.OperationsRequeued++
		return nil
	}

	if err := op.Transition(operation.StatusFailed); err != nil {
		return err
	}
	if err := c.store.Update(ctx, op); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpApplyResults, err)
	}
	result.OperationsFailed++
	result.Errors = append(result.Errors, syncErrors.NewTransientError(syncErrors.OpApplyResults,
		fmt.Errorf("operation %s failed after %d attempts: %s", op.ID, op.RetryCount, msg)))
	logging.Warn("operation failed after retries",
		slog.String("operationId", op.ID),
		slog.Int("retryCount", op.RetryCount),
		slog.String("lastError", msg))
	return nil
}

// requeueOne returns a dispatched operation to pending without spending its
// retry budget.
func (c *coordinator) requeueOne(ctx context.Context, op *operation.SyncOperation, result *SyncResult) error {
	if err := op.Transition(operation.StatusPending); err != nil {
		return err
	}
	if err := c.store.Update(ctx, op); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpApplyResults, err)
	}
	result.OperationsRequeued++
	return nil
}

func (c *coordinator) requeueUnchanged(ctx context.Context, batch []*operation.SyncOperation, result *SyncResult) {
	for _, op := range batch {
		if err := c.requeueOne(ctx, op, result); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}
}

// applyServerChanges applies server-originated changes to metadata and,
// when configured, the local store. Entities with pending local edits keep
// their local data; the next dispatch surfaces the conflict.
func (c *coordinator) applyServerChanges(ctx context.Context, changes []protocol.ServerChange, result *SyncResult) error {
	for _, change := range changes {
		meta, err := c.loadMetadata(ctx, change.EntityType, change.EntityID)
		if err != nil {
			return err
		}

		dirty := meta.IsDirty
		if dirty && resolve.HasConflict(nil, change.Data, meta.LocalVersion, change.ServerVersion) {
			logging.Warn("server change collides with pending local edit",
				slog.String("entityType", change.EntityType),
				slog.String("entityId", change.EntityID),
				slog.Int64("localVersion", meta.LocalVersion),
				slog.Int64("serverVersion", change.ServerVersion))
		}

		meta.ObserveServer(change.ServerVersion)
		if err := c.store.PutMetadata(ctx, meta); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpApplyChanges, err)
		}

		if c.options.LocalStore != nil && !dirty {
			if err := c.options.LocalStore.ApplyChange(ctx, change); err != nil {
				return syncErrors.NewWithComponent(syncErrors.OpApplyChanges, "localstore", err)
			}
		}
		result.ServerChangesApplied++
	}
	return nil
}

type exponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

func (eb *exponentialBackoff) nextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.initialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.multiplier
	}

	result := time.Duration(delay)
	if result > eb.maxDelay {
		result = eb.maxDelay
	}
	return result
}

// sendWithRetry dispatches the batch, retrying transient transport failures
// with exponential backoff inside the cycle.
func (c *coordinator) sendWithRetry(ctx context.Context, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
	send := func() (*protocol.BatchSyncResponse, error) {
		opCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.transport.SendBatch(opCtx, req)
	}

	resp, err := send()
	if err == nil {
		return resp, nil
	}

	config := c.options.RetryConfig
	eb := &exponentialBackoff{
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		multiplier:   config.Multiplier,
	}

	for attempt := 1; attempt < config.MaxAttempts; attempt++ {
		if !syncErrors.IsRetryable(err) {
			return nil, err
		}

		timer := time.NewTimer(eb.nextDelay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		resp, err = send()
		if err == nil {
			return resp, nil
		}
	}

	return nil, err
}

// PendingConflicts lists operations awaiting manual resolution, oldest first.
func (c *coordinator) PendingConflicts(ctx context.Context) ([]ManualConflict, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.manualConflicts))
	infos := make(map[string]*protocol.ConflictInfo, len(c.manualConflicts))
	for id, info := range c.manualConflicts {
		ids = append(ids, id)
		infos[id] = info
	}
	c.mu.RUnlock()

	out := make([]ManualConflict, 0, len(ids))
	for _, id := range ids {
		op, err := c.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return nil, syncErrors.NewStorageError(syncErrors.OpResolve, err)
		}
		out = append(out, ManualConflict{Operation: op, Conflict: infos[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Operation.Timestamp.Before(out[j].Operation.Timestamp)
	})
	return out, nil
}

// MergePreview builds the field-level preview for a manually-conflicted
// operation.
func (c *coordinator) MergePreview(ctx context.Context, operationID string) (resolve.MergePreview, error) {
	op, info, err := c.manualConflict(ctx, operationID)
	if err != nil {
		return resolve.MergePreview{}, err
	}
	return resolve.CreateMergePreview(op.Data, info.ServerData), nil
}

// SubmitResolution applies the user's per-field choices and requeues the
// operation as pending with the server version it now builds on.
func (c *coordinator) SubmitResolution(ctx context.Context, operationID string, resolutions map[string]resolve.FieldResolution) error {
	op, info, err := c.manualConflict(ctx, operationID)
	if err != nil {
		return err
	}

	preview := resolve.CreateMergePreview(op.Data, info.ServerData)
	merged, err := resolve.ApplyFieldResolutions(preview, op.Data, info.ServerData, resolutions)
	if err != nil {
		return err
	}

	op.Data = merged
	op.Version = info.ServerVersion
	op.LastError = ""
	if err := op.Transition(operation.StatusPending); err != nil {
		return err
	}
	if err := c.store.Update(ctx, op); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpResolve, err)
	}

	c.mu.Lock()
	delete(c.manualConflicts, operationID)
	c.mu.Unlock()
	return nil
}

// DiscardConflict drops a conflicted operation and accepts the server state
// for the entity.
func (c *coordinator) DiscardConflict(ctx context.Context, operationID string) error {
	op, info, err := c.manualConflict(ctx, operationID)
	if err != nil {
		return err
	}

	meta, err := c.loadMetadata(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	meta.MarkSynced(info.ServerVersion, info.ServerData)
	if err := c.store.PutMetadata(ctx, meta); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}

	if c.options.LocalStore != nil {
		change := protocol.ServerChange{
			EntityType:    op.EntityType,
			EntityID:      op.EntityID,
			Data:          info.ServerData,
			ServerVersion: info.ServerVersion,
			Timestamp:     info.ServerTimestamp,
		}
		if err := c.options.LocalStore.ApplyChange(ctx, change); err != nil {
			return syncErrors.NewWithComponent(syncErrors.OpResolve, "localstore", err)
		}
	}

	if err := c.store.Remove(ctx, operationID); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpResolve, err)
	}

	c.mu.Lock()
	delete(c.manualConflicts, operationID)
	c.mu.Unlock()
	return nil
}

// RetryFailed returns a terminally failed operation to pending with a fresh
// retry budget.
func (c *coordinator) RetryFailed(ctx context.Context, operationID string) error {
	op, err := c.store.Get(ctx, operationID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return syncErrors.NewValidationError(syncErrors.OpQueue,
				fmt.Errorf("operation %s not found", operationID))
		}
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	if op.Status != operation.StatusFailed {
		return syncErrors.NewValidationError(syncErrors.OpQueue,
			fmt.Errorf("operation %s is %s, not failed", operationID, op.Status))
	}

	op.RetryCount = 0
	op.LastError = ""
	if err := op.Transition(operation.StatusPending); err != nil {
		return err
	}
	if err := c.store.Update(ctx, op); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return nil
}

func (c *coordinator) manualConflict(ctx context.Context, operationID string) (*operation.SyncOperation, *protocol.ConflictInfo, error) {
	c.mu.RLock()
	info, ok := c.manualConflicts[operationID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("no recorded conflict for operation %s", operationID))
	}

	op, err := c.store.Get(ctx, operationID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil, nil, syncErrors.NewValidationError(syncErrors.OpResolve,
				fmt.Errorf("operation %s not found", operationID))
		}
		return nil, nil, syncErrors.NewStorageError(syncErrors.OpResolve, err)
	}
	if op.Status != operation.StatusConflicted {
		return nil, nil, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("operation %s is %s, not conflicted", operationID, op.Status))
	}
	return op, info, nil
}

func (c *coordinator) loadMetadata(ctx context.Context, entityType, entityID string) (*operation.EntityVersionMetadata, error) {
	meta, err := c.store.GetMetadata(ctx, entityType, entityID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return operation.NewMetadata(entityType, entityID), nil
		}
		return nil, syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}
	return meta, nil
}

func (c *coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.options.Timeout > 0 {
		return context.WithTimeout(ctx, c.options.Timeout)
	}
	return context.WithTimeout(ctx, 30*time.Second)
}

// cleanupContext swaps a dead context for a fresh one so queue bookkeeping
// after a cancelled request still lands.
func cleanupContext(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}

// StartAutoSync begins automatic synchronization at the configured interval
func (c *coordinator) StartAutoSync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if c.closed {
		return syncErrors.New(syncErrors.OpSync, fmt.Errorf("coordinator is closed"))
	}
	if c.options.SyncInterval <= 0 {
		return syncErrors.New(syncErrors.OpSync, fmt.Errorf("sync interval must be positive"))
	}
	if c.autoSyncStop != nil {
		return syncErrors.New(syncErrors.OpSync, fmt.Errorf("auto sync is already running"))
	}

	stopChan := make(chan struct{})
	c.autoSyncStop = stopChan

	go func() {
		ticker := time.NewTicker(c.options.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopChan:
				return
			case <-ticker.C:
				if _, err := c.Sync(ctx); err != nil {
					logging.LogError(ctx, err, "auto sync cycle failed")
				}
			}
		}
	}()

	return nil
}

// StopAutoSync stops automatic synchronization
func (c *coordinator) StopAutoSync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.autoSyncStop == nil {
		return syncErrors.New(syncErrors.OpSync, fmt.Errorf("auto sync is not running"))
	}

	close(c.autoSyncStop)
	c.autoSyncStop = nil
	return nil
}

// Subscribe to sync cycle results
func (c *coordinator) Subscribe(handler func(*SyncResult)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return syncErrors.New(syncErrors.OpSync, fmt.Errorf("coordinator is closed"))
	}

	c.subscribers = append(c.subscribers, handler)
	return nil
}

// Close shuts down the coordinator
func (c *coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.autoSyncStop != nil {
		close(c.autoSyncStop)
		c.autoSyncStop = nil
	}

	var errs []error
	if err := c.transport.Close(); err != nil {
		errs = append(errs, syncErrors.NewWithComponent(syncErrors.OpClose, "transport", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, syncErrors.NewWithComponent(syncErrors.OpClose, "queue", err))
	}

	if len(errs) > 0 {
		return syncErrors.New(syncErrors.OpClose, fmt.Errorf("multiple close errors: %v", errs))
	}
	return nil
}

func (c *coordinator) notifySubscribers(result *SyncResult) {
	c.mu.RLock()
	subscribers := make([]func(*SyncResult), len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.mu.RUnlock()

	for _, handler := range subscribers {
		go func(h func(*SyncResult)) {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("sync subscriber panicked", slog.Any("panic", r))
				}
			}()
			h(result)
		}(handler)
	}
}
