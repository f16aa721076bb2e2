// Package protocol defines the canonical batch sync interchange structures.
// Field names and nesting are part of the cross-version wire contract:
// old clients talking to newer servers (and vice versa) must tolerate
// additional unknown fields, so decoding never rejects extras.
package protocol

import (
	"encoding/json"
	"time"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/operation"
	"github.com/virtuenet/coachsync/value"
)

// BatchSyncRequest ships one cycle's worth of pending operations.
// LastSyncCursor is opaque to the client and absent on first sync.
type BatchSyncRequest struct {
	Operations      []*operation.SyncOperation `json:"operations"`
	ClientTimestamp time.Time                  `json:"clientTimestamp"`
	LastSyncCursor  string                     `json:"lastSyncCursor,omitempty"`
}

// ConflictInfo carries the server's copy of a conflicting entity.
type ConflictInfo struct {
	EntityType      string     `json:"entityType"`
	EntityID        string     `json:"entityId"`
	ServerData      *value.Map `json:"serverData"`
	ServerVersion   int64      `json:"serverVersion"`
	ServerTimestamp time.Time  `json:"serverTimestamp"`
}

// OperationResult is the per-operation outcome within a batch. ErrorCode
// distinguishes fatal validation rejections from transient failures; it is
// an optional extension old servers may omit, in which case errors are
// treated as transient.
type OperationResult struct {
	OperationID string        `json:"operationId"`
	Success     bool          `json:"success"`
	ServerID    string        `json:"serverId,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorCode   string        `json:"errorCode,omitempty"`
	Conflict    *ConflictInfo `json:"conflict,omitempty"`
}

// IsValidation reports whether the result is a fatal content rejection.
func (r *OperationResult) IsValidation() bool {
	return r.ErrorCode == string(syncErrors.ErrCodeValidationFailure)
}

// ServerChange is a server-originated entity change since the last cursor,
// not caused by this client's operations.
type ServerChange struct {
	EntityType    string     `json:"entityType"`
	EntityID      string     `json:"entityId"`
	Data          *value.Map `json:"data,omitempty"`
	ServerVersion int64      `json:"serverVersion"`
	Deleted       bool       `json:"deleted,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// BatchSyncResponse is the server's reply: one result per request
// operation, plus server-side changes and the cursor for the next cycle.
type BatchSyncResponse struct {
	Success         bool              `json:"success"`
	Results         []OperationResult `json:"results"`
	ServerChanges   []ServerChange    `json:"serverChanges,omitempty"`
	NextCursor      string            `json:"nextCursor,omitempty"`
	ServerTimestamp time.Time         `json:"serverTimestamp"`
}

// EncodeRequest serializes a request for transport.
func EncodeRequest(req *BatchSyncRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, syncErrors.NewSerializationError(syncErrors.OpSendBatch, err)
	}
	return data, nil
}

// DecodeResponse parses a response body. Unknown fields are ignored for
// forward compatibility.
func DecodeResponse(data []byte) (*BatchSyncResponse, error) {
	var resp BatchSyncResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, syncErrors.NewSerializationError(syncErrors.OpSendBatch, err)
	}
	return &resp, nil
}

// DecodeRequest parses a request body, for server-side handlers.
func DecodeRequest(data []byte) (*BatchSyncRequest, error) {
	var req BatchSyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, syncErrors.NewSerializationError(syncErrors.OpSendBatch, err)
	}
	return &req, nil
}

// MatchResults pairs each request operation with its result, keyed by
// operationId when the server echoes ids and falling back to array position
// for servers that rely on order. Operations without a result (lost or
// truncated response) map to nil and are requeued unchanged by the caller.
func MatchResults(ops []*operation.SyncOperation, results []OperationResult) map[string]*OperationResult {
	out := make(map[string]*OperationResult, len(ops))

	byID := make(map[string]*OperationResult, len(results))
	idMatched := true
	for i := range results {
		if results[i].OperationID == "" {
			idMatched = false
			break
		}
		byID[results[i].OperationID] = &results[i]
	}

	for i, op := range ops {
		if idMatched {
			out[op.ID] = byID[op.ID]
			continue
		}
		if i < len(results) {
			out[op.ID] = &results[i]
		} else {
			out[op.ID] = nil
		}
	}
	return out
}
