// Package transport declares the network contract the sync coordinator
// consumes. The transport layer is assumed to handle authentication and
// connection-level retries; the engine retries only at the
// operation-batch level.
package transport

import (
	"context"

	"github.com/virtuenet/coachsync/protocol"
)

// Transport ships one batch of operations and returns the server's
// per-operation outcomes.
type Transport interface {
	// SendBatch performs one request/response exchange. Implementations
	// classify failures through the errors package so the coordinator can
	// pick the retry or surface path.
	SendBatch(ctx context.Context, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error)

	// Close releases resources held by the transport.
	Close() error
}
