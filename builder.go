package coachsync

import (
	"fmt"
	"time"

	"github.com/virtuenet/coachsync/queue"
	"github.com/virtuenet/coachsync/resolve"
	"github.com/virtuenet/coachsync/transport"
)

// CoordinatorBuilder provides a fluent interface for constructing Coordinator
// instances.
type CoordinatorBuilder struct {
	store     queue.Store
	transport transport.Transport
	options   *Options
}

// NewCoordinatorBuilder creates a new builder with default options.
func NewCoordinatorBuilder() *CoordinatorBuilder {
	return &CoordinatorBuilder{
		options: &Options{
			MaxBatchSize: 100,
			MaxRetries:   5,
		},
	}
}

// WithStore sets the durable queue, metadata, and cursor store.
func (b *CoordinatorBuilder) WithStore(store queue.Store) *CoordinatorBuilder {
	b.store = store
	return b
}

// WithTransport sets the batch transport.
func (b *CoordinatorBuilder) WithTransport(tp transport.Transport) *CoordinatorBuilder {
	b.transport = tp
	return b
}

// WithMaxBatchSize bounds how many operations one cycle dispatches.
func (b *CoordinatorBuilder) WithMaxBatchSize(size int) *CoordinatorBuilder {
	b.options.MaxBatchSize = size
	return b
}

// WithMaxRetries bounds per-operation transient retries across cycles.
func (b *CoordinatorBuilder) WithMaxRetries(n int) *CoordinatorBuilder {
	b.options.MaxRetries = n
	return b
}

// WithResolver sets the conflict resolution strategy table.
func (b *CoordinatorBuilder) WithResolver(r *resolve.Resolver) *CoordinatorBuilder {
	b.options.Resolver = r
	return b
}

// WithLocalStore sets the receiver for server-originated entity changes.
func (b *CoordinatorBuilder) WithLocalStore(ls LocalStore) *CoordinatorBuilder {
	b.options.LocalStore = ls
	return b
}

// WithSyncInterval sets the interval for automatic synchronization.
func (b *CoordinatorBuilder) WithSyncInterval(interval time.Duration) *CoordinatorBuilder {
	b.options.SyncInterval = interval
	return b
}

// WithTimeout sets the maximum duration for one batch request.
func (b *CoordinatorBuilder) WithTimeout(timeout time.Duration) *CoordinatorBuilder {
	b.options.Timeout = timeout
	return b
}

// WithRetryConfig sets the in-cycle retry behavior for batch requests.
func (b *CoordinatorBuilder) WithRetryConfig(config *RetryConfig) *CoordinatorBuilder {
	b.options.RetryConfig = config
	return b
}

// WithMetricsCollector sets the observability hooks.
func (b *CoordinatorBuilder) WithMetricsCollector(mc MetricsCollector) *CoordinatorBuilder {
	b.options.MetricsCollector = mc
	return b
}

// Build creates a new Coordinator instance with the configured options.
func (b *CoordinatorBuilder) Build() (Coordinator, error) {
	if b.store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if b.transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if b.options.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("MaxBatchSize must be positive, got %d", b.options.MaxBatchSize)
	}
	if b.options.MaxRetries <= 0 {
		return nil, fmt.Errorf("MaxRetries must be positive, got %d", b.options.MaxRetries)
	}
	if rc := b.options.RetryConfig; rc != nil {
		if rc.MaxAttempts <= 0 {
			return nil, fmt.Errorf("RetryConfig.MaxAttempts must be positive, got %d", rc.MaxAttempts)
		}
		if rc.Multiplier < 1 {
			return nil, fmt.Errorf("RetryConfig.Multiplier must be >= 1, got %v", rc.Multiplier)
		}
	}

	return NewCoordinator(b.store, b.transport, b.options)
}

// Reset clears the builder, allowing reuse.
func (b *CoordinatorBuilder) Reset() *CoordinatorBuilder {
	b.store = nil
	b.transport = nil
	b.options = &Options{
		MaxBatchSize: 100,
		MaxRetries:   5,
	}
	return b
}
