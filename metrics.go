package coachsync

import "time"

// MetricsCollector provides hooks for observability.
type MetricsCollector interface {
	// RecordCycleDuration records how long a sync cycle took
	RecordCycleDuration(d time.Duration)

	// RecordOperations records per-cycle operation outcomes
	RecordOperations(completed, failed, requeued int)

	// RecordConflicts records how many conflicts were resolved automatically
	// and how many went to manual resolution
	RecordConflicts(resolved, manual int)

	// RecordServerChanges records how many server-originated changes were applied
	RecordServerChanges(applied int)

	// RecordSyncErrors records sync cycle errors
	RecordSyncErrors(op, reason string)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordCycleDuration(d time.Duration)            {}
func (*NoOpMetricsCollector) RecordOperations(completed, failed, requeued int) {}
func (*NoOpMetricsCollector) RecordConflicts(resolved, manual int)           {}
func (*NoOpMetricsCollector) RecordServerChanges(applied int)                {}
func (*NoOpMetricsCollector) RecordSyncErrors(op, reason string)             {}
