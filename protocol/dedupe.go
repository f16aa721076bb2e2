package protocol

import (
	"sync"
	"time"
)

// DedupeTable records operation outcomes keyed by operationId so a replayed
// operation (a retried request whose response was lost) is applied at most
// once and the cached result is returned instead. Entries expire after TTL
// to bound memory on long-lived servers.
type DedupeTable struct {
	mu      sync.Mutex
	entries map[string]dedupeEntry
	ttl     time.Duration
	now     func() time.Time
}

type dedupeEntry struct {
	result   OperationResult
	recorded time.Time
}

// NewDedupeTable creates a table whose entries expire after ttl. A zero ttl
// keeps entries forever.
func NewDedupeTable(ttl time.Duration) *DedupeTable {
	return &DedupeTable{
		entries: make(map[string]dedupeEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Seen returns the cached result for an operationId, if one was recorded
// and has not expired.
func (t *DedupeTable) Seen(operationID string) (OperationResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[operationID]
	if !ok {
		return OperationResult{}, false
	}
	if t.ttl > 0 && t.now().Sub(e.recorded) > t.ttl {
		delete(t.entries, operationID)
		return OperationResult{}, false
	}
	return e.result, true
}

// Record stores the outcome for an operationId. Recording twice keeps the
// first outcome: the initial application is the one that took effect.
func (t *DedupeTable) Record(operationID string, result OperationResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[operationID]; ok {
		return
	}
	t.entries[operationID] = dedupeEntry{result: result, recorded: t.now()}
}

// Sweep drops expired entries. Callers run it periodically; Seen also
// evicts lazily.
func (t *DedupeTable) Sweep() {
	if t.ttl <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	for id, e := range t.entries {
		if e.recorded.Before(cutoff) {
			delete(t.entries, id)
		}
	}
}

// Len returns the number of live entries.
func (t *DedupeTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
