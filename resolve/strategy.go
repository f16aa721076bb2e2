// Package resolve implements conflict detection and resolution for the sync
// engine: version-based conflict checks, the four resolution strategies,
// a pure three-way field merger, and the manual per-field resolution
// workflow surfaced to the UI layer.
package resolve

import (
	"fmt"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/value"
)

// Strategy selects how a version conflict is resolved.
type Strategy string

const (
	// StrategyServerWins takes the server record verbatim.
	StrategyServerWins Strategy = "serverWins"

	// StrategyMerge performs a shallow two-way union; the client's pending
	// edit wins on overlapping fields.
	StrategyMerge Strategy = "merge"

	// StrategyLastWriteWins takes the whole record from whichever side wrote
	// last; ties favor the server clock.
	StrategyLastWriteWins Strategy = "lastWriteWins"

	// StrategyManual defers to a human decision via the merge preview
	// workflow.
	StrategyManual Strategy = "manual"
)

// ParseStrategy validates a configured strategy name. An unknown name is a
// programming error in the configuration and fails fast rather than
// silently defaulting.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyServerWins, StrategyMerge, StrategyLastWriteWins, StrategyManual:
		return Strategy(s), nil
	default:
		return "", syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("unknown conflict resolution strategy %q", s))
	}
}

// HasConflict reports whether the server has advanced beyond the version
// the client last observed. Equal versions never conflict, regardless of
// data content.
func HasConflict(localData, serverData *value.Map, localVersion, serverVersion int64) bool {
	_ = localData
	_ = serverData
	return serverVersion > localVersion
}

// ConflictResult is the outcome of an automatic resolution attempt.
// Resolved is false when the strategy requires a human decision.
type ConflictResult struct {
	Resolved     bool       `json:"resolved"`
	ResolvedData *value.Map `json:"resolvedData,omitempty"`
}
