package resolve

import (
	"fmt"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/value"
)

// FieldConflict is one field on which local and server disagree, surfaced
// to the UI layer for a human decision.
type FieldConflict struct {
	FieldName   string      `json:"fieldName"`
	LocalValue  value.Value `json:"localValue"`
	ServerValue value.Value `json:"serverValue"`
}

// MergePreview lists the fields requiring a human decision. Conflicts are
// ordered by first appearance across the local then server maps.
type MergePreview struct {
	HasConflicts  bool            `json:"hasConflicts"`
	ConflictCount int             `json:"conflictCount"`
	Conflicts     []FieldConflict `json:"conflicts"`
}

// FieldResolution is a per-field human-supplied choice.
type FieldResolution string

const (
	UseLocal  FieldResolution = "useLocal"
	UseServer FieldResolution = "useServer"
)

// ParseFieldResolution validates a wire string into a FieldResolution.
func ParseFieldResolution(s string) (FieldResolution, error) {
	switch FieldResolution(s) {
	case UseLocal, UseServer:
		return FieldResolution(s), nil
	default:
		return "", syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("unknown field resolution %q", s))
	}
}

// CreateMergePreview compares local and server data two-way (no ancestor).
// Every key present in both maps with differing values yields a
// FieldConflict; keys on only one side pass through without a decision.
func CreateMergePreview(local, server *value.Map) MergePreview {
	var conflicts []FieldConflict
	for _, k := range value.UnionKeys(local, server) {
		lv, lok := local.Get(k)
		sv, sok := server.Get(k)
		if lok && sok && !lv.Equal(sv) {
			conflicts = append(conflicts, FieldConflict{
				FieldName:   k,
				LocalValue:  lv,
				ServerValue: sv,
			})
		}
	}
	return MergePreview{
		HasConflicts:  len(conflicts) > 0,
		ConflictCount: len(conflicts),
		Conflicts:     conflicts,
	}
}

// ApplyFieldResolutions builds the final record from the human's per-field
// choices. Fields not in conflict pass through from whichever side holds
// them; conflicting fields take the chosen side. The result holds every key
// present in either input exactly once. A conflict left without a
// resolution is an error: a partial decision must not be applied silently.
func ApplyFieldResolutions(preview MergePreview, local, server *value.Map, resolutions map[string]FieldResolution) (*value.Map, error) {
	conflicted := make(map[string]struct{}, len(preview.Conflicts))
	for _, fc := range preview.Conflicts {
		conflicted[fc.FieldName] = struct{}{}
		if _, ok := resolutions[fc.FieldName]; !ok {
			return nil, syncErrors.NewValidationError(syncErrors.OpResolve,
				fmt.Errorf("no resolution supplied for conflicting field %q", fc.FieldName))
		}
	}

	out := value.NewMap()
	for _, k := range value.UnionKeys(local, server) {
		if _, isConflict := conflicted[k]; isConflict {
			choice := resolutions[k]
			switch choice {
			case UseLocal:
				if lv, ok := local.Get(k); ok {
					out.Set(k, lv.Clone())
				}
			case UseServer:
				if sv, ok := server.Get(k); ok {
					out.Set(k, sv.Clone())
				}
			default:
				return nil, syncErrors.NewValidationError(syncErrors.OpResolve,
					fmt.Errorf("unknown field resolution %q for field %q", choice, k))
			}
			continue
		}
		if lv, ok := local.Get(k); ok {
			out.Set(k, lv.Clone())
			continue
		}
		if sv, ok := server.Get(k); ok {
			out.Set(k, sv.Clone())
		}
	}
	return out, nil
}
