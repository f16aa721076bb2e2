package resolve

import (
	"github.com/virtuenet/coachsync/value"
)

// FieldPolicy is a per-field override hook for true conflicts, where
// ancestor, local, and server all differ. Return the value to use and true
// to override; return false to fall through to the default policy (local
// wins).
type FieldPolicy func(field string, ancestor, local, server value.Value) (value.Value, bool)

// ThreeWayMerger computes a field-level merge of two divergent copies of an
// entity against their common ancestor. Merge is pure and deterministic:
// identical inputs always produce an identical merged map, and no shared
// state is touched.
type ThreeWayMerger struct {
	// Policy, when non-nil, is consulted for true conflicts before the
	// default local-wins rule.
	Policy FieldPolicy
}

// NewThreeWayMerger returns a merger with the default conflict policy.
func NewThreeWayMerger() *ThreeWayMerger {
	return &ThreeWayMerger{}
}

// Merge reconciles local and server against ancestor. For every field in
// the union of all three maps:
//
//  1. only the server side changed relative to ancestor: take server
//  2. only the local side changed: take local (a local deletion of an
//     ancestor key propagates, so the key is absent from the result)
//  3. both changed to different values: a true conflict; the local value
//     wins unless a FieldPolicy overrides
//  4. otherwise local and server agree: take the common value
//
// Nil input maps are treated as empty.
func (m *ThreeWayMerger) Merge(ancestor, local, server *value.Map) *value.Map {
	out := value.NewMap()
	for _, k := range value.UnionKeys(ancestor, local, server) {
		av, aok := ancestor.Get(k)
		lv, lok := local.Get(k)
		sv, sok := server.Get(k)

		localChanged := changed(av, aok, lv, lok)
		serverChanged := changed(av, aok, sv, sok)

		switch {
		case !localChanged && serverChanged:
			if sok {
				out.Set(k, sv.Clone())
			}
			// server deleted the key: propagate the deletion

		case localChanged && !serverChanged:
			if lok {
				out.Set(k, lv.Clone())
			}
			// local deleted the key: propagate the deletion

		case localChanged && serverChanged && !sameSide(lv, lok, sv, sok):
			// True conflict. Consult the override hook, else local wins.
			if m.Policy != nil {
				if v, override := m.Policy(k, av, lv, sv); override {
					out.Set(k, v.Clone())
					continue
				}
			}
			if lok {
				out.Set(k, lv.Clone())
			}
			// both sides deleted with different intents cannot occur: a
			// double deletion is sameSide and handled below

		default:
			// local == server (including both unchanged, or both deleted)
			if lok {
				out.Set(k, lv.Clone())
			}
		}
	}
	return out
}

// changed reports whether a side differs from the ancestor, treating
// absence as a distinct state.
func changed(ancestor value.Value, ancestorPresent bool, side value.Value, sidePresent bool) bool {
	if ancestorPresent != sidePresent {
		return true
	}
	if !ancestorPresent {
		return false
	}
	return !ancestor.Equal(side)
}

// sameSide reports whether local and server agree, treating absence as a
// distinct state.
func sameSide(lv value.Value, lok bool, sv value.Value, sok bool) bool {
	if lok != sok {
		return false
	}
	if !lok {
		return true
	}
	return lv.Equal(sv)
}
