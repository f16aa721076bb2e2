package operation

import "github.com/virtuenet/coachsync/value"

// RewriteReferences replaces a temporary client-generated entity id with
// the server-issued id wherever the operation references it: the entity id
// itself and any string field in the data (including nested maps). Returns
// true if anything changed.
func (op *SyncOperation) RewriteReferences(oldID, newID string) bool {
	changed := false
	if op.EntityID == oldID {
		op.EntityID = newID
		changed = true
	}
	if rewriteMapStrings(op.Data, oldID, newID) {
		changed = true
	}
	return changed
}

func rewriteMapStrings(m *value.Map, oldID, newID string) bool {
	if m == nil {
		return false
	}
	changed := false
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		switch v.Kind() {
		case value.KindString:
			if v.Str() == oldID {
				m.Set(k, value.String(newID))
				changed = true
			}
		case value.KindMap:
			if rewriteMapStrings(v.MapVal(), oldID, newID) {
				changed = true
			}
		}
	}
	return changed
}
