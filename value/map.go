package value

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Map is an ordered mapping of field name to Value. Insertion order is
// preserved through JSON round-trips; equality and checksums ignore order
// so two maps with the same content always compare and hash identically.
type Map struct {
	keys []string
	vals map[string]Value
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{vals: make(map[string]Value)}
}

// Set stores v under key. Existing keys keep their original position;
// new keys append.
func (m *Map) Set(key string, v Value) *Map {
	if m.vals == nil {
		m.vals = make(map[string]Value)
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
	return m
}

// Get returns the value stored under key and whether it was present.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil || m.vals == nil {
		return Value{}, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes key if present.
func (m *Map) Delete(key string) {
	if m == nil || m.vals == nil {
		return
	}
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The returned slice is a copy.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone returns a deep copy of m. Clone(nil) returns nil.
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	out := NewMap()
	for _, k := range m.keys {
		out.Set(k, m.vals[k].Clone())
	}
	return out
}

// Equal reports whether two maps hold the same key set with equal values.
// Key order is not part of equality. Nil and empty maps are equal.
func (m *Map) Equal(other *Map) bool {
	if m.Len() != other.Len() {
		return false
	}
	if m == nil || other == nil {
		return true // both empty
	}
	for k, v := range m.vals {
		ov, ok := other.vals[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// UnionKeys returns the union of the key sets of the given maps, ordered by
// first appearance across the maps in argument order. Nil maps are skipped.
func UnionKeys(maps ...*Map) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range maps {
		if m == nil {
			continue
		}
		for _, k := range m.keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out
}

// Checksum returns a hex-encoded sha256 over the canonical (key-sorted)
// encoding of m. Two maps that are Equal always share a checksum.
func (m *Map) Checksum() string {
	sum := sha256.Sum256(m.canonical())
	return hex.EncodeToString(sum[:])
}

func (m *Map) canonical() []byte {
	var buf bytes.Buffer
	m.writeCanonical(&buf)
	return buf.Bytes()
}

func (m *Map) writeCanonical(buf *bytes.Buffer) {
	buf.WriteByte('{')
	if m != nil {
		sorted := make([]string, len(m.keys))
		copy(sorted, m.keys)
		sort.Strings(sorted)
		for i, k := range sorted {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			v := m.vals[k]
			if v.Kind() == KindMap {
				v.MapVal().writeCanonical(buf)
			} else if v.Kind() == KindNumber {
				// Canonical numeric form so 25 and 25.0 hash identically.
				if f, err := v.Num().Float64(); err == nil {
					fb, _ := json.Marshal(f)
					buf.Write(fb)
				} else {
					buf.WriteString(v.Num().String())
				}
			} else {
				vb, _ := v.MarshalJSON()
				buf.Write(vb)
			}
		}
	}
	buf.WriteByte('}')
}

// MarshalJSON implements json.Marshaler, emitting keys in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := m.vals[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler, preserving key order.
func (m *Map) UnmarshalJSON(data []byte) error {
	dec := newDecoder(data)
	parsed, err := decodeMap(dec)
	if err != nil {
		return err
	}
	if err := expectEOF(dec); err != nil {
		return err
	}
	if parsed == nil {
		*m = Map{}
		return nil
	}
	*m = *parsed
	return nil
}
