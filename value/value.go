// Package value provides the tagged field value type used for entity data
// throughout the sync engine. A Value is a string, number, boolean, null,
// or nested map; nothing else crosses the wire. Keeping the shape closed
// lets equality and checksum computation stay reflection-free.
package value

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies the concrete type held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is an immutable tagged union over the allowed field value types.
// The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  json.Number
	b    bool
	m    *Map
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value from a json.Number. Numbers are kept in
// their decimal string form so round-tripping never loses precision.
func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }

// Int returns a numeric Value from an int64.
func Int(i int64) Value { return Number(json.Number(strconv.FormatInt(i, 10))) }

// Float returns a numeric Value from a float64.
func Float(f float64) Value {
	return Number(json.Number(strconv.FormatFloat(f, 'g', -1, 64)))
}

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// FromMap returns a Value wrapping a nested map.
func FromMap(m *Map) Value { return Value{kind: KindMap, m: m} }

// Kind reports the concrete type of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string payload. Valid only for KindString.
func (v Value) Str() string { return v.str }

// Num returns the numeric payload. Valid only for KindNumber.
func (v Value) Num() json.Number { return v.num }

// BoolVal returns the boolean payload. Valid only for KindBool.
func (v Value) BoolVal() bool { return v.b }

// MapVal returns the nested map payload. Valid only for KindMap.
func (v Value) MapVal() *Map { return v.m }

// Equal reports deep equality of two values. Numbers compare by their
// canonical numeric form, so 25 and 25.0 are equal. Map comparison is
// key-set based; key order does not affect equality.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		// Numbers written differently still carry the same kind, so a
		// kind mismatch is always a real mismatch.
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindNumber:
		return numbersEqual(v.num, other.num)
	case KindBool:
		return v.b == other.b
	case KindMap:
		return v.m.Equal(other.m)
	default:
		return false
	}
}

func numbersEqual(a, b json.Number) bool {
	if a == b {
		return true
	}
	af, aerr := a.Float64()
	bf, berr := b.Float64()
	if aerr != nil || berr != nil {
		return a.String() == b.String()
	}
	return af == bf
}

// Clone returns a deep copy of v. Scalar values are returned as-is since
// they are immutable; maps are copied recursively.
func (v Value) Clone() Value {
	if v.kind == KindMap && v.m != nil {
		return FromMap(v.m.Clone())
	}
	return v
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if v.num == "" {
			return []byte("0"), nil
		}
		return []byte(v.num), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		return v.m.MarshalJSON()
	default:
		return nil, fmt.Errorf("value: cannot marshal kind %s", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := newDecoder(data)
	parsed, err := decodeValue(dec)
	if err != nil {
		return err
	}
	if err := expectEOF(dec); err != nil {
		return err
	}
	*v = parsed
	return nil
}

// String implements fmt.Stringer for diagnostics only; the output is not a
// wire format.
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid value: %v>", err)
	}
	return string(data)
}
