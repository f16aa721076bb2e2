package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

func newDecoder(data []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec
}

func expectEOF(dec *json.Decoder) error {
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("value: trailing data after JSON value")
	}
	return nil
}

// decodeValue reads the next JSON value from dec. Arrays are rejected:
// entity data carries only scalars, nulls, and nested maps.
func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, fmt.Errorf("value: decode: %w", err)
	}
	return valueFromToken(dec, tok)
}

func valueFromToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case json.Delim:
		switch t {
		case '{':
			m, err := decodeMapBody(dec)
			if err != nil {
				return Value{}, err
			}
			return FromMap(m), nil
		case '[':
			return Value{}, fmt.Errorf("value: arrays are not supported in entity data")
		default:
			return Value{}, fmt.Errorf("value: unexpected delimiter %q", t.String())
		}
	default:
		return Value{}, fmt.Errorf("value: unexpected token %v", tok)
	}
}

// decodeMap reads a full JSON object, including the opening brace.
func decodeMap(dec *json.Decoder) (*Map, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("value: decode map: %w", err)
	}
	if tok == nil {
		return nil, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("value: expected object, got %v", tok)
	}
	return decodeMapBody(dec)
}

// decodeMapBody reads object members after '{' has been consumed.
func decodeMapBody(dec *json.Decoder) (*Map, error) {
	m := NewMap()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("value: decode map key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("value: non-string map key %v", keyTok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		m.Set(key, v)
	}
	// Consume closing '}'
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("value: decode map close: %w", err)
	}
	return m, nil
}

// ParseMap decodes a JSON object into a Map, preserving key order.
func ParseMap(data []byte) (*Map, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := newDecoder(data)
	m, err := decodeMap(dec)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	if err := expectEOF(dec); err != nil {
		return nil, err
	}
	return m, nil
}
