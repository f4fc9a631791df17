// Package metadata models record metadata as documents of typed values.
//
// A Document is a flat key-value mapping whose values are a tagged union of
// the primitive types the store supports: string, number, and boolean. The
// representation keeps validation and persistence predictable: no reflection,
// no lossy stringification, and a stable JSON encoding for the catalog.
package metadata

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindNull represents a null value.
	KindNull
	// KindString represents a string value.
	KindString
	// KindNumber represents a numeric value.
	KindNumber
	// KindBool represents a boolean value.
	KindBool
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
	default:
		return "invalid"
	}
}

// Value is a small typed value used for metadata documents.
//
// NOTE: This is also used for persistence; keep the encoding stable.
type Value struct {
	Kind Kind
	S    string
	F64  float64
	B    bool
}

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, S: s} }

// Number returns a numeric Value.
func Number(f float64) Value { return Value{Kind: KindNumber, F64: f} }

// Int returns a numeric Value from an integer.
func Int(i int64) Value { return Value{Kind: KindNumber, F64: float64(i)} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, B: b} }

// AsString returns the string value if Kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.S, true
}

// AsNumber returns the numeric value if Kind is KindNumber.
func (v Value) AsNumber() (float64, bool) {
	if v.Kind != KindNumber {
		return 0, false
	}
	return v.F64, true
}

// AsBool returns the boolean value if Kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.B, true
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.S == o.S
	case KindNumber:
		return v.F64 == o.F64
	case KindBool:
		return v.B == o.B
	default:
		return true
	}
}

// MarshalJSON encodes the value as its natural JSON representation.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.S)
	case KindNumber:
		return json.Marshal(v.F64)
	case KindBool:
		return json.Marshal(v.B)
	default:
		return nil, fmt.Errorf("cannot encode invalid metadata value")
	}
}

// UnmarshalJSON decodes a JSON primitive into the tagged union.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// FromAny converts an untyped Go value into a Value.
// Supported inputs: nil, string, bool, and all integer/float types.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Int(int64(t)), nil
	default:
		return Value{}, fmt.Errorf("unsupported metadata value type %T", raw)
	}
}

// ToAny converts the value back to its untyped Go representation.
func (v Value) ToAny() any {
	switch v.Kind {
	case KindString:
		return v.S
	case KindNumber:
		return v.F64
	case KindBool:
		return v.B
	default:
		return nil
	}
}

// Document is a flat mapping of field names to typed values.
type Document map[string]Value

// FromMap converts an untyped map into a Document.
func FromMap(m map[string]any) (Document, error) {
	if m == nil {
		return nil, nil
	}
	doc := make(Document, len(m))
	for k, raw := range m {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		doc[k] = v
	}
	return doc, nil
}

// ToMap converts the document back to an untyped map.
func (d Document) ToMap() map[string]any {
	if d == nil {
		return nil
	}
	m := make(map[string]any, len(d))
	for k, v := range d {
		m[k] = v.ToAny()
	}
	return m
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Equal reports whether two documents hold the same fields and values.
func (d Document) Equal(o Document) bool {
	if len(d) != len(o) {
		return false
	}
	for k, v := range d {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
