package metadata

import (
	"fmt"
)

// FieldType defines the declared type of a metadata field.
type FieldType uint8

const (
	FieldTypeAny FieldType = iota
	FieldTypeString
	FieldTypeNumber
	FieldTypeBool
)

// String returns the string representation of the FieldType.
func (t FieldType) String() string {
	switch t {
	case FieldTypeAny:
		return "any"
	case FieldTypeString:
		return "string"
	case FieldTypeNumber:
		return "number"
	case FieldTypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

// ParseFieldType returns the FieldType named by s, as stored in the catalog.
func ParseFieldType(s string) (FieldType, error) {
	switch s {
	case "any", "":
		return FieldTypeAny, nil
	case "string":
		return FieldTypeString, nil
	case "number":
		return FieldTypeNumber, nil
	case "bool":
		return FieldTypeBool, nil
	default:
		return 0, fmt.Errorf("unknown metadata field type: %q", s)
	}
}

// Schema declares the expected types of metadata fields.
// Fields absent from the schema are unconstrained. A nil Schema accepts
// any document.
type Schema map[string]FieldType

// Validate checks that doc conforms to the schema. Null values are accepted
// for any declared type.
func (s Schema) Validate(doc Document) error {
	if s == nil {
		return nil
	}
	for k, v := range doc {
		expected, ok := s[k]
		if !ok {
			continue
		}
		if !checkKind(v.Kind, expected) {
			return fmt.Errorf("field %q has type %s, expected %s", k, v.Kind, expected)
		}
	}
	return nil
}

func checkKind(k Kind, expected FieldType) bool {
	if k == KindNull {
		return true
	}
	switch expected {
	case FieldTypeAny:
		return true
	case FieldTypeString:
		return k == KindString
	case FieldTypeNumber:
		return k == KindNumber
	case FieldTypeBool:
		return k == KindBool
	}
	return false
}
