// Package codec centralizes document and metadata encoding.
//
// Codec selection is a compatibility boundary: persisted files record the
// codec name in their header, and opening an existing database selects the
// codec by that name. Changing codecs does not invalidate old files.
package codec

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Default is the codec used when none is configured.
var Default Codec = GoJSON{}

// ByName returns a built-in codec by its stable name.
//
// This is used by self-describing persistence formats (snapshots/WAL) that
// store the codec name in their header.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}
