package marshal

import (
	"errors"

	"github.com/deepnoodle-ai/nodeflow/objectstore"
)

// Binary is the in-memory form of every binary-bearing type. It always holds
// the raw bytes.
type Binary struct {
	Data     []byte
	MimeType string
}

// ErrInlineBinary is returned when binary data would be encoded inline as
// JSON. Persisted values carry a reference instead.
var ErrInlineBinary = errors.New("binary data cannot be encoded inline; store it and pass a reference")

// MarshalJSON always fails, so bytes never leak into encoded state.
func (b Binary) MarshalJSON() ([]byte, error) {
	return nil, ErrInlineBinary
}

// Kind tags the variant held by a PortableValue.
type Kind string

const (
	KindNull    Kind = "null"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindJSON    Kind = "json"
	KindBinary  Kind = "binary"
)

// PortableValue is the persisted and wire representation of a parameter.
// Exactly one of Value and Ref is meaningful: Ref for KindBinary, Value for
// every other kind except KindNull.
type PortableValue struct {
	Kind  Kind                   `json:"kind"`
	Value any                    `json:"value,omitempty"`
	Ref   *objectstore.Reference `json:"ref,omitempty"`
}

// Null is the portable form of an absent value.
func Null() PortableValue {
	return PortableValue{Kind: KindNull}
}

// IsNull reports whether the value is null.
func (p PortableValue) IsNull() bool {
	return p.Kind == KindNull || p.Kind == ""
}

// RefKey is the property name used for binary references in exported JSON.
const RefKey = "$ref"

// Export returns a JSON-safe form of the value. Binary values become
// {"$ref": id, "mime_type": type}.
func Export(p PortableValue) any {
	switch p.Kind {
	case KindNull, "":
		return nil
	case KindBinary:
		if p.Ref == nil {
			return nil
		}
		return map[string]any{
			RefKey:      p.Ref.ID,
			"mime_type": p.Ref.MimeType,
		}
	}
	return p.Value
}

// refFromExport recognizes the exported reference shape.
func refFromExport(v any) (objectstore.Reference, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return objectstore.Reference{}, false
	}
	id, ok := m[RefKey].(string)
	if !ok {
		return objectstore.Reference{}, false
	}
	mimeType, _ := m["mime_type"].(string)
	return objectstore.Reference{ID: id, MimeType: mimeType}, true
}
