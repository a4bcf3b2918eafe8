// Package marshal converts node parameter values between their in-memory form
// and a portable form that is safe to persist or send over the wire.
//
// Binary parameters (images, audio, documents) are never inlined in the
// portable form: they are written to an objectstore.Store and replaced by a
// reference. Loosely typed values coming from tool callers are converted with
// Coerce before they reach a node.
package marshal

import (
	"fmt"
	"strings"
)

// Type is the declared type of a node input or output.
type Type string

const (
	TypeString   Type = "string"
	TypeNumber   Type = "number"
	TypeInteger  Type = "integer"
	TypeBoolean  Type = "boolean"
	TypeJSON     Type = "json"
	TypeObject   Type = "object"
	TypeArray    Type = "array"
	TypeGeometry Type = "geometry"
	TypeAny      Type = "any"
	TypeImage    Type = "image"
	TypeAudio    Type = "audio"
	TypeVideo    Type = "video"
	TypeDocument Type = "document"
	TypeBinary   Type = "binary"
)

var knownTypes = map[Type]bool{
	TypeString:   true,
	TypeNumber:   true,
	TypeInteger:  true,
	TypeBoolean:  true,
	TypeJSON:     true,
	TypeObject:   true,
	TypeArray:    true,
	TypeGeometry: true,
	TypeAny:      true,
	TypeImage:    true,
	TypeAudio:    true,
	TypeVideo:    true,
	TypeDocument: true,
	TypeBinary:   true,
}

// ParseType parses a type name. The empty string parses as TypeAny.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return TypeAny, nil
	}
	if !knownTypes[t] {
		return "", fmt.Errorf("unknown parameter type %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known type. The zero value is valid and means any.
func (t Type) Valid() bool {
	return t == "" || knownTypes[t]
}

// IsBinary reports whether values of this type carry raw bytes.
func (t Type) IsBinary() bool {
	switch t {
	case TypeImage, TypeAudio, TypeVideo, TypeDocument, TypeBinary:
		return true
	}
	return false
}

// IsStructured reports whether values of this type are JSON-like structures.
func (t Type) IsStructured() bool {
	switch t {
	case TypeJSON, TypeObject, TypeArray, TypeGeometry:
		return true
	}
	return false
}

// DefaultMimeType is used for binary values whose mime type is unknown.
func (t Type) DefaultMimeType() string {
	switch t {
	case TypeImage:
		return "image/png"
	case TypeAudio:
		return "audio/mpeg"
	case TypeVideo:
		return "video/mp4"
	case TypeDocument:
		return "application/pdf"
	}
	return "application/octet-stream"
}

func (t Type) String() string {
	if t == "" {
		return string(TypeAny)
	}
	return string(t)
}
