package toolbridge

import (
	"regexp"
	"slices"
	"strings"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/marshal"
)

// Schema is the subset of JSON Schema used to describe tool arguments.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Default     any                `json:"default,omitempty"`

	// AdditionalProperties is a bool or a *Schema. Nil leaves it unset.
	AdditionalProperties any `json:"additionalProperties,omitempty"`
}

// Tool describes one node type as a callable function.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Schema      *Schema `json:"input_schema"`

	// NodeType is the registry type the tool invokes.
	NodeType string `json:"-"`
}

const binaryHint = "base64-encoded data, a data URI, or an object reference"

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ToolName converts a node type to a tool name. Characters outside
// [a-zA-Z0-9_-] become underscores.
func ToolName(nodeType string) string {
	return invalidNameChars.ReplaceAllString(nodeType, "_")
}

// describe builds the tool for a node descriptor. Hidden inputs are left out.
func describe(desc nodeflow.Descriptor) Tool {
	schema := &Schema{
		Type:                 "object",
		Properties:           map[string]*Schema{},
		AdditionalProperties: false,
	}
	for _, in := range desc.Inputs {
		if in.Hidden {
			continue
		}
		schema.Properties[in.Name] = propertySchema(in)
		if in.Required() {
			schema.Required = append(schema.Required, in.Name)
		}
	}
	slices.Sort(schema.Required)

	description := desc.Description
	if description == "" {
		description = "Runs the " + desc.Type + " node."
	}
	return Tool{
		Name:        ToolName(desc.Type),
		Description: description,
		Schema:      schema,
		NodeType:    desc.Type,
	}
}

func propertySchema(in nodeflow.InputSpec) *Schema {
	s := &Schema{Description: in.Description}
	switch in.Type {
	case marshal.TypeString:
		s.Type = "string"
	case marshal.TypeNumber:
		s.Type = "number"
	case marshal.TypeInteger:
		s.Type = "integer"
	case marshal.TypeBoolean:
		s.Type = "boolean"
	case marshal.TypeObject, marshal.TypeGeometry, marshal.TypeJSON:
		s.Type = "object"
	case marshal.TypeArray:
		s.Type = "array"
		s.Items = &Schema{}
	case marshal.TypeImage, marshal.TypeAudio, marshal.TypeVideo, marshal.TypeDocument, marshal.TypeBinary:
		s.Type = "string"
		s.Description = joinSentences(in.Description, string(in.Type)+" as "+binaryHint)
	}
	if in.Default != nil && !in.Type.IsBinary() {
		s.Default = in.Default
	}
	return s
}

func joinSentences(a, b string) string {
	a = strings.TrimSpace(a)
	if a == "" {
		return strings.ToUpper(b[:1]) + b[1:] + "."
	}
	return strings.TrimSuffix(a, ".") + ". Pass " + b + "."
}
