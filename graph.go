package nodeflow

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"gopkg.in/yaml.v3"
)

// Graph is a workflow definition: typed nodes connected by edges that carry a
// source output to a target input.
type Graph struct {
	Name        string      `json:"name,omitempty" yaml:"name,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []*NodeSpec `json:"nodes" yaml:"nodes"`
	Edges       []*Edge     `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// NodeSpec is one node of a graph. Inputs and Outputs may be left empty and
// filled from the registry with Resolve.
type NodeSpec struct {
	ID          string         `json:"id" yaml:"id"`
	Type        string         `json:"type" yaml:"type"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []InputSpec    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []OutputSpec   `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Values      map[string]any `json:"values,omitempty" yaml:"values,omitempty"`
}

// Input returns the declared input with the given name.
func (n *NodeSpec) Input(name string) (InputSpec, bool) {
	for _, in := range n.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

// Output returns the declared output with the given name.
func (n *NodeSpec) Output(name string) (OutputSpec, bool) {
	for _, out := range n.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return OutputSpec{}, false
}

func (n *NodeSpec) clone() *NodeSpec {
	c := *n
	c.Inputs = append([]InputSpec(nil), n.Inputs...)
	c.Outputs = append([]OutputSpec(nil), n.Outputs...)
	c.Values = maps.Clone(n.Values)
	return &c
}

// Edge connects Source.Output to Target.Input. From and To are a shorthand
// of the form "node.port" accepted by the loaders.
type Edge struct {
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	Input  string `json:"input,omitempty" yaml:"input,omitempty"`

	// Condition is an optional expression. The edge only carries its value
	// when the expression is truthy.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	From string `json:"from,omitempty" yaml:"from,omitempty"`
	To   string `json:"to,omitempty" yaml:"to,omitempty"`
}

func (e *Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", e.Source, e.Output, e.Target, e.Input)
}

// Normalize expands the From and To shorthand into the explicit fields.
func (e *Edge) Normalize() error {
	if e.From != "" {
		node, port, err := splitEndpoint(e.From)
		if err != nil {
			return err
		}
		e.Source, e.Output = node, port
		e.From = ""
	}
	if e.To != "" {
		node, port, err := splitEndpoint(e.To)
		if err != nil {
			return err
		}
		e.Target, e.Input = node, port
		e.To = ""
	}
	return nil
}

func splitEndpoint(s string) (string, string, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return "", "", ValidationError("invalid edge endpoint %q, expected node.port", s)
	}
	return s[:i], s[i+1:], nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*NodeSpec, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the graph structure.
func (g *Graph) Clone() *Graph {
	c := &Graph{Name: g.Name, Description: g.Description}
	for _, n := range g.Nodes {
		if n != nil {
			c.Nodes = append(c.Nodes, n.clone())
		}
	}
	for _, e := range g.Edges {
		if e != nil {
			edge := *e
			c.Edges = append(c.Edges, &edge)
		}
	}
	return c
}

// Resolve fills undeclared ports from the registry descriptors and turns
// Values into input defaults. Unknown node types and values for undeclared
// inputs are validation errors.
func (g *Graph) Resolve(reg *Registry) error {
	for _, n := range g.Nodes {
		if n == nil {
			return ValidationError("graph contains a nil node")
		}
		node, ok := reg.Get(n.Type)
		if !ok {
			return &Error{Type: ErrorTypeValidation, NodeID: n.ID, Cause: fmt.Sprintf("unknown node type %q", n.Type)}
		}
		desc := node.Descriptor()
		if len(n.Inputs) == 0 {
			n.Inputs = append([]InputSpec(nil), desc.Inputs...)
		}
		if len(n.Outputs) == 0 {
			n.Outputs = append([]OutputSpec(nil), desc.Outputs...)
		}
		if n.Description == "" {
			n.Description = desc.Description
		}
		for name, value := range n.Values {
			idx := -1
			for i := range n.Inputs {
				if n.Inputs[i].Name == name {
					idx = i
				}
			}
			if idx < 0 {
				return &Error{Type: ErrorTypeValidation, NodeID: n.ID, Cause: fmt.Sprintf("value for undeclared input %q", name)}
			}
			n.Inputs[idx].Default = value
		}
	}
	for _, e := range g.Edges {
		if e == nil {
			return ValidationError("graph contains a nil edge")
		}
		if err := e.Normalize(); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile reads a graph definition. The format is chosen by extension:
// .hcl, .json, otherwise YAML.
func LoadFile(path string) (*Graph, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return LoadHCLFile(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return LoadJSON(data)
	}
	return LoadString(string(data))
}

// LoadString parses a YAML graph definition.
func LoadString(data string) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal([]byte(data), &g); err != nil {
		return nil, ValidationError("failed to parse graph: %v", err)
	}
	return normalized(&g)
}

// LoadJSON parses a JSON graph definition.
func LoadJSON(data []byte) (*Graph, error) {
	var g Graph
	if err := xjson.Unmarshal(data, &g); err != nil {
		return nil, ValidationError("failed to parse graph: %v", err)
	}
	return normalized(&g)
}

func normalized(g *Graph) (*Graph, error) {
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if err := e.Normalize(); err != nil {
			return nil, err
		}
	}
	return g, nil
}
