package nodeflow

import (
	"fmt"

	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclGraphFile is the top-level structure of an HCL graph definition:
//
//	name = "thumbnail"
//
//	node "fetch" {
//	  type   = "http.request"
//	  values = { url = "https://example.com/cat.png" }
//	}
//
//	edge {
//	  from = "fetch.body"
//	  to   = "resize.image"
//	}
type hclGraphFile struct {
	Name        string     `hcl:"name,optional"`
	Description string     `hcl:"description,optional"`
	Nodes       []*hclNode `hcl:"node,block"`
	Edges       []*hclEdge `hcl:"edge,block"`
}

type hclNode struct {
	ID          string       `hcl:"id,label"`
	Type        string       `hcl:"type"`
	Description string       `hcl:"description,optional"`
	Values      cty.Value    `hcl:"values,optional"`
	Inputs      []*hclInput  `hcl:"input,block"`
	Outputs     []*hclOutput `hcl:"output,block"`
}

type hclInput struct {
	Name        string    `hcl:"name,label"`
	Type        string    `hcl:"type,optional"`
	Description string    `hcl:"description,optional"`
	Optional    bool      `hcl:"optional,optional"`
	Hidden      bool      `hcl:"hidden,optional"`
	Default     cty.Value `hcl:"default,optional"`
}

type hclOutput struct {
	Name        string `hcl:"name,label"`
	Type        string `hcl:"type,optional"`
	Description string `hcl:"description,optional"`
}

type hclEdge struct {
	From      string `hcl:"from"`
	To        string `hcl:"to"`
	Condition string `hcl:"condition,optional"`
}

// LoadHCLFile parses an HCL graph definition from disk.
func LoadHCLFile(path string) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, ValidationError("failed to parse HCL file %s: %v", path, diags)
	}
	return decodeHCL(file, path)
}

// LoadHCL parses an HCL graph definition held in memory. filename is only
// used in diagnostics.
func LoadHCL(data []byte, filename string) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, ValidationError("failed to parse HCL %s: %v", filename, diags)
	}
	return decodeHCL(file, filename)
}

func decodeHCL(file *hcl.File, filename string) (*Graph, error) {
	var parsed hclGraphFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, ValidationError("failed to decode HCL %s: %v", filename, diags)
	}

	g := &Graph{Name: parsed.Name, Description: parsed.Description}
	for _, hn := range parsed.Nodes {
		node := &NodeSpec{ID: hn.ID, Type: hn.Type, Description: hn.Description}
		values, err := ctyToNative(hn.Values)
		if err != nil {
			return nil, ValidationError("node %q values: %v", hn.ID, err)
		}
		if values != nil {
			m, ok := values.(map[string]any)
			if !ok {
				return nil, ValidationError("node %q values must be an object", hn.ID)
			}
			node.Values = m
		}
		for _, hi := range hn.Inputs {
			t, err := marshal.ParseType(hi.Type)
			if err != nil {
				return nil, ValidationError("node %q input %q: %v", hn.ID, hi.Name, err)
			}
			def, err := ctyToNative(hi.Default)
			if err != nil {
				return nil, ValidationError("node %q input %q default: %v", hn.ID, hi.Name, err)
			}
			node.Inputs = append(node.Inputs, InputSpec{
				Name:        hi.Name,
				Type:        t,
				Description: hi.Description,
				Optional:    hi.Optional,
				Hidden:      hi.Hidden,
				Default:     def,
			})
		}
		for _, ho := range hn.Outputs {
			t, err := marshal.ParseType(ho.Type)
			if err != nil {
				return nil, ValidationError("node %q output %q: %v", hn.ID, ho.Name, err)
			}
			node.Outputs = append(node.Outputs, OutputSpec{Name: ho.Name, Type: t, Description: ho.Description})
		}
		g.Nodes = append(g.Nodes, node)
	}
	for _, he := range parsed.Edges {
		g.Edges = append(g.Edges, &Edge{From: he.From, To: he.To, Condition: he.Condition})
	}
	return normalized(g)
}

// ctyToNative converts a cty value to plain Go values. Whole numbers become
// int64, other numbers float64.
func ctyToNative(val cty.Value) (any, error) {
	if val.Type() == cty.NilType || !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == 0 {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			native, err := ctyToNative(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = native
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := []any{}
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			native, err := ctyToNative(v)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
}
