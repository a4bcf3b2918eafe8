package nodeflow

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/deepnoodle-ai/nodeflow/script"
)

// Plan is a validated graph and its execution order. It is immutable.
type Plan struct {
	graph      *Graph
	order      []string
	index      map[string]int
	nodes      map[string]*NodeSpec
	incoming   map[string][]*Edge
	outgoing   map[string][]*Edge
	conditions map[*Edge]script.Script
}

// CompileOptions configures CompileWithOptions.
type CompileOptions struct {
	// Conditions compiles edge conditions at compile time so syntax errors
	// are reported as validation errors. When nil, conditions are compiled
	// by the executor when the run starts.
	Conditions script.Compiler
}

// Compile validates g and computes a deterministic topological order. Ties
// between ready nodes are broken by declaration order. g is not modified.
func Compile(g *Graph) (*Plan, error) {
	return CompileWithOptions(g, CompileOptions{})
}

// CompileWithOptions is Compile with options.
func CompileWithOptions(g *Graph, opts CompileOptions) (*Plan, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, ValidationError("graph has no nodes")
	}
	if slices.Contains(g.Nodes, nil) {
		return nil, ValidationError("graph contains a nil node")
	}
	if slices.Contains(g.Edges, nil) {
		return nil, ValidationError("graph contains a nil edge")
	}
	g = g.Clone()

	p := &Plan{
		graph:      g,
		index:      make(map[string]int, len(g.Nodes)),
		nodes:      make(map[string]*NodeSpec, len(g.Nodes)),
		incoming:   map[string][]*Edge{},
		outgoing:   map[string][]*Edge{},
		conditions: map[*Edge]script.Script{},
	}
	for i, n := range g.Nodes {
		if err := validateNode(n); err != nil {
			return nil, err
		}
		if _, exists := p.index[n.ID]; exists {
			return nil, ValidationError("duplicate node id %q", n.ID)
		}
		p.index[n.ID] = i
		p.nodes[n.ID] = n
	}

	seen := map[string]bool{}
	for _, e := range g.Edges {
		if err := e.Normalize(); err != nil {
			return nil, err
		}
		if err := p.validateEdge(e); err != nil {
			return nil, err
		}
		key := e.String()
		if seen[key] {
			return nil, ValidationError("duplicate edge %s", key)
		}
		seen[key] = true
		p.outgoing[e.Source] = append(p.outgoing[e.Source], e)
		p.incoming[e.Target] = append(p.incoming[e.Target], e)

		if e.Condition != "" && opts.Conditions != nil {
			compiled, err := opts.Conditions.Compile(context.Background(), e.Condition)
			if err != nil {
				return nil, ValidationError("edge %s: invalid condition %q: %v", key, e.Condition, err)
			}
			p.conditions[e] = compiled
		}
	}

	order, err := p.topologicalOrder()
	if err != nil {
		return nil, err
	}
	p.order = order
	return p, nil
}

func validateNode(n *NodeSpec) error {
	if n.ID == "" {
		return ValidationError("node id is empty")
	}
	if n.Type == "" {
		return &Error{Type: ErrorTypeValidation, NodeID: n.ID, Cause: "node type is empty"}
	}
	inputs := map[string]bool{}
	for _, in := range n.Inputs {
		if in.Name == "" {
			return &Error{Type: ErrorTypeValidation, NodeID: n.ID, Cause: "input name is empty"}
		}
		if inputs[in.Name] {
			return &Error{Type: ErrorTypeValidation, NodeID: n.ID, Cause: fmt.Sprintf("duplicate input %q", in.Name)}
		}
		if !in.Type.Valid() {
			return &Error{Type: ErrorTypeValidation, NodeID: n.ID, Cause: fmt.Sprintf("input %q has unknown type %q", in.Name, in.Type)}
		}
		inputs[in.Name] = true
	}
	outputs := map[string]bool{}
	for _, out := range n.Outputs {
		if out.Name == "" {
			return &Error{Type: ErrorTypeValidation, NodeID: n.ID, Cause: "output name is empty"}
		}
		if outputs[out.Name] {
			return &Error{Type: ErrorTypeValidation, NodeID: n.ID, Cause: fmt.Sprintf("duplicate output %q", out.Name)}
		}
		if !out.Type.Valid() {
			return &Error{Type: ErrorTypeValidation, NodeID: n.ID, Cause: fmt.Sprintf("output %q has unknown type %q", out.Name, out.Type)}
		}
		outputs[out.Name] = true
	}
	return nil
}

func (p *Plan) validateEdge(e *Edge) error {
	source, ok := p.nodes[e.Source]
	if !ok {
		return ValidationError("edge %s: unknown source node %q", e, e.Source)
	}
	target, ok := p.nodes[e.Target]
	if !ok {
		return ValidationError("edge %s: unknown target node %q", e, e.Target)
	}
	if _, ok := source.Output(e.Output); !ok {
		return ValidationError("edge %s: node %q has no output %q", e, e.Source, e.Output)
	}
	if _, ok := target.Input(e.Input); !ok {
		return ValidationError("edge %s: node %q has no input %q", e, e.Target, e.Input)
	}
	return nil
}

// topologicalOrder runs Kahn's algorithm. The ready set is kept sorted by
// declaration index.
func (p *Plan) topologicalOrder() ([]string, error) {
	nodes := p.graph.Nodes
	inDegree := make([]int, len(nodes))
	for _, e := range p.graph.Edges {
		inDegree[p.index[e.Target]]++
	}

	var ready []int
	for i := range nodes {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		id := nodes[i].ID
		order = append(order, id)
		for _, e := range p.outgoing[id] {
			j := p.index[e.Target]
			inDegree[j]--
			if inDegree[j] == 0 {
				pos, _ := slices.BinarySearch(ready, j)
				ready = slices.Insert(ready, pos, j)
			}
		}
	}

	if len(order) < len(nodes) {
		return nil, &CycleError{Nodes: p.findCycle(inDegree)}
	}
	return order, nil
}

// findCycle walks the nodes Kahn's algorithm could not order and returns the
// first cycle met, in edge order.
func (p *Plan) findCycle(inDegree []int) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make([]int, len(p.graph.Nodes))
	var stack []string
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		id := p.graph.Nodes[i].ID
		state[i] = onStack
		stack = append(stack, id)
		for _, e := range p.outgoing[id] {
			j := p.index[e.Target]
			if inDegree[j] == 0 {
				continue
			}
			switch state[j] {
			case onStack:
				start := slices.Index(stack, e.Target)
				cycle = append([]string(nil), stack[start:]...)
				return true
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = done
		return false
	}

	for i := range p.graph.Nodes {
		if inDegree[i] > 0 && state[i] == unvisited && visit(i) {
			return cycle
		}
	}
	return nil
}

// Order returns the node ids in execution order.
func (p *Plan) Order() []string {
	return slices.Clone(p.order)
}

// Graph returns a copy of the compiled graph.
func (p *Plan) Graph() *Graph {
	return p.graph.Clone()
}

// Name returns the graph name.
func (p *Plan) Name() string {
	return p.graph.Name
}

// Node returns the spec of a node.
func (p *Plan) Node(id string) (*NodeSpec, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Incoming returns a copy of the edges targeting a node in declaration order.
func (p *Plan) Incoming(id string) []*Edge {
	return slices.Clone(p.incoming[id])
}

// Outgoing returns a copy of the edges leaving a node in declaration order.
func (p *Plan) Outgoing(id string) []*Edge {
	return slices.Clone(p.outgoing[id])
}

// Index returns the declaration index of a node, or -1.
func (p *Plan) Index(id string) int {
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

// Condition returns the compiled condition of an edge, if it was compiled
// with the plan.
func (p *Plan) Condition(e *Edge) (script.Script, bool) {
	s, ok := p.conditions[e]
	return s, ok
}

// String lists the plan one node per line with its incoming edges.
func (p *Plan) String() string {
	var sb strings.Builder
	name := p.graph.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(&sb, "plan %s: %d nodes, %d edges\n", name, len(p.order), len(p.graph.Edges))
	for i, id := range p.order {
		node := p.nodes[id]
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, id, node.Type)
		for _, e := range p.incoming[id] {
			fmt.Fprintf(&sb, "   <- %s.%s as %s", e.Source, e.Output, e.Input)
			if e.Condition != "" {
				fmt.Fprintf(&sb, " when %s", e.Condition)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
