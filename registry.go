package nodeflow

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Registry maps node type tags to their implementations. Lookups happen
// once per node when a run starts.
type Registry struct {
	mutex  sync.RWMutex
	nodes  map[string]Node
	logger *slog.Logger
}

// NewRegistry returns a registry holding the given nodes. It panics on a
// duplicate type, like MustRegister.
func NewRegistry(nodes ...Node) *Registry {
	r := &Registry{nodes: map[string]Node{}, logger: NewDiscardLogger()}
	for _, node := range nodes {
		r.MustRegister(node)
	}
	return r
}

// SetLogger sets the logger used to report registrations.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.logger = orDiscard(logger).With("component", "registry")
}

// Register adds a node implementation under its descriptor type.
func (r *Registry) Register(node Node) error {
	if node == nil {
		return fmt.Errorf("node is nil")
	}
	desc := node.Descriptor()
	if desc.Type == "" {
		return fmt.Errorf("node type is empty")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.nodes[desc.Type]; exists {
		return fmt.Errorf("node type %q is already registered", desc.Type)
	}
	r.nodes[desc.Type] = node
	r.logger.Debug("registered node type",
		"node_type", desc.Type,
		"inputs", len(desc.Inputs),
		"outputs", len(desc.Outputs),
		"long_running", desc.LongRunning)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(node Node) {
	if err := r.Register(node); err != nil {
		panic(err)
	}
}

// Get returns the implementation for a node type.
func (r *Registry) Get(nodeType string) (Node, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	node, ok := r.nodes[nodeType]
	return node, ok
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	types := make([]string, 0, len(r.nodes))
	for t := range r.nodes {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Descriptors returns the descriptors of all registered types, sorted by type.
func (r *Registry) Descriptors() []Descriptor {
	types := r.Types()
	descs := make([]Descriptor, 0, len(types))
	for _, t := range types {
		if node, ok := r.Get(t); ok {
			descs = append(descs, node.Descriptor())
		}
	}
	return descs
}
