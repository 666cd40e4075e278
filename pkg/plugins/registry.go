package plugins

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrUnknownNodeType is returned when a node type is not registered
var ErrUnknownNodeType = errors.New("unknown node type")

type entries map[string]Registration

// Registry maps node-type strings to implementations.
// Readers load an immutable map; writers build a new map and swap it in.
type Registry struct {
	current atomic.Pointer[entries]
	mu      sync.Mutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	r := &Registry{}
	empty := entries{}
	r.current.Store(&empty)
	return r
}

// Register adds a node type, replacing any previous entry with the same type
func (r *Registry) Register(nodeType string, node Node, meta Metadata) error {
	if nodeType == "" {
		return fmt.Errorf("node type must not be empty")
	}
	if node == nil {
		return fmt.Errorf("node type '%s' has no implementation", nodeType)
	}
	meta.Type = nodeType

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.clone()
	next[nodeType] = Registration{Node: node, Metadata: meta}
	r.current.Store(&next)
	return nil
}

// Unregister removes a node type and reports whether it existed
func (r *Registry) Unregister(nodeType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.clone()
	if _, ok := next[nodeType]; !ok {
		return false
	}
	delete(next, nodeType)
	r.current.Store(&next)
	return true
}

// Reload replaces every entry registered by source with regs in a single swap
func (r *Registry) Reload(source string, regs []Registration) error {
	for _, reg := range regs {
		if reg.Metadata.Type == "" || reg.Node == nil {
			return fmt.Errorf("source '%s' produced an incomplete registration", source)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.clone()
	for nodeType, reg := range next {
		if reg.Metadata.Source == source {
			delete(next, nodeType)
		}
	}
	for _, reg := range regs {
		reg.Metadata.Source = source
		next[reg.Metadata.Type] = reg
	}
	r.current.Store(&next)
	return nil
}

// Lookup retrieves a node type
func (r *Registry) Lookup(nodeType string) (Registration, bool) {
	reg, ok := (*r.current.Load())[nodeType]
	return reg, ok
}

// Get is Lookup with an error for unknown types
func (r *Registry) Get(nodeType string) (Registration, error) {
	reg, ok := r.Lookup(nodeType)
	if !ok {
		return Registration{}, fmt.Errorf("%w: '%s'", ErrUnknownNodeType, nodeType)
	}
	return reg, nil
}

// List returns the metadata of all registered node types sorted by type
func (r *Registry) List() []Metadata {
	current := *r.current.Load()
	out := make([]Metadata, 0, len(current))
	for _, reg := range current {
		out = append(out, reg.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func (r *Registry) clone() entries {
	current := *r.current.Load()
	next := make(entries, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	return next
}
