// Package graph turns workflow definitions into validated execution graphs.
package graph

import (
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
)

// Lookup resolves node types; *plugins.Registry satisfies it
type Lookup interface {
	Lookup(nodeType string) (plugins.Registration, bool)
}

// Edge is one connection between two graph nodes
type Edge struct {
	// Index is the position of the connection in the definition
	Index int

	From     *Node
	FromPort string
	To       *Node
	ToPort   string

	// Signal is true when the source port is a signal port
	Signal bool
}

// Node is a graph vertex with its resolved ports and edges
type Node struct {
	ID           string
	Config       models.NodeConfig
	Registration plugins.Registration

	// Inputs and Outputs are the effective ports after merging definition and type
	Inputs  map[string]models.Port
	Outputs map[string]models.Port

	// InputOrder lists input port names in declaration order
	InputOrder []string

	// Index is the insertion position, Rank the position in dispatch order
	Index int
	Rank  int

	// In and Out are in connection order
	In  []*Edge
	Out []*Edge

	// Body is the validated sub-graph of a loop node
	Body *Graph
}

// IsTrigger reports whether the node is a graph root
func (n *Node) IsTrigger() bool {
	return n.Registration.Metadata.Has(plugins.CapTrigger)
}

// IsLoop reports whether the node owns a body
func (n *Node) IsLoop() bool {
	return n.Registration.Metadata.Has(plugins.CapLoop)
}

// Dependencies returns the distinct upstream node ids in connection order
func (n *Node) Dependencies() []string {
	seen := make(map[string]bool, len(n.In))
	var deps []string
	for _, e := range n.In {
		if !seen[e.From.ID] {
			seen[e.From.ID] = true
			deps = append(deps, e.From.ID)
		}
	}
	return deps
}

// EdgesInto returns the in-edges feeding one input port
func (n *Node) EdgesInto(port string) []*Edge {
	var out []*Edge
	for _, e := range n.In {
		if e.ToPort == port {
			out = append(out, e)
		}
	}
	return out
}

// EdgesFrom returns the out-edges leaving one output port
func (n *Node) EdgesFrom(port string) []*Edge {
	var out []*Edge
	for _, e := range n.Out {
		if e.FromPort == port {
			out = append(out, e)
		}
	}
	return out
}

// Graph is a validated execution graph
type Graph struct {
	// Nodes in insertion order
	Nodes []*Node

	// Order holds the nodes sorted by rank
	Order []*Node

	Edges []*Edge
	ByID  map[string]*Node

	// Roots are nodes without inbound connections
	Roots []*Node

	// Sinks are nodes without outbound connections
	Sinks []*Node

	// Output is the designated "node.port" of a loop body
	Output string
}

// Node returns the node with the given id
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.ByID[id]
	return n, ok
}
