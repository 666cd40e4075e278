package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
)

// ErrInvalidGraph is matched by every ValidationError
var ErrInvalidGraph = errors.New("invalid workflow graph")

// Validation stages, run in order; the first stage with errors stops validation
const (
	StageIDs         = "ids"
	StageTypes       = "types"
	StageConnections = "connections"
	StagePorts       = "ports"
	StageCycles      = "cycles"
	StageBodies      = "bodies"
	StageRoots       = "roots"
)

// ValidationError carries every error found by the failing stage
type ValidationError struct {
	Stage  string
	Errors []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%s (%s): %s", ErrInvalidGraph, e.Stage, strings.Join(msgs, "; "))
}

// Unwrap exposes ErrInvalidGraph and the individual errors to errors.Is
func (e *ValidationError) Unwrap() []error {
	return append([]error{ErrInvalidGraph}, e.Errors...)
}

// Build validates a workflow and returns its execution graph
func Build(wf *models.Workflow, lookup Lookup) (*Graph, error) {
	return build(wf.Nodes, wf.Connections, lookup, "", false)
}

// Validate returns the errors of the first failing stage, or nil for a valid workflow
func Validate(wf *models.Workflow, lookup Lookup) []error {
	_, err := Build(wf, lookup)
	if err == nil {
		return nil
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Errors
	}
	return []error{err}
}

type builder struct {
	lookup Lookup
	body   bool
	output string
	graph  *Graph
	errs   []error
}

func (b *builder) fail(format string, args ...interface{}) {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
}

func (b *builder) stage(name string) error {
	if len(b.errs) == 0 {
		return nil
	}
	return &ValidationError{Stage: name, Errors: b.errs}
}

func build(nodes []models.NodeConfig, conns []models.Connection, lookup Lookup, output string, body bool) (*Graph, error) {
	b := &builder{
		lookup: lookup,
		body:   body,
		output: output,
		graph: &Graph{
			ByID:   make(map[string]*Node, len(nodes)),
			Output: output,
		},
	}

	b.checkIDs(nodes)
	if err := b.stage(StageIDs); err != nil {
		return nil, err
	}

	b.resolveTypes(nodes)
	if err := b.stage(StageTypes); err != nil {
		return nil, err
	}

	b.checkConnections(conns)
	if err := b.stage(StageConnections); err != nil {
		return nil, err
	}

	b.linkPorts(conns)
	if err := b.stage(StagePorts); err != nil {
		return nil, err
	}

	b.rank()
	if err := b.stage(StageCycles); err != nil {
		return nil, err
	}

	b.buildBodies()
	if err := b.stage(StageBodies); err != nil {
		return nil, err
	}

	b.checkRoots()
	if err := b.stage(StageRoots); err != nil {
		return nil, err
	}

	return b.graph, nil
}

func (b *builder) checkIDs(nodes []models.NodeConfig) {
	seen := make(map[string]bool, len(nodes))
	for i, cfg := range nodes {
		switch {
		case cfg.ID == "":
			b.fail("node at position %d has no id", i)
		case strings.ContainsAny(cfg.ID, "/."):
			b.fail("node id '%s' must not contain '/' or '.'", cfg.ID)
		case seen[cfg.ID]:
			b.fail("duplicate node id '%s'", cfg.ID)
		}
		seen[cfg.ID] = true
	}
}

func (b *builder) resolveTypes(nodes []models.NodeConfig) {
	for i, cfg := range nodes {
		reg, ok := b.lookup.Lookup(cfg.Type)
		if !ok {
			b.fail("node '%s': %w '%s'", cfg.ID, plugins.ErrUnknownNodeType, cfg.Type)
			continue
		}

		node := &Node{
			ID:           cfg.ID,
			Config:       cfg,
			Registration: reg,
			Index:        i,
		}

		switch {
		case node.IsLoop() && (cfg.Body == nil || len(cfg.Body.Nodes) == 0):
			b.fail("loop node '%s' has no body", cfg.ID)
		case !node.IsLoop() && cfg.Body != nil:
			b.fail("node '%s' of type '%s' cannot own a body", cfg.ID, cfg.Type)
		case b.body && node.IsTrigger():
			b.fail("trigger node '%s' is not allowed inside a loop body", cfg.ID)
		}

		dynamic := reg.Metadata.Has(plugins.CapDynamicPorts)
		node.Inputs, node.InputOrder = b.mergePorts(cfg.ID, "input", reg.Node.InputPorts(), cfg.Inputs, dynamic)
		node.Outputs, _ = b.mergePorts(cfg.ID, "output", reg.Node.OutputPorts(), cfg.Outputs, dynamic)

		b.graph.Nodes = append(b.graph.Nodes, node)
		b.graph.ByID[cfg.ID] = node
	}
}

// mergePorts overlays definition ports on the type's static ports
func (b *builder) mergePorts(nodeID, kind string, static, declared []models.Port, dynamic bool) (map[string]models.Port, []string) {
	ports := make(map[string]models.Port, len(static)+len(declared))
	var order []string
	for _, p := range static {
		ports[p.Name] = p
		order = append(order, p.Name)
	}
	for _, p := range declared {
		base, exists := ports[p.Name]
		if !exists && !dynamic {
			b.fail("node '%s' declares %s port '%s' not provided by its type", nodeID, kind, p.Name)
			continue
		}
		if p.Type == "" {
			p.Type = base.Type
		}
		if exists && base.Type != models.PortAny && p.Type != base.Type {
			b.fail("node '%s' redeclares %s port '%s' as %s, type declares %s", nodeID, kind, p.Name, p.Type, base.Type)
			continue
		}
		if !exists {
			order = append(order, p.Name)
		}
		ports[p.Name] = p
	}
	return ports, order
}

func (b *builder) checkConnections(conns []models.Connection) {
	for i, c := range conns {
		if _, ok := b.graph.ByID[c.SourceNode]; !ok {
			b.fail("connection %d references unknown source node '%s'", i, c.SourceNode)
		}
		if _, ok := b.graph.ByID[c.TargetNode]; !ok {
			b.fail("connection %d references unknown target node '%s'", i, c.TargetNode)
		}
	}
}

func (b *builder) linkPorts(conns []models.Connection) {
	for i, c := range conns {
		from := b.graph.ByID[c.SourceNode]
		to := b.graph.ByID[c.TargetNode]

		src, ok := from.Outputs[c.SourcePort]
		if !ok {
			b.fail("connection %d: node '%s' has no output port '%s'", i, from.ID, c.SourcePort)
			continue
		}
		dst, ok := to.Inputs[c.TargetPort]
		if !ok {
			b.fail("connection %d: node '%s' has no input port '%s'", i, to.ID, c.TargetPort)
			continue
		}
		if !src.Type.Compatible(dst.Type) {
			b.fail("connection %d: port type mismatch %s.%s (%s) -> %s.%s (%s)",
				i, from.ID, c.SourcePort, src.Type, to.ID, c.TargetPort, dst.Type)
			continue
		}
		if from == to {
			b.fail("connection %d: node '%s' is connected to itself", i, from.ID)
			continue
		}
		if to.IsTrigger() {
			b.fail("connection %d: trigger node '%s' cannot have inbound connections", i, to.ID)
			continue
		}

		edge := &Edge{
			Index:    i,
			From:     from,
			FromPort: c.SourcePort,
			To:       to,
			ToPort:   c.TargetPort,
			Signal:   src.IsSignal(),
		}
		from.Out = append(from.Out, edge)
		to.In = append(to.In, edge)
		b.graph.Edges = append(b.graph.Edges, edge)
	}

	// a required input must be wired or supplied by configuration
	for _, node := range b.graph.Nodes {
		for _, name := range node.InputOrder {
			port := node.Inputs[name]
			if !port.Required || len(node.EdgesInto(name)) > 0 {
				continue
			}
			if _, ok := node.Config.Config[name]; ok {
				continue
			}
			b.fail("node '%s': required input port '%s' is not connected", node.ID, name)
		}
	}
}

// rank orders nodes with Kahn's algorithm, breaking ties by insertion order
func (b *builder) rank() {
	indegree := make(map[*Node]int, len(b.graph.Nodes))
	for _, n := range b.graph.Nodes {
		indegree[n] = len(n.Dependencies())
	}

	var ready []*Node
	for _, n := range b.graph.Nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]*Node, 0, len(b.graph.Nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Index < ready[j].Index })
		n := ready[0]
		ready = ready[1:]

		n.Rank = len(order)
		order = append(order, n)

		seen := make(map[*Node]bool)
		for _, e := range n.Out {
			if seen[e.To] {
				continue
			}
			seen[e.To] = true
			indegree[e.To]--
			if indegree[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}

	if len(order) != len(b.graph.Nodes) {
		var cyclic []string
		for _, n := range b.graph.Nodes {
			if indegree[n] > 0 {
				cyclic = append(cyclic, n.ID)
			}
		}
		b.fail("cycle detected among nodes %s; use a loop node for repetition", strings.Join(cyclic, ", "))
		return
	}
	b.graph.Order = order
}

func (b *builder) buildBodies() {
	for _, n := range b.graph.Nodes {
		if n.Config.Body == nil {
			continue
		}
		body, err := build(n.Config.Body.Nodes, n.Config.Body.Connections, b.lookup, n.Config.Body.Output, true)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				for _, e := range verr.Errors {
					b.fail("loop node '%s' body: %w", n.ID, e)
				}
				continue
			}
			b.fail("loop node '%s' body: %w", n.ID, err)
			continue
		}
		n.Body = body
	}
}

func (b *builder) checkRoots() {
	for _, n := range b.graph.Order {
		if len(n.In) == 0 {
			b.graph.Roots = append(b.graph.Roots, n)
		}
		if len(n.Out) == 0 {
			b.graph.Sinks = append(b.graph.Sinks, n)
		}
	}

	if b.body {
		if len(b.graph.Nodes) == 0 {
			b.fail("body has no nodes")
		}
		if b.output != "" {
			nodeID, port, ok := strings.Cut(b.output, ".")
			n, exists := b.graph.ByID[nodeID]
			switch {
			case !ok:
				b.fail("body output '%s' must have the form node.port", b.output)
			case !exists:
				b.fail("body output references unknown node '%s'", nodeID)
			default:
				if _, ok := n.Outputs[port]; !ok {
					b.fail("body output references unknown port '%s' on node '%s'", port, nodeID)
				}
			}
		}
		return
	}

	for _, n := range b.graph.Roots {
		if n.IsTrigger() {
			return
		}
	}
	b.fail("workflow has no trigger node to start from")
}
