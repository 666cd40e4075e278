package flowctx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/utils"
)

// LoopScope is visible to nodes running inside a loop body
type LoopScope struct {
	// Index is the zero-based pass index
	Index int

	// Item is the current element when iterating over items
	Item interface{}

	// Input holds the loop node's own inputs
	Input map[string]interface{}

	// Previous is the designated output of the previous pass
	Previous interface{}
}

// BodyRunner runs one pass of a loop node's sub-graph
type BodyRunner interface {
	RunPass(ctx context.Context, pass Pass) (*PassResult, error)
}

// Pass describes one iteration requested by a loop node
type Pass struct {
	Index     int
	Item      interface{}
	Input     map[string]interface{}
	Previous  interface{}
	Label     string
	TimeScale float64

	// Origin anchors the virtual clock for the whole loop
	Origin time.Time
}

// PassResult is the outcome of one pass
type PassResult struct {
	// Number is the iteration number allocated for the pass
	Number int

	// Output is the designated output value, HasOutput false when it was not produced
	Output    interface{}
	HasOutput bool

	// Outputs holds every body node's outputs keyed by node id
	Outputs map[string]interface{}

	NodesExecuted int
	Status        models.ExecutionStatus
	Err           error
}

// Value reads a "node.port" reference from the pass outputs
func (r *PassResult) Value(ref string) (interface{}, bool) {
	nodeID, port, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, false
	}
	ports, ok := r.Outputs[nodeID].(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, ok := ports[port]
	return v, ok
}

// Artifact is a named result a node attaches to the execution
type Artifact struct {
	Name  string
	Value interface{}
}

// NodeSpec identifies one node invocation
type NodeSpec struct {
	NodeID   string
	Path     string
	Scope    string
	NodeType string
	Inputs   map[string]interface{}
	Config   map[string]interface{}
	Loop     *LoopScope
	Body     BodyRunner
	Logger   logging.Logger
}

// NodeContext is the view of the execution handed to Node.Execute
type NodeContext struct {
	// Exec is the owning execution
	Exec *ExecutionContext

	// NodeID is the id within the node's own graph
	NodeID string

	// Path is unique across nested loop bodies
	Path string

	NodeType string

	// Inputs holds the values delivered on input ports
	Inputs map[string]interface{}

	// Config is the node configuration with templates resolved
	Config map[string]interface{}

	// RawConfig is the configuration as declared, for values resolved later per pass
	RawConfig map[string]interface{}

	// Settings are the engine settings in effect for this node
	Settings Settings

	// Loop is set for nodes inside a loop body
	Loop *LoopScope

	// Body is set for loop nodes
	Body BodyRunner

	Logger logging.Logger

	mu        sync.Mutex
	artifacts []Artifact
}

// NewNodeContext resolves the node's configuration templates against the execution
func NewNodeContext(exec *ExecutionContext, spec NodeSpec) (*NodeContext, error) {
	logger := spec.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	inputs := spec.Inputs
	if inputs == nil {
		inputs = map[string]interface{}{}
	}

	nc := &NodeContext{
		Exec:      exec,
		NodeID:    spec.NodeID,
		Path:      spec.Path,
		NodeType:  spec.NodeType,
		Inputs:    inputs,
		RawConfig: spec.Config,
		Settings:  exec.NodeSettings(spec.NodeID),
		Loop:      spec.Loop,
		Body:      spec.Body,
		Logger:    logger,
	}

	resolved, err := utils.ResolveValue(spec.Config, nc.evaluationScope(spec.Scope))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config of node %s: %w", spec.NodeID, err)
	}
	if m, ok := resolved.(map[string]interface{}); ok {
		nc.Config = m
	} else {
		nc.Config = map[string]interface{}{}
	}
	return nc, nil
}

// evaluationScope builds the variables visible to config templates
func (nc *NodeContext) evaluationScope(scope string) map[string]interface{} {
	nodes := nc.Exec.Outputs("")
	if scope != "" {
		for id, v := range nc.Exec.Outputs(scope) {
			nodes[id] = v
		}
	}

	vars := map[string]interface{}{
		"input": nc.Inputs,
		"vars":  nc.Exec.Vars(),
		"nodes": nodes,
		"execution": map[string]interface{}{
			"id":          nc.Exec.ExecutionID(),
			"workflow_id": nc.Exec.WorkflowID(),
			"mode":        string(nc.Exec.Mode()),
			"source":      string(nc.Exec.Source()),
		},
	}
	if trigger := nc.Exec.Trigger(); trigger != nil {
		vars["trigger"] = trigger
	}
	if nc.Loop != nil {
		vars["loop"] = map[string]interface{}{
			"index":    nc.Loop.Index,
			"number":   nc.Loop.Index + 1,
			"item":     nc.Loop.Item,
			"input":    nc.Loop.Input,
			"previous": nc.Loop.Previous,
		}
	}
	return vars
}

// Input reads an input port value
func (nc *NodeContext) Input(name string) (interface{}, bool) {
	v, ok := nc.Inputs[name]
	return v, ok
}

// Value reads an input port and falls back to the same-named config entry
func (nc *NodeContext) Value(name string) (interface{}, bool) {
	if v, ok := nc.Inputs[name]; ok {
		return v, true
	}
	v, ok := nc.Config[name]
	return v, ok
}

// ConfigString reads a string config entry
func (nc *NodeContext) ConfigString(name, def string) string {
	v, ok := nc.Config[name]
	if !ok || v == nil {
		return def
	}
	return utils.ToString(v)
}

// ConfigInt reads an integer config entry
func (nc *NodeContext) ConfigInt(name string, def int) int {
	if v, ok := utils.ToInt(nc.Config[name]); ok {
		return v
	}
	return def
}

// ConfigBool reads a boolean config entry
func (nc *NodeContext) ConfigBool(name string, def bool) bool {
	if v, ok := utils.ToBool(nc.Config[name]); ok {
		return v
	}
	return def
}

// StateGet reads workflow state for the current workflow
func (nc *NodeContext) StateGet(ctx context.Context, key, namespace string, def interface{}) (models.StateEntry, error) {
	store := nc.Exec.State()
	if store == nil {
		return models.StateEntry{}, fmt.Errorf("no state store configured")
	}
	return store.Get(ctx, nc.Exec.WorkflowID(), key, namespace, def)
}

// StateSet writes workflow state for the current workflow
func (nc *NodeContext) StateSet(ctx context.Context, key, namespace string, value interface{}) (int64, error) {
	store := nc.Exec.State()
	if store == nil {
		return 0, fmt.Errorf("no state store configured")
	}
	return store.Set(ctx, nc.Exec.WorkflowID(), key, namespace, value)
}

// StateDelete removes workflow state for the current workflow
func (nc *NodeContext) StateDelete(ctx context.Context, key, namespace string) (bool, error) {
	store := nc.Exec.State()
	if store == nil {
		return false, fmt.Errorf("no state store configured")
	}
	return store.Delete(ctx, nc.Exec.WorkflowID(), key, namespace)
}

// AddArtifact attaches a named result to the execution
func (nc *NodeContext) AddArtifact(name string, value interface{}) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.artifacts = append(nc.artifacts, Artifact{Name: name, Value: value})
}

// Artifacts returns the artifacts attached so far
func (nc *NodeContext) Artifacts() []Artifact {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	out := make([]Artifact, len(nc.artifacts))
	copy(out, nc.artifacts)
	return out
}
