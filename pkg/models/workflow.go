// Package models holds the data types shared by the engine, its stores and its adapters.
package models

import "time"

// WorkflowStatus is the status of a workflow as last set by the orchestrator
type WorkflowStatus string

const (
	WorkflowStatusNA        WorkflowStatus = "na"
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusStopped   WorkflowStatus = "stopped"
	WorkflowStatusPaused    WorkflowStatus = "paused"
)

// PortType is the semantic type of a port
type PortType string

const (
	PortText       PortType = "text"
	PortStructured PortType = "structured"
	PortFile       PortType = "file"
	PortNumber     PortType = "number"
	PortBoolean    PortType = "boolean"
	PortAny        PortType = "any"
	PortSignal     PortType = "signal"
)

// Compatible reports whether a value produced on a port of type t may flow into a port of type target.
// Anything flows into "any"; "any" flows into everything except signals.
func (t PortType) Compatible(target PortType) bool {
	src, dst := t, target
	if src == "" {
		src = PortAny
	}
	if dst == "" {
		dst = PortAny
	}
	switch {
	case src == dst, dst == PortAny:
		return true
	case src == PortAny:
		return dst != PortSignal
	default:
		return false
	}
}

// Port is a named, typed slot on a node
type Port struct {
	// Name of the port
	Name string `json:"name" yaml:"name"`

	// Type of the port
	Type PortType `json:"type" yaml:"type"`

	// Required input ports must receive a value for the node to run
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// OptionalOnFailure lets the node run with this input absent when its producer failed
	OptionalOnFailure bool `json:"optional_on_failure,omitempty" yaml:"optional_on_failure,omitempty"`

	// Description of the port
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// IsSignal reports whether the port carries a control pulse rather than data
func (p Port) IsSignal() bool {
	return p.Type == PortSignal
}

// NodeConfig declares one node of a workflow
type NodeConfig struct {
	// ID is unique within the workflow
	ID string `json:"id" yaml:"id"`

	// Type is looked up in the node registry
	Type string `json:"type" yaml:"type"`

	// Name is an optional display name
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Inputs refine or extend the input ports declared by the node type
	Inputs []Port `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Outputs refine or extend the output ports declared by the node type
	Outputs []Port `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Config holds literals and template strings resolved at run time
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`

	// Body is the sub-graph owned by a loop node
	Body *SubGraph `json:"body,omitempty" yaml:"body,omitempty"`
}

// SubGraph is the body of a loop node
type SubGraph struct {
	Nodes       []NodeConfig `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections,omitempty" yaml:"connections,omitempty"`

	// Output names the designated "node.port" whose value is the pass result
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// Connection is a directed edge between two ports
type Connection struct {
	SourceNode string `json:"source_node" yaml:"source_node"`
	SourcePort string `json:"source_port" yaml:"source_port"`
	TargetNode string `json:"target_node" yaml:"target_node"`
	TargetPort string `json:"target_port" yaml:"target_port"`
}

// ExecutionConfig holds the configuration layers merged for each run
type ExecutionConfig struct {
	// Global defaults, overridden by everything else
	Global map[string]interface{} `json:"global,omitempty" yaml:"global,omitempty"`

	// Workflow level overrides
	Workflow map[string]interface{} `json:"workflow,omitempty" yaml:"workflow,omitempty"`

	// Nodes holds per-node overrides keyed by node id
	Nodes map[string]map[string]interface{} `json:"nodes,omitempty" yaml:"nodes,omitempty"`
}

// Workflow is a named graph of nodes and connections
type Workflow struct {
	// ID of the workflow
	ID string `json:"id" yaml:"id"`

	// Name of the workflow
	Name string `json:"name" yaml:"name"`

	// Description of the workflow
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Version is incremented each time the definition is saved
	Version int `json:"version" yaml:"version,omitempty"`

	// Nodes in insertion order
	Nodes []NodeConfig `json:"nodes" yaml:"nodes"`

	// Connections between node ports
	Connections []Connection `json:"connections" yaml:"connections"`

	// ExecutionConfig is the layered configuration
	ExecutionConfig ExecutionConfig `json:"execution_config" yaml:"execution_config,omitempty"`

	// Mode is the default execution mode
	Mode ExecutionMode `json:"execution_mode,omitempty" yaml:"execution_mode,omitempty"`

	// Status of the workflow
	Status WorkflowStatus `json:"status" yaml:"status,omitempty"`

	// LastExecutionID points at the most recent run
	LastExecutionID string `json:"last_execution_id,omitempty" yaml:"last_execution_id,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Node returns the node config with the given id
func (w *Workflow) Node(id string) (*NodeConfig, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}
