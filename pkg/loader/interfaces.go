// Package loader parses YAML workflow definitions.
package loader

import (
	"github.com/tcmartin/flowengine/pkg/models"
)

// YAMLLoader parses YAML workflow definitions into workflows ready for the orchestrator.
type YAMLLoader interface {
	// Parse converts a YAML string into a validated workflow
	Parse(yamlContent string) (*models.Workflow, error)

	// Validate checks the YAML and the graph it describes
	Validate(yamlContent string) error
}

// FlowDefinition represents a parsed workflow definition from YAML
type FlowDefinition struct {
	// Metadata about the workflow
	Metadata FlowMetadata `yaml:"metadata" json:"metadata"`

	// Mode is the default execution mode, oneshot or persistent
	Mode models.ExecutionMode `yaml:"execution_mode,omitempty" json:"execution_mode,omitempty"`

	// ExecutionConfig holds the global, workflow and per-node configuration layers
	ExecutionConfig models.ExecutionConfig `yaml:"execution_config,omitempty" json:"execution_config,omitempty"`

	// Nodes in insertion order
	Nodes []NodeDefinition `yaml:"nodes" json:"nodes"`

	// Connections between node ports
	Connections []ConnectionDefinition `yaml:"connections,omitempty" json:"connections,omitempty"`
}

// FlowMetadata contains information about the workflow
type FlowMetadata struct {
	// ID is optional; the catalog assigns one when empty
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Name of the workflow
	Name string `yaml:"name" json:"name"`

	// Description of the workflow
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version of the definition, informational only
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
}

// NodeDefinition declares one node
type NodeDefinition struct {
	ID      string                 `yaml:"id" json:"id"`
	Type    string                 `yaml:"type" json:"type"`
	Name    string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Inputs  []models.Port          `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs []models.Port          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Config  map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`

	// Body is the sub-graph of a loop node
	Body *BodyDefinition `yaml:"body,omitempty" json:"body,omitempty"`
}

// BodyDefinition is the sub-graph of a loop node
type BodyDefinition struct {
	Nodes       []NodeDefinition       `yaml:"nodes" json:"nodes"`
	Connections []ConnectionDefinition `yaml:"connections,omitempty" json:"connections,omitempty"`

	// Output is the designated "node.port" of each pass
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// ConnectionDefinition links two ports, either as "node.port" shorthands or spelled out
type ConnectionDefinition struct {
	From string `yaml:"from,omitempty" json:"from,omitempty"`
	To   string `yaml:"to,omitempty" json:"to,omitempty"`

	SourceNode string `yaml:"source_node,omitempty" json:"source_node,omitempty"`
	SourcePort string `yaml:"source_port,omitempty" json:"source_port,omitempty"`
	TargetNode string `yaml:"target_node,omitempty" json:"target_node,omitempty"`
	TargetPort string `yaml:"target_port,omitempty" json:"target_port,omitempty"`
}
