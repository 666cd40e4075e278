// Package plugins defines the Node contract and the registry that maps node types to implementations.
package plugins

import (
	"context"
	"fmt"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/models"
)

// Node is the interface every executable node type implements
type Node interface {
	// InputPorts returns the static input port declarations
	InputPorts() []models.Port

	// OutputPorts returns the static output port declarations
	OutputPorts() []models.Port

	// ConfigSchema describes the accepted configuration fields
	ConfigSchema() []ConfigField

	// Execute runs the node and returns values keyed by output port.
	// A missing key means the port produced nothing.
	Execute(ctx context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error)
}

// Capability is a tag describing what a node type does
type Capability string

const (
	// CapTrigger marks root nodes that start a graph
	CapTrigger Capability = "is-trigger"

	// CapLLM marks nodes that call language models
	CapLLM Capability = "emits-llm-calls"

	// CapLoop marks nodes that own and iterate a body sub-graph
	CapLoop Capability = "loop"

	// CapDynamicPorts lets workflow definitions declare ports the type does not
	CapDynamicPorts Capability = "dynamic-ports"

	// CapState marks nodes that read or write workflow state
	CapState Capability = "uses-state"
)

// Metadata contains descriptive information about a node type
type Metadata struct {
	// Type is the registry key
	Type string `json:"type"`

	// DisplayName is shown in authoring tools
	DisplayName string `json:"display_name"`

	// Description of the node type
	Description string `json:"description"`

	// Category groups node types
	Category string `json:"category"`

	// Icon is an icon identifier
	Icon string `json:"icon,omitempty"`

	// Version of the implementation
	Version string `json:"version,omitempty"`

	// Capabilities are the tags of the node type
	Capabilities []Capability `json:"capabilities,omitempty"`

	// Source names the loader source that registered the type
	Source string `json:"source,omitempty"`
}

// Has reports whether the metadata carries the capability
func (m Metadata) Has(c Capability) bool {
	for _, tag := range m.Capabilities {
		if tag == c {
			return true
		}
	}
	return false
}

// ConfigField describes a configuration field of a node type
type ConfigField struct {
	// Name of the field
	Name string `json:"name"`

	// Type of the field
	Type string `json:"type"`

	// Description of the field
	Description string `json:"description,omitempty"`

	// Required indicates whether the field is required
	Required bool `json:"required"`

	// DefaultValue is the default value for the field
	DefaultValue interface{} `json:"default_value,omitempty"`
}

// Registration binds a node implementation to its metadata
type Registration struct {
	Node     Node
	Metadata Metadata
}

// NodeError is a domain error raised by a node, with optional structured detail
type NodeError struct {
	Message string
	Detail  map[string]interface{}
	Err     error
}

// NewNodeError creates a NodeError
func NewNodeError(message string, detail map[string]interface{}) *NodeError {
	return &NodeError{Message: message, Detail: detail}
}

// WrapNodeError wraps err with a message and detail
func WrapNodeError(err error, message string, detail map[string]interface{}) *NodeError {
	return &NodeError{Message: message, Detail: detail, Err: err}
}

func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *NodeError) Unwrap() error {
	return e.Err
}
