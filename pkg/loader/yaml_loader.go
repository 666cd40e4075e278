package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tcmartin/flowengine/pkg/graph"
	"github.com/tcmartin/flowengine/pkg/models"
)

// ErrInvalidDefinition is matched by every error about the shape of a definition
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// DefaultYAMLLoader implements the YAMLLoader interface
type DefaultYAMLLoader struct {
	nodes graph.Lookup
}

// NewYAMLLoader creates a new YAML loader resolving node types through nodes
func NewYAMLLoader(nodes graph.Lookup) YAMLLoader {
	return &DefaultYAMLLoader{nodes: nodes}
}

// Parse converts a YAML string into a validated workflow
func (l *DefaultYAMLLoader) Parse(yamlContent string) (*models.Workflow, error) {
	def, err := Decode([]byte(yamlContent))
	if err != nil {
		return nil, err
	}
	wf, err := def.Workflow()
	if err != nil {
		return nil, err
	}
	if _, err := graph.Build(wf, l.nodes); err != nil {
		return nil, err
	}
	return wf, nil
}

// Validate checks if a YAML string describes a valid workflow
func (l *DefaultYAMLLoader) Validate(yamlContent string) error {
	_, err := l.Parse(yamlContent)
	return err
}

// Decode reads a definition, rejecting unknown fields
func Decode(content []byte) (*FlowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var def FlowDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	if def.Metadata.Name == "" {
		return nil, fmt.Errorf("%w: workflow name is required", ErrInvalidDefinition)
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("%w: workflow must have at least one node", ErrInvalidDefinition)
	}
	switch def.Mode {
	case "", models.ModeOneshot, models.ModePersistent:
	default:
		return nil, fmt.Errorf("%w: unknown execution mode '%s'", ErrInvalidDefinition, def.Mode)
	}
	return &def, nil
}

// Workflow converts the definition into the engine's model
func (d *FlowDefinition) Workflow() (*models.Workflow, error) {
	nodes, err := convertNodes(d.Nodes)
	if err != nil {
		return nil, err
	}
	conns, err := convertConnections(d.Connections)
	if err != nil {
		return nil, err
	}

	return &models.Workflow{
		ID:              d.Metadata.ID,
		Name:            d.Metadata.Name,
		Description:     d.Metadata.Description,
		Nodes:           nodes,
		Connections:     conns,
		ExecutionConfig: d.ExecutionConfig,
		Mode:            d.Mode,
	}, nil
}

func convertNodes(defs []NodeDefinition) ([]models.NodeConfig, error) {
	out := make([]models.NodeConfig, 0, len(defs))
	for _, nd := range defs {
		cfg := models.NodeConfig{
			ID:      nd.ID,
			Type:    nd.Type,
			Name:    nd.Name,
			Inputs:  nd.Inputs,
			Outputs: nd.Outputs,
			Config:  nd.Config,
		}
		if nd.Body != nil {
			bodyNodes, err := convertNodes(nd.Body.Nodes)
			if err != nil {
				return nil, fmt.Errorf("node '%s' body: %w", nd.ID, err)
			}
			bodyConns, err := convertConnections(nd.Body.Connections)
			if err != nil {
				return nil, fmt.Errorf("node '%s' body: %w", nd.ID, err)
			}
			cfg.Body = &models.SubGraph{
				Nodes:       bodyNodes,
				Connections: bodyConns,
				Output:      nd.Body.Output,
			}
		}
		out = append(out, cfg)
	}
	return out, nil
}

func convertConnections(defs []ConnectionDefinition) ([]models.Connection, error) {
	out := make([]models.Connection, 0, len(defs))
	for i, cd := range defs {
		c := models.Connection{
			SourceNode: cd.SourceNode,
			SourcePort: cd.SourcePort,
			TargetNode: cd.TargetNode,
			TargetPort: cd.TargetPort,
		}
		if cd.From != "" {
			node, port, ok := strings.Cut(cd.From, ".")
			if !ok {
				return nil, fmt.Errorf("%w: connection %d: 'from' must have the form node.port", ErrInvalidDefinition, i)
			}
			c.SourceNode, c.SourcePort = node, port
		}
		if cd.To != "" {
			node, port, ok := strings.Cut(cd.To, ".")
			if !ok {
				return nil, fmt.Errorf("%w: connection %d: 'to' must have the form node.port", ErrInvalidDefinition, i)
			}
			c.TargetNode, c.TargetPort = node, port
		}
		if c.SourceNode == "" || c.SourcePort == "" || c.TargetNode == "" || c.TargetPort == "" {
			return nil, fmt.Errorf("%w: connection %d is incomplete", ErrInvalidDefinition, i)
		}
		out = append(out, c)
	}
	return out, nil
}

// Marshal renders a workflow back into definition YAML
func Marshal(wf *models.Workflow) ([]byte, error) {
	def := FlowDefinition{
		Metadata: FlowMetadata{
			ID:          wf.ID,
			Name:        wf.Name,
			Description: wf.Description,
		},
		Mode:            wf.Mode,
		ExecutionConfig: wf.ExecutionConfig,
		Nodes:           nodeDefinitions(wf.Nodes),
		Connections:     connectionDefinitions(wf.Connections),
	}
	return yaml.Marshal(&def)
}

func nodeDefinitions(nodes []models.NodeConfig) []NodeDefinition {
	out := make([]NodeDefinition, 0, len(nodes))
	for _, n := range nodes {
		nd := NodeDefinition{
			ID:      n.ID,
			Type:    n.Type,
			Name:    n.Name,
			Inputs:  n.Inputs,
			Outputs: n.Outputs,
			Config:  n.Config,
		}
		if n.Body != nil {
			nd.Body = &BodyDefinition{
				Nodes:       nodeDefinitions(n.Body.Nodes),
				Connections: connectionDefinitions(n.Body.Connections),
				Output:      n.Body.Output,
			}
		}
		out = append(out, nd)
	}
	return out
}

func connectionDefinitions(conns []models.Connection) []ConnectionDefinition {
	out := make([]ConnectionDefinition, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionDefinition{
			From: c.SourceNode + "." + c.SourcePort,
			To:   c.TargetNode + "." + c.TargetPort,
		})
	}
	return out
}
