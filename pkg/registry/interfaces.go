// Package registry provides the workflow catalog: YAML definitions in, stored workflows out.
package registry

import (
	"context"
	"time"

	"github.com/tcmartin/flowengine/pkg/loader"
	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/models"
)

// WorkflowCatalog manages workflow definitions
type WorkflowCatalog interface {
	// Create validates and stores a new workflow definition
	Create(ctx context.Context, yamlContent string) (*models.Workflow, error)

	// Get retrieves a workflow by ID
	Get(ctx context.Context, id string) (*models.Workflow, error)

	// GetYAML renders a stored workflow back into definition YAML
	GetYAML(ctx context.Context, id string) (string, error)

	// List returns every workflow
	List(ctx context.Context) ([]WorkflowInfo, error)

	// Update replaces an existing definition and bumps its version
	Update(ctx context.Context, id string, yamlContent string) (*models.Workflow, error)

	// Delete removes a workflow
	Delete(ctx context.Context, id string) error

	// Search filters workflows on their metadata
	Search(ctx context.Context, filters SearchFilters) ([]WorkflowInfo, error)
}

// WorkflowInfo contains metadata about a workflow
type WorkflowInfo struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Description     string                `json:"description"`
	Version         int                   `json:"version"`
	Mode            models.ExecutionMode  `json:"execution_mode,omitempty"`
	Status          models.WorkflowStatus `json:"status"`
	LastExecutionID string                `json:"last_execution_id,omitempty"`
	NodeCount       int                   `json:"node_count"`
	NodeTypes       []string              `json:"node_types"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// SearchFilters defines the filters for searching workflows
type SearchFilters struct {
	// Search by name (partial match, case-insensitive)
	NameContains string `json:"name_contains,omitempty"`

	// Search by description (partial match, case-insensitive)
	DescriptionContains string `json:"description_contains,omitempty"`

	// Filter by status (exact match)
	Status models.WorkflowStatus `json:"status,omitempty"`

	// Filter by workflows using a node type
	NodeType string `json:"node_type,omitempty"`

	// Filter by creation date range
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`

	// Pagination parameters
	Page     int `json:"page,omitempty"`      // 1-based page number
	PageSize int `json:"page_size,omitempty"` // Number of items per page
}

// Options contains options for creating a workflow catalog
type Options struct {
	// YAMLLoader is used to parse and validate definitions
	YAMLLoader loader.YAMLLoader

	Logger logging.Logger
}
