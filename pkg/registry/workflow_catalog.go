package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tcmartin/flowengine/pkg/loader"
	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/storage"
)

// Errors returned by the workflow catalog
var (
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrInvalidYAML           = errors.New("invalid YAML workflow definition")
	ErrWorkflowAlreadyExists = errors.New("workflow with this id already exists")
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// CatalogService implements the WorkflowCatalog interface
type CatalogService struct {
	store      storage.WorkflowStore
	yamlLoader loader.YAMLLoader
	logger     logging.Logger
}

// NewWorkflowCatalog creates a new workflow catalog
func NewWorkflowCatalog(store storage.WorkflowStore, options Options) *CatalogService {
	logger := options.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CatalogService{
		store:      store,
		yamlLoader: options.YAMLLoader,
		logger:     logger.WithFields(logging.F("component", "workflow_catalog")),
	}
}

func (c *CatalogService) parse(yamlContent string) (*models.Workflow, error) {
	wf, err := c.yamlLoader.Parse(yamlContent)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	return wf, nil
}

// Create stores a new workflow definition
func (c *CatalogService) Create(ctx context.Context, yamlContent string) (*models.Workflow, error) {
	wf, err := c.parse(yamlContent)
	if err != nil {
		return nil, err
	}

	if wf.ID == "" {
		wf.ID = newWorkflowID(wf.Name)
	} else if _, err := c.store.GetWorkflow(ctx, wf.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowAlreadyExists, wf.ID)
	} else if !errors.Is(err, storage.ErrWorkflowNotFound) {
		return nil, fmt.Errorf("failed to check workflow: %w", err)
	}

	if err := c.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	c.logger.Info("workflow created", logging.F("workflow_id", wf.ID), logging.F("version", wf.Version))
	return wf, nil
}

// Get retrieves a workflow by ID
func (c *CatalogService) Get(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := c.store.GetWorkflow(ctx, id)
	if errors.Is(err, storage.ErrWorkflowNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// GetYAML renders a stored workflow as definition YAML
func (c *CatalogService) GetYAML(ctx context.Context, id string) (string, error) {
	wf, err := c.Get(ctx, id)
	if err != nil {
		return "", err
	}
	out, err := loader.Marshal(wf)
	if err != nil {
		return "", fmt.Errorf("failed to render workflow: %w", err)
	}
	return string(out), nil
}

// List returns all workflows
func (c *CatalogService) List(ctx context.Context) ([]WorkflowInfo, error) {
	list, err := c.store.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	infos := make([]WorkflowInfo, len(list))
	for i, wf := range list {
		infos[i] = info(wf)
	}
	return infos, nil
}

// Update replaces an existing definition; the ID in the YAML, when present, must match
func (c *CatalogService) Update(ctx context.Context, id string, yamlContent string) (*models.Workflow, error) {
	existing, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	wf, err := c.parse(yamlContent)
	if err != nil {
		return nil, err
	}
	if wf.ID != "" && wf.ID != id {
		return nil, fmt.Errorf("%w: definition id '%s' does not match '%s'", ErrInvalidYAML, wf.ID, id)
	}
	wf.ID = id
	wf.Status = existing.Status
	wf.LastExecutionID = existing.LastExecutionID

	if err := c.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	c.logger.Info("workflow updated", logging.F("workflow_id", wf.ID), logging.F("version", wf.Version))
	return wf, nil
}

// Delete removes a workflow
func (c *CatalogService) Delete(ctx context.Context, id string) error {
	if _, err := c.Get(ctx, id); err != nil {
		return err
	}
	if err := c.store.DeleteWorkflow(ctx, id); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	c.logger.Info("workflow deleted", logging.F("workflow_id", id))
	return nil
}

// Search filters workflows on their metadata, ordered by name
func (c *CatalogService) Search(ctx context.Context, filters SearchFilters) ([]WorkflowInfo, error) {
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}

	var matched []WorkflowInfo
	for _, wf := range all {
		if matches(wf, filters) {
			matched = append(matched, wf)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	if filters.PageSize <= 0 {
		return matched, nil
	}
	page := filters.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * filters.PageSize
	if start >= len(matched) {
		return []WorkflowInfo{}, nil
	}
	end := start + filters.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func matches(wf WorkflowInfo, f SearchFilters) bool {
	if f.NameContains != "" && !strings.Contains(strings.ToLower(wf.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	if f.DescriptionContains != "" && !strings.Contains(strings.ToLower(wf.Description), strings.ToLower(f.DescriptionContains)) {
		return false
	}
	if f.Status != "" && wf.Status != f.Status {
		return false
	}
	if f.NodeType != "" {
		found := false
		for _, t := range wf.NodeTypes {
			if t == f.NodeType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && wf.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && wf.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func info(wf *models.Workflow) WorkflowInfo {
	return WorkflowInfo{
		ID:              wf.ID,
		Name:            wf.Name,
		Description:     wf.Description,
		Version:         wf.Version,
		Mode:            wf.Mode,
		Status:          wf.Status,
		LastExecutionID: wf.LastExecutionID,
		NodeCount:       len(wf.Nodes),
		NodeTypes:       nodeTypes(wf.Nodes),
		CreatedAt:       wf.CreatedAt,
		UpdatedAt:       wf.UpdatedAt,
	}
}

// nodeTypes lists the distinct node types used, loop bodies included, sorted
func nodeTypes(nodes []models.NodeConfig) []string {
	seen := make(map[string]bool)
	var walk func([]models.NodeConfig)
	walk = func(list []models.NodeConfig) {
		for _, n := range list {
			seen[n.Type] = true
			if n.Body != nil {
				walk(n.Body.Nodes)
			}
		}
	}
	walk(nodes)

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// newWorkflowID derives a readable unique id from the workflow name
func newWorkflowID(name string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	suffix := uuid.New().String()[:8]
	if slug == "" {
		return "workflow-" + suffix
	}
	return slug + "-" + suffix
}
