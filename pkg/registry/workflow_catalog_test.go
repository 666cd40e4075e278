package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowengine/pkg/loader"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/nodes"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/storage"
)

const greetingYAML = `
metadata:
  name: Greeting Flow
  description: Says hello
nodes:
  - id: start
    type: manual_trigger
  - id: greet
    type: set_variable
    config:
      name: greeting
      value: hello
connections:
  - from: start.output
    to: greet.value
`

const scheduledYAML = `
metadata:
  id: nightly
  name: Nightly Counter
  description: Runs every night
nodes:
  - id: cron
    type: schedule_trigger
    config:
      cron: "0 0 2 * * *"
  - id: days
    type: loop
    config:
      iterations: 2
    body:
      nodes:
        - id: inc
          type: increment
connections:
  - from: cron.output
    to: days.input
`

func newCatalog(t *testing.T) (*CatalogService, storage.WorkflowStore) {
	t.Helper()
	registry := plugins.NewRegistry()
	require.NoError(t, nodes.Register(registry, nodes.Options{}))
	store := storage.NewMemoryWorkflowStore()
	return NewWorkflowCatalog(store, Options{YAMLLoader: loader.NewYAMLLoader(registry)}), store
}

func TestCatalogCreate(t *testing.T) {
	ctx := context.Background()
	catalog, store := newCatalog(t)

	wf, err := catalog.Create(ctx, greetingYAML)
	require.NoError(t, err)
	assert.Regexp(t, `^greeting-flow-[0-9a-f]{8}$`, wf.ID)
	assert.Equal(t, 1, wf.Version)
	assert.Equal(t, models.WorkflowStatusNA, wf.Status)

	stored, err := store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "Greeting Flow", stored.Name)

	named, err := catalog.Create(ctx, scheduledYAML)
	require.NoError(t, err)
	assert.Equal(t, "nightly", named.ID)

	_, err = catalog.Create(ctx, scheduledYAML)
	assert.ErrorIs(t, err, ErrWorkflowAlreadyExists)

	_, err = catalog.Create(ctx, "metadata:\n  name: broken\nnodes:\n  - id: a\n    type: increment\n")
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestCatalogUpdateKeepsRunStatus(t *testing.T) {
	ctx := context.Background()
	catalog, store := newCatalog(t)

	wf, err := catalog.Create(ctx, scheduledYAML)
	require.NoError(t, err)
	require.NoError(t, store.UpdateWorkflowStatus(ctx, wf.ID, models.WorkflowStatusCompleted, "exec-1"))

	updated, err := catalog.Update(ctx, "nightly", scheduledYAML)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	stored, err := catalog.Get(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, stored.Status)
	assert.Equal(t, "exec-1", stored.LastExecutionID)

	_, err = catalog.Update(ctx, "other", scheduledYAML)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	_, err = catalog.Create(ctx, greetingYAML)
	require.NoError(t, err)
	_, err = catalog.Update(ctx, "nightly", "metadata:\n  id: elsewhere\n  name: x\nnodes:\n  - id: a\n    type: manual_trigger\n")
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestCatalogGetYAMLRoundTrips(t *testing.T) {
	ctx := context.Background()
	catalog, _ := newCatalog(t)

	wf, err := catalog.Create(ctx, scheduledYAML)
	require.NoError(t, err)

	text, err := catalog.GetYAML(ctx, wf.ID)
	require.NoError(t, err)
	assert.Contains(t, text, "id: nightly")

	updated, err := catalog.Update(ctx, wf.ID, text)
	require.NoError(t, err)
	assert.Equal(t, wf.Nodes, updated.Nodes)
}

func TestCatalogDelete(t *testing.T) {
	ctx := context.Background()
	catalog, _ := newCatalog(t)

	wf, err := catalog.Create(ctx, greetingYAML)
	require.NoError(t, err)
	require.NoError(t, catalog.Delete(ctx, wf.ID))

	_, err = catalog.Get(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.ErrorIs(t, catalog.Delete(ctx, wf.ID), ErrWorkflowNotFound)
}

func TestCatalogSearch(t *testing.T) {
	ctx := context.Background()
	catalog, _ := newCatalog(t)

	_, err := catalog.Create(ctx, greetingYAML)
	require.NoError(t, err)
	_, err = catalog.Create(ctx, scheduledYAML)
	require.NoError(t, err)

	tests := []struct {
		name    string
		filters SearchFilters
		want    []string
	}{
		{name: "all", filters: SearchFilters{}, want: []string{"Greeting Flow", "Nightly Counter"}},
		{name: "name", filters: SearchFilters{NameContains: "night"}, want: []string{"Nightly Counter"}},
		{name: "description", filters: SearchFilters{DescriptionContains: "HELLO"}, want: []string{"Greeting Flow"}},
		{name: "body node type", filters: SearchFilters{NodeType: "increment"}, want: []string{"Nightly Counter"}},
		{name: "status", filters: SearchFilters{Status: models.WorkflowStatusRunning}, want: nil},
		{name: "created in the future", filters: SearchFilters{CreatedAfter: ptr(time.Now().Add(time.Hour))}, want: nil},
		{name: "second page", filters: SearchFilters{Page: 2, PageSize: 1}, want: []string{"Nightly Counter"}},
		{name: "past the end", filters: SearchFilters{Page: 3, PageSize: 1}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := catalog.Search(ctx, tt.filters)
			require.NoError(t, err)
			var names []string
			for _, wf := range got {
				names = append(names, wf.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func ptr[T any](v T) *T { return &v }
