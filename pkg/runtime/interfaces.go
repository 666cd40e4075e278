// Package runtime provides functionality for executing workflows.
package runtime

import (
	"context"
	"errors"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/graph"
	"github.com/tcmartin/flowengine/pkg/models"
)

var (
	// ErrUnknownExecution is returned for an execution id with no live run and no record
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrExecutionNotRunning is returned when a live operation targets a finished execution
	ErrExecutionNotRunning = errors.New("execution is not running")

	// ErrNotPersistent is returned when triggering an execution that is not in persistent mode
	ErrNotPersistent = errors.New("execution is not persistent")

	// ErrShuttingDown is returned once the orchestrator stopped accepting work
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Recorder receives the progress of a run as it happens.
// Paths identify nodes uniquely across nested loop bodies.
type Recorder interface {
	// NodeStarted is called when a node is dispatched
	NodeStarted(ctx context.Context, path string, node *graph.Node)

	// NodeFinished is called once per node with its final result, including
	// nodes that were pruned, skipped or cancelled without running
	NodeFinished(ctx context.Context, path string, node *graph.Node, result models.NodeResult, artifacts []flowctx.Artifact)

	// SaveIteration persists one iteration record; it runs under the allocation lock
	SaveIteration(ctx context.Context, it *models.ExecutionIteration) error

	// IterationCompleted is called after the record of a pass has been saved
	IterationCompleted(ctx context.Context, it *models.ExecutionIteration)
}

// WorkflowSource loads workflow definitions for the orchestrator and records
// the status of their latest run. storage.WorkflowStore satisfies it.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus, lastExecutionID string) error
}

type nopRecorder struct{}

func (nopRecorder) NodeStarted(context.Context, string, *graph.Node) {}
func (nopRecorder) NodeFinished(context.Context, string, *graph.Node, models.NodeResult, []flowctx.Artifact) {
}
func (nopRecorder) SaveIteration(context.Context, *models.ExecutionIteration) error { return nil }
func (nopRecorder) IterationCompleted(context.Context, *models.ExecutionIteration) {}
