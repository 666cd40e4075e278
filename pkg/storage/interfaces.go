// Package storage provides the persistence contracts of the engine and their backends.
package storage

import (
	"context"
	"errors"

	"github.com/tcmartin/flowengine/pkg/models"
)

// Errors returned by every storage provider
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrStateNotFound     = errors.New("state not found")
)

// Provider defines the interface for persistence backends
type Provider interface {
	// Initialize sets up the storage backend
	Initialize(ctx context.Context) error

	// Close cleans up resources
	Close() error

	// Workflows returns the store for workflow definitions
	Workflows() WorkflowStore

	// Executions returns the store for execution records
	Executions() ExecutionStore

	// State returns the store for workflow state
	State() StateStore
}

// WorkflowStore manages workflow definitions
type WorkflowStore interface {
	// SaveWorkflow creates or replaces a workflow and bumps its version
	SaveWorkflow(ctx context.Context, wf *models.Workflow) error

	// GetWorkflow retrieves a workflow
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)

	// ListWorkflows returns all workflows ordered by id
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)

	// DeleteWorkflow removes a workflow
	DeleteWorkflow(ctx context.Context, id string) error

	// UpdateWorkflowStatus sets status and, when non-empty, last_execution_id
	UpdateWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus, lastExecutionID string) error
}

// ExecutionStore manages execution records and their append-only companions
type ExecutionStore interface {
	// SaveExecution upserts an execution
	SaveExecution(ctx context.Context, exec *models.Execution) error

	// GetExecution retrieves an execution
	GetExecution(ctx context.Context, id string) (*models.Execution, error)

	// ListExecutions returns the executions of a workflow, newest first
	ListExecutions(ctx context.Context, workflowID string) ([]*models.Execution, error)

	// ListExecutionsByStatus returns executions in any of the given statuses
	ListExecutionsByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error)

	// SaveIteration upserts an iteration record
	SaveIteration(ctx context.Context, it *models.ExecutionIteration) error

	// ListIterations returns the iterations of an execution ordered by number
	ListIterations(ctx context.Context, executionID string) ([]*models.ExecutionIteration, error)

	// AppendLog appends a log entry
	AppendLog(ctx context.Context, entry models.ExecutionLog) error

	// GetLogs returns the log entries of an execution in append order
	GetLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error)

	// AppendResult appends an execution artifact
	AppendResult(ctx context.Context, result models.ExecutionResult) error

	// GetResults returns the artifacts of an execution in append order
	GetResults(ctx context.Context, executionID string) ([]models.ExecutionResult, error)
}

// StateStore manages versioned workflow state rows.
// Writers are not conflict-detected: the last write wins.
type StateStore interface {
	// GetState returns ErrStateNotFound for a missing key
	GetState(ctx context.Context, workflowID, key, namespace string) (*models.WorkflowState, error)

	// SetState creates the row at version 1 or increments its version by one
	SetState(ctx context.Context, workflowID, key, namespace string, value interface{}) (*models.WorkflowState, error)

	// DeleteState removes the row and reports whether it existed
	DeleteState(ctx context.Context, workflowID, key, namespace string) (bool, error)

	// ListState returns every row of a workflow namespace ordered by key
	ListState(ctx context.Context, workflowID, namespace string) ([]*models.WorkflowState, error)
}
