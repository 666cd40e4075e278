package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/metrics"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/storage"
)

// InterruptedMessage is the error recorded on executions closed by recovery
const InterruptedMessage = "interrupted by restart"

// RecoveryOptions configures RecoverOrphans
type RecoveryOptions struct {
	Executions storage.ExecutionStore

	// Workflows is optional; when set the owning workflow is marked failed too
	Workflows WorkflowSource

	// Skip reports executions owned by this process that must be left alone
	Skip func(executionID string) bool

	Metrics *metrics.Collector
	Logger  logging.Logger
}

// RecoverOrphans marks every pending or running execution without a completion time as failed.
// It returns how many executions were closed; running it on a clean store is a no-op.
func RecoverOrphans(ctx context.Context, opts RecoveryOptions) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.WithFields(logging.F("component", "recovery"))

	orphans, err := opts.Executions.ListExecutionsByStatus(ctx, models.ExecutionStatusPending, models.ExecutionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished executions: %w", err)
	}

	recovered := 0
	for _, exec := range orphans {
		if exec.CompletedAt != nil {
			continue
		}
		if opts.Skip != nil && opts.Skip(exec.ID) {
			continue
		}

		now := time.Now().UTC()
		exec.Status = models.ExecutionStatusFailed
		exec.ErrorMessage = InterruptedMessage
		exec.CompletedAt = &now
		exec.UpdatedAt = now
		if err := opts.Executions.SaveExecution(ctx, exec); err != nil {
			return recovered, fmt.Errorf("failed to close execution %s: %w", exec.ID, err)
		}
		recovered++

		if opts.Workflows != nil {
			if err := opts.Workflows.UpdateWorkflowStatus(ctx, exec.WorkflowID, models.WorkflowStatusFailed, exec.ID); err != nil {
				logger.Warn("failed to update workflow of recovered execution",
					logging.F("workflow_id", exec.WorkflowID),
					logging.F("execution_id", exec.ID),
					logging.Err(err),
				)
			}
		}
		logger.Info("closed orphaned execution",
			logging.F("workflow_id", exec.WorkflowID),
			logging.F("execution_id", exec.ID),
		)
	}

	opts.Metrics.ExecutionsRecovered(recovered)
	if recovered > 0 {
		logger.LogSystemEvent("recovery_completed", map[string]interface{}{"recovered": recovered})
	}
	return recovered, nil
}

// Recover closes executions orphaned by a previous process, leaving this process's live runs alone.
// Call it before accepting new executions.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	return RecoverOrphans(ctx, RecoveryOptions{
		Executions: o.executions,
		Workflows:  o.workflows,
		Skip: func(id string) bool {
			_, ok := o.live(id)
			return ok
		},
		Metrics: o.metrics,
		Logger:  o.logger,
	})
}
