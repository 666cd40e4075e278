package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowengine/pkg/models"
)

func TestMemoryWorkflowStore(t *testing.T) {
	provider := NewMemoryProvider()
	ctx := context.Background()
	require.NoError(t, provider.Initialize(ctx))

	wf := &models.Workflow{ID: "wf", Name: "first"}
	require.NoError(t, provider.Workflows().SaveWorkflow(ctx, wf))
	assert.Equal(t, 1, wf.Version)
	assert.Equal(t, models.WorkflowStatusNA, wf.Status)

	require.NoError(t, provider.Workflows().UpdateWorkflowStatus(ctx, "wf", models.WorkflowStatusRunning, "ex-1"))

	wf = &models.Workflow{ID: "wf", Name: "second"}
	require.NoError(t, provider.Workflows().SaveWorkflow(ctx, wf))
	assert.Equal(t, 2, wf.Version)

	got, err := provider.Workflows().GetWorkflow(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
	assert.Equal(t, models.WorkflowStatusRunning, got.Status)
	assert.Equal(t, "ex-1", got.LastExecutionID)

	require.NoError(t, provider.Workflows().DeleteWorkflow(ctx, "wf"))
	_, err = provider.Workflows().GetWorkflow(ctx, "wf")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.ErrorIs(t, provider.Workflows().DeleteWorkflow(ctx, "wf"), ErrWorkflowNotFound)
}

func TestMemoryExecutionStore(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()
	base := time.Now()

	for i, status := range []models.ExecutionStatus{
		models.ExecutionStatusCompleted, models.ExecutionStatusRunning, models.ExecutionStatusPending,
	} {
		require.NoError(t, store.SaveExecution(ctx, &models.Execution{
			ID:         string(rune('a' + i)),
			WorkflowID: "wf",
			Status:     status,
			StartedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := store.ListExecutions(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	active, err := store.ListExecutionsByStatus(ctx, models.ExecutionStatusPending, models.ExecutionStatusRunning)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// returned executions are copies
	all[0].Status = models.ExecutionStatusFailed
	again, err := store.GetExecution(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, again.Status)

	_, err = store.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	for _, n := range []int{2, 1, 3} {
		require.NoError(t, store.SaveIteration(ctx, &models.ExecutionIteration{
			ID: string(rune('0' + n)), ExecutionID: "a", Number: n, Status: models.ExecutionStatusRunning,
		}))
	}
	require.NoError(t, store.SaveIteration(ctx, &models.ExecutionIteration{
		ID: "1", ExecutionID: "a", Number: 1, Status: models.ExecutionStatusCompleted,
	}))

	its, err := store.ListIterations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, its, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{its[0].Number, its[1].Number, its[2].Number})
	assert.Equal(t, models.ExecutionStatusCompleted, its[0].Status)

	require.NoError(t, store.AppendLog(ctx, models.ExecutionLog{ExecutionID: "a", Message: "one"}))
	require.NoError(t, store.AppendLog(ctx, models.ExecutionLog{ExecutionID: "a", Message: "two"}))
	logs, err := store.GetLogs(ctx, "a")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "two", logs[1].Message)

	require.NoError(t, store.AppendResult(ctx, models.ExecutionResult{ExecutionID: "a", Name: "out", Value: 1}))
	results, err := store.GetResults(ctx, "a")
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestMemoryStateStoreVersioning(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	st, err := store.SetState(ctx, "wf", "k", "", "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	st, err = store.SetState(ctx, "wf", "k", "", "v2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)

	// namespaces are independent
	st, err = store.SetState(ctx, "wf", "k", "ns", "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	deleted, err := store.DeleteState(ctx, "wf", "k", "")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.GetState(ctx, "wf", "k", "")
	assert.ErrorIs(t, err, ErrStateNotFound)

	list, err := store.ListState(ctx, "wf", "ns")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "x", list[0].Value)
}

func TestMemoryStateStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	input := map[string]interface{}{"items": []interface{}{"a"}, "n": 1}
	st, err := store.SetState(ctx, "wf", "k", "", input)
	require.NoError(t, err)
	input["n"] = 99

	got, err := store.GetState(ctx, "wf", "k", "")
	require.NoError(t, err)
	value := got.Value.(map[string]interface{})
	value["n"] = 42
	value["items"] = append(value["items"].([]interface{}), "b")

	st.Value.(map[string]interface{})["extra"] = true

	again, err := store.GetState(ctx, "wf", "k", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"items": []interface{}{"a"}, "n": float64(1)}, again.Value)
	assert.Equal(t, int64(1), again.Version)

	list, err := store.ListState(ctx, "wf", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	list[0].Value.(map[string]interface{})["n"] = 7

	again, err = store.GetState(ctx, "wf", "k", "")
	require.NoError(t, err)
	assert.Equal(t, float64(1), again.Value.(map[string]interface{})["n"])

	_, err = store.SetState(ctx, "wf", "bad", "", make(chan int))
	assert.Error(t, err)
}
