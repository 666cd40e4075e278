package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowengine/pkg/models"
)

func init() {
	// Load .env file from project root
	_ = godotenv.Load("../../.env")
}

func newMockProvider(t *testing.T) (*PostgreSQLProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgreSQLProviderWithDB(db), mock
}

func TestPostgreSQLInitialize(t *testing.T) {
	provider, mock := newMockProvider(t)
	for range postgresSchema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, provider.Initialize(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLStateVersioning(t *testing.T) {
	provider, mock := newMockProvider(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery("INSERT INTO workflow_state .* ON CONFLICT .* state_version = workflow_state.state_version \\+ 1").
		WithArgs("wf", "k", "", `"v1"`, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"state_version", "created_at", "last_updated_at"}).AddRow(int64(1), now, now))
	mock.ExpectQuery("INSERT INTO workflow_state").
		WithArgs("wf", "k", "", `"v2"`, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"state_version", "created_at", "last_updated_at"}).AddRow(int64(2), now, now))

	first, err := provider.State().SetState(ctx, "wf", "k", "", "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	second, err := provider.State().SetState(ctx, "wf", "k", "", "v2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, "v2", second.Value)

	mock.ExpectQuery("SELECT state_value, state_version").
		WithArgs("wf", "k", "").
		WillReturnRows(sqlmock.NewRows([]string{"state_value", "state_version", "created_at", "last_updated_at"}).
			AddRow([]byte(`"v2"`), int64(2), now, now))

	got, err := provider.State().GetState(ctx, "wf", "k", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Value)
	assert.Equal(t, int64(2), got.Version)

	mock.ExpectExec("DELETE FROM workflow_state").
		WithArgs("wf", "k", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT state_value, state_version").
		WithArgs("wf", "k", "").
		WillReturnError(sql.ErrNoRows)

	deleted, err := provider.State().DeleteState(ctx, "wf", "k", "")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = provider.State().GetState(ctx, "wf", "k", "")
	assert.ErrorIs(t, err, ErrStateNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLWorkflowRoundTrip(t *testing.T) {
	provider, mock := newMockProvider(t)
	ctx := context.Background()
	now := time.Now()

	wf := &models.Workflow{
		ID:   "counter",
		Name: "Counter",
		Nodes: []models.NodeConfig{
			{ID: "t", Type: "manual_trigger"},
			{ID: "inc", Type: "increment", Config: map[string]interface{}{"key": "count"}},
		},
		Connections: []models.Connection{{SourceNode: "t", SourcePort: "trigger", TargetNode: "inc", TargetPort: "trigger"}},
	}

	mock.ExpectQuery("INSERT INTO workflows").
		WithArgs("counter", "Counter", "", sqlmock.AnyArg(), "na", "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"version", "status", "created_at", "updated_at"}).AddRow(1, "na", now, now))

	require.NoError(t, provider.Workflows().SaveWorkflow(ctx, wf))
	assert.Equal(t, 1, wf.Version)

	definition := []byte(`{"nodes":[{"id":"t","type":"manual_trigger"},{"id":"inc","type":"increment","config":{"key":"count"}}],` +
		`"connections":[{"source_node":"t","source_port":"trigger","target_node":"inc","target_port":"trigger"}],"execution_config":{}}`)
	mock.ExpectQuery("SELECT .* FROM workflows WHERE id").
		WithArgs("counter").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "version", "definition", "status",
			"last_execution_id", "created_at", "updated_at"}).
			AddRow("counter", "Counter", nil, 1, definition, "completed", "ex-1", now, now))

	got, err := provider.Workflows().GetWorkflow(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, "ex-1", got.LastExecutionID)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, "count", got.Nodes[1].Config["key"])
	require.Len(t, got.Connections, 1)
	assert.Equal(t, "inc", got.Connections[0].TargetNode)

	mock.ExpectQuery("SELECT .* FROM workflows WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = provider.Workflows().GetWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	mock.ExpectExec("UPDATE workflows").
		WithArgs("missing", "running", "ex-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = provider.Workflows().UpdateWorkflowStatus(ctx, "missing", models.WorkflowStatusRunning, "ex-2")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLExecutionByStatus(t *testing.T) {
	provider, mock := newMockProvider(t)
	ctx := context.Background()
	now := time.Now()

	columns := []string{"id", "workflow_id", "status", "execution_source", "execution_mode", "trigger_data",
		"started_at", "completed_at", "updated_at", "final_outputs", "node_results", "error_message",
		"error_detail", "nodes_executed"}
	mock.ExpectQuery("SELECT .* FROM executions WHERE status = ANY").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("ex-1", "wf", "running", "manual", "oneshot", []byte(`{"x":1}`), now, nil, now,
				[]byte(`null`), []byte(`{"t":{"node_id":"t","status":"completed"}}`), nil, []byte(`null`), 1))

	list, err := provider.Executions().ListExecutionsByStatus(ctx, models.ExecutionStatusPending, models.ExecutionStatusRunning)
	require.NoError(t, err)
	require.Len(t, list, 1)
	exec := list[0]
	assert.Equal(t, models.ExecutionStatusRunning, exec.Status)
	assert.Equal(t, models.SourceManual, exec.Source)
	assert.Nil(t, exec.CompletedAt)
	assert.Equal(t, float64(1), exec.TriggerData["x"])
	assert.Equal(t, models.NodeStatusCompleted, exec.NodeResults["t"].Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLIterations(t *testing.T) {
	provider, mock := newMockProvider(t)
	ctx := context.Background()
	now := time.Now()

	it := &models.ExecutionIteration{
		ID: "it-1", ExecutionID: "ex", NodeID: "loop", Number: 1, TimeScale: 1,
		VirtualStartedAt: now, VirtualCompletedAt: now, StartedAt: now,
		Input: map[string]interface{}{"index": 0}, Status: models.ExecutionStatusRunning,
	}
	mock.ExpectExec("INSERT INTO execution_iterations").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, provider.Executions().SaveIteration(ctx, it))

	mock.ExpectQuery("SELECT .* FROM execution_iterations WHERE execution_id").
		WithArgs("ex").
		WillReturnRows(sqlmock.NewRows([]string{"id", "execution_id", "node_id", "iteration_number", "label", "time_scale",
			"virtual_started_at", "virtual_completed_at", "started_at", "completed_at", "input", "output", "status",
			"nodes_executed", "error"}).
			AddRow("it-1", "ex", "loop", 1, nil, 1.0, now, now, now, now, []byte(`{"index":0}`), []byte(`{"value":1}`),
				"completed", 2, nil))

	list, err := provider.Executions().ListIterations(ctx, "ex")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Number)
	assert.Equal(t, 2, list[0].NodesExecuted)
	assert.Equal(t, models.ExecutionStatusCompleted, list[0].Status)
	assert.NotNil(t, list[0].CompletedAt)
	assert.Equal(t, float64(1), list[0].Output["value"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgreSQLProviderLive runs against a real PostgreSQL instance.
// It is skipped unless the required environment variables are set.
func TestPostgreSQLProviderLive(t *testing.T) {
	host := os.Getenv("POSTGRES_HOST")
	user := os.Getenv("POSTGRES_USER")
	password := os.Getenv("POSTGRES_PASSWORD")
	dbName := os.Getenv("POSTGRES_DB")

	if host == "" || user == "" || password == "" || dbName == "" {
		t.Skip("Skipping PostgreSQL tests as credentials are not set")
	}

	provider, err := NewPostgreSQLProvider(PostgreSQLProviderConfig{
		Host:     host,
		User:     user,
		Password: password,
		Database: dbName,
	})
	require.NoError(t, err)
	defer provider.Close()

	ctx := context.Background()
	require.NoError(t, provider.Initialize(ctx))

	wfID := "live-" + time.Now().Format("150405.000000")
	defer provider.db.Exec("DELETE FROM workflow_state WHERE workflow_id = $1", wfID)

	st, err := provider.State().SetState(ctx, wfID, "count", "", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	st, err = provider.State().SetState(ctx, wfID, "count", "", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)

	got, err := provider.State().GetState(ctx, wfID, "count", "")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Value)
}
