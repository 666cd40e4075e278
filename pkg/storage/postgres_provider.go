package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/tcmartin/flowengine/pkg/models"
)

// PostgreSQLProvider implements the Provider interface using PostgreSQL
type PostgreSQLProvider struct {
	db             *sql.DB
	workflowStore  *PostgreSQLWorkflowStore
	executionStore *PostgreSQLExecutionStore
	stateStore     *PostgreSQLStateStore
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*PostgreSQLProvider, error) {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return NewPostgreSQLProviderWithDB(db), nil
}

// NewPostgreSQLProviderWithDB creates a provider over an open database handle
func NewPostgreSQLProviderWithDB(db *sql.DB) *PostgreSQLProvider {
	return &PostgreSQLProvider{
		db:             db,
		workflowStore:  &PostgreSQLWorkflowStore{db: db},
		executionStore: &PostgreSQLExecutionStore{db: db},
		stateStore:     &PostgreSQLStateStore{db: db},
	}
}

// Initialize creates the tables if they don't exist
func (p *PostgreSQLProvider) Initialize(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL schema: %w", err)
		}
	}
	return nil
}

// Close cleans up resources
func (p *PostgreSQLProvider) Close() error {
	return p.db.Close()
}

func (p *PostgreSQLProvider) Workflows() WorkflowStore   { return p.workflowStore }
func (p *PostgreSQLProvider) Executions() ExecutionStore { return p.executionStore }
func (p *PostgreSQLProvider) State() StateStore          { return p.stateStore }

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		version INTEGER NOT NULL,
		definition JSONB NOT NULL,
		status TEXT NOT NULL,
		last_execution_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		execution_source TEXT NOT NULL,
		execution_mode TEXT NOT NULL,
		trigger_data JSONB,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL,
		final_outputs JSONB,
		node_results JSONB,
		error_message TEXT,
		error_detail JSONB,
		nodes_executed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS executions_workflow_id_idx ON executions (workflow_id)`,
	`CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status)`,
	`CREATE TABLE IF NOT EXISTS execution_iterations (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		iteration_number INTEGER NOT NULL,
		label TEXT,
		time_scale DOUBLE PRECISION NOT NULL,
		virtual_started_at TIMESTAMP NOT NULL,
		virtual_completed_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		input JSONB,
		output JSONB,
		status TEXT NOT NULL,
		nodes_executed INTEGER NOT NULL,
		error TEXT,
		UNIQUE (execution_id, iteration_number)
	)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		node_id TEXT,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		data JSONB,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS execution_logs_execution_id_idx ON execution_logs (execution_id)`,
	`CREATE TABLE IF NOT EXISTS execution_results (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		node_id TEXT,
		name TEXT NOT NULL,
		value JSONB,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_state (
		workflow_id TEXT NOT NULL,
		state_key TEXT NOT NULL,
		namespace TEXT NOT NULL DEFAULT '',
		state_value JSONB,
		state_version BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workflow_id, state_key, namespace)
	)`,
}

// workflowDefinition is the JSONB payload of the workflows table
type workflowDefinition struct {
	Nodes           []models.NodeConfig    `json:"nodes"`
	Connections     []models.Connection    `json:"connections"`
	ExecutionConfig models.ExecutionConfig `json:"execution_config"`
	Mode            models.ExecutionMode   `json:"execution_mode,omitempty"`
}

func toJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgreSQLWorkflowStore implements the WorkflowStore interface using PostgreSQL
type PostgreSQLWorkflowStore struct {
	db *sql.DB
}

// SaveWorkflow persists a workflow definition and bumps its version
func (s *PostgreSQLWorkflowStore) SaveWorkflow(ctx context.Context, wf *models.Workflow) error {
	definition, err := toJSON(workflowDefinition{
		Nodes:           wf.Nodes,
		Connections:     wf.Connections,
		ExecutionConfig: wf.ExecutionConfig,
		Mode:            wf.Mode,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}

	status := wf.Status
	if status == "" {
		status = models.WorkflowStatusNA
	}
	now := time.Now()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workflows (id, name, description, version, definition, status, last_execution_id, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			version = workflows.version + 1,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
		RETURNING version, status, created_at, updated_at`,
		wf.ID, wf.Name, wf.Description, definition, string(status), wf.LastExecutionID, now,
	)

	var storedStatus string
	if err := row.Scan(&wf.Version, &storedStatus, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	wf.Status = models.WorkflowStatus(storedStatus)
	return nil
}

const workflowColumns = `id, name, description, version, definition, status, last_execution_id, created_at, updated_at`

func scanWorkflow(scanner interface{ Scan(...interface{}) error }) (*models.Workflow, error) {
	var (
		wf              models.Workflow
		description     sql.NullString
		lastExecutionID sql.NullString
		status          string
		definition      []byte
	)
	if err := scanner.Scan(&wf.ID, &wf.Name, &description, &wf.Version, &definition, &status,
		&lastExecutionID, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}

	var def workflowDefinition
	if err := fromJSON(definition, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	wf.Description = description.String
	wf.LastExecutionID = lastExecutionID.String
	wf.Status = models.WorkflowStatus(status)
	wf.Nodes = def.Nodes
	wf.Connections = def.Connections
	wf.ExecutionConfig = def.ExecutionConfig
	wf.Mode = def.Mode
	return &wf, nil
}

// GetWorkflow retrieves a workflow definition
func (s *PostgreSQLWorkflowStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns all workflows ordered by id
func (s *PostgreSQLWorkflowStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes a workflow definition
func (s *PostgreSQLWorkflowStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// UpdateWorkflowStatus sets the workflow status and last execution id
func (s *PostgreSQLWorkflowStore) UpdateWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus, lastExecutionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $2, last_execution_id = COALESCE(NULLIF($3, ''), last_execution_id), updated_at = $4
		WHERE id = $1`,
		id, string(status), lastExecutionID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// PostgreSQLExecutionStore implements the ExecutionStore interface using PostgreSQL
type PostgreSQLExecutionStore struct {
	db *sql.DB
}

// SaveExecution upserts an execution
func (s *PostgreSQLExecutionStore) SaveExecution(ctx context.Context, exec *models.Execution) error {
	triggerData, err := toJSON(exec.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}
	finalOutputs, err := toJSON(exec.FinalOutputs)
	if err != nil {
		return fmt.Errorf("failed to marshal final outputs: %w", err)
	}
	nodeResults, err := toJSON(exec.NodeResults)
	if err != nil {
		return fmt.Errorf("failed to marshal node results: %w", err)
	}
	errorDetail, err := toJSON(exec.ErrorDetail)
	if err != nil {
		return fmt.Errorf("failed to marshal error detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, status, execution_source, execution_mode, trigger_data,
			started_at, completed_at, updated_at, final_outputs, node_results, error_message, error_detail, nodes_executed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at,
			final_outputs = EXCLUDED.final_outputs,
			node_results = EXCLUDED.node_results,
			error_message = EXCLUDED.error_message,
			error_detail = EXCLUDED.error_detail,
			nodes_executed = EXCLUDED.nodes_executed`,
		exec.ID, exec.WorkflowID, string(exec.Status), string(exec.Source), string(exec.Mode), triggerData,
		exec.StartedAt, nullTime(exec.CompletedAt), time.Now(), finalOutputs, nodeResults,
		exec.ErrorMessage, errorDetail, exec.NodesExecuted,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

const executionColumns = `id, workflow_id, status, execution_source, execution_mode, trigger_data, started_at,
	completed_at, updated_at, final_outputs, node_results, error_message, error_detail, nodes_executed`

func scanExecution(scanner interface{ Scan(...interface{}) error }) (*models.Execution, error) {
	var (
		exec                                                   models.Execution
		status, source, mode                                   string
		triggerData, finalOutputs, nodeResults, errorDetail    []byte
		completedAt                                            sql.NullTime
		errorMessage                                           sql.NullString
	)
	if err := scanner.Scan(&exec.ID, &exec.WorkflowID, &status, &source, &mode, &triggerData, &exec.StartedAt,
		&completedAt, &exec.UpdatedAt, &finalOutputs, &nodeResults, &errorMessage, &errorDetail, &exec.NodesExecuted); err != nil {
		return nil, err
	}

	exec.Status = models.ExecutionStatus(status)
	exec.Source = models.ExecutionSource(source)
	exec.Mode = models.ExecutionMode(mode)
	exec.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	for _, field := range []struct {
		data []byte
		dst  interface{}
	}{
		{triggerData, &exec.TriggerData},
		{finalOutputs, &exec.FinalOutputs},
		{nodeResults, &exec.NodeResults},
		{errorDetail, &exec.ErrorDetail},
	} {
		if err := fromJSON(field.data, field.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution %s: %w", exec.ID, err)
		}
	}
	return &exec, nil
}

// GetExecution retrieves an execution
func (s *PostgreSQLExecutionStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

func (s *PostgreSQLExecutionStore) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// ListExecutions returns the executions of a workflow, newest first
func (s *PostgreSQLExecutionStore) ListExecutions(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE workflow_id = $1 ORDER BY started_at DESC, id`, workflowID)
}

// ListExecutionsByStatus returns executions in any of the given statuses
func (s *PostgreSQLExecutionStore) ListExecutionsByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE status = ANY($1) ORDER BY started_at DESC, id`, pq.Array(values))
}

// SaveIteration upserts an iteration record
func (s *PostgreSQLExecutionStore) SaveIteration(ctx context.Context, it *models.ExecutionIteration) error {
	input, err := toJSON(it.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal iteration input: %w", err)
	}
	output, err := toJSON(it.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal iteration output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_iterations (id, execution_id, node_id, iteration_number, label, time_scale,
			virtual_started_at, virtual_completed_at, started_at, completed_at, input, output, status, nodes_executed, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			virtual_completed_at = EXCLUDED.virtual_completed_at,
			completed_at = EXCLUDED.completed_at,
			output = EXCLUDED.output,
			status = EXCLUDED.status,
			nodes_executed = EXCLUDED.nodes_executed,
			error = EXCLUDED.error`,
		it.ID, it.ExecutionID, it.NodeID, it.Number, it.Label, it.TimeScale,
		it.VirtualStartedAt, it.VirtualCompletedAt, it.StartedAt, nullTime(it.CompletedAt),
		input, output, string(it.Status), it.NodesExecuted, it.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save iteration: %w", err)
	}
	return nil
}

// ListIterations returns the iterations of an execution ordered by number
func (s *PostgreSQLExecutionStore) ListIterations(ctx context.Context, executionID string) ([]*models.ExecutionIteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, iteration_number, label, time_scale, virtual_started_at,
			virtual_completed_at, started_at, completed_at, input, output, status, nodes_executed, error
		FROM execution_iterations WHERE execution_id = $1 ORDER BY iteration_number`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list iterations: %w", err)
	}
	defer rows.Close()

	var out []*models.ExecutionIteration
	for rows.Next() {
		var (
			it             models.ExecutionIteration
			label, errText sql.NullString
			completedAt    sql.NullTime
			input, output  []byte
			status         string
		)
		if err := rows.Scan(&it.ID, &it.ExecutionID, &it.NodeID, &it.Number, &label, &it.TimeScale,
			&it.VirtualStartedAt, &it.VirtualCompletedAt, &it.StartedAt, &completedAt,
			&input, &output, &status, &it.NodesExecuted, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		it.Label = label.String
		it.Error = errText.String
		it.Status = models.ExecutionStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			it.CompletedAt = &t
		}
		if err := fromJSON(input, &it.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal iteration input: %w", err)
		}
		if err := fromJSON(output, &it.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal iteration output: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// AppendLog appends a log entry
func (s *PostgreSQLExecutionStore) AppendLog(ctx context.Context, entry models.ExecutionLog) error {
	data, err := toJSON(entry.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal log data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (id, execution_id, node_id, level, message, data, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.ExecutionID, entry.NodeID, entry.Level, entry.Message, data, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// GetLogs returns the log entries of an execution
func (s *PostgreSQLExecutionStore) GetLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, level, message, data, timestamp FROM execution_logs WHERE execution_id = $1 ORDER BY timestamp, id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionLog
	for rows.Next() {
		var (
			entry  models.ExecutionLog
			nodeID sql.NullString
			data   []byte
		)
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &nodeID, &entry.Level, &entry.Message, &data, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		entry.NodeID = nodeID.String
		if err := fromJSON(data, &entry.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log data: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// AppendResult appends an execution artifact
func (s *PostgreSQLExecutionStore) AppendResult(ctx context.Context, result models.ExecutionResult) error {
	value, err := toJSON(result.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_results (id, execution_id, node_id, name, value, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		result.ID, result.ExecutionID, result.NodeID, result.Name, value, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}
	return nil
}

// GetResults returns the artifacts of an execution
func (s *PostgreSQLExecutionStore) GetResults(ctx context.Context, executionID string) ([]models.ExecutionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, name, value, created_at FROM execution_results WHERE execution_id = $1 ORDER BY created_at, id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionResult
	for rows.Next() {
		var (
			result models.ExecutionResult
			nodeID sql.NullString
			value  []byte
		)
		if err := rows.Scan(&result.ID, &result.ExecutionID, &nodeID, &result.Name, &value, &result.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		result.NodeID = nodeID.String
		if err := fromJSON(value, &result.Value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

// PostgreSQLStateStore implements the StateStore interface using PostgreSQL
type PostgreSQLStateStore struct {
	db *sql.DB
}

// GetState retrieves a state row
func (s *PostgreSQLStateStore) GetState(ctx context.Context, workflowID, key, namespace string) (*models.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state_value, state_version, created_at, last_updated_at
		FROM workflow_state WHERE workflow_id = $1 AND state_key = $2 AND namespace = $3`,
		workflowID, key, namespace)

	state := &models.WorkflowState{WorkflowID: workflowID, Key: key, Namespace: namespace}
	var value []byte
	err := row.Scan(&value, &state.Version, &state.CreatedAt, &state.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	if err := fromJSON(value, &state.Value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state value: %w", err)
	}
	return state, nil
}

// SetState creates the row at version 1 or increments its version
func (s *PostgreSQLStateStore) SetState(ctx context.Context, workflowID, key, namespace string, value interface{}) (*models.WorkflowState, error) {
	encoded, err := toJSON(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state value: %w", err)
	}

	state := &models.WorkflowState{WorkflowID: workflowID, Key: key, Namespace: namespace, Value: value}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workflow_state (workflow_id, state_key, namespace, state_value, state_version, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (workflow_id, state_key, namespace) DO UPDATE SET
			state_value = EXCLUDED.state_value,
			state_version = workflow_state.state_version + 1,
			last_updated_at = EXCLUDED.last_updated_at
		RETURNING state_version, created_at, last_updated_at`,
		workflowID, key, namespace, encoded, time.Now(),
	)
	if err := row.Scan(&state.Version, &state.CreatedAt, &state.LastUpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to set state: %w", err)
	}
	return state, nil
}

// DeleteState removes a state row
func (s *PostgreSQLStateStore) DeleteState(ctx context.Context, workflowID, key, namespace string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_state WHERE workflow_id = $1 AND state_key = $2 AND namespace = $3`,
		workflowID, key, namespace)
	if err != nil {
		return false, fmt.Errorf("failed to delete state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete state: %w", err)
	}
	return n > 0, nil
}

// ListState returns every row of a workflow namespace ordered by key
func (s *PostgreSQLStateStore) ListState(ctx context.Context, workflowID, namespace string) ([]*models.WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state_key, state_value, state_version, created_at, last_updated_at
		FROM workflow_state WHERE workflow_id = $1 AND namespace = $2 ORDER BY state_key`,
		workflowID, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowState
	for rows.Next() {
		state := &models.WorkflowState{WorkflowID: workflowID, Namespace: namespace}
		var value []byte
		if err := rows.Scan(&state.Key, &value, &state.Version, &state.CreatedAt, &state.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		if err := fromJSON(value, &state.Value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state value: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

