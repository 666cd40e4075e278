package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tcmartin/flowengine/pkg/models"
)

// MemoryProvider implements the Provider interface using in-memory storage
type MemoryProvider struct {
	workflowStore  *MemoryWorkflowStore
	executionStore *MemoryExecutionStore
	stateStore     *MemoryStateStore
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		workflowStore:  NewMemoryWorkflowStore(),
		executionStore: NewMemoryExecutionStore(),
		stateStore:     NewMemoryStateStore(),
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize(ctx context.Context) error {
	// Nothing to initialize for in-memory storage
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	return nil
}

func (p *MemoryProvider) Workflows() WorkflowStore   { return p.workflowStore }
func (p *MemoryProvider) Executions() ExecutionStore { return p.executionStore }
func (p *MemoryProvider) State() StateStore          { return p.stateStore }

// MemoryWorkflowStore implements the WorkflowStore interface using in-memory storage
type MemoryWorkflowStore struct {
	workflows map[string]*models.Workflow
	mu        sync.RWMutex
}

// NewMemoryWorkflowStore creates a new in-memory workflow store
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[string]*models.Workflow),
	}
}

// SaveWorkflow persists a workflow definition
func (s *MemoryWorkflowStore) SaveWorkflow(ctx context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := *wf
	if existing, ok := s.workflows[wf.ID]; ok {
		stored.Version = existing.Version + 1
		stored.CreatedAt = existing.CreatedAt
		if stored.Status == "" {
			stored.Status = existing.Status
		}
		if stored.LastExecutionID == "" {
			stored.LastExecutionID = existing.LastExecutionID
		}
	} else {
		stored.Version = 1
		stored.CreatedAt = now
	}
	if stored.Status == "" {
		stored.Status = models.WorkflowStatusNA
	}
	stored.UpdatedAt = now
	s.workflows[wf.ID] = &stored

	wf.Version = stored.Version
	wf.CreatedAt = stored.CreatedAt
	wf.UpdatedAt = stored.UpdatedAt
	wf.Status = stored.Status
	return nil
}

// GetWorkflow retrieves a workflow definition
func (s *MemoryWorkflowStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	copied := *wf
	return &copied, nil
}

// ListWorkflows returns all workflows ordered by id
func (s *MemoryWorkflowStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		copied := *wf
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteWorkflow removes a workflow definition
func (s *MemoryWorkflowStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return ErrWorkflowNotFound
	}
	delete(s.workflows, id)
	return nil
}

// UpdateWorkflowStatus sets the workflow status and last execution id
func (s *MemoryWorkflowStore) UpdateWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus, lastExecutionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	wf.Status = status
	if lastExecutionID != "" {
		wf.LastExecutionID = lastExecutionID
	}
	wf.UpdatedAt = time.Now()
	return nil
}

// MemoryExecutionStore implements the ExecutionStore interface using in-memory storage
type MemoryExecutionStore struct {
	executions map[string]*models.Execution
	iterations map[string][]*models.ExecutionIteration
	logs       map[string][]models.ExecutionLog
	results    map[string][]models.ExecutionResult
	mu         sync.RWMutex
}

// NewMemoryExecutionStore creates a new in-memory execution store
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]*models.Execution),
		iterations: make(map[string][]*models.ExecutionIteration),
		logs:       make(map[string][]models.ExecutionLog),
		results:    make(map[string][]models.ExecutionResult),
	}
}

// SaveExecution upserts an execution
func (s *MemoryExecutionStore) SaveExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := exec.Clone()
	stored.UpdatedAt = time.Now()
	s.executions[exec.ID] = stored
	return nil
}

// GetExecution retrieves an execution
func (s *MemoryExecutionStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

// ListExecutions returns the executions of a workflow, newest first
func (s *MemoryExecutionStore) ListExecutions(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Execution
	for _, exec := range s.executions {
		if exec.WorkflowID == workflowID {
			out = append(out, exec.Clone())
		}
	}
	sortExecutions(out)
	return out, nil
}

// ListExecutionsByStatus returns executions in any of the given statuses
func (s *MemoryExecutionStore) ListExecutionsByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[models.ExecutionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*models.Execution
	for _, exec := range s.executions {
		if want[exec.Status] {
			out = append(out, exec.Clone())
		}
	}
	sortExecutions(out)
	return out, nil
}

// SaveIteration upserts an iteration record
func (s *MemoryExecutionStore) SaveIteration(ctx context.Context, it *models.ExecutionIteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *it
	list := s.iterations[it.ExecutionID]
	for i, existing := range list {
		if existing.ID == it.ID {
			list[i] = &copied
			return nil
		}
	}
	s.iterations[it.ExecutionID] = append(list, &copied)
	return nil
}

// ListIterations returns the iterations of an execution ordered by number
func (s *MemoryExecutionStore) ListIterations(ctx context.Context, executionID string) ([]*models.ExecutionIteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.iterations[executionID]
	out := make([]*models.ExecutionIteration, len(list))
	for i, it := range list {
		copied := *it
		out[i] = &copied
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// AppendLog appends a log entry
func (s *MemoryExecutionStore) AppendLog(ctx context.Context, entry models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], entry)
	return nil
}

// GetLogs returns the log entries of an execution
func (s *MemoryExecutionStore) GetLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ExecutionLog, len(s.logs[executionID]))
	copy(out, s.logs[executionID])
	return out, nil
}

// AppendResult appends an execution artifact
func (s *MemoryExecutionStore) AppendResult(ctx context.Context, result models.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.ExecutionID] = append(s.results[result.ExecutionID], result)
	return nil
}

// GetResults returns the artifacts of an execution
func (s *MemoryExecutionStore) GetResults(ctx context.Context, executionID string) ([]models.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ExecutionResult, len(s.results[executionID]))
	copy(out, s.results[executionID])
	return out, nil
}

func sortExecutions(list []*models.Execution) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartedAt.After(list[j].StartedAt)
	})
}

type stateKey struct {
	workflowID string
	key        string
	namespace  string
}

// memoryStateRow keeps the value encoded so no caller shares it with the store
type memoryStateRow struct {
	meta models.WorkflowState
	data []byte
}

// decode returns a copy of the row with a freshly decoded value
func (r *memoryStateRow) decode() (*models.WorkflowState, error) {
	st := r.meta
	if err := json.Unmarshal(r.data, &st.Value); err != nil {
		return nil, fmt.Errorf("failed to decode state %s: %w", st.Key, err)
	}
	return &st, nil
}

// MemoryStateStore implements the StateStore interface using in-memory storage.
// Values are stored as JSON, like the other backends.
type MemoryStateStore struct {
	rows map[stateKey]*memoryStateRow
	mu   sync.RWMutex
}

// NewMemoryStateStore creates a new in-memory state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		rows: make(map[stateKey]*memoryStateRow),
	}
}

// GetState retrieves a state row
func (s *MemoryStateStore) GetState(ctx context.Context, workflowID, key, namespace string) (*models.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[stateKey{workflowID, key, namespace}]
	if !ok {
		return nil, ErrStateNotFound
	}
	return row.decode()
}

// SetState creates or updates a state row
func (s *MemoryStateStore) SetState(ctx context.Context, workflowID, key, namespace string, value interface{}) (*models.WorkflowState, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	k := stateKey{workflowID, key, namespace}
	row, ok := s.rows[k]
	if !ok {
		row = &memoryStateRow{meta: models.WorkflowState{
			WorkflowID: workflowID,
			Key:        key,
			Namespace:  namespace,
			CreatedAt:  now,
		}}
		s.rows[k] = row
	}
	row.data = data
	row.meta.Version++
	row.meta.LastUpdatedAt = now

	return row.decode()
}

// DeleteState removes a state row
func (s *MemoryStateStore) DeleteState(ctx context.Context, workflowID, key, namespace string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := stateKey{workflowID, key, namespace}
	if _, ok := s.rows[k]; !ok {
		return false, nil
	}
	delete(s.rows, k)
	return true, nil
}

// ListState returns every row of a workflow namespace ordered by key
func (s *MemoryStateStore) ListState(ctx context.Context, workflowID, namespace string) ([]*models.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WorkflowState
	for k, row := range s.rows {
		if k.workflowID == workflowID && k.namespace == namespace {
			st, err := row.decode()
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
