package models

import "time"

// ExecutionStatus is the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
)

// IsTerminal reports whether no further transitions are possible
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusStopped
}

// ExecutionSource records what started an execution
type ExecutionSource string

const (
	SourceManual   ExecutionSource = "manual"
	SourceWebhook  ExecutionSource = "webhook"
	SourceSchedule ExecutionSource = "schedule"
	SourceAPI      ExecutionSource = "api"
	SourceTrigger  ExecutionSource = "trigger"
	SourceRetry    ExecutionSource = "retry"
	SourceSystem   ExecutionSource = "system"
)

// Valid reports whether s is a known execution source
func (s ExecutionSource) Valid() bool {
	switch s {
	case SourceManual, SourceWebhook, SourceSchedule, SourceAPI, SourceTrigger, SourceRetry, SourceSystem:
		return true
	}
	return false
}

// ExecutionMode selects between run-to-completion and long-lived executions
type ExecutionMode string

const (
	// ModeOneshot runs the graph once and stops
	ModeOneshot ExecutionMode = "oneshot"

	// ModePersistent keeps the execution open and re-enters the graph on each trigger
	ModePersistent ExecutionMode = "persistent"
)

// NodeStatus is the outcome of a single node within an execution
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"

	// NodeStatusPruned marks nodes reachable only through signals that did not fire
	NodeStatusPruned NodeStatus = "pruned"

	// NodeStatusSkipped marks nodes not run because an upstream node failed
	NodeStatusSkipped NodeStatus = "skipped"

	// NodeStatusCancelled marks nodes never dispatched because the run stopped early
	NodeStatusCancelled NodeStatus = "cancelled"
)

// Execution is one run of a workflow
type Execution struct {
	// ID of the execution
	ID string `json:"id"`

	// WorkflowID is the ID of the workflow being executed
	WorkflowID string `json:"workflow_id"`

	// Status of the execution
	Status ExecutionStatus `json:"status"`

	// Source records what started the execution
	Source ExecutionSource `json:"execution_source"`

	// Mode is oneshot or persistent
	Mode ExecutionMode `json:"execution_mode"`

	// TriggerData is the payload the execution was started with
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`

	// StartedAt is when the execution was created
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is set once the execution reaches a terminal status
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// UpdatedAt is the time of the last persisted change
	UpdatedAt time.Time `json:"updated_at"`

	// FinalOutputs holds the outputs of completed sink nodes keyed by node id
	FinalOutputs map[string]interface{} `json:"final_outputs,omitempty"`

	// NodeResults is the per-node result snapshot
	NodeResults map[string]NodeResult `json:"node_results,omitempty"`

	// ErrorMessage is set when the execution failed
	ErrorMessage string `json:"error_message,omitempty"`

	// ErrorDetail carries structured detail of the failure
	ErrorDetail map[string]interface{} `json:"error_detail,omitempty"`

	// NodesExecuted counts top-level nodes that were dispatched
	NodesExecuted int `json:"nodes_executed"`
}

// Clone returns a copy safe to hand out while the original keeps changing
func (e *Execution) Clone() *Execution {
	c := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	c.NodeResults = make(map[string]NodeResult, len(e.NodeResults))
	for k, v := range e.NodeResults {
		c.NodeResults[k] = v
	}
	c.FinalOutputs = copyMap(e.FinalOutputs)
	c.TriggerData = copyMap(e.TriggerData)
	c.ErrorDetail = copyMap(e.ErrorDetail)
	return &c
}

// NodeResult is the recorded outcome of one node
type NodeResult struct {
	NodeID      string                 `json:"node_id"`
	NodeType    string                 `json:"node_type"`
	Status      NodeStatus             `json:"status"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorDetail map[string]interface{} `json:"error_detail,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
}

// ExecutionIteration is one pass of a loop node's body
type ExecutionIteration struct {
	// ID of the iteration record
	ID string `json:"id"`

	// ExecutionID is the owning execution
	ExecutionID string `json:"execution_id"`

	// NodeID is the loop node that produced the pass
	NodeID string `json:"node_id"`

	// Number is monotonic per execution, starting at 1
	Number int `json:"iteration_number"`

	// Label is an optional human readable label
	Label string `json:"label,omitempty"`

	// TimeScale is the virtual-to-real time factor in effect
	TimeScale float64 `json:"time_scale"`

	// VirtualStartedAt and VirtualCompletedAt are in scaled time
	VirtualStartedAt   time.Time `json:"virtual_started_at"`
	VirtualCompletedAt time.Time `json:"virtual_completed_at"`

	// StartedAt and CompletedAt are wall clock times
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Input  map[string]interface{} `json:"input,omitempty"`
	Output map[string]interface{} `json:"output,omitempty"`

	Status        ExecutionStatus `json:"status"`
	NodesExecuted int             `json:"nodes_executed"`
	Error         string          `json:"error,omitempty"`
}

// ExecutionLog represents a log entry for an execution
type ExecutionLog struct {
	// ID of the log entry
	ID string `json:"id"`

	// ExecutionID is the owning execution
	ExecutionID string `json:"execution_id"`

	// Timestamp of the log entry
	Timestamp time.Time `json:"timestamp"`

	// NodeID is the ID of the node that generated the log
	NodeID string `json:"node_id,omitempty"`

	// Level of the log entry
	Level string `json:"level"` // "info", "warning", "error", "debug"

	// Message is the log message
	Message string `json:"message"`

	// Data is additional context for the log entry
	Data map[string]interface{} `json:"data,omitempty"`
}

// ExecutionResult is an artifact produced during an execution
type ExecutionResult struct {
	ID          string      `json:"id"`
	ExecutionID string      `json:"execution_id"`
	NodeID      string      `json:"node_id"`
	Name        string      `json:"name"`
	Value       interface{} `json:"value"`
	CreatedAt   time.Time   `json:"created_at"`
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
