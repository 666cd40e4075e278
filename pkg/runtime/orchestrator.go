package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tcmartin/flowengine/pkg/events"
	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/graph"
	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/metrics"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/storage"
)

// Options configures an Orchestrator
type Options struct {
	Workflows  WorkflowSource
	Executions storage.ExecutionStore
	Nodes      graph.Lookup
	State      flowctx.StateStore

	Bus     *events.Bus
	Metrics *metrics.Collector
	Logger  logging.Logger
	Tracer  trace.Tracer

	// Config is the engine-wide global configuration layer
	Config map[string]interface{}

	// MaxConcurrentExecutions bounds running executions; further runs wait as pending
	MaxConcurrentExecutions int

	// AwaitTimeout is the default wait of await-mode starts
	AwaitTimeout time.Duration
}

// StartRequest asks for a new execution of a workflow
type StartRequest struct {
	WorkflowID  string
	TriggerData map[string]interface{}
	Source      models.ExecutionSource

	// Mode overrides the workflow's default mode
	Mode models.ExecutionMode

	// Await blocks until the execution is terminal or Timeout elapses
	Await   bool
	Timeout time.Duration

	// Overrides is the per-invocation configuration layer
	Overrides map[string]interface{}
}

// StartResponse is returned by StartExecution
type StartResponse struct {
	ExecutionID     string                 `json:"execution_id"`
	Status          models.ExecutionStatus `json:"status"`
	FinalOutputs    map[string]interface{} `json:"final_outputs,omitempty"`
	TimeoutExceeded bool                   `json:"timeout_exceeded,omitempty"`
	Execution       *models.Execution      `json:"execution,omitempty"`
}

// Orchestrator starts executions and owns them until they are terminal
type Orchestrator struct {
	workflows    WorkflowSource
	executions   storage.ExecutionStore
	nodes        graph.Lookup
	state        flowctx.StateStore
	bus          *events.Bus
	metrics      *metrics.Collector
	logger       logging.Logger
	tracer       trace.Tracer
	config       map[string]interface{}
	awaitTimeout time.Duration
	sem          *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// run is the live state of one execution
type run struct {
	wf    *models.Workflow
	graph *graph.Graph
	ectx  *flowctx.ExecutionContext

	mu   sync.Mutex
	exec *models.Execution

	triggers  chan map[string]interface{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	firstPass chan struct{}
	passOnce  sync.Once
	done      chan struct{}

	// started is set once the run counted as running
	started bool
}

func (r *run) snapshot() *models.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

func (r *run) stop() {
	r.ectx.RequestStop()
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *run) passCompleted() {
	r.passOnce.Do(func() { close(r.firstPass) })
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.MaxConcurrentExecutions <= 0 {
		opts.MaxConcurrentExecutions = 32
	}
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		workflows:    opts.Workflows,
		executions:   opts.Executions,
		nodes:        opts.Nodes,
		state:        opts.State,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		logger:       opts.Logger.WithFields(logging.F("component", "orchestrator")),
		tracer:       opts.Tracer,
		config:       opts.Config,
		awaitTimeout: opts.AwaitTimeout,
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrentExecutions)),
		baseCtx:      ctx,
		cancel:       cancel,
		runs:         make(map[string]*run),
	}
}

// StartExecution validates the workflow, records a pending execution and runs it in the background.
// Structural errors are returned before any execution record is created.
func (o *Orchestrator) StartExecution(ctx context.Context, req StartRequest) (*StartResponse, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	wf, err := o.workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", req.WorkflowID, err)
	}
	g, err := graph.Build(wf, o.nodes)
	if err != nil {
		return nil, err
	}
	cfg, err := flowctx.MergeLayers(o.config, wf.ExecutionConfig.Global, wf.ExecutionConfig.Workflow, req.Overrides)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = wf.Mode
	}
	if mode == "" {
		mode = models.ModeOneshot
	}
	source := req.Source
	if source == "" {
		source = models.SourceManual
	}
	trigger := req.TriggerData
	if trigger == nil {
		trigger = map[string]interface{}{}
	}

	now := time.Now().UTC()
	execution := &models.Execution{
		ID:          uuid.New().String(),
		WorkflowID:  wf.ID,
		Status:      models.ExecutionStatusPending,
		Source:      source,
		Mode:        mode,
		TriggerData: trigger,
		StartedAt:   now,
		UpdatedAt:   now,
		NodeResults: make(map[string]models.NodeResult),
	}
	if err := o.executions.SaveExecution(ctx, execution.Clone()); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	o.updateWorkflow(ctx, wf.ID, models.WorkflowStatusPending, execution.ID)

	r := &run{
		wf:    wf,
		graph: g,
		ectx: flowctx.New(flowctx.Options{
			WorkflowID:  wf.ID,
			ExecutionID: execution.ID,
			Mode:        mode,
			Source:      source,
			Config:      cfg,
			NodeConfig:  wf.ExecutionConfig.Nodes,
			TriggerData: trigger,
			State:       o.state,
		}),
		exec:      execution,
		triggers:  make(chan map[string]interface{}, 16),
		stopCh:    make(chan struct{}),
		firstPass: make(chan struct{}),
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.finalize(r, models.ExecutionStatusFailed, ErrShuttingDown, "", nil)
		return nil, ErrShuttingDown
	}
	o.runs[execution.ID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.LogExecution(wf.ID, execution.ID, "accepted", map[string]interface{}{
		"source": string(source),
		"mode":   string(mode),
	})
	go o.execute(r)

	if !req.Await {
		return &StartResponse{ExecutionID: execution.ID, Status: models.ExecutionStatusPending}, nil
	}
	return o.await(ctx, r, req.Timeout), nil
}

// await waits for a terminal status, or for the first pass of a persistent execution.
// Giving up never cancels the run.
func (o *Orchestrator) await(ctx context.Context, r *run, timeout time.Duration) *StartResponse {
	if timeout <= 0 {
		timeout = o.awaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	wait := r.done
	if r.ectx.Mode() == models.ModePersistent {
		wait = r.firstPass
	}

	timedOut := false
	select {
	case <-wait:
	case <-r.done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	snap := r.snapshot()
	resp := &StartResponse{
		ExecutionID:     snap.ID,
		Status:          snap.Status,
		TimeoutExceeded: timedOut,
		Execution:       snap,
	}
	if !timedOut {
		resp.FinalOutputs = snap.FinalOutputs
	}
	return resp
}

func (o *Orchestrator) execute(r *run) {
	defer o.wg.Done()
	defer close(r.done)
	defer r.passCompleted()

	ctx := o.baseCtx
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.finalize(r, models.ExecutionStatusFailed, fmt.Errorf("execution not started: %w", err), "", nil)
		return
	}
	defer o.sem.Release(1)

	ctx, span := o.tracer.Start(ctx, "execution", trace.WithAttributes(
		attribute.String("flowengine.workflow_id", r.wf.ID),
		attribute.String("flowengine.execution_id", r.ectx.ExecutionID()),
	))
	defer span.End()

	if r.ectx.StopRequested() {
		o.finalize(r, models.ExecutionStatusStopped, nil, "", nil)
		return
	}

	r.mu.Lock()
	r.exec.Status = models.ExecutionStatusRunning
	r.exec.UpdatedAt = time.Now().UTC()
	snap := r.exec.Clone()
	r.mu.Unlock()

	if err := o.executions.SaveExecution(ctx, snap); err != nil {
		o.logger.Error("failed to mark execution running", logging.F("execution_id", snap.ID), logging.Err(err))
		o.finalize(r, models.ExecutionStatusFailed, fmt.Errorf("failed to persist execution: %w", err), "", nil)
		return
	}
	o.updateWorkflow(ctx, r.wf.ID, models.WorkflowStatusRunning, snap.ID)
	o.publish(r, events.Event{Type: events.ExecutionStarted, Status: string(models.ExecutionStatusRunning), Data: map[string]interface{}{
		"source": string(snap.Source),
		"mode":   string(snap.Mode),
	}})
	o.metrics.ExecutionStarted()
	r.started = true

	executor := NewExecutor(r.ectx, ExecutorOptions{
		Recorder: &runRecorder{o: o, r: r},
		Logger:   o.logger,
		Metrics:  o.metrics,
		Tracer:   o.tracer,
	})

	res := executor.Run(ctx, r.graph)
	o.absorb(r, res)

	if r.ectx.Mode() == models.ModePersistent && res.Status == models.ExecutionStatusCompleted {
		r.passCompleted()
		res = o.serve(ctx, r, executor, res)
	}

	var err error
	if res.Err != nil {
		err = res.Err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.finalize(r, res.Status, err, res.FailedNode, res.SinkOutputs(r.graph))
}

// serve re-enters the graph of a persistent execution on every trigger until it is stopped or a pass fails
func (o *Orchestrator) serve(ctx context.Context, r *run, executor *Executor, last *RunResult) *RunResult {
	for {
		// a node may have asked to stop during a pass that still completed
		if r.ectx.StopRequested() {
			last.Status = models.ExecutionStatusStopped
			return last
		}
		select {
		case data := <-r.triggers:
			if r.ectx.StopRequested() {
				last.Status = models.ExecutionStatusStopped
				return last
			}
			r.ectx.SetTrigger(data)
			r.ectx.ClearPorts("")
			res := executor.Run(ctx, r.graph)
			o.absorb(r, res)
			if res.Status != models.ExecutionStatusCompleted {
				return res
			}
			last = res
		case <-r.stopCh:
			last.Status = models.ExecutionStatusStopped
			return last
		case <-ctx.Done():
			last.Status = models.ExecutionStatusFailed
			last.Err = ctx.Err()
			return last
		}
	}
}

// absorb copies the results of one pass into the execution record
func (o *Orchestrator) absorb(r *run, res *RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, nr := range res.Nodes {
		r.exec.NodeResults[id] = nr
	}
	r.exec.NodesExecuted += res.NodesExecuted
	r.exec.FinalOutputs = res.SinkOutputs(r.graph)
	r.exec.UpdatedAt = time.Now().UTC()
}

func (o *Orchestrator) finalize(r *run, status models.ExecutionStatus, runErr error, failedNode string, outputs map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.baseCtx), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	r.mu.Lock()
	r.exec.Status = status
	r.exec.CompletedAt = &now
	r.exec.UpdatedAt = now
	if outputs != nil {
		r.exec.FinalOutputs = outputs
	}
	if runErr != nil && status == models.ExecutionStatusFailed {
		r.exec.ErrorMessage = runErr.Error()
		detail := map[string]interface{}{}
		if failedNode != "" {
			r.exec.ErrorMessage = fmt.Sprintf("node %s failed: %v", failedNode, runErr)
			detail["node_id"] = failedNode
		}
		var nerr *plugins.NodeError
		if errors.As(runErr, &nerr) {
			for k, v := range nerr.Detail {
				detail[k] = v
			}
		}
		if len(detail) > 0 {
			r.exec.ErrorDetail = detail
		}
	}
	snap := r.exec.Clone()
	r.mu.Unlock()

	if err := o.executions.SaveExecution(ctx, snap); err != nil {
		o.logger.Error("failed to save execution", logging.F("execution_id", snap.ID), logging.Err(err))
	}
	if status == models.ExecutionStatusCompleted {
		for nodeID, value := range snap.FinalOutputs {
			err := o.executions.AppendResult(ctx, models.ExecutionResult{
				ID:          uuid.New().String(),
				ExecutionID: snap.ID,
				NodeID:      nodeID,
				Name:        "output",
				Value:       value,
				CreatedAt:   now,
			})
			if err != nil {
				o.logger.Warn("failed to append execution result", logging.F("execution_id", snap.ID), logging.Err(err))
			}
		}
	}
	o.updateWorkflow(ctx, snap.WorkflowID, models.WorkflowStatus(status), snap.ID)

	data := map[string]interface{}{
		"nodes_executed": snap.NodesExecuted,
		"final_outputs":  snap.FinalOutputs,
	}
	if snap.ErrorMessage != "" {
		data["error"] = snap.ErrorMessage
	}
	o.publish(r, events.Event{Type: events.ExecutionCompleted, Status: string(status), Data: data})
	if o.bus != nil {
		o.bus.CloseStream(events.ExecutionStream(snap.ID))
	}

	if r.started {
		o.metrics.ExecutionFinished(string(status), string(snap.Source), now.Sub(snap.StartedAt))
	}
	o.logger.LogExecution(snap.WorkflowID, snap.ID, "finished", map[string]interface{}{
		"status":         string(status),
		"nodes_executed": snap.NodesExecuted,
		"error":          snap.ErrorMessage,
	})

	o.mu.Lock()
	delete(o.runs, snap.ID)
	o.mu.Unlock()
}

func (o *Orchestrator) updateWorkflow(ctx context.Context, workflowID string, status models.WorkflowStatus, executionID string) {
	if err := o.workflows.UpdateWorkflowStatus(ctx, workflowID, status, executionID); err != nil {
		o.logger.Warn("failed to update workflow status",
			logging.F("workflow_id", workflowID),
			logging.F("status", string(status)),
			logging.Err(err),
		)
	}
}

// publish sends an event to the execution stream and the workflow stream
func (o *Orchestrator) publish(r *run, ev events.Event) {
	if o.bus == nil {
		return
	}
	ev.WorkflowID = r.wf.ID
	ev.ExecutionID = r.ectx.ExecutionID()
	o.bus.Publish(events.ExecutionStream(ev.ExecutionID), ev)
	o.bus.Publish(events.WorkflowStream(ev.WorkflowID), ev)
}

func (o *Orchestrator) live(executionID string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[executionID]
	return r, ok
}

// Trigger re-enters a persistent execution with new trigger data
func (o *Orchestrator) Trigger(ctx context.Context, executionID string, data map[string]interface{}) error {
	r, ok := o.live(executionID)
	if !ok {
		return o.notLive(ctx, executionID)
	}
	if r.ectx.Mode() != models.ModePersistent {
		return ErrNotPersistent
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	select {
	case r.triggers <- data:
		return nil
	case <-r.done:
		return ErrExecutionNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks a running execution to stop at the next node or iteration boundary
func (o *Orchestrator) Stop(ctx context.Context, executionID string) error {
	r, ok := o.live(executionID)
	if !ok {
		return o.notLive(ctx, executionID)
	}
	r.stop()
	o.logger.LogExecution(r.wf.ID, executionID, "stop_requested", nil)
	return nil
}

func (o *Orchestrator) notLive(ctx context.Context, executionID string) error {
	if _, err := o.executions.GetExecution(ctx, executionID); err != nil {
		if errors.Is(err, storage.ErrExecutionNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
		}
		return err
	}
	return ErrExecutionNotRunning
}

// GetExecutionStatus returns a live snapshot, or the stored record of a finished execution
func (o *Orchestrator) GetExecutionStatus(ctx context.Context, executionID string) (*models.Execution, error) {
	if r, ok := o.live(executionID); ok {
		return r.snapshot(), nil
	}
	exec, err := o.executions.GetExecution(ctx, executionID)
	if errors.Is(err, storage.ErrExecutionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	return exec, err
}

// ListExecutions returns the executions of a workflow, newest first
func (o *Orchestrator) ListExecutions(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	return o.executions.ListExecutions(ctx, workflowID)
}

// ListIterations returns the loop passes of an execution in number order
func (o *Orchestrator) ListIterations(ctx context.Context, executionID string) ([]*models.ExecutionIteration, error) {
	return o.executions.ListIterations(ctx, executionID)
}

// GetLogs returns the per-node log of an execution
func (o *Orchestrator) GetLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	return o.executions.GetLogs(ctx, executionID)
}

// GetResults returns the outputs and artifacts of an execution
func (o *Orchestrator) GetResults(ctx context.Context, executionID string) ([]models.ExecutionResult, error) {
	return o.executions.GetResults(ctx, executionID)
}

// Running returns the ids of the live executions
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown refuses new work, asks live executions to stop and waits for them.
// When ctx expires first the remaining runs are cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.stop()
	}

	waited := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-waited
		return ctx.Err()
	}
}

// runRecorder persists and publishes the progress of one run
type runRecorder struct {
	o *Orchestrator
	r *run
}

func (rec *runRecorder) NodeStarted(ctx context.Context, path string, node *graph.Node) {
	if _, top := flowctx.ChildID("", path); top {
		now := time.Now().UTC()
		rec.r.mu.Lock()
		rec.r.exec.NodeResults[node.ID] = models.NodeResult{
			NodeID:    node.ID,
			NodeType:  node.Config.Type,
			Status:    models.NodeStatusRunning,
			StartedAt: &now,
		}
		rec.r.mu.Unlock()
	}

	rec.o.publish(rec.r, events.Event{Type: events.NodeStarted, NodeID: path, Status: string(models.NodeStatusRunning), Data: map[string]interface{}{
		"node_type": node.Config.Type,
	}})
	rec.appendLog(ctx, path, "info", "node started", map[string]interface{}{"node_type": node.Config.Type})
}

func (rec *runRecorder) NodeFinished(ctx context.Context, path string, node *graph.Node, result models.NodeResult, artifacts []flowctx.Artifact) {
	if _, top := flowctx.ChildID("", path); top {
		rec.r.mu.Lock()
		rec.r.exec.NodeResults[node.ID] = result
		rec.r.mu.Unlock()
	}

	data := map[string]interface{}{"node_type": result.NodeType}
	level := "info"
	evType := events.NodeCompleted
	switch result.Status {
	case models.NodeStatusCompleted:
		data["outputs"] = result.Outputs
		data["duration_ms"] = result.DurationMs
	case models.NodeStatusFailed:
		evType = events.NodeFailed
		level = "error"
		data["error"] = result.Error
		if result.ErrorDetail != nil {
			data["error_detail"] = result.ErrorDetail
		}
	default:
		evType = events.NodeSkipped
		level = "debug"
		if result.Error != "" {
			data["reason"] = result.Error
		}
	}

	rec.o.publish(rec.r, events.Event{Type: evType, NodeID: path, Status: string(result.Status), Data: data})
	rec.appendLog(ctx, path, level, "node "+string(result.Status), data)

	for _, a := range artifacts {
		err := rec.o.executions.AppendResult(ctx, models.ExecutionResult{
			ID:          uuid.New().String(),
			ExecutionID: rec.r.ectx.ExecutionID(),
			NodeID:      path,
			Name:        a.Name,
			Value:       a.Value,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			rec.o.logger.Warn("failed to append artifact", logging.F("node_id", path), logging.Err(err))
		}
	}
}

func (rec *runRecorder) SaveIteration(ctx context.Context, it *models.ExecutionIteration) error {
	return rec.o.executions.SaveIteration(ctx, it)
}

func (rec *runRecorder) IterationCompleted(_ context.Context, it *models.ExecutionIteration) {
	data := map[string]interface{}{
		"iteration_number": it.Number,
		"nodes_executed":   it.NodesExecuted,
		"time_scale":       it.TimeScale,
	}
	if it.Label != "" {
		data["label"] = it.Label
	}
	if it.Error != "" {
		data["error"] = it.Error
	}
	rec.o.publish(rec.r, events.Event{Type: events.IterationCompleted, NodeID: it.NodeID, Status: string(it.Status), Data: data})
}

func (rec *runRecorder) appendLog(ctx context.Context, path, level, message string, data map[string]interface{}) {
	err := rec.o.executions.AppendLog(ctx, models.ExecutionLog{
		ID:          uuid.New().String(),
		ExecutionID: rec.r.ectx.ExecutionID(),
		Timestamp:   time.Now().UTC(),
		NodeID:      path,
		Level:       level,
		Message:     message,
		Data:        data,
	})
	if err != nil {
		rec.o.logger.Warn("failed to append execution log", logging.F("node_id", path), logging.Err(err))
	}
}
