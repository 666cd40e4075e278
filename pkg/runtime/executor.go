package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/graph"
	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/metrics"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/utils"
)

const tracerName = "github.com/tcmartin/flowengine/pkg/runtime"

// ExecutorOptions configures an Executor
type ExecutorOptions struct {
	Recorder Recorder
	Logger   logging.Logger
	Metrics  *metrics.Collector
	Tracer   trace.Tracer
}

// Executor runs validated graphs against one execution context
type Executor struct {
	exec     *flowctx.ExecutionContext
	recorder Recorder
	logger   logging.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
}

// NewExecutor creates an executor bound to an execution
func NewExecutor(exec *flowctx.ExecutionContext, opts ExecutorOptions) *Executor {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Executor{
		exec:     exec,
		recorder: opts.Recorder,
		logger: opts.Logger.WithFields(
			logging.F("component", "executor"),
			logging.F("execution_id", exec.ExecutionID()),
		),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// RunResult is the outcome of one pass over a graph
type RunResult struct {
	Status models.ExecutionStatus

	// Nodes holds the result of every node keyed by node id
	Nodes map[string]models.NodeResult

	// Outputs holds the outputs of completed nodes keyed by node id
	Outputs map[string]map[string]interface{}

	// NodesExecuted counts dispatched nodes
	NodesExecuted int

	// Err is the first node failure, or the context error
	Err error

	// FailedNode is the id of the node that produced Err
	FailedNode string
}

// SinkOutputs returns the outputs of the completed sink nodes of g keyed by node id
func (r *RunResult) SinkOutputs(g *graph.Graph) map[string]interface{} {
	out := make(map[string]interface{})
	for _, n := range g.Sinks {
		if r.Nodes[n.ID].Status != models.NodeStatusCompleted {
			continue
		}
		out[n.ID] = r.Outputs[n.ID]
	}
	return out
}

// Run executes the top-level graph once
func (e *Executor) Run(ctx context.Context, g *graph.Graph) *RunResult {
	return e.run(ctx, g, "", nil, true)
}

type edgeState int

const (
	edgePending edgeState = iota
	edgeValue
	edgePruned
	edgeFailed
)

type completion struct {
	node    *graph.Node
	outputs map[string]interface{}
	result  models.NodeResult
	err     error
}

// graphRun is the coordinator state of one pass; only the coordinator goroutine touches it
type graphRun struct {
	e        *Executor
	g        *graph.Graph
	scope    string
	loop     *flowctx.LoopScope
	topLevel bool

	edges   map[*graph.Edge]edgeState
	values  map[*graph.Edge]interface{}
	waiting map[*graph.Node]int
	status  map[*graph.Node]models.NodeStatus
	inputs  map[*graph.Node]map[string]interface{}
	ready   []*graph.Node
	result  *RunResult
}

func (e *Executor) run(ctx context.Context, g *graph.Graph, scope string, loop *flowctx.LoopScope, topLevel bool) *RunResult {
	r := &graphRun{
		e:        e,
		g:        g,
		scope:    scope,
		loop:     loop,
		topLevel: topLevel,
		edges:    make(map[*graph.Edge]edgeState, len(g.Edges)),
		values:   make(map[*graph.Edge]interface{}, len(g.Edges)),
		waiting:  make(map[*graph.Node]int, len(g.Nodes)),
		status:   make(map[*graph.Node]models.NodeStatus, len(g.Nodes)),
		inputs:   make(map[*graph.Node]map[string]interface{}, len(g.Nodes)),
		result: &RunResult{
			Nodes:   make(map[string]models.NodeResult, len(g.Nodes)),
			Outputs: make(map[string]map[string]interface{}, len(g.Nodes)),
		},
	}

	for _, n := range g.Order {
		r.status[n] = models.NodeStatusPending
		r.waiting[n] = len(n.In)
		if len(n.In) == 0 {
			r.inputs[n] = map[string]interface{}{}
			r.enqueue(n)
		}
	}

	limit := e.exec.Settings().MaxConcurrentNodes
	if limit <= 0 {
		limit = 1
	}
	done := make(chan completion, len(g.Nodes))
	inflight := 0
	halted, stopped := false, false

	for {
		if !halted && r.topLevel && e.exec.StopRequested() {
			halted, stopped = true, true
		}
		for !halted && inflight < limit && len(r.ready) > 0 {
			n := r.ready[0]
			r.ready = r.ready[1:]
			r.status[n] = models.NodeStatusRunning
			r.result.NodesExecuted++
			inflight++
			go func(n *graph.Node, inputs map[string]interface{}) {
				done <- e.invoke(ctx, r.scope, r.loop, n, inputs)
			}(n, r.inputs[n])
		}
		if inflight == 0 {
			break
		}

		c := <-done
		inflight--
		r.complete(ctx, c)

		if c.err != nil && e.exec.Settings().FailFast && !halted {
			e.logger.Warn("fail-fast: halting dispatch", logging.F("node_id", c.node.ID))
			halted = true
		}
		if ctx.Err() != nil {
			halted = true
		}
	}

	cancelled := 0
	for _, n := range g.Order {
		if r.status[n] == models.NodeStatusPending {
			r.settleNode(ctx, n, models.NodeStatusCancelled, "")
			cancelled++
		}
	}

	switch {
	case r.result.Err != nil:
		r.result.Status = models.ExecutionStatusFailed
	case ctx.Err() != nil:
		r.result.Status = models.ExecutionStatusFailed
		r.result.Err = ctx.Err()
	case stopped && cancelled > 0:
		// a stop that arrives after the last node finished leaves the pass completed
		r.result.Status = models.ExecutionStatusStopped
	default:
		r.result.Status = models.ExecutionStatusCompleted
	}
	return r.result
}

// enqueue keeps the ready queue in rank order
func (r *graphRun) enqueue(n *graph.Node) {
	i := sort.Search(len(r.ready), func(i int) bool { return r.ready[i].Rank > n.Rank })
	r.ready = append(r.ready, nil)
	copy(r.ready[i+1:], r.ready[i:])
	r.ready[i] = n
}

func (r *graphRun) complete(ctx context.Context, c completion) {
	n := c.node
	r.result.Nodes[n.ID] = c.result

	if c.err != nil {
		r.status[n] = models.NodeStatusFailed
		if r.result.Err == nil {
			r.result.Err = c.err
			r.result.FailedNode = n.ID
		}
		for _, edge := range n.Out {
			r.settle(ctx, edge, edgeFailed, nil)
		}
		return
	}

	r.status[n] = models.NodeStatusCompleted
	r.result.Outputs[n.ID] = c.outputs
	path := flowctx.JoinPath(r.scope, n.ID)
	for port, v := range c.outputs {
		r.e.exec.StorePort(path, port, v)
	}

	for _, edge := range n.Out {
		v, ok := c.outputs[edge.FromPort]
		switch {
		case !ok:
			r.settle(ctx, edge, edgePruned, nil)
		case edge.Signal && !utils.Truthy(v):
			r.settle(ctx, edge, edgePruned, nil)
		default:
			r.settle(ctx, edge, edgeValue, v)
		}
	}
}

// settle resolves one edge and, once the target has no pending in-edges, resolves the target
func (r *graphRun) settle(ctx context.Context, edge *graph.Edge, state edgeState, value interface{}) {
	if r.edges[edge] != edgePending {
		return
	}
	r.edges[edge] = state
	r.values[edge] = value

	to := edge.To
	r.waiting[to]--
	if r.waiting[to] == 0 && r.status[to] == models.NodeStatusPending {
		r.resolve(ctx, to)
	}
}

// resolve decides whether a node with every in-edge resolved runs, is pruned or is skipped
func (r *graphRun) resolve(ctx context.Context, n *graph.Node) {
	inputs := make(map[string]interface{})
	received := false
	optionalFailed := false
	var failedPort, emptyRequired string

	for _, name := range n.InputOrder {
		edges := n.EdgesInto(name)
		if len(edges) == 0 {
			continue
		}
		got, failed := false, false
		for _, edge := range edges {
			switch r.edges[edge] {
			case edgeValue:
				if !got {
					inputs[name] = r.values[edge]
					got = true
				}
			case edgeFailed:
				failed = true
			}
		}

		port := n.Inputs[name]
		switch {
		case got:
			received = true
		case failed && port.OptionalOnFailure:
			optionalFailed = true
		case failed:
			if failedPort == "" {
				failedPort = name
			}
		case port.Required:
			if emptyRequired == "" {
				emptyRequired = name
			}
		}
	}

	switch {
	case failedPort != "":
		r.settleNode(ctx, n, models.NodeStatusSkipped, fmt.Sprintf("upstream of input '%s' failed", failedPort))
	case emptyRequired != "":
		r.settleNode(ctx, n, models.NodeStatusPruned, "")
	case !received && !optionalFailed:
		r.settleNode(ctx, n, models.NodeStatusPruned, "")
	default:
		r.inputs[n] = inputs
		r.enqueue(n)
	}
}

// settleNode records a node that will not run and propagates its state downstream
func (r *graphRun) settleNode(ctx context.Context, n *graph.Node, status models.NodeStatus, reason string) {
	r.status[n] = status
	result := models.NodeResult{
		NodeID:   n.ID,
		NodeType: n.Config.Type,
		Status:   status,
		Error:    reason,
	}
	r.result.Nodes[n.ID] = result
	r.e.recorder.NodeFinished(ctx, flowctx.JoinPath(r.scope, n.ID), n, result, nil)

	var next edgeState
	switch status {
	case models.NodeStatusSkipped:
		next = edgeFailed
	case models.NodeStatusPruned:
		next = edgePruned
	default:
		return
	}
	for _, edge := range n.Out {
		r.settle(ctx, edge, next, nil)
	}
}

// invoke runs one node; it is called on its own goroutine
func (e *Executor) invoke(ctx context.Context, scope string, loop *flowctx.LoopScope, n *graph.Node, inputs map[string]interface{}) completion {
	path := flowctx.JoinPath(scope, n.ID)
	nodeType := n.Config.Type
	started := time.Now()

	ctx, span := e.tracer.Start(ctx, "node "+nodeType, trace.WithAttributes(
		attribute.String("flowengine.execution_id", e.exec.ExecutionID()),
		attribute.String("flowengine.node_path", path),
		attribute.String("flowengine.node_type", nodeType),
	))
	defer span.End()

	e.recorder.NodeStarted(ctx, path, n)
	logger := e.logger.WithFields(logging.F("node_id", path), logging.F("node_type", nodeType))
	logger.Debug("node started")

	spec := flowctx.NodeSpec{
		NodeID:   n.ID,
		Path:     path,
		Scope:    scope,
		NodeType: nodeType,
		Inputs:   inputs,
		Config:   n.Config.Config,
		Loop:     loop,
		Logger:   logger,
	}
	if n.Body != nil {
		spec.Body = &bodyRunner{e: e, node: n, path: path}
	}

	var outputs map[string]interface{}
	nc, err := flowctx.NewNodeContext(e.exec, spec)
	if err == nil {
		outputs, err = e.execute(ctx, n, nc)
	}
	if err == nil && outputs == nil {
		outputs = map[string]interface{}{}
	}

	completed := time.Now()
	duration := completed.Sub(started)
	result := models.NodeResult{
		NodeID:      n.ID,
		NodeType:    nodeType,
		Status:      models.NodeStatusCompleted,
		Outputs:     outputs,
		StartedAt:   &started,
		CompletedAt: &completed,
		DurationMs:  duration.Milliseconds(),
	}
	if err != nil {
		result.Status = models.NodeStatusFailed
		result.Outputs = nil
		result.Error = err.Error()
		var nerr *plugins.NodeError
		if errors.As(err, &nerr) {
			result.ErrorDetail = nerr.Detail
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("node failed", logging.Err(err), logging.F("duration", duration))
	} else {
		logger.Debug("node completed", logging.F("duration", duration))
	}
	e.metrics.NodeFinished(nodeType, string(result.Status), duration)

	var artifacts []flowctx.Artifact
	if nc != nil {
		artifacts = nc.Artifacts()
	}
	e.recorder.NodeFinished(ctx, path, n, result, artifacts)

	return completion{node: n, outputs: outputs, result: result, err: err}
}

// execute calls the node implementation, turning a panic into a node error
func (e *Executor) execute(ctx context.Context, n *graph.Node, nc *flowctx.NodeContext) (out map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = plugins.NewNodeError(fmt.Sprintf("node panicked: %v", rec), map[string]interface{}{
				"stack": string(debug.Stack()),
			})
		}
	}()
	return n.Registration.Node.Execute(ctx, nc)
}
