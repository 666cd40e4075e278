package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/graph"
	"github.com/tcmartin/flowengine/pkg/models"
)

// bodyRunner drives the body of one loop node; it satisfies flowctx.BodyRunner
type bodyRunner struct {
	e    *Executor
	node *graph.Node
	path string
}

// RunPass runs the body once and records the pass as an iteration.
// A pending stop request is honoured before the pass starts, never in the middle of one.
func (b *bodyRunner) RunPass(ctx context.Context, pass flowctx.Pass) (*flowctx.PassResult, error) {
	exec := b.e.exec
	if exec.StopRequested() {
		return nil, flowctx.ErrStopRequested
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exec.ClearPorts(b.path)

	scale := pass.TimeScale
	if scale <= 0 {
		scale = exec.Settings().TimeScale
	}
	origin := pass.Origin
	started := time.Now()
	if origin.IsZero() {
		origin = started
	}

	scope := &flowctx.LoopScope{
		Index:    pass.Index,
		Item:     pass.Item,
		Input:    pass.Input,
		Previous: pass.Previous,
	}
	res := b.e.run(ctx, b.node.Body, b.path, scope, false)
	completed := time.Now()

	out := &flowctx.PassResult{
		Outputs:       make(map[string]interface{}, len(res.Outputs)),
		NodesExecuted: res.NodesExecuted,
		Status:        res.Status,
	}
	for id, ports := range res.Outputs {
		out.Outputs[id] = ports
	}
	out.Output, out.HasOutput = designatedOutput(b.node.Body, res)
	if res.Status == models.ExecutionStatusFailed {
		out.Err = res.Err
	}

	it := &models.ExecutionIteration{
		ID:                 uuid.New().String(),
		ExecutionID:        exec.ExecutionID(),
		NodeID:             b.path,
		Label:              pass.Label,
		TimeScale:          scale,
		VirtualStartedAt:   virtualTime(origin, started, scale),
		VirtualCompletedAt: virtualTime(origin, completed, scale),
		StartedAt:          started,
		CompletedAt:        &completed,
		Input:              passInput(pass),
		Status:             res.Status,
		NodesExecuted:      res.NodesExecuted,
	}
	if out.HasOutput {
		it.Output = map[string]interface{}{"value": out.Output}
	}
	if res.Err != nil {
		it.Error = res.Err.Error()
	}

	// the event is published under the allocation lock so events follow iteration numbers
	number, err := exec.AllocateIteration(func(n int) error {
		it.Number = n
		if err := b.e.recorder.SaveIteration(ctx, it); err != nil {
			return err
		}
		b.e.recorder.IterationCompleted(ctx, it)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record iteration of %s: %w", b.path, err)
	}
	out.Number = number

	b.e.metrics.IterationCompleted()
	return out, nil
}

// designatedOutput reads the body's output port, or collects sink outputs when none is designated
func designatedOutput(body *graph.Graph, res *RunResult) (interface{}, bool) {
	if body.Output == "" {
		sinks := res.SinkOutputs(body)
		return sinks, len(sinks) > 0
	}
	nodeID, port, _ := strings.Cut(body.Output, ".")
	ports, ok := res.Outputs[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := ports[port]
	return v, ok
}

// virtualTime maps a wall clock instant onto the scaled clock anchored at origin
func virtualTime(origin, at time.Time, scale float64) time.Time {
	elapsed := at.Sub(origin)
	return origin.Add(time.Duration(float64(elapsed) * scale))
}

func passInput(pass flowctx.Pass) map[string]interface{} {
	in := map[string]interface{}{"index": pass.Index}
	if pass.Item != nil {
		in["item"] = pass.Item
	}
	if pass.Previous != nil {
		in["previous"] = pass.Previous
	}
	if len(pass.Input) > 0 {
		in["input"] = pass.Input
	}
	return in
}
