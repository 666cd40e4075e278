package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/graph"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/nodes"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/utils"
)

// emitNode outputs its "value" config, or its inputs when no value is configured
type emitNode struct{}

func (emitNode) InputPorts() []models.Port {
	return []models.Port{
		{Name: "input", Type: models.PortAny},
		{Name: "a", Type: models.PortAny},
		{Name: "b", Type: models.PortAny},
	}
}

func (emitNode) OutputPorts() []models.Port {
	return []models.Port{{Name: "value", Type: models.PortAny}}
}

func (emitNode) ConfigSchema() []plugins.ConfigField { return nil }

func (emitNode) Execute(ctx context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	if d, ok := utils.ToInt(nc.Config["sleep_ms"]); ok && d > 0 {
		select {
		case <-time.After(time.Duration(d) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if v, ok := nc.Config["value"]; ok {
		return map[string]interface{}{"value": v}, nil
	}
	inputs := make(map[string]interface{}, len(nc.Inputs))
	for k, v := range nc.Inputs {
		inputs[k] = v
	}
	return map[string]interface{}{"value": inputs}, nil
}

// gateNode fires its "on" signal according to its "fire" config
type gateNode struct{}

func (gateNode) InputPorts() []models.Port {
	return []models.Port{{Name: "input", Type: models.PortAny}}
}

func (gateNode) OutputPorts() []models.Port {
	return []models.Port{{Name: "on", Type: models.PortSignal}, {Name: "value", Type: models.PortAny}}
}

func (gateNode) ConfigSchema() []plugins.ConfigField { return nil }

func (gateNode) Execute(_ context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	return map[string]interface{}{"on": nc.ConfigBool("fire", false), "value": nc.NodeID}, nil
}

type failNode struct{}

func (failNode) InputPorts() []models.Port {
	return []models.Port{{Name: "input", Type: models.PortAny}}
}

func (failNode) OutputPorts() []models.Port {
	return []models.Port{{Name: "value", Type: models.PortAny}}
}

func (failNode) ConfigSchema() []plugins.ConfigField { return nil }

func (failNode) Execute(_ context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	if nc.ConfigBool("panic", false) {
		panic("boom")
	}
	return nil, plugins.NewNodeError("deliberate failure", map[string]interface{}{"code": 42})
}

// stopNode requests a stop of the execution, optionally only on a given loop pass
type stopNode struct{}

func (stopNode) InputPorts() []models.Port {
	return []models.Port{{Name: "input", Type: models.PortAny}}
}

func (stopNode) OutputPorts() []models.Port {
	return []models.Port{{Name: "value", Type: models.PortAny}}
}

func (stopNode) ConfigSchema() []plugins.ConfigField { return nil }

func (stopNode) Execute(_ context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	at, hasAt := utils.ToInt(nc.Config["at_index"])
	if !hasAt || (nc.Loop != nil && nc.Loop.Index == at) {
		nc.Exec.RequestStop()
	}
	return map[string]interface{}{"value": true}, nil
}

func testRegistry(t *testing.T) *plugins.Registry {
	t.Helper()
	registry := plugins.NewRegistry()
	require.NoError(t, nodes.Register(registry, nodes.Options{}))
	require.NoError(t, registry.Register("emit", emitNode{}, plugins.Metadata{}))
	require.NoError(t, registry.Register("gate", gateNode{}, plugins.Metadata{}))
	require.NoError(t, registry.Register("fail", failNode{}, plugins.Metadata{}))
	require.NoError(t, registry.Register("stop", stopNode{}, plugins.Metadata{}))
	return registry
}

func node(id, nodeType string, config map[string]interface{}) models.NodeConfig {
	return models.NodeConfig{ID: id, Type: nodeType, Config: config}
}

func conn(from, fromPort, to, toPort string) models.Connection {
	return models.Connection{SourceNode: from, SourcePort: fromPort, TargetNode: to, TargetPort: toPort}
}

func workflow(id string, nodes []models.NodeConfig, conns ...models.Connection) *models.Workflow {
	return &models.Workflow{ID: id, Name: id, Nodes: nodes, Connections: conns}
}

// memoryRecorder captures what the executor reports
type memoryRecorder struct {
	mu         sync.Mutex
	started    []string
	finished   map[string]models.NodeResult
	order      []string
	iterations []*models.ExecutionIteration
	completed  []int
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{finished: make(map[string]models.NodeResult)}
}

func (m *memoryRecorder) NodeStarted(_ context.Context, path string, _ *graph.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, path)
	m.order = append(m.order, "start:"+path)
}

func (m *memoryRecorder) NodeFinished(_ context.Context, path string, _ *graph.Node, result models.NodeResult, _ []flowctx.Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[path] = result
	m.order = append(m.order, "finish:"+path)
}

func (m *memoryRecorder) SaveIteration(_ context.Context, it *models.ExecutionIteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *it
	m.iterations = append(m.iterations, &copied)
	return nil
}

func (m *memoryRecorder) IterationCompleted(_ context.Context, it *models.ExecutionIteration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, it.Number)
}

func (m *memoryRecorder) indexOf(entry string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.order {
		if e == entry {
			return i
		}
	}
	return -1
}

// runWorkflow builds wf and runs it once with a fresh execution context
func runWorkflow(t *testing.T, registry *plugins.Registry, wf *models.Workflow, config map[string]interface{}, trigger map[string]interface{}) (*RunResult, *memoryRecorder) {
	t.Helper()
	g, err := graph.Build(wf, registry)
	require.NoError(t, err)

	rec := newMemoryRecorder()
	exec := flowctx.New(flowctx.Options{
		WorkflowID:  wf.ID,
		ExecutionID: "exec-" + wf.ID,
		Config:      config,
		TriggerData: trigger,
	})
	res := NewExecutor(exec, ExecutorOptions{Recorder: rec}).Run(context.Background(), g)
	return res, rec
}

func statuses(res *RunResult) map[string]models.NodeStatus {
	out := make(map[string]models.NodeStatus, len(res.Nodes))
	for id, nr := range res.Nodes {
		out[id] = nr.Status
	}
	return out
}
