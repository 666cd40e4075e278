package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/state"
	"github.com/tcmartin/flowengine/pkg/storage"
)

func newExec(opts flowctx.Options) *flowctx.ExecutionContext {
	if opts.WorkflowID == "" {
		opts.WorkflowID = "wf"
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = "exec"
	}
	return flowctx.New(opts)
}

func nodeContext(t *testing.T, exec *flowctx.ExecutionContext, inputs, config map[string]interface{}) *flowctx.NodeContext {
	t.Helper()
	nc, err := flowctx.NewNodeContext(exec, flowctx.NodeSpec{
		NodeID: "n",
		Path:   "n",
		Inputs: inputs,
		Config: config,
	})
	require.NoError(t, err)
	return nc
}

func TestBuiltinsRegistration(t *testing.T) {
	registry := plugins.NewRegistry()
	require.NoError(t, Register(registry, Options{}))

	list := registry.List()
	assert.Len(t, list, 15)

	for _, nodeType := range []string{"manual_trigger", "webhook_trigger", "schedule_trigger"} {
		reg, ok := registry.Lookup(nodeType)
		require.True(t, ok, nodeType)
		assert.True(t, reg.Metadata.Has(plugins.CapTrigger))
		assert.Equal(t, SourceName, reg.Metadata.Source)
	}

	loop, ok := registry.Lookup("loop")
	require.True(t, ok)
	assert.True(t, loop.Metadata.Has(plugins.CapLoop))

	merge, ok := registry.Lookup("merge")
	require.True(t, ok)
	assert.True(t, merge.Metadata.Has(plugins.CapDynamicPorts))
}

func TestTriggerNode(t *testing.T) {
	exec := newExec(flowctx.Options{TriggerData: map[string]interface{}{"user": "ada"}})
	out, err := (&TriggerNode{}).Execute(context.Background(), nodeContext(t, exec, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"user": "ada"}, out["output"])
	assert.Equal(t, true, out["fired"])

	out, err = (&TriggerNode{}).Execute(context.Background(), nodeContext(t, newExec(flowctx.Options{}), nil, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{}, out["output"])
}

func TestStateNodes(t *testing.T) {
	ctx := context.Background()
	store := state.NewStore(storage.NewMemoryStateStore(), nil)
	exec := newExec(flowctx.Options{State: store})

	out, err := (&StateGetNode{}).Execute(ctx, nodeContext(t, exec, nil, map[string]interface{}{"key": "count", "default": 7}))
	require.NoError(t, err)
	assert.Equal(t, 7, out["value"])
	assert.Equal(t, int64(0), out["version"])
	assert.Equal(t, false, out["found"])
	assert.Equal(t, true, out["not_found"])

	out, err = (&StateSetNode{}).Execute(ctx, nodeContext(t, exec, map[string]interface{}{"value": 1}, map[string]interface{}{"key": "count"}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), out["version"])

	// the key port wins over config
	out, err = (&StateGetNode{}).Execute(ctx, nodeContext(t, exec, map[string]interface{}{"key": "count"}, map[string]interface{}{"key": "other"}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, out["value"])
	assert.Equal(t, true, out["found"])

	out, err = (&StateDeleteNode{}).Execute(ctx, nodeContext(t, exec, nil, map[string]interface{}{"key": "count"}))
	require.NoError(t, err)
	assert.Equal(t, true, out["deleted"])

	out, err = (&StateDeleteNode{}).Execute(ctx, nodeContext(t, exec, nil, map[string]interface{}{"key": "count"}))
	require.NoError(t, err)
	assert.Equal(t, false, out["found"])

	_, err = (&StateGetNode{}).Execute(ctx, nodeContext(t, exec, nil, nil))
	var nerr *plugins.NodeError
	assert.ErrorAs(t, err, &nerr)

	_, err = (&StateSetNode{}).Execute(ctx, nodeContext(t, newExec(flowctx.Options{}), map[string]interface{}{"value": 1}, map[string]interface{}{"key": "k"}))
	assert.ErrorContains(t, err, "no state store configured")
}

func TestIncrementNode(t *testing.T) {
	tests := []struct {
		name    string
		inputs  map[string]interface{}
		config  map[string]interface{}
		want    float64
		wantErr bool
	}{
		{name: "missing value counts as zero", want: 1},
		{name: "integer input", inputs: map[string]interface{}{"value": 41}, want: 42},
		{name: "custom step", inputs: map[string]interface{}{"value": 1.5}, config: map[string]interface{}{"by": 2}, want: 3.5},
		{name: "numeric string", inputs: map[string]interface{}{"value": "9"}, want: 10},
		{name: "not a number", inputs: map[string]interface{}{"value": map[string]interface{}{}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := (&IncrementNode{}).Execute(context.Background(), nodeContext(t, newExec(flowctx.Options{}), tt.inputs, tt.config))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out["value"])
		})
	}
}

func TestVariableNodes(t *testing.T) {
	ctx := context.Background()
	exec := newExec(flowctx.Options{Variables: map[string]interface{}{"greeting": "hi"}})
	set := &SetVariableNode{}
	get := &GetVariableNode{}

	out, err := get.Execute(ctx, nodeContext(t, exec, nil, map[string]interface{}{"name": "greeting"}))
	require.NoError(t, err)
	assert.Equal(t, "hi", out["value"])
	assert.Equal(t, true, out["found"])

	out, err = get.Execute(ctx, nodeContext(t, exec, nil, map[string]interface{}{"name": "missing", "default": "none"}))
	require.NoError(t, err)
	assert.Equal(t, "none", out["value"])
	assert.Equal(t, true, out["not_found"])

	for i := 0; i < 3; i++ {
		_, err = set.Execute(ctx, nodeContext(t, exec, nil, map[string]interface{}{"name": "hits", "operation": "increment"}))
		require.NoError(t, err)
	}
	hits, _ := exec.Var("hits")
	assert.Equal(t, 3.0, hits)

	for _, v := range []string{"a", "b"} {
		_, err = set.Execute(ctx, nodeContext(t, exec, map[string]interface{}{"value": v}, map[string]interface{}{"name": "seen", "operation": "append"}))
		require.NoError(t, err)
	}
	seen, _ := exec.Var("seen")
	assert.Equal(t, []interface{}{"a", "b"}, seen)

	_, err = set.Execute(ctx, nodeContext(t, exec, nil, map[string]interface{}{"name": "x", "operation": "multiply"}))
	assert.ErrorContains(t, err, "unknown operation")

	_, err = set.Execute(ctx, nodeContext(t, exec, nil, nil))
	assert.ErrorContains(t, err, "variable name is required")
}

func TestTransformNode(t *testing.T) {
	registry := plugins.NewRegistry()
	require.NoError(t, Register(registry, Options{}))
	reg, ok := registry.Lookup("transform")
	require.True(t, ok)

	exec := newExec(flowctx.Options{TriggerData: map[string]interface{}{"factor": 3}})
	nc := nodeContext(t, exec,
		map[string]interface{}{"input": map[string]interface{}{"n": 2}},
		map[string]interface{}{"script": "return input.n * trigger.factor;"},
	)
	out, err := reg.Node.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.EqualValues(t, 6, out["output"])

	_, err = reg.Node.Execute(context.Background(), nodeContext(t, exec, nil, map[string]interface{}{"script": "throw new Error('nope');"}))
	assert.ErrorContains(t, err, "transform script failed")
}

func TestConditionNode(t *testing.T) {
	registry := plugins.NewRegistry()
	require.NoError(t, Register(registry, Options{}))
	reg, ok := registry.Lookup("condition")
	require.True(t, ok)

	tests := []struct {
		name   string
		inputs map[string]interface{}
		config map[string]interface{}
		want   bool
	}{
		{name: "truthy value", inputs: map[string]interface{}{"value": "yes"}, want: true},
		{name: "falsy value", inputs: map[string]interface{}{"value": 0}, want: false},
		{name: "expression", inputs: map[string]interface{}{"value": 5}, config: map[string]interface{}{"expression": "${value > 3}"}, want: true},
		{name: "expression false", inputs: map[string]interface{}{"value": 1}, config: map[string]interface{}{"expression": "${value > 3}"}, want: false},
		{name: "equals", inputs: map[string]interface{}{"value": 10}, config: map[string]interface{}{"equals": "10"}, want: true},
		{name: "template expression", config: map[string]interface{}{"expression": "{{vars.flag}}"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newExec(flowctx.Options{Variables: map[string]interface{}{"flag": true}})
			out, err := reg.Node.Execute(context.Background(), nodeContext(t, exec, tt.inputs, tt.config))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out["true"])
			assert.Equal(t, !tt.want, out["false"])
		})
	}
}

func TestExistsNode(t *testing.T) {
	tests := []struct {
		name   string
		inputs map[string]interface{}
		config map[string]interface{}
		found  bool
	}{
		{name: "present", inputs: map[string]interface{}{"value": "x"}, found: true},
		{name: "empty string", inputs: map[string]interface{}{"value": ""}, found: false},
		{name: "nil", inputs: map[string]interface{}{"value": nil}, found: false},
		{name: "absent"},
		{name: "from config", config: map[string]interface{}{"value": 0}, found: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := (&ExistsNode{}).Execute(context.Background(), nodeContext(t, newExec(flowctx.Options{}), tt.inputs, tt.config))
			require.NoError(t, err)
			assert.Equal(t, tt.found, out["found"])
			assert.Equal(t, !tt.found, out["not_found"])
			if !tt.found {
				assert.NotContains(t, out, "value")
			}
		})
	}
}

func TestMergeNode(t *testing.T) {
	inputs := map[string]interface{}{"b": 2, "a": 1, "c": 3}

	out, err := (&MergeNode{}).Execute(context.Background(), nodeContext(t, newExec(flowctx.Options{}), inputs, nil))
	require.NoError(t, err)
	assert.Equal(t, inputs, out["output"])
	assert.Equal(t, []interface{}{1, 2, 3}, out["values"])

	out, err = (&MergeNode{}).Execute(context.Background(), nodeContext(t, newExec(flowctx.Options{}), inputs, map[string]interface{}{"strategy": "first"}))
	require.NoError(t, err)
	assert.Equal(t, 1, out["output"])

	out, err = (&MergeNode{}).Execute(context.Background(), nodeContext(t, newExec(flowctx.Options{}), inputs, map[string]interface{}{"strategy": "list"}))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, 2, 3}, out["output"])

	_, err = (&MergeNode{}).Execute(context.Background(), nodeContext(t, newExec(flowctx.Options{}), inputs, map[string]interface{}{"strategy": "zip"}))
	assert.ErrorContains(t, err, "unknown merge strategy")
}

func TestDelayNode(t *testing.T) {
	exec := newExec(flowctx.Options{})

	out, err := (&DelayNode{}).Execute(context.Background(), nodeContext(t, exec, map[string]interface{}{"input": "x"}, map[string]interface{}{"duration": "5ms"}))
	require.NoError(t, err)
	assert.Equal(t, "x", out["output"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = (&DelayNode{}).Execute(ctx, nodeContext(t, exec, nil, map[string]interface{}{"duration": "1m"}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = (&DelayNode{}).Execute(context.Background(), nodeContext(t, exec, nil, map[string]interface{}{"duration": "soon"}))
	assert.ErrorContains(t, err, "invalid duration")
}

// scriptedBody answers passes from a function instead of a sub-graph
type scriptedBody struct {
	passes []flowctx.Pass
	answer func(pass flowctx.Pass) (*flowctx.PassResult, error)
}

func (b *scriptedBody) RunPass(_ context.Context, pass flowctx.Pass) (*flowctx.PassResult, error) {
	b.passes = append(b.passes, pass)
	res, err := b.answer(pass)
	if res != nil {
		res.Number = len(b.passes)
	}
	return res, err
}

func loopContext(t *testing.T, exec *flowctx.ExecutionContext, inputs, config map[string]interface{}, body flowctx.BodyRunner) *flowctx.NodeContext {
	t.Helper()
	nc, err := flowctx.NewNodeContext(exec, flowctx.NodeSpec{
		NodeID: "loop",
		Path:   "loop",
		Inputs: inputs,
		Config: config,
		Body:   body,
	})
	require.NoError(t, err)
	return nc
}

func TestLoopNode(t *testing.T) {
	ctx := context.Background()
	echoIndex := func(pass flowctx.Pass) (*flowctx.PassResult, error) {
		return &flowctx.PassResult{Output: pass.Index, HasOutput: true}, nil
	}

	t.Run("previous output threads through passes", func(t *testing.T) {
		body := &scriptedBody{answer: echoIndex}
		out, err := (&LoopNode{}).Execute(ctx, loopContext(t, newExec(flowctx.Options{}), nil, map[string]interface{}{"iterations": 3, "label": "Day {{loop.number}}"}, body))
		require.NoError(t, err)

		assert.Equal(t, 2, out["output"])
		assert.Equal(t, 3, out["iterations"])
		assert.Equal(t, true, out["done"])
		require.Len(t, body.passes, 3)
		assert.Nil(t, body.passes[0].Previous)
		assert.Equal(t, 1, body.passes[2].Previous)
		assert.Equal(t, "Day 3", body.passes[2].Label)
		assert.Equal(t, body.passes[0].Origin, body.passes[2].Origin)
	})

	t.Run("items port drives the pass count", func(t *testing.T) {
		body := &scriptedBody{answer: func(pass flowctx.Pass) (*flowctx.PassResult, error) {
			return &flowctx.PassResult{Output: pass.Item, HasOutput: true}, nil
		}}
		out, err := (&LoopNode{}).Execute(ctx, loopContext(t, newExec(flowctx.Options{}),
			map[string]interface{}{"items": []interface{}{"x", "y"}},
			map[string]interface{}{"aggregate": true}, body))
		require.NoError(t, err)
		assert.Equal(t, []interface{}{"x", "y"}, out["output"])
	})

	t.Run("max_iterations caps the loop", func(t *testing.T) {
		body := &scriptedBody{answer: echoIndex}
		out, err := (&LoopNode{}).Execute(ctx, loopContext(t, newExec(flowctx.Options{}), nil, map[string]interface{}{"iterations": 50, "max_iterations": 4}, body))
		require.NoError(t, err)
		assert.Equal(t, 4, out["iterations"])
	})

	t.Run("engine setting caps open ended loops", func(t *testing.T) {
		exec := newExec(flowctx.Options{Config: map[string]interface{}{flowctx.KeyMaxLoopIterations: 6}})
		body := &scriptedBody{answer: echoIndex}
		out, err := (&LoopNode{}).Execute(ctx, loopContext(t, exec, nil, map[string]interface{}{"until": "never.fires"}, body))
		require.NoError(t, err)
		assert.Equal(t, 6, out["iterations"])
	})

	t.Run("stop request ends the loop early", func(t *testing.T) {
		body := &scriptedBody{answer: func(pass flowctx.Pass) (*flowctx.PassResult, error) {
			if pass.Index == 2 {
				return nil, flowctx.ErrStopRequested
			}
			return &flowctx.PassResult{Output: pass.Index, HasOutput: true}, nil
		}}
		out, err := (&LoopNode{}).Execute(ctx, loopContext(t, newExec(flowctx.Options{}), nil, map[string]interface{}{"iterations": 5}, body))
		require.NoError(t, err)
		assert.Equal(t, 2, out["iterations"])
		assert.Equal(t, false, out["done"])
	})

	t.Run("invalid configurations", func(t *testing.T) {
		_, err := (&LoopNode{}).Execute(ctx, loopContext(t, newExec(flowctx.Options{}), nil, map[string]interface{}{"iterations": 2}, nil))
		assert.ErrorContains(t, err, "no body")

		body := &scriptedBody{answer: echoIndex}
		_, err = (&LoopNode{}).Execute(ctx, loopContext(t, newExec(flowctx.Options{}), nil, nil, body))
		assert.ErrorContains(t, err, "needs iterations")

		_, err = (&LoopNode{}).Execute(ctx, loopContext(t, newExec(flowctx.Options{}), map[string]interface{}{"items": "nope"}, nil, body))
		assert.ErrorContains(t, err, "items must be a list")
	})
}
