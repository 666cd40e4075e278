package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/utils"
)

// LoopNode drives its body sub-graph once per pass until the pass count is reached,
// the until port fires, the items run out or a stop is requested
type LoopNode struct{}

func (n *LoopNode) InputPorts() []models.Port {
	return []models.Port{anyInput, {Name: "items", Type: models.PortAny}}
}

func (n *LoopNode) OutputPorts() []models.Port {
	return []models.Port{
		{Name: "output", Type: models.PortAny, Description: "Designated output of the last pass, or every pass when aggregating"},
		{Name: "iterations", Type: models.PortNumber},
		signal("done"),
	}
}

func (n *LoopNode) ConfigSchema() []plugins.ConfigField {
	return []plugins.ConfigField{
		{Name: "iterations", Type: "number", Description: "Number of passes"},
		{Name: "items", Type: "array", Description: "Runs one pass per item when the items port is not connected"},
		{Name: "until", Type: "string", Description: "node.port in the body whose truthy value ends the loop"},
		{Name: "max_iterations", Type: "number", Description: "Upper bound on passes; defaults to the engine setting"},
		{Name: "aggregate", Type: "boolean", Description: "Emit the outputs of every pass as a list", DefaultValue: false},
		{Name: "label", Type: "string", Description: "Iteration label template, e.g. Day {{loop.number}}"},
		{Name: "time_scale", Type: "number", Description: "Virtual seconds per real second recorded on iterations"},
	}
}

func (n *LoopNode) Execute(ctx context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	if nc.Body == nil {
		return nil, plugins.NewNodeError("loop node has no body", nil)
	}

	var items []interface{}
	raw, hasItems := nc.Value("items")
	if hasItems {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, plugins.NewNodeError(fmt.Sprintf("items must be a list, got %T", raw), nil)
		}
		items = list
	}

	limit := nc.ConfigInt("max_iterations", nc.Settings.MaxLoopIterations)
	until := nc.ConfigString("until", "")
	count := nc.ConfigInt("iterations", 0)
	switch {
	case hasItems:
		count = len(items)
	case count <= 0 && until == "":
		return nil, plugins.NewNodeError("loop needs iterations, items or until", nil)
	case count <= 0:
		count = limit
	}
	if count > limit {
		nc.Logger.Warn("loop capped by max_iterations", logging.F("requested", count), logging.F("max_iterations", limit))
		count = limit
	}

	scale := nc.Settings.TimeScale
	if v, ok := utils.ToFloat(nc.Config["time_scale"]); ok && v > 0 {
		scale = v
	}
	labelTemplate, _ := nc.RawConfig["label"].(string)

	origin := time.Now()
	var (
		collected = []interface{}{}
		previous  interface{}
		produced  bool
		passes    int
		stopped   bool
	)

	for i := 0; i < count; i++ {
		var item interface{}
		if hasItems {
			item = items[i]
		}

		pass := flowctx.Pass{
			Index:     i,
			Item:      item,
			Input:     nc.Inputs,
			Previous:  previous,
			TimeScale: scale,
			Origin:    origin,
		}
		if labelTemplate != "" {
			label, err := utils.ProcessTemplate(labelTemplate, map[string]interface{}{
				"loop":  map[string]interface{}{"index": i, "number": i + 1, "item": item},
				"input": nc.Inputs,
			})
			if err != nil {
				return nil, plugins.WrapNodeError(err, "invalid loop label", nil)
			}
			pass.Label = label
		}

		res, err := nc.Body.RunPass(ctx, pass)
		if errors.Is(err, flowctx.ErrStopRequested) {
			stopped = true
			break
		}
		if err != nil {
			return nil, err
		}
		passes++

		if res.Err != nil {
			return nil, plugins.WrapNodeError(res.Err, fmt.Sprintf("iteration %d failed", res.Number), map[string]interface{}{
				"iteration_number": res.Number,
				"index":            i,
			})
		}
		if res.HasOutput {
			previous = res.Output
			produced = true
			collected = append(collected, res.Output)
		}
		if until != "" {
			if v, ok := res.Value(until); ok && utils.Truthy(v) {
				break
			}
		}
	}

	out := map[string]interface{}{
		"iterations": passes,
		"done":       !stopped,
	}
	switch {
	case nc.ConfigBool("aggregate", false):
		out["output"] = collected
	case produced:
		out["output"] = previous
	}
	return out, nil
}
