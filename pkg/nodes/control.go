package nodes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/scripting"
	"github.com/tcmartin/flowengine/pkg/utils"
)

// ConditionNode fires exactly one of its true/false signals
type ConditionNode struct {
	evaluator scripting.ExpressionEvaluator
}

func (n *ConditionNode) InputPorts() []models.Port {
	return []models.Port{{Name: "value", Type: models.PortAny}}
}

func (n *ConditionNode) OutputPorts() []models.Port {
	return []models.Port{signal("true"), signal("false"), {Name: "value", Type: models.PortAny}}
}

func (n *ConditionNode) ConfigSchema() []plugins.ConfigField {
	return []plugins.ConfigField{
		{Name: "expression", Type: "string", Description: "${...} JavaScript expression; the value input is used when absent"},
		{Name: "equals", Type: "any", Description: "When set, the condition holds if the value equals it"},
	}
}

func (n *ConditionNode) Execute(_ context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	value, _ := nc.Value("value")

	var holds bool
	switch expr, ok := nc.RawConfig["expression"].(string); {
	case ok && scripting.IsExpression(expr):
		vars := scriptVars(nc)
		vars["value"] = value
		result, err := n.evaluator.Evaluate(expr, vars)
		if err != nil {
			return nil, plugins.WrapNodeError(err, "condition expression failed", map[string]interface{}{"expression": expr})
		}
		holds = utils.Truthy(result)
	case nc.Config["equals"] != nil:
		holds = utils.ToString(value) == utils.ToString(nc.Config["equals"])
	case ok:
		holds = utils.Truthy(nc.Config["expression"])
	default:
		holds = utils.Truthy(value)
	}

	return map[string]interface{}{"true": holds, "false": !holds, "value": value}, nil
}

// ExistsNode fires found when its value is present and non-empty
type ExistsNode struct{}

func (n *ExistsNode) InputPorts() []models.Port {
	return []models.Port{{Name: "value", Type: models.PortAny}}
}

func (n *ExistsNode) OutputPorts() []models.Port {
	return []models.Port{signal("found"), signal("not_found"), {Name: "value", Type: models.PortAny}}
}

func (n *ExistsNode) ConfigSchema() []plugins.ConfigField {
	return []plugins.ConfigField{
		{Name: "value", Type: "any", Description: "Value checked when the value port is not connected"},
	}
}

func (n *ExistsNode) Execute(_ context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	value, ok := nc.Value("value")
	found := ok && value != nil
	if s, isString := value.(string); isString && s == "" {
		found = false
	}

	out := map[string]interface{}{"found": found, "not_found": !found}
	if found {
		out["value"] = value
	}
	return out, nil
}

// MergeNode joins the values that reached its inputs.
// Workflows may declare extra input ports beyond a and b.
type MergeNode struct{}

func (n *MergeNode) InputPorts() []models.Port {
	return []models.Port{{Name: "a", Type: models.PortAny}, {Name: "b", Type: models.PortAny}}
}

func (n *MergeNode) OutputPorts() []models.Port {
	return []models.Port{{Name: "output", Type: models.PortAny}, {Name: "values", Type: models.PortStructured}}
}

func (n *MergeNode) ConfigSchema() []plugins.ConfigField {
	return []plugins.ConfigField{
		{Name: "strategy", Type: "string", Description: "object, list or first", DefaultValue: "object"},
	}
}

func (n *MergeNode) Execute(_ context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	names := make([]string, 0, len(nc.Inputs))
	for name := range nc.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]interface{}, 0, len(names))
	for _, name := range names {
		values = append(values, nc.Inputs[name])
	}

	out := map[string]interface{}{"values": values}
	switch strategy := nc.ConfigString("strategy", "object"); strategy {
	case "object":
		merged := make(map[string]interface{}, len(nc.Inputs))
		for k, v := range nc.Inputs {
			merged[k] = v
		}
		out["output"] = merged
	case "list":
		out["output"] = values
	case "first":
		if len(values) > 0 {
			out["output"] = values[0]
		}
	default:
		return nil, plugins.NewNodeError(fmt.Sprintf("unknown merge strategy '%s'", strategy), nil)
	}
	return out, nil
}

// DelayNode waits, then passes its input on
type DelayNode struct{}

func (n *DelayNode) InputPorts() []models.Port { return []models.Port{anyInput} }

func (n *DelayNode) OutputPorts() []models.Port { return []models.Port{output} }

func (n *DelayNode) ConfigSchema() []plugins.ConfigField {
	return []plugins.ConfigField{
		{Name: "duration", Type: "string", Description: "Go duration such as 250ms or 2s", Required: true},
	}
}

func (n *DelayNode) Execute(ctx context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	d, err := time.ParseDuration(nc.ConfigString("duration", "0s"))
	if err != nil {
		return nil, plugins.WrapNodeError(err, "invalid duration", nil)
	}
	input, _ := nc.Input("input")

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]interface{}{"output": input}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
